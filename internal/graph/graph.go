// Package graph orders declarations by their dependencies and executes
// create and delete steps in that order.
package graph

import (
	"github.com/pkg/errors"
)

type node[T any] struct {
	name  string
	value T
	deps  []string
}

// Graph is a set of named declarations and the edges between them. Names
// are unique within a graph.
type Graph[T any] struct {
	names []string
	nodes map[string]*node[T]
}

// New returns an empty graph.
func New[T any]() *Graph[T] {
	return &Graph[T]{nodes: map[string]*node[T]{}}
}

// Add declares name with its value and the names it depends on.
func (g *Graph[T]) Add(name string, value T, deps ...string) error {
	if name == "" {
		return errors.New("declaration name must not be empty")
	}
	if _, ok := g.nodes[name]; ok {
		return errors.Errorf("duplicate declaration %q", name)
	}
	g.names = append(g.names, name)
	g.nodes[name] = &node[T]{name: name, value: value, deps: dedupe(deps)}
	return nil
}

// Get returns the value declared under name.
func (g *Graph[T]) Get(name string) (T, bool) {
	n, ok := g.nodes[name]
	if !ok {
		var zero T
		return zero, false
	}
	return n.value, true
}

// Dependencies returns the direct dependencies of name.
func (g *Graph[T]) Dependencies(name string) []string {
	n, ok := g.nodes[name]
	if !ok {
		return nil
	}
	return append([]string(nil), n.deps...)
}

// Dependents returns the declarations that depend directly on name, in
// insertion order.
func (g *Graph[T]) Dependents(name string) []string {
	var out []string
	for _, other := range g.names {
		for _, d := range g.nodes[other].deps {
			if d == name {
				out = append(out, other)
				break
			}
		}
	}
	return out
}

// Names returns every declaration in insertion order.
func (g *Graph[T]) Names() []string {
	return append([]string(nil), g.names...)
}

// Len returns the number of declarations.
func (g *Graph[T]) Len() int {
	return len(g.names)
}

// Validate checks that every edge resolves and that there is no cycle.
func (g *Graph[T]) Validate() error {
	_, err := g.Levels()
	return err
}

// Sort returns an order in which every declaration comes after all of its
// dependencies. Among declarations that are ready at the same time the one
// added first comes first.
func (g *Graph[T]) Sort() ([]string, error) {
	levels, err := g.Levels()
	if err != nil {
		return nil, err
	}
	order := make([]string, 0, len(g.names))
	for _, level := range levels {
		order = append(order, level...)
	}
	return order, nil
}

// Reverse returns the exact reverse of Sort. It is the teardown order.
func (g *Graph[T]) Reverse() ([]string, error) {
	order, err := g.Sort()
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order, nil
}

// Levels groups declarations into waves. Every declaration in a wave
// depends only on declarations in earlier waves, so a wave may run
// concurrently.
func (g *Graph[T]) Levels() ([][]string, error) {
	indegree := make(map[string]int, len(g.names))
	for _, name := range g.names {
		for _, d := range g.nodes[name].deps {
			if _, ok := g.nodes[d]; !ok {
				return nil, &DependencyError{Resource: name, Missing: d}
			}
		}
		indegree[name] = len(g.nodes[name].deps)
	}

	var levels [][]string
	done := 0
	for done < len(g.names) {
		var level []string
		for _, name := range g.names {
			if indegree[name] == 0 {
				level = append(level, name)
			}
		}
		if len(level) == 0 {
			return nil, &CycleError{Path: g.findCycle(indegree)}
		}
		for _, name := range level {
			indegree[name] = -1
			for _, dependent := range g.Dependents(name) {
				indegree[dependent]--
			}
		}
		done += len(level)
		levels = append(levels, level)
	}
	return levels, nil
}

// findCycle walks dependency edges among the declarations that could not be
// ordered until it revisits one.
func (g *Graph[T]) findCycle(indegree map[string]int) []string {
	var start string
	for _, name := range g.names {
		if indegree[name] > 0 {
			start = name
			break
		}
	}
	pos := map[string]int{}
	var path []string
	for cur := start; ; {
		if i, ok := pos[cur]; ok {
			return append(path[i:], cur)
		}
		pos[cur] = len(path)
		path = append(path, cur)
		next := ""
		for _, d := range g.nodes[cur].deps {
			if indegree[d] > 0 {
				next = d
				break
			}
		}
		if next == "" {
			return path
		}
		cur = next
	}
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
