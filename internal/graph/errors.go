package graph

import (
	"fmt"
	"strings"
)

// CycleError is returned when the declarations cannot be ordered.
type CycleError struct {
	// Path lists the declarations on the cycle, starting and ending with
	// the same name.
	Path []string
}

func (e *CycleError) Error() string {
	return "dependency cycle: " + strings.Join(e.Path, " -> ")
}

// DependencyError is returned when a declaration refers to something that
// cannot be resolved. Executor steps return it while a dependency is not yet
// visible, in which case the step is retried.
type DependencyError struct {
	Resource string
	Missing  string
	Err      error
}

func (e *DependencyError) Error() string {
	msg := fmt.Sprintf("%s: unresolved dependency %q", e.Resource, e.Missing)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DependencyError) Unwrap() error {
	return e.Err
}
