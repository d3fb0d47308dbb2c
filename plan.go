package main

import (
	"context"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/sirupsen/logrus"

	"github.com/zikster3262/pulumi-eks/internal/graph"
	"github.com/zikster3262/pulumi-eks/internal/topology"
)

// printPlan dry-runs the topology through the executor and prints the
// create order followed by the teardown order.
func printPlan(ctx context.Context, w io.Writer, topo *topology.Topology, log logrus.FieldLogger) error {
	levels, err := topo.Graph.Levels()
	if err != nil {
		return err
	}
	wave := map[string]int{}
	for i, level := range levels {
		for _, name := range level {
			wave[name] = i + 1
		}
	}

	rec := &graph.Recorder[topology.Resource]{}
	ex := graph.NewExecutor(topo.Graph, graph.WithLogger(log), graph.WithConcurrency(1))
	if err := ex.Apply(ctx, rec); err != nil {
		return err
	}
	if err := ex.Destroy(ctx, rec); err != nil {
		return err
	}

	calls := rec.Calls()
	creates := calls[:topo.Graph.Len()]
	sort.SliceStable(creates, func(i, j int) bool {
		return wave[creates[i].Name] < wave[creates[j].Name]
	})

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Step", "Action", "Wave", "Kind", "Name", "Depends on"})
	table.SetAutoWrapText(false)
	for i, c := range calls {
		r, _ := topo.Graph.Get(c.Name)
		table.Append([]string{
			strconv.Itoa(i + 1),
			c.Op,
			strconv.Itoa(wave[c.Name]),
			string(r.Kind),
			c.Name,
			strings.Join(topo.Graph.Dependencies(c.Name), ", "),
		})
	}
	table.Render()
	return nil
}
