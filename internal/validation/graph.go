package validation

import (
	"fmt"
	"strings"

	"github.com/rendis/chatflow/internal/engine"
	"github.com/rendis/chatflow/pkg/schema"
)

// validateGraph checks the compiled topology: dropped edges, entry points,
// reachability, condition branches and loops that never yield.
func validateGraph(flow *schema.Flow, c *engine.Compiled) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	for _, e := range c.Dangling {
		missing := e.Target
		if !c.Has(e.Source) {
			missing = e.Source
		}
		result.AddWarning(edgePath(flow, e), CodeDanglingEdge,
			fmt.Sprintf("edge %s -> %s references missing node %q and is dropped", e.Source, e.Target, missing))
	}

	if len(c.Nodes) == 0 {
		return result
	}

	if flow.StartNodeID != "" && !c.Has(flow.StartNodeID) {
		result.AddError("startNodeId", CodeBadStart,
			fmt.Sprintf("start node %q does not exist", flow.StartNodeID))
	}
	if len(c.Starts) == 0 && flow.StartNodeID == "" {
		result.AddError("nodes", CodeNoEntry,
			"flow has no entry point: every node has an incoming edge and none is marked as trigger or start")
		return result
	}

	reach := c.Reachable()
	if flow.StartNodeID != "" && c.Has(flow.StartNodeID) {
		reach = reachableFrom(c, flow.StartNodeID, reach)
	}
	for _, id := range c.Order {
		if !reach[id] {
			result.AddWarning(nodePath(flow, id), CodeUnreachable,
				fmt.Sprintf("node %q is unreachable from any entry point", id))
		}
	}

	for _, id := range c.Order {
		if c.Nodes[id].Kind == schema.KindCondition {
			checkBranches(flow, c, id, result)
		}
	}

	for _, loop := range BusyLoops(c) {
		result.AddWarning(nodePath(flow, loop[0]), CodeBusyLoop,
			fmt.Sprintf("loop %s never waits for input or time and runs forever", strings.Join(loop, " -> ")))
	}
	return result
}

// reachableFrom extends reach with everything reachable from id.
func reachableFrom(c *engine.Compiled, id string, reach map[string]bool) map[string]bool {
	queue := []string{id}
	reach[id] = true
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, l := range c.Next[cur] {
			if !reach[l.To] {
				reach[l.To] = true
				queue = append(queue, l.To)
			}
		}
	}
	return reach
}

// checkBranches flags condition outcomes with nowhere to go and branch tags
// the engine does not recognise.
func checkBranches(flow *schema.Flow, c *engine.Compiled, id string, result *schema.ValidationResult) {
	links := c.Next[id]
	path := nodePath(flow, id)
	if len(links) == 0 {
		result.AddWarning(path, CodeMissingBranch, fmt.Sprintf("condition %q has no outgoing edges", id))
		return
	}

	for _, outcome := range []bool{true, false} {
		if _, ok := engine.ChooseBranch(links, outcome); !ok {
			result.AddWarning(path, CodeMissingBranch,
				fmt.Sprintf("condition %q has no edge for the %t outcome", id, outcome))
		}
	}
	for _, l := range links {
		if l.Branch != "" && !engine.IsTruthyBranch(l.Branch) && !engine.IsFalsyBranch(l.Branch) {
			result.AddWarning(path, CodeUnusedBranchLabel,
				fmt.Sprintf("edge %s -> %s branch %q is neither true nor false and is only taken by position", id, l.To, l.Branch))
		}
	}
}

// BusyLoops finds cycles made only of nodes that run synchronously
// (message, condition, unknown). Each is reported once, starting from its
// first node in authoring order.
func BusyLoops(c *engine.Compiled) [][]string {
	sync := func(id string) bool {
		switch c.Nodes[id].Kind {
		case schema.KindAsk, schema.KindDelay, schema.KindAPI:
			return false
		}
		return true
	}

	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(c.Nodes))
	var stack []string
	var loops [][]string
	reported := map[string]bool{}

	var visit func(id string)
	visit = func(id string) {
		color[id] = grey
		stack = append(stack, id)
		for _, l := range c.Next[id] {
			if !sync(l.To) {
				continue
			}
			switch color[l.To] {
			case white:
				visit(l.To)
			case grey:
				i := len(stack) - 1
				for stack[i] != l.To {
					i--
				}
				loop := append([]string(nil), stack[i:]...)
				if !reported[loop[0]] {
					reported[loop[0]] = true
					loops = append(loops, append(loop, l.To))
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
	}

	for _, id := range c.Order {
		if sync(id) && color[id] == white {
			visit(id)
		}
	}
	return loops
}

func nodePath(flow *schema.Flow, id string) string {
	for i, n := range flow.Nodes {
		if n.ID == id {
			return fmt.Sprintf("nodes[%d]", i)
		}
	}
	return "nodes"
}

func edgePath(flow *schema.Flow, e schema.Edge) string {
	for i, fe := range flow.Edges {
		if fe.Source == e.Source && fe.Target == e.Target && fe.ID == e.ID {
			return fmt.Sprintf("edges[%d]", i)
		}
	}
	return "edges"
}
