package validation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/agentpipe/pkg/schema"
)

// validateGraph performs graph analysis: entry-step presence, cycle detection
// (Kahn's algorithm) and reachability (BFS from trigger steps). Loop back-edges
// are excluded; the loop bound guarantees termination instead.
func validateGraph(def *schema.PipelineDefinition) *schema.ValidationReport {
	result := &schema.ValidationReport{}

	ids := make([]string, 0, len(def.Steps))
	steps := make(map[string]*schema.Step, len(def.Steps))
	for _, s := range def.Steps {
		ids = append(ids, s.ID)
		steps[s.ID] = s
	}

	// edges[id] = successors, inDegree[id] = predecessor count.
	edges := make(map[string][]string, len(ids))
	inDegree := make(map[string]int, len(ids))
	hasBlockingIncoming := make(map[string]bool, len(ids))
	hasIncoming := make(map[string]bool, len(ids))
	for _, c := range def.Connections {
		if def.IsBackEdge(c) {
			continue
		}
		edges[c.Source] = append(edges[c.Source], c.Target)
		inDegree[c.Target]++
		hasIncoming[c.Target] = true
		switch c.Kind() {
		case schema.ConnData, schema.ConnSuccess, schema.ConnError:
			hasBlockingIncoming[c.Target] = true
		}
	}

	// At least one Trigger step or step without incoming Data/Success/Error connection.
	entryFound := false
	for _, id := range ids {
		if steps[id].Variant == schema.VariantTrigger || !hasBlockingIncoming[id] {
			entryFound = true
			break
		}
	}
	if !entryFound {
		result.AddError("steps", schema.IssueNoEntryStep,
			"pipeline has no entry step: every step has an incoming data, success or error connection")
	}

	// Kahn's algorithm.
	remaining := make(map[string]int, len(ids))
	queue := make([]string, 0, len(ids))
	for _, id := range ids {
		remaining[id] = inDegree[id]
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range edges[node] {
			remaining[next]--
			if remaining[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited != len(ids) {
		var cyclic []string
		for _, id := range ids {
			if remaining[id] > 0 {
				cyclic = append(cyclic, id)
			}
		}
		sort.Strings(cyclic)
		result.AddError("connections", schema.IssueCycle,
			fmt.Sprintf("pipeline contains a cycle through steps [%s]", strings.Join(cyclic, ", ")))
		return result // cycle makes reachability analysis meaningless
	}

	// Reachability from Trigger steps, or from steps without incoming
	// connections when the pipeline declares no trigger.
	reachable := make(map[string]bool, len(ids))
	var bfs []string
	for _, id := range ids {
		if steps[id].Variant == schema.VariantTrigger {
			reachable[id] = true
			bfs = append(bfs, id)
		}
	}
	if len(bfs) == 0 {
		for _, id := range ids {
			if !hasIncoming[id] {
				reachable[id] = true
				bfs = append(bfs, id)
			}
		}
	}
	for len(bfs) > 0 {
		node := bfs[0]
		bfs = bfs[1:]
		for _, next := range edges[node] {
			if !reachable[next] {
				reachable[next] = true
				bfs = append(bfs, next)
			}
		}
	}
	for _, id := range ids {
		if !reachable[id] {
			result.AddWarning(id, schema.IssueUnreachableStep,
				fmt.Sprintf("step %q is unreachable from any trigger step", id))
		}
	}

	return result
}

// TopologicalOrder returns step ids in a deterministic topological order,
// ignoring loop back-edges. The boolean is false when the graph has a cycle.
func TopologicalOrder(def *schema.PipelineDefinition) ([]string, bool) {
	inDegree := make(map[string]int, len(def.Steps))
	edges := make(map[string][]string, len(def.Steps))
	for _, s := range def.Steps {
		inDegree[s.ID] += 0
	}
	for _, c := range def.Connections {
		if def.IsBackEdge(c) {
			continue
		}
		edges[c.Source] = append(edges[c.Source], c.Target)
		inDegree[c.Target]++
	}

	var ready []string
	for id, d := range inDegree {
		if d == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(inDegree))
	for len(ready) > 0 {
		node := ready[0]
		ready = ready[1:]
		order = append(order, node)
		var unlocked []string
		for _, next := range edges[node] {
			inDegree[next]--
			if inDegree[next] == 0 {
				unlocked = append(unlocked, next)
			}
		}
		sort.Strings(unlocked)
		ready = append(ready, unlocked...)
	}
	return order, len(order) == len(inDegree)
}
