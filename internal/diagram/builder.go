package diagram

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/agentpipe/internal/engine"
	"github.com/rendis/agentpipe/internal/store"
	"github.com/rendis/agentpipe/pkg/schema"
)

// Build constructs a DiagramModel from a pipeline definition and optional
// per-step progress. It uses engine.NewGraph for topology, so dangling
// connections are rejected here as well.
func Build(def *schema.PipelineDefinition, progress map[string]*store.StepProgress) (*DiagramModel, error) {
	g, err := engine.NewGraph(def)
	if err != nil {
		return nil, fmt.Errorf("diagram: %w", err)
	}

	nodes := make([]*Node, 0, len(g.Order))
	for _, id := range g.Order {
		step := g.Step(id)
		node := &Node{
			ID:    id,
			Label: nodeLabel(step),
			Kind:  variantToKind(step.Variant),
			Loop:  g.Owner[id],
		}
		overlayStatus(node, progress)
		nodes = append(nodes, node)
	}

	levels, err := buildLevels(g)
	if err != nil {
		return nil, err
	}

	return &DiagramModel{
		Title:  titleFromDef(def),
		Nodes:  nodes,
		Edges:  buildEdges(def),
		Levels: levels,
	}, nil
}

// variantToKind converts a step variant to a NodeKind.
func variantToKind(v schema.StepVariant) NodeKind {
	switch v {
	case schema.VariantTrigger:
		return NodeKindTrigger
	case schema.VariantCondition:
		return NodeKindCondition
	case schema.VariantLoop:
		return NodeKindLoop
	case schema.VariantParallel:
		return NodeKindParallel
	case schema.VariantHumanApproval:
		return NodeKindApproval
	case schema.VariantDelay:
		return NodeKindDelay
	case schema.VariantWebhook:
		return NodeKindWebhook
	default:
		return NodeKindAgent
	}
}

// nodeLabel creates a human-readable label: display name or id, then the
// agent on a second line for agent steps.
func nodeLabel(step *schema.Step) string {
	label := step.ID
	if step.DisplayName != "" {
		label = step.DisplayName
	}
	if step.Variant == schema.VariantAgent && step.AgentID != "" {
		return fmt.Sprintf("%s\n(%s)", label, step.AgentID)
	}
	return label
}

func overlayStatus(node *Node, progress map[string]*store.StepProgress) {
	p, ok := progress[node.ID]
	if !ok || p == nil {
		return
	}
	node.Status = &StatusOverlay{
		Status:     p.Status,
		DurationMs: p.DurationMs,
		Attempts:   p.Attempts,
		ErrorCode:  p.ErrorCode,
	}
}

// buildEdges maps every connection, back-edges included, to an Edge.
func buildEdges(def *schema.PipelineDefinition) []Edge {
	edges := make([]Edge, 0, len(def.Connections))
	for _, c := range def.Connections {
		if c == nil {
			continue
		}
		edges = append(edges, Edge{
			From:  c.Source,
			To:    c.Target,
			Label: edgeLabel(c),
			Kind:  c.Kind(),
			Back:  def.IsBackEdge(c),
		})
	}
	return edges
}

// edgeLabel shows non-default ports, the connection type when it is not
// data, and the connection condition.
func edgeLabel(c *schema.Connection) string {
	var parts []string
	if c.Kind() != schema.ConnData {
		parts = append(parts, string(c.Kind()))
	}
	if c.FromPort() != schema.DefaultPort || c.ToPort() != schema.DefaultPort {
		parts = append(parts, c.FromPort()+":"+c.ToPort())
	}
	if c.Condition != "" {
		parts = append(parts, "if "+c.Condition)
	}
	return strings.Join(parts, " ")
}

// buildLevels groups steps by the longest forward path from an entry step,
// which is the wave a step lands in when every predecessor fires.
func buildLevels(g *engine.Graph) ([][]string, error) {
	remaining := make(map[string]int, len(g.Order))
	depth := make(map[string]int, len(g.Order))
	var queue []string
	for _, id := range g.Order {
		remaining[id] = len(g.In[id])
		if remaining[id] == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	maxDepth := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, idx := range g.Out[id] {
			next := g.Conns[idx].Target
			if d := depth[id] + 1; d > depth[next] {
				depth[next] = d
				maxDepth = max(maxDepth, d)
			}
			remaining[next]--
			if remaining[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(g.Order) {
		return nil, schema.NewError(schema.ErrCodeValidation, "diagram: pipeline contains a cycle")
	}

	levels := make([][]string, maxDepth+1)
	for _, id := range g.Order {
		levels[depth[id]] = append(levels[depth[id]], id)
	}
	for _, level := range levels {
		sort.Strings(level)
	}
	return levels, nil
}

func titleFromDef(def *schema.PipelineDefinition) string {
	title := def.ID
	if def.Name != "" {
		title = def.Name
	}
	if def.Version != "" {
		title += " v" + def.Version
	}
	return title
}
