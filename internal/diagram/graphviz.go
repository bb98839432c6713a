package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/rendis/agentpipe/pkg/schema"
)

// Format selects the output of Render.
type Format string

const (
	FormatMermaid Format = "mermaid"
	FormatASCII   Format = "ascii"
	FormatDOT     Format = "dot"
	FormatSVG     Format = "svg"
	FormatPNG     Format = "png"
)

// Render renders model in the requested format. Text formats never touch
// graphviz; dot, svg and png go through the embedded layout engine.
func Render(ctx context.Context, model *DiagramModel, format Format) ([]byte, error) {
	switch format {
	case FormatMermaid, "":
		return []byte(RenderMermaid(model)), nil
	case FormatASCII:
		return []byte(RenderASCII(model)), nil
	case FormatDOT:
		return renderGraphviz(ctx, model, graphviz.XDOT)
	case FormatSVG:
		return renderGraphviz(ctx, model, graphviz.SVG)
	case FormatPNG:
		return renderGraphviz(ctx, model, graphviz.PNG)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown diagram format %q: use mermaid, ascii, dot, svg or png", format)
	}
}

// RenderImage renders a DiagramModel as a PNG image.
func RenderImage(ctx context.Context, model *DiagramModel) ([]byte, error) {
	return renderGraphviz(ctx, model, graphviz.PNG)
}

func renderGraphviz(ctx context.Context, model *DiagramModel, format graphviz.Format) ([]byte, error) {
	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: create graphviz: %w", err)
	}
	defer gv.Close()

	gv.SetLayout(graphviz.DOT)

	graph, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: create graph: %w", err)
	}
	defer graph.Close()

	graph.SetRankDir(cgraph.TBRank)
	if model.Title != "" {
		graph.SetLabel(model.Title)
	}

	// Loop bodies become dashed clusters.
	clusters := make(map[string]*cgraph.Graph)
	gvNodes := make(map[string]*cgraph.Node, len(model.Nodes))
	for _, node := range model.Nodes {
		parent := graph
		if node.Loop != "" {
			sub, ok := clusters[node.Loop]
			if !ok {
				sub, err = graph.CreateSubGraphByName("cluster_" + node.Loop)
				if err != nil {
					return nil, fmt.Errorf("diagram: create cluster %s: %w", node.Loop, err)
				}
				sub.SetLabel(node.Loop + ": body")
				sub.SetStyle(cgraph.DashedGraphStyle)
				clusters[node.Loop] = sub
			}
			parent = sub
		}
		gvNode, nErr := parent.CreateNodeByName(node.ID)
		if nErr != nil {
			return nil, fmt.Errorf("diagram: create node %s: %w", node.ID, nErr)
		}
		gvNode.SetLabel(node.Label)
		applyNodeStyle(gvNode, node)
		gvNodes[node.ID] = gvNode
	}

	for _, edge := range model.Edges {
		fromGV, toGV := gvNodes[edge.From], gvNodes[edge.To]
		if fromGV == nil || toGV == nil {
			continue
		}
		e, eErr := graph.CreateEdgeByName("", fromGV, toGV)
		if eErr != nil {
			return nil, fmt.Errorf("diagram: create edge %s->%s: %w", edge.From, edge.To, eErr)
		}
		if edge.Label != "" {
			e.SetLabel(edge.Label)
		}
		switch {
		case edge.Back:
			e.SetStyle(cgraph.DashedEdgeStyle)
			e.SetConstraint(false)
		case edge.Kind == schema.ConnError:
			e.SetColor("#8b1a1a")
		}
	}

	var buf bytes.Buffer
	if err := gv.Render(ctx, graph, format, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render %s: %w", format, err)
	}
	return buf.Bytes(), nil
}

// applyNodeStyle sets graphviz attributes from node kind and status.
func applyNodeStyle(gvNode *cgraph.Node, node *Node) {
	switch node.Kind {
	case NodeKindAgent, NodeKindParallel, NodeKindLoop, NodeKindWebhook:
		gvNode.SetShape(cgraph.BoxShape)
	case NodeKindCondition:
		gvNode.SetShape(cgraph.DiamondShape)
	case NodeKindApproval:
		gvNode.SetShape(cgraph.HexagonShape)
	case NodeKindDelay:
		gvNode.SetShape(cgraph.EllipseShape)
	case NodeKindTrigger:
		gvNode.SetShape(cgraph.CircleShape)
	}

	if node.Status != nil {
		applyStatusColor(gvNode, node.Status.Status)
	}
}

func applyStatusColor(gvNode *cgraph.Node, status schema.StepStatus) {
	gvNode.SetStyle(cgraph.FilledNodeStyle)
	switch status {
	case schema.StepSucceeded:
		gvNode.SetFillColor("#2d6a2d")
		gvNode.SetFontColor("white")
	case schema.StepFailed:
		gvNode.SetFillColor("#8b1a1a")
		gvNode.SetFontColor("white")
	case schema.StepRunning, schema.StepRetrying:
		gvNode.SetFillColor("#1a5276")
		gvNode.SetFontColor("white")
	case schema.StepWaiting:
		gvNode.SetFillColor("#b7791a")
		gvNode.SetFontColor("white")
	case schema.StepPending, schema.StepReady:
		gvNode.SetFillColor("#d3d3d3")
		gvNode.SetFontColor("black")
	case schema.StepSkipped:
		gvNode.SetFillColor("#e8e8e8")
		gvNode.SetFontColor("#888888")
		gvNode.SetStyle(cgraph.DashedNodeStyle)
	}
}
