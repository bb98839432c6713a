package diagram

import (
	"fmt"
	"strings"

	"github.com/rendis/agentpipe/pkg/schema"
)

// RenderMermaid renders a DiagramModel as a Mermaid flowchart string.
// Loop bodies are grouped in a subgraph named after the loop step.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if model.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}

	bodies := make(map[string][]*Node)
	var loops []string
	for _, node := range model.Nodes {
		if node.Loop == "" {
			fmt.Fprintf(&b, "    %s\n", mermaidNodeDef(node))
			continue
		}
		if _, seen := bodies[node.Loop]; !seen {
			loops = append(loops, node.Loop)
		}
		bodies[node.Loop] = append(bodies[node.Loop], node)
	}
	for _, loop := range loops {
		fmt.Fprintf(&b, "    subgraph %s[\"%s: body\"]\n", mermaidSafeID(loop+"_body"), loop)
		for _, node := range bodies[loop] {
			fmt.Fprintf(&b, "        %s\n", mermaidNodeDef(node))
		}
		b.WriteString("    end\n")
	}

	for _, edge := range model.Edges {
		arrow := "-->"
		switch {
		case edge.Back:
			arrow = "-.->"
		case edge.Kind == schema.ConnError:
			arrow = "==>"
		}
		label := ""
		if edge.Label != "" {
			label = fmt.Sprintf("|%s|", mermaidEscapeLabel(edge.Label))
		}
		fmt.Fprintf(&b, "    %s %s%s %s\n", mermaidSafeID(edge.From), arrow, label, mermaidSafeID(edge.To))
	}

	b.WriteString("\n")
	b.WriteString("    classDef succeeded fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef running fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef waiting fill:#b7791a,stroke:#8a5c14,color:#fff\n")
	b.WriteString("    classDef pending fill:#6b6b6b,stroke:#4a4a4a,color:#fff\n")
	b.WriteString("    classDef skipped fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5\n")

	for _, node := range model.Nodes {
		if node.Status == nil {
			continue
		}
		if cls := mermaidStatusClass(node.Status.Status); cls != "" {
			fmt.Fprintf(&b, "    class %s %s\n", mermaidSafeID(node.ID), cls)
		}
	}

	return b.String()
}

// mermaidNodeDef returns a Mermaid node definition with the shape of its kind.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := mermaidEscapeLabel(firstLine(node.Label))

	switch node.Kind {
	case NodeKindCondition:
		return fmt.Sprintf("%s{\"%s\"}", id, label)
	case NodeKindApproval:
		return fmt.Sprintf("%s{{\"%s\"}}", id, label)
	case NodeKindDelay:
		return fmt.Sprintf("%s([\"%s\"])", id, label)
	case NodeKindParallel, NodeKindLoop:
		return fmt.Sprintf("%s[[\"%s\"]]", id, label)
	case NodeKindTrigger:
		return fmt.Sprintf("%s((\"%s\"))", id, label)
	case NodeKindWebhook:
		return fmt.Sprintf("%s>\"%s\"]", id, label)
	default:
		return fmt.Sprintf("%s[\"%s\"]", id, label)
	}
}

// mermaidSafeID replaces characters Mermaid does not accept in identifiers.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_")
	return r.Replace(id)
}

func mermaidEscapeLabel(s string) string {
	r := strings.NewReplacer(`"`, "#quot;", "|", "#124;")
	return r.Replace(s)
}

func mermaidStatusClass(status schema.StepStatus) string {
	switch status {
	case schema.StepSucceeded:
		return "succeeded"
	case schema.StepFailed:
		return "failed"
	case schema.StepRunning, schema.StepRetrying:
		return "running"
	case schema.StepWaiting:
		return "waiting"
	case schema.StepPending, schema.StepReady:
		return "pending"
	case schema.StepSkipped:
		return "skipped"
	default:
		return ""
	}
}
