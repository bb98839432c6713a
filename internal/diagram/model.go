package diagram

import "github.com/rendis/agentpipe/pkg/schema"

// NodeKind classifies a diagram node by its step variant.
type NodeKind string

const (
	NodeKindTrigger   NodeKind = "trigger"
	NodeKindAgent     NodeKind = "agent"
	NodeKindCondition NodeKind = "condition"
	NodeKindLoop      NodeKind = "loop"
	NodeKindParallel  NodeKind = "parallel"
	NodeKindApproval  NodeKind = "approval"
	NodeKindDelay     NodeKind = "delay"
	NodeKindWebhook   NodeKind = "webhook"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string // wave layout: step ids grouped by longest path from an entry step
}

// Node represents a single step in the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Loop   string // owning loop step when the node is part of a loop body
	Status *StatusOverlay
}

// StatusOverlay carries the recorded progress of a step.
type StatusOverlay struct {
	Status     schema.StepStatus
	DurationMs int64
	Attempts   int
	ErrorCode  string
}

// Edge represents a connection between two steps.
type Edge struct {
	From  string
	To    string
	Label string
	Kind  schema.ConnectionType
	Back  bool // loop back-edge; drawn but never gates readiness
}
