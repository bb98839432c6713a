package schema

import (
	"fmt"
	"time"
)

// Defaults applied to steps and connections that omit the field.
const (
	DefaultPort           = "default"
	DefaultStepTimeout    = 300 * time.Second
	DefaultMaxRetries     = 3
	DefaultLoopIterations = 100
)

// PipelineDefinition is the immutable graph handed to the engine for one execution.
// Steps and connections are addressed by id; nothing points back at the pipeline.
type PipelineDefinition struct {
	ID           string        `json:"id" yaml:"id"`
	Name         string        `json:"name,omitempty" yaml:"name,omitempty"`
	Version      string        `json:"version,omitempty" yaml:"version,omitempty"`
	Description  string        `json:"description,omitempty" yaml:"description,omitempty"`
	Steps        []*Step       `json:"steps" yaml:"steps"`
	Connections  []*Connection `json:"connections,omitempty" yaml:"connections,omitempty"`
	GlobalConfig Value         `json:"global_config,omitempty" yaml:"global_config,omitempty"`
}

// StepVariant enumerates the kinds of steps in a pipeline.
type StepVariant string

const (
	VariantAgent         StepVariant = "agent"
	VariantTrigger       StepVariant = "trigger"
	VariantCondition     StepVariant = "condition"
	VariantLoop          StepVariant = "loop"
	VariantParallel      StepVariant = "parallel"
	VariantHumanApproval StepVariant = "human_approval"
	VariantDelay         StepVariant = "delay"
	VariantWebhook       StepVariant = "webhook"
)

// Variants lists every supported step variant.
var Variants = []StepVariant{
	VariantAgent, VariantTrigger, VariantCondition, VariantLoop,
	VariantParallel, VariantHumanApproval, VariantDelay, VariantWebhook,
}

// Known reports whether v is a supported variant.
func (v StepVariant) Known() bool {
	for _, known := range Variants {
		if v == known {
			return true
		}
	}
	return false
}

// Step is one node of the pipeline graph.
type Step struct {
	ID             string            `json:"id" yaml:"id"`
	Variant        StepVariant       `json:"variant" yaml:"variant"`
	DisplayName    string            `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	AgentID        string            `json:"agent_id,omitempty" yaml:"agent_id,omitempty"`
	Config         Value             `json:"config,omitempty" yaml:"config,omitempty"`
	InputMapping   map[string]string `json:"input_mapping,omitempty" yaml:"input_mapping,omitempty"`
	OutputMapping  map[string]string `json:"output_mapping,omitempty" yaml:"output_mapping,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	MaxRetries     *int              `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	Enabled        *bool             `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Condition      string            `json:"condition,omitempty" yaml:"condition,omitempty"`
	Backoff        *BackoffPolicy    `json:"backoff,omitempty" yaml:"backoff,omitempty"`
}

// Timeout returns the per-attempt budget, 300s when unset.
func (s *Step) Timeout() time.Duration {
	if s.TimeoutSeconds <= 0 {
		return DefaultStepTimeout
	}
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// Retries returns the retry budget, 3 when unset. Zero is honored.
func (s *Step) Retries() int {
	if s.MaxRetries == nil {
		return DefaultMaxRetries
	}
	if *s.MaxRetries < 0 {
		return 0
	}
	return *s.MaxRetries
}

// IsEnabled returns false only when the step is explicitly disabled.
func (s *Step) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// BackoffPolicy configures the delay between retry attempts of a step.
type BackoffPolicy struct {
	Strategy string `json:"strategy,omitempty" yaml:"strategy,omitempty"` // none | constant | linear | exponential
	Delay    string `json:"delay,omitempty" yaml:"delay,omitempty"`       // initial delay (e.g. "1s", "500ms")
	MaxDelay string `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
}

// ConnectionType selects when a connection fires.
type ConnectionType string

const (
	ConnData      ConnectionType = "data"
	ConnSuccess   ConnectionType = "success"
	ConnError     ConnectionType = "error"
	ConnTrigger   ConnectionType = "trigger"
	ConnCondition ConnectionType = "condition"
)

// Known reports whether t is a supported connection type.
func (t ConnectionType) Known() bool {
	switch t {
	case ConnData, ConnSuccess, ConnError, ConnTrigger, ConnCondition:
		return true
	}
	return false
}

// IsGate reports whether connections of this type unblock their target on
// the first firing predecessor. Data connections join instead.
func (t ConnectionType) IsGate() bool {
	return t != ConnData
}

// Connection is a directed, typed edge between two steps.
type Connection struct {
	ID          string            `json:"id,omitempty" yaml:"id,omitempty"`
	Source      string            `json:"source" yaml:"source"`
	Target      string            `json:"target" yaml:"target"`
	SourcePort  string            `json:"source_port,omitempty" yaml:"source_port,omitempty"`
	TargetPort  string            `json:"target_port,omitempty" yaml:"target_port,omitempty"`
	DataMapping map[string]string `json:"data_mapping,omitempty" yaml:"data_mapping,omitempty"`
	Condition   string            `json:"condition,omitempty" yaml:"condition,omitempty"`
	Type        ConnectionType    `json:"type,omitempty" yaml:"type,omitempty"`
}

// Kind returns the connection type, data when unset.
func (c *Connection) Kind() ConnectionType {
	if c.Type == "" {
		return ConnData
	}
	return c.Type
}

// FromPort returns the source port, "default" when unset.
func (c *Connection) FromPort() string {
	if c.SourcePort == "" {
		return DefaultPort
	}
	return c.SourcePort
}

// ToPort returns the target port, "default" when unset.
func (c *Connection) ToPort() string {
	if c.TargetPort == "" {
		return DefaultPort
	}
	return c.TargetPort
}

// Label identifies the connection in reports: its id, or source->target.
func (c *Connection) Label() string {
	if c.ID != "" {
		return c.ID
	}
	return fmt.Sprintf("%s->%s", c.Source, c.Target)
}

// Step looks up a step by id.
func (d *PipelineDefinition) Step(id string) (*Step, bool) {
	for _, s := range d.Steps {
		if s != nil && s.ID == id {
			return s, true
		}
	}
	return nil, false
}

// Clone returns a deep copy, so in-flight executions never observe edits.
func (d *PipelineDefinition) Clone() *PipelineDefinition {
	if d == nil {
		return nil
	}
	cp := *d
	cp.Steps = make([]*Step, 0, len(d.Steps))
	for _, s := range d.Steps {
		if s == nil {
			continue
		}
		sc := *s
		sc.InputMapping = cloneStrings(s.InputMapping)
		sc.OutputMapping = cloneStrings(s.OutputMapping)
		if s.MaxRetries != nil {
			r := *s.MaxRetries
			sc.MaxRetries = &r
		}
		if s.Enabled != nil {
			e := *s.Enabled
			sc.Enabled = &e
		}
		if s.Backoff != nil {
			b := *s.Backoff
			sc.Backoff = &b
		}
		cp.Steps = append(cp.Steps, &sc)
	}
	cp.Connections = make([]*Connection, 0, len(d.Connections))
	for _, c := range d.Connections {
		if c == nil {
			continue
		}
		cc := *c
		cc.DataMapping = cloneStrings(c.DataMapping)
		cp.Connections = append(cp.Connections, &cc)
	}
	return &cp
}

func cloneStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

// LoopBody returns the ids of the immediate Data successors of a Loop step,
// in connection order. These steps run once per element inside the loop.
func (d *PipelineDefinition) LoopBody(loopID string) []string {
	loop, ok := d.Step(loopID)
	if !ok || loop.Variant != VariantLoop {
		return nil
	}
	var body []string
	seen := make(map[string]bool)
	for _, c := range d.Connections {
		if c == nil || c.Source != loopID || c.Kind() != ConnData || c.Target == loopID || seen[c.Target] {
			continue
		}
		seen[c.Target] = true
		body = append(body, c.Target)
	}
	return body
}

// IsBackEdge reports whether c leads from a loop body step back to its Loop step.
// Back-edges document the loop and are ignored by readiness and cycle checks.
func (d *PipelineDefinition) IsBackEdge(c *Connection) bool {
	target, ok := d.Step(c.Target)
	if !ok || target.Variant != VariantLoop {
		return false
	}
	for _, id := range d.LoopBody(target.ID) {
		if id == c.Source {
			return true
		}
	}
	return false
}
