package expressions

import (
	"sync"

	"github.com/rendis/agentpipe/pkg/schema"
)

// ScopeBuilder accumulates the execution context that mappings and conditions
// resolve against. It enforces:
//   - Step outputs are immutable after completion (a second insert is rejected).
//   - Config and input are fixed at construction.
//   - Loop variables (item, index) are scoped to one iteration.
type ScopeBuilder struct {
	mu     sync.RWMutex
	config schema.Value
	input  schema.Value
	steps  map[string]schema.Value
	status map[string]schema.StepStatus

	loop *LoopVars
}

// LoopVars holds the scoped variables for a single loop iteration.
type LoopVars struct {
	Item  schema.Value
	Index int
}

// NewScopeBuilder creates a ScopeBuilder for one execution. config is the
// pipeline's global config with any trigger overrides already applied.
func NewScopeBuilder(config, input schema.Value) *ScopeBuilder {
	return &ScopeBuilder{
		config: config,
		input:  input,
		steps:  make(map[string]schema.Value),
		status: make(map[string]schema.StepStatus),
	}
}

// AddStepOutput registers a completed step's output.
func (sb *ScopeBuilder) AddStepOutput(stepID string, status schema.StepStatus, output schema.Value) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if _, exists := sb.steps[stepID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"step %q output already registered; step outputs are immutable after completion", stepID)
	}
	sb.steps[stepID] = output
	sb.status[stepID] = status
	return nil
}

// StepOutput returns the registered output of a step.
func (sb *ScopeBuilder) StepOutput(stepID string) (schema.Value, bool) {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	v, ok := sb.steps[stepID]
	return v, ok
}

// Config returns the effective global config.
func (sb *ScopeBuilder) Config() schema.Value { return sb.config }

// Input returns the execution's initial input.
func (sb *ScopeBuilder) Input() schema.Value { return sb.input }

// Build returns the context mapping. Top-level names resolve in this order:
// reserved name, step id, global config key. Reserved names are
// config, input, steps, status and, inside a loop, item and index.
func (sb *ScopeBuilder) Build() schema.Value {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	fields := sb.config.Fields()
	if fields == nil {
		fields = make(map[string]schema.Value, len(sb.steps)+6)
	}
	statuses := make(map[string]schema.Value, len(sb.status))
	for id, out := range sb.steps {
		fields[id] = out
		statuses[id] = schema.String(string(sb.status[id]))
	}

	fields["config"] = sb.config
	if sb.config.Kind() != schema.KindMapping {
		fields["config"] = schema.EmptyMapping()
	}
	fields["input"] = sb.input
	fields["steps"] = schema.Mapping(sb.steps)
	fields["status"] = schema.Mapping(statuses)

	if sb.loop != nil {
		fields["item"] = sb.loop.Item
		fields["index"] = schema.Int(sb.loop.Index)
	}
	return schema.Mapping(fields)
}

// WithLoopVars returns a child ScopeBuilder with loop-scoped variables.
// The child shares config and input but keeps its own step outputs, so an
// iteration's body results never leak into siblings or the parent.
func (sb *ScopeBuilder) WithLoopVars(item schema.Value, index int) *ScopeBuilder {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	child := &ScopeBuilder{
		config: sb.config,
		input:  sb.input,
		steps:  make(map[string]schema.Value, len(sb.steps)),
		status: make(map[string]schema.StepStatus, len(sb.status)),
		loop:   &LoopVars{Item: item, Index: index},
	}
	for k, v := range sb.steps {
		child.steps[k] = v
	}
	for k, v := range sb.status {
		child.status[k] = v
	}
	return child
}

// Loop returns the current loop variables, nil outside a loop.
func (sb *ScopeBuilder) Loop() *LoopVars {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	return sb.loop
}

// StepOutputs returns a copy of the registered step outputs.
func (sb *ScopeBuilder) StepOutputs() map[string]schema.Value {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	cp := make(map[string]schema.Value, len(sb.steps))
	for k, v := range sb.steps {
		cp[k] = v
	}
	return cp
}
