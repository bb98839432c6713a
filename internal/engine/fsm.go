package engine

import (
	"context"
	"sync"

	"github.com/rendis/agentpipe/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to string) error

// Emitter receives the events produced by transitions. The Recorder
// implements it.
type Emitter interface {
	Emit(ctx context.Context, eventType, stepID string, payload map[string]any)
}

// --- Execution FSM ---

type executionHookKey struct {
	from, to schema.ExecutionStatus
}

// ExecutionFSM validates execution lifecycle transitions and emits the
// matching execution events.
type ExecutionFSM struct {
	mu     sync.Mutex
	before map[executionHookKey][]TransitionHook
	after  map[executionHookKey][]TransitionHook
}

// NewExecutionFSM creates an ExecutionFSM.
func NewExecutionFSM() *ExecutionFSM {
	return &ExecutionFSM{
		before: make(map[executionHookKey][]TransitionHook),
		after:  make(map[executionHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before an execution transition.
func (f *ExecutionFSM) OnBefore(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := executionHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after an execution transition.
func (f *ExecutionFSM) OnAfter(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := executionHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates from -> to, runs hooks and emits the event.
// The caller owns the status field itself.
func (f *ExecutionFSM) Transition(ctx context.Context, em Emitter, from, to schema.ExecutionStatus, payload map[string]any) error {
	if !isValidExecutionTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"from": string(from), "to": string(to)})
	}

	key := executionHookKey{from, to}
	f.mu.Lock()
	before := append([]TransitionHook(nil), f.before[key]...)
	after := append([]TransitionHook(nil), f.after[key]...)
	f.mu.Unlock()

	for _, hook := range before {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}
	if eventType := executionEventType(from, to); eventType != "" && em != nil {
		em.Emit(ctx, eventType, "", payload)
	}
	for _, hook := range after {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}
	return nil
}

func isValidExecutionTransition(from, to schema.ExecutionStatus) bool {
	for _, a := range ValidExecutionTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func executionEventType(from, to schema.ExecutionStatus) string {
	switch to {
	case schema.ExecutionRunning:
		if from == schema.ExecutionWaitingApproval {
			return schema.EventExecutionResumed
		}
		return schema.EventExecutionStarted
	case schema.ExecutionCompleted:
		return schema.EventExecutionCompleted
	case schema.ExecutionFailed:
		return schema.EventExecutionFailed
	case schema.ExecutionCancelled:
		return schema.EventExecutionCancelled
	case schema.ExecutionWaitingApproval:
		return schema.EventExecutionSuspended
	default:
		return ""
	}
}

// --- Step FSM ---

type stepHookKey struct {
	from, to schema.StepStatus
}

// StepFSM validates step lifecycle transitions and emits step events.
type StepFSM struct {
	mu     sync.Mutex
	before map[stepHookKey][]TransitionHook
	after  map[stepHookKey][]TransitionHook
}

// NewStepFSM creates a StepFSM.
func NewStepFSM() *StepFSM {
	return &StepFSM{
		before: make(map[stepHookKey][]TransitionHook),
		after:  make(map[stepHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a step transition.
func (f *StepFSM) OnBefore(from, to schema.StepStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := stepHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a step transition.
func (f *StepFSM) OnAfter(from, to schema.StepStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := stepHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates a step transition, runs hooks and emits the event.
func (f *StepFSM) Transition(ctx context.Context, em Emitter, stepID string, from, to schema.StepStatus, payload map[string]any) error {
	if !isValidStepTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid step transition: %s -> %s", from, to).
			WithStep(stepID).
			WithDetails(map[string]any{"from": string(from), "to": string(to)})
	}

	key := stepHookKey{from, to}
	f.mu.Lock()
	before := append([]TransitionHook(nil), f.before[key]...)
	after := append([]TransitionHook(nil), f.after[key]...)
	f.mu.Unlock()

	for _, hook := range before {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}
	if eventType := stepEventType(to); eventType != "" && em != nil {
		em.Emit(ctx, eventType, stepID, payload)
	}
	for _, hook := range after {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}
	return nil
}

func isValidStepTransition(from, to schema.StepStatus) bool {
	for _, a := range ValidStepTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func stepEventType(to schema.StepStatus) string {
	switch to {
	case schema.StepRunning:
		return schema.EventStepStarted
	case schema.StepSucceeded:
		return schema.EventStepSucceeded
	case schema.StepFailed:
		return schema.EventStepFailed
	case schema.StepSkipped:
		return schema.EventStepSkipped
	case schema.StepRetrying:
		return schema.EventStepRetrying
	case schema.StepWaiting:
		return schema.EventStepWaiting
	default:
		return ""
	}
}

// --- Transition tables ---

// ValidExecutionTransitions defines the allowed execution transitions.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	"": {schema.ExecutionRunning},
	schema.ExecutionRunning: {
		schema.ExecutionCompleted, schema.ExecutionFailed,
		schema.ExecutionCancelled, schema.ExecutionWaitingApproval,
	},
	schema.ExecutionWaitingApproval: {schema.ExecutionRunning, schema.ExecutionCancelled, schema.ExecutionFailed},
	schema.ExecutionCompleted:       {},
	schema.ExecutionFailed:          {},
	schema.ExecutionCancelled:       {},
}

// ValidStepTransitions defines the allowed step transitions. Loop body steps
// go from Pending straight to Running when their loop settles.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepPending:   {schema.StepReady, schema.StepRunning, schema.StepSkipped},
	schema.StepReady:     {schema.StepRunning, schema.StepSkipped},
	schema.StepRunning:   {schema.StepSucceeded, schema.StepFailed, schema.StepWaiting, schema.StepRetrying},
	schema.StepRetrying:  {schema.StepRunning, schema.StepFailed},
	schema.StepWaiting:   {schema.StepSucceeded, schema.StepFailed},
	schema.StepSucceeded: {},
	schema.StepFailed:    {},
	schema.StepSkipped:   {},
}
