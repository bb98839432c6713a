package schema

import "time"

// Event type constants for the execution log.
const (
	EventExecutionStarted   = "execution_started"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"
	EventExecutionCancelled = "execution_cancelled"
	EventExecutionSuspended = "execution_suspended"
	EventExecutionResumed   = "execution_resumed"

	EventWaveDispatched = "wave_dispatched"

	EventStepStarted   = "step_started"
	EventStepSucceeded = "step_succeeded"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"
	EventStepRetrying  = "step_retrying"
	EventStepWaiting   = "step_waiting_approval"

	EventApprovalReceived = "approval_received"
	EventConnectionFired  = "connection_fired"
	EventFailureAbsorbed  = "failure_absorbed"

	EventCircuitBreakerOpen     = "circuit_breaker_open"
	EventCircuitBreakerHalfOpen = "circuit_breaker_half_open"
	EventCircuitBreakerClosed   = "circuit_breaker_closed"

	EventLoopIterStarted   = "loop_iter_started"
	EventLoopIterCompleted = "loop_iter_completed"
	EventLoopTruncated     = "loop_truncated"
	EventDelayStarted      = "delay_started"
	EventDelayCompleted    = "delay_completed"
)

// Event is one entry of an execution's append-only log.
type Event struct {
	ID          string         `json:"id,omitempty"`
	ExecutionID string         `json:"execution_id"`
	StepID      string         `json:"step_id,omitempty"`
	Type        string         `json:"type"`
	Payload     map[string]any `json:"payload,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Sequence    int64          `json:"sequence"`
}
