package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rendis/agentpipe/pkg/schema"
)

// EventLog provides event-sourcing reads on top of a LibSQLStore.
type EventLog struct {
	store *LibSQLStore
}

// NewEventLog wraps a LibSQLStore to provide event-sourcing operations.
func NewEventLog(s *LibSQLStore) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends an event, assigning the next per-execution sequence when unset.
func (el *EventLog) AppendEvent(ctx context.Context, event *schema.Event) error {
	return el.store.AppendEvent(ctx, event)
}

// GetEvents returns events for an execution with sequence > since, ordered by sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, executionID string, since int64) ([]*schema.Event, error) {
	return el.store.GetEvents(ctx, executionID, since)
}

// GetEventsByType returns up to limit events of one type across executions.
func (el *EventLog) GetEventsByType(ctx context.Context, eventType string, limit int) ([]*schema.Event, error) {
	return el.store.GetEventsByType(ctx, eventType, limit)
}

// StepProgress is a step's state reconstructed from the event log.
type StepProgress struct {
	StepID     string            `json:"step_id"`
	Status     schema.StepStatus `json:"status"`
	Attempts   int               `json:"attempts"`
	ErrorCode  string            `json:"error_code,omitempty"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
	DurationMs int64             `json:"duration_ms,omitempty"`
}

// Replay folds the events of an execution into per-step progress.
// Returns an error if sequence gaps are detected.
func (el *EventLog) Replay(ctx context.Context, executionID string) (map[string]*StepProgress, error) {
	events, err := el.store.GetEvents(ctx, executionID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}
	return ReplayEvents(executionID, events)
}

// ReplayEvents folds an ordered event slice into per-step progress.
func ReplayEvents(executionID string, events []*schema.Event) (map[string]*StepProgress, error) {
	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in execution %s: expected %d, got %d", executionID, expected, e.Sequence)
		}
	}

	states := make(map[string]*StepProgress)
	for _, e := range events {
		if e.StepID == "" {
			continue
		}
		sp, ok := states[e.StepID]
		if !ok {
			sp = &StepProgress{StepID: e.StepID, Status: schema.StepPending}
			states[e.StepID] = sp
		}

		ts := e.Timestamp
		switch e.Type {
		case schema.EventStepStarted:
			sp.Status = schema.StepRunning
			sp.Attempts++
			if sp.StartedAt == nil {
				sp.StartedAt = &ts
			}
		case schema.EventStepRetrying:
			sp.Status = schema.StepRetrying
		case schema.EventStepWaiting:
			sp.Status = schema.StepWaiting
		case schema.EventStepSucceeded:
			sp.finish(schema.StepSucceeded, ts)
		case schema.EventStepFailed:
			sp.finish(schema.StepFailed, ts)
			if code, ok := e.Payload["code"].(string); ok {
				sp.ErrorCode = code
			}
		case schema.EventStepSkipped:
			sp.finish(schema.StepSkipped, ts)
		}
	}
	return states, nil
}

func (sp *StepProgress) finish(status schema.StepStatus, ts time.Time) {
	sp.Status = status
	sp.FinishedAt = &ts
	if sp.StartedAt != nil {
		sp.DurationMs = ts.Sub(*sp.StartedAt).Milliseconds()
	}
}
