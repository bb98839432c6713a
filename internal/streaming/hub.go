package streaming

import (
	"context"

	"github.com/rendis/agentpipe/pkg/schema"
)

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	ExecutionID string   `json:"execution_id,omitempty"`
	EventTypes  []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for live execution events.
type EventHub interface {
	Publish(event *schema.Event)
	Subscribe(ctx context.Context, filter EventFilter) (<-chan *schema.Event, func(), error)
}
