package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/agentpipe/internal/logging"
	"github.com/rendis/agentpipe/internal/streaming"
	"github.com/rendis/agentpipe/pkg/schema"
)

// notificationMethod is the MCP method used for execution updates.
const notificationMethod = "notifications/message"

// Notifier pushes notifications to connected callers.
type Notifier interface {
	Notify(ctx context.Context, caller string, payload map[string]any) error
}

// SessionNotifier implements Notifier over MCP client sessions.
type SessionNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewSessionNotifier creates a notifier that pushes to registered sessions.
func NewSessionNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *SessionNotifier {
	return &SessionNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notification to the caller's session.
// Best-effort: returns nil if the caller is not connected.
func (n *SessionNotifier) Notify(_ context.Context, caller string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(caller)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, notificationMethod, payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session closed between lookup and send.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// notifyEvents are the hub events forwarded to the caller of an execution.
var notifyEvents = []string{
	schema.EventExecutionCompleted,
	schema.EventExecutionFailed,
	schema.EventExecutionCancelled,
	schema.EventExecutionSuspended,
}

// Watch subscribes to the hub and forwards settle events of watched
// executions to their callers until ctx ends.
func (s *Server) Watch(ctx context.Context) error {
	ch, cancel, err := s.hub.Subscribe(ctx, streaming.EventFilter{EventTypes: notifyEvents})
	if err != nil {
		return err
	}
	go func() {
		defer cancel()
		for event := range ch {
			s.forward(ctx, event)
		}
	}()
	return nil
}

// watch records the caller to notify about an execution.
func (s *Server) watch(executionID, caller string) {
	if executionID == "" || caller == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchers[executionID] = caller
}

func (s *Server) forward(ctx context.Context, event *schema.Event) {
	s.mu.Lock()
	caller, ok := s.watchers[event.ExecutionID]
	if ok && event.Type != schema.EventExecutionSuspended {
		delete(s.watchers, event.ExecutionID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	payload := map[string]any{
		"execution_id": event.ExecutionID,
		"event":        event.Type,
		"sequence":     event.Sequence,
	}
	for k, v := range event.Payload {
		if _, taken := payload[k]; !taken {
			payload[k] = v
		}
	}
	if err := s.notifier.Notify(ctx, caller, payload); err != nil {
		logging.LogWith(logging.WithExecutionID(ctx, event.ExecutionID), s.logger).
			Warn("notify caller failed", slog.String("caller", caller), slog.Any("error", err))
	}
}
