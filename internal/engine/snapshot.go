package engine

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rendis/agentpipe/pkg/schema"
)

// ExecutionStore persists execution records, suspended snapshots and the
// event log. store.LibSQLStore implements it; MemoryStore serves tests and
// embedded use.
type ExecutionStore interface {
	EventSink
	SaveExecution(ctx context.Context, exec *schema.Execution) error
	GetExecution(ctx context.Context, executionID string) (*schema.Execution, error)
	SaveSnapshot(ctx context.Context, executionID string, data []byte) error
	GetSnapshot(ctx context.Context, executionID string) ([]byte, error)
	DeleteSnapshot(ctx context.Context, executionID string) error
}

const snapshotVersion = 1

// snapshot is the persisted frontier of a suspended execution: enough to
// resume the control loop in another process.
type snapshot struct {
	Version     int                          `json:"version"`
	Definition  *schema.PipelineDefinition   `json:"definition"`
	Execution   *schema.Execution            `json:"execution"`
	Config      schema.Value                 `json:"config"`
	Steps       map[string]schema.StepStatus `json:"steps"`
	Connections []ConnState                  `json:"connections"`
	Outputs     map[string]schema.Value      `json:"outputs"`
}

func encodeSnapshot(s *snapshot) ([]byte, error) {
	s.Version = snapshotVersion
	data, err := json.Marshal(s)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "encode snapshot").WithCause(err)
	}
	return data, nil
}

func decodeSnapshot(data []byte) (*snapshot, error) {
	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "decode snapshot").WithCause(err)
	}
	if s.Version != snapshotVersion {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "unsupported snapshot version %d", s.Version)
	}
	if s.Definition == nil || s.Execution == nil {
		return nil, schema.NewError(schema.ErrCodeStore, "snapshot is incomplete")
	}
	return &s, nil
}

// MemoryStore is an in-process ExecutionStore.
type MemoryStore struct {
	mu         sync.RWMutex
	executions map[string][]byte
	snapshots  map[string][]byte
	events     map[string][]*schema.Event
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions: make(map[string][]byte),
		snapshots:  make(map[string][]byte),
		events:     make(map[string][]*schema.Event),
	}
}

// SaveExecution stores a copy of exec.
func (m *MemoryStore) SaveExecution(_ context.Context, exec *schema.Execution) error {
	data, err := json.Marshal(exec)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "encode execution").WithCause(err)
	}
	m.mu.Lock()
	m.executions[exec.ExecutionID] = data
	m.mu.Unlock()
	return nil
}

// GetExecution returns a stored execution.
func (m *MemoryStore) GetExecution(_ context.Context, executionID string) (*schema.Execution, error) {
	m.mu.RLock()
	data, ok := m.executions[executionID]
	m.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", executionID)
	}
	var exec schema.Execution
	if err := json.Unmarshal(data, &exec); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "decode execution").WithCause(err)
	}
	return &exec, nil
}

// SaveSnapshot stores a suspended snapshot.
func (m *MemoryStore) SaveSnapshot(_ context.Context, executionID string, data []byte) error {
	m.mu.Lock()
	m.snapshots[executionID] = append([]byte(nil), data...)
	m.mu.Unlock()
	return nil
}

// GetSnapshot returns a suspended snapshot.
func (m *MemoryStore) GetSnapshot(_ context.Context, executionID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.snapshots[executionID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no snapshot for execution %q", executionID)
	}
	return append([]byte(nil), data...), nil
}

// DeleteSnapshot removes a snapshot. Deleting a missing snapshot is a no-op.
func (m *MemoryStore) DeleteSnapshot(_ context.Context, executionID string) error {
	m.mu.Lock()
	delete(m.snapshots, executionID)
	m.mu.Unlock()
	return nil
}

// AppendEvent stores an event.
func (m *MemoryStore) AppendEvent(_ context.Context, event *schema.Event) error {
	m.mu.Lock()
	m.events[event.ExecutionID] = append(m.events[event.ExecutionID], event)
	m.mu.Unlock()
	return nil
}

// Events returns the events stored for an execution.
func (m *MemoryStore) Events(executionID string) []*schema.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*schema.Event(nil), m.events[executionID]...)
}

var _ ExecutionStore = (*MemoryStore)(nil)
