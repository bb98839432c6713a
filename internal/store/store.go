package store

import (
	"context"

	"github.com/rendis/agentpipe/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Pipelines
	PutPipeline(ctx context.Context, def *schema.PipelineDefinition) error
	GetPipeline(ctx context.Context, id string) (*Pipeline, error)
	ListPipelines(ctx context.Context) ([]*Pipeline, error)
	DeletePipeline(ctx context.Context, id string) error

	// Executions
	SaveExecution(ctx context.Context, exec *schema.Execution) error
	GetExecution(ctx context.Context, executionID string) (*schema.Execution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.Execution, error)
	ListStepRows(ctx context.Context, executionID string) ([]*StepRow, error)

	// Suspended snapshots
	SaveSnapshot(ctx context.Context, executionID string, data []byte) error
	GetSnapshot(ctx context.Context, executionID string) ([]byte, error)
	DeleteSnapshot(ctx context.Context, executionID string) error

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *schema.Event) error
	GetEvents(ctx context.Context, executionID string, since int64) ([]*schema.Event, error)

	// Agents
	PutAgent(ctx context.Context, agent *schema.Agent) error
	GetAgent(ctx context.Context, agentID string) (*schema.Agent, error)
	ListAgents(ctx context.Context) ([]*schema.Agent, error)
	DeleteAgent(ctx context.Context, agentID string) error

	// Secrets
	StoreSecret(ctx context.Context, name string, value []byte) error
	GetSecret(ctx context.Context, name string) ([]byte, error)
	DeleteSecret(ctx context.Context, name string) error
	ListSecrets(ctx context.Context) ([]string, error)

	// Schedules
	CreateSchedule(ctx context.Context, sched *Schedule) error
	GetSchedule(ctx context.Context, id string) (*Schedule, error)
	UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error
	ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
