// Package catalog looks up agent records: the container image to run and the
// JSON schemas its input and output must satisfy.
package catalog

import (
	"context"

	"github.com/rendis/agentpipe/internal/secrets"
	"github.com/rendis/agentpipe/internal/validation"
	"github.com/rendis/agentpipe/pkg/schema"
)

// Catalog resolves agent ids. Unregistered ids fail with schema.ErrCodeNotFound.
type Catalog interface {
	GetAgent(ctx context.Context, agentID string) (*schema.Agent, error)
}

// AgentStore persists agent records. Satisfied by store.Store.
type AgentStore interface {
	GetAgent(ctx context.Context, agentID string) (*schema.Agent, error)
	PutAgent(ctx context.Context, agent *schema.Agent) error
	ListAgents(ctx context.Context) ([]*schema.Agent, error)
	DeleteAgent(ctx context.Context, agentID string) error
}

// Compile-time interface checks.
var (
	_ Catalog = (*Registry)(nil)
	_ Catalog = (*HTTPCatalog)(nil)
	_ Catalog = (*StaticCatalog)(nil)
)

// Registry is the store-backed catalog. Agents are checked before they are persisted.
type Registry struct {
	store   AgentStore
	schemas *validation.JSONSchemaValidator
}

// NewRegistry creates a Registry over store.
func NewRegistry(store AgentStore, schemas *validation.JSONSchemaValidator) *Registry {
	return &Registry{store: store, schemas: schemas}
}

func (r *Registry) GetAgent(ctx context.Context, agentID string) (*schema.Agent, error) {
	return r.store.GetAgent(ctx, agentID)
}

// Register validates agent and upserts it.
func (r *Registry) Register(ctx context.Context, agent *schema.Agent) error {
	if err := ValidateAgent(agent, r.schemas); err != nil {
		return err
	}
	return r.store.PutAgent(ctx, agent)
}

func (r *Registry) List(ctx context.Context) ([]*schema.Agent, error) {
	return r.store.ListAgents(ctx)
}

func (r *Registry) Remove(ctx context.Context, agentID string) error {
	return r.store.DeleteAgent(ctx, agentID)
}

// ValidateAgent checks the fields every agent needs before it can run.
// schemas may be nil to skip compiling the declared I/O schemas.
func ValidateAgent(agent *schema.Agent, schemas *validation.JSONSchemaValidator) error {
	if agent == nil {
		return schema.NewError(schema.ErrCodeValidation, "agent is nil")
	}
	if agent.AgentID == "" {
		return schema.NewError(schema.ErrCodeValidation, "agent_id is required")
	}
	if agent.DockerImage == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "agent %q: docker_image is required", agent.AgentID)
	}
	lim := agent.ResourceLimits
	if lim.MemoryMB < 0 || lim.CPUs < 0 || lim.TimeoutSeconds < 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "agent %q: resource limits must not be negative", agent.AgentID)
	}
	for _, name := range agent.Secrets {
		if err := secrets.ValidateName(name); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "agent %q: %s", agent.AgentID, err.Error()).WithCause(err)
		}
	}
	if schemas == nil {
		return nil
	}
	if err := schemas.CheckSchema(agent.InputSchema); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "agent %q: input_schema does not compile", agent.AgentID).WithCause(err)
	}
	if err := schemas.CheckSchema(agent.OutputSchema); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "agent %q: output_schema does not compile", agent.AgentID).WithCause(err)
	}
	return nil
}
