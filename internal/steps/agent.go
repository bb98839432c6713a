package steps

import (
	"context"
	"errors"
	"log/slog"

	"github.com/rendis/agentpipe/internal/catalog"
	"github.com/rendis/agentpipe/internal/logging"
	"github.com/rendis/agentpipe/internal/runtime"
	"github.com/rendis/agentpipe/internal/secrets"
	"github.com/rendis/agentpipe/internal/validation"
	"github.com/rendis/agentpipe/pkg/schema"
)

// AgentExecutor resolves an agent from the catalog and runs its image.
// Input and output are checked against the agent's declared schemas; a
// mismatch is fatal. Runtime errors keep their transient/fatal class.
type AgentExecutor struct {
	catalog catalog.Catalog
	runtime runtime.ContainerRuntime
	schemas *validation.JSONSchemaValidator
	vault   secrets.Vault
	breaker Breaker
	logger  *slog.Logger
}

func NewAgentExecutor(deps Deps) *AgentExecutor {
	return &AgentExecutor{
		catalog: deps.Catalog,
		runtime: deps.Runtime,
		schemas: deps.Schemas,
		vault:   deps.Vault,
		breaker: deps.Breaker,
		logger:  deps.Logger,
	}
}

func (*AgentExecutor) Variant() schema.StepVariant { return schema.VariantAgent }

// AgentID returns the agent a step runs: agent_id, else config.agent_id.
func AgentID(step *schema.Step) string {
	if step.AgentID != "" {
		return step.AgentID
	}
	return configString(step, "agent_id", "")
}

func (e *AgentExecutor) Run(ctx context.Context, req *Request) Outcome {
	stepID := req.Step.ID
	if e.catalog == nil || e.runtime == nil {
		return Failed(stepID, schema.NewError(schema.ErrCodeFatal, "agent steps need a catalog and a container runtime"))
	}
	agentID := AgentID(req.Step)
	if agentID == "" {
		return Failed(stepID, schema.NewError(schema.ErrCodeValidation, "agent step has no agent_id"))
	}

	agent, err := e.catalog.GetAgent(ctx, agentID)
	if err != nil {
		return Failed(stepID, schema.AsError(err, schema.ErrCodeTransient).
			WithDetails(map[string]any{"agent_id": agentID}))
	}

	if err := e.schemas.ValidatePayload(req.Input, agent.InputSchema); err != nil {
		return Failed(stepID, schema.AsError(err, schema.ErrCodeSchemaMismatch).
			WithDetails(map[string]any{"agent_id": agentID, "direction": "input"}))
	}

	env, err := secrets.Env(ctx, e.vault, agent.Secrets)
	if err != nil {
		return Failed(stepID, schema.NewErrorf(schema.ErrCodeFatal, "resolve secrets for agent %q", agentID).WithCause(err))
	}

	if e.breaker != nil {
		if err := e.breaker.AllowRequest(agent.DockerImage); err != nil {
			return Failed(stepID, err)
		}
	}

	output, err := e.runtime.Run(ctx, &runtime.Request{
		ExecutionID: req.ExecutionID,
		StepID:      stepID,
		Image:       agent.DockerImage,
		Input:       req.Input,
		Limits:      agent.ResourceLimits,
		Timeout:     req.Step.Timeout(),
		Env:         env,
	})
	if err != nil {
		if e.breaker != nil {
			if runtime.IsTransient(err) {
				e.breaker.RecordFailure(agent.DockerImage)
			} else {
				e.breaker.RecordRelease(agent.DockerImage)
			}
		}
		logging.LogWith(ctx, e.logger).Warn("agent run failed",
			slog.String("agent_id", agentID),
			slog.Int("attempt", req.Attempt),
			slog.String("error", err.Error()),
		)
		return Failed(stepID, runtimeError(agentID, err))
	}
	if e.breaker != nil {
		e.breaker.RecordSuccess(agent.DockerImage)
	}

	if err := e.schemas.ValidatePayload(output, agent.OutputSchema); err != nil {
		return Failed(stepID, schema.AsError(err, schema.ErrCodeSchemaMismatch).
			WithDetails(map[string]any{"agent_id": agentID, "direction": "output"}))
	}
	return Succeeded(output)
}

// runtimeError maps a runtime failure onto the retry taxonomy.
func runtimeError(agentID string, err error) *schema.Error {
	var rerr *runtime.RuntimeError
	if !errors.As(err, &rerr) {
		return schema.AsError(err, schema.ErrCodeFatal)
	}
	code := schema.ErrCodeFatal
	switch {
	case rerr.Transient:
		code = schema.ErrCodeTransient
	case errors.Is(rerr, context.Canceled):
		code = schema.ErrCodeCancelled
	}
	details := map[string]any{"agent_id": agentID, "image": rerr.Image}
	if rerr.ExitCode != 0 {
		details["exit_code"] = rerr.ExitCode
	}
	return schema.NewError(code, rerr.Error()).WithCause(err).WithDetails(details)
}
