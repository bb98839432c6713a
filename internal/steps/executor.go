// Package steps implements one executor per step variant. Executors run a
// single attempt against an already resolved input and report an Outcome;
// retries, timeouts and scheduling belong to the engine.
package steps

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"github.com/rendis/agentpipe/internal/catalog"
	"github.com/rendis/agentpipe/internal/expressions"
	"github.com/rendis/agentpipe/internal/runtime"
	"github.com/rendis/agentpipe/internal/secrets"
	"github.com/rendis/agentpipe/internal/validation"
	"github.com/rendis/agentpipe/pkg/schema"
)

// Executor runs one step variant.
type Executor interface {
	Variant() schema.StepVariant
	Run(ctx context.Context, req *Request) Outcome
}

// EventFunc receives progress events an executor reports while running.
type EventFunc func(eventType string, payload map[string]any)

// BodyRunner runs the body of a loop once per element. The engine provides it.
type BodyRunner interface {
	RunIteration(ctx context.Context, item schema.Value, index int) (schema.Value, error)
}

// Request is one attempt of one step.
type Request struct {
	ExecutionID  string
	PipelineID   string
	Step         *schema.Step
	Input        schema.Value
	InitialInput schema.Value
	Scope        *expressions.ScopeBuilder
	Attempt      int
	Body         BodyRunner
	Emit         EventFunc
}

func (r *Request) emit(eventType string, payload map[string]any) {
	if r.Emit != nil {
		r.Emit(eventType, payload)
	}
}

// scope returns the evaluation context for the request.
func (r *Request) scope() schema.Value {
	if r.Scope == nil {
		return expressions.NewScopeBuilder(schema.Null(), r.InitialInput).Build()
	}
	return r.Scope.Build()
}

// Outcome is the result of one attempt.
type Outcome struct {
	Status schema.StepStatus // StepSucceeded, StepFailed or StepWaiting
	Output schema.Value
	Ports  map[string]schema.Value // extra named ports beyond the output mapping
	Err    *schema.Error
}

// Succeeded builds a successful outcome.
func Succeeded(output schema.Value) Outcome {
	return Outcome{Status: schema.StepSucceeded, Output: output}
}

// Failed builds a failed outcome from any error. Foreign errors become
// ErrCodeExecution.
func Failed(stepID string, err error) Outcome {
	e := schema.AsError(err, schema.ErrCodeExecution)
	if e.StepID == "" {
		e.StepID = stepID
	}
	return Outcome{Status: schema.StepFailed, Err: e}
}

// Waiting builds an outcome that suspends the execution.
func Waiting(output schema.Value) Outcome {
	return Outcome{Status: schema.StepWaiting, Output: output}
}

// Breaker guards calls to a shared dependency, keyed by name.
type Breaker interface {
	AllowRequest(key string) error
	RecordSuccess(key string)
	RecordFailure(key string)
	RecordRelease(key string)
}

// Deps are the collaborators executors share. Zero fields get defaults
// where one exists; Catalog and Runtime are only needed by agent steps.
type Deps struct {
	Evaluator    *expressions.Evaluator
	Mapper       *expressions.Mapper
	Interpolator *expressions.Interpolator
	Schemas      *validation.JSONSchemaValidator
	Catalog      catalog.Catalog
	Runtime      runtime.ContainerRuntime
	Vault        secrets.Vault
	Breaker      Breaker
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

func (d *Deps) withDefaults() error {
	if d.Evaluator == nil {
		ev, err := expressions.NewEvaluator(nil)
		if err != nil {
			return err
		}
		d.Evaluator = ev
	}
	if d.Mapper == nil {
		d.Mapper = expressions.NewMapper(nil)
	}
	if d.Interpolator == nil {
		d.Interpolator = expressions.NewInterpolator(d.Vault)
	}
	if d.Schemas == nil {
		v, err := validation.NewJSONSchemaValidator()
		if err != nil {
			return err
		}
		d.Schemas = v
	}
	if d.HTTPClient == nil {
		d.HTTPClient = &http.Client{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return nil
}

// Registry maps variants to executors. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	executors map[schema.StepVariant]Executor
}

// NewRegistry creates a registry holding the executors for every variant.
func NewRegistry(deps Deps) (*Registry, error) {
	if err := deps.withDefaults(); err != nil {
		return nil, err
	}
	r := &Registry{executors: make(map[schema.StepVariant]Executor)}
	for _, e := range []Executor{
		&TriggerExecutor{},
		NewAgentExecutor(deps),
		NewConditionExecutor(deps.Evaluator),
		NewLoopExecutor(deps.Mapper),
		&ParallelExecutor{},
		&ApprovalExecutor{},
		&DelayExecutor{},
		NewWebhookExecutor(deps),
	} {
		if err := r.Register(e); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds an executor. Registering a variant twice is a conflict.
func (r *Registry) Register(e Executor) error {
	if e == nil {
		return schema.NewError(schema.ErrCodeValidation, "executor is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.executors[e.Variant()]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "executor for variant %q already registered", e.Variant())
	}
	r.executors[e.Variant()] = e
	return nil
}

// Replace installs e, overriding any executor for its variant.
func (r *Registry) Replace(e Executor) {
	r.mu.Lock()
	r.executors[e.Variant()] = e
	r.mu.Unlock()
}

// Get returns the executor for variant.
func (r *Registry) Get(variant schema.StepVariant) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[variant]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "no executor for variant %q", variant)
	}
	return e, nil
}

// Variants lists the registered variants, sorted.
func (r *Registry) Variants() []schema.StepVariant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]schema.StepVariant, 0, len(r.executors))
	for v := range r.executors {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
