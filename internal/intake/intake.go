// Package intake is the single entry point for starting, resuming, cancelling
// and inspecting pipeline executions. The CLI, the MCP server and the
// scheduler all go through a Service.
package intake

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/agentpipe/internal/engine"
	"github.com/rendis/agentpipe/internal/logging"
	"github.com/rendis/agentpipe/internal/store"
	"github.com/rendis/agentpipe/pkg/schema"
)

// DefaultCallbackTimeout bounds one callback POST.
const DefaultCallbackTimeout = 10 * time.Second

// Executor is the engine surface intake drives. *engine.Engine implements it.
type Executor interface {
	Execute(ctx context.Context, def *schema.PipelineDefinition, opts engine.ExecuteOptions) (*schema.Execution, error)
	Resume(ctx context.Context, req *schema.ApprovalRequest) (*schema.Execution, error)
	Cancel(ctx context.Context, executionID string) error
	Status(ctx context.Context, executionID string) (*schema.Execution, error)
}

// PipelineSource resolves pipeline ids to stored definitions.
type PipelineSource interface {
	GetPipeline(ctx context.Context, id string) (*store.Pipeline, error)
}

// ProgressSource replays per-step progress from the event log.
type ProgressSource interface {
	Replay(ctx context.Context, executionID string) (map[string]*store.StepProgress, error)
}

var (
	_ Executor       = (*engine.Engine)(nil)
	_ PipelineSource = (store.Store)(nil)
	_ ProgressSource = (*store.EventLog)(nil)
)

// Config holds optional collaborators of a Service.
type Config struct {
	Progress        ProgressSource // nil disables Progress
	HTTPClient      *http.Client   // callback client
	CallbackTimeout time.Duration
	Logger          *slog.Logger
}

// callback is where an async execution reports its settled record.
type callback struct {
	url     string
	headers map[string]string
}

// Service accepts triggers and approval decisions.
type Service struct {
	engine    Executor
	pipelines PipelineSource
	progress  ProgressSource
	client    *http.Client
	timeout   time.Duration
	logger    *slog.Logger

	mu        sync.Mutex
	callbacks map[string]callback
	closed    bool
	wg        sync.WaitGroup
}

// New creates a Service.
func New(eng Executor, pipelines PipelineSource, cfg Config) *Service {
	s := &Service{
		engine:    eng,
		pipelines: pipelines,
		progress:  cfg.Progress,
		client:    cfg.HTTPClient,
		timeout:   cfg.CallbackTimeout,
		logger:    cfg.Logger,
		callbacks: make(map[string]callback),
	}
	if s.client == nil {
		s.client = &http.Client{}
	}
	if s.timeout <= 0 {
		s.timeout = DefaultCallbackTimeout
	}
	if s.logger == nil {
		s.logger = logging.Discard()
	}
	return s
}

// Trigger starts an execution of a stored pipeline. In sync mode it returns
// the settled record. In async mode it returns at once with a Running
// record carrying the execution id; the settled record is POSTed to the
// callback URL when one is set.
func (s *Service) Trigger(ctx context.Context, req *schema.TriggerRequest) (*schema.Execution, error) {
	if err := validateTrigger(req); err != nil {
		return nil, err
	}
	p, err := s.pipelines.GetPipeline(ctx, req.PipelineID)
	if err != nil {
		return nil, err
	}
	return s.TriggerDefinition(ctx, p.Definition, req)
}

// TriggerDefinition runs an ad-hoc definition with the request's input,
// mode and callback. The request's pipeline id is ignored.
func (s *Service) TriggerDefinition(ctx context.Context, def *schema.PipelineDefinition, req *schema.TriggerRequest) (*schema.Execution, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "pipeline definition is nil")
	}
	if req == nil {
		req = &schema.TriggerRequest{}
	}
	if err := validateOptions(req); err != nil {
		return nil, err
	}
	opts := engine.ExecuteOptions{
		ExecutionID: uuid.NewString(),
		Input:       req.Input,
		Overrides:   req.Overrides,
		TriggeredBy: req.TriggeredBy,
	}
	if req.Mode() == schema.ModeSync {
		return s.engine.Execute(ctx, def, opts)
	}

	if err := s.track(); err != nil {
		return nil, err
	}
	s.register(opts.ExecutionID, callback{url: req.CallbackURL, headers: req.CallbackHeaders})
	bg := context.WithoutCancel(ctx)
	go func() {
		defer s.wg.Done()
		exec, err := s.engine.Execute(bg, def, opts)
		if err != nil {
			logging.LogWith(logging.WithIDs(bg, opts.ExecutionID, def.ID), s.logger).
				Error("async execution rejected", slog.Any("error", err))
		}
		s.settled(bg, opts.ExecutionID, exec, err)
	}()

	logging.LogWith(logging.WithIDs(ctx, opts.ExecutionID, def.ID), s.logger).Info("async execution accepted")
	return &schema.Execution{
		ExecutionID:     opts.ExecutionID,
		PipelineID:      def.ID,
		PipelineVersion: def.Version,
		Status:          schema.ExecutionRunning,
		StartedAt:       time.Now().UTC(),
		InitialInput:    req.Input,
		StepResults:     schema.NewStepResults(),
		TriggeredBy:     req.TriggeredBy,
	}, nil
}

// TriggerScheduled starts an async execution for a cron schedule.
func (s *Service) TriggerScheduled(ctx context.Context, pipelineID string, input schema.Value, triggeredBy string) (string, error) {
	exec, err := s.Trigger(ctx, &schema.TriggerRequest{
		PipelineID:    pipelineID,
		Input:         input,
		TriggeredBy:   triggeredBy,
		ExecutionMode: schema.ModeAsync,
	})
	if err != nil {
		return "", err
	}
	return exec.ExecutionID, nil
}

// Approve delivers an approve or reject decision and returns the record
// once the execution settles again.
func (s *Service) Approve(ctx context.Context, req *schema.ApprovalRequest) (*schema.Execution, error) {
	exec, err := s.engine.Resume(ctx, req)
	if req != nil {
		s.settled(ctx, req.ExecutionID, exec, err)
	}
	return exec, err
}

// Cancel stops a running or suspended execution.
func (s *Service) Cancel(ctx context.Context, executionID string) error {
	return s.engine.Cancel(ctx, executionID)
}

// Status returns the current record of an execution.
func (s *Service) Status(ctx context.Context, executionID string) (*schema.Execution, error) {
	return s.engine.Status(ctx, executionID)
}

// Progress returns per-step progress folded from the event log.
func (s *Service) Progress(ctx context.Context, executionID string) (map[string]*store.StepProgress, error) {
	if s.progress == nil {
		return nil, schema.NewError(schema.ErrCodeNotFound, "progress tracking is not configured")
	}
	return s.progress.Replay(ctx, executionID)
}

// Shutdown stops accepting async triggers and waits for in-flight async
// executions and callbacks, or for ctx to end.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) track() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return schema.NewError(schema.ErrCodeCancelled, "intake is shutting down")
	}
	s.wg.Add(1)
	return nil
}

func (s *Service) register(executionID string, cb callback) {
	if cb.url == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks[executionID] = cb
}

// settled posts the record to the execution's callback once it reaches a
// terminal status or waits for approval. The callback is dropped once the
// execution is terminal.
func (s *Service) settled(ctx context.Context, executionID string, exec *schema.Execution, err error) {
	s.mu.Lock()
	cb, ok := s.callbacks[executionID]
	if ok && (err != nil || exec == nil || exec.Status.IsTerminal()) {
		delete(s.callbacks, executionID)
	}
	s.mu.Unlock()
	if !ok || err != nil || exec == nil {
		return
	}
	if !exec.Status.IsTerminal() && exec.Status != schema.ExecutionWaitingApproval {
		return
	}
	s.postCallback(ctx, cb, exec)
}

func validateTrigger(req *schema.TriggerRequest) error {
	if req == nil {
		return schema.NewError(schema.ErrCodeValidation, "trigger request is nil")
	}
	if req.PipelineID == "" {
		return schema.NewError(schema.ErrCodeValidation, "pipeline_id is required")
	}
	return validateOptions(req)
}

func validateOptions(req *schema.TriggerRequest) error {
	switch req.Mode() {
	case schema.ModeSync, schema.ModeAsync:
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "execution_mode must be sync or async, got %q", req.ExecutionMode)
	}
	if !req.Overrides.IsNull() && req.Overrides.Kind() != schema.KindMapping {
		return schema.NewError(schema.ErrCodeValidation, "overrides must be a mapping")
	}
	if req.CallbackURL != "" && !validCallbackURL(req.CallbackURL) {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid callback_url %q", req.CallbackURL)
	}
	return nil
}
