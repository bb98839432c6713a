package engine

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/agentpipe/internal/expressions"
	"github.com/rendis/agentpipe/internal/logging"
	"github.com/rendis/agentpipe/internal/steps"
	"github.com/rendis/agentpipe/pkg/schema"
)

// DefaultPoolSize is the default worker pool concurrency.
const DefaultPoolSize = 10

// DefinitionValidator rejects malformed definitions before an execution
// starts. validation.PipelineValidator implements it.
type DefinitionValidator interface {
	Validate(def *schema.PipelineDefinition) *schema.ValidationReport
}

// Config holds configuration for the engine.
type Config struct {
	PoolSize       int                   // max concurrent step attempts across executions
	CircuitBreaker *CircuitBreakerConfig // nil = defaults
	DefaultBackoff *schema.BackoffPolicy // used by steps without a backoff policy
	Validator      DefinitionValidator   // nil = definitions are only indexed
	Publisher      Publisher             // live event fan-out, optional
	Metrics        *Metrics              // optional
	Logger         *slog.Logger
}

// ExecuteOptions describe one trigger of a pipeline.
type ExecuteOptions struct {
	ExecutionID string       // generated when empty
	Input       schema.Value // initial execution input
	Overrides   schema.Value // merged over the global config for this execution
	TriggeredBy string
}

// Engine is the Workflow Executor. It drives executions wave by wave,
// suspends them at human approvals and resumes them from persisted
// snapshots.
type Engine struct {
	registry  *steps.Registry
	evaluator *expressions.Evaluator
	mapper    *expressions.Mapper
	store     ExecutionStore
	pool      *WorkerPool
	breakers  *CircuitBreakerRegistry
	execFSM   *ExecutionFSM
	stepFSM   *StepFSM
	cfg       Config
	logger    *slog.Logger
	metrics   *Metrics

	// mu guards running and closed.
	mu      sync.Mutex
	running map[string]*run
	closed  bool
	drives  sync.WaitGroup
}

// New creates an Engine. deps are handed to the step executors; a nil
// Breaker is replaced by the engine's circuit breaker registry. A nil store
// keeps everything in memory.
func New(deps steps.Deps, store ExecutionStore, cfg Config) (*Engine, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if store == nil {
		store = NewMemoryStore()
	}

	cbConfig := DefaultCircuitBreakerConfig()
	if cfg.CircuitBreaker != nil {
		cbConfig = *cfg.CircuitBreaker
	}
	breakers := NewCircuitBreakerRegistry(cbConfig)
	if deps.Breaker == nil {
		deps.Breaker = breakers
	}

	if deps.Evaluator == nil {
		ev, err := expressions.NewEvaluator(nil)
		if err != nil {
			return nil, err
		}
		deps.Evaluator = ev
	}
	if deps.Mapper == nil {
		deps.Mapper = expressions.NewMapper(nil)
	}
	if deps.Logger == nil {
		deps.Logger = logger
	}

	registry, err := steps.NewRegistry(deps)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		registry:  registry,
		evaluator: deps.Evaluator,
		mapper:    deps.Mapper,
		store:     store,
		breakers:  breakers,
		execFSM:   NewExecutionFSM(),
		stepFSM:   NewStepFSM(),
		cfg:       cfg,
		logger:    logger,
		metrics:   cfg.Metrics,
		running:   make(map[string]*run),
	}
	e.pool = NewWorkerPool(cfg.PoolSize, func(p any) {
		logger.Error("step goroutine panicked", slog.Any("panic", p))
	})
	breakers.OnStateChange(e.onBreakerChange)
	return e, nil
}

// Registry exposes the step executor registry.
func (e *Engine) Registry() *steps.Registry { return e.registry }

// Breakers exposes the circuit breaker registry.
func (e *Engine) Breakers() *CircuitBreakerRegistry { return e.breakers }

// PoolMetrics returns the worker pool counters.
func (e *Engine) PoolMetrics() PoolMetrics { return e.pool.Metrics() }

// Close cancels every execution still being driven, waits until each is
// sealed, then stops the worker pool. Running attempts keep their timeout
// budget, so Close may block up to the longest remaining step timeout.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	for _, r := range e.running {
		if r != nil {
			r.stopCancel()
		}
	}
	e.mu.Unlock()

	e.drives.Wait()
	e.pool.Shutdown()
}

// run is the state of one execution while a control loop drives it.
type run struct {
	g        *Graph
	frontier *Frontier
	rec      *Recorder
	scope    *expressions.ScopeBuilder
	config   schema.Value
	input    schema.Value
	sems     map[string]chan struct{} // parallel step id -> branch semaphore
	waves    int

	stopCtx    context.Context
	stopCancel context.CancelFunc
}

func (e *Engine) newRun(g *Graph, exec *schema.Execution, config schema.Value) *run {
	stopCtx, stopCancel := context.WithCancel(context.Background())
	r := &run{
		g:          g,
		frontier:   NewFrontier(g),
		rec:        NewRecorder(exec, e.store, e.cfg.Publisher, e.logger),
		scope:      expressions.NewScopeBuilder(config, exec.InitialInput),
		config:     config,
		input:      exec.InitialInput,
		sems:       make(map[string]chan struct{}),
		stopCtx:    stopCtx,
		stopCancel: stopCancel,
	}
	for _, id := range g.Order {
		if n := steps.MaxConcurrency(g.Step(id)); n > 0 {
			r.sems[id] = make(chan struct{}, n)
		}
	}
	return r
}

func (r *run) id() string { return r.rec.exec.ExecutionID }

// stopped reports whether cancellation was requested.
func (r *run) stopped() bool {
	return r.stopCtx.Err() != nil
}

// Execute runs def to a settled status: Completed, Failed, Cancelled or
// WaitingApproval. Step failures are reported through the returned record;
// the error is reserved for rejected definitions and persistence failures.
func (e *Engine) Execute(ctx context.Context, def *schema.PipelineDefinition, opts ExecuteOptions) (*schema.Execution, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "pipeline definition is nil")
	}
	def = def.Clone()
	if e.cfg.Validator != nil {
		if err := e.cfg.Validator.Validate(def).ToError(); err != nil {
			return nil, err
		}
	}
	g, err := NewGraph(def)
	if err != nil {
		return nil, err
	}

	config := def.GlobalConfig
	if opts.Overrides.Kind() == schema.KindMapping {
		if config.Kind() != schema.KindMapping {
			config = schema.EmptyMapping()
		}
		config = config.Merge(opts.Overrides)
	}

	id := opts.ExecutionID
	if id == "" {
		id = uuid.NewString()
	}
	exec := &schema.Execution{
		ExecutionID:     id,
		PipelineID:      def.ID,
		PipelineVersion: def.Version,
		StartedAt:       time.Now().UTC(),
		InitialInput:    opts.Input,
		StepResults:     schema.NewStepResults(),
		TriggeredBy:     opts.TriggeredBy,
	}
	if err := e.reserve(id); err != nil {
		return nil, err
	}
	r := e.newRun(g, exec, config)
	e.attach(r)
	defer e.release(id, r)

	ctx = logging.WithIDs(ctx, id, def.ID)
	if err := e.execFSM.Transition(ctx, r.rec, "", schema.ExecutionRunning, map[string]any{
		"pipeline_id":  def.ID,
		"triggered_by": opts.TriggeredBy,
	}); err != nil {
		return nil, err
	}
	r.rec.SetStatus(schema.ExecutionRunning)
	if err := e.store.SaveExecution(ctx, r.rec.Execution()); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "save execution").WithCause(err)
	}
	logging.LogWith(ctx, e.logger).Info("execution started", slog.Int("steps", len(g.Order)))

	return e.drive(ctx, r)
}

// Resume delivers a human decision to a WaitingApproval execution and, when
// no other step is still waiting, continues its control loop.
func (e *Engine) Resume(ctx context.Context, req *schema.ApprovalRequest) (*schema.Execution, error) {
	if req == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "approval request is nil")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := e.reserve(req.ExecutionID); err != nil {
		return nil, err
	}
	r, err := e.restore(ctx, req.ExecutionID)
	defer e.release(req.ExecutionID, r)
	if err != nil {
		return nil, err
	}
	e.attach(r)

	ctx = logging.WithIDs(ctx, req.ExecutionID, r.g.Def.ID)
	if r.frontier.Status(req.StepID) != schema.StepWaiting {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"step %q is not waiting for approval", req.StepID).WithStep(req.StepID)
	}

	r.rec.Emit(ctx, schema.EventApprovalReceived, req.StepID, map[string]any{
		"decision":   string(req.Decision),
		"decided_by": req.DecidedBy,
		"comment":    req.Comment,
	})
	res, _ := r.rec.Result(req.StepID)
	step := r.g.Step(req.StepID)
	done := stepDone{
		id:       req.StepID,
		input:    res.Input,
		out:      steps.ResolveApproval(step, res.Input, req),
		attempts: res.Attempts,
		state:    schema.StepWaiting,
		started:  res.StartedAt,
	}
	if unabsorbed := e.apply(ctx, r, done); unabsorbed {
		return e.finish(ctx, r, schema.ExecutionFailed, req.StepID)
	}

	if waiting := r.frontier.With(schema.StepWaiting); len(waiting) > 0 {
		r.rec.SetWaiting(waiting)
		return e.persistSuspended(ctx, r)
	}

	if err := e.execFSM.Transition(ctx, r.rec, schema.ExecutionWaitingApproval, schema.ExecutionRunning, map[string]any{
		"step_id": req.StepID,
	}); err != nil {
		return nil, err
	}
	r.rec.SetStatus(schema.ExecutionRunning)
	r.rec.SetWaiting(nil)
	logging.LogWith(ctx, e.logger).Info("execution resumed", slog.String("step_id", req.StepID))
	return e.drive(ctx, r)
}

// Cancel stops an execution. A running execution dispatches no further
// waves; steps already running keep their timeout budget. A suspended
// execution is cancelled immediately.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	e.mu.Lock()
	r, ok := e.running[executionID]
	e.mu.Unlock()
	if ok {
		if r == nil {
			return schema.NewErrorf(schema.ErrCodeConflict, "execution %q is being resumed", executionID)
		}
		r.stopCancel()
		return nil
	}

	if err := e.reserve(executionID); err != nil {
		return err
	}
	r, err := e.restore(ctx, executionID)
	defer e.release(executionID, r)
	if err != nil {
		return err
	}
	e.attach(r)
	ctx = logging.WithIDs(ctx, executionID, r.g.Def.ID)
	_, err = e.finish(ctx, r, schema.ExecutionCancelled, "")
	return err
}

// Status returns the current record of an execution.
func (e *Engine) Status(ctx context.Context, executionID string) (*schema.Execution, error) {
	e.mu.Lock()
	r, ok := e.running[executionID]
	e.mu.Unlock()
	if ok && r != nil {
		return r.rec.Execution(), nil
	}
	return e.store.GetExecution(ctx, executionID)
}

// reserve claims an execution id for one control loop. Claims are released
// by release; a second claim on the same id is a conflict.
func (e *Engine) reserve(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return schema.NewError(schema.ErrCodeCancelled, "engine is closed")
	}
	if _, busy := e.running[id]; busy {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %q is already being driven", id)
	}
	e.running[id] = nil
	e.drives.Add(1)
	e.metrics.ExecutionStarted()
	return nil
}

// attach publishes a reserved run. A run attached after Close started is
// stopped at once.
func (e *Engine) attach(r *run) {
	e.mu.Lock()
	e.running[r.id()] = r
	if e.closed {
		r.stopCancel()
	}
	e.mu.Unlock()
}

func (e *Engine) release(id string, r *run) {
	e.mu.Lock()
	delete(e.running, id)
	e.mu.Unlock()
	if r != nil {
		r.stopCancel()
	}
	e.metrics.ExecutionStopped()
	e.drives.Done()
}

// restore rebuilds a suspended run from its snapshot.
func (e *Engine) restore(ctx context.Context, executionID string) (*run, error) {
	data, err := e.store.GetSnapshot(ctx, executionID)
	if err != nil {
		if !schema.HasCode(err, schema.ErrCodeNotFound) {
			return nil, err
		}
		exec, getErr := e.store.GetExecution(ctx, executionID)
		if getErr != nil {
			return nil, getErr
		}
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"execution %q is %s, not %s", executionID, exec.Status, schema.ExecutionWaitingApproval)
	}
	snap, err := decodeSnapshot(data)
	if err != nil {
		return nil, err
	}
	g, err := NewGraph(snap.Definition)
	if err != nil {
		return nil, err
	}
	r := e.newRun(g, snap.Execution, snap.Config)
	r.frontier, err = restoreFrontier(g, snap.Steps, snap.Connections)
	if err != nil {
		return nil, err
	}
	for _, id := range g.Order {
		out, ok := snap.Outputs[id]
		if !ok {
			continue
		}
		if err := r.scope.AddStepOutput(id, snap.Steps[id], out); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// drive is the control loop: advance the frontier, dispatch the Ready set
// as one wave, join, repeat.
func (e *Engine) drive(ctx context.Context, r *run) (*schema.Execution, error) {
	stop := context.AfterFunc(ctx, r.stopCancel)
	defer stop()

	for {
		if r.stopped() {
			return e.finish(ctx, r, schema.ExecutionCancelled, "")
		}
		e.advance(ctx, r)
		wave := r.frontier.With(schema.StepReady)
		if len(wave) == 0 {
			break
		}
		if failed := e.runWave(ctx, r, wave); failed != "" {
			if r.stopped() {
				return e.finish(ctx, r, schema.ExecutionCancelled, "")
			}
			return e.finish(ctx, r, schema.ExecutionFailed, failed)
		}
		if waiting := r.frontier.With(schema.StepWaiting); len(waiting) > 0 {
			if err := e.execFSM.Transition(ctx, r.rec, schema.ExecutionRunning, schema.ExecutionWaitingApproval, map[string]any{
				"waiting_steps": waiting,
			}); err != nil {
				return nil, err
			}
			r.rec.SetStatus(schema.ExecutionWaitingApproval)
			r.rec.SetWaiting(waiting)
			logging.LogWith(ctx, e.logger).Info("execution waiting for approval", slog.Any("steps", waiting))
			return e.persistSuspended(ctx, r)
		}
	}
	return e.finish(ctx, r, schema.ExecutionCompleted, "")
}

// advance promotes Pending steps whose dependencies are met to Ready and
// prunes steps that can no longer run, until nothing changes.
func (e *Engine) advance(ctx context.Context, r *run) {
	for changed := true; changed; {
		changed = false
		for _, id := range r.g.Order {
			if r.frontier.Status(id) != schema.StepPending || r.g.InBody(id) {
				continue
			}
			switch r.frontier.Verdict(id) {
			case VerdictReady:
				e.transitionStep(ctx, r, id, schema.StepReady, nil)
			case VerdictPrune:
				e.skip(ctx, r, id, schema.Null(), "unreachable")
				changed = true
			}
		}
	}
}

// stepDone is the outcome of one dispatched step, applied by the control loop.
type stepDone struct {
	id       string
	input    schema.Value
	out      steps.Outcome
	attempts int
	state    schema.StepStatus // step status when the outcome is applied
	started  time.Time
	body     map[string]*bodyResult
}

// runWave dispatches one wave and joins it. It returns the id of the first
// step, in definition order, whose failure no Error connection absorbed.
func (e *Engine) runWave(ctx context.Context, r *run, wave []string) string {
	r.waves++
	r.rec.Emit(ctx, schema.EventWaveDispatched, "", map[string]any{"wave": r.waves, "steps": wave})

	done := make(chan stepDone, len(wave))
	inflight := 0
	for _, id := range wave {
		step := r.g.Step(id)
		input, err := e.assembleInput(ctx, r, step)
		if err == nil {
			var proceed bool
			var reason string
			proceed, reason, err = e.shouldRun(ctx, r, step)
			if err == nil && !proceed {
				e.bypass(ctx, r, id, input, reason)
				continue
			}
		}

		e.transitionStep(ctx, r, id, schema.StepRunning, map[string]any{"attempt": 1})
		inflight++
		started := time.Now().UTC()
		if err != nil {
			done <- stepDone{id: id, input: input, out: steps.Failed(id, err), state: schema.StepRunning, started: started}
			continue
		}
		e.dispatch(ctx, r, step, input, started, done)
	}

	unabsorbed := make(map[string]bool)
	for ; inflight > 0; inflight-- {
		d := <-done
		if e.apply(ctx, r, d) {
			unabsorbed[d.id] = true
		}
	}
	for _, id := range wave {
		if unabsorbed[id] {
			return id
		}
	}
	return ""
}

// dispatch runs a step on the worker pool and reports to done exactly once.
// The pool task ignores cancellation of ctx: a cancelled execution lets
// dispatched steps spend their timeout budget.
func (e *Engine) dispatch(ctx context.Context, r *run, step *schema.Step, input schema.Value, started time.Time, done chan<- stepDone) {
	var d stepDone
	errc := e.pool.Go(context.WithoutCancel(ctx), func(context.Context) error {
		e.metrics.UpdatePoolActive(e.pool.Metrics().Active)
		defer func() { e.metrics.UpdatePoolActive(e.pool.Metrics().Active) }()

		release := r.acquire(step.ID)
		defer release()

		var runner steps.BodyRunner
		var body *loopBody
		if step.Variant == schema.VariantLoop {
			body = e.newLoopBody(ctx, r, step)
			runner = body
		}
		out, attempts, state := e.attempts(ctx, r, step, input, r.scope, runner, true)
		d = stepDone{id: step.ID, input: input, out: out, attempts: attempts, state: state, started: started}
		if body != nil {
			d.body = body.results
		}
		if out.Err != nil {
			return out.Err
		}
		return nil
	})

	go func() {
		err := <-errc
		if d.id == "" {
			// panicked, or never reached a pool slot
			code := schema.ErrCodeExecution
			if errors.Is(err, ErrPoolShutdown) {
				code = schema.ErrCodeCancelled
			}
			d = stepDone{
				id:      step.ID,
				input:   input,
				out:     steps.Failed(step.ID, schema.NewErrorf(code, "step %s did not complete", step.ID).WithCause(err)),
				state:   schema.StepRunning,
				started: started,
			}
		}
		done <- d
	}()
}

// acquire takes a branch slot from every bounded Parallel step feeding id,
// in sorted order so concurrent branches cannot deadlock.
func (r *run) acquire(id string) func() {
	var parents []string
	seen := make(map[string]bool)
	for _, idx := range r.g.In[id] {
		c := r.g.Conns[idx]
		if _, ok := r.sems[c.Source]; ok && c.Kind() == schema.ConnData && !seen[c.Source] {
			seen[c.Source] = true
			parents = append(parents, c.Source)
		}
	}
	sort.Strings(parents)
	for _, p := range parents {
		r.sems[p] <- struct{}{}
	}
	return func() {
		for _, p := range parents {
			<-r.sems[p]
		}
	}
}

// attempts runs a step until it succeeds, waits, fails fatally, or runs out
// of retries. Each attempt gets the step's full timeout. Detached attempts
// ignore cancellation of ctx so running steps keep their budget.
func (e *Engine) attempts(ctx context.Context, r *run, step *schema.Step, input schema.Value, scope *expressions.ScopeBuilder, body steps.BodyRunner, detached bool) (steps.Outcome, int, schema.StepStatus) {
	exec, err := e.registry.Get(step.Variant)
	if err != nil {
		return steps.Failed(step.ID, err), 0, schema.StepRunning
	}
	ctx = logging.WithStepID(ctx, step.ID)
	retries := step.Retries()
	state := schema.StepRunning

	var out steps.Outcome
	attempt := 0
	for {
		attempt++
		var timedOut bool
		out, timedOut = e.attempt(ctx, r, exec, step, input, scope, body, attempt, detached)
		if out.Status != schema.StepFailed {
			return out, attempt, state
		}
		if r.stopped() {
			if timedOut {
				out = steps.Failed(step.ID, schema.NewError(schema.ErrCodeCancelled,
					"execution cancelled; step did not finish within its timeout").WithCause(out.Err))
			}
			return out, attempt, state
		}
		if !IsTransient(out.Err) || attempt > retries {
			break
		}

		delay := ComputeBackoff(step.Backoff, e.cfg.DefaultBackoff, attempt-1)
		_ = e.stepFSM.Transition(ctx, r.rec, step.ID, schema.StepRunning, schema.StepRetrying, map[string]any{
			"attempt":  attempt,
			"delay_ms": delay.Milliseconds(),
			"error":    out.Err.Message,
			"code":     out.Err.Code,
		})
		state = schema.StepRetrying
		e.metrics.RecordRetry(string(step.Variant))
		logging.LogWith(ctx, e.logger).Warn("retrying step",
			slog.Int("attempt", attempt), slog.Duration("delay", delay), slog.String("error", out.Err.Error()))

		if err := WaitForBackoff(r.stopCtx, delay); err != nil {
			return steps.Failed(step.ID, schema.NewError(schema.ErrCodeCancelled,
				"execution cancelled while waiting to retry").WithCause(out.Err)), attempt, state
		}
		_ = e.stepFSM.Transition(ctx, r.rec, step.ID, schema.StepRetrying, schema.StepRunning, map[string]any{"attempt": attempt + 1})
		state = schema.StepRunning
	}

	if retries > 0 && attempt > retries && IsTransient(out.Err) {
		out.Err = schema.NewErrorf(schema.ErrCodeRetryExhausted,
			"step failed after %d attempts: %s", attempt, out.Err.Message).
			WithStep(step.ID).
			WithCause(out.Err).
			WithDetails(map[string]any{"attempts": attempt, "last_code": out.Err.Code})
	}
	return out, attempt, state
}

// attempt runs a single timeout-bounded attempt and reports whether the
// attempt ran out its timeout.
func (e *Engine) attempt(ctx context.Context, r *run, exec steps.Executor, step *schema.Step, input schema.Value, scope *expressions.ScopeBuilder, body steps.BodyRunner, n int, detached bool) (steps.Outcome, bool) {
	parent := ctx
	if detached {
		parent = context.WithoutCancel(ctx)
	}
	actx, cancel := context.WithTimeout(parent, step.Timeout())
	defer cancel()

	req := &steps.Request{
		ExecutionID:  r.id(),
		PipelineID:   r.g.Def.ID,
		Step:         step,
		Input:        input,
		InitialInput: r.input,
		Scope:        scope,
		Attempt:      n,
		Body:         body,
		Emit: func(eventType string, payload map[string]any) {
			r.rec.Emit(ctx, eventType, step.ID, payload)
		},
	}

	out := exec.Run(actx, req)
	timedOut := errors.Is(actx.Err(), context.DeadlineExceeded)
	if out.Status == schema.StepFailed {
		if out.Err == nil {
			out.Err = schema.NewError(schema.ErrCodeExecution, "step failed").WithStep(step.ID)
		}
		if timedOut && (out.Err.Code == schema.ErrCodeExecution || out.Err.Code == schema.ErrCodeCancelled) {
			out.Err = schema.NewErrorf(schema.ErrCodeTimeout, "step timed out after %s", step.Timeout()).
				WithStep(step.ID).WithCause(out.Err)
		}
	}
	return out, timedOut
}

// apply records a finished step and resolves its outgoing connections. It
// reports whether the step failed without an Error connection absorbing it.
func (e *Engine) apply(ctx context.Context, r *run, d stepDone) bool {
	step := r.g.Step(d.id)
	now := time.Now().UTC()
	res := &schema.StepResult{
		StepID:     d.id,
		Input:      d.input,
		Attempts:   d.attempts,
		StartedAt:  d.started,
		FinishedAt: &now,
	}
	defer func() {
		e.metrics.RecordStep(string(step.Variant), string(res.Status), now.Sub(d.started))
	}()

	if d.state != "" {
		r.frontier.SetStatus(d.id, d.state)
	}
	out := d.out
	var ports map[string]schema.Value
	if out.Status == schema.StepSucceeded {
		var err error
		ports, err = e.mapper.ProjectOutput(ctx, step, out.Output)
		if err != nil {
			out = steps.Failed(d.id, err)
		}
	}

	switch out.Status {
	case schema.StepSucceeded:
		for k, v := range out.Ports {
			ports[k] = v
		}
		res.Status, res.Output, res.Ports = schema.StepSucceeded, out.Output, ports
		e.transitionStep(ctx, r, d.id, schema.StepSucceeded, map[string]any{"attempts": d.attempts})
		r.rec.Put(res)
		e.addScope(ctx, r, d.id, schema.StepSucceeded, out.Output)
		if step.Variant == schema.VariantLoop {
			e.settleBody(ctx, r, step, d.body, true)
		}
		e.fireOnSuccess(ctx, r, step, res)
		if step.Variant == schema.VariantLoop {
			for _, id := range r.g.Body[step.ID] {
				if b, ok := r.rec.Result(id); ok && b.Status == schema.StepSucceeded {
					e.fireOnSuccess(ctx, r, r.g.Step(id), b)
				}
			}
		}
		return false

	case schema.StepWaiting:
		res.Status, res.Output = schema.StepWaiting, out.Output
		res.Ports = out.Ports
		e.transitionStep(ctx, r, d.id, schema.StepWaiting, map[string]any{"request": out.Output.Native()})
		r.rec.Put(res)
		return false
	}

	res.Status, res.Output, res.Error = schema.StepFailed, schema.Null(), out.Err
	res.Ports = map[string]schema.Value{schema.DefaultPort: failurePayload(out.Err, d.input)}
	for k, v := range out.Ports {
		res.Ports[k] = v
	}
	e.transitionStep(ctx, r, d.id, schema.StepFailed, map[string]any{
		"attempts": d.attempts,
		"code":     out.Err.Code,
		"error":    out.Err.Message,
	})
	r.rec.Put(res)
	e.addScope(ctx, r, d.id, schema.StepFailed, schema.Null())
	if step.Variant == schema.VariantLoop {
		e.settleBody(ctx, r, step, d.body, false)
	}
	logging.LogWith(logging.WithStepID(ctx, d.id), e.logger).Warn("step failed",
		slog.String("code", out.Err.Code), slog.String("error", out.Err.Message), slog.Int("attempts", d.attempts))

	if e.fireOnFailure(ctx, r, step) {
		r.rec.Emit(ctx, schema.EventFailureAbsorbed, d.id, map[string]any{"code": out.Err.Code})
		return false
	}
	return true
}

// failurePayload is what a failed step publishes on its default port for
// Error connections.
func failurePayload(err *schema.Error, input schema.Value) schema.Value {
	fields := map[string]schema.Value{
		"code":    schema.String(err.Code),
		"message": schema.String(err.Message),
	}
	if err.StepID != "" {
		fields["step_id"] = schema.String(err.StepID)
	}
	return schema.Mapping(map[string]schema.Value{
		"error": schema.Mapping(fields),
		"input": input,
	})
}

// bypass skips a step whose condition is false or that is disabled. Its
// input passes through and its connections fire as on success.
func (e *Engine) bypass(ctx context.Context, r *run, id string, input schema.Value, reason string) {
	step := r.g.Step(id)
	now := time.Now().UTC()
	res := &schema.StepResult{
		StepID:     id,
		Status:     schema.StepSkipped,
		Input:      input,
		Output:     input,
		Ports:      map[string]schema.Value{schema.DefaultPort: input},
		StartedAt:  now,
		FinishedAt: &now,
	}
	e.transitionStep(ctx, r, id, schema.StepSkipped, map[string]any{"reason": reason})
	r.rec.Put(res)
	e.addScope(ctx, r, id, schema.StepSkipped, input)
	if step.Variant == schema.VariantLoop {
		e.settleBody(ctx, r, step, nil, false)
	}
	e.fireOnSuccess(ctx, r, step, res)
}

// skip marks a step Skipped without running it and kills its connections.
func (e *Engine) skip(ctx context.Context, r *run, id string, output schema.Value, reason string) {
	now := time.Now().UTC()
	e.transitionStep(ctx, r, id, schema.StepSkipped, map[string]any{"reason": reason})
	r.rec.Put(&schema.StepResult{
		StepID:     id,
		Status:     schema.StepSkipped,
		Input:      schema.Null(),
		Output:     output,
		StartedAt:  now,
		FinishedAt: &now,
	})
	e.addScope(ctx, r, id, schema.StepSkipped, output)
	r.frontier.KillOutgoing(id)
	if step := r.g.Step(id); step.Variant == schema.VariantLoop {
		e.settleBody(ctx, r, step, nil, false)
	}
}

func (e *Engine) addScope(ctx context.Context, r *run, id string, status schema.StepStatus, output schema.Value) {
	if err := r.scope.AddStepOutput(id, status, output); err != nil {
		logging.LogWith(ctx, e.logger).Error("step output registered twice", slog.String("step_id", id), slog.Any("error", err))
	}
}

// transitionStep moves a step through the step FSM and records the status.
func (e *Engine) transitionStep(ctx context.Context, r *run, id string, to schema.StepStatus, payload map[string]any) {
	from := r.frontier.Status(id)
	if err := e.stepFSM.Transition(ctx, r.rec, id, from, to, payload); err != nil {
		logging.LogWith(ctx, e.logger).Error("step transition rejected", slog.String("step_id", id), slog.Any("error", err))
	}
	r.frontier.SetStatus(id, to)
}

// shouldRun decides whether a ready step runs or is bypassed.
func (e *Engine) shouldRun(ctx context.Context, r *run, step *schema.Step) (bool, string, error) {
	if !step.IsEnabled() {
		return false, "disabled", nil
	}
	if step.Condition == "" {
		return true, "", nil
	}
	ok, err := e.evaluator.EvalBool(ctx, step.Condition, r.scope.Build())
	if err != nil {
		return false, "", schema.AsError(err, schema.ErrCodeExpression).WithStep(step.ID)
	}
	if !ok {
		return false, "condition", nil
	}
	return true, "", nil
}

// assembleInput builds a step input: the execution input for entry steps,
// otherwise the payloads of the fired incoming connections, then the step's
// input mapping on top.
func (e *Engine) assembleInput(ctx context.Context, r *run, step *schema.Step) (schema.Value, error) {
	base := schema.Null()
	if r.g.IsEntry(step.ID) {
		base = r.input
	} else {
		for _, idx := range r.frontier.FiredIncoming(step.ID) {
			c := r.g.Conns[idx]
			src, ok := r.rec.Result(c.Source)
			if !ok {
				continue
			}
			payload, _ := src.Port(c.FromPort())
			payload, err := e.mapper.ApplyConnection(ctx, c, payload)
			if err != nil {
				return schema.Null(), schema.AsError(err, schema.ErrCodeExpression).WithStep(step.ID).
					WithDetails(map[string]any{"connection": c.Label()})
			}
			base = expressions.MergePayload(base, c.ToPort(), payload)
		}
	}
	return e.mapper.ResolveInput(ctx, step, base, r.scope.Build())
}

// fireOnSuccess resolves the outgoing connections of a succeeded or bypassed
// step. Error connections die. Condition connections leaving a Condition
// step also need its boolean to be true.
func (e *Engine) fireOnSuccess(ctx context.Context, r *run, step *schema.Step, res *schema.StepResult) {
	branch := true
	if step.Variant == schema.VariantCondition {
		branch, _ = res.Output.AsBool()
	}
	scope := r.scope.Build()
	for _, idx := range r.g.Out[step.ID] {
		if r.frontier.Conn(idx) != ConnUnresolved {
			continue
		}
		c := r.g.Conns[idx]
		switch c.Kind() {
		case schema.ConnError:
			r.frontier.Resolve(idx, false)
		case schema.ConnCondition:
			e.resolveConn(ctx, r, idx, branch && e.connHolds(ctx, c, scope))
		default:
			e.resolveConn(ctx, r, idx, e.connHolds(ctx, c, scope))
		}
	}
}

// fireOnFailure fires the Error connections of a failed step whose
// condition holds and kills everything else. It reports whether any fired.
func (e *Engine) fireOnFailure(ctx context.Context, r *run, step *schema.Step) bool {
	absorbed := false
	scope := r.scope.Build()
	for _, idx := range r.g.Out[step.ID] {
		if r.frontier.Conn(idx) != ConnUnresolved {
			continue
		}
		c := r.g.Conns[idx]
		fire := c.Kind() == schema.ConnError && e.connHolds(ctx, c, scope)
		e.resolveConn(ctx, r, idx, fire)
		absorbed = absorbed || fire
	}
	return absorbed
}

func (e *Engine) resolveConn(ctx context.Context, r *run, idx int, fire bool) {
	r.frontier.Resolve(idx, fire)
	if !fire {
		return
	}
	c := r.g.Conns[idx]
	r.rec.Emit(ctx, schema.EventConnectionFired, c.Source, map[string]any{
		"connection": c.Label(),
		"target":     c.Target,
		"type":       string(c.Kind()),
	})
}

// connHolds evaluates a connection condition. A condition that cannot be
// evaluated keeps the connection from firing.
func (e *Engine) connHolds(ctx context.Context, c *schema.Connection, scope schema.Value) bool {
	if c.Condition == "" {
		return true
	}
	ok, err := e.evaluator.EvalBool(ctx, c.Condition, scope)
	if err != nil {
		logging.LogWith(ctx, e.logger).Warn("connection condition failed",
			slog.String("connection", c.Label()), slog.Any("error", err))
		return false
	}
	return ok
}

// finish seals the execution: leftover steps are skipped, the final output
// is computed and the record is persisted.
func (e *Engine) finish(ctx context.Context, r *run, status schema.ExecutionStatus, failedStep string) (*schema.Execution, error) {
	for _, id := range r.g.Order {
		switch r.frontier.Status(id) {
		case schema.StepPending, schema.StepReady:
			e.skip(ctx, r, id, schema.Null(), string(status))
		case schema.StepWaiting:
			e.abandon(ctx, r, id, status)
		}
	}

	payload := map[string]any{}
	switch status {
	case schema.ExecutionCompleted:
		r.rec.SetFinalOutput(FinalOutput(r.g, r.frontier, r.rec.exec.StepResults))
	case schema.ExecutionFailed:
		msg := "step failed"
		if res, ok := r.rec.Result(failedStep); ok && res.Error != nil {
			msg = res.Error.Message
		}
		r.rec.SetFailure(failedStep, msg)
		payload["error_step"] = failedStep
		payload["error"] = msg
	}

	from := r.rec.Status()
	if err := e.execFSM.Transition(ctx, r.rec, from, status, payload); err != nil {
		return nil, err
	}
	r.rec.SetStatus(status)
	e.metrics.RecordExecution(string(status), r.rec.Elapsed())

	exec := r.rec.Execution()
	log := logging.LogWith(ctx, e.logger)
	if status == schema.ExecutionCompleted {
		log.Info("execution completed", slog.Int64("duration_ms", exec.ExecutionTimeMs))
	} else {
		log.Warn("execution ended", slog.String("status", string(status)), slog.String("error_step", exec.ErrorStep))
	}

	if err := e.store.SaveExecution(ctx, exec); err != nil {
		return exec, schema.NewError(schema.ErrCodeStore, "save execution").WithCause(err)
	}
	if err := e.store.DeleteSnapshot(ctx, exec.ExecutionID); err != nil {
		log.Warn("snapshot not deleted", slog.Any("error", err))
	}
	return exec, nil
}

// abandon fails a step still waiting for a decision when its execution ends.
func (e *Engine) abandon(ctx context.Context, r *run, id string, status schema.ExecutionStatus) {
	prev, _ := r.rec.Result(id)
	now := time.Now().UTC()
	res := prev.Clone()
	res.Status = schema.StepFailed
	res.FinishedAt = &now
	res.Error = schema.NewErrorf(schema.ErrCodeCancelled, "execution %s before a decision arrived", status).WithStep(id)
	e.transitionStep(ctx, r, id, schema.StepFailed, map[string]any{"code": res.Error.Code, "error": res.Error.Message})
	r.rec.Put(res)
	e.addScope(ctx, r, id, schema.StepFailed, schema.Null())
	r.frontier.KillOutgoing(id)
}

// persistSuspended writes the snapshot and the WaitingApproval record.
func (e *Engine) persistSuspended(ctx context.Context, r *run) (*schema.Execution, error) {
	exec := r.rec.Execution()
	data, err := encodeSnapshot(&snapshot{
		Definition:  r.g.Def,
		Execution:   exec,
		Config:      r.config,
		Steps:       r.frontier.Statuses(),
		Connections: r.frontier.ConnStates(),
		Outputs:     r.scope.StepOutputs(),
	})
	if err != nil {
		return exec, err
	}
	if err := e.store.SaveSnapshot(ctx, exec.ExecutionID, data); err != nil {
		return exec, schema.NewError(schema.ErrCodeStore, "save snapshot").WithCause(err)
	}
	if err := e.store.SaveExecution(ctx, exec); err != nil {
		return exec, schema.NewError(schema.ErrCodeStore, "save execution").WithCause(err)
	}
	e.metrics.RecordExecution(string(exec.Status), r.rec.Elapsed())
	return exec, nil
}

func (e *Engine) onBreakerChange(key string, from, to CircuitState) {
	e.metrics.UpdateCircuitState(key, to)
	e.logger.Warn("circuit breaker state changed",
		slog.String("key", key), slog.String("from", from.String()), slog.String("to", to.String()))
	if e.cfg.Publisher == nil {
		return
	}
	var eventType string
	switch to {
	case CircuitOpen:
		eventType = schema.EventCircuitBreakerOpen
	case CircuitHalfOpen:
		eventType = schema.EventCircuitBreakerHalfOpen
	default:
		eventType = schema.EventCircuitBreakerClosed
	}
	e.cfg.Publisher.Publish(&schema.Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Payload:   map[string]any{"key": key, "from": from.String()},
		Timestamp: time.Now().UTC(),
	})
}
