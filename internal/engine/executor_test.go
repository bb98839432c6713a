package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/rendis/agentpipe/internal/expressions"
	"github.com/rendis/agentpipe/internal/logging"
	"github.com/rendis/agentpipe/internal/steps"
	"github.com/rendis/agentpipe/internal/validation"
	"github.com/rendis/agentpipe/pkg/schema"
)

// --- Fakes ---

// fakeAgent stands in for the container-backed agent executor.
type fakeAgent struct {
	mu    sync.Mutex
	calls map[string]int
	fn    func(ctx context.Context, req *steps.Request) steps.Outcome
}

func (*fakeAgent) Variant() schema.StepVariant { return schema.VariantAgent }

func (a *fakeAgent) Run(ctx context.Context, req *steps.Request) steps.Outcome {
	a.mu.Lock()
	if a.calls == nil {
		a.calls = make(map[string]int)
	}
	a.calls[req.Step.ID]++
	a.mu.Unlock()
	if a.fn == nil {
		return steps.Succeeded(req.Input)
	}
	return a.fn(ctx, req)
}

func (a *fakeAgent) Calls(stepID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[stepID]
}

// recordingPublisher captures published events.
type recordingPublisher struct {
	mu     sync.Mutex
	events []*schema.Event
}

func (p *recordingPublisher) Publish(ev *schema.Event) {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
}

// --- Helpers ---

type testEnv struct {
	engine *Engine
	store  *MemoryStore
	agent  *fakeAgent
}

func newTestEnv(t testing.TB, fn func(ctx context.Context, req *steps.Request) steps.Outcome) *testEnv {
	t.Helper()
	store := NewMemoryStore()
	eng, err := New(steps.Deps{}, store, Config{PoolSize: 8, Logger: discardLogger()})
	require.NoError(t, err)
	agent := &fakeAgent{fn: fn}
	eng.Registry().Replace(agent)
	t.Cleanup(eng.Close)
	return &testEnv{engine: eng, store: store, agent: agent}
}

func discardLogger() *slog.Logger { return logging.Discard() }

func agentStep(id string) *schema.Step {
	return &schema.Step{ID: id, Variant: schema.VariantAgent, AgentID: "agent-" + id}
}

func stepOf(id string, variant schema.StepVariant) *schema.Step {
	return &schema.Step{ID: id, Variant: variant}
}

func link(src, dst string) *schema.Connection {
	return &schema.Connection{Source: src, Target: dst}
}

func linkOf(src, dst string, kind schema.ConnectionType) *schema.Connection {
	return &schema.Connection{Source: src, Target: dst, Type: kind}
}

func pipeline(id string, stepList []*schema.Step, conns ...*schema.Connection) *schema.PipelineDefinition {
	return &schema.PipelineDefinition{ID: id, Version: "1", Steps: stepList, Connections: conns}
}

func obj(kv ...any) schema.Value {
	fields := make(map[string]schema.Value, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields[kv[i].(string)] = schema.FromNative(kv[i+1])
	}
	return schema.Mapping(fields)
}

func intPtr(n int) *int { return &n }

func boolPtr(b bool) *bool { return &b }

func result(t *testing.T, exec *schema.Execution, stepID string) *schema.StepResult {
	t.Helper()
	res, ok := exec.StepResults.Get(stepID)
	require.True(t, ok, "no result for step %s", stepID)
	return res
}

func eventTypes(exec *schema.Execution) []string {
	types := make([]string, 0, len(exec.ExecutionLog))
	for _, ev := range exec.ExecutionLog {
		types = append(types, ev.Type)
	}
	return types
}

func increment(_ context.Context, req *steps.Request) steps.Outcome {
	n, _ := req.Input.AsNumber()
	return steps.Succeeded(schema.Number(n + 1))
}

// --- Tests ---

func TestEngine_Execute_SingleStep(t *testing.T) {
	env := newTestEnv(t, nil)
	def := pipeline("p-single", []*schema.Step{agentStep("a")})

	exec, err := env.engine.Execute(context.Background(), def, ExecuteOptions{Input: obj("q", "hi"), TriggeredBy: "test"})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, exec.Status)
	assert.Equal(t, "p-single", exec.PipelineID)
	assert.Equal(t, "test", exec.TriggeredBy)
	assert.NotEmpty(t, exec.ExecutionID)
	assert.NotNil(t, exec.CompletedAt)
	assert.True(t, exec.FinalOutput.Equal(obj("q", "hi")))
	assert.Equal(t, schema.StepSucceeded, result(t, exec, "a").Status)
	assert.Equal(t, 1, result(t, exec, "a").Attempts)

	types := eventTypes(exec)
	assert.Equal(t, schema.EventExecutionStarted, types[0])
	assert.Equal(t, schema.EventExecutionCompleted, types[len(types)-1])
}

func TestEngine_Execute_LinearChainProperty(t *testing.T) {
	env := newTestEnv(t, increment)

	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 8).Draw(rt, "steps")
		start := rapid.IntRange(-100, 100).Draw(rt, "start")

		var stepList []*schema.Step
		var conns []*schema.Connection
		for i := 0; i < n; i++ {
			stepList = append(stepList, agentStep(stepName(i)))
			if i > 0 {
				conns = append(conns, link(stepName(i-1), stepName(i)))
			}
		}

		exec, err := env.engine.Execute(context.Background(), pipeline("p-chain", stepList, conns...), ExecuteOptions{Input: schema.Int(start)})
		require.NoError(rt, err)
		require.Equal(rt, schema.ExecutionCompleted, exec.Status)
		require.Equal(rt, n, exec.StepResults.Len())
		got, ok := exec.FinalOutput.AsNumber()
		require.True(rt, ok)
		require.Equal(rt, float64(start+n), got)

		// results are recorded in execution order
		require.Equal(rt, stepName(0), exec.StepResults.Order()[0])
		require.Equal(rt, stepName(n-1), exec.StepResults.Order()[n-1])
	})
}

func stepName(i int) string {
	return string(rune('a' + i))
}

func TestEngine_Execute_ParallelBranchesRunConcurrently(t *testing.T) {
	started := make(chan string, 3)
	release := make(chan struct{})
	env := newTestEnv(t, func(_ context.Context, req *steps.Request) steps.Outcome {
		started <- req.Step.ID
		<-release
		return steps.Succeeded(schema.String(req.Step.ID))
	})
	def := pipeline("p-fan", []*schema.Step{agentStep("x"), agentStep("y"), agentStep("z")})

	var exec *schema.Execution
	var runErr error
	done := make(chan struct{})
	go func() {
		exec, runErr = env.engine.Execute(context.Background(), def, ExecuteOptions{})
		close(done)
	}()

	seen := make(map[string]bool)
	for i := 0; i < 3; i++ {
		select {
		case id := <-started:
			seen[id] = true
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for branches to start")
		}
	}
	assert.Len(t, seen, 3)
	close(release)
	<-done

	require.NoError(t, runErr)
	assert.Equal(t, schema.ExecutionCompleted, exec.Status)
	// three terminal steps: output keyed by step id
	assert.True(t, exec.FinalOutput.Equal(obj("x", "x", "y", "y", "z", "z")))
}

func TestEngine_Execute_JoinMergesInEitherOrder(t *testing.T) {
	for _, slow := range []string{"left", "right"} {
		t.Run("slow="+slow, func(t *testing.T) {
			env := newTestEnv(t, func(_ context.Context, req *steps.Request) steps.Outcome {
				switch req.Step.ID {
				case "left":
					if slow == "left" {
						time.Sleep(30 * time.Millisecond)
					}
					return steps.Succeeded(obj("l", 1))
				case "right":
					if slow == "right" {
						time.Sleep(30 * time.Millisecond)
					}
					return steps.Succeeded(obj("r", 2))
				}
				return steps.Succeeded(req.Input)
			})
			def := pipeline("p-join",
				[]*schema.Step{agentStep("left"), agentStep("right"), agentStep("join")},
				link("left", "join"), link("right", "join"),
			)

			exec, err := env.engine.Execute(context.Background(), def, ExecuteOptions{})
			require.NoError(t, err)
			assert.Equal(t, schema.ExecutionCompleted, exec.Status)
			assert.Equal(t, 1, env.agent.Calls("join"))
			assert.True(t, result(t, exec, "join").Input.Equal(obj("l", 1, "r", 2)))
		})
	}
}

func TestEngine_Execute_TargetPortsKeepPayloadsApart(t *testing.T) {
	env := newTestEnv(t, func(_ context.Context, req *steps.Request) steps.Outcome {
		if req.Step.ID == "join" {
			return steps.Succeeded(req.Input)
		}
		return steps.Succeeded(schema.String(req.Step.ID))
	})
	def := pipeline("p-ports",
		[]*schema.Step{agentStep("a"), agentStep("b"), agentStep("join")},
		&schema.Connection{Source: "a", Target: "join", TargetPort: "first"},
		&schema.Connection{Source: "b", Target: "join", TargetPort: "second"},
	)

	exec, err := env.engine.Execute(context.Background(), def, ExecuteOptions{})
	require.NoError(t, err)
	assert.True(t, exec.FinalOutput.Equal(obj("first", "a", "second", "b")))
}

func TestEngine_Execute_MissingFieldResolvesToNull(t *testing.T) {
	env := newTestEnv(t, nil)
	step := agentStep("a")
	step.InputMapping = map[string]string{
		"present": "input.name",
		"absent":  "input.missing.deep",
	}
	exec, err := env.engine.Execute(context.Background(), pipeline("p-null", []*schema.Step{step}), ExecuteOptions{Input: obj("name", "n")})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, exec.Status)

	in := result(t, exec, "a").Input
	present, _ := in.Get("present")
	absent, ok := in.Get("absent")
	assert.True(t, present.Equal(schema.String("n")))
	assert.True(t, ok)
	assert.True(t, absent.IsNull())
}

func TestEngine_Execute_ConnectionDataMapping(t *testing.T) {
	env := newTestEnv(t, func(_ context.Context, req *steps.Request) steps.Outcome {
		if req.Step.ID == "a" {
			return steps.Succeeded(obj("answer", 42, "noise", true))
		}
		return steps.Succeeded(req.Input)
	})
	def := pipeline("p-map",
		[]*schema.Step{agentStep("a"), agentStep("b")},
		&schema.Connection{Source: "a", Target: "b", DataMapping: map[string]string{"value": "answer"}},
	)

	exec, err := env.engine.Execute(context.Background(), def, ExecuteOptions{})
	require.NoError(t, err)
	assert.True(t, result(t, exec, "b").Input.Equal(obj("value", 42)))
}

func TestEngine_Execute_ConditionFalseSkipsAndPassesThrough(t *testing.T) {
	env := newTestEnv(t, increment)
	gated := agentStep("b")
	gated.Condition = "config.run_b"
	def := pipeline("p-cond",
		[]*schema.Step{agentStep("a"), gated, agentStep("c")},
		link("a", "b"), link("b", "c"),
	)
	def.GlobalConfig = obj("run_b", false)

	exec, err := env.engine.Execute(context.Background(), def, ExecuteOptions{Input: schema.Int(1)})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, exec.Status)
	assert.Equal(t, schema.StepSkipped, result(t, exec, "b").Status)
	assert.Equal(t, 0, env.agent.Calls("b"))
	assert.True(t, result(t, exec, "b").Output.Equal(schema.Number(2)))
	assert.True(t, exec.FinalOutput.Equal(schema.Number(3)))
}

func TestEngine_Execute_ConditionFalseOnLastStep(t *testing.T) {
	env := newTestEnv(t, increment)
	gated := agentStep("b")
	gated.Condition = "config.run_b"
	def := pipeline("p-cond-last", []*schema.Step{agentStep("a"), gated}, link("a", "b"))
	def.GlobalConfig = obj("run_b", false)

	exec, err := env.engine.Execute(context.Background(), def, ExecuteOptions{Input: schema.Int(1)})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, exec.Status)
	assert.Equal(t, schema.StepSkipped, result(t, exec, "b").Status)
	assert.True(t, exec.FinalOutput.Equal(schema.Number(2)), "bypassed terminal passes its input through")
}

func TestEngine_Execute_OverridesReplaceGlobalConfig(t *testing.T) {
	env := newTestEnv(t, nil)
	gated := agentStep("b")
	gated.Condition = "config.run_b"
	def := pipeline("p-override", []*schema.Step{agentStep("a"), gated}, link("a", "b"))
	def.GlobalConfig = obj("run_b", false)

	exec, err := env.engine.Execute(context.Background(), def, ExecuteOptions{Overrides: obj("run_b", true)})
	require.NoError(t, err)
	assert.Equal(t, schema.StepSucceeded, result(t, exec, "b").Status)
	assert.Equal(t, 1, env.agent.Calls("b"))
}

func TestEngine_Execute_DisabledStepIsBypassed(t *testing.T) {
	env := newTestEnv(t, nil)
	off := agentStep("b")
	off.Enabled = boolPtr(false)
	def := pipeline("p-off", []*schema.Step{agentStep("a"), off, agentStep("c")}, link("a", "b"), link("b", "c"))

	exec, err := env.engine.Execute(context.Background(), def, ExecuteOptions{Input: schema.String("x")})
	require.NoError(t, err)
	assert.Equal(t, schema.StepSkipped, result(t, exec, "b").Status)
	assert.Equal(t, schema.StepSucceeded, result(t, exec, "c").Status)
	assert.True(t, result(t, exec, "c").Input.Equal(schema.String("x")))
}

func TestEngine_Execute_ConditionStepRoutesBranches(t *testing.T) {
	env := newTestEnv(t, nil)
	check := stepOf("check", schema.VariantCondition)
	check.Config = obj("expression", "input.score > 5.0")
	def := pipeline("p-branch",
		[]*schema.Step{check, agentStep("high"), agentStep("after_high")},
		linkOf("check", "high", schema.ConnCondition),
		link("high", "after_high"),
	)

	exec, err := env.engine.Execute(context.Background(), def, ExecuteOptions{Input: obj("score", 7)})
	require.NoError(t, err)
	assert.Equal(t, schema.StepSucceeded, result(t, exec, "high").Status)
	assert.Equal(t, schema.StepSucceeded, result(t, exec, "after_high").Status)

	exec, err = env.engine.Execute(context.Background(), def, ExecuteOptions{Input: obj("score", 2)})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, exec.Status)
	assert.Equal(t, schema.StepSkipped, result(t, exec, "high").Status)
	assert.Equal(t, schema.StepSkipped, result(t, exec, "after_high").Status)
	// the condition step is the only terminal step that succeeded
	assert.True(t, exec.FinalOutput.Equal(schema.Bool(false)))
}

func TestEngine_Execute_TransientFailureRetries(t *testing.T) {
	var calls atomic.Int32
	env := newTestEnv(t, func(_ context.Context, req *steps.Request) steps.Outcome {
		if calls.Add(1) < 3 {
			return steps.Failed(req.Step.ID, schema.NewError(schema.ErrCodeTransient, "container restarting"))
		}
		return steps.Succeeded(schema.String("ok"))
	})

	exec, err := env.engine.Execute(context.Background(), pipeline("p-retry", []*schema.Step{agentStep("a")}), ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, exec.Status)
	res := result(t, exec, "a")
	assert.Equal(t, schema.StepSucceeded, res.Status)
	assert.Equal(t, 3, res.Attempts)

	retrying := 0
	for _, typ := range eventTypes(exec) {
		if typ == schema.EventStepRetrying {
			retrying++
		}
	}
	assert.Equal(t, 2, retrying)
}

func TestEngine_Execute_RetryExhausted(t *testing.T) {
	env := newTestEnv(t, func(_ context.Context, req *steps.Request) steps.Outcome {
		return steps.Failed(req.Step.ID, schema.NewError(schema.ErrCodeTransient, "still down"))
	})
	step := agentStep("a")
	step.MaxRetries = intPtr(2)
	def := pipeline("p-exhaust", []*schema.Step{step, agentStep("b")}, link("a", "b"))

	exec, err := env.engine.Execute(context.Background(), def, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionFailed, exec.Status)
	assert.Equal(t, "a", exec.ErrorStep)
	assert.NotEmpty(t, exec.ErrorMessage)
	assert.Nil(t, exec.FinalOutput.Native())

	res := result(t, exec, "a")
	assert.Equal(t, 3, res.Attempts)
	require.NotNil(t, res.Error)
	assert.Equal(t, schema.ErrCodeRetryExhausted, res.Error.Code)
	assert.Equal(t, schema.StepSkipped, result(t, exec, "b").Status)
	assert.Equal(t, 0, env.agent.Calls("b"))
}

func TestEngine_Execute_FatalFailureIsNotRetried(t *testing.T) {
	env := newTestEnv(t, func(_ context.Context, req *steps.Request) steps.Outcome {
		return steps.Failed(req.Step.ID, errors.New("bad image"))
	})

	exec, err := env.engine.Execute(context.Background(), pipeline("p-fatal", []*schema.Step{agentStep("a")}), ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionFailed, exec.Status)
	res := result(t, exec, "a")
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, schema.ErrCodeExecution, res.Error.Code)
	assert.Equal(t, 1, env.agent.Calls("a"))
}

func TestEngine_Execute_ErrorConnectionAbsorbsFailure(t *testing.T) {
	env := newTestEnv(t, func(_ context.Context, req *steps.Request) steps.Outcome {
		if req.Step.ID == "a" {
			return steps.Failed(req.Step.ID, schema.NewError(schema.ErrCodeNonRetryable, "model refused"))
		}
		return steps.Succeeded(req.Input)
	})
	def := pipeline("p-error",
		[]*schema.Step{agentStep("a"), agentStep("on_ok"), agentStep("on_err")},
		linkOf("a", "on_ok", schema.ConnSuccess),
		linkOf("a", "on_err", schema.ConnError),
	)

	exec, err := env.engine.Execute(context.Background(), def, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, exec.Status)
	assert.Equal(t, schema.StepFailed, result(t, exec, "a").Status)
	assert.Equal(t, schema.StepSkipped, result(t, exec, "on_ok").Status)
	assert.Equal(t, schema.StepSucceeded, result(t, exec, "on_err").Status)
	assert.Contains(t, eventTypes(exec), schema.EventFailureAbsorbed)

	in := result(t, exec, "on_err").Input
	errField, ok := in.Get("error")
	require.True(t, ok)
	code, _ := errField.Get("code")
	assert.True(t, code.Equal(schema.String(schema.ErrCodeNonRetryable)))
}

func TestEngine_Execute_SuccessConnectionOnSuccess(t *testing.T) {
	env := newTestEnv(t, nil)
	def := pipeline("p-success",
		[]*schema.Step{agentStep("a"), agentStep("on_ok"), agentStep("on_err")},
		linkOf("a", "on_ok", schema.ConnSuccess),
		linkOf("a", "on_err", schema.ConnError),
	)

	exec, err := env.engine.Execute(context.Background(), def, ExecuteOptions{Input: schema.Int(5)})
	require.NoError(t, err)
	assert.Equal(t, schema.StepSucceeded, result(t, exec, "on_ok").Status)
	assert.Equal(t, schema.StepSkipped, result(t, exec, "on_err").Status)
	assert.True(t, exec.FinalOutput.Equal(schema.Int(5)))
}

func TestEngine_Execute_FirstFailureInDefinitionOrder(t *testing.T) {
	env := newTestEnv(t, func(_ context.Context, req *steps.Request) steps.Outcome {
		if req.Step.ID == "first" {
			time.Sleep(30 * time.Millisecond)
		}
		return steps.Failed(req.Step.ID, schema.NewError(schema.ErrCodeNonRetryable, "boom"))
	})
	def := pipeline("p-order", []*schema.Step{agentStep("first"), agentStep("second")})

	exec, err := env.engine.Execute(context.Background(), def, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionFailed, exec.Status)
	assert.Equal(t, "first", exec.ErrorStep)
	// the whole wave is joined before the execution fails
	assert.Equal(t, schema.StepFailed, result(t, exec, "second").Status)
}

func TestEngine_Execute_StepTimeout(t *testing.T) {
	env := newTestEnv(t, func(ctx context.Context, req *steps.Request) steps.Outcome {
		<-ctx.Done()
		return steps.Failed(req.Step.ID, ctx.Err())
	})
	step := agentStep("slow")
	step.TimeoutSeconds = 1
	step.MaxRetries = intPtr(0)

	exec, err := env.engine.Execute(context.Background(), pipeline("p-timeout", []*schema.Step{step}), ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionFailed, exec.Status)
	assert.Equal(t, schema.ErrCodeTimeout, result(t, exec, "slow").Error.Code)
}

func TestEngine_Execute_InvalidDefinitionRejected(t *testing.T) {
	ev, err := expressions.NewEvaluator(nil)
	require.NoError(t, err)
	validator, err := validation.NewPipelineValidator(ev)
	require.NoError(t, err)
	eng, err := New(steps.Deps{}, nil, Config{Validator: validator, Logger: discardLogger()})
	require.NoError(t, err)
	defer eng.Close()

	def := pipeline("p-cycle",
		[]*schema.Step{agentStep("a"), agentStep("b")},
		link("a", "b"), link("b", "a"),
	)
	exec, err := eng.Execute(context.Background(), def, ExecuteOptions{})
	require.Error(t, err)
	assert.Nil(t, exec)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = eng.Execute(context.Background(), nil, ExecuteOptions{})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestEngine_Execute_DuplicateExecutionIDConflicts(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	env := newTestEnv(t, func(_ context.Context, req *steps.Request) steps.Outcome {
		started <- struct{}{}
		<-release
		return steps.Succeeded(req.Input)
	})
	def := pipeline("p-dup", []*schema.Step{agentStep("a")})

	done := make(chan struct{})
	go func() {
		_, _ = env.engine.Execute(context.Background(), def, ExecuteOptions{ExecutionID: "exec-dup"})
		close(done)
	}()
	<-started

	_, err := env.engine.Execute(context.Background(), def, ExecuteOptions{ExecutionID: "exec-dup"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))

	running, err := env.engine.Status(context.Background(), "exec-dup")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionRunning, running.Status)

	close(release)
	<-done
}

func TestEngine_Approval_Approve(t *testing.T) {
	env := newTestEnv(t, nil)
	gate := stepOf("gate", schema.VariantHumanApproval)
	gate.Config = obj("message", "ship it?")
	def := pipeline("p-approve",
		[]*schema.Step{agentStep("draft"), gate, agentStep("publish")},
		link("draft", "gate"), link("gate", "publish"),
	)
	ctx := context.Background()

	exec, err := env.engine.Execute(ctx, def, ExecuteOptions{Input: schema.String("text")})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionWaitingApproval, exec.Status)
	assert.Equal(t, []string{"gate"}, exec.WaitingSteps)
	assert.Equal(t, schema.StepWaiting, result(t, exec, "gate").Status)
	assert.Equal(t, 0, env.agent.Calls("publish"))
	assert.Contains(t, eventTypes(exec), schema.EventExecutionSuspended)

	stored, err := env.engine.Status(ctx, exec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionWaitingApproval, stored.Status)

	exec, err = env.engine.Resume(ctx, &schema.ApprovalRequest{
		ExecutionID: exec.ExecutionID,
		StepID:      "gate",
		Decision:    schema.DecisionApprove,
		DecidedBy:   "reviewer",
	})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, exec.Status)
	assert.Empty(t, exec.WaitingSteps)
	assert.Equal(t, schema.StepSucceeded, result(t, exec, "gate").Status)
	assert.True(t, result(t, exec, "publish").Input.Equal(schema.String("text")))

	decision, ok := result(t, exec, "gate").Port(steps.DecisionPort)
	require.True(t, ok)
	by, _ := decision.Get("decided_by")
	assert.True(t, by.Equal(schema.String("reviewer")))

	types := eventTypes(exec)
	assert.Contains(t, types, schema.EventApprovalReceived)
	assert.Contains(t, types, schema.EventExecutionResumed)
	for i, ev := range exec.ExecutionLog {
		assert.Equal(t, int64(i+1), ev.Sequence)
	}

	_, err = env.engine.Resume(ctx, &schema.ApprovalRequest{ExecutionID: exec.ExecutionID, StepID: "gate", Decision: schema.DecisionApprove})
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))
}

func TestEngine_Approval_RejectFailsExecution(t *testing.T) {
	env := newTestEnv(t, nil)
	def := pipeline("p-reject",
		[]*schema.Step{stepOf("gate", schema.VariantHumanApproval), agentStep("publish")},
		link("gate", "publish"),
	)
	ctx := context.Background()

	exec, err := env.engine.Execute(ctx, def, ExecuteOptions{})
	require.NoError(t, err)

	exec, err = env.engine.Resume(ctx, &schema.ApprovalRequest{
		ExecutionID: exec.ExecutionID,
		StepID:      "gate",
		Decision:    schema.DecisionReject,
		Comment:     "no",
	})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionFailed, exec.Status)
	assert.Equal(t, "gate", exec.ErrorStep)
	assert.Equal(t, schema.ErrCodeRejected, result(t, exec, "gate").Error.Code)
	assert.Equal(t, schema.StepSkipped, result(t, exec, "publish").Status)
}

func TestEngine_Approval_RejectRoutedToErrorConnection(t *testing.T) {
	env := newTestEnv(t, nil)
	def := pipeline("p-reject-route",
		[]*schema.Step{stepOf("gate", schema.VariantHumanApproval), agentStep("publish"), agentStep("notify")},
		link("gate", "publish"),
		linkOf("gate", "notify", schema.ConnError),
	)
	ctx := context.Background()

	exec, err := env.engine.Execute(ctx, def, ExecuteOptions{})
	require.NoError(t, err)
	exec, err = env.engine.Resume(ctx, &schema.ApprovalRequest{ExecutionID: exec.ExecutionID, StepID: "gate", Decision: schema.DecisionReject})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, exec.Status)
	assert.Equal(t, schema.StepSucceeded, result(t, exec, "notify").Status)
	assert.Equal(t, schema.StepSkipped, result(t, exec, "publish").Status)
}

func TestEngine_Approval_ResumeFromAnotherEngine(t *testing.T) {
	store := NewMemoryStore()
	first, err := New(steps.Deps{}, store, Config{Logger: discardLogger()})
	require.NoError(t, err)
	defer first.Close()
	first.Registry().Replace(&fakeAgent{})

	def := pipeline("p-handoff",
		[]*schema.Step{agentStep("a"), stepOf("gate", schema.VariantHumanApproval), agentStep("b")},
		link("a", "gate"), link("gate", "b"),
	)
	ctx := context.Background()
	exec, err := first.Execute(ctx, def, ExecuteOptions{Input: schema.Int(9)})
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionWaitingApproval, exec.Status)

	second, err := New(steps.Deps{}, store, Config{Logger: discardLogger()})
	require.NoError(t, err)
	defer second.Close()
	agent := &fakeAgent{}
	second.Registry().Replace(agent)

	resumed, err := second.Resume(ctx, &schema.ApprovalRequest{ExecutionID: exec.ExecutionID, StepID: "gate", Decision: schema.DecisionApprove})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, resumed.Status)
	assert.Equal(t, 1, agent.Calls("b"))
	assert.Equal(t, 0, agent.Calls("a"))
	assert.True(t, resumed.FinalOutput.Equal(schema.Int(9)))
	assert.Len(t, store.Events(exec.ExecutionID), len(resumed.ExecutionLog))
}

func TestEngine_Approval_TwoGatesNeedTwoDecisions(t *testing.T) {
	env := newTestEnv(t, nil)
	def := pipeline("p-two-gates",
		[]*schema.Step{stepOf("legal", schema.VariantHumanApproval), stepOf("brand", schema.VariantHumanApproval), agentStep("ship")},
		link("legal", "ship"), link("brand", "ship"),
	)
	ctx := context.Background()

	exec, err := env.engine.Execute(ctx, def, ExecuteOptions{Input: obj("doc", "v1")})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"legal", "brand"}, exec.WaitingSteps)

	exec, err = env.engine.Resume(ctx, &schema.ApprovalRequest{ExecutionID: exec.ExecutionID, StepID: "legal", Decision: schema.DecisionApprove})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionWaitingApproval, exec.Status)
	assert.Equal(t, []string{"brand"}, exec.WaitingSteps)

	exec, err = env.engine.Resume(ctx, &schema.ApprovalRequest{ExecutionID: exec.ExecutionID, StepID: "brand", Decision: schema.DecisionApprove})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, exec.Status)
	assert.Equal(t, 1, env.agent.Calls("ship"))
}

func TestEngine_Cancel_Running(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	env := newTestEnv(t, func(_ context.Context, req *steps.Request) steps.Outcome {
		if req.Step.ID == "a" {
			started <- struct{}{}
			<-release
		}
		return steps.Succeeded(req.Input)
	})
	def := pipeline("p-cancel", []*schema.Step{agentStep("a"), agentStep("b")}, link("a", "b"))
	ctx := context.Background()

	var exec *schema.Execution
	done := make(chan struct{})
	go func() {
		exec, _ = env.engine.Execute(ctx, def, ExecuteOptions{ExecutionID: "exec-cancel"})
		close(done)
	}()
	<-started
	require.NoError(t, env.engine.Cancel(ctx, "exec-cancel"))
	close(release)
	<-done

	require.NotNil(t, exec)
	assert.Equal(t, schema.ExecutionCancelled, exec.Status)
	// the running step kept its budget and finished
	assert.Equal(t, schema.StepSucceeded, result(t, exec, "a").Status)
	assert.Equal(t, schema.StepSkipped, result(t, exec, "b").Status)
	assert.Equal(t, 0, env.agent.Calls("b"))

	stored, err := env.engine.Status(ctx, "exec-cancel")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCancelled, stored.Status)
}

// cancelWhileRunning starts exec-id on a two step chain, cancels it once
// step a is running and returns the sealed record.
func cancelWhileRunning(t *testing.T, env *testEnv, started <-chan struct{}, execID string) *schema.Execution {
	t.Helper()
	a := agentStep("a")
	a.TimeoutSeconds = 1
	def := pipeline("p-"+execID, []*schema.Step{a, agentStep("b")}, link("a", "b"))
	ctx := context.Background()

	var exec *schema.Execution
	var execErr error
	done := make(chan struct{})
	go func() {
		exec, execErr = env.engine.Execute(ctx, def, ExecuteOptions{ExecutionID: execID})
		close(done)
	}()
	<-started
	require.NoError(t, env.engine.Cancel(ctx, execID))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled execution was not sealed")
	}
	require.NoError(t, execErr)
	require.NotNil(t, exec)
	return exec
}

func TestEngine_Cancel_RunningStepTimesOut(t *testing.T) {
	started := make(chan struct{}, 1)
	env := newTestEnv(t, func(ctx context.Context, req *steps.Request) steps.Outcome {
		if req.Step.ID == "a" {
			started <- struct{}{}
			<-ctx.Done()
			return steps.Failed(req.Step.ID, ctx.Err())
		}
		return steps.Succeeded(req.Input)
	})

	exec := cancelWhileRunning(t, env, started, "exec-cancel-timeout")

	assert.Equal(t, schema.ExecutionCancelled, exec.Status)
	assert.Empty(t, exec.ErrorStep)
	a := result(t, exec, "a")
	assert.Equal(t, schema.StepFailed, a.Status)
	require.NotNil(t, a.Error)
	assert.Equal(t, schema.ErrCodeCancelled, a.Error.Code)
	assert.Equal(t, 1, env.agent.Calls("a"), "a cancelled step is not retried")
	assert.Equal(t, schema.StepSkipped, result(t, exec, "b").Status)
}

func TestEngine_Cancel_RunningStepTransientDeadline(t *testing.T) {
	// container runtimes report a killed run as a transient failure
	started := make(chan struct{}, 1)
	env := newTestEnv(t, func(ctx context.Context, req *steps.Request) steps.Outcome {
		if req.Step.ID == "a" {
			started <- struct{}{}
			<-ctx.Done()
			return steps.Failed(req.Step.ID, schema.NewError(schema.ErrCodeTransient, "container run timed out").WithCause(ctx.Err()))
		}
		return steps.Succeeded(req.Input)
	})

	exec := cancelWhileRunning(t, env, started, "exec-cancel-transient")

	assert.Equal(t, schema.ExecutionCancelled, exec.Status)
	a := result(t, exec, "a")
	require.NotNil(t, a.Error)
	assert.Equal(t, schema.ErrCodeCancelled, a.Error.Code)
	assert.Equal(t, 1, env.agent.Calls("a"))
}

func TestEngine_Cancel_RunningStepFailsAfterCancel(t *testing.T) {
	started := make(chan struct{}, 1)
	env := newTestEnv(t, func(_ context.Context, req *steps.Request) steps.Outcome {
		if req.Step.ID == "a" {
			started <- struct{}{}
			time.Sleep(50 * time.Millisecond)
			return steps.Failed(req.Step.ID, schema.NewError(schema.ErrCodeFatal, "bad input"))
		}
		return steps.Succeeded(req.Input)
	})

	exec := cancelWhileRunning(t, env, started, "exec-cancel-fatal")

	assert.Equal(t, schema.ExecutionCancelled, exec.Status)
	assert.Empty(t, exec.ErrorStep)
	assert.Equal(t, schema.ErrCodeFatal, result(t, exec, "a").Error.Code)
}

func TestEngine_Close_SealsRunningExecutions(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	store := NewMemoryStore()
	eng, err := New(steps.Deps{}, store, Config{PoolSize: 2, Logger: discardLogger()})
	require.NoError(t, err)
	eng.Registry().Replace(&fakeAgent{fn: func(_ context.Context, req *steps.Request) steps.Outcome {
		if req.Step.ID == "a" {
			started <- struct{}{}
			<-release
		}
		return steps.Succeeded(req.Input)
	}})
	def := pipeline("p-close", []*schema.Step{agentStep("a"), agentStep("b")}, link("a", "b"))
	ctx := context.Background()

	go func() { _, _ = eng.Execute(ctx, def, ExecuteOptions{ExecutionID: "exec-close"}) }()
	<-started

	closed := make(chan struct{})
	go func() {
		eng.Close()
		close(closed)
	}()
	select {
	case <-closed:
		t.Fatal("Close returned while a step was still running")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	<-closed

	stored, err := store.GetExecution(ctx, "exec-close")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCancelled, stored.Status)
	assert.Equal(t, schema.StepSucceeded, result(t, stored, "a").Status)
	assert.Equal(t, schema.StepSkipped, result(t, stored, "b").Status)

	_, err = eng.Execute(ctx, def, ExecuteOptions{})
	assert.True(t, schema.HasCode(err, schema.ErrCodeCancelled))
}

func TestEngine_Cancel_Suspended(t *testing.T) {
	env := newTestEnv(t, nil)
	def := pipeline("p-cancel-wait",
		[]*schema.Step{stepOf("gate", schema.VariantHumanApproval), agentStep("after")},
		link("gate", "after"),
	)
	ctx := context.Background()

	exec, err := env.engine.Execute(ctx, def, ExecuteOptions{})
	require.NoError(t, err)
	require.NoError(t, env.engine.Cancel(ctx, exec.ExecutionID))

	stored, err := env.engine.Status(ctx, exec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCancelled, stored.Status)
	assert.Equal(t, schema.StepFailed, result(t, stored, "gate").Status)
	assert.Equal(t, schema.ErrCodeCancelled, result(t, stored, "gate").Error.Code)
	assert.Equal(t, schema.StepSkipped, result(t, stored, "after").Status)

	_, err = env.engine.Resume(ctx, &schema.ApprovalRequest{ExecutionID: exec.ExecutionID, StepID: "gate", Decision: schema.DecisionApprove})
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))

	err = env.engine.Cancel(ctx, exec.ExecutionID)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))
}

func TestEngine_Cancel_Unknown(t *testing.T) {
	env := newTestEnv(t, nil)
	err := env.engine.Cancel(context.Background(), "nope")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))

	_, err = env.engine.Status(context.Background(), "nope")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestEngine_Loop_RunsBodyPerItem(t *testing.T) {
	env := newTestEnv(t, func(_ context.Context, req *steps.Request) steps.Outcome {
		n, _ := req.Input.AsNumber()
		return steps.Succeeded(schema.Number(n * 2))
	})
	def := pipeline("p-loop",
		[]*schema.Step{stepOf("each", schema.VariantLoop), agentStep("double")},
		link("each", "double"),
		link("double", "each"),
	)

	exec, err := env.engine.Execute(context.Background(), def, ExecuteOptions{
		Input: schema.Sequence(schema.Int(1), schema.Int(2), schema.Int(3)),
	})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, exec.Status)

	want := schema.Sequence(schema.Int(2), schema.Int(4), schema.Int(6))
	assert.True(t, result(t, exec, "each").Output.Equal(want))
	body := result(t, exec, "double")
	assert.Equal(t, schema.StepSucceeded, body.Status)
	assert.True(t, body.Output.Equal(want))
	assert.Equal(t, 3, body.Attempts)
	assert.True(t, exec.FinalOutput.Equal(want))
	assert.Equal(t, 3, env.agent.Calls("double"))
	assert.Equal(t, []string{"each", "double"}, exec.StepResults.Order())
}

func TestEngine_Loop_BodyFailureFailsLoop(t *testing.T) {
	env := newTestEnv(t, func(_ context.Context, req *steps.Request) steps.Outcome {
		if n, _ := req.Input.AsNumber(); n == 2 {
			return steps.Failed(req.Step.ID, schema.NewError(schema.ErrCodeNonRetryable, "cannot handle 2"))
		}
		return steps.Succeeded(req.Input)
	})
	def := pipeline("p-loop-fail",
		[]*schema.Step{stepOf("each", schema.VariantLoop), agentStep("work"), agentStep("after")},
		link("each", "work"),
		link("work", "after"),
	)

	exec, err := env.engine.Execute(context.Background(), def, ExecuteOptions{
		Input: schema.Sequence(schema.Int(1), schema.Int(2), schema.Int(3)),
	})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionFailed, exec.Status)
	assert.Equal(t, "each", exec.ErrorStep)
	assert.Equal(t, schema.StepSkipped, result(t, exec, "work").Status)
	assert.Equal(t, schema.StepSkipped, result(t, exec, "after").Status)
	assert.Equal(t, 2, env.agent.Calls("work"))
}

func TestEngine_Loop_BodyOutputFeedsDownstream(t *testing.T) {
	env := newTestEnv(t, nil)
	def := pipeline("p-loop-down",
		[]*schema.Step{stepOf("each", schema.VariantLoop), agentStep("work"), agentStep("collect")},
		link("each", "work"),
		link("work", "collect"),
	)

	exec, err := env.engine.Execute(context.Background(), def, ExecuteOptions{
		Input: schema.Sequence(schema.String("x"), schema.String("y")),
	})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, exec.Status)
	assert.True(t, result(t, exec, "collect").Input.Equal(schema.Sequence(schema.String("x"), schema.String("y"))))
}

func TestEngine_Parallel_MaxConcurrency(t *testing.T) {
	var inflight, peak atomic.Int32
	env := newTestEnv(t, func(_ context.Context, req *steps.Request) steps.Outcome {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inflight.Add(-1)
		return steps.Succeeded(req.Input)
	})
	fan := stepOf("fan", schema.VariantParallel)
	fan.Config = obj("max_concurrency", 1)
	def := pipeline("p-bounded",
		[]*schema.Step{fan, agentStep("b1"), agentStep("b2"), agentStep("b3")},
		link("fan", "b1"), link("fan", "b2"), link("fan", "b3"),
	)

	exec, err := env.engine.Execute(context.Background(), def, ExecuteOptions{Input: schema.Int(1)})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, exec.Status)
	assert.Equal(t, int32(1), peak.Load())
	assert.Equal(t, 1, env.agent.Calls("b3"))
}

func TestEngine_PublisherReceivesEvents(t *testing.T) {
	pub := &recordingPublisher{}
	eng, err := New(steps.Deps{}, nil, Config{Publisher: pub, Metrics: NewMetrics(), Logger: discardLogger()})
	require.NoError(t, err)
	defer eng.Close()
	eng.Registry().Replace(&fakeAgent{})

	exec, err := eng.Execute(context.Background(), pipeline("p-pub", []*schema.Step{agentStep("a")}), ExecuteOptions{})
	require.NoError(t, err)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.events, len(exec.ExecutionLog))
	assert.Equal(t, exec.ExecutionID, pub.events[0].ExecutionID)
}

func BenchmarkEngine_LinearChain(b *testing.B) {
	env := newTestEnv(b, increment)
	var stepList []*schema.Step
	var conns []*schema.Connection
	for i := 0; i < 10; i++ {
		stepList = append(stepList, agentStep(stepName(i)))
		if i > 0 {
			conns = append(conns, link(stepName(i-1), stepName(i)))
		}
	}
	def := pipeline("p-bench", stepList, conns...)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := env.engine.Execute(context.Background(), def, ExecuteOptions{Input: schema.Int(0)}); err != nil {
			b.Fatal(err)
		}
	}
}
