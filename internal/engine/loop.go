package engine

import (
	"context"
	"time"

	"github.com/rendis/agentpipe/internal/expressions"
	"github.com/rendis/agentpipe/internal/steps"
	"github.com/rendis/agentpipe/pkg/schema"
)

// bodyResult accumulates what one loop body step did across iterations.
type bodyResult struct {
	inputs   []schema.Value
	outputs  []schema.Value
	attempts int
}

// loopBody runs the body sub-graph of a loop once per item. Body steps run
// sequentially in connection order inside the loop's own attempt, against a
// scope extended with the loop variables.
type loopBody struct {
	e       *Engine
	r       *run
	loop    *schema.Step
	ids     []string
	results map[string]*bodyResult
}

func (e *Engine) newLoopBody(_ context.Context, r *run, loop *schema.Step) *loopBody {
	return &loopBody{e: e, r: r, loop: loop, ids: r.g.Body[loop.ID]}
}

// RunIteration implements steps.BodyRunner. A single body step yields its
// output; several yield step id -> output.
func (b *loopBody) RunIteration(ctx context.Context, item schema.Value, index int) (schema.Value, error) {
	if index == 0 || b.results == nil {
		// a retried loop attempt starts over
		b.results = make(map[string]*bodyResult, len(b.ids))
		for _, id := range b.ids {
			b.results[id] = &bodyResult{}
		}
	}
	if len(b.ids) == 0 {
		return item, nil
	}

	scope := b.r.scope.WithLoopVars(item, index)
	outputs := make(map[string]schema.Value, len(b.ids))
	for _, id := range b.ids {
		step := b.r.g.Step(id)
		acc := b.results[id]

		input, run, err := b.prepare(ctx, step, item, scope.Build())
		if err != nil {
			return schema.Null(), err
		}
		out := input
		if run {
			outcome, attempts, _ := b.e.attempts(ctx, b.r, step, input, scope, nil, false)
			acc.attempts += attempts
			switch outcome.Status {
			case schema.StepFailed:
				return schema.Null(), outcome.Err.WithDetails(map[string]any{"body_step": id, "iteration": index})
			case schema.StepWaiting:
				return schema.Null(), schema.NewErrorf(schema.ErrCodeValidation,
					"step %q cannot wait for approval inside loop %q", id, b.loop.ID).WithStep(id)
			}
			out = outcome.Output
		}
		acc.inputs = append(acc.inputs, input)
		acc.outputs = append(acc.outputs, out)
		outputs[id] = out
	}

	if len(b.ids) == 1 {
		return outputs[b.ids[0]], nil
	}
	return schema.Mapping(outputs), nil
}

// prepare resolves a body step input for one iteration and decides whether
// the step runs. Disabled or condition-false body steps pass the input
// through.
func (b *loopBody) prepare(ctx context.Context, step *schema.Step, item, scope schema.Value) (schema.Value, bool, error) {
	e := b.e
	base := item
	run := step.IsEnabled()
	if conn, err := b.r.g.BodyConn(b.loop.ID, step.ID); err == nil {
		payload, err := e.mapper.ApplyConnection(ctx, conn, item)
		if err != nil {
			return schema.Null(), false, schema.AsError(err, schema.ErrCodeExpression).WithStep(step.ID)
		}
		base = expressions.MergePayload(schema.Null(), conn.ToPort(), payload)
		if run && conn.Condition != "" {
			ok, err := e.evaluator.EvalBool(ctx, conn.Condition, scope)
			if err != nil {
				return schema.Null(), false, schema.AsError(err, schema.ErrCodeExpression).WithStep(step.ID)
			}
			run = ok
		}
	}

	input, err := e.mapper.ResolveInput(ctx, step, base, scope)
	if err != nil {
		return schema.Null(), false, err
	}
	if run && step.Condition != "" {
		ok, err := e.evaluator.EvalBool(ctx, step.Condition, scope)
		if err != nil {
			return schema.Null(), false, schema.AsError(err, schema.ErrCodeExpression).WithStep(step.ID)
		}
		run = ok
	}
	return input, run, nil
}

// settleBody records the body steps of a finished loop. On success each
// body step succeeds with the sequence of its per-iteration outputs; on
// failure or skip the body is skipped and its connections die.
func (e *Engine) settleBody(ctx context.Context, r *run, loop *schema.Step, results map[string]*bodyResult, ok bool) {
	for _, id := range r.g.Body[loop.ID] {
		if r.frontier.Status(id) != schema.StepPending {
			continue
		}
		if !ok {
			e.skip(ctx, r, id, schema.Null(), "loop "+loop.ID+" did not succeed")
			continue
		}

		acc := results[id]
		if acc == nil {
			acc = &bodyResult{}
		}
		now := time.Now().UTC()
		output := schema.Sequence(acc.outputs...)
		e.transitionStep(ctx, r, id, schema.StepRunning, map[string]any{"loop": loop.ID})
		e.transitionStep(ctx, r, id, schema.StepSucceeded, map[string]any{
			"iterations": len(acc.outputs),
			"attempts":   acc.attempts,
		})
		r.rec.Put(&schema.StepResult{
			StepID:     id,
			Status:     schema.StepSucceeded,
			Input:      schema.Sequence(acc.inputs...),
			Output:     output,
			Ports:      map[string]schema.Value{schema.DefaultPort: output},
			Attempts:   acc.attempts,
			StartedAt:  now,
			FinishedAt: &now,
		})
		e.addScope(ctx, r, id, schema.StepSucceeded, output)
	}
}

var _ steps.BodyRunner = (*loopBody)(nil)
