package steps

import (
	"context"

	"github.com/rendis/agentpipe/internal/expressions"
	"github.com/rendis/agentpipe/pkg/schema"
)

// MaxIterationsLimit is the hard ceiling for config.max_iterations.
const MaxIterationsLimit = 10000

// LoopExecutor runs the loop body once per element of a collection and
// returns the ordered iteration outputs.
//
// The collection is config.items resolved against the execution context, or
// the step input when no items path is configured. A null collection runs
// zero iterations. Collections longer than max_iterations are truncated.
type LoopExecutor struct {
	mapper *expressions.Mapper
}

func NewLoopExecutor(m *expressions.Mapper) *LoopExecutor {
	return &LoopExecutor{mapper: m}
}

func (*LoopExecutor) Variant() schema.StepVariant { return schema.VariantLoop }

func (e *LoopExecutor) Run(ctx context.Context, req *Request) Outcome {
	items, err := e.collection(ctx, req)
	if err != nil {
		return Failed(req.Step.ID, err)
	}

	limit := MaxIterations(req.Step)
	if len(items) > limit {
		req.emit(schema.EventLoopTruncated, map[string]any{"items": len(items), "max_iterations": limit})
		items = items[:limit]
	}

	results := make([]schema.Value, 0, len(items))
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return Failed(req.Step.ID, schema.NewErrorf(schema.ErrCodeCancelled,
				"loop interrupted before iteration %d", i).WithCause(err))
		}
		req.emit(schema.EventLoopIterStarted, map[string]any{"index": i})

		out := item
		if req.Body != nil {
			out, err = req.Body.RunIteration(ctx, item, i)
			if err != nil {
				return Failed(req.Step.ID, schema.AsError(err, schema.ErrCodeStepFailed).
					WithDetails(map[string]any{"iteration": i}))
			}
		}
		results = append(results, out)
		req.emit(schema.EventLoopIterCompleted, map[string]any{"index": i})
	}
	return Succeeded(schema.Sequence(results...))
}

func (e *LoopExecutor) collection(ctx context.Context, req *Request) ([]schema.Value, error) {
	src := req.Input
	if path := configString(req.Step, "items", ""); path != "" {
		v, err := e.mapper.Resolve(ctx, path, req.scope())
		if err != nil {
			return nil, schema.AsError(err, schema.ErrCodeExpression)
		}
		src = v
	}
	switch src.Kind() {
	case schema.KindNull:
		return nil, nil
	case schema.KindSequence:
		return src.Items(), nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeNonRetryable, "loop collection must be a sequence, got %s", src.Kind())
}

// MaxIterations returns the effective iteration bound of a Loop step.
func MaxIterations(step *schema.Step) int {
	n := configInt(step, "max_iterations", schema.DefaultLoopIterations)
	switch {
	case n <= 0:
		return schema.DefaultLoopIterations
	case n > MaxIterationsLimit:
		return MaxIterationsLimit
	}
	return n
}
