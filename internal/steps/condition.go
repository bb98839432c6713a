package steps

import (
	"context"

	"github.com/rendis/agentpipe/internal/expressions"
	"github.com/rendis/agentpipe/pkg/schema"
)

// ConditionExecutor evaluates config.expression. The boolean result is the
// step output; downstream Condition connections fire only when it is true.
type ConditionExecutor struct {
	evaluator *expressions.Evaluator
}

func NewConditionExecutor(ev *expressions.Evaluator) *ConditionExecutor {
	return &ConditionExecutor{evaluator: ev}
}

func (*ConditionExecutor) Variant() schema.StepVariant { return schema.VariantCondition }

// Run fails, without retry, when the expression cannot be evaluated to a bool.
func (e *ConditionExecutor) Run(ctx context.Context, req *Request) Outcome {
	expr := configString(req.Step, "expression", "")
	if expr == "" {
		return Failed(req.Step.ID, schema.NewError(schema.ErrCodeValidation, "condition step has no expression"))
	}
	ok, err := e.evaluator.EvalBool(ctx, expr, req.scope())
	if err != nil {
		return Failed(req.Step.ID, schema.AsError(err, schema.ErrCodeExpression))
	}
	return Succeeded(schema.Bool(ok))
}
