package expressions

import (
	"context"
	"strings"

	"github.com/rendis/agentpipe/pkg/schema"
)

// Evaluator is the Condition Evaluator: it decides step conditions,
// connection conditions and Condition-step expressions.
type Evaluator struct {
	engine Engine
}

// NewEvaluator wraps a condition engine. A nil engine falls back to CEL.
func NewEvaluator(engine Engine) (*Evaluator, error) {
	if engine == nil {
		cel, err := NewCELEngine()
		if err != nil {
			return nil, err
		}
		engine = cel
	}
	return &Evaluator{engine: engine}, nil
}

// Engine returns the underlying engine.
func (ev *Evaluator) Engine() Engine { return ev.engine }

// Eval evaluates expression against the context mapping and returns the raw result.
func (ev *Evaluator) Eval(ctx context.Context, expression string, scope schema.Value) (schema.Value, error) {
	out, err := ev.engine.Evaluate(ctx, expression, scope.NativeMap())
	if err != nil {
		return schema.Null(), schema.AsError(err, schema.ErrCodeExpression)
	}
	return schema.FromNative(out), nil
}

// EvalBool evaluates a boolean expression. An empty expression is true.
// A result that is not a boolean is an expression error.
func (ev *Evaluator) EvalBool(ctx context.Context, expression string, scope schema.Value) (bool, error) {
	if strings.TrimSpace(expression) == "" {
		return true, nil
	}
	v, err := ev.Eval(ctx, expression, scope)
	if err != nil {
		return false, err
	}
	b, ok := v.AsBool()
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeExpression,
			"condition %q evaluated to %s, want bool", expression, v.Kind()).
			WithDetails(map[string]any{"expression": expression, "result": v.String()})
	}
	return b, nil
}

// Check validates expression ahead of execution with names declared in scope.
// Engines without a checker accept every expression.
func (ev *Evaluator) Check(expression string, names []string) error {
	if c, ok := ev.engine.(Checker); ok {
		return c.Check(expression, names)
	}
	return nil
}
