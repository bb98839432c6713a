package expressions

import (
	"context"
	"testing"

	"github.com/rendis/agentpipe/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluator_DefaultsToCEL(t *testing.T) {
	ev, err := NewEvaluator(nil)
	require.NoError(t, err)
	assert.Equal(t, EngineCEL, ev.Engine().Name())
}

func TestEvaluator_EmptyConditionIsTrue(t *testing.T) {
	ev, err := NewEvaluator(nil)
	require.NoError(t, err)

	ok, err := ev.EvalBool(context.Background(), "", schema.Null())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluator_EvalBoolBothEngines(t *testing.T) {
	scope := NewScopeBuilder(
		schema.Mapping(map[string]schema.Value{"limit": schema.Int(10)}),
		schema.Mapping(map[string]schema.Value{"size": schema.Int(4)}),
	)
	require.NoError(t, scope.AddStepOutput("measure", schema.StepSucceeded,
		schema.Mapping(map[string]schema.Value{"ok": schema.Bool(true)})))

	cel, err := NewCELEngine()
	require.NoError(t, err)
	for _, engine := range []Engine{cel, NewExprEngine()} {
		ev, err := NewEvaluator(engine)
		require.NoError(t, err)

		ok, err := ev.EvalBool(context.Background(), "input.size < config.limit && measure.ok", scope.Build())
		require.NoError(t, err, engine.Name())
		assert.True(t, ok, engine.Name())

		ok, err = ev.EvalBool(context.Background(), "limit < 5", scope.Build())
		require.NoError(t, err, engine.Name())
		assert.False(t, ok, engine.Name())
	}
}

func TestEvaluator_NonBoolIsExpressionError(t *testing.T) {
	ev, err := NewEvaluator(nil)
	require.NoError(t, err)

	_, err = ev.EvalBool(context.Background(), `"yes"`, schema.EmptyMapping())
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExpression))
}

func TestEvaluator_Eval(t *testing.T) {
	ev, err := NewEvaluator(NewExprEngine())
	require.NoError(t, err)

	v, err := ev.Eval(context.Background(), "input.a + input.b", schema.Mapping(map[string]schema.Value{
		"input": schema.Mapping(map[string]schema.Value{"a": schema.Int(2), "b": schema.Int(3)}),
	}))
	require.NoError(t, err)
	assert.True(t, v.Equal(schema.Int(5)))
}

func TestEvaluator_Check(t *testing.T) {
	ev, err := NewEvaluator(nil)
	require.NoError(t, err)

	assert.NoError(t, ev.Check("review.approved", []string{"review"}))
	assert.Error(t, ev.Check("review.approved", nil))
}
