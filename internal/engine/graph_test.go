package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentpipe/pkg/schema"
)

func TestNewGraph_IndexesConnections(t *testing.T) {
	def := pipeline("p",
		[]*schema.Step{stepOf("loop", schema.VariantLoop), agentStep("body"), agentStep("after")},
		link("loop", "body"),
		link("body", "loop"),
		linkOf("loop", "after", schema.ConnSuccess),
	)
	g, err := NewGraph(def)
	require.NoError(t, err)

	assert.Equal(t, []string{"loop", "body", "after"}, g.Order)
	assert.Len(t, g.Conns, 2, "back-edge is not scheduled")
	assert.True(t, g.IsEntry("loop"))
	assert.False(t, g.IsEntry("body"))
	assert.True(t, g.InBody("body"))
	assert.False(t, g.InBody("after"))
	assert.Equal(t, []string{"body"}, g.Body["loop"])
	assert.Equal(t, "loop", g.Owner["body"])

	c, err := g.BodyConn("loop", "body")
	require.NoError(t, err)
	assert.Equal(t, "loop", c.Source)
	_, err = g.BodyConn("loop", "after")
	assert.Error(t, err)
}

func TestNewGraph_Rejects(t *testing.T) {
	tests := []struct {
		name string
		def  *schema.PipelineDefinition
	}{
		{"nil", nil},
		{"no steps", pipeline("p", nil)},
		{"empty id", pipeline("p", []*schema.Step{agentStep("")})},
		{"duplicate id", pipeline("p", []*schema.Step{agentStep("a"), agentStep("a")})},
		{"unknown source", pipeline("p", []*schema.Step{agentStep("a")}, link("x", "a"))},
		{"unknown target", pipeline("p", []*schema.Step{agentStep("a")}, link("a", "x"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewGraph(tt.def)
			require.Error(t, err)
			assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
		})
	}
}

func TestFrontier_DataJoinWaitsForAll(t *testing.T) {
	g, err := NewGraph(pipeline("p",
		[]*schema.Step{agentStep("a"), agentStep("b"), agentStep("c")},
		link("a", "c"), link("b", "c"),
	))
	require.NoError(t, err)
	f := NewFrontier(g)

	assert.Equal(t, VerdictReady, f.Verdict("a"))
	assert.Equal(t, VerdictWait, f.Verdict("c"))

	f.Resolve(0, true)
	assert.Equal(t, VerdictWait, f.Verdict("c"))
	f.Resolve(1, false)
	assert.Equal(t, VerdictReady, f.Verdict("c"), "one fired data input is enough once all resolved")
	assert.Equal(t, []int{0}, f.FiredIncoming("c"))
}

func TestFrontier_GateFiresOnFirst(t *testing.T) {
	g, err := NewGraph(pipeline("p",
		[]*schema.Step{agentStep("a"), agentStep("b"), agentStep("c")},
		linkOf("a", "c", schema.ConnSuccess), linkOf("b", "c", schema.ConnError),
	))
	require.NoError(t, err)
	f := NewFrontier(g)

	f.Resolve(0, true)
	assert.Equal(t, VerdictReady, f.Verdict("c"))
}

func TestFrontier_PrunesWhenNothingFired(t *testing.T) {
	g, err := NewGraph(pipeline("p",
		[]*schema.Step{agentStep("a"), agentStep("b")},
		linkOf("a", "b", schema.ConnError),
	))
	require.NoError(t, err)
	f := NewFrontier(g)

	f.Resolve(0, false)
	assert.Equal(t, VerdictPrune, f.Verdict("b"))

	// settled connections never change
	f.Resolve(0, true)
	assert.Equal(t, ConnDead, f.Conn(0))
}

func TestFrontier_KillOutgoingAndRestore(t *testing.T) {
	g, err := NewGraph(pipeline("p",
		[]*schema.Step{agentStep("a"), agentStep("b"), agentStep("c")},
		link("a", "b"), link("a", "c"),
	))
	require.NoError(t, err)
	f := NewFrontier(g)
	f.SetStatus("a", schema.StepSkipped)
	f.KillOutgoing("a")
	assert.False(t, f.AnyFiredOut("a"))
	assert.Equal(t, []string{"b", "c"}, f.With(schema.StepPending))

	restored, err := restoreFrontier(g, f.Statuses(), f.ConnStates())
	require.NoError(t, err)
	assert.Equal(t, schema.StepSkipped, restored.Status("a"))
	assert.Equal(t, ConnDead, restored.Conn(1))

	_, err = restoreFrontier(g, f.Statuses(), nil)
	assert.Error(t, err)
	_, err = restoreFrontier(g, map[string]schema.StepStatus{"ghost": schema.StepPending}, f.ConnStates())
	assert.Error(t, err)
}

func TestRecorder_SequenceContinuesAfterRestore(t *testing.T) {
	store := NewMemoryStore()
	exec := &schema.Execution{ExecutionID: "e1"}
	rec := NewRecorder(exec, store, nil, discardLogger())
	ctx := context.Background()
	rec.Emit(ctx, schema.EventExecutionStarted, "", nil)
	rec.Emit(ctx, schema.EventStepStarted, "a", nil)

	again := NewRecorder(rec.Execution(), store, nil, discardLogger())
	again.Emit(ctx, schema.EventStepSucceeded, "a", nil)

	events := store.Events("e1")
	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Sequence)
		assert.NotEmpty(t, ev.ID)
	}
}

func TestRecorder_TerminalStatusStampsCompletion(t *testing.T) {
	rec := NewRecorder(&schema.Execution{ExecutionID: "e1", WaitingSteps: []string{"gate"}}, nil, nil, discardLogger())
	rec.SetStatus(schema.ExecutionWaitingApproval)
	assert.Nil(t, rec.Execution().CompletedAt)

	rec.SetStatus(schema.ExecutionCancelled)
	exec := rec.Execution()
	assert.NotNil(t, exec.CompletedAt)
	assert.Empty(t, exec.WaitingSteps)
}

func TestFinalOutput(t *testing.T) {
	g, err := NewGraph(pipeline("p",
		[]*schema.Step{agentStep("a"), agentStep("b"), agentStep("c")},
		link("a", "b"),
	))
	require.NoError(t, err)
	f := NewFrontier(g)
	results := schema.NewStepResults()
	put := func(id string, out schema.Value) {
		f.SetStatus(id, schema.StepSucceeded)
		results.Put(&schema.StepResult{StepID: id, Status: schema.StepSucceeded, Output: out})
	}

	assert.True(t, FinalOutput(g, f, results).IsNull())

	put("a", schema.Int(1))
	f.Resolve(0, true)
	put("b", schema.Int(2))
	assert.True(t, FinalOutput(g, f, results).Equal(schema.Int(2)))

	put("c", schema.Int(3))
	assert.True(t, FinalOutput(g, f, results).Equal(obj("b", 2, "c", 3)))
}

func TestFinalOutput_SkippedTerminals(t *testing.T) {
	g, err := NewGraph(pipeline("p",
		[]*schema.Step{agentStep("a"), agentStep("b"), agentStep("c")},
		link("a", "b"),
	))
	require.NoError(t, err)
	f := NewFrontier(g)
	results := schema.NewStepResults()
	f.SetStatus("a", schema.StepSucceeded)
	results.Put(&schema.StepResult{StepID: "a", Status: schema.StepSucceeded, Output: schema.Int(1)})
	f.Resolve(0, true)

	// b bypassed on a false condition, c pruned as unreachable
	f.SetStatus("b", schema.StepSkipped)
	results.Put(&schema.StepResult{
		StepID: "b", Status: schema.StepSkipped, Output: schema.Int(1),
		Ports: map[string]schema.Value{schema.DefaultPort: schema.Int(1)},
	})
	f.SetStatus("c", schema.StepSkipped)
	results.Put(&schema.StepResult{StepID: "c", Status: schema.StepSkipped, Output: schema.Null()})

	assert.True(t, FinalOutput(g, f, results).Equal(schema.Int(1)))
}
