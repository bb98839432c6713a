package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentpipe/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func testDefinition(id string) *schema.PipelineDefinition {
	return &schema.PipelineDefinition{
		ID:      id,
		Name:    "pipeline " + id,
		Version: "1",
		Steps: []*schema.Step{
			{ID: "s1", Variant: schema.VariantAgent, AgentID: "echo"},
			{ID: "s2", Variant: schema.VariantAgent, AgentID: "echo"},
		},
		Connections: []*schema.Connection{{ID: "c1", Source: "s1", Target: "s2"}},
	}
}

func testExecution(pipelineID string, status schema.ExecutionStatus) *schema.Execution {
	results := schema.NewStepResults()
	now := time.Now().UTC()
	results.Put(&schema.StepResult{StepID: "s1", Status: schema.StepSucceeded, Attempts: 1, StartedAt: now, FinishedAt: &now, Output: schema.Int(1)})
	results.Put(&schema.StepResult{
		StepID: "s2", Status: schema.StepFailed, Attempts: 3, StartedAt: now,
		Error: schema.NewError(schema.ErrCodeRetryExhausted, "gave up"),
	})
	return &schema.Execution{
		ExecutionID:  uuid.NewString(),
		PipelineID:   pipelineID,
		Status:       status,
		StartedAt:    now,
		InitialInput: schema.String("hello"),
		StepResults:  results,
	}
}

// --- Migrations ---

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Migrate(ctx))
	v, err := s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestLoadMigrations(t *testing.T) {
	ms, err := loadMigrations(migrationFS)
	require.NoError(t, err)
	require.NotEmpty(t, ms)
	assert.Equal(t, 1, ms[0].version)
	assert.Equal(t, "initial_schema", ms[0].name)
	assert.NotEmpty(t, splitStatements(ms[0].script))
}

func TestLoadMigrations_BadNames(t *testing.T) {
	tests := map[string]string{
		"no separator": "migrations/init.sql",
		"bad version":  "migrations/abc_init.sql",
		"zero version": "migrations/000_init.sql",
	}
	for name, file := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := loadMigrations(fstest.MapFS{file: {Data: []byte("SELECT 1;")}})
			assert.Error(t, err)
		})
	}

	_, err := loadMigrations(fstest.MapFS{
		"migrations/001_a.sql": {Data: []byte("SELECT 1;")},
		"migrations/1_b.sql":   {Data: []byte("SELECT 2;")},
	})
	assert.ErrorContains(t, err, "duplicate")
}

func TestSplitStatements_DropsComments(t *testing.T) {
	stmts := splitStatements("-- header\nCREATE TABLE a (x INT);\n-- only a comment\n;CREATE INDEX i ON a(x);")
	assert.Len(t, stmts, 2)
}

// --- Pipeline Tests ---

func TestPipelineCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def := testDefinition("p1")
	require.NoError(t, s.PutPipeline(ctx, def))

	got, err := s.GetPipeline(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "pipeline p1", got.Definition.Name)
	require.Len(t, got.Definition.Steps, 2)
	assert.Equal(t, "s2", got.Definition.Connections[0].Target)

	def.Version = "2"
	require.NoError(t, s.PutPipeline(ctx, def))
	got, err = s.GetPipeline(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "2", got.Definition.Version)

	require.NoError(t, s.PutPipeline(ctx, testDefinition("p0")))
	all, err := s.ListPipelines(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "p0", all[0].Definition.ID)

	require.NoError(t, s.DeletePipeline(ctx, "p1"))
	_, err = s.GetPipeline(ctx, "p1")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
	assert.True(t, schema.HasCode(s.DeletePipeline(ctx, "p1"), schema.ErrCodeNotFound))
}

func TestPutPipeline_RequiresID(t *testing.T) {
	s := newTestStore(t)
	err := s.PutPipeline(context.Background(), &schema.PipelineDefinition{})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

// --- Execution Tests ---

func TestSaveAndGetExecution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	exec := testExecution("p1", schema.ExecutionRunning)
	exec.ExecutionLog = []*schema.Event{{Type: "ignored"}}
	require.NoError(t, s.SaveExecution(ctx, exec))
	require.NoError(t, s.AppendEvent(ctx, &schema.Event{ExecutionID: exec.ExecutionID, Type: schema.EventExecutionStarted}))
	require.NoError(t, s.AppendEvent(ctx, &schema.Event{ExecutionID: exec.ExecutionID, StepID: "s1", Type: schema.EventStepStarted}))

	got, err := s.GetExecution(ctx, exec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionRunning, got.Status)
	assert.Equal(t, "hello", got.InitialInput.Native())
	require.Len(t, got.ExecutionLog, 2, "log comes from the events table")
	assert.Equal(t, schema.EventStepStarted, got.ExecutionLog[1].Type)

	res, ok := got.StepResults.Get("s2")
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeRetryExhausted, res.Error.Code)

	_, err = s.GetExecution(ctx, "missing")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestSaveExecution_StepRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	exec := testExecution("p1", schema.ExecutionFailed)
	require.NoError(t, s.SaveExecution(ctx, exec))
	// a second save rewrites rather than duplicates
	require.NoError(t, s.SaveExecution(ctx, exec))

	rows, err := s.ListStepRows(ctx, exec.ExecutionID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "s1", rows[0].StepID)
	assert.Equal(t, 0, rows[0].Position)
	assert.NotNil(t, rows[0].FinishedAt)
	assert.Equal(t, schema.StepFailed, rows[1].Status)
	assert.Equal(t, 3, rows[1].Attempts)
	assert.Equal(t, schema.ErrCodeRetryExhausted, rows[1].ErrorCode)
	assert.Nil(t, rows[1].FinishedAt)
}

func TestSaveExecution_CountsTerminalOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutPipeline(ctx, testDefinition("p1")))

	exec := testExecution("p1", schema.ExecutionRunning)
	require.NoError(t, s.SaveExecution(ctx, exec))

	exec.Status = schema.ExecutionCompleted
	require.NoError(t, s.SaveExecution(ctx, exec))
	require.NoError(t, s.SaveExecution(ctx, exec))

	failed := testExecution("p1", schema.ExecutionFailed)
	require.NoError(t, s.SaveExecution(ctx, failed))

	p, err := s.GetPipeline(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), p.TotalExecutions)
	assert.Equal(t, int64(1), p.SuccessfulExecutions)
	assert.Equal(t, int64(1), p.FailedExecutions)
}

func TestListExecutions_Filter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i, status := range []schema.ExecutionStatus{schema.ExecutionCompleted, schema.ExecutionFailed, schema.ExecutionCompleted} {
		exec := testExecution("p1", status)
		exec.StartedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.SaveExecution(ctx, exec))
	}
	require.NoError(t, s.SaveExecution(ctx, testExecution("p2", schema.ExecutionCompleted)))

	all, err := s.ListExecutions(ctx, ExecutionFilter{PipelineID: "p1"})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, all[0].StartedAt.After(all[2].StartedAt), "newest first")

	done, err := s.ListExecutions(ctx, ExecutionFilter{PipelineID: "p1", Status: schema.ExecutionCompleted, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, done, 1)
}

// --- Snapshot Tests ---

func TestSnapshots(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetSnapshot(ctx, "e1")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))

	require.NoError(t, s.SaveSnapshot(ctx, "e1", []byte(`{"v":1}`)))
	require.NoError(t, s.SaveSnapshot(ctx, "e1", []byte(`{"v":2}`)))
	data, err := s.GetSnapshot(ctx, "e1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(data))

	require.NoError(t, s.DeleteSnapshot(ctx, "e1"))
	require.NoError(t, s.DeleteSnapshot(ctx, "e1"))
	_, err = s.GetSnapshot(ctx, "e1")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

// --- Agent Tests ---

func TestAgentCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := &schema.Agent{
		AgentID:     "summarizer",
		DockerImage: "registry.local/summarizer:1.0",
		Version:     "1.0",
		Secrets:     []string{"OPENAI_KEY"},
		Metadata:    schema.Mapping(map[string]schema.Value{"team": schema.String("ml")}),
	}
	require.NoError(t, s.PutAgent(ctx, a))

	got, err := s.GetAgent(ctx, "summarizer")
	require.NoError(t, err)
	assert.Equal(t, "registry.local/summarizer:1.0", got.DockerImage)
	assert.Equal(t, []string{"OPENAI_KEY"}, got.Secrets)
	assert.False(t, got.CreatedAt.IsZero())
	team, ok := got.Metadata.Get("team")
	require.True(t, ok)
	assert.Equal(t, "ml", team.Native())

	created := got.CreatedAt
	a.CreatedAt = created
	a.DockerImage = "registry.local/summarizer:1.1"
	require.NoError(t, s.PutAgent(ctx, a))
	got, err = s.GetAgent(ctx, "summarizer")
	require.NoError(t, err)
	assert.Equal(t, "registry.local/summarizer:1.1", got.DockerImage)
	assert.WithinDuration(t, created, got.CreatedAt, time.Second)

	list, err := s.ListAgents(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeleteAgent(ctx, "summarizer"))
	_, err = s.GetAgent(ctx, "summarizer")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
	assert.True(t, schema.HasCode(s.DeleteAgent(ctx, "summarizer"), schema.ErrCodeNotFound))
}

// --- Secret Tests ---

func TestSecrets(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.StoreSecret(ctx, "b", []byte("sealed-b")))
	require.NoError(t, s.StoreSecret(ctx, "a", []byte("sealed-a")))
	require.NoError(t, s.StoreSecret(ctx, "a", []byte("sealed-a2")))

	v, err := s.GetSecret(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("sealed-a2"), v)

	names, err := s.ListSecrets(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names)

	require.NoError(t, s.DeleteSecret(ctx, "a"))
	_, err = s.GetSecret(ctx, "a")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
	assert.True(t, schema.HasCode(s.DeleteSecret(ctx, "a"), schema.ErrCodeNotFound))
}

// --- Schedule Tests ---

func TestScheduleCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	next := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	sched := &Schedule{
		PipelineID:     "p1",
		CronExpression: "*/5 * * * *",
		Input:          schema.Mapping(map[string]schema.Value{"topic": schema.String("news")}),
		Enabled:        true,
		NextRunAt:      &next,
	}
	require.NoError(t, s.CreateSchedule(ctx, sched))
	require.NotEmpty(t, sched.ID)

	got, err := s.GetSchedule(ctx, sched.ID)
	require.NoError(t, err)
	assert.Equal(t, "*/5 * * * *", got.CronExpression)
	assert.True(t, got.Enabled)
	require.NotNil(t, got.NextRunAt)
	assert.WithinDuration(t, next, *got.NextRunAt, time.Second)
	topic, ok := got.Input.Get("topic")
	require.True(t, ok)
	assert.Equal(t, "news", topic.Native())

	ran := time.Now().UTC()
	disabled := false
	require.NoError(t, s.UpdateSchedule(ctx, sched.ID, ScheduleUpdate{
		Enabled:       &disabled,
		LastRunAt:     &ran,
		LastRunStatus: string(schema.ExecutionCompleted),
	}))
	got, err = s.GetSchedule(ctx, sched.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, "completed", got.LastRunStatus)
	require.NotNil(t, got.LastRunAt)

	// empty update is a no-op
	require.NoError(t, s.UpdateSchedule(ctx, sched.ID, ScheduleUpdate{}))
	assert.True(t, schema.HasCode(s.UpdateSchedule(ctx, "missing", ScheduleUpdate{Enabled: &disabled}), schema.ErrCodeNotFound))

	require.NoError(t, s.DeleteSchedule(ctx, sched.ID))
	_, err = s.GetSchedule(ctx, sched.ID)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestListSchedules_Filter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	past, future := now.Add(-time.Minute), now.Add(time.Hour)
	require.NoError(t, s.CreateSchedule(ctx, &Schedule{ID: "due", PipelineID: "p1", CronExpression: "* * * * *", Enabled: true, NextRunAt: &past}))
	require.NoError(t, s.CreateSchedule(ctx, &Schedule{ID: "later", PipelineID: "p1", CronExpression: "0 * * * *", Enabled: true, NextRunAt: &future}))
	require.NoError(t, s.CreateSchedule(ctx, &Schedule{ID: "off", PipelineID: "p2", CronExpression: "* * * * *", Enabled: false}))

	enabled := true
	list, err := s.ListSchedules(ctx, ScheduleFilter{Enabled: &enabled})
	require.NoError(t, err)
	assert.Len(t, list, 2)

	due, err := s.ListSchedules(ctx, ScheduleFilter{Enabled: &enabled, DueBefore: &now})
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "due", due[0].ID)

	byPipeline, err := s.ListSchedules(ctx, ScheduleFilter{PipelineID: "p2"})
	require.NoError(t, err)
	require.Len(t, byPipeline, 1)
	assert.False(t, byPipeline[0].Enabled)
}
