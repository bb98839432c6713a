package store

import (
	"time"

	"github.com/rendis/agentpipe/pkg/schema"
)

// Pipeline is a stored pipeline definition with its execution counters.
type Pipeline struct {
	Definition           *schema.PipelineDefinition `json:"definition"`
	TotalExecutions      int64                      `json:"total_executions"`
	SuccessfulExecutions int64                      `json:"successful_executions"`
	FailedExecutions     int64                      `json:"failed_executions"`
	CreatedAt            time.Time                  `json:"created_at"`
	UpdatedAt            time.Time                  `json:"updated_at"`
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	PipelineID string
	Status     schema.ExecutionStatus
	Limit      int
}

// StepRow is the materialized view of one step result.
type StepRow struct {
	ExecutionID string            `json:"execution_id"`
	StepID      string            `json:"step_id"`
	Position    int               `json:"position"`
	Status      schema.StepStatus `json:"status"`
	Attempts    int               `json:"attempts"`
	ErrorCode   string            `json:"error_code,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	FinishedAt  *time.Time        `json:"finished_at,omitempty"`
}

// Schedule is a cron trigger bound to a pipeline.
type Schedule struct {
	ID             string       `json:"id"`
	PipelineID     string       `json:"pipeline_id"`
	CronExpression string       `json:"cron_expression"`
	Input          schema.Value `json:"input,omitempty"`
	TriggeredBy    string       `json:"triggered_by,omitempty"`
	Enabled        bool         `json:"enabled"`
	LastRunAt      *time.Time   `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time   `json:"next_run_at,omitempty"`
	LastRunStatus  string       `json:"last_run_status,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}

// ScheduleUpdate holds the mutable fields of a schedule. Nil fields are left unchanged.
type ScheduleUpdate struct {
	Enabled       *bool
	LastRunAt     *time.Time
	NextRunAt     *time.Time
	LastRunStatus string
}

// ScheduleFilter narrows ListSchedules.
type ScheduleFilter struct {
	PipelineID string
	Enabled    *bool
	DueBefore  *time.Time // next_run_at is null or not after this time
}
