package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/agentpipe/internal/logging"
	"github.com/rendis/agentpipe/internal/store"
	"github.com/rendis/agentpipe/pkg/schema"
)

// DefaultInterval is how often the scheduler polls for due schedules.
const DefaultInterval = 60 * time.Second

// Last run statuses recorded on a schedule.
const (
	RunTriggered = "triggered"
	RunError     = "error"
)

// PipelineRunner starts a pipeline execution for a schedule. Implementations
// should return once the execution is accepted, not when it settles.
type PipelineRunner interface {
	TriggerScheduled(ctx context.Context, pipelineID string, input schema.Value, triggeredBy string) (string, error)
}

// ScheduleStore is the slice of store.Store the scheduler needs.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, sched *store.Schedule) error
	ListSchedules(ctx context.Context, filter store.ScheduleFilter) ([]*store.Schedule, error)
	UpdateSchedule(ctx context.Context, id string, update store.ScheduleUpdate) error
}

var _ ScheduleStore = (store.Store)(nil)

// Scheduler polls the store for due schedules and triggers their pipelines.
type Scheduler struct {
	store    ScheduleStore
	runner   PipelineRunner
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // schedule IDs currently triggering (dedup)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval overrides the polling interval.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// NewScheduler creates a new Scheduler.
func NewScheduler(s ScheduleStore, runner PipelineRunner, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = logging.Discard()
	}
	sched := &Scheduler{
		store:    s,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:   logger,
		interval: DefaultInterval,
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(sched)
	}
	return sched
}

// Add validates the cron expression, stamps the first run time and stores the schedule.
func (s *Scheduler) Add(ctx context.Context, sched *store.Schedule) error {
	if sched.PipelineID == "" {
		return schema.NewError(schema.ErrCodeValidation, "schedule pipeline_id is required")
	}
	next, err := s.CalculateNextRun(sched.CronExpression, time.Now().UTC())
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}
	sched.NextRunAt = &next
	if sched.TriggeredBy == "" {
		sched.TriggeredBy = "scheduler"
	}
	return s.store.CreateSchedule(ctx, sched)
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick checks all enabled schedules and triggers those that are due.
func (s *Scheduler) tick(ctx context.Context) {
	enabled := true
	now := time.Now().UTC()
	due, err := s.store.ListSchedules(ctx, store.ScheduleFilter{Enabled: &enabled, DueBefore: &now})
	if err != nil {
		s.logger.Error("failed to list schedules", slog.String("error", err.Error()))
		return
	}

	for _, sched := range due {
		if sched.NextRunAt != nil && sched.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(sched.ID) {
			continue // already triggering (dedup)
		}
		if err := s.runSchedule(ctx, sched, now); err != nil {
			s.logger.Error("failed to run schedule",
				slog.String("schedule_id", sched.ID),
				slog.String("error", err.Error()),
			)
		}
		s.release(sched.ID)
	}
}

// runSchedule triggers one schedule and advances its timestamps.
func (s *Scheduler) runSchedule(ctx context.Context, sched *store.Schedule, now time.Time) error {
	log := logging.LogWith(logging.WithPipelineID(ctx, sched.PipelineID), s.logger)
	log.Info("triggering scheduled pipeline", slog.String("schedule_id", sched.ID))

	status := RunTriggered
	execID, err := s.runner.TriggerScheduled(ctx, sched.PipelineID, sched.Input, sched.TriggeredBy)
	if err != nil {
		status = RunError
		log.Error("scheduled trigger failed",
			slog.String("schedule_id", sched.ID),
			slog.String("error", err.Error()),
		)
	} else {
		log.Info("scheduled execution started",
			slog.String("schedule_id", sched.ID),
			slog.String("execution_id", execID),
		)
	}

	return s.updateStatus(ctx, sched, now, status)
}

func (s *Scheduler) updateStatus(ctx context.Context, sched *store.Schedule, now time.Time, status string) error {
	nextRun, err := s.CalculateNextRun(sched.CronExpression, now)
	if err != nil {
		// an unparseable schedule would be due on every tick
		disabled := false
		_ = s.store.UpdateSchedule(ctx, sched.ID, store.ScheduleUpdate{Enabled: &disabled, LastRunAt: &now, LastRunStatus: RunError})
		return fmt.Errorf("calculate next run for schedule %q: %w", sched.ID, err)
	}

	return s.store.UpdateSchedule(ctx, sched.ID, store.ScheduleUpdate{
		LastRunAt:     &now,
		NextRunAt:     &nextRun,
		LastRunStatus: status,
	})
}

// tryAcquire returns true and marks the schedule as in-flight if it is not already triggering.
func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed triggers once every schedule whose next run passed while
// the process was down.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	enabled := true
	now := time.Now().UTC()
	missed, err := s.store.ListSchedules(ctx, store.ScheduleFilter{Enabled: &enabled, DueBefore: &now})
	if err != nil {
		return fmt.Errorf("list missed schedules: %w", err)
	}

	recovered := 0
	for _, sched := range missed {
		if sched.NextRunAt == nil || !sched.NextRunAt.Before(now) {
			continue
		}
		if !s.tryAcquire(sched.ID) {
			continue
		}
		err := s.runSchedule(ctx, sched, now)
		s.release(sched.ID)
		if err != nil {
			s.logger.Error("failed to recover missed schedule",
				slog.String("schedule_id", sched.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		recovered++
	}

	if recovered > 0 {
		s.logger.Info("recovered missed schedules", slog.Int("count", recovered))
	}
	return nil
}
