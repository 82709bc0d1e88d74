/**
 * @description
 * Cron scheduler for the service's periodic tasks. Each task is an explicit value built
 * by the composition root, with its own enabled flag and clock.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/metalvault/settlement-service/internal/metrics"
	"github.com/robfig/cron/v3"
)

// ScheduledTask is one periodic job.
type ScheduledTask struct {
	Name     string
	Schedule string
	// Enabled is checked at every firing; nil means always enabled.
	Enabled func() bool
	// Clock supplies the run time passed to Run; nil means the scheduler's clock.
	Clock   Clock
	Timeout time.Duration
	Run     func(ctx context.Context, now time.Time) error
}

// ErrTaskSkipped is returned by RunOnce when the task is disabled.
var ErrTaskSkipped = errors.New("scheduled task disabled")

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron    *cron.Cron
	clock   Clock
	metrics *metrics.Collector
	logger  *slog.Logger
	ctx     context.Context
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(clock Clock, collector *metrics.Collector, logger *slog.Logger) *Scheduler {
	logger = logger.With("component", "scheduler")
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.Recover(cronLogger)))
	if clock == nil {
		clock = SystemClock()
	}
	return &Scheduler{
		cron:    c,
		clock:   clock,
		metrics: collector,
		logger:  logger,
		ctx:     context.Background(),
	}
}

// Register adds task to the cron table.
func (s *Scheduler) Register(task ScheduledTask) error {
	if task.Name == "" || task.Run == nil {
		return fmt.Errorf("scheduled task requires a name and a run function")
	}
	if _, err := s.cron.AddFunc(task.Schedule, func() {
		_ = s.RunOnce(s.ctx, task)
	}); err != nil {
		return fmt.Errorf("failed to schedule %s: %w", task.Name, err)
	}
	s.logger.Info("scheduled task", "task", task.Name, "schedule", task.Schedule)
	return nil
}

// Start begins firing registered tasks. ctx is the parent of every run.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx = ctx
	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// RunOnce executes task immediately. Failures and panics are logged and returned;
// they never stop the scheduler.
func (s *Scheduler) RunOnce(ctx context.Context, task ScheduledTask) (err error) {
	if task.Enabled != nil && !task.Enabled() {
		s.logger.Debug("scheduled task disabled, skipping", "task", task.Name)
		s.metrics.RecordTaskRun(task.Name, "skipped", 0)
		return ErrTaskSkipped
	}

	clock := task.Clock
	if clock == nil {
		clock = s.clock
	}
	now := clock.Now()
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	started := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("scheduled task %s panicked: %v", task.Name, rec)
		}
		status := "ok"
		if err != nil {
			status = "error"
			s.logger.Error("scheduled task failed", "task", task.Name, "error", err)
		} else {
			s.logger.Info("scheduled task finished", "task", task.Name, "elapsed", time.Since(started))
		}
		s.metrics.RecordTaskRun(task.Name, status, time.Since(started))
	}()

	return task.Run(ctx, now)
}

// PriceRefresher refreshes every cached metal price.
type PriceRefresher interface {
	RefreshAll(ctx context.Context) error
}

func PriceRefreshTask(refresher PriceRefresher, schedule string, enabled func() bool, timeout time.Duration) ScheduledTask {
	return ScheduledTask{
		Name:     "price_refresh",
		Schedule: schedule,
		Enabled:  enabled,
		Timeout:  timeout,
		Run: func(ctx context.Context, _ time.Time) error {
			return refresher.RefreshAll(ctx)
		},
	}
}

func ReconcileTask(r *Reconciler, schedule string, enabled func() bool, timeout time.Duration) ScheduledTask {
	return ScheduledTask{
		Name:     "reconcile",
		Schedule: schedule,
		Enabled:  enabled,
		Timeout:  timeout,
		Run: func(ctx context.Context, now time.Time) error {
			_, err := r.RunAt(ctx, now)
			return err
		},
	}
}

func InboxReplayTask(r *InboxReplayer, schedule string, enabled func() bool, timeout time.Duration) ScheduledTask {
	return ScheduledTask{
		Name:     "inbox_replay",
		Schedule: schedule,
		Enabled:  enabled,
		Timeout:  timeout,
		Run: func(ctx context.Context, now time.Time) error {
			_, err := r.RunAt(ctx, now)
			return err
		},
	}
}

// Static returns an enabled flag fixed at construction.
func Static(enabled bool) func() bool {
	return func() bool { return enabled }
}
