// Package scheduler drives the recurring background work. It polls the
// scheduled_tasks table, claims rows that have come due, and runs each claim
// on a bounded worker pool, recording every invocation as a task execution.
//
// The scheduler knows nothing about what a task does: dispatch on the task
// type lives behind the Runner interface, implemented by the service layer.
// Claiming is a guarded UPDATE on next_run, so several replicas can poll the
// same table and each due run is executed at most once.
package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/errs"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/models"
	"github.com/tuobayong1988/amazon-ads-optimizer-sub004/internal/observability"
)

const (
	// DefaultPollInterval is how often the loop looks for due tasks.
	DefaultPollInterval = 30 * time.Second
	// DefaultWorkerCount bounds how many claimed tasks run concurrently.
	DefaultWorkerCount = 4

	// minInterval floors interval schedules so a misconfigured task cannot
	// spin the poller.
	minInterval = time.Minute

	// finishTimeout bounds the bookkeeping write that closes an execution
	// record, so a cancelled run still records its outcome.
	finishTimeout = 10 * time.Second
)

// Store is the persistence surface the scheduler needs. *db.Postgres
// satisfies it.
type Store interface {
	DueTasks(ctx context.Context, now time.Time, limit int) ([]models.ScheduledTask, error)
	ClaimTask(ctx context.Context, id int, now, nextRun time.Time) (bool, error)
	InsertTaskExecution(ctx context.Context, exec models.TaskExecution) error
	FinishTaskExecution(ctx context.Context, id, status, summary, errMsg string) error
}

// Runner executes one claimed task and returns a summary that is serialized
// onto the execution record. An error marks the execution failed; it never
// stops the scheduler or other tasks.
type Runner interface {
	RunTask(ctx context.Context, task models.ScheduledTask) (interface{}, error)
}

// Scheduler polls for due tasks and runs them. Configure the exported fields
// before Start; they must not change while the loop is running.
type Scheduler struct {
	Store   Store
	Runner  Runner
	Metrics observability.MetricsRegistry

	PollInterval time.Duration
	WorkerCount  int

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	now func() time.Time
}

// New returns a scheduler with default poll interval and worker count.
func New(store Store, runner Runner, metrics observability.MetricsRegistry) *Scheduler {
	return &Scheduler{
		Store:        store,
		Runner:       runner,
		Metrics:      metrics,
		PollInterval: DefaultPollInterval,
		WorkerCount:  DefaultWorkerCount,
		now:          time.Now,
	}
}

// Start launches the poll loop and returns immediately. The loop ends when
// Stop is called or ctx is cancelled, whichever comes first.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errs.New(errs.KindConflict, "scheduler already running")
	}
	if s.PollInterval <= 0 {
		s.PollInterval = DefaultPollInterval
	}
	if s.WorkerCount <= 0 {
		s.WorkerCount = DefaultWorkerCount
	}
	s.running = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx)
	return nil
}

// Stop ends the poll loop and waits for in-flight tasks to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	zap.L().Info("scheduler started",
		zap.Duration("poll_interval", s.PollInterval),
		zap.Int("workers", s.WorkerCount))

	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			zap.L().Info("scheduler stopped")
			return
		case <-ticker.C:
			if err := s.Poll(ctx); err != nil && ctx.Err() == nil {
				zap.L().Error("scheduler poll failed", zap.Error(err))
			}
		}
	}
}

// Poll claims every due task and runs the claims on the worker pool,
// returning once all of them finished. The loop calls it on every tick; ops
// endpoints may call it directly to force a sweep.
func (s *Scheduler) Poll(ctx context.Context) error {
	now := s.now().UTC()
	due, err := s.Store.DueTasks(ctx, now, 0)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "list due tasks", err)
	}
	if len(due) == 0 {
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.WorkerCount)
	for _, task := range due {
		claimed, err := s.Store.ClaimTask(ctx, task.ID, now, NextRunAt(task, now))
		if err != nil {
			zap.L().Error("task claim failed", zap.Int("task_id", task.ID), zap.Error(err))
			continue
		}
		if !claimed {
			// Another poller took this run.
			continue
		}
		task := task
		g.Go(func() error {
			s.execute(ctx, task)
			return nil
		})
	}
	return g.Wait()
}

// execute runs one claimed task and records the outcome. The claim already
// advanced next_run, so failures here never wedge the schedule.
func (s *Scheduler) execute(ctx context.Context, task models.ScheduledTask) {
	exec := models.TaskExecution{
		ID:        uuid.NewString(),
		TaskID:    task.ID,
		StartedAt: s.now().UTC(),
		Status:    models.ExecutionStatusRunning,
	}
	if err := s.Store.InsertTaskExecution(ctx, exec); err != nil {
		zap.L().Error("task execution insert failed",
			zap.Int("task_id", task.ID), zap.Error(err))
	}

	summary, err := s.Runner.RunTask(ctx, task)

	status := models.ExecutionStatusSucceeded
	errMsg := ""
	if err != nil {
		status = models.ExecutionStatusFailed
		errMsg = err.Error()
		zap.L().Error("task failed",
			zap.Int("task_id", task.ID),
			zap.String("task_type", task.TaskType),
			zap.String("execution_id", exec.ID),
			zap.Error(err))
	} else {
		zap.L().Info("task finished",
			zap.Int("task_id", task.ID),
			zap.String("task_type", task.TaskType),
			zap.String("execution_id", exec.ID),
			zap.Duration("elapsed", s.now().UTC().Sub(exec.StartedAt)))
	}
	s.Metrics.IncrementTaskRuns(task.TaskType, status)

	// Close the record on a fresh context so a cancelled run still lands.
	finishCtx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()
	if ferr := s.Store.FinishTaskExecution(finishCtx, exec.ID, status, marshalSummary(summary), errMsg); ferr != nil {
		zap.L().Error("task execution finish failed",
			zap.String("execution_id", exec.ID), zap.Error(ferr))
	}
}

// NextRunAt computes when a task should fire again after firing at now.
func NextRunAt(task models.ScheduledTask, now time.Time) time.Time {
	now = now.UTC()
	switch task.Schedule {
	case models.ScheduleHourly:
		return now.Truncate(time.Hour).Add(time.Hour)
	case models.ScheduleDaily:
		at, err := time.Parse("15:04", task.RunTime)
		if err != nil {
			// Unparseable run times degrade to a plain daily cadence.
			return now.Add(24 * time.Hour)
		}
		next := time.Date(now.Year(), now.Month(), now.Day(), at.Hour(), at.Minute(), 0, 0, time.UTC)
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
		return next
	default:
		interval := task.Interval
		if interval < minInterval {
			interval = minInterval
		}
		return now.Add(interval)
	}
}

func marshalSummary(summary interface{}) string {
	if summary == nil {
		return ""
	}
	b, err := json.Marshal(summary)
	if err != nil {
		zap.L().Warn("task summary not serializable", zap.Error(err))
		return ""
	}
	return string(b)
}
