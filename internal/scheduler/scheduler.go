// Package scheduler polls for due jobs and dispatches them. Multiple
// instances can poll the same database; the per-job dispatch lock decides who
// fires each job, and losing that race is a normal, silent outcome.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/steward/internal/agent"
	"github.com/basket/steward/internal/bus"
	"github.com/basket/steward/internal/notify"
	"github.com/basket/steward/internal/schedule"
	"github.com/basket/steward/internal/store"
	"github.com/basket/steward/internal/telemetry"
)

// TaskRunner starts an agent run on a task.
type TaskRunner interface {
	RunTask(ctx context.Context, taskID string) (*agent.RunReport, error)
}

// Config is the scheduler's polling and lease policy.
type Config struct {
	PollInterval           time.Duration
	JobLease               time.Duration
	SweepInterval          time.Duration
	MaxConsecutiveFailures int
	StaleRunningMaxStrikes int
	DispatchLimit          int

	// OrphanExecGrace is how old a running execution must be before an
	// expired job lock marks it orphaned. Must cover the task lease, or
	// the sweep will close executions whose agent run is still live.
	OrphanExecGrace time.Duration
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.JobLease <= 0 {
		c.JobLease = 2 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Minute
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = 5
	}
	if c.StaleRunningMaxStrikes <= 0 {
		c.StaleRunningMaxStrikes = 3
	}
	if c.DispatchLimit <= 0 {
		c.DispatchLimit = 50
	}
	if c.OrphanExecGrace <= 0 {
		c.OrphanExecGrace = 30 * time.Minute
	}
}

// Scheduler owns the poll loop and the stale-run sweep.
type Scheduler struct {
	store    *store.Store
	runner   TaskRunner
	notifier notify.Sink
	cfg      Config
	metrics  *telemetry.Metrics
	eventBus *bus.Bus
	logger   *slog.Logger
	now      func() time.Time

	wg sync.WaitGroup
}

func New(st *store.Store, runner TaskRunner, notifier notify.Sink, cfg Config, metrics *telemetry.Metrics, eventBus *bus.Bus, logger *slog.Logger) *Scheduler {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    st,
		runner:   runner,
		notifier: notifier,
		cfg:      cfg,
		metrics:  metrics,
		eventBus: eventBus,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock overrides the scheduler's clock.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Start runs the poll and sweep loops until ctx is cancelled, then waits for
// in-flight dispatches to settle.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.pollLoop(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.sweepLoop(ctx)
	}()
	<-ctx.Done()
	s.wg.Wait()
}

func (s *Scheduler) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	// First poll happens immediately so jobs that came due while the
	// process was down fire on startup.
	s.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Poll(ctx)
		}
	}
}

// Poll runs one due-job scan and dispatches everything it can claim. Each job
// dispatch runs in its own goroutine; Poll returns once they are launched.
func (s *Scheduler) Poll(ctx context.Context) {
	now := s.now()
	jobs, err := s.store.DueJobs(ctx, now, s.cfg.DispatchLimit)
	if err != nil {
		s.logger.Error("due-job scan failed", "error", err)
		return
	}
	for _, job := range jobs {
		job := job
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.dispatch(ctx, job)
		}()
	}
}

func (s *Scheduler) dispatch(ctx context.Context, job *store.Job) {
	now := s.now()
	execID, claimed, err := s.store.ClaimJob(ctx, job.ID, s.cfg.JobLease, now)
	if errors.Is(err, store.ErrExecutionRunning) {
		if s.metrics != nil {
			s.metrics.JobsSkipped.Add(ctx, 1)
		}
		if s.eventBus != nil {
			s.eventBus.Publish(bus.TopicJobSkipped, bus.JobEvent{JobID: job.ID, TaskID: job.TaskID, ActionType: string(job.ActionType)})
		}
		s.logger.Info("job skipped, previous execution still running", "job_id", job.ID)
		return
	}
	if err != nil {
		s.logger.Error("job claim failed", "job_id", job.ID, "error", err)
		return
	}
	if !claimed {
		// Another instance got there first. Nothing to do.
		if s.metrics != nil {
			s.metrics.LockContention.Add(ctx, 1)
		}
		s.logger.Debug("job claim lost to concurrent scheduler", "job_id", job.ID)
		return
	}

	if s.metrics != nil {
		s.metrics.JobsFired.Add(ctx, 1)
	}
	if s.eventBus != nil {
		s.eventBus.Publish(bus.TopicJobFired, bus.JobEvent{JobID: job.ID, TaskID: job.TaskID, ActionType: string(job.ActionType), ExecutionID: execID})
	}
	s.logger.Info("job fired", "job_id", job.ID, "type", string(job.JobType), "action", string(job.ActionType), "execution_id", execID)

	success, result, actionErr := s.perform(ctx, job)
	s.finish(ctx, job, execID, success, result, actionErr)
}

func (s *Scheduler) perform(ctx context.Context, job *store.Job) (success bool, result string, err error) {
	switch job.ActionType {
	case store.ActionNotify:
		n := notify.Notification{
			OwnerID: job.OwnerID,
			Kind:    notify.KindReminder,
			Title:   "Reminder",
			Body:    job.ActionPayload,
			TaskID:  job.TaskID,
			JobID:   job.ID,
		}
		if s.notifier == nil {
			return true, "no notifier configured; reminder logged only", nil
		}
		// Delivery is best-effort: a down channel must not burn the
		// job's failure budget.
		if err := s.notifier.Notify(ctx, n); err != nil {
			s.logger.Warn("reminder delivery failed", "job_id", job.ID, "error", err)
			return true, fmt.Sprintf("delivery failed: %v", err), nil
		}
		if s.metrics != nil {
			s.metrics.NotifyDelivered.Add(ctx, 1)
		}
		return true, "reminder delivered", nil

	case store.ActionAgentTask:
		if job.TaskID == "" {
			return false, "", fmt.Errorf("agent_task job %s has no task", job.ID)
		}
		report, err := s.runner.RunTask(ctx, job.TaskID)
		if err != nil {
			return false, "", err
		}
		switch report.Outcome {
		case agent.OutcomeFailed:
			return false, "", fmt.Errorf("agent run failed: %s", report.Failure)
		case agent.OutcomeLockHeld:
			// Another run already holds the task; the job did its part.
			return true, "task run already in progress elsewhere", nil
		default:
			return true, fmt.Sprintf("agent run finished: %s after %d steps", report.Outcome, report.Steps), nil
		}

	default:
		return false, "", fmt.Errorf("job %s has unknown action type %q", job.ID, job.ActionType)
	}
}

func (s *Scheduler) finish(ctx context.Context, job *store.Job, execID int64, success bool, result string, actionErr error) {
	now := s.now()
	params := store.FinishJobParams{
		JobID:                  job.ID,
		ExecutionID:            execID,
		Success:                success,
		Result:                 result,
		MaxConsecutiveFailures: s.cfg.MaxConsecutiveFailures,
	}
	if actionErr != nil {
		params.Error = actionErr.Error()
	}
	if job.ScheduleType == store.ScheduleCron {
		next, err := schedule.NextRun(job.CronExpression, job.Timezone, now)
		if err != nil {
			// The stored expression no longer parses. Retry in an hour
			// rather than wedge the finish.
			s.logger.Error("cron recompute failed", "job_id", job.ID, "error", err)
			next = now.Add(time.Hour)
		}
		params.NextRunAt = &next
	}

	status, err := s.store.FinishJob(context.WithoutCancel(ctx), params, now)
	if err != nil {
		s.logger.Error("job finish failed", "job_id", job.ID, "execution_id", execID, "error", err)
		return
	}
	if !success && s.metrics != nil {
		s.metrics.JobFailures.Add(ctx, 1)
	}
	if status == store.JobPaused {
		s.logger.Warn("job paused after repeated failures", "job_id", job.ID)
	}
	s.logger.Info("job finished",
		"job_id", job.ID,
		"execution_id", execID,
		"success", success,
		"status", string(status))
}

func (s *Scheduler) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	s.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep reclaims tasks stuck running on an expired lease and closes orphaned
// job executions. Run once at startup and then on the sweep cadence.
func (s *Scheduler) Sweep(ctx context.Context) {
	now := s.now()

	reclaimed, failed, err := s.store.SweepStaleRunning(ctx, now, s.cfg.StaleRunningMaxStrikes)
	if err != nil {
		s.logger.Error("stale-running sweep failed", "error", err)
	} else if reclaimed > 0 || failed > 0 {
		if s.metrics != nil {
			s.metrics.StaleReclaimed.Add(ctx, int64(reclaimed))
		}
		s.logger.Info("stale-running sweep", "reclaimed", reclaimed, "failed", failed)
	}

	orphans, err := s.store.SweepOrphanExecutions(ctx, now, s.cfg.OrphanExecGrace)
	if err != nil {
		s.logger.Error("orphan-execution sweep failed", "error", err)
	} else if orphans > 0 {
		s.logger.Info("closed orphaned job executions", "count", orphans)
	}
}
