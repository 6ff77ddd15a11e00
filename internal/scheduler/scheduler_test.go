package scheduler_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/steward/internal/agent"
	"github.com/basket/steward/internal/notify"
	"github.com/basket/steward/internal/scheduler"
	"github.com/basket/steward/internal/store"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses. This avoids fixed time.Sleep calls that cause flaky tests.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "steward.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

type captureSink struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (c *captureSink) Notify(_ context.Context, n notify.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, n)
	return nil
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type fakeRunner struct {
	mu      sync.Mutex
	tasks   []string
	outcome agent.Outcome
	failure string
}

func (f *fakeRunner) RunTask(_ context.Context, taskID string) (*agent.RunReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, taskID)
	return &agent.RunReport{TaskID: taskID, Outcome: f.outcome, Steps: 1, Failure: f.failure}, nil
}

func (f *fakeRunner) ranTasks() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.tasks...)
}

func newTestScheduler(st *store.Store, runner scheduler.TaskRunner, sink notify.Sink, cfg scheduler.Config, now time.Time) *scheduler.Scheduler {
	s := scheduler.New(st, runner, sink, cfg, nil, nil, nil)
	s.SetClock(func() time.Time { return now })
	return s
}

func TestPoll_FiresDueReminder(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)

	runAt := now.Add(-time.Minute)
	jobID, err := st.CreateJob(ctx, &store.Job{
		OwnerID:       "owner-1",
		JobType:       store.JobReminder,
		ScheduleType:  store.ScheduleOnce,
		RunAt:         &runAt,
		NextRunAt:     &runAt,
		ActionType:    store.ActionNotify,
		ActionPayload: "dentist at 3pm",
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	sink := &captureSink{}
	sched := newTestScheduler(st, &fakeRunner{outcome: agent.OutcomeCompleted}, sink, scheduler.Config{}, now)
	sched.Poll(ctx)

	waitFor(t, 2*time.Second, func() bool {
		job, err := st.GetJob(ctx, jobID)
		return err == nil && job.Status == store.JobCompleted
	})

	if sink.count() != 1 {
		t.Fatalf("notifications = %d, want 1", sink.count())
	}
	sink.mu.Lock()
	n := sink.sent[0]
	sink.mu.Unlock()
	if n.Kind != notify.KindReminder || n.Body != "dentist at 3pm" {
		t.Errorf("notification = %+v", n)
	}

	execs, _ := st.ListExecutions(ctx, jobID, 10)
	if len(execs) != 1 || execs[0].Status != store.ExecSuccess {
		t.Errorf("executions = %v, want one success", execs)
	}
	job, _ := st.GetJob(ctx, jobID)
	if job.RunCount != 1 || job.LockedUntil != nil {
		t.Errorf("job = run_count %d, locked_until %v", job.RunCount, job.LockedUntil)
	}
}

func TestPoll_DispatchesAgentTaskAndRearmsCron(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)

	taskID, err := st.CreateTask(ctx, store.TaskParams{OwnerID: "owner-1", Title: "weekly review"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	due := now.Add(-time.Minute)
	jobID, err := st.CreateJob(ctx, &store.Job{
		OwnerID:        "owner-1",
		JobType:        store.JobRecurring,
		ScheduleType:   store.ScheduleCron,
		CronExpression: "0 12 * * *",
		Timezone:       "UTC",
		NextRunAt:      &due,
		ActionType:     store.ActionAgentTask,
		TaskID:         taskID,
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	runner := &fakeRunner{outcome: agent.OutcomeCompleted}
	sched := newTestScheduler(st, runner, &captureSink{}, scheduler.Config{}, now)
	sched.Poll(ctx)

	waitFor(t, 2*time.Second, func() bool {
		job, err := st.GetJob(ctx, jobID)
		return err == nil && job.RunCount == 1
	})

	if tasks := runner.ranTasks(); len(tasks) != 1 || tasks[0] != taskID {
		t.Errorf("runner tasks = %v, want [%s]", tasks, taskID)
	}

	job, _ := st.GetJob(ctx, jobID)
	if job.Status != store.JobActive {
		t.Errorf("status = %s, want still active", job.Status)
	}
	if job.NextRunAt == nil || !job.NextRunAt.After(now) {
		t.Errorf("next_run_at = %v, want re-armed in the future", job.NextRunAt)
	}
	want := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	if !job.NextRunAt.Equal(want) {
		t.Errorf("next_run_at = %v, want %v", job.NextRunAt, want)
	}
}

func TestPoll_FailedRunsPauseTheJob(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)

	taskID, _ := st.CreateTask(ctx, store.TaskParams{OwnerID: "owner-1", Title: "doomed"})
	due := now.Add(-time.Minute)
	jobID, err := st.CreateJob(ctx, &store.Job{
		OwnerID:        "owner-1",
		JobType:        store.JobRecurring,
		ScheduleType:   store.ScheduleCron,
		CronExpression: "*/5 * * * *",
		Timezone:       "UTC",
		NextRunAt:      &due,
		ActionType:     store.ActionAgentTask,
		TaskID:         taskID,
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	runner := &fakeRunner{outcome: agent.OutcomeFailed, failure: "model unavailable"}
	sched := newTestScheduler(st, runner, &captureSink{}, scheduler.Config{MaxConsecutiveFailures: 1}, now)
	sched.Poll(ctx)

	waitFor(t, 2*time.Second, func() bool {
		job, err := st.GetJob(ctx, jobID)
		return err == nil && job.Status == store.JobPaused
	})

	execs, _ := st.ListExecutions(ctx, jobID, 10)
	if len(execs) != 1 || execs[0].Status != store.ExecFailed {
		t.Errorf("executions = %v, want one failure", execs)
	}
	if execs[0].Error == "" {
		t.Error("failure reason not recorded on the execution")
	}
}

func TestPoll_TaskLeaseHeldDoesNotBurnFailureBudget(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)

	taskID, _ := st.CreateTask(ctx, store.TaskParams{OwnerID: "owner-1", Title: "already running"})
	due := now.Add(-time.Minute)
	jobID, _ := st.CreateJob(ctx, &store.Job{
		OwnerID:       "owner-1",
		JobType:       store.JobFollowUp,
		ScheduleType:  store.ScheduleOnce,
		RunAt:         &due,
		NextRunAt:     &due,
		ActionType:    store.ActionAgentTask,
		TaskID:        taskID,
	})

	runner := &fakeRunner{outcome: agent.OutcomeLockHeld}
	sched := newTestScheduler(st, runner, &captureSink{}, scheduler.Config{}, now)
	sched.Poll(ctx)

	waitFor(t, 2*time.Second, func() bool {
		job, err := st.GetJob(ctx, jobID)
		return err == nil && job.RunCount == 1
	})

	job, _ := st.GetJob(ctx, jobID)
	if job.ConsecutiveFailures != 0 {
		t.Errorf("consecutive_failures = %d, lock contention is not a failure", job.ConsecutiveFailures)
	}
	execs, _ := st.ListExecutions(ctx, jobID, 10)
	if len(execs) != 1 || execs[0].Status != store.ExecSuccess {
		t.Errorf("executions = %v", execs)
	}
}

func TestSweep_ReclaimsStaleRuns(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)

	taskID, _ := st.CreateTask(ctx, store.TaskParams{OwnerID: "owner-1", Title: "abandoned"})
	if ok, err := st.AcquireRunLock(ctx, taskID, "dead-process", time.Minute, now.Add(-time.Hour)); err != nil || !ok {
		t.Fatalf("acquire = %v, %v", ok, err)
	}

	sched := newTestScheduler(st, &fakeRunner{outcome: agent.OutcomeCompleted}, &captureSink{}, scheduler.Config{}, now)
	sched.Sweep(ctx)

	task, _ := st.GetTask(ctx, taskID)
	if task.AgentRunState != store.RunNone {
		t.Errorf("run state = %s, want reclaimed to none", task.AgentRunState)
	}
	if task.LockOwner != "" {
		t.Error("stale lease not cleared")
	}
	if task.StaleCount != 1 {
		t.Errorf("stale_count = %d, want 1", task.StaleCount)
	}
}
