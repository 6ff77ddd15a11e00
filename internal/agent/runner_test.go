package agent_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/basket/steward/internal/agent"
	"github.com/basket/steward/internal/assembler"
	"github.com/basket/steward/internal/llm"
	"github.com/basket/steward/internal/notify"
	"github.com/basket/steward/internal/store"
)

// scriptedClient replays a fixed sequence of model steps. After the script
// runs out it returns repeat (when set) forever, or an empty idle step.
type scriptedClient struct {
	script   []*llm.Step
	errs     []error
	repeat   *llm.Step
	requests []llm.Request
}

func (c *scriptedClient) Next(_ context.Context, req llm.Request) (*llm.Step, error) {
	i := len(c.requests)
	c.requests = append(c.requests, req)
	if i < len(c.errs) && c.errs[i] != nil {
		return nil, c.errs[i]
	}
	if i < len(c.script) {
		return c.script[i], nil
	}
	if c.repeat != nil {
		return c.repeat, nil
	}
	return &llm.Step{}, nil
}

func toolStep(id, name, args string) *llm.Step {
	return &llm.Step{Calls: []llm.ToolCall{{ID: id, Name: name, Arguments: []byte(args)}}}
}

func newTestRunner(t *testing.T, st *store.Store, client llm.Client, cfg agent.Config) (*agent.Runner, *captureSink) {
	t.Helper()
	env, sink := testEnv(t, st)
	asm := assembler.New(st, nil, nil)
	runner := agent.NewRunner(st, asm, client, newRegistry(t), env, cfg, nil, nil, nil)
	return runner, sink
}

func TestRunTask_CompletesThroughTerminalTool(t *testing.T) {
	st := openTestStore(t)
	taskID := mustCreateTask(t, st, "book the flight")
	client := &scriptedClient{script: []*llm.Step{
		toolStep("c1", "log_progress", `{"message": "found a direct flight"}`),
		toolStep("c2", "mark_task_complete", `{"summary": "booked seat 4A"}`),
	}}
	runner, sink := newTestRunner(t, st, client, agent.Config{})

	report, err := runner.RunTask(context.Background(), taskID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Outcome != agent.OutcomeCompleted {
		t.Fatalf("outcome = %s, want completed (failure: %s)", report.Outcome, report.Failure)
	}
	if report.Steps != 2 {
		t.Errorf("steps = %d, want 2", report.Steps)
	}

	ctx := context.Background()
	task, _ := st.GetTask(ctx, taskID)
	if task.Status != store.TaskDone || task.AgentRunState != store.RunCompleted {
		t.Errorf("task = %s/%s", task.Status, task.AgentRunState)
	}
	if task.LockOwner != "" || task.LockExpiresAt != nil {
		t.Error("lease not released after the run")
	}

	comments, _ := st.ListTaskComments(ctx, taskID)
	if len(comments) != 2 {
		t.Fatalf("comments = %d, want progress then resolution", len(comments))
	}
	if comments[0].Type != store.CommentProgress || comments[1].Type != store.CommentResolution {
		t.Errorf("comment order = %s, %s", comments[0].Type, comments[1].Type)
	}
	if len(sink.sent) != 1 || sink.sent[0].Kind != notify.KindCompleted {
		t.Errorf("notifications = %v", sink.sent)
	}
}

func TestRunTask_StepBudgetIsNotAFailure(t *testing.T) {
	st := openTestStore(t)
	taskID := mustCreateTask(t, st, "endless work")
	client := &scriptedClient{repeat: toolStep("c", "log_progress", `{"message": "still going"}`)}
	runner, sink := newTestRunner(t, st, client, agent.Config{MaxSteps: 3})

	report, err := runner.RunTask(context.Background(), taskID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Outcome != agent.OutcomeStepBudget {
		t.Fatalf("outcome = %s, want step_budget", report.Outcome)
	}
	if report.Steps != 3 {
		t.Errorf("steps = %d, want the budget of 3", report.Steps)
	}

	ctx := context.Background()
	task, _ := st.GetTask(ctx, taskID)
	if task.AgentRunState != store.RunNone {
		t.Errorf("run state = %s, want none so the task stays runnable", task.AgentRunState)
	}
	if task.FailureReason != "" || task.RetryCount != 0 {
		t.Error("step budget was recorded as a failure")
	}
	if task.LockOwner != "" {
		t.Error("lease not released")
	}

	comments, _ := st.ListTaskComments(ctx, taskID)
	// Three progress entries plus the pause note.
	if len(comments) != 4 {
		t.Errorf("comments = %d, want 4", len(comments))
	}
	for _, n := range sink.sent {
		if n.Kind == notify.KindFailed {
			t.Error("budget exhaustion notified as failure")
		}
	}
}

func TestRunTask_ModelErrorFailsTheRun(t *testing.T) {
	st := openTestStore(t)
	taskID := mustCreateTask(t, st, "flaky provider")
	client := &scriptedClient{errs: []error{&llm.ModelCallError{Model: "test", Err: errors.New("503 upstream")}}}
	runner, sink := newTestRunner(t, st, client, agent.Config{})

	report, err := runner.RunTask(context.Background(), taskID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Outcome != agent.OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", report.Outcome)
	}

	ctx := context.Background()
	task, _ := st.GetTask(ctx, taskID)
	if task.AgentRunState != store.RunFailed {
		t.Errorf("run state = %s, want failed", task.AgentRunState)
	}
	if !strings.Contains(task.FailureReason, "model call failed") {
		t.Errorf("failure_reason = %q", task.FailureReason)
	}
	if task.RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", task.RetryCount)
	}
	if task.LockOwner != "" {
		t.Error("lease not released after failure")
	}
	if len(sink.sent) != 1 || sink.sent[0].Kind != notify.KindFailed {
		t.Errorf("notifications = %v, want one failure alert", sink.sent)
	}
}

func TestRunTask_IdleModelEndsRunCleanly(t *testing.T) {
	st := openTestStore(t)
	taskID := mustCreateTask(t, st, "model wanders off")
	client := &scriptedClient{script: []*llm.Step{{Text: "I think that covers it."}}}
	runner, _ := newTestRunner(t, st, client, agent.Config{})

	report, err := runner.RunTask(context.Background(), taskID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Outcome != agent.OutcomeIdle {
		t.Fatalf("outcome = %s, want idle", report.Outcome)
	}

	ctx := context.Background()
	task, _ := st.GetTask(ctx, taskID)
	if task.AgentRunState != store.RunNone {
		t.Errorf("run state = %s, want none", task.AgentRunState)
	}
	comments, _ := st.ListTaskComments(ctx, taskID)
	if len(comments) != 1 || !strings.Contains(comments[0].Content, "covers it") {
		t.Errorf("idle text not preserved on the thread: %v", comments)
	}
}

func TestRunTask_LockHeldIsANormalOutcome(t *testing.T) {
	st := openTestStore(t)
	taskID := mustCreateTask(t, st, "contended")
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	if ok, err := st.AcquireRunLock(context.Background(), taskID, "other-runner", 30*time.Minute, now); err != nil || !ok {
		t.Fatalf("pre-acquire = %v, %v", ok, err)
	}

	client := &scriptedClient{}
	runner, sink := newTestRunner(t, st, client, agent.Config{})

	report, err := runner.RunTask(context.Background(), taskID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Outcome != agent.OutcomeLockHeld {
		t.Fatalf("outcome = %s, want lock_held", report.Outcome)
	}
	if len(client.requests) != 0 {
		t.Error("model was called without holding the lease")
	}
	if len(sink.sent) != 0 {
		t.Error("lock contention produced notifications")
	}

	task, _ := st.GetTask(context.Background(), taskID)
	if task.LockOwner != "other-runner" {
		t.Errorf("lease owner = %q, the loser must not touch it", task.LockOwner)
	}
}

func TestRunTask_CompactsLongTranscripts(t *testing.T) {
	st := openTestStore(t)
	taskID := mustCreateTask(t, st, "long haul")
	client := &scriptedClient{repeat: toolStep("c", "log_progress", `{"message": "chipping away"}`)}
	runner, _ := newTestRunner(t, st, client, agent.Config{
		MaxSteps:            8,
		CompactAfterEntries: 6,
		CompactAfterSteps:   2,
		CompactKeepRecent:   4,
	})

	report, err := runner.RunTask(context.Background(), taskID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Outcome != agent.OutcomeStepBudget {
		t.Fatalf("outcome = %s", report.Outcome)
	}

	compacted := false
	for _, req := range client.requests {
		if len(req.Messages) == 0 {
			t.Fatal("empty transcript sent to the model")
		}
		if !strings.Contains(req.Messages[0].Content, "Here is the task") {
			t.Error("briefing missing from transcript head")
		}
		if len(req.Messages) > 7 {
			t.Errorf("transcript grew to %d entries despite compaction", len(req.Messages))
		}
		for _, m := range req.Messages {
			if strings.Contains(m.Content, "compacted") {
				compacted = true
			}
		}
		// A tool result must never open the window with its call elided.
		if len(req.Messages) > 1 && req.Messages[1].Role == llm.RoleTool {
			t.Error("transcript window starts with an orphaned tool result")
		}
	}
	if !compacted {
		t.Error("compaction never fired")
	}
}
