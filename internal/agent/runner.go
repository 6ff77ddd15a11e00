// Package agent runs the bounded tool-calling loop that works a task forward.
// A run holds the task's lease for its whole duration and always ends in one
// of a small set of outcomes; the loop itself never loops forever.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/basket/steward/internal/assembler"
	"github.com/basket/steward/internal/bus"
	"github.com/basket/steward/internal/llm"
	"github.com/basket/steward/internal/notify"
	"github.com/basket/steward/internal/store"
	"github.com/basket/steward/internal/telemetry"
)

// Outcome is how a run ended.
type Outcome string

const (
	// OutcomeCompleted and OutcomeNeedsInput are the terminal tool outcomes.
	OutcomeCompleted  Outcome = "completed"
	OutcomeNeedsInput Outcome = "needs_input"

	// OutcomeFailed covers model-call and persistence failures.
	OutcomeFailed Outcome = "failed"

	// OutcomeStepBudget means the run hit the step ceiling. It is not a
	// failure; the task returns to a runnable state.
	OutcomeStepBudget Outcome = "step_budget"

	// OutcomeIdle means the model stopped calling tools without finishing.
	OutcomeIdle Outcome = "idle"

	// OutcomeLockHeld means another runner holds the task lease. Normal
	// under concurrent schedulers.
	OutcomeLockHeld Outcome = "lock_held"

	// OutcomeLeaseLost means the lease could not be renewed mid-run; the
	// sweep reclaimed the task. The run stops without touching state.
	OutcomeLeaseLost Outcome = "lease_lost"
)

// RunReport summarizes one run.
type RunReport struct {
	TaskID  string
	Outcome Outcome
	Steps   int
	Failure string
}

// Config bounds a run.
type Config struct {
	MaxSteps            int
	CompactAfterEntries int
	CompactAfterSteps   int
	CompactKeepRecent   int
	TaskLease           time.Duration

	// Instance prefixes the lease owner token so stale locks are
	// attributable to a process.
	Instance string
}

func (c *Config) applyDefaults() {
	if c.MaxSteps <= 0 {
		c.MaxSteps = 50
	}
	if c.CompactAfterEntries <= 0 {
		c.CompactAfterEntries = 30
	}
	if c.CompactAfterSteps <= 0 {
		c.CompactAfterSteps = 15
	}
	if c.CompactKeepRecent <= 0 {
		c.CompactKeepRecent = 20
	}
	if c.TaskLease <= 0 {
		c.TaskLease = 30 * time.Minute
	}
	if c.Instance == "" {
		c.Instance = "steward"
	}
}

// Runner executes agent runs.
type Runner struct {
	store     *store.Store
	assembler *assembler.Assembler
	client    llm.Client
	registry  *Registry
	env       *Env
	cfg       Config
	metrics   *telemetry.Metrics
	eventBus  *bus.Bus
	logger    *slog.Logger
}

func NewRunner(st *store.Store, asm *assembler.Assembler, client llm.Client, registry *Registry, env *Env, cfg Config, metrics *telemetry.Metrics, eventBus *bus.Bus, logger *slog.Logger) *Runner {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:     st,
		assembler: asm,
		client:    client,
		registry:  registry,
		env:       env,
		cfg:       cfg,
		metrics:   metrics,
		eventBus:  eventBus,
		logger:    logger,
	}
}

// RunTask executes one bounded run against the task. Losing the lease race is
// a normal outcome, not an error; the returned error is reserved for the
// run's own failure to record its outcome.
func (r *Runner) RunTask(ctx context.Context, taskID string) (*RunReport, error) {
	owner := r.cfg.Instance + ":" + uuid.NewString()[:8]
	now := r.env.now()

	acquired, err := r.store.AcquireRunLock(ctx, taskID, owner, r.cfg.TaskLease, now)
	if err != nil {
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	if !acquired {
		if r.metrics != nil {
			r.metrics.LockContention.Add(ctx, 1)
		}
		r.logger.Debug("task lease unavailable", "task_id", taskID)
		return &RunReport{TaskID: taskID, Outcome: OutcomeLockHeld}, nil
	}

	// The lease is released no matter how the run ends. State is finalized
	// before this fires, so a crash between the two leaves an expired lease
	// for the sweep, never a wedged one.
	defer func() {
		if err := r.store.ReleaseRunLock(context.WithoutCancel(ctx), taskID, owner); err != nil {
			r.logger.Error("release run lock failed", "task_id", taskID, "error", err)
		}
	}()

	if r.metrics != nil {
		r.metrics.ActiveRuns.Add(ctx, 1)
		defer r.metrics.ActiveRuns.Add(ctx, -1)
	}
	started := time.Now()
	defer func() {
		if r.metrics != nil {
			r.metrics.RunDuration.Record(ctx, time.Since(started).Seconds())
		}
	}()

	report := r.runLoop(ctx, taskID, owner)

	r.logger.Info("agent run finished",
		"task_id", taskID,
		"outcome", string(report.Outcome),
		"steps", report.Steps,
		"failure", report.Failure)
	return report, nil
}

func (r *Runner) runLoop(ctx context.Context, taskID, owner string) *RunReport {
	report := &RunReport{TaskID: taskID}

	tc, err := r.assembler.Assemble(ctx, taskID)
	if err != nil {
		return r.finalizeFailure(ctx, report, fmt.Sprintf("context assembly failed: %v", err))
	}

	policy := compactionPolicy{
		MaxEntries: r.cfg.CompactAfterEntries,
		MinSteps:   r.cfg.CompactAfterSteps,
		KeepRecent: r.cfg.CompactKeepRecent,
	}
	messages := []llm.Message{{Role: llm.RoleUser, Content: buildBriefing(tc)}}

	for {
		if err := ctx.Err(); err != nil {
			return r.finalizeFailure(ctx, report, fmt.Sprintf("run cancelled: %v", err))
		}

		messages = policy.compact(messages, report.Steps)

		step, err := r.client.Next(ctx, llm.Request{
			System:   systemPrompt,
			Messages: messages,
			Tools:    r.registry.Specs(),
		})
		if err != nil {
			return r.finalizeFailure(ctx, report, fmt.Sprintf("model call failed: %v", err))
		}

		if len(step.Calls) == 0 {
			// The model went idle without a terminal tool. The run ends
			// and the task returns to runnable so a follow-up can retry.
			if step.Text != "" {
				r.recordNote(ctx, taskID, step.Text)
			}
			report.Outcome = OutcomeIdle
			if err := r.store.ResetRunState(ctx, taskID, r.env.now()); err != nil {
				r.logger.Error("reset run state failed", "task_id", taskID, "error", err)
			}
			return report
		}

		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   step.Text,
			ToolCalls: step.Calls,
		})

		for _, call := range step.Calls {
			if report.Steps >= r.cfg.MaxSteps {
				report.Outcome = OutcomeStepBudget
				r.recordNote(ctx, taskID, fmt.Sprintf("run paused after %d steps; remaining work needs a follow-up", report.Steps))
				if err := r.store.ResetRunState(ctx, taskID, r.env.now()); err != nil {
					r.logger.Error("reset run state failed", "task_id", taskID, "error", err)
				}
				return report
			}
			report.Steps++

			result, err := r.registry.Dispatch(ctx, r.env, taskID, call)
			if err != nil {
				if r.metrics != nil {
					r.metrics.ToolCallErrors.Add(ctx, 1)
				}
				return r.finalizeFailure(ctx, report, fmt.Sprintf("tool %s failed: %v", call.Name, err))
			}
			if !result.Success && r.metrics != nil {
				r.metrics.ToolCallErrors.Add(ctx, 1)
			}
			if r.metrics != nil {
				r.metrics.RunnerSteps.Add(ctx, 1)
			}
			if r.eventBus != nil {
				r.eventBus.Publish(bus.TopicRunStep, bus.RunStepEvent{TaskID: taskID, Step: report.Steps, Tool: call.Name})
			}

			payload, _ := json.Marshal(result)
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				ToolCallID: call.ID,
				Name:       call.Name,
				Content:    string(payload),
			})

			switch result.Terminal {
			case TerminalCompleted:
				report.Outcome = OutcomeCompleted
				return report
			case TerminalNeedsInput:
				report.Outcome = OutcomeNeedsInput
				return report
			}
		}

		renewed, err := r.store.RenewRunLock(ctx, taskID, owner, r.cfg.TaskLease, r.env.now())
		if err != nil {
			return r.finalizeFailure(ctx, report, fmt.Sprintf("lease renewal failed: %v", err))
		}
		if !renewed {
			// The sweep reclaimed the task; someone else may own it now,
			// so this run must not write any more state.
			r.logger.Warn("task lease lost mid-run", "task_id", taskID, "steps", report.Steps)
			report.Outcome = OutcomeLeaseLost
			return report
		}
	}
}

// finalizeFailure records a failed run: run state failed with a reason, a
// thread note, and an owner notification. Recording is best-effort beyond the
// state write itself.
func (r *Runner) finalizeFailure(ctx context.Context, report *RunReport, reason string) *RunReport {
	report.Outcome = OutcomeFailed
	report.Failure = reason

	ctx = context.WithoutCancel(ctx)
	if err := r.store.MarkRunFailed(ctx, report.TaskID, reason, r.env.now()); err != nil {
		r.logger.Error("mark run failed did not persist", "task_id", report.TaskID, "error", err)
	}
	r.recordNote(ctx, report.TaskID, "agent run failed: "+reason)
	r.env.bestEffortNotify(ctx, notify.Notification{
		OwnerID: r.env.OwnerID,
		Kind:    notify.KindFailed,
		Title:   "Agent run failed",
		Body:    reason,
		TaskID:  report.TaskID,
	})
	return report
}

func (r *Runner) recordNote(ctx context.Context, taskID, content string) {
	if _, err := r.store.AddComment(ctx, store.Comment{
		TaskID:     taskID,
		AuthorType: store.ActorAgent,
		AuthorID:   r.env.AgentID,
		Type:       store.CommentNote,
		Content:    content,
	}); err != nil {
		r.logger.Warn("run note not recorded", "task_id", taskID, "error", err)
	}
}
