package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/steward/internal/bus"
	"github.com/google/uuid"
)

// TaskStatus is the human-facing lifecycle of a task.
type TaskStatus string

const (
	TaskTodo       TaskStatus = "todo"
	TaskInProgress TaskStatus = "in_progress"
	TaskWaitingOn  TaskStatus = "waiting_on"
	TaskDone       TaskStatus = "done"
)

// AgentRunState tracks the agent's activity on a task, orthogonal to Status.
type AgentRunState string

const (
	RunNone       AgentRunState = "none"
	RunRunning    AgentRunState = "running"
	RunNeedsInput AgentRunState = "needs_input"
	RunCompleted  AgentRunState = "completed"
	RunFailed     AgentRunState = "failed"
)

// Priority orders tasks for presentation; it has no scheduling effect.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// ActorType distinguishes the human owner from the agent.
type ActorType string

const (
	ActorUser  ActorType = "user"
	ActorAgent ActorType = "agent"
)

// Task is a unit of work. BlockedBy holds IDs of tasks that must reach done
// before this one is actionable.
type Task struct {
	ID             string
	OwnerID        string
	ProjectID      string
	Title          string
	Description    string
	Priority       Priority
	Status         TaskStatus
	DueDate        *time.Time
	AssigneeType   ActorType
	AssigneeID     string
	BlockedBy      []string
	AgentRunState  AgentRunState
	FailureReason  string
	RetryCount     int
	StaleCount     int
	LastAgentRunAt *time.Time
	LockOwner      string
	LockExpiresAt  *time.Time
	CompletedAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TaskParams are the caller-supplied fields for CreateTask.
type TaskParams struct {
	OwnerID      string
	ProjectID    string
	Title        string
	Description  string
	Priority     Priority
	DueDate      *time.Time
	AssigneeType ActorType
	AssigneeID   string
	BlockedBy    []string
}

const taskColumns = `id, owner_id, COALESCE(project_id, ''), title, description, priority, status,
	due_date, assignee_type, assignee_id, blocked_by, agent_run_state,
	COALESCE(failure_reason, ''), retry_count, stale_count, last_agent_run_at,
	COALESCE(lock_owner, ''), lock_expires_at, completed_at, created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	var t Task
	var projectID, blockedBy string
	var dueDate, lastRunAt, lockExpires, completedAt sql.NullTime
	err := row.Scan(
		&t.ID, &t.OwnerID, &projectID, &t.Title, &t.Description, &t.Priority, &t.Status,
		&dueDate, &t.AssigneeType, &t.AssigneeID, &blockedBy, &t.AgentRunState,
		&t.FailureReason, &t.RetryCount, &t.StaleCount, &lastRunAt,
		&t.LockOwner, &lockExpires, &completedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.ProjectID = projectID
	if err := json.Unmarshal([]byte(blockedBy), &t.BlockedBy); err != nil {
		return nil, fmt.Errorf("decode blocked_by for task %s: %w", t.ID, err)
	}
	if dueDate.Valid {
		t.DueDate = &dueDate.Time
	}
	if lastRunAt.Valid {
		t.LastAgentRunAt = &lastRunAt.Time
	}
	if lockExpires.Valid {
		t.LockExpiresAt = &lockExpires.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return &t, nil
}

// CreateTask inserts a new task in status todo with no agent activity.
func (s *Store) CreateTask(ctx context.Context, p TaskParams) (string, error) {
	if p.Title == "" {
		return "", fmt.Errorf("task title required")
	}
	if p.Priority == "" {
		p.Priority = PriorityMedium
	}
	if p.AssigneeType == "" {
		p.AssigneeType = ActorAgent
	}
	if p.BlockedBy == nil {
		p.BlockedBy = []string{}
	}
	blockedBy, err := json.Marshal(p.BlockedBy)
	if err != nil {
		return "", fmt.Errorf("encode blocked_by: %w", err)
	}

	id := uuid.NewString()
	var projectID any
	if p.ProjectID != "" {
		projectID = p.ProjectID
	}
	var dueDate any
	if p.DueDate != nil {
		dueDate = ts(*p.DueDate)
	}

	err = retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (id, owner_id, project_id, title, description, priority,
				due_date, assignee_type, assignee_id, blocked_by)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, id, p.OwnerID, projectID, p.Title, p.Description, p.Priority,
			dueDate, p.AssigneeType, p.AssigneeID, string(blockedBy))
		return err
	})
	if err != nil {
		return "", writeErr("create task", err)
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicTaskCreated, bus.TaskEvent{TaskID: id, Title: p.Title, Detail: p.Description})
	}
	return id, nil
}

// GetTask fetches a task by ID. Returns ErrNotFound when absent.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// ListTasks returns an owner's non-done tasks, newest first.
func (s *Store) ListTasks(ctx context.Context, ownerID string) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE owner_id = ? AND status != 'done'
		ORDER BY created_at DESC;
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListOpenBlockers returns the blockers (status != done) among the given IDs.
func (s *Store) ListOpenBlockers(ctx context.Context, ids []string) ([]*Task, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := ""
	args := make([]any, 0, len(ids))
	for i, id := range ids {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE id IN (`+placeholders+`) AND status != 'done'
		ORDER BY created_at;
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list open blockers: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func collectTasks(rows *sql.Rows) ([]*Task, error) {
	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// UpdateTaskStatus sets the human-facing status. Reports whether a row changed.
// Moving to done stamps completed_at; moving out of done clears it.
func (s *Store) UpdateTaskStatus(ctx context.Context, id string, status TaskStatus, now time.Time) (bool, error) {
	switch status {
	case TaskTodo, TaskInProgress, TaskWaitingOn, TaskDone:
	default:
		return false, fmt.Errorf("invalid task status %q", status)
	}
	var res sql.Result
	err := retryOnBusy(ctx, 3, func() error {
		var err error
		res, err = s.db.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?,
			    completed_at = CASE WHEN ? = 'done' THEN ? ELSE NULL END,
			    updated_at = ?
			WHERE id = ? AND status != ?;
		`, status, status, ts(now), ts(now), id, status)
		return err
	})
	if err != nil {
		return false, writeErr("update task status", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// AcquireRunLock attempts to take the agent-run lease on a task with one
// conditional update. It succeeds only when the task is not done and the lease
// is free or expired; on success the run state becomes running. A false return
// with nil error means another holder won, which is not an error condition.
func (s *Store) AcquireRunLock(ctx context.Context, id, owner string, lease time.Duration, now time.Time) (bool, error) {
	var res sql.Result
	err := retryOnBusy(ctx, 3, func() error {
		var err error
		res, err = s.db.ExecContext(ctx, `
			UPDATE tasks
			SET lock_owner = ?,
			    lock_expires_at = ?,
			    agent_run_state = 'running',
			    last_agent_run_at = ?,
			    updated_at = ?
			WHERE id = ?
			  AND status != 'done'
			  AND (lock_expires_at IS NULL OR lock_expires_at <= ?);
		`, owner, ts(now.Add(lease)), ts(now), ts(now), id, ts(now))
		return err
	})
	if err != nil {
		return false, writeErr("acquire run lock", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RenewRunLock extends the lease mid-run. It only succeeds for the current
// holder while the run is still live.
func (s *Store) RenewRunLock(ctx context.Context, id, owner string, lease time.Duration, now time.Time) (bool, error) {
	var res sql.Result
	err := retryOnBusy(ctx, 3, func() error {
		var err error
		res, err = s.db.ExecContext(ctx, `
			UPDATE tasks
			SET lock_expires_at = ?, updated_at = ?
			WHERE id = ? AND lock_owner = ? AND agent_run_state = 'running';
		`, ts(now.Add(lease)), ts(now), id, owner)
		return err
	})
	if err != nil {
		return false, writeErr("renew run lock", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ReleaseRunLock clears the lease if the caller still holds it. It never
// touches run state; callers finalize state before releasing.
func (s *Store) ReleaseRunLock(ctx context.Context, id, owner string) error {
	err := retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE tasks
			SET lock_owner = NULL, lock_expires_at = NULL
			WHERE id = ? AND lock_owner = ?;
		`, id, owner)
		return err
	})
	if err != nil {
		return writeErr("release run lock", err)
	}
	return nil
}

// CompleteTask finalizes a task as done with run state completed. A task that
// is already done is left untouched and reported as false, which makes repeat
// completion calls harmless.
func (s *Store) CompleteTask(ctx context.Context, id string, now time.Time) (bool, error) {
	var res sql.Result
	err := retryOnBusy(ctx, 3, func() error {
		var err error
		res, err = s.db.ExecContext(ctx, `
			UPDATE tasks
			SET status = 'done',
			    agent_run_state = 'completed',
			    completed_at = ?,
			    failure_reason = NULL,
			    stale_count = 0,
			    updated_at = ?
			WHERE id = ? AND status != 'done';
		`, ts(now), ts(now), id)
		return err
	})
	if err != nil {
		return false, writeErr("complete task", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 && s.bus != nil {
		s.bus.Publish(bus.TopicTaskCompleted, bus.TaskEvent{TaskID: id})
	}
	return n > 0, nil
}

// MarkNeedsInput parks a task waiting on its owner: status waiting_on, run
// state needs_input. Done tasks are not reopened.
func (s *Store) MarkNeedsInput(ctx context.Context, id string, now time.Time) (bool, error) {
	var res sql.Result
	err := retryOnBusy(ctx, 3, func() error {
		var err error
		res, err = s.db.ExecContext(ctx, `
			UPDATE tasks
			SET status = 'waiting_on', agent_run_state = 'needs_input', updated_at = ?
			WHERE id = ? AND status != 'done';
		`, ts(now), id)
		return err
	})
	if err != nil {
		return false, writeErr("mark needs input", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 && s.bus != nil {
		s.bus.Publish(bus.TopicTaskNeedsInput, bus.TaskEvent{TaskID: id})
	}
	return n > 0, nil
}

// MarkRunFailed records a failed agent run. The human-facing status is left
// alone so the task stays visible on the board. Done tasks are never touched:
// a completion that lands before the failure path keeps its final state.
func (s *Store) MarkRunFailed(ctx context.Context, id, reason string, now time.Time) error {
	var res sql.Result
	err := retryOnBusy(ctx, 3, func() error {
		var err error
		res, err = s.db.ExecContext(ctx, `
			UPDATE tasks
			SET agent_run_state = 'failed',
			    failure_reason = ?,
			    retry_count = retry_count + 1,
			    updated_at = ?
			WHERE id = ? AND status != 'done';
		`, reason, ts(now), id)
		return err
	})
	if err != nil {
		return writeErr("mark run failed", err)
	}
	if n, _ := res.RowsAffected(); n > 0 && s.bus != nil {
		s.bus.Publish(bus.TopicTaskFailed, bus.TaskEvent{TaskID: id, Detail: reason})
	}
	return nil
}

// ResetRunState returns a task to agent_run_state none if a run ended without
// a terminal outcome (step budget reached, model went idle).
func (s *Store) ResetRunState(ctx context.Context, id string, now time.Time) error {
	err := retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE tasks
			SET agent_run_state = 'none', updated_at = ?
			WHERE id = ? AND agent_run_state = 'running';
		`, ts(now), id)
		return err
	})
	if err != nil {
		return writeErr("reset run state", err)
	}
	return nil
}

// SweepStaleRunning reclaims tasks stuck in agent_run_state running with an
// expired lease, which happens when a run's process died mid-flight. Each
// sweep observation adds a strike; below maxStrikes the task is reset to none
// so a later job can retry it, and at maxStrikes it is marked failed. Returns
// the reclaimed and failed counts.
func (s *Store) SweepStaleRunning(ctx context.Context, now time.Time, maxStrikes int) (reclaimed, failed int, err error) {
	if maxStrikes <= 0 {
		maxStrikes = 3
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("begin sweep tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, stale_count FROM tasks
		WHERE agent_run_state = 'running'
		  AND lock_expires_at IS NOT NULL
		  AND lock_expires_at <= ?;
	`, ts(now))
	if err != nil {
		return 0, 0, fmt.Errorf("query stale running: %w", err)
	}
	type stale struct {
		id      string
		strikes int
	}
	var found []stale
	for rows.Next() {
		var st stale
		if err := rows.Scan(&st.id, &st.strikes); err != nil {
			rows.Close()
			return 0, 0, fmt.Errorf("scan stale running: %w", err)
		}
		found = append(found, st)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, 0, err
	}

	var reclaimedIDs, failedIDs []string
	for _, st := range found {
		if st.strikes+1 >= maxStrikes {
			_, err = tx.ExecContext(ctx, `
				UPDATE tasks
				SET agent_run_state = 'failed',
				    failure_reason = 'agent run lease expired repeatedly without completing',
				    retry_count = retry_count + 1,
				    lock_owner = NULL,
				    lock_expires_at = NULL,
				    updated_at = ?
				WHERE id = ? AND agent_run_state = 'running';
			`, ts(now), st.id)
			failedIDs = append(failedIDs, st.id)
		} else {
			_, err = tx.ExecContext(ctx, `
				UPDATE tasks
				SET agent_run_state = 'none',
				    stale_count = stale_count + 1,
				    lock_owner = NULL,
				    lock_expires_at = NULL,
				    updated_at = ?
				WHERE id = ? AND agent_run_state = 'running';
			`, ts(now), st.id)
			reclaimedIDs = append(reclaimedIDs, st.id)
		}
		if err != nil {
			return 0, 0, writeErr("sweep stale running", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit sweep tx: %w", err)
	}

	if s.bus != nil {
		for _, id := range reclaimedIDs {
			s.bus.Publish(bus.TopicTaskReclaimed, bus.TaskEvent{TaskID: id, Detail: "lease expired, run state reset"})
		}
		for _, id := range failedIDs {
			s.bus.Publish(bus.TopicTaskFailed, bus.TaskEvent{TaskID: id, Detail: "stale run strikes exhausted"})
		}
	}
	return len(reclaimedIDs), len(failedIDs), nil
}

// AddTaskBlocker appends blockerID to the task's blocked_by list if not
// already present.
func (s *Store) AddTaskBlocker(ctx context.Context, taskID, blockerID string, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin blocker tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var raw string
	if err := tx.QueryRowContext(ctx, `SELECT blocked_by FROM tasks WHERE id = ?;`, taskID).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}
		return fmt.Errorf("read blocked_by: %w", err)
	}
	var blockedBy []string
	if err := json.Unmarshal([]byte(raw), &blockedBy); err != nil {
		return fmt.Errorf("decode blocked_by for task %s: %w", taskID, err)
	}
	for _, b := range blockedBy {
		if b == blockerID {
			return tx.Commit()
		}
	}
	blockedBy = append(blockedBy, blockerID)
	encoded, err := json.Marshal(blockedBy)
	if err != nil {
		return fmt.Errorf("encode blocked_by: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET blocked_by = ?, updated_at = ? WHERE id = ?;
	`, string(encoded), ts(now), taskID); err != nil {
		return writeErr("add task blocker", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit blocker tx: %w", err)
	}
	return nil
}

// DeleteTask removes a task and scrubs it out of every other task's blocked_by
// list so no dangling dependency edges survive. Comments are kept as audit
// history.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?;`, id)
	if err != nil {
		return writeErr("delete task", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, blocked_by FROM tasks WHERE blocked_by LIKE '%' || ? || '%';
	`, id)
	if err != nil {
		return fmt.Errorf("query dependents: %w", err)
	}
	type dep struct {
		id        string
		blockedBy []string
	}
	var deps []dep
	for rows.Next() {
		var d dep
		var raw string
		if err := rows.Scan(&d.id, &raw); err != nil {
			rows.Close()
			return fmt.Errorf("scan dependent: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &d.blockedBy); err != nil {
			rows.Close()
			return fmt.Errorf("decode blocked_by for %s: %w", d.id, err)
		}
		deps = append(deps, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, d := range deps {
		filtered := d.blockedBy[:0]
		for _, b := range d.blockedBy {
			if b != id {
				filtered = append(filtered, b)
			}
		}
		if len(filtered) == len(d.blockedBy) {
			continue
		}
		encoded, err := json.Marshal(filtered)
		if err != nil {
			return fmt.Errorf("encode blocked_by for %s: %w", d.id, err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET blocked_by = ? WHERE id = ?;
		`, string(encoded), d.id); err != nil {
			return writeErr("scrub blocked_by", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete tx: %w", err)
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicTaskDeleted, bus.TaskEvent{TaskID: id})
	}
	return nil
}
