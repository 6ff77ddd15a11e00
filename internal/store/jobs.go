package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/steward/internal/bus"
	"github.com/google/uuid"
)

// JobType describes why a job exists.
type JobType string

const (
	JobReminder  JobType = "reminder"
	JobFollowUp  JobType = "follow_up"
	JobRecurring JobType = "recurring"
	JobOneTime   JobType = "one_time"
)

// ScheduleType distinguishes one-shot from recurring jobs.
type ScheduleType string

const (
	ScheduleOnce ScheduleType = "once"
	ScheduleCron ScheduleType = "cron"
)

// ActionType is what firing the job does.
type ActionType string

const (
	ActionNotify    ActionType = "notify"
	ActionAgentTask ActionType = "agent_task"
)

// JobStatus is the job lifecycle.
type JobStatus string

const (
	JobActive    JobStatus = "active"
	JobPaused    JobStatus = "paused"
	JobCompleted JobStatus = "completed"
	JobCancelled JobStatus = "cancelled"
)

// ExecStatus is the outcome of one firing.
type ExecStatus string

const (
	ExecRunning ExecStatus = "running"
	ExecSuccess ExecStatus = "success"
	ExecFailed  ExecStatus = "failed"
	ExecSkipped ExecStatus = "skipped"
)

// Job is a scheduled unit of future work. Cron jobs carry an IANA timezone
// that governs wall-clock evaluation of the expression.
type Job struct {
	ID                  string
	OwnerID             string
	JobType             JobType
	ScheduleType        ScheduleType
	RunAt               *time.Time
	CronExpression      string
	Timezone            string
	ActionType          ActionType
	ActionPayload       string
	TaskID              string
	ProjectID           string
	ConversationID      string
	NextRunAt           *time.Time
	LastRunAt           *time.Time
	LastLockAt          *time.Time
	LockedUntil         *time.Time
	RunCount            int
	MaxRuns             int
	ConsecutiveFailures int
	CancelConditions    string
	Status              JobStatus
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// JobExecution is the audit record of one firing.
type JobExecution struct {
	ID          int64
	JobID       string
	Status      ExecStatus
	StartedAt   time.Time
	CompletedAt *time.Time
	Result      string
	Error       string
}

const jobColumns = `id, owner_id, job_type, schedule_type, run_at,
	COALESCE(cron_expression, ''), timezone, action_type, action_payload,
	COALESCE(task_id, ''), COALESCE(project_id, ''), COALESCE(conversation_id, ''),
	next_run_at, last_run_at, last_lock_at, locked_until,
	run_count, max_runs, consecutive_failures, cancel_conditions, status,
	created_at, updated_at`

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var j Job
	var runAt, nextRunAt, lastRunAt, lastLockAt, lockedUntil sql.NullTime
	err := row.Scan(
		&j.ID, &j.OwnerID, &j.JobType, &j.ScheduleType, &runAt,
		&j.CronExpression, &j.Timezone, &j.ActionType, &j.ActionPayload,
		&j.TaskID, &j.ProjectID, &j.ConversationID,
		&nextRunAt, &lastRunAt, &lastLockAt, &lockedUntil,
		&j.RunCount, &j.MaxRuns, &j.ConsecutiveFailures, &j.CancelConditions, &j.Status,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if runAt.Valid {
		j.RunAt = &runAt.Time
	}
	if nextRunAt.Valid {
		j.NextRunAt = &nextRunAt.Time
	}
	if lastRunAt.Valid {
		j.LastRunAt = &lastRunAt.Time
	}
	if lastLockAt.Valid {
		j.LastLockAt = &lastLockAt.Time
	}
	if lockedUntil.Valid {
		j.LockedUntil = &lockedUntil.Time
	}
	return &j, nil
}

// CreateJob inserts a job. NextRunAt must already be computed by the caller;
// the store does not evaluate cron expressions.
func (s *Store) CreateJob(ctx context.Context, j *Job) (string, error) {
	if j.NextRunAt == nil {
		return "", fmt.Errorf("job next_run_at required")
	}
	switch j.ScheduleType {
	case ScheduleOnce, ScheduleCron:
	default:
		return "", fmt.Errorf("invalid schedule type %q", j.ScheduleType)
	}
	if j.ScheduleType == ScheduleCron && j.CronExpression == "" {
		return "", fmt.Errorf("cron job requires an expression")
	}
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.Timezone == "" {
		j.Timezone = "UTC"
	}
	if j.Status == "" {
		j.Status = JobActive
	}

	var runAt, taskID, projectID, conversationID, cronExpr any
	if j.RunAt != nil {
		runAt = ts(*j.RunAt)
	}
	if j.TaskID != "" {
		taskID = j.TaskID
	}
	if j.ProjectID != "" {
		projectID = j.ProjectID
	}
	if j.ConversationID != "" {
		conversationID = j.ConversationID
	}
	if j.CronExpression != "" {
		cronExpr = j.CronExpression
	}

	err := retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO jobs (id, owner_id, job_type, schedule_type, run_at,
				cron_expression, timezone, action_type, action_payload,
				task_id, project_id, conversation_id,
				next_run_at, max_runs, cancel_conditions, status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, j.ID, j.OwnerID, j.JobType, j.ScheduleType, runAt,
			cronExpr, j.Timezone, j.ActionType, j.ActionPayload,
			taskID, projectID, conversationID,
			ts(*j.NextRunAt), j.MaxRuns, j.CancelConditions, j.Status)
		return err
	})
	if err != nil {
		return "", writeErr("create job", err)
	}
	return j.ID, nil
}

// GetJob fetches a job by ID. Returns ErrNotFound when absent.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?;`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

// DueJobs returns active jobs whose next run time has arrived and whose
// dispatch lock is free or expired, soonest first.
func (s *Store) DueJobs(ctx context.Context, now time.Time, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = 'active'
		  AND next_run_at IS NOT NULL
		  AND next_run_at <= ?
		  AND (locked_until IS NULL OR locked_until <= ?)
		ORDER BY next_run_at
		LIMIT ?;
	`, ts(now), ts(now), limit)
	if err != nil {
		return nil, fmt.Errorf("query due jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan due job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// ListActiveJobsForTask returns a task's active jobs, soonest next run first.
func (s *Store) ListActiveJobsForTask(ctx context.Context, taskID string) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE task_id = ? AND status = 'active'
		ORDER BY next_run_at;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list jobs for task: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// ClaimJob takes the dispatch lock on a due job and opens its running
// execution in one transaction. The lock takeover is a single conditional
// update: zero rows means another scheduler instance holds the job and the
// caller simply moves on. If the lock was free but a previous execution is
// still open, the firing is recorded as skipped and ErrExecutionRunning is
// returned.
func (s *Store) ClaimJob(ctx context.Context, jobID string, lease time.Duration, now time.Time) (execID int64, claimed bool, err error) {
	err = retryOnBusy(ctx, 3, func() error {
		execID, claimed = 0, false

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET locked_until = ?, last_lock_at = ?, updated_at = ?
			WHERE id = ?
			  AND status = 'active'
			  AND (locked_until IS NULL OR locked_until <= ?);
		`, ts(now.Add(lease)), ts(now), ts(now), jobID, ts(now))
		if err != nil {
			return writeErr("claim job lock", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return tx.Commit() // lost the race, nothing to undo
		}

		var openExecs int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(1) FROM job_executions WHERE job_id = ? AND status = 'running';
		`, jobID).Scan(&openExecs); err != nil {
			return fmt.Errorf("count running executions: %w", err)
		}
		if openExecs > 0 {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO job_executions (job_id, status, started_at, completed_at, result)
				VALUES (?, 'skipped', ?, ?, 'previous execution still running');
			`, jobID, ts(now), ts(now)); err != nil {
				return writeErr("record skipped execution", err)
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE jobs SET locked_until = NULL WHERE id = ?;
			`, jobID); err != nil {
				return writeErr("release claim lock", err)
			}
			if err := tx.Commit(); err != nil {
				return fmt.Errorf("commit skip tx: %w", err)
			}
			return ErrExecutionRunning
		}

		insert, err := tx.ExecContext(ctx, `
			INSERT INTO job_executions (job_id, status, started_at)
			VALUES (?, 'running', ?);
		`, jobID, ts(now))
		if err != nil {
			return writeErr("open execution", err)
		}
		id, err := insert.LastInsertId()
		if err != nil {
			return fmt.Errorf("execution id: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim tx: %w", err)
		}
		execID, claimed = id, true
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return execID, claimed, nil
}

// FinishJobParams finalizes one firing of a job.
type FinishJobParams struct {
	JobID       string
	ExecutionID int64
	Success     bool
	Result      string
	Error       string

	// NextRunAt is the recomputed fire time for cron jobs; nil for once jobs.
	NextRunAt *time.Time

	// MaxConsecutiveFailures pauses the job when reached. 0 uses 5.
	MaxConsecutiveFailures int
}

// FinishJob closes the execution, releases the dispatch lock, and re-arms or
// retires the job: once jobs complete, cron jobs get their next run time, a
// run-count cap completes the job, and a failure streak pauses it. Returns
// the job's resulting status.
func (s *Store) FinishJob(ctx context.Context, p FinishJobParams, now time.Time) (JobStatus, error) {
	if p.MaxConsecutiveFailures <= 0 {
		p.MaxConsecutiveFailures = 5
	}

	var finalStatus JobStatus
	err := retryOnBusy(ctx, 3, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin finish tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		execStatus := ExecSuccess
		if !p.Success {
			execStatus = ExecFailed
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE job_executions
			SET status = ?, completed_at = ?, result = ?, error = ?
			WHERE id = ? AND status = 'running';
		`, execStatus, ts(now), p.Result, p.Error, p.ExecutionID); err != nil {
			return writeErr("close execution", err)
		}

		var scheduleType ScheduleType
		var status JobStatus
		var runCount, maxRuns, failures int
		if err := tx.QueryRowContext(ctx, `
			SELECT schedule_type, status, run_count, max_runs, consecutive_failures
			FROM jobs WHERE id = ?;
		`, p.JobID).Scan(&scheduleType, &status, &runCount, &maxRuns, &failures); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("job %s: %w", p.JobID, ErrNotFound)
			}
			return fmt.Errorf("read job for finish: %w", err)
		}

		runCount++
		if p.Success {
			failures = 0
		} else {
			failures++
		}

		var nextRunAt any
		switch {
		case scheduleType == ScheduleOnce:
			status = JobCompleted
		case maxRuns > 0 && runCount >= maxRuns:
			status = JobCompleted
		case !p.Success && failures >= p.MaxConsecutiveFailures:
			status = JobPaused
			if p.NextRunAt != nil {
				nextRunAt = ts(*p.NextRunAt)
			}
		default:
			if p.NextRunAt == nil {
				return fmt.Errorf("cron job %s finished without a recomputed next run", p.JobID)
			}
			nextRunAt = ts(*p.NextRunAt)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET run_count = ?,
			    consecutive_failures = ?,
			    last_run_at = ?,
			    next_run_at = ?,
			    locked_until = NULL,
			    status = ?,
			    updated_at = ?
			WHERE id = ?;
		`, runCount, failures, ts(now), nextRunAt, status, ts(now), p.JobID); err != nil {
			return writeErr("finish job", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit finish tx: %w", err)
		}
		finalStatus = status
		return nil
	})
	if err != nil {
		return "", err
	}

	if s.bus != nil {
		s.bus.Publish(bus.TopicJobFinished, bus.JobEvent{
			JobID: p.JobID, ExecutionID: p.ExecutionID, Outcome: string(finalStatus),
		})
		if finalStatus == JobPaused {
			s.bus.Publish(bus.TopicJobPaused, bus.JobEvent{JobID: p.JobID})
		}
	}
	return finalStatus, nil
}

// CancelJob retires a job that has not already finished.
func (s *Store) CancelJob(ctx context.Context, id string, now time.Time) (bool, error) {
	return s.setJobStatus(ctx, id, JobCancelled, []JobStatus{JobActive, JobPaused}, now)
}

// PauseJob suspends an active job without losing its schedule.
func (s *Store) PauseJob(ctx context.Context, id string, now time.Time) (bool, error) {
	return s.setJobStatus(ctx, id, JobPaused, []JobStatus{JobActive}, now)
}

// ResumeJob reactivates a paused job and clears its failure streak.
func (s *Store) ResumeJob(ctx context.Context, id string, now time.Time) (bool, error) {
	var res sql.Result
	err := retryOnBusy(ctx, 3, func() error {
		var err error
		res, err = s.db.ExecContext(ctx, `
			UPDATE jobs
			SET status = 'active', consecutive_failures = 0, updated_at = ?
			WHERE id = ? AND status = 'paused';
		`, ts(now), id)
		return err
	})
	if err != nil {
		return false, writeErr("resume job", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) setJobStatus(ctx context.Context, id string, to JobStatus, from []JobStatus, now time.Time) (bool, error) {
	placeholders := ""
	args := []any{to, ts(now), id}
	for i, st := range from {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, st)
	}
	var res sql.Result
	err := retryOnBusy(ctx, 3, func() error {
		var err error
		res, err = s.db.ExecContext(ctx, `
			UPDATE jobs SET status = ?, updated_at = ?
			WHERE id = ? AND status IN (`+placeholders+`);
		`, args...)
		return err
	})
	if err != nil {
		return false, writeErr("set job status", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetExecution fetches one execution record.
func (s *Store) GetExecution(ctx context.Context, id int64) (*JobExecution, error) {
	var e JobExecution
	var completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, job_id, status, started_at, completed_at, result, error
		FROM job_executions WHERE id = ?;
	`, id).Scan(&e.ID, &e.JobID, &e.Status, &e.StartedAt, &completedAt, &e.Result, &e.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get execution %d: %w", id, err)
	}
	if completedAt.Valid {
		e.CompletedAt = &completedAt.Time
	}
	return &e, nil
}

// ListExecutions returns a job's executions, newest first.
func (s *Store) ListExecutions(ctx context.Context, jobID string, limit int) ([]*JobExecution, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, status, started_at, completed_at, result, error
		FROM job_executions WHERE job_id = ?
		ORDER BY id DESC LIMIT ?;
	`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var execs []*JobExecution
	for rows.Next() {
		var e JobExecution
		var completedAt sql.NullTime
		if err := rows.Scan(&e.ID, &e.JobID, &e.Status, &e.StartedAt, &completedAt, &e.Result, &e.Error); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		if completedAt.Valid {
			e.CompletedAt = &completedAt.Time
		}
		execs = append(execs, &e)
	}
	return execs, rows.Err()
}

// SweepOrphanExecutions closes running executions left behind when a
// dispatcher died between claim and finish. The job's dispatch lock is short
// relative to a legitimate agent run, so an expired (or skip-cleared) lock
// alone does not mean the dispatcher is gone: an execution is only treated as
// orphaned once it has outlived runGrace, and never while the job's linked
// task still holds a live run lease, which a healthy long run keeps renewing.
// Closed executions are marked failed so the job can fire again.
func (s *Store) SweepOrphanExecutions(ctx context.Context, now time.Time, runGrace time.Duration) (int, error) {
	var res sql.Result
	err := retryOnBusy(ctx, 3, func() error {
		var err error
		res, err = s.db.ExecContext(ctx, `
			UPDATE job_executions
			SET status = 'failed', completed_at = ?, error = 'dispatcher lost before completion'
			WHERE status = 'running'
			  AND started_at <= ?
			  AND job_id IN (
				SELECT j.id FROM jobs j
				WHERE (j.locked_until IS NULL OR j.locked_until <= ?)
				  AND NOT EXISTS (
					SELECT 1 FROM tasks t
					WHERE t.id = j.task_id AND t.lock_expires_at > ?
				  )
			  );
		`, ts(now), ts(now.Add(-runGrace)), ts(now), ts(now))
		return err
	})
	if err != nil {
		return 0, writeErr("sweep orphan executions", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
