package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/basket/steward/internal/bus"
)

// CommentType classifies an entry on a task or project thread.
type CommentType string

const (
	CommentProgress        CommentType = "progress"
	CommentNote            CommentType = "note"
	CommentQuestion        CommentType = "question"
	CommentResolution      CommentType = "resolution"
	CommentApprovalRequest CommentType = "approval_request"
	CommentApprovalGranted CommentType = "approval_granted"
	CommentStatusChange    CommentType = "status_change"
)

// Comment is one append-only entry on a task or project thread. Comments are
// never edited or deleted by the core.
type Comment struct {
	ID         int64
	TaskID     string
	ProjectID  string
	AuthorType ActorType
	AuthorID   string
	Type       CommentType
	Content    string
	CreatedAt  time.Time
}

// AddComment appends a comment and returns its ID. Exactly one of TaskID or
// ProjectID must be set.
func (s *Store) AddComment(ctx context.Context, c Comment) (int64, error) {
	if (c.TaskID == "") == (c.ProjectID == "") {
		return 0, fmt.Errorf("comment needs exactly one of task_id or project_id")
	}
	if c.Content == "" {
		return 0, fmt.Errorf("comment content required")
	}
	if c.Type == "" {
		c.Type = CommentNote
	}
	var taskID, projectID any
	if c.TaskID != "" {
		taskID = c.TaskID
	}
	if c.ProjectID != "" {
		projectID = c.ProjectID
	}

	var id int64
	err := retryOnBusy(ctx, 3, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO comments (task_id, project_id, author_type, author_id, comment_type, content)
			VALUES (?, ?, ?, ?, ?, ?);
		`, taskID, projectID, c.AuthorType, c.AuthorID, c.Type, c.Content)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, writeErr("add comment", err)
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicCommentAdded, bus.CommentEvent{
			CommentID: id,
			TaskID:    c.TaskID,
			ProjectID: c.ProjectID,
			Type:      string(c.Type),
			Content:   c.Content,
		})
	}
	return id, nil
}

// ListTaskComments returns a task's comments oldest first.
func (s *Store) ListTaskComments(ctx context.Context, taskID string) ([]*Comment, error) {
	return s.listComments(ctx, `task_id`, taskID)
}

// ListProjectComments returns a project's comments oldest first.
func (s *Store) ListProjectComments(ctx context.Context, projectID string) ([]*Comment, error) {
	return s.listComments(ctx, `project_id`, projectID)
}

func (s *Store) listComments(ctx context.Context, column, id string) ([]*Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(task_id, ''), COALESCE(project_id, ''),
			author_type, author_id, comment_type, content, created_at
		FROM comments
		WHERE `+column+` = ?
		ORDER BY id;
	`, id)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	var comments []*Comment
	for rows.Next() {
		var c Comment
		if err := rows.Scan(&c.ID, &c.TaskID, &c.ProjectID,
			&c.AuthorType, &c.AuthorID, &c.Type, &c.Content, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		comments = append(comments, &c)
	}
	return comments, rows.Err()
}

// CountTaskComments returns the number of comments on a task.
func (s *Store) CountTaskComments(ctx context.Context, taskID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM comments WHERE task_id = ?;
	`, taskID).Scan(&n)
	if err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("count comments: %w", err)
	}
	return n, nil
}
