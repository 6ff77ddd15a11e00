package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Project groups related tasks under one owner.
type Project struct {
	ID          string
	OwnerID     string
	Name        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CreateProject inserts a project and returns its ID.
func (s *Store) CreateProject(ctx context.Context, ownerID, name, description string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("project name required")
	}
	id := uuid.NewString()
	err := retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO projects (id, owner_id, name, description)
			VALUES (?, ?, ?, ?);
		`, id, ownerID, name, description)
		return err
	})
	if err != nil {
		return "", writeErr("create project", err)
	}
	return id, nil
}

// GetProject fetches a project by ID. Returns ErrNotFound when absent.
func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	var p Project
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, name, description, created_at, updated_at
		FROM projects WHERE id = ?;
	`, id).Scan(&p.ID, &p.OwnerID, &p.Name, &p.Description, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get project %s: %w", id, err)
	}
	return &p, nil
}

// ListProjects returns an owner's projects, newest first.
func (s *Store) ListProjects(ctx context.Context, ownerID string) ([]*Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, name, description, created_at, updated_at
		FROM projects WHERE owner_id = ?
		ORDER BY created_at DESC;
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.OwnerID, &p.Name, &p.Description, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, &p)
	}
	return projects, rows.Err()
}
