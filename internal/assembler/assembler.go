// Package assembler gathers everything the agent needs to know about a task
// before a run starts. Assembly is read-only; it never mutates the store or
// the index.
package assembler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/steward/internal/search"
	"github.com/basket/steward/internal/store"
)

const searchDigestLimit = 5

// TaskContext is the assembled view handed to the runner.
type TaskContext struct {
	Task         *store.Task
	Project      *store.Project
	Comments     []*store.Comment
	OpenBlockers []*store.Task
	ActiveJobs   []*store.Job
	SearchHits   []search.Hit
}

// Assembler builds TaskContexts. The searcher is optional.
type Assembler struct {
	store    *store.Store
	searcher search.Searcher
	logger   *slog.Logger
}

func New(st *store.Store, searcher search.Searcher, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{store: st, searcher: searcher, logger: logger}
}

// Assemble loads the task and its surroundings. A missing project or a failed
// semantic query degrades the context rather than failing the run; only a
// missing task is fatal.
func (a *Assembler) Assemble(ctx context.Context, taskID string) (*TaskContext, error) {
	task, err := a.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("assemble context: %w", err)
	}
	tc := &TaskContext{Task: task}

	if task.ProjectID != "" {
		project, err := a.store.GetProject(ctx, task.ProjectID)
		if err != nil {
			a.logger.Warn("context assembly: project lookup failed", "task_id", taskID, "project_id", task.ProjectID, "error", err)
		} else {
			tc.Project = project
		}
	}

	tc.Comments, err = a.store.ListTaskComments(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("assemble comments: %w", err)
	}

	tc.OpenBlockers, err = a.store.ListOpenBlockers(ctx, task.BlockedBy)
	if err != nil {
		return nil, fmt.Errorf("assemble blockers: %w", err)
	}

	tc.ActiveJobs, err = a.store.ListActiveJobsForTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("assemble jobs: %w", err)
	}

	if a.searcher != nil {
		query := task.Title
		if task.Description != "" {
			query += " " + task.Description
		}
		hits, err := a.searcher.Search(ctx, query, searchDigestLimit)
		if err != nil {
			a.logger.Warn("context assembly: semantic search failed", "task_id", taskID, "error", err)
		} else {
			for _, h := range hits {
				if h.ID == taskID {
					continue // the task itself is not context
				}
				tc.SearchHits = append(tc.SearchHits, h)
			}
		}
	}

	return tc, nil
}

// Digest renders the assembled context as the briefing text that opens the
// run transcript. The layout is deterministic for a given context.
func (tc *TaskContext) Digest() string {
	var b strings.Builder

	fmt.Fprintf(&b, "Task: %s\n", tc.Task.Title)
	fmt.Fprintf(&b, "ID: %s\n", tc.Task.ID)
	fmt.Fprintf(&b, "Status: %s | Priority: %s\n", tc.Task.Status, tc.Task.Priority)
	if tc.Task.DueDate != nil {
		fmt.Fprintf(&b, "Due: %s\n", tc.Task.DueDate.UTC().Format("2006-01-02 15:04 MST"))
	}
	if tc.Task.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", tc.Task.Description)
	}

	if tc.Project != nil {
		fmt.Fprintf(&b, "\nProject: %s", tc.Project.Name)
		if tc.Project.Description != "" {
			fmt.Fprintf(&b, " - %s", tc.Project.Description)
		}
		b.WriteString("\n")
	}

	if len(tc.OpenBlockers) > 0 {
		b.WriteString("\nBlocked by (still open):\n")
		for _, blocker := range tc.OpenBlockers {
			fmt.Fprintf(&b, "- [%s] %s (%s)\n", blocker.ID, blocker.Title, blocker.Status)
		}
	}

	if len(tc.Comments) > 0 {
		b.WriteString("\nThread:\n")
		for _, c := range tc.Comments {
			fmt.Fprintf(&b, "- %s/%s [%s]: %s\n", c.AuthorType, c.AuthorID, c.Type, c.Content)
		}
	}

	if len(tc.ActiveJobs) > 0 {
		b.WriteString("\nScheduled follow-ups:\n")
		for _, j := range tc.ActiveJobs {
			when := "unscheduled"
			if j.NextRunAt != nil {
				when = j.NextRunAt.UTC().Format("2006-01-02 15:04 MST")
			}
			fmt.Fprintf(&b, "- [%s] %s at %s\n", j.ID, j.JobType, when)
		}
	}

	if len(tc.SearchHits) > 0 {
		b.WriteString("\nRelated context:\n")
		for _, h := range tc.SearchHits {
			fmt.Fprintf(&b, "- (%s) %s: %s\n", h.Kind, h.Title, h.Snippet)
		}
	}

	return b.String()
}
