package search

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/basket/steward/internal/bus"
)

// Writer is the mutable side of the index.
type Writer interface {
	Index(ctx context.Context, id, kind, title, content string) error
	Delete(ctx context.Context, id string) error
}

// Maintainer keeps the semantic index in sync with the workspace by consuming
// task and comment lifecycle events off the bus: new tasks and comments are
// upserted, deleted tasks are removed. Indexing is best-effort; a failed
// upsert is logged and never blocks the write that produced the event.
type Maintainer struct {
	index    Writer
	eventBus *bus.Bus
	logger   *slog.Logger
}

func NewMaintainer(index Writer, eventBus *bus.Bus, logger *slog.Logger) *Maintainer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Maintainer{index: index, eventBus: eventBus, logger: logger}
}

// Run consumes events until ctx is cancelled. Call it in its own goroutine.
func (m *Maintainer) Run(ctx context.Context) {
	tasks := m.eventBus.Subscribe("task.")
	comments := m.eventBus.Subscribe(bus.TopicCommentAdded)
	defer m.eventBus.Unsubscribe(tasks)
	defer m.eventBus.Unsubscribe(comments)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-tasks.Ch():
			if !ok {
				return
			}
			m.handleTaskEvent(ctx, ev)
		case ev, ok := <-comments.Ch():
			if !ok {
				return
			}
			m.handleCommentEvent(ctx, ev)
		}
	}
}

func (m *Maintainer) handleTaskEvent(ctx context.Context, ev bus.Event) {
	te, ok := ev.Payload.(bus.TaskEvent)
	if !ok {
		return
	}
	switch ev.Topic {
	case bus.TopicTaskCreated:
		content := te.Title
		if te.Detail != "" {
			content += "\n" + te.Detail
		}
		if err := m.index.Index(ctx, te.TaskID, "task", te.Title, content); err != nil {
			m.logger.Warn("task index upsert failed", "task_id", te.TaskID, "error", err)
		}
	case bus.TopicTaskDeleted:
		if err := m.index.Delete(ctx, te.TaskID); err != nil {
			m.logger.Warn("task index delete failed", "task_id", te.TaskID, "error", err)
		}
	}
}

func (m *Maintainer) handleCommentEvent(ctx context.Context, ev bus.Event) {
	ce, ok := ev.Payload.(bus.CommentEvent)
	if !ok {
		return
	}
	id := fmt.Sprintf("comment-%d", ce.CommentID)
	if err := m.index.Index(ctx, id, "comment", ce.Type, ce.Content); err != nil {
		m.logger.Warn("comment index upsert failed", "comment_id", ce.CommentID, "error", err)
	}
}
