package search

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/basket/steward/internal/bus"
	"github.com/basket/steward/internal/store"
)

// captureWriter records index mutations instead of embedding them.
type captureWriter struct {
	mu      sync.Mutex
	indexed map[string]string
	deleted []string
}

func (c *captureWriter) Index(_ context.Context, id, kind, title, content string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.indexed == nil {
		c.indexed = make(map[string]string)
	}
	c.indexed[id] = content
	return nil
}

func (c *captureWriter) Delete(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleted = append(c.deleted, id)
	return nil
}

func (c *captureWriter) content(id string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	content, ok := c.indexed[id]
	return content, ok
}

func (c *captureWriter) wasDeleted(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range c.deleted {
		if d == id {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestMaintainer_MirrorsStoreWrites(t *testing.T) {
	eventBus := bus.New()
	st, err := store.Open(filepath.Join(t.TempDir(), "steward.db"), eventBus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	writer := &captureWriter{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go NewMaintainer(writer, eventBus, nil).Run(ctx)
	waitFor(t, 2*time.Second, func() bool { return eventBus.SubscriberCount() == 2 })

	taskID, err := st.CreateTask(ctx, store.TaskParams{
		OwnerID:     "owner-1",
		Title:       "book the moving van",
		Description: "need a van for the 15th",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		content, ok := writer.content(taskID)
		return ok && strings.Contains(content, "need a van for the 15th")
	})

	commentID, err := st.AddComment(ctx, store.Comment{
		TaskID:     taskID,
		AuthorType: store.ActorAgent,
		AuthorID:   "steward",
		Type:       store.CommentProgress,
		Content:    "CityVan quoted 120",
	})
	if err != nil {
		t.Fatalf("add comment: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		content, ok := writer.content(fmt.Sprintf("comment-%d", commentID))
		return ok && content == "CityVan quoted 120"
	})

	if err := st.DeleteTask(ctx, taskID); err != nil {
		t.Fatalf("delete task: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return writer.wasDeleted(taskID) })
}

func TestSnippet_TrimsOnRuneBoundary(t *testing.T) {
	if got := snippet("short", 240); got != "short" {
		t.Errorf("snippet left short input alone? got %q", got)
	}

	s := strings.Repeat("ü", 100)
	got := snippet(s, 25)
	if !utf8.ValidString(got) {
		t.Fatalf("snippet produced invalid UTF-8: %q", got)
	}
	if want := strings.Repeat("ü", 12) + "…"; got != want {
		t.Errorf("snippet = %q, want %q", got, want)
	}
}
