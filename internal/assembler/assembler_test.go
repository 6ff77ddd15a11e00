package assembler_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/steward/internal/assembler"
	"github.com/basket/steward/internal/search"
	"github.com/basket/steward/internal/store"
)

type fakeSearcher struct {
	hits []search.Hit
}

func (f *fakeSearcher) Search(_ context.Context, _ string, _ int) ([]search.Hit, error) {
	return f.hits, nil
}

func (f *fakeSearcher) Index(_ context.Context, _, _, _, _ string) error { return nil }

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "steward.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestAssemble_GathersTaskSurroundings(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)

	projectID, err := st.CreateProject(ctx, "owner-1", "Home move", "everything for the relocation")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	blockerID, _ := st.CreateTask(ctx, store.TaskParams{OwnerID: "owner-1", Title: "sign the lease"})
	doneBlockerID, _ := st.CreateTask(ctx, store.TaskParams{OwnerID: "owner-1", Title: "pick a mover"})
	if _, err := st.CompleteTask(ctx, doneBlockerID, now); err != nil {
		t.Fatalf("complete blocker: %v", err)
	}

	taskID, err := st.CreateTask(ctx, store.TaskParams{
		OwnerID:     "owner-1",
		ProjectID:   projectID,
		Title:       "book the moving van",
		Description: "need a van for the 15th",
		BlockedBy:   []string{blockerID, doneBlockerID},
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := st.AddComment(ctx, store.Comment{
		TaskID: taskID, AuthorType: store.ActorUser, AuthorID: "owner-1",
		Type: store.CommentNote, Content: "prefer a morning slot",
	}); err != nil {
		t.Fatalf("add comment: %v", err)
	}
	next := now.Add(24 * time.Hour)
	if _, err := st.CreateJob(ctx, &store.Job{
		OwnerID: "owner-1", JobType: store.JobFollowUp, ScheduleType: store.ScheduleOnce,
		RunAt: &next, NextRunAt: &next, ActionType: store.ActionAgentTask, TaskID: taskID,
	}); err != nil {
		t.Fatalf("create job: %v", err)
	}

	searcher := &fakeSearcher{hits: []search.Hit{
		{ID: "note-1", Kind: "note", Title: "van rental quotes", Snippet: "CityVan quoted 120"},
		{ID: taskID, Kind: "task", Title: "book the moving van", Snippet: "itself"},
	}}

	asm := assembler.New(st, searcher, nil)
	tc, err := asm.Assemble(ctx, taskID)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}

	if tc.Project == nil || tc.Project.Name != "Home move" {
		t.Errorf("project = %+v", tc.Project)
	}
	if len(tc.OpenBlockers) != 1 || tc.OpenBlockers[0].ID != blockerID {
		t.Errorf("open blockers = %v, done blockers must be filtered", tc.OpenBlockers)
	}
	if len(tc.Comments) != 1 {
		t.Errorf("comments = %d", len(tc.Comments))
	}
	if len(tc.ActiveJobs) != 1 {
		t.Errorf("active jobs = %d", len(tc.ActiveJobs))
	}
	// The task itself never appears in its own related context.
	if len(tc.SearchHits) != 1 || tc.SearchHits[0].ID != "note-1" {
		t.Errorf("search hits = %v", tc.SearchHits)
	}

	digest := tc.Digest()
	for _, want := range []string{
		"book the moving van",
		"need a van for the 15th",
		"Home move",
		"sign the lease",
		"prefer a morning slot",
		"CityVan quoted 120",
		"follow_up",
	} {
		if !strings.Contains(digest, want) {
			t.Errorf("digest missing %q:\n%s", want, digest)
		}
	}
	if strings.Contains(digest, "pick a mover") {
		t.Error("digest lists a completed blocker")
	}

	// The same inputs produce the same digest.
	tc2, err := asm.Assemble(ctx, taskID)
	if err != nil {
		t.Fatalf("second assemble: %v", err)
	}
	if tc2.Digest() != digest {
		t.Error("digest is not deterministic")
	}
}

func TestAssemble_MissingTaskFails(t *testing.T) {
	st := openTestStore(t)
	asm := assembler.New(st, nil, nil)
	if _, err := asm.Assemble(context.Background(), "no-such-task"); err == nil {
		t.Fatal("assembled a missing task")
	}
}
