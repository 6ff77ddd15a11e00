// Package search provides the semantic index over tasks, comments, and
// project notes that the agent queries for context during a run.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"unicode/utf8"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"
)

// Hit is one semantic search result.
type Hit struct {
	ID      string
	Kind    string
	Title   string
	Snippet string
	Score   float32
}

// Searcher answers semantic queries over indexed workspace content.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]Hit, error)
	Index(ctx context.Context, id, kind, title, content string) error
}

// VectorIndex is a chromem-go backed Searcher persisted on disk.
type VectorIndex struct {
	db         *chromem.DB
	collection *chromem.Collection
	logger     *slog.Logger
}

// NewVectorIndex opens (or creates) the on-disk collection. embedAPIKey feeds
// the OpenAI embedding endpoint; an empty key is accepted and fails lazily on
// first use, keeping startup possible without credentials.
func NewVectorIndex(dir, embedAPIKey string, logger *slog.Logger) (*VectorIndex, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create vector db directory: %w", err)
	}
	db, err := chromem.NewPersistentDB(dir, false)
	if err != nil {
		return nil, fmt.Errorf("open persistent vector db: %w", err)
	}

	embedFunc := chromem.NewEmbeddingFuncOpenAI(embedAPIKey, chromem.EmbeddingModelOpenAI3Small)
	col, err := db.GetOrCreateCollection("workspace", nil, embedFunc)
	if err != nil {
		return nil, fmt.Errorf("get or create collection: %w", err)
	}
	logger.Info("semantic index ready", "dir", dir, "documents", col.Count())
	return &VectorIndex{db: db, collection: col, logger: logger}, nil
}

// Index upserts a document. Re-indexing the same ID replaces the prior entry.
func (v *VectorIndex) Index(ctx context.Context, id, kind, title, content string) error {
	if id == "" {
		id = uuid.NewString()
	}
	doc := chromem.Document{
		ID:      id,
		Content: content,
		Metadata: map[string]string{
			"kind":  kind,
			"title": title,
		},
	}
	if err := v.collection.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("index document %s: %w", id, err)
	}
	v.logger.Debug("indexed document", "id", id, "kind", kind, "content_len", len(content))
	return nil
}

// Search returns up to limit hits by similarity. chromem-go rejects a limit
// above the collection size, so it is clamped first.
func (v *VectorIndex) Search(ctx context.Context, query string, limit int) ([]Hit, error) {
	count := v.collection.Count()
	if count == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > count {
		limit = count
	}
	results, err := v.collection.Query(ctx, query, limit, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query semantic index: %w", err)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, Hit{
			ID:      r.ID,
			Kind:    r.Metadata["kind"],
			Title:   r.Metadata["title"],
			Snippet: snippet(r.Content, 240),
			Score:   r.Similarity,
		})
	}
	return hits, nil
}

// Delete removes a document, used when its source task is deleted.
func (v *VectorIndex) Delete(ctx context.Context, id string) error {
	return v.collection.Delete(ctx, nil, nil, id)
}

func snippet(s string, max int) string {
	if len(s) <= max {
		return s
	}
	// Never cut inside a multi-byte rune.
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
