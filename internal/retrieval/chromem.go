// ABOUTME: chromem-go backed vector index with optional on-disk persistence
// ABOUTME: Embeddings come from an Ollama embedding model by default

package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"

	chromem "github.com/philippgille/chromem-go"
)

// ChromemConfig configures a ChromemIndex.
type ChromemConfig struct {
	// Dir persists the index; empty keeps it in memory.
	Dir        string
	Collection string
	// Embed computes document and query embeddings. If nil, an Ollama
	// embedding function is built from EmbeddingModel and EmbeddingURL.
	Embed          chromem.EmbeddingFunc
	EmbeddingModel string
	EmbeddingURL   string
	Logger         *slog.Logger
}

// ChromemIndex implements Index and Writer on a single chromem collection.
type ChromemIndex struct {
	mu     sync.RWMutex
	db     *chromem.DB
	col    *chromem.Collection
	logger *slog.Logger
}

// OpenChromem opens (or creates) the collection described by cfg.
func OpenChromem(cfg ChromemConfig) (*ChromemIndex, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	embed := cfg.Embed
	if embed == nil {
		embed = chromem.NewEmbeddingFuncOllama(cfg.EmbeddingModel, cfg.EmbeddingURL)
	}
	name := cfg.Collection
	if name == "" {
		name = "security-logs"
	}

	var db *chromem.DB
	if cfg.Dir == "" {
		db = chromem.NewDB()
	} else {
		if err := os.MkdirAll(cfg.Dir, 0750); err != nil {
			return nil, fmt.Errorf("creating index dir: %w", err)
		}
		var err error
		db, err = chromem.NewPersistentDB(cfg.Dir, false)
		if err != nil {
			return nil, fmt.Errorf("opening index: %w", err)
		}
	}

	col, err := db.GetOrCreateCollection(name, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("opening collection %q: %w", name, err)
	}

	ix := &ChromemIndex{
		db:     db,
		col:    col,
		logger: logger.With("component", "retrieval", "collection", name),
	}
	ix.logger.Info("retrieval index opened", "documents", col.Count(), "persistent", cfg.Dir != "")
	return ix, nil
}

// Count returns the number of indexed documents.
func (ix *ChromemIndex) Count() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.col.Count()
}

// Search returns up to k documents most similar to query, best first.
func (ix *ChromemIndex) Search(ctx context.Context, query string, k int) ([]Result, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	count := ix.col.Count()
	if count == 0 {
		return nil, ErrEmptyIndex
	}
	if k > count {
		k = count
	}
	if k <= 0 {
		return nil, nil
	}

	hits, err := ix.col.Query(ctx, query, k, nil, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, ctx.Err())
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	out := make([]Result, 0, len(hits))
	for _, h := range hits {
		out = append(out, Result{
			Document: Document{
				ID:       h.ID,
				Source:   h.Metadata["source"],
				Content:  h.Content,
				Metadata: h.Metadata,
			},
			Score: h.Similarity,
		})
	}
	return out, nil
}

// Upsert embeds and stores docs. Existing ids are overwritten.
func (ix *ChromemIndex) Upsert(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	batch := make([]chromem.Document, 0, len(docs))
	for _, d := range docs {
		meta := make(map[string]string, len(d.Metadata)+1)
		for k, v := range d.Metadata {
			meta[k] = v
		}
		meta["source"] = d.Source
		batch = append(batch, chromem.Document{ID: d.ID, Content: d.Content, Metadata: meta})
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err := ix.col.AddDocuments(ctx, batch, runtime.NumCPU()); err != nil {
		return fmt.Errorf("adding documents: %w", err)
	}
	return nil
}

// Delete removes documents by id.
func (ix *ChromemIndex) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err := ix.col.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("deleting documents: %w", err)
	}
	return nil
}

var (
	_ Index  = (*ChromemIndex)(nil)
	_ Writer = (*ChromemIndex)(nil)
)
