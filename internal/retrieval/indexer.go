// ABOUTME: Incremental re-indexing of the corpus into the vector index
// ABOUTME: A manifest of indexed ids lets unchanged documents skip embedding

package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// DefaultBatchSize is the number of documents embedded per progress step.
const DefaultBatchSize = 32

// Indexer syncs a Corpus into a Writer.
type Indexer struct {
	corpus       *Corpus
	writer       Writer
	manifestPath string
	batchSize    int
	logger       *slog.Logger

	mu    sync.Mutex
	known map[string]bool
}

// NewIndexer creates an Indexer. manifestPath records indexed ids between
// runs; empty keeps the manifest in memory only.
func NewIndexer(corpus *Corpus, w Writer, manifestPath string, logger *slog.Logger) (*Indexer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ix := &Indexer{
		corpus:       corpus,
		writer:       w,
		manifestPath: manifestPath,
		batchSize:    DefaultBatchSize,
		logger:       logger.With("component", "indexer"),
		known:        make(map[string]bool),
	}
	if err := ix.loadManifest(); err != nil {
		return nil, err
	}
	return ix, nil
}

type manifest struct {
	IDs []string `json:"ids"`
}

func (ix *Indexer) loadManifest() error {
	if ix.manifestPath == "" {
		return nil
	}
	data, err := os.ReadFile(ix.manifestPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading index manifest: %w", err)
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("parsing index manifest: %w", err)
	}
	for _, id := range m.IDs {
		ix.known[id] = true
	}
	return nil
}

// saveManifest writes atomically via rename. Caller holds mu.
func (ix *Indexer) saveManifest() error {
	if ix.manifestPath == "" {
		return nil
	}
	ids := make([]string, 0, len(ix.known))
	for id := range ix.known {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	data, err := json.Marshal(manifest{IDs: ids})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(ix.manifestPath), 0750); err != nil {
		return err
	}
	tmp := ix.manifestPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0640); err != nil {
		return err
	}
	return os.Rename(tmp, ix.manifestPath)
}

// Reindex loads the corpus, removes documents that no longer exist, and
// embeds new ones in batches. progress is called with (0,total) before the
// first batch and after each batch. Returns the corpus document count.
func (ix *Indexer) Reindex(ctx context.Context, progress func(done, total int)) (int, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	docs, err := ix.corpus.Load(ctx)
	if err != nil {
		return 0, err
	}

	current := make(map[string]bool, len(docs))
	var fresh []Document
	for _, d := range docs {
		if current[d.ID] {
			continue
		}
		current[d.ID] = true
		if !ix.known[d.ID] {
			fresh = append(fresh, d)
		}
	}

	var stale []string
	for id := range ix.known {
		if !current[id] {
			stale = append(stale, id)
		}
	}
	if len(stale) > 0 {
		if err := ix.writer.Delete(ctx, stale...); err != nil {
			return 0, err
		}
		for _, id := range stale {
			delete(ix.known, id)
		}
	}

	total := len(fresh)
	if progress != nil {
		progress(0, total)
	}
	for start := 0; start < total; start += ix.batchSize {
		end := min(start+ix.batchSize, total)
		batch := fresh[start:end]
		if err := ix.writer.Upsert(ctx, batch); err != nil {
			// Keep what was embedded so far.
			_ = ix.saveManifest()
			return 0, err
		}
		for _, d := range batch {
			ix.known[d.ID] = true
		}
		if progress != nil {
			progress(end, total)
		}
	}

	if err := ix.saveManifest(); err != nil {
		return 0, fmt.Errorf("writing index manifest: %w", err)
	}
	ix.logger.Info("corpus indexed",
		"documents", len(current),
		"embedded", total,
		"removed", len(stale),
	)
	return len(current), nil
}
