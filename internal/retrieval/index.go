// ABOUTME: Retrieval index contract, document and result types
// ABOUTME: Search failures are typed so callers can degrade instead of failing

package retrieval

import (
	"context"
	"errors"
	"unicode/utf8"
)

// Retrieval failure modes.
var (
	ErrEmptyIndex  = errors.New("retrieval index is empty")
	ErrUnavailable = errors.New("retrieval backend unavailable")
)

// Document is one indexed unit of the log corpus.
type Document struct {
	ID       string
	Source   string
	Content  string
	Metadata map[string]string
}

// Result is a scored search hit.
type Result struct {
	Document
	Score float32
}

// Snippet returns up to n runes of the hit's content.
func (r Result) Snippet(n int) string {
	if utf8.RuneCountInString(r.Content) <= n {
		return r.Content
	}
	runes := []rune(r.Content)
	return string(runes[:n]) + "…"
}

// Index answers top-K similarity queries.
type Index interface {
	Search(ctx context.Context, query string, k int) ([]Result, error)
	Count() int
}

// Writer mutates an index.
type Writer interface {
	Upsert(ctx context.Context, docs []Document) error
	Delete(ctx context.Context, ids ...string) error
}
