// ABOUTME: Tests for the chromem-backed index using an offline embedding
// ABOUTME: Covers empty-index detection, ranking, k clamping, delete, persistence

package retrieval

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestIndex(t *testing.T, dir string) *ChromemIndex {
	t.Helper()
	ix, err := OpenChromem(ChromemConfig{Dir: dir, Collection: "test", Embed: bagOfWordsEmbed})
	require.NoError(t, err)
	return ix
}

var sampleDocs = []Document{
	{ID: "d1", Source: "alerts.json", Content: "sshd authentication failure for root from 10.0.0.5 on host web-01"},
	{ID: "d2", Source: "alerts.json", Content: "new package installed nginx on host web-02"},
	{ID: "d3", Source: "syslog.log", Content: "kernel usb device connected on host db-01"},
}

func TestChromemIndex_EmptyIndex(t *testing.T) {
	ix := openTestIndex(t, "")
	_, err := ix.Search(context.Background(), "anything", 3)
	assert.ErrorIs(t, err, ErrEmptyIndex)
	assert.Equal(t, 0, ix.Count())
}

func TestChromemIndex_SearchRanksRelevantFirst(t *testing.T) {
	ix := openTestIndex(t, "")
	ctx := context.Background()
	require.NoError(t, ix.Upsert(ctx, sampleDocs))
	assert.Equal(t, 3, ix.Count())

	hits, err := ix.Search(ctx, "sshd authentication failure root", 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "d1", hits[0].ID)
	assert.Equal(t, "alerts.json", hits[0].Source)
	assert.GreaterOrEqual(t, hits[0].Score, hits[1].Score)
}

func TestChromemIndex_ClampsK(t *testing.T) {
	ix := openTestIndex(t, "")
	ctx := context.Background()
	require.NoError(t, ix.Upsert(ctx, sampleDocs[:2]))

	hits, err := ix.Search(ctx, "host", 10)
	require.NoError(t, err)
	assert.Len(t, hits, 2)
}

func TestChromemIndex_Delete(t *testing.T) {
	ix := openTestIndex(t, "")
	ctx := context.Background()
	require.NoError(t, ix.Upsert(ctx, sampleDocs))
	require.NoError(t, ix.Delete(ctx, "d2", "d3"))
	assert.Equal(t, 1, ix.Count())
}

func TestChromemIndex_Persists(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	ix := openTestIndex(t, dir)
	require.NoError(t, ix.Upsert(ctx, sampleDocs))

	reopened := openTestIndex(t, dir)
	assert.Equal(t, 3, reopened.Count())
}

func TestChromemIndex_EmbeddingFailureIsUnavailable(t *testing.T) {
	failing := false
	embed := func(ctx context.Context, text string) ([]float32, error) {
		if failing {
			return nil, errors.New("connection refused")
		}
		return bagOfWordsEmbed(ctx, text)
	}
	ix, err := OpenChromem(ChromemConfig{Collection: "test", Embed: embed})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, ix.Upsert(ctx, sampleDocs))

	failing = true
	_, err = ix.Search(ctx, "ssh", 2)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestResult_Snippet(t *testing.T) {
	r := Result{Document: Document{Content: "héllo wörld"}}
	assert.Equal(t, "héllo…", r.Snippet(5))
	assert.Equal(t, "héllo wörld", r.Snippet(50))
}
