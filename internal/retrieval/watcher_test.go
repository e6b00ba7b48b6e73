package retrieval

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/clock"
)

func TestWatcher_DebouncesBursts(t *testing.T) {
	dir := t.TempDir()
	var calls atomic.Int32
	w := NewWatcher(dir, 100*time.Millisecond, clock.Real(), func() { calls.Add(1) }, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher time to register the directory.
	time.Sleep(50 * time.Millisecond)
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "alerts.json"), []byte("x"), 0644))
	}

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load(), "a burst triggers one reload")

	cancel()
	assert.NoError(t, <-done)
}

func TestWatcher_IgnoresHiddenFiles(t *testing.T) {
	dir := t.TempDir()
	var calls atomic.Int32
	w := NewWatcher(dir, 20*time.Millisecond, clock.Real(), func() { calls.Add(1) }, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".swap"), []byte("x"), 0644))
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
}
