// ABOUTME: Tests for the dedupe cache
// ABOUTME: Drives TTL expiry with a fake clock instead of sleeping

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/clock"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestCache_CheckAndMark(t *testing.T) {
	cache := New(5*time.Minute, 100, clock.Fake(t0))
	defer cache.Close()

	assert.False(t, cache.CheckAndMark("k"), "first sighting is not a duplicate")
	assert.True(t, cache.CheckAndMark("k"))
	assert.True(t, cache.Seen("k"))
	assert.False(t, cache.Seen("other"))
}

func TestCache_Expiry(t *testing.T) {
	clk := clock.Fake(t0)
	cache := New(5*time.Minute, 100, clk)
	defer cache.Close()

	cache.CheckAndMark("k")
	clk.Advance(4 * time.Minute)
	assert.True(t, cache.Seen("k"))

	clk.Advance(time.Minute)
	assert.False(t, cache.Seen("k"))
	assert.False(t, cache.CheckAndMark("k"), "expired key is accepted again")
}

func TestCache_Forget(t *testing.T) {
	cache := New(time.Minute, 100, clock.Fake(t0))
	defer cache.Close()

	cache.CheckAndMark("k")
	cache.Forget("k")
	assert.False(t, cache.Seen("k"))
	assert.Equal(t, 0, cache.Len())
	cache.Forget("never-marked")
}

func TestCache_EvictsOldestAtCapacity(t *testing.T) {
	cache := New(time.Hour, 3, clock.Fake(t0))
	defer cache.Close()

	for _, k := range []string{"a", "b", "c", "d"} {
		cache.CheckAndMark(k)
	}
	assert.Equal(t, 3, cache.Len())
	assert.False(t, cache.Seen("a"))
	assert.True(t, cache.Seen("d"))
}

func TestCache_Purge(t *testing.T) {
	clk := clock.Fake(t0)
	cache := New(5*time.Minute, 100, clk)
	defer cache.Close()

	cache.CheckAndMark("old")
	clk.Advance(3 * time.Minute)
	cache.CheckAndMark("new")
	clk.Advance(3 * time.Minute)

	cache.Purge()
	assert.Equal(t, 1, cache.Len())
	assert.True(t, cache.Seen("new"))
}

func TestKey_ScopesByUser(t *testing.T) {
	assert.NotEqual(t, Key("alice", "c1"), Key("bob", "c1"))
}

func TestCache_ConcurrentCheckAndMark(t *testing.T) {
	cache := New(time.Minute, 1000, clock.Fake(t0))
	defer cache.Close()

	var firsts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !cache.CheckAndMark("shared") {
				firsts.Add(1)
			}
			cache.CheckAndMark(fmt.Sprintf("own-%d", i))
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), firsts.Load())
}

func TestCache_CloseIdempotent(t *testing.T) {
	cache := New(time.Minute, 10, nil)
	cache.Close()
	cache.Close()
}
