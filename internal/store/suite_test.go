// ABOUTME: Behavioural tests shared by every Store implementation
// ABOUTME: Each backend test calls runStoreSuite with its own constructor

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/clock"
)

// newStoreFunc builds a fresh, empty store driven by clk.
type newStoreFunc func(t *testing.T, clk clock.Clock) Store

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func runStoreSuite(t *testing.T, newStore newStoreFunc) {
	t.Run("CreateAndGetSession", func(t *testing.T) {
		clk := clock.Fake(epoch)
		s := newStore(t, clk)
		ctx := context.Background()

		sess, err := s.CreateSession(ctx, "alice", "triage")
		require.NoError(t, err)
		assert.NotEmpty(t, sess.ID)
		assert.True(t, sess.Active)

		got, err := s.GetSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, "alice", got.UserID)
		assert.Equal(t, "triage", got.Title)
		assert.True(t, got.Active)
		assert.Nil(t, got.EndedAt)
		assert.True(t, got.CreatedAt.Equal(epoch))
		assert.True(t, got.LastActivityAt.Equal(epoch))
	})

	t.Run("GetSessionNotFound", func(t *testing.T) {
		s := newStore(t, clock.Fake(epoch))
		_, err := s.GetSession(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("SetTitle", func(t *testing.T) {
		s := newStore(t, clock.Fake(epoch))
		ctx := context.Background()
		sess, err := s.CreateSession(ctx, "alice", "")
		require.NoError(t, err)

		require.NoError(t, s.SetTitle(ctx, sess.ID, "ssh brute force"))
		got, err := s.GetSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, "ssh brute force", got.Title)

		assert.ErrorIs(t, s.SetTitle(ctx, "missing", "x"), ErrSessionNotFound)
	})

	t.Run("AppendAssignsSequenceAndTouchesSession", func(t *testing.T) {
		clk := clock.Fake(epoch)
		s := newStore(t, clk)
		ctx := context.Background()
		sess, err := s.CreateSession(ctx, "alice", "")
		require.NoError(t, err)

		clk.Advance(time.Minute)
		m1, err := s.AppendMessage(ctx, sess.ID, RoleUser, "hello", nil)
		require.NoError(t, err)
		clk.Advance(time.Minute)
		m2, err := s.AppendMessage(ctx, sess.ID, RoleAssistant, "hi", map[string]any{"degraded": true})
		require.NoError(t, err)

		assert.Equal(t, int64(1), m1.Seq)
		assert.Equal(t, int64(2), m2.Seq)
		assert.NotEqual(t, m1.ID, m2.ID)

		got, err := s.GetSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.True(t, got.LastActivityAt.Equal(epoch.Add(2*time.Minute)))
	})

	t.Run("AppendRejectsUnknownRole", func(t *testing.T) {
		s := newStore(t, clock.Fake(epoch))
		ctx := context.Background()
		sess, err := s.CreateSession(ctx, "alice", "")
		require.NoError(t, err)
		_, err = s.AppendMessage(ctx, sess.ID, Role("tool"), "x", nil)
		assert.Error(t, err)
	})

	t.Run("AppendUnknownSession", func(t *testing.T) {
		s := newStore(t, clock.Fake(epoch))
		_, err := s.AppendMessage(context.Background(), "missing", RoleUser, "x", nil)
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("RecentMessagesMostRecentLast", func(t *testing.T) {
		s := newStore(t, clock.Fake(epoch))
		ctx := context.Background()
		sess, err := s.CreateSession(ctx, "alice", "")
		require.NoError(t, err)
		for i := 1; i <= 5; i++ {
			_, err := s.AppendMessage(ctx, sess.ID, RoleUser, fmt.Sprintf("m%d", i), map[string]any{"command": "stats"})
			require.NoError(t, err)
		}

		msgs, err := s.GetRecentMessages(ctx, sess.ID, 3)
		require.NoError(t, err)
		require.Len(t, msgs, 3)
		assert.Equal(t, "m3", msgs[0].Content)
		assert.Equal(t, "m5", msgs[2].Content)
		assert.Equal(t, int64(5), msgs[2].Seq)
		assert.Equal(t, "stats", msgs[2].Metadata["command"])

		_, err = s.GetRecentMessages(ctx, "missing", 3)
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("RecentTurnsSkipSystemRecords", func(t *testing.T) {
		s := newStore(t, clock.Fake(epoch))
		ctx := context.Background()
		sess, err := s.CreateSession(ctx, "alice", "")
		require.NoError(t, err)
		appends := []struct {
			role    Role
			content string
		}{
			{RoleUser, "one"},
			{RoleAssistant, "answer to one"},
			{RoleSystem, "/whoami"},
			{RoleSystem, "/whoami"},
			{RoleSystem, "/whoami"},
			{RoleUser, "two"},
		}
		for _, a := range appends {
			_, err := s.AppendMessage(ctx, sess.ID, a.role, a.content, nil)
			require.NoError(t, err)
		}

		msgs, err := s.GetRecentTurns(ctx, sess.ID, 3)
		require.NoError(t, err)
		require.Len(t, msgs, 3)
		assert.Equal(t, "one", msgs[0].Content)
		assert.Equal(t, "answer to one", msgs[1].Content)
		assert.Equal(t, "two", msgs[2].Content)
		assert.Equal(t, int64(6), msgs[2].Seq)

		_, err = s.GetRecentTurns(ctx, "missing", 3)
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("ListSessionsMostRecentlyActiveFirst", func(t *testing.T) {
		clk := clock.Fake(epoch)
		s := newStore(t, clk)
		ctx := context.Background()

		a, err := s.CreateSession(ctx, "alice", "a")
		require.NoError(t, err)
		clk.Advance(time.Second)
		b, err := s.CreateSession(ctx, "alice", "b")
		require.NoError(t, err)
		clk.Advance(time.Second)
		_, err = s.CreateSession(ctx, "bob", "other")
		require.NoError(t, err)
		clk.Advance(time.Second)
		_, err = s.AppendMessage(ctx, a.ID, RoleUser, "bump", nil)
		require.NoError(t, err)

		list, err := s.ListSessions(ctx, "alice", 10)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, a.ID, list[0].ID)
		assert.Equal(t, b.ID, list[1].ID)

		list, err = s.ListSessions(ctx, "alice", 1)
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})

	t.Run("EndSessionIdempotent", func(t *testing.T) {
		s := newStore(t, clock.Fake(epoch))
		ctx := context.Background()
		sess, err := s.CreateSession(ctx, "alice", "")
		require.NoError(t, err)

		require.NoError(t, s.EndSession(ctx, sess.ID))
		require.NoError(t, s.EndSession(ctx, sess.ID))

		got, err := s.GetSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.False(t, got.Active)
		require.NotNil(t, got.EndedAt)

		_, err = s.AppendMessage(ctx, sess.ID, RoleUser, "late", nil)
		assert.ErrorIs(t, err, ErrSessionClosed)

		assert.ErrorIs(t, s.EndSession(ctx, "missing"), ErrSessionNotFound)
	})

	t.Run("ReapIdleThenAppendFails", func(t *testing.T) {
		clk := clock.Fake(epoch)
		s := newStore(t, clk)
		ctx := context.Background()

		idle, err := s.CreateSession(ctx, "alice", "")
		require.NoError(t, err)
		busy, err := s.CreateSession(ctx, "alice", "")
		require.NoError(t, err)

		clk.Advance(20 * time.Minute)
		_, err = s.AppendMessage(ctx, busy.ID, RoleUser, "still here", nil)
		require.NoError(t, err)
		clk.Advance(15 * time.Minute)

		ended, err := s.ReapIdle(ctx, 30*time.Minute)
		require.NoError(t, err)
		assert.Equal(t, []string{idle.ID}, ended)

		_, err = s.AppendMessage(ctx, idle.ID, RoleUser, "anyone?", nil)
		assert.ErrorIs(t, err, ErrSessionClosed)
		_, err = s.AppendMessage(ctx, busy.ID, RoleUser, "yes", nil)
		assert.NoError(t, err)

		ended, err = s.ReapIdle(ctx, 30*time.Minute)
		require.NoError(t, err)
		assert.Empty(t, ended)
	})

	t.Run("ConcurrentAppendersNoLossNoDuplicates", func(t *testing.T) {
		s := newStore(t, clock.Fake(epoch))
		ctx := context.Background()
		sess, err := s.CreateSession(ctx, "alice", "")
		require.NoError(t, err)

		const writers, perWriter = 8, 20
		var wg sync.WaitGroup
		errs := make(chan error, writers*perWriter)
		for w := 0; w < writers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < perWriter; i++ {
					if _, err := s.AppendMessage(ctx, sess.ID, RoleUser, fmt.Sprintf("w%d-%d", w, i), nil); err != nil {
						errs <- err
					}
				}
			}(w)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		msgs, err := s.GetRecentMessages(ctx, sess.ID, MaxListLimit)
		require.NoError(t, err)
		require.Len(t, msgs, writers*perWriter)

		seen := make(map[string]bool)
		lastPerWriter := make(map[int]int)
		for i, m := range msgs {
			assert.Equal(t, int64(i+1), m.Seq, "sequence must be gap-free")
			assert.False(t, seen[m.Content], "duplicate %s", m.Content)
			seen[m.Content] = true

			// Each writer's own messages keep their relative order.
			var w, n int
			_, err := fmt.Sscanf(m.Content, "w%d-%d", &w, &n)
			require.NoError(t, err)
			if prev, ok := lastPerWriter[w]; ok {
				assert.Greater(t, n, prev)
			}
			lastPerWriter[w] = n
		}
	})

	t.Run("Stats", func(t *testing.T) {
		s := newStore(t, clock.Fake(epoch))
		ctx := context.Background()
		a, err := s.CreateSession(ctx, "alice", "")
		require.NoError(t, err)
		b, err := s.CreateSession(ctx, "bob", "")
		require.NoError(t, err)
		_, err = s.AppendMessage(ctx, a.ID, RoleUser, "x", nil)
		require.NoError(t, err)
		_, err = s.AppendMessage(ctx, b.ID, RoleUser, "y", nil)
		require.NoError(t, err)
		require.NoError(t, s.EndSession(ctx, b.ID))

		st, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), st.TotalSessions)
		assert.Equal(t, int64(1), st.ActiveSessions)
		assert.Equal(t, int64(2), st.TotalMessages)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T, clk clock.Clock) Store {
		return NewMemoryStore(clk)
	})
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore(clock.Fake(epoch))
	ctx := context.Background()
	sess, err := s.CreateSession(ctx, "alice", "orig")
	require.NoError(t, err)
	sess.Title = "mutated"

	meta := map[string]any{"k": "v"}
	_, err = s.AppendMessage(ctx, sess.ID, RoleUser, "x", meta)
	require.NoError(t, err)
	meta["k"] = "changed"

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "orig", got.Title)

	msgs, err := s.GetRecentMessages(ctx, sess.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, "v", msgs[0].Metadata["k"])
}

func TestMemoryStore_ReapOrderIsStable(t *testing.T) {
	clk := clock.Fake(epoch)
	s := NewMemoryStore(clk)
	ctx := context.Background()
	var ids []string
	for i := 0; i < 4; i++ {
		sess, err := s.CreateSession(ctx, "u", "")
		require.NoError(t, err)
		ids = append(ids, sess.ID)
	}
	clk.Advance(time.Hour)
	ended, err := s.ReapIdle(ctx, time.Minute)
	require.NoError(t, err)
	sort.Strings(ids)
	assert.Equal(t, ids, ended)
}
