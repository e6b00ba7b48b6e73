package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/auth"
	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/clock"
	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/protocol"
	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/store"
)

func TestReaper_EndsIdleSessionsAndRejectsAppends(t *testing.T) {
	e := newEnv(t)
	c := e.connect("ana", auth.RoleAnalyst)
	e.send(c, "hello", "")
	idle := c.SessionID()
	e.drain(c)

	other := e.connect("bob", auth.RoleAnalyst)
	e.clk.Advance(20 * time.Minute)
	e.send(other, "still here", "")
	fresh := other.SessionID()

	e.clk.Advance(15 * time.Minute)
	r := NewReaper(e.store, e.mgr, ReaperConfig{IdleTimeout: 30 * time.Minute, Clock: e.clk})
	ended, err := r.ReapNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{idle}, ended)

	out := e.drain(c)
	require.Len(t, out, 1)
	var n protocol.NotificationPayload
	require.NoError(t, out[0].DecodePayload(&n))
	assert.Equal(t, protocol.NoticeSessionEnded, n.Code)
	assert.Empty(t, c.SessionID())
	assert.Equal(t, fresh, other.SessionID())

	_, err = e.store.AppendMessage(context.Background(), idle, store.RoleUser, "late", nil)
	assert.ErrorIs(t, err, store.ErrSessionClosed)

	// The next message starts a new session instead of failing.
	e.send(c, "back again", "")
	assert.NotEqual(t, idle, c.SessionID())
}

func TestReaper_RunSweepsOnTick(t *testing.T) {
	e := newEnv(t)
	c := e.connect("ana", auth.RoleAnalyst)
	e.send(c, "hello", "")
	sessionID := c.SessionID()

	e.clk.Advance(2 * time.Minute)

	// The ticker runs on its own clock so only the reaper's waiter is pending.
	tick := clock.Fake(e.clk.Now())
	r := NewReaper(e.store, e.mgr, ReaperConfig{IdleTimeout: time.Minute, Interval: 10 * time.Second, Clock: tick})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return tick.Pending() > 0 }, time.Second, time.Millisecond)
	tick.Advance(10 * time.Second)

	require.Eventually(t, func() bool {
		s, err := e.store.GetSession(context.Background(), sessionID)
		return err == nil && !s.Active
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
