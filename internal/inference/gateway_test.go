package inference

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/clock"
	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/retrieval"
	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/store"
)

func newTestGateway(t *testing.T, idx retrieval.Index, gen Generator, mutate func(*Config)) (*Gateway, *clock.FakeClock) {
	t.Helper()
	cfg := Config{
		TopK:               3,
		MaxOutputChars:     4000,
		MaxContextMessages: 20,
		Retry:              testPolicy,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return New(idx, gen, cfg, clk, nil), clk
}

func msg(seq int64, role store.Role, content string) *store.Message {
	return &store.Message{ID: content, SessionID: "s1", Seq: seq, Role: role, Content: content}
}

func TestGateway_AnswerWithReferences(t *testing.T) {
	idx := &fakeIndex{results: threeRefs()}
	gen := &scriptedGenerator{script: []scripted{{text: "Host-x shows **brute force** activity [1]."}}}
	g, clk := newTestGateway(t, idx, gen, nil)

	history := []*store.Message{
		msg(1, store.RoleUser, "what happened on host-x?"),
		msg(2, store.RoleAssistant, "Let me check."),
		msg(3, store.RoleSystem, "/status"),
	}
	reply, err := g.Answer(context.Background(), "s1", "any ssh failures?", history)
	require.NoError(t, err)

	assert.Equal(t, "Host-x shows **brute force** activity [1].", reply.Content)
	assert.Contains(t, reply.HTML, "<strong>brute force</strong>")
	assert.Len(t, reply.References, 3)
	assert.False(t, reply.Degraded)
	assert.Equal(t, 1, reply.Attempts)
	assert.Empty(t, clk.Slept())
	assert.Equal(t, []string{"any ssh failures?"}, idx.queries)

	require.Len(t, gen.prompts, 1)
	p := gen.prompts[0]
	assert.Equal(t, "any ssh failures?", p.Query)
	require.Len(t, p.Turns, 2, "system records are excluded")
	assert.Equal(t, SpeakerUser, p.Turns[0].Speaker)
	assert.Equal(t, SpeakerAssistant, p.Turns[1].Speaker)
	assert.Contains(t, p.System, "[1] (alerts.json) sshd failure on host-x")
	assert.Contains(t, p.System, "[3] (auth.log) new user added on host-x")

	st := g.Stats()
	assert.Equal(t, int64(1), st.Requests)
	assert.Equal(t, int64(1), st.Attempts)
	assert.Equal(t, int64(0), st.Degraded)
	assert.True(t, st.Healthy)
}

func TestGateway_DegradedRetrieval(t *testing.T) {
	tests := []struct {
		name   string
		index  retrieval.Index
		reason string
	}{
		{"disabled", nil, DegradedRetrievalOffline},
		{"empty", &fakeIndex{err: retrieval.ErrEmptyIndex}, DegradedEmptyIndex},
		{"no results", &fakeIndex{}, DegradedEmptyIndex},
		{"failing", &fakeIndex{err: errors.New("embedding server down")}, DegradedRetrievalFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &scriptedGenerator{script: []scripted{{text: "general guidance"}}}
			g, _ := newTestGateway(t, tt.index, gen, nil)

			reply, err := g.Answer(context.Background(), "s1", "question", nil)
			require.NoError(t, err)
			assert.True(t, reply.Degraded)
			assert.Equal(t, tt.reason, reply.DegradedReason)
			assert.Empty(t, reply.References)
			assert.Equal(t, "general guidance", reply.Content)
			assert.Contains(t, gen.prompts[0].System, "No log references")
			assert.Equal(t, int64(1), g.Stats().Degraded)
		})
	}
}

func TestGateway_TransientFailuresExhaustIntoOneError(t *testing.T) {
	gen := &scriptedGenerator{script: []scripted{{err: errors.New("503 Service Unavailable")}}}
	g, clk := newTestGateway(t, &fakeIndex{results: threeRefs()}, gen, nil)

	var flips []bool
	g.OnHealthChange(func(healthy bool) { flips = append(flips, healthy) })

	reply, err := g.Answer(context.Background(), "s1", "question", nil)
	assert.Nil(t, reply)
	require.ErrorIs(t, err, ErrInferenceUnavailable)

	var ue *UnavailableError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, 4, ue.Attempts)
	assert.Equal(t, ClassBusy, ue.Class)

	assert.Equal(t, 4, gen.Calls())
	assert.Equal(t, []time.Duration{250 * time.Millisecond, 500 * time.Millisecond, time.Second}, clk.Slept())
	assert.Equal(t, []bool{false}, flips)

	st := g.Stats()
	assert.Equal(t, int64(4), st.Attempts)
	assert.Equal(t, int64(3), st.Retries)
	assert.Equal(t, int64(1), st.Failures)
	assert.False(t, st.Healthy)
	assert.Contains(t, st.LastError, "503")
}

func TestGateway_RecoversAfterTransientFailure(t *testing.T) {
	gen := &scriptedGenerator{script: []scripted{
		{err: ErrConnectionReset},
		{text: "recovered"},
	}}
	g, clk := newTestGateway(t, &fakeIndex{results: threeRefs()}, gen, nil)

	reply, err := g.Answer(context.Background(), "s1", "question", nil)
	require.NoError(t, err)
	assert.Equal(t, "recovered", reply.Content)
	assert.Equal(t, 2, reply.Attempts)
	assert.Equal(t, []time.Duration{250 * time.Millisecond}, clk.Slept())
}

func TestGateway_HealthFlipsBackOnSuccess(t *testing.T) {
	gen := &scriptedGenerator{script: []scripted{{err: ErrTimeout}}}
	g, _ := newTestGateway(t, nil, gen, func(c *Config) { c.Retry.MaxAttempts = 1 })

	var mu sync.Mutex
	var flips []bool
	g.OnHealthChange(func(healthy bool) {
		mu.Lock()
		defer mu.Unlock()
		flips = append(flips, healthy)
	})

	_, err := g.Answer(context.Background(), "s1", "q", nil)
	require.Error(t, err)
	assert.False(t, g.Healthy())

	gen.mu.Lock()
	gen.script = []scripted{{text: "ok"}}
	gen.calls = 0
	gen.mu.Unlock()

	_, err = g.Answer(context.Background(), "s1", "q", nil)
	require.NoError(t, err)
	assert.True(t, g.Healthy())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{false, true}, flips)
}

func TestGateway_TerminalFailuresAreNotRetried(t *testing.T) {
	tests := []struct {
		name  string
		out   scripted
		class Class
	}{
		{"malformed", scripted{err: NewBackendError(ClassMalformed, errors.New("context too long"))}, ClassMalformed},
		{"empty output", scripted{text: "   \n"}, ClassEmptyOutput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &scriptedGenerator{script: []scripted{tt.out}}
			g, clk := newTestGateway(t, nil, gen, nil)

			_, err := g.Answer(context.Background(), "s1", "q", nil)
			require.ErrorIs(t, err, ErrInferenceUnavailable)

			var ue *UnavailableError
			require.ErrorAs(t, err, &ue)
			assert.Equal(t, tt.class, ue.Class)
			assert.Equal(t, 1, ue.Attempts)
			assert.Equal(t, 1, gen.Calls())
			assert.Empty(t, clk.Slept())
			assert.True(t, g.Healthy(), "terminal prompt problems do not mark the backend down")
		})
	}
}

func TestGateway_EmptyQueryIsMalformed(t *testing.T) {
	gen := &scriptedGenerator{script: []scripted{{text: "never"}}}
	g, _ := newTestGateway(t, nil, gen, nil)

	_, err := g.Answer(context.Background(), "s1", "   ", nil)
	require.ErrorIs(t, err, ErrInferenceUnavailable)
	assert.ErrorIs(t, err, ErrMalformedPrompt)
	assert.Equal(t, 0, gen.Calls())
}

func TestGateway_TruncatesLongOutput(t *testing.T) {
	gen := &scriptedGenerator{script: []scripted{{text: strings.Repeat("é", 50)}}}
	g, _ := newTestGateway(t, nil, gen, func(c *Config) { c.MaxOutputChars = 30 })

	reply, err := g.Answer(context.Background(), "s1", "q", nil)
	require.NoError(t, err)
	assert.True(t, reply.Truncated)
	assert.Equal(t, strings.Repeat("é", 10)+truncationMarker, reply.Content)
	assert.Equal(t, 30, utf8.RuneCountInString(reply.Content))
}

type blockingGenerator struct{}

func (blockingGenerator) Generate(ctx context.Context, p Prompt) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestGateway_AttemptTimeoutIsRetriedAsTimeout(t *testing.T) {
	g, clk := newTestGateway(t, nil, blockingGenerator{}, func(c *Config) {
		c.AttemptTimeout = 20 * time.Millisecond
		c.Retry.MaxAttempts = 2
	})

	_, err := g.Answer(context.Background(), "s1", "q", nil)
	var ue *UnavailableError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, ClassTimeout, ue.Class)
	assert.Equal(t, 2, ue.Attempts)
	assert.Len(t, clk.Slept(), 1)
}

func TestGateway_CallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	gen := &scriptedGenerator{script: []scripted{{err: ErrBusy}}}
	g, _ := newTestGateway(t, nil, gen, nil)
	cancel()

	_, err := g.Answer(ctx, "s1", "q", nil)
	var ue *UnavailableError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, ClassCanceled, ue.Class)
	assert.Equal(t, 0, gen.Calls())
	assert.True(t, g.Healthy())
}
