package conversation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/auth"
	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/clock"
	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/commands"
	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/connection"
	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/dedupe"
	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/inference"
	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/protocol"
	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/retrieval"
	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/store"
)

const testSecret = "orchestrator-test-secret-32-bytes-min"

type nopTransport struct{}

func (nopTransport) Close(int, string) error { return nil }

type staticIndex struct{ results []retrieval.Result }

func (s staticIndex) Search(ctx context.Context, q string, k int) ([]retrieval.Result, error) {
	if len(s.results) == 0 {
		return nil, retrieval.ErrEmptyIndex
	}
	return s.results[:min(k, len(s.results))], nil
}

func (s staticIndex) Count() int { return len(s.results) }

// stubGenerator answers every prompt with text, or fails with err.
type stubGenerator struct {
	mu    sync.Mutex
	text  string
	err   error
	calls int
}

func (g *stubGenerator) Generate(ctx context.Context, p inference.Prompt) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	return g.text, g.err
}

// recordingAnswerer captures the history it was given.
type recordingAnswerer struct {
	mu      sync.Mutex
	history [][]*store.Message
	before  func()
	reply   *inference.Reply
}

func (r *recordingAnswerer) Answer(ctx context.Context, sessionID, userText string, history []*store.Message) (*inference.Reply, error) {
	if r.before != nil {
		r.before()
	}
	r.mu.Lock()
	r.history = append(r.history, history)
	r.mu.Unlock()
	if r.reply != nil {
		return r.reply, nil
	}
	return &inference.Reply{Content: "answer to " + userText, Attempts: 1}, nil
}

type env struct {
	t     *testing.T
	clk   *clock.FakeClock
	store *store.MemoryStore
	mgr   *connection.Manager
	orch  *Orchestrator
	ver   *auth.JWTVerifier
	gen   *stubGenerator
}

type option func(*Deps, *env)

func withAnswerer(a Answerer) option {
	return func(d *Deps, _ *env) { d.Answerer = a }
}

func newEnv(t *testing.T, opts ...option) *env {
	t.Helper()
	clk := clock.Fake(time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC))
	st := store.NewMemoryStore(clk)
	ver, err := auth.NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)

	mgr := connection.NewManager(connection.Config{Verifier: ver, Sessions: st, SendBuffer: 64, Clock: clk})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = mgr.Close(ctx)
	})

	gen := &stubGenerator{text: "Host X had 3 failed ssh logins [1]."}
	refs := []retrieval.Result{
		{Document: retrieval.Document{ID: "d1", Source: "alerts.json", Content: "sshd: authentication failure host X"}, Score: 0.91},
		{Document: retrieval.Document{ID: "d2", Source: "alerts.json", Content: "sshd: authentication failure host X"}, Score: 0.88},
		{Document: retrieval.Document{ID: "d3", Source: "auth.log", Content: "Accepted password for root host X"}, Score: 0.75},
	}
	gw := inference.New(staticIndex{results: refs}, gen, inference.Config{
		TopK:               3,
		MaxOutputChars:     4000,
		MaxContextMessages: 20,
		Retry:              inference.Policy{MaxAttempts: 3, InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second},
	}, clk, nil)

	e := &env{t: t, clk: clk, store: st, mgr: mgr, ver: ver, gen: gen}
	reaper := NewReaper(st, mgr, ReaperConfig{IdleTimeout: 30 * time.Minute, Clock: clk})
	proc := commands.NewProcessor(commands.Deps{
		Store:       st,
		Connections: mgr,
		Inference:   gw,
		Index:       staticIndex{results: refs},
		Reaper:      reaper,
		Clock:       clk,
		Sigil:       "/",
	})
	deps := Deps{
		Store:       st,
		Connections: mgr,
		Commands:    proc,
		Answerer:    gw,
		Dedupe:      dedupe.New(5*time.Minute, 1000, clk),
		Clock:       clk,
	}
	for _, o := range opts {
		o(&deps, e)
	}
	t.Cleanup(deps.Dedupe.Close)
	e.orch = New(deps)
	return e
}

func (e *env) connect(userID string, role auth.Role) *connection.Conn {
	e.t.Helper()
	tok, err := e.ver.Generate(userID, role, time.Hour)
	require.NoError(e.t, err)
	c, err := e.mgr.Register(nopTransport{}, tok)
	require.NoError(e.t, err)
	e.drain(c)
	return c
}

func (e *env) send(c *connection.Conn, content, clientMsgID string) {
	e.orch.HandleInbound(context.Background(), c, &protocol.InboundFrame{
		Type: protocol.TypeMessage, Content: content, ClientMsgID: clientMsgID,
	})
}

func (e *env) drain(c *connection.Conn) []*protocol.Envelope {
	var out []*protocol.Envelope
	for {
		select {
		case m, ok := <-c.Outbound():
			if !ok {
				return out
			}
			out = append(out, m)
		default:
			return out
		}
	}
}

func (e *env) messages(sessionID string) []*store.Message {
	e.t.Helper()
	msgs, err := e.store.GetRecentMessages(context.Background(), sessionID, 100)
	require.NoError(e.t, err)
	return msgs
}

func types(envs []*protocol.Envelope) []string {
	out := make([]string, len(envs))
	for i, m := range envs {
		out[i] = m.Type
	}
	return out
}

func roles(msgs []*store.Message) []store.Role {
	out := make([]store.Role, len(msgs))
	for i, m := range msgs {
		out[i] = m.Role
	}
	return out
}

func find(envs []*protocol.Envelope, typ string) []*protocol.Envelope {
	var out []*protocol.Envelope
	for _, m := range envs {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}
