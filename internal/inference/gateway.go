// ABOUTME: Inference Gateway: retrieval, retried generation, post-processing
// ABOUTME: Retrieval problems degrade the reply; exhausted generation fails the turn

package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/clock"
	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/retrieval"
	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/store"
)

// Degraded reasons attached to replies.
const (
	DegradedEmptyIndex       = "empty_index"
	DegradedRetrievalFailed  = "retrieval_unavailable"
	DegradedRetrievalOffline = "retrieval_disabled"
)

// Config tunes a Gateway.
type Config struct {
	TopK               int
	RetrievalTimeout   time.Duration
	AttemptTimeout     time.Duration
	MaxOutputChars     int
	MaxContextMessages int
	Retry              Policy
}

// Reply is a generated assistant answer.
type Reply struct {
	Content        string
	HTML           string
	References     []retrieval.Result
	Degraded       bool
	DegradedReason string
	Truncated      bool
	Attempts       int
}

// Stats are cumulative gateway counters.
type Stats struct {
	Requests  int64
	Attempts  int64
	Retries   int64
	Failures  int64
	Degraded  int64
	Healthy   bool
	LastError string
}

// Gateway answers user questions with retrieval-augmented generation.
type Gateway struct {
	index  retrieval.Index // nil when retrieval is disabled
	gen    Generator
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger

	requests atomic.Int64
	attempts atomic.Int64
	retries  atomic.Int64
	failures atomic.Int64
	degraded atomic.Int64

	mu        sync.Mutex
	healthy   bool
	lastError string
	listeners []func(healthy bool)
}

// New creates a Gateway. index may be nil.
func New(index retrieval.Index, gen Generator, cfg Config, clk clock.Clock, logger *slog.Logger) *Gateway {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry.MaxAttempts = 1
	}
	return &Gateway{
		index:   index,
		gen:     gen,
		cfg:     cfg,
		clock:   clk,
		logger:  logger.With("component", "inference"),
		healthy: true,
	}
}

// OnHealthChange registers fn to be called when backend health flips.
func (g *Gateway) OnHealthChange(fn func(healthy bool)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listeners = append(g.listeners, fn)
}

// Healthy reports whether the last generation succeeded.
func (g *Gateway) Healthy() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.healthy
}

// Stats returns a snapshot of the counters.
func (g *Gateway) Stats() Stats {
	g.mu.Lock()
	healthy, lastErr := g.healthy, g.lastError
	g.mu.Unlock()
	return Stats{
		Requests:  g.requests.Load(),
		Attempts:  g.attempts.Load(),
		Retries:   g.retries.Load(),
		Failures:  g.failures.Load(),
		Degraded:  g.degraded.Load(),
		Healthy:   healthy,
		LastError: lastErr,
	}
}

func (g *Gateway) noteError(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastError = err.Error()
}

func (g *Gateway) setHealth(healthy bool) {
	g.mu.Lock()
	changed := g.healthy != healthy
	g.healthy = healthy
	listeners := append([]func(bool){}, g.listeners...)
	g.mu.Unlock()

	if changed {
		g.logger.Info("inference backend health changed", "healthy", healthy)
		for _, fn := range listeners {
			fn(healthy)
		}
	}
}

// Answer produces an assistant reply for userText given prior history. The
// history must not include the message being answered. Every returned error
// wraps ErrInferenceUnavailable.
func (g *Gateway) Answer(ctx context.Context, sessionID, userText string, history []*store.Message) (*Reply, error) {
	g.requests.Add(1)
	logger := g.logger.With("session_id", sessionID)

	reply := &Reply{}
	reply.References, reply.DegradedReason = g.retrieve(ctx, userText, logger)
	reply.Degraded = reply.DegradedReason != ""

	prompt := BuildPrompt(TrimContext(history, g.cfg.MaxContextMessages), reply.References, userText)
	if err := prompt.Validate(); err != nil {
		g.failures.Add(1)
		return nil, &UnavailableError{Class: ClassMalformed, Err: err}
	}

	var text string
	final := g.cfg.Retry.Run(ctx, g.clock, func(ctx context.Context, attempt int) error {
		g.attempts.Add(1)
		if attempt > 1 {
			g.retries.Add(1)
		}
		actx := ctx
		if g.cfg.AttemptTimeout > 0 {
			var cancel context.CancelFunc
			actx, cancel = context.WithTimeout(ctx, g.cfg.AttemptTimeout)
			defer cancel()
		}
		raw, err := g.gen.Generate(actx, prompt)
		if err != nil {
			// The attempt deadline, not the caller's, expired.
			if ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
				return NewBackendError(ClassTimeout, err)
			}
			return err
		}
		out, truncated, err := finalize(raw, g.cfg.MaxOutputChars)
		if err != nil {
			return err
		}
		text, reply.Truncated = out, truncated
		return nil
	}, func(s Step) {
		if s.Outcome == Pending && s.Err != nil {
			logger.Warn("generation attempt failed; retrying",
				"attempt", s.Attempt-1, "class", s.Class, "wait", s.Wait, "error", s.Err)
		}
	})

	reply.Attempts = final.Attempt
	if final.Outcome != Succeeded {
		g.failures.Add(1)
		g.noteError(final.Err)
		// Malformed prompts and empty output say nothing about reachability.
		if final.Outcome == Exhausted || final.Class == ClassUnknown {
			g.setHealth(false)
		}
		logger.Error("generation failed",
			"outcome", final.Outcome, "class", final.Class, "attempts", final.Attempt, "error", final.Err)
		return nil, &UnavailableError{Class: final.Class, Attempts: final.Attempt, Err: final.Err}
	}

	g.setHealth(true)
	if reply.Degraded {
		g.degraded.Add(1)
	}
	reply.Content = text
	reply.HTML = RenderHTML(text)
	return reply, nil
}

// retrieve returns references and, on any retrieval problem, a degraded
// reason. It never fails the turn.
func (g *Gateway) retrieve(ctx context.Context, query string, logger *slog.Logger) ([]retrieval.Result, string) {
	if g.index == nil {
		return nil, DegradedRetrievalOffline
	}
	rctx := ctx
	if g.cfg.RetrievalTimeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, g.cfg.RetrievalTimeout)
		defer cancel()
	}
	refs, err := g.index.Search(rctx, query, g.cfg.TopK)
	switch {
	case errors.Is(err, retrieval.ErrEmptyIndex):
		return nil, DegradedEmptyIndex
	case err != nil:
		logger.Warn("retrieval failed; answering without references", "error", err)
		return nil, DegradedRetrievalFailed
	case len(refs) == 0:
		return nil, DegradedEmptyIndex
	}
	return refs, ""
}

// String describes the reply for logs.
func (r *Reply) String() string {
	return fmt.Sprintf("reply(%d chars, %d refs, degraded=%t)", len(r.Content), len(r.References), r.Degraded)
}
