// ABOUTME: Background sweep that ends sessions idle past the threshold
// ABOUTME: Bound connections are notified and detached from reaped sessions

package conversation

import (
	"context"
	"log/slog"
	"time"

	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/clock"
	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/protocol"
	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/store"
)

// ReaperConfig configures a Reaper.
type ReaperConfig struct {
	IdleTimeout time.Duration
	Interval    time.Duration
	Clock       clock.Clock
	Logger      *slog.Logger
}

// Reaper periodically ends idle sessions.
type Reaper struct {
	store    store.Store
	conns    Connections
	idle     time.Duration
	interval time.Duration
	clock    clock.Clock
	logger   *slog.Logger
}

// NewReaper creates a Reaper. conns may be nil.
func NewReaper(st store.Store, conns Connections, cfg ReaperConfig) *Reaper {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		store:    st,
		conns:    conns,
		idle:     cfg.IdleTimeout,
		interval: cfg.Interval,
		clock:    cfg.Clock,
		logger:   logger.With("component", "reaper"),
	}
}

// Run sweeps every interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("session reaper started", "idle_timeout", r.idle, "interval", r.interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.ReapNow(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("reap sweep failed", "error", err)
			}
		}
	}
}

// ReapNow runs one sweep and returns the ended session ids.
func (r *Reaper) ReapNow(ctx context.Context) ([]string, error) {
	ended, err := r.store.ReapIdle(ctx, r.idle)
	if err != nil {
		return nil, err
	}
	for _, id := range ended {
		if r.conns == nil {
			continue
		}
		env, err := protocol.NewEnvelope(protocol.TypeSystemNotification, id, protocol.NotificationPayload{
			Code:    protocol.NoticeSessionEnded,
			Message: "session ended after inactivity",
			Data:    map[string]any{"reason": "idle"},
		}, r.clock.Now())
		if err == nil {
			r.conns.Deliver(id, env)
		}
		r.conns.Unbind(id)
	}
	if len(ended) > 0 {
		r.logger.Info("idle sessions reaped", "count", len(ended))
	}
	return ended, nil
}
