// ABOUTME: Background re-index job started by /reload and the corpus watcher
// ABOUTME: One job at a time; progress is pushed to the invoking session

package commands

import (
	"context"
	"log/slog"
	"sync"

	"github.com/lithammer/shortuuid/v4"
	"golang.org/x/sync/semaphore"

	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/clock"
	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/protocol"
)

// Reindexer rebuilds the retrieval index, reporting progress as it goes.
type Reindexer interface {
	Reindex(ctx context.Context, progress func(done, total int)) (int, error)
}

// Notifier delivers envelopes to every connection bound to a session.
type Notifier interface {
	Deliver(sessionID string, env *protocol.Envelope) int
}

// Reloader runs re-index jobs in the background, at most one at a time.
type Reloader struct {
	reindexer Reindexer
	notifier  Notifier
	clock     clock.Clock
	logger    *slog.Logger

	sem *semaphore.Weighted

	mu      sync.Mutex
	current string
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewReloader creates a Reloader. notifier may be nil.
func NewReloader(r Reindexer, n Notifier, clk clock.Clock, logger *slog.Logger) *Reloader {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Reloader{
		reindexer: r,
		notifier:  n,
		clock:     clk,
		logger:    logger.With("component", "reload"),
		sem:       semaphore.NewWeighted(1),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Running returns the id of the job in progress, if any.
func (r *Reloader) Running() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current, r.current != ""
}

// Start launches a job and returns its id. If a job is already running its
// id is returned with started=false. sessionID receives progress notices;
// it may be empty for unattended runs.
func (r *Reloader) Start(sessionID, requestedBy string) (jobID string, started bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.sem.TryAcquire(1) {
		return r.current, false
	}
	jobID = "reload-" + shortuuid.New()
	r.current = jobID
	r.wg.Add(1)
	go r.run(jobID, sessionID, requestedBy)
	return jobID, true
}

func (r *Reloader) run(jobID, sessionID, requestedBy string) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		r.current = ""
		r.sem.Release(1)
		r.mu.Unlock()
	}()

	logger := r.logger.With("job_id", jobID, "requested_by", requestedBy)
	logger.Info("reload started")

	progress := func(done, total int) {
		r.notify(sessionID, jobID, "running", map[string]any{"done": done, "total": total})
	}
	n, err := r.reindexer.Reindex(r.ctx, progress)
	if err != nil {
		logger.Error("reload failed", "error", err)
		r.notify(sessionID, jobID, "failed", map[string]any{"error": err.Error()})
		return
	}
	logger.Info("reload completed", "documents", n)
	r.notify(sessionID, jobID, "completed", map[string]any{"documents": n})
}

func (r *Reloader) notify(sessionID, jobID, state string, data map[string]any) {
	if r.notifier == nil || sessionID == "" {
		return
	}
	data["job_id"] = jobID
	data["state"] = state
	env, err := protocol.NewEnvelope(protocol.TypeSystemNotification, sessionID, protocol.NotificationPayload{
		Code:    protocol.NoticeReloadProgress,
		Message: "reload " + state,
		Data:    data,
	}, r.clock.Now())
	if err != nil {
		r.logger.Warn("encoding reload progress", "error", err)
		return
	}
	r.notifier.Deliver(sessionID, env)
}

// Close cancels any running job and waits for it to exit.
func (r *Reloader) Close() {
	r.cancel()
	r.wg.Wait()
}
