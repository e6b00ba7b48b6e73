// ABOUTME: Gateway wires the store, connection manager, orchestrator and servers
// ABOUTME: Manages HTTP/WebSocket, gRPC health, background loops and shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"tailscale.com/tsnet"

	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/auth"
	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/clock"
	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/commands"
	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/config"
	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/connection"
	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/conversation"
	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/dedupe"
	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/inference"
	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/retrieval"
	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/store"
)

// dedupeMaxEntries bounds the duplicate-suppression cache.
const dedupeMaxEntries = 100_000

// Gateway is the secchat-gateway process.
type Gateway struct {
	config   *config.Config
	clock    clock.Clock
	logger   *slog.Logger
	started  time.Time
	verifier *auth.JWTVerifier

	store     store.Store
	conns     *connection.Manager
	orch      *conversation.Orchestrator
	commands  *commands.Processor
	inference *inference.Gateway
	index     retrieval.Index
	indexer   *retrieval.Indexer
	reloader  *commands.Reloader
	reaper    *conversation.Reaper
	dedupe    *dedupe.Cache

	echo        *echo.Echo
	httpServer  *http.Server
	grpcServer  *grpc.Server
	health      *health.Server
	tsnetServer *tsnet.Server

	shutdownOnce sync.Once
	shutdownErr  error
}

// Option overrides a collaborator New would otherwise build from config.
type Option func(*options)

type options struct {
	store     store.Store
	generator inference.Generator
	index     retrieval.Index
	writer    retrieval.Writer
	clock     clock.Clock
}

// WithStore uses st instead of opening the configured database.
func WithStore(st store.Store) Option { return func(o *options) { o.store = st } }

// WithGenerator uses gen instead of the Ollama backend.
func WithGenerator(gen inference.Generator) Option { return func(o *options) { o.generator = gen } }

// WithIndex uses idx for retrieval and, when it also implements
// retrieval.Writer, for re-indexing.
func WithIndex(idx retrieval.Index) Option {
	return func(o *options) {
		o.index = idx
		if w, ok := idx.(retrieval.Writer); ok {
			o.writer = w
		}
	}
}

// WithClock replaces the wall clock.
func WithClock(clk clock.Clock) Option { return func(o *options) { o.clock = clk } }

// New builds a Gateway from cfg. Nothing listens until Run.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	clk := o.clock
	if clk == nil {
		clk = clock.Real()
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}

	st := o.store
	if st == nil {
		st, err = initStore(ctx, cfg, clk, logger)
		if err != nil {
			return nil, err
		}
	}

	g := &Gateway{
		config:   cfg,
		clock:    clk,
		logger:   logger.With("component", "gateway"),
		started:  clk.Now(),
		verifier: verifier,
		store:    st,
	}

	if err := g.initRetrieval(o, logger); err != nil {
		_ = st.Close()
		return nil, err
	}

	gen := o.generator
	if gen == nil {
		gen, err = inference.NewOllamaGenerator(inference.OllamaConfig{
			ServerURL:   cfg.Generation.BackendURL,
			Model:       cfg.Generation.Model,
			Temperature: cfg.Generation.Temperature,
		})
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("creating generator: %w", err)
		}
	}
	g.inference = inference.New(g.index, gen, inference.Config{
		TopK:               cfg.Retrieval.TopK,
		RetrievalTimeout:   cfg.Retrieval.Timeout,
		AttemptTimeout:     cfg.Generation.Timeout,
		MaxOutputChars:     cfg.Generation.MaxOutputChars,
		MaxContextMessages: cfg.Generation.MaxContextMessages,
		Retry: inference.Policy{
			MaxAttempts:  cfg.Generation.MaxAttempts,
			InitialDelay: cfg.Generation.InitialBackoff,
			MaxDelay:     cfg.Generation.MaxBackoff,
		},
	}, clk, logger)

	g.conns = connection.NewManager(connection.Config{
		Verifier:     verifier,
		Sessions:     st,
		SendBuffer:   cfg.Connections.SendBuffer,
		InboundQueue: cfg.Connections.InboundQueue,
		Clock:        clk,
		Logger:       logger,
	})
	g.dedupe = dedupe.New(cfg.Sessions.DedupeWindow, dedupeMaxEntries, clk)
	if g.indexer != nil {
		g.reloader = commands.NewReloader(g.indexer, g.conns, clk, logger)
	}
	g.reaper = conversation.NewReaper(st, g.conns, conversation.ReaperConfig{
		IdleTimeout: cfg.Sessions.IdleTimeout,
		Interval:    cfg.Sessions.ReapInterval,
		Clock:       clk,
		Logger:      logger,
	})

	var counter commands.IndexCounter
	if g.index != nil {
		counter = g.index
	}
	g.commands = commands.NewProcessor(commands.Deps{
		Store:       st,
		Connections: g.conns,
		Inference:   g.inference,
		Index:       counter,
		Reloader:    g.reloader,
		Reaper:      g.reaper,
		Clock:       clk,
		Logger:      logger,
		Sigil:       cfg.Commands.Sigil,
		ListLimit:   cfg.Sessions.ListLimit,
	})
	g.orch = conversation.New(conversation.Deps{
		Store:           st,
		Connections:     g.conns,
		Commands:        g.commands,
		Answerer:        g.inference,
		Dedupe:          g.dedupe,
		Clock:           clk,
		Logger:          logger,
		ContextMessages: cfg.Generation.MaxContextMessages,
	})
	g.conns.SetHandler(g.orch)

	g.echo = g.newEcho()
	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           g.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.grpcServer, g.health = newHealthServer()
	g.inference.OnHealthChange(g.setInferenceServing)

	return g, nil
}

// initStore opens the configured conversation store.
func initStore(ctx context.Context, cfg *config.Config, clk clock.Clock, logger *slog.Logger) (store.Store, error) {
	dsn := cfg.Database.DSN
	if cfg.Database.Driver == store.DriverSQLite {
		dsn = cfg.Database.Path
	}
	st, err := store.New(ctx, store.Config{
		Driver:       cfg.Database.Driver,
		DSN:          dsn,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		Clock:        clk,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return st, nil
}

// initRetrieval opens the vector index and the corpus indexer when
// retrieval is enabled. A disabled index leaves every reply degraded.
func (g *Gateway) initRetrieval(o *options, logger *slog.Logger) error {
	cfg := g.config
	if !cfg.Retrieval.Enabled && o.index == nil {
		g.logger.Warn("retrieval disabled; replies will be marked degraded")
		return nil
	}

	writer := o.writer
	if o.index != nil {
		g.index = o.index
	} else {
		ix, err := retrieval.OpenChromem(retrieval.ChromemConfig{
			Dir:            cfg.Retrieval.IndexDir,
			Collection:     cfg.Retrieval.Collection,
			EmbeddingModel: cfg.Retrieval.EmbeddingModel,
			EmbeddingURL:   cfg.Retrieval.EmbeddingURL,
			Logger:         logger,
		})
		if err != nil {
			return fmt.Errorf("opening retrieval index: %w", err)
		}
		g.index, writer = ix, ix
	}

	if writer == nil || cfg.Corpus.Dir == "" {
		return nil
	}
	manifest := ""
	if cfg.Retrieval.IndexDir != "" {
		manifest = filepath.Join(cfg.Retrieval.IndexDir, "manifest.json")
	}
	indexer, err := retrieval.NewIndexer(retrieval.NewCorpus(cfg.Corpus.Dir), writer, manifest, logger)
	if err != nil {
		return fmt.Errorf("creating indexer: %w", err)
	}
	g.indexer = indexer
	return nil
}

// Handler returns the HTTP handler (WebSocket, REST and health routes).
func (g *Gateway) Handler() http.Handler { return g.echo }

// Connections exposes the connection manager.
func (g *Gateway) Connections() *connection.Manager { return g.conns }

// Store exposes the conversation store.
func (g *Gateway) Store() store.Store { return g.store }

// Verifier exposes the token verifier, which can also mint development tokens.
func (g *Gateway) Verifier() *auth.JWTVerifier { return g.verifier }

// setupListeners creates listeners based on configuration (Tailscale or TCP).
// grpcLn is nil when no gRPC address is configured.
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddresses()
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// setupTCPListeners creates standard TCP listeners for HTTP and gRPC.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"http_addr", g.config.Server.HTTPAddr,
		"grpc_addr", g.config.Server.GRPCAddr,
	)

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	if g.config.Server.GRPCAddr == "" {
		return nil, httpLn, nil
	}
	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		_ = httpLn.Close()
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}
	return grpcLn, httpLn, nil
}

// Run serves until ctx is cancelled or a server fails, then shuts down.
// Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	grpcLn, httpLn, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	if g.indexer != nil && g.index.Count() == 0 {
		if job, ok := g.reloader.Start("", "startup"); ok {
			g.logger.Info("empty index; initial reload started", "job_id", job)
		}
	}

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	if grpcLn != nil {
		eg.Go(func() error {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("gRPC server: %w", err)
			}
			return nil
		})
	}
	eg.Go(func() error { return g.reaper.Run(egCtx) })
	if g.indexer != nil && g.config.Corpus.Watch {
		w := retrieval.NewWatcher(g.config.Corpus.Dir, g.config.Corpus.Debounce, g.clock, func() {
			if job, ok := g.reloader.Start("", "watcher"); ok {
				g.logger.Info("corpus changed; reload started", "job_id", job)
			}
		}, g.logger)
		eg.Go(func() error { return w.Run(egCtx) })
	}
	eg.Go(func() error {
		<-egCtx.Done()
		g.logger.Info("context canceled, initiating shutdown")
		return g.gracefulShutdown()
	})

	return eg.Wait()
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() since the run context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	g.health.Shutdown()
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting connections, closes live ones with 1001, waits
// for in-flight turns, and releases resources. Later calls return the
// first call's result.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() { g.shutdownErr = g.shutdown(ctx) })
	return g.shutdownErr
}

func (g *Gateway) shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	g.shutdownGRPCServer(ctx)
	errs = appendCloseError(errs, "connections", g.conns.Close(ctx))

	if g.reloader != nil {
		g.reloader.Close()
	}
	g.dedupe.Close()

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	return errors.Join(errs...)
}
