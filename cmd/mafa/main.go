package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mafa-ai/mafa-core/internal/adapter/bus"
	"github.com/mafa-ai/mafa-core/internal/adapter/gemini"
	httpadapter "github.com/mafa-ai/mafa-core/internal/adapter/http"
	mafamcp "github.com/mafa-ai/mafa-core/internal/adapter/mcp"
	mafanats "github.com/mafa-ai/mafa-core/internal/adapter/nats"
	"github.com/mafa-ai/mafa-core/internal/adapter/natskv"
	"github.com/mafa-ai/mafa-core/internal/adapter/postgres"
	"github.com/mafa-ai/mafa-core/internal/adapter/ristretto"
	"github.com/mafa-ai/mafa-core/internal/adapter/stdio"
	"github.com/mafa-ai/mafa-core/internal/adapter/tiered"
	"github.com/mafa-ai/mafa-core/internal/adapter/ws"
	"github.com/mafa-ai/mafa-core/internal/config"
	"github.com/mafa-ai/mafa-core/internal/domain/tool"
	"github.com/mafa-ai/mafa-core/internal/logger"
	"github.com/mafa-ai/mafa-core/internal/middleware"
	"github.com/mafa-ai/mafa-core/internal/port/cache"
	"github.com/mafa-ai/mafa-core/internal/port/eventbus"
	"github.com/mafa-ai/mafa-core/internal/port/memory"
	"github.com/mafa-ai/mafa-core/internal/resilience"
	"github.com/mafa-ai/mafa-core/internal/service"
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// In MCP mode stdout carries the protocol stream, so logs go to stderr.
	mcpMode := len(os.Args) > 1 && os.Args[1] == "mcp"
	logOut := io.Writer(os.Stdout)
	if mcpMode {
		logOut = os.Stderr
	}
	log, logCloser := logger.New(cfg.Logging, logOut)
	slog.SetDefault(log)
	defer logCloser.Close()

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"bus_backend", cfg.Bus.Backend,
		"workers", len(cfg.Workers),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Event bus ---
	var eventBus eventbus.Bus
	var natsBus *mafanats.Bus
	switch cfg.Bus.Backend {
	case "nats":
		nb, err := mafanats.Connect(ctx, cfg.NATS.URL, cfg.Bus.QueueSize)
		if err != nil {
			return fmt.Errorf("nats bus: %w", err)
		}
		natsBus = nb
		eventBus = nb
	default:
		eventBus = bus.New(cfg.Bus.QueueSize)
	}
	defer func() { _ = eventBus.Close() }()

	// --- Memory store (optional; absence degrades context enrichment) ---
	var memStore memory.Store
	if cfg.Postgres.DSN != "" {
		pool, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			slog.Warn("postgres unavailable, memory enrichment disabled", "error", err)
		} else {
			defer pool.Close()
			if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
				return fmt.Errorf("migrations: %w", err)
			}
			memStore = postgres.NewMemoryStore(pool)
			slog.Info("postgres connected")
		}
	}

	var ctxCache cache.Cache
	if rc, err := ristretto.New(cfg.Cache.MaxCostBytes); err != nil {
		slog.Warn("cache init failed, running without context cache", "error", err)
	} else {
		defer rc.Close()
		ctxCache = rc
		// With NATS available, layer a shared KV bucket under the local
		// cache so enriched context follows the session across processes.
		if natsBus != nil {
			if kv, err := natsBus.ContextKV(ctx, "mafa-context", cfg.Cache.ContextTTL); err != nil {
				slog.Warn("context kv unavailable, using local cache only", "error", err)
			} else {
				ctxCache = tiered.New(rc, natskv.New(kv), cfg.Cache.ContextTTL)
			}
		}
	}

	// --- Worker pool ---
	pool := service.NewPoolService(cfg.Pool, cfg.Workers, func(category tool.Category, w config.Worker, pc config.Pool, onCrash func(tool.Category)) service.Handle {
		return stdio.NewHandle(category, w, pc, onCrash)
	})
	if err := pool.Start(ctx); err != nil {
		return fmt.Errorf("worker pool: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Pool.ShutdownGrace+time.Second)
		defer cancel()
		pool.Shutdown(shutdownCtx)
	}()

	// --- Classifier ---
	breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
	cls, err := gemini.New(ctx, cfg.Gemini.APIKey, cfg.Gemini.Model, cfg.Gemini.Timeout, breaker, pool.Catalog)
	if err != nil {
		return fmt.Errorf("classifier: %w", err)
	}

	// --- Dispatcher ---
	dispatcher := service.NewDispatcherService(
		cfg.Dispatcher, cfg.Memory, cfg.Cache,
		pool, eventBus, cls, memStore, ctxCache,
	)

	// MCP server mode: serve the orchestrator over stdio instead of HTTP.
	if mcpMode {
		return mafamcp.NewServer(version, dispatcher, pool).ServeStdio(ctx)
	}

	// --- HTTP ---
	hub := ws.NewHub()
	forwarder := ws.NewForwarder(hub, eventBus)
	if err := forwarder.Start(); err != nil {
		return fmt.Errorf("ws forwarder: %w", err)
	}
	defer forwarder.Stop()

	limiter := middleware.NewRateLimiter(cfg.Rate.RequestsPerSecond, cfg.Rate.Burst)
	stopCleanup := limiter.StartCleanup(time.Minute, 10*time.Minute)
	defer stopCleanup()

	handlers := httpadapter.NewHandlers(dispatcher, pool)
	router := httpadapter.NewRouter(handlers, hub, cfg.Server.CORSOrigin, cfg.Server.APIToken, limiter)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}
	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
