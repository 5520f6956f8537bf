// Package app wires the voxpin subsystems together: the task store, the
// delivery queue, the tool-agent stack, and the HTTP server carrying the
// session gateway, the REST surface, health probes, and metrics.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxpin/voxpin/internal/agent"
	"github.com/voxpin/voxpin/internal/agent/tasktools"
	"github.com/voxpin/voxpin/internal/config"
	"github.com/voxpin/voxpin/internal/dispatch"
	"github.com/voxpin/voxpin/internal/extract"
	"github.com/voxpin/voxpin/internal/gateway"
	"github.com/voxpin/voxpin/internal/health"
	"github.com/voxpin/voxpin/internal/observe"
	"github.com/voxpin/voxpin/internal/queue"
	"github.com/voxpin/voxpin/internal/rest"
	"github.com/voxpin/voxpin/internal/store"
	"github.com/voxpin/voxpin/internal/userconf"
	"github.com/voxpin/voxpin/pkg/provider/live"
	"github.com/voxpin/voxpin/pkg/provider/llm"
)

// Providers holds the externally constructed provider values. Populated by
// main.go from the configuration.
type Providers struct {
	// Live opens the full-duplex model session for each gateway connection.
	Live live.Provider

	// Extractor is the auxiliary LLM driving the selector and the tool
	// agents' structured-argument extraction.
	Extractor llm.Provider
}

// App owns all subsystem lifetimes of the gateway server.
type App struct {
	cfg       *config.Config
	providers *Providers

	store   store.Store
	pool    *pgxpool.Pool
	bus     *queue.Bus
	ingress *dispatch.Ingress

	mux           *http.ServeMux
	server        *http.Server
	metricsServer *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a store instead of connecting to PostgreSQL from config.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Initialisation is
// synchronous: database connect + migrate, queue connect + stream ensure,
// agent assembly, and route registration.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Live == nil {
		return nil, errors.New("app: live model provider is required")
	}
	if providers.Extractor == nil {
		return nil, errors.New("app: extractor llm provider is required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Task store ────────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Delivery queue ────────────────────────────────────────────────
	if err := a.initQueue(ctx); err != nil {
		return nil, fmt.Errorf("app: init queue: %w", err)
	}

	// ── 3. Agents + HTTP surface ─────────────────────────────────────────
	if err := a.initServer(); err != nil {
		return nil, fmt.Errorf("app: init server: %w", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore connects to PostgreSQL and ensures the schema, unless a store was
// injected.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	if a.cfg.Database.DSN == "" {
		return errors.New("database.dsn is required when no store is injected")
	}

	pool, err := pgxpool.New(ctx, a.cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}

	ps := store.NewPostgresStore(pool)
	if err := ps.Migrate(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("migrate schema: %w", err)
	}

	a.pool = pool
	a.store = ps
	a.closers = append(a.closers, func() error {
		pool.Close()
		return nil
	})
	return nil
}

// initQueue connects to NATS and builds the enqueue ingress. A missing queue
// URL leaves the reminder pipeline disabled; task creation still works.
func (a *App) initQueue(ctx context.Context) error {
	if a.cfg.Queue.URL == "" {
		slog.Info("queue not configured, reminder delivery disabled")
		return nil
	}

	bus, err := queue.Connect(ctx, queue.Config{
		URL:           a.cfg.Queue.URL,
		Stream:        a.cfg.Queue.Stream,
		Subject:       a.cfg.Queue.Subject,
		ClientName:    a.cfg.Queue.ClientID,
		MaxReconnects: a.cfg.Queue.MaxReconnects,
	}, slog.Default())
	if err != nil {
		return err
	}

	a.bus = bus
	a.ingress = dispatch.NewIngress(bus, a.store, nil)
	a.closers = append(a.closers, func() error {
		bus.Close()
		return nil
	})
	return nil
}

// initServer assembles the tool-agent stack and mounts every HTTP route.
func (a *App) initServer() error {
	ex := extract.New(a.providers.Extractor, nil)

	var taskEnq tasktools.Enqueuer
	if a.ingress != nil {
		taskEnq = a.ingress
	}
	registry := agent.NewRegistry(
		tasktools.NewCreateTool(ex, a.store, taskEnq, nil),
		tasktools.NewGetTool(ex, a.store, nil),
		tasktools.NewEditTool(ex, a.store, nil),
		tasktools.NewDeleteTool(ex, a.store, nil),
		tasktools.NewReplyTool(ex, nil),
	)
	selector := agent.NewSelector(ex, registry, nil)
	orch, err := agent.NewOrchestrator(registry, selector, tasktools.ReplyToolName, nil)
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}

	users := userconf.NewLoader(staticDirectory(a.cfg.Users))
	gw := gateway.NewHandler(a.store, orch, users, a.providers.Live,
		gateway.WithVoice(a.cfg.Model.Voice),
	)

	var restEnq rest.Enqueuer
	if a.ingress != nil {
		restEnq = a.ingress
	}
	restH := rest.NewHandler(a.store, restEnq, nil)

	mux := http.NewServeMux()
	gw.Register(mux)
	restH.Register(mux)
	health.New(a.healthCheckers()...).Register(mux)

	if a.cfg.Server.MetricsAddr == "" {
		mux.Handle("GET /metrics", promhttp.Handler())
	} else {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("GET /metrics", promhttp.Handler())
		a.metricsServer = &http.Server{
			Addr:              a.cfg.Server.MetricsAddr,
			Handler:           metricsMux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		addr = ":8000"
	}

	a.mux = mux
	a.server = &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(observe.DefaultMetrics())(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// healthCheckers builds the /readyz probes for the configured dependencies.
func (a *App) healthCheckers() []health.Checker {
	var checkers []health.Checker

	if pinger, ok := a.store.(interface{ Ping(context.Context) error }); ok {
		checkers = append(checkers, health.Checker{Name: "database", Check: pinger.Ping})
	}
	if a.bus != nil {
		bus := a.bus
		checkers = append(checkers, health.Checker{Name: "queue", Check: func(context.Context) error {
			if !bus.IsConnected() {
				return errors.New("nats connection down")
			}
			return nil
		}})
	}
	return checkers
}

// staticDirectory converts the config user map into a userconf directory.
func staticDirectory(users map[string]config.UserProfile) userconf.Static {
	dir := make(userconf.Static, len(users))
	for id, p := range users {
		dir[id] = userconf.Profile{
			FirstName: p.FirstName,
			LastName:  p.LastName,
			Timezone:  p.Timezone,
		}
	}
	return dir
}

// ─── Run / Shutdown ──────────────────────────────────────────────────────────

// Handler returns the assembled route tree. Exposed for tests.
func (a *App) Handler() http.Handler { return a.server.Handler }

// Run serves HTTP until ctx is cancelled or the listener fails.
func (a *App) Run(ctx context.Context) error {
	if a.metricsServer != nil {
		go func() {
			slog.Info("metrics listening", "addr", a.metricsServer.Addr)
			if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server error", "err", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", a.server.Addr, "tls", a.cfg.Server.TLS != nil)
		if tls := a.cfg.Server.TLS; tls != nil {
			errCh <- a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			errCh <- a.server.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// Shutdown stops the HTTP servers and tears down subsystems in reverse-init
// order. If ctx expires before all closers finish, the rest are skipped and
// the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown error", "err", err)
		}
		if a.metricsServer != nil {
			if err := a.metricsServer.Shutdown(ctx); err != nil {
				slog.Warn("metrics shutdown error", "err", err)
			}
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
