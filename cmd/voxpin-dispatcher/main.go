// Command voxpin-dispatcher is the queue worker: it consumes wake jobs from
// JetStream, checks session state, and wakes the user's device when idle.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voxpin/voxpin/internal/config"
	"github.com/voxpin/voxpin/internal/device"
	"github.com/voxpin/voxpin/internal/dispatch"
	"github.com/voxpin/voxpin/internal/observe"
	"github.com/voxpin/voxpin/internal/queue"
	"github.com/voxpin/voxpin/internal/store"
)

// durableName identifies this worker's JetStream consumer. Every dispatcher
// replica shares it, so the work queue is load-balanced across replicas.
const durableName = "voxpin-dispatcher"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxpin-dispatcher: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxpin-dispatcher: %v\n", err)
		}
		return 1
	}
	if cfg.Queue.URL == "" {
		fmt.Fprintln(os.Stderr, "voxpin-dispatcher: queue.url is required")
		return 1
	}
	if cfg.Database.DSN == "" {
		fmt.Fprintln(os.Stderr, "voxpin-dispatcher: database.dsn is required")
		return 1
	}
	if cfg.Device.Endpoint == "" {
		fmt.Fprintln(os.Stderr, "voxpin-dispatcher: device.endpoint is required")
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voxpin-dispatcher starting",
		"config", *configPath,
		"stream", cfg.Queue.Stream,
		"durable", durableName,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "voxpin-dispatcher",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Session store ─────────────────────────────────────────────────────────
	pool, err := pgxpool.New(ctx, cfg.Database.DSN)
	if err != nil {
		slog.Error("failed to connect to postgres", "err", err)
		return 1
	}
	defer pool.Close()
	sessions := store.NewPostgresStore(pool)

	// ── Device wake client ────────────────────────────────────────────────────
	waker, err := device.New(device.Config{
		Endpoint: cfg.Device.Endpoint,
		Key:      cfg.Device.SharedAccessKey,
		DeviceID: cfg.Device.DefaultDeviceID,
	}, device.WithLogger(logger))
	if err != nil {
		slog.Error("failed to create device client", "err", err)
		return 1
	}

	// ── Queue consumer ────────────────────────────────────────────────────────
	bus, err := queue.Connect(ctx, queue.Config{
		URL:           cfg.Queue.URL,
		Stream:        cfg.Queue.Stream,
		Subject:       cfg.Queue.Subject,
		ClientName:    durableName,
		MaxReconnects: cfg.Queue.MaxReconnects,
	}, logger)
	if err != nil {
		slog.Error("failed to connect to queue", "err", err)
		return 1
	}
	defer bus.Close()

	d := dispatch.NewDispatcher(sessions, waker, logger, nil)
	stopConsume, err := bus.Consume(ctx, durableName, d.Handle)
	if err != nil {
		slog.Error("failed to start consumer", "err", err)
		return 1
	}
	defer stopConsume()

	slog.Info("dispatcher ready — press Ctrl+C to shut down")
	<-ctx.Done()

	slog.Info("shutdown signal received, stopping…")
	return 0
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
