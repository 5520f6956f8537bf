// Command voxpin is the gateway server: it serves the WebSocket session
// endpoint, the task and message REST surface, health probes, and metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/voxpin/voxpin/internal/app"
	"github.com/voxpin/voxpin/internal/config"
	"github.com/voxpin/voxpin/internal/observe"
	"github.com/voxpin/voxpin/internal/resilience"
	"github.com/voxpin/voxpin/pkg/provider/live/gemini"
	"github.com/voxpin/voxpin/pkg/provider/llm"
	"github.com/voxpin/voxpin/pkg/provider/llm/anyllm"
	"github.com/voxpin/voxpin/pkg/provider/llm/openai"
)

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
			fmt.Fprintf(os.Stderr, "voxpin: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxpin: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voxpin starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "voxpin",
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

	// ── Providers ─────────────────────────────────────────────────────────────
	providers, err := buildProviders(cfg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// buildProviders instantiates the live model session provider and the
// extractor LLM chain from cfg.
func buildProviders(cfg *config.Config) (*app.Providers, error) {
	ps := &app.Providers{}

	// Live full-duplex model.
	var liveOpts []gemini.Option
	if cfg.Model.Model != "" {
		liveOpts = append(liveOpts, gemini.WithModel(cfg.Model.Model))
	}
	if cfg.Model.BaseURL != "" {
		liveOpts = append(liveOpts, gemini.WithBaseURL(cfg.Model.BaseURL))
	}
	ps.Live = gemini.New(cfg.Model.APIKey, liveOpts...)
	slog.Info("provider created", "kind", "live", "model", cfg.Model.Model)

	// Extractor LLM, wrapped in a circuit-breaking fallback chain when a
	// fallback backend is configured.
	primary, err := buildLLM(cfg.Extractor.Primary)
	if err != nil {
		return nil, fmt.Errorf("create extractor primary %q: %w", cfg.Extractor.Primary.Name, err)
	}
	slog.Info("provider created", "kind", "extractor", "name", cfg.Extractor.Primary.Name, "model", cfg.Extractor.Primary.Model)

	if cfg.Extractor.Fallback.Name == "" {
		ps.Extractor = primary
		return ps, nil
	}

	fallback, err := buildLLM(cfg.Extractor.Fallback)
	if err != nil {
		return nil, fmt.Errorf("create extractor fallback %q: %w", cfg.Extractor.Fallback.Name, err)
	}

	chain := resilience.NewLLMFallback(primary, cfg.Extractor.Primary.Name, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{Name: "extractor"},
	})
	chain.AddFallback(cfg.Extractor.Fallback.Name, fallback)
	ps.Extractor = chain
	slog.Info("provider created", "kind", "extractor-fallback", "name", cfg.Extractor.Fallback.Name, "model", cfg.Extractor.Fallback.Model)

	return ps, nil
}

// openAICompatibleBaseURLs maps provider names that speak the OpenAI chat API
// to their default base URLs. These route through the native openai backend,
// which can force a specific tool call; the anyllm wrapper cannot, and the
// task extractors depend on forced calls. An empty URL keeps the client's
// default endpoint.
var openAICompatibleBaseURLs = map[string]string{
	"openai":    "",
	"groq":      "https://api.groq.com/openai/v1",
	"deepseek":  "https://api.deepseek.com",
	"mistral":   "https://api.mistral.ai/v1",
	"llamacpp":  "http://127.0.0.1:8080/v1",
	"llamafile": "http://127.0.0.1:8080/v1",
}

// buildLLM constructs one LLM backend from a config entry.
func buildLLM(entry config.ProviderEntry) (llm.Provider, error) {
	if entry.Name == "" {
		return nil, errors.New("provider name is empty")
	}

	name := strings.ToLower(entry.Name)
	if baseURL, ok := openAICompatibleBaseURLs[name]; ok {
		if entry.BaseURL != "" {
			baseURL = entry.BaseURL
		}
		apiKey := entry.APIKey
		if apiKey == "" && (name == "llamacpp" || name == "llamafile") {
			// Local servers ignore the bearer token, but the client requires one.
			apiKey = "sk-no-key-required"
		}
		var opts []openai.Option
		if baseURL != "" {
			opts = append(opts, openai.WithBaseURL(baseURL))
		}
		return openai.New(apiKey, entry.Model, opts...)
	}

	var opts []anyllmlib.Option
	if entry.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
	}
	if entry.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
	}
	return anyllm.New(entry.Name, entry.Model, opts...)
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
