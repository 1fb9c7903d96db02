// Command voximetry is the voice-survey gateway: it terminates browser
// WebSocket connections, drives live survey conversations against the
// upstream streaming model, and persists transcripts, answers, and analysis.
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

	"github.com/voximetry/voximetry/internal/analysis"
	"github.com/voximetry/voximetry/internal/auth"
	"github.com/voximetry/voximetry/internal/config"
	"github.com/voximetry/voximetry/internal/health"
	"github.com/voximetry/voximetry/internal/observe"
	"github.com/voximetry/voximetry/internal/questionnaire"
	"github.com/voximetry/voximetry/internal/session"
	"github.com/voximetry/voximetry/internal/store"
	"github.com/voximetry/voximetry/internal/store/postgres"
	"github.com/voximetry/voximetry/internal/tools"
	"github.com/voximetry/voximetry/internal/transport"
	"github.com/voximetry/voximetry/internal/voice"

	"go.opentelemetry.io/otel"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// The watcher loads the initial config and keeps polling so log-level
	// changes apply without a restart.
	level := new(slog.LevelVar)
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.LimitsChanged || d.RetentionChanged || d.RestartRequired {
			slog.Warn("config changed beyond hot-reloadable fields, restart to apply")
		}
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voximetry: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voximetry: %v\n", err)
		}
		return 1
	}
	defer watcher.Stop()
	cfg := watcher.Current()

	level.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	logger.Info("voximetry starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"environment", cfg.Server.Environment,
		"model", cfg.Gemini.Model,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "voximetry",
	})
	if err != nil {
		logger.Error("telemetry init failed", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			logger.Warn("telemetry shutdown", "err", err)
		}
	}()

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		logger.Error("metrics init failed", "err", err)
		return 1
	}

	// ── Persistence ───────────────────────────────────────────────────────────
	var (
		st        store.Store
		pingStore func(context.Context) error
	)
	if dsn := cfg.Store.PostgresDSN; dsn != "" {
		pg, err := postgres.NewStore(ctx, dsn)
		if err != nil {
			logger.Error("postgres connect failed", "err", err)
			return 1
		}
		st = pg
		pingStore = pg.Ping
		logger.Info("store ready", "backend", "postgres")
	} else {
		st = store.NewMemory()
		logger.Warn("no postgres dsn configured, sessions will not survive a restart")
	}
	defer st.Close()

	// ── Questionnaires and voices ─────────────────────────────────────────────
	library, err := questionnaire.LoadLibrary(cfg.Questionnaire.Dir, cfg.Questionnaire.DefaultLanguage)
	if err != nil {
		logger.Error("questionnaire load failed", "dir", cfg.Questionnaire.Dir, "err", err)
		return 1
	}
	logger.Info("questionnaires loaded", "count", len(library.IDs()))

	resolver := voice.NewResolver(voice.WithDefault(cfg.Gemini.DefaultVoice))

	// ── Upstream credentials ──────────────────────────────────────────────────
	// A custom endpoint in development points at a local fake that wants no
	// authentication; everything else authenticates with application-default
	// credentials.
	var tokens *auth.Provider
	if cfg.Gemini.Endpoint == "" || cfg.Server.Environment != config.EnvDevelopment {
		tokens, err = auth.NewProvider(ctx)
		if err != nil {
			logger.Error("credential setup failed", "err", err)
			return 1
		}
	}

	// ── Post-session analysis ─────────────────────────────────────────────────
	var analyzer analysis.Analyzer = analysis.Noop{}
	if cfg.Analysis.Enabled {
		llm, err := analysis.NewLLMAnalyzer(cfg.Analysis, analysis.WithLogger(logger))
		if err != nil {
			logger.Error("analysis setup failed", "err", err)
			return 1
		}
		analyzer = llm
		logger.Info("analysis enabled", "provider", cfg.Analysis.Provider, "model", cfg.Analysis.Model)
	}

	// ── External tools ────────────────────────────────────────────────────────
	baseTools := tools.NewRegistry()
	if !cfg.Tools.Disabled && len(cfg.Tools.MCPServers) > 0 {
		connector := tools.NewMCPConnector(logger)
		if err := connector.RegisterServers(ctx, baseTools, cfg.Tools.MCPServers); err != nil {
			logger.Error("mcp setup failed", "err", err)
			return 1
		}
		defer connector.Close()
	}

	// ── Sessions and transport ────────────────────────────────────────────────
	manager := session.NewManager(cfg, st, library, resolver, tokens,
		session.WithLogger(logger),
		session.WithMetrics(metrics),
		session.WithAnalyzer(analyzer),
		session.WithBaseTools(baseTools),
	)

	checks := []health.Checker{
		{Name: "questionnaires", Check: func(context.Context) error {
			if len(library.IDs()) == 0 {
				return errors.New("no questionnaires loaded")
			}
			return nil
		}},
	}
	if pingStore != nil {
		checks = append(checks, health.Checker{Name: "store", Check: pingStore})
	}

	server := transport.NewServer(cfg, manager,
		transport.WithLogger(logger),
		transport.WithMetrics(metrics),
		transport.WithReadiness(health.New(checks...)),
	)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Listen() }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("listen failed", "err", err)
			return 1
		}
		return 0
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown", "err", err)
	}
	manager.Shutdown(shutdownCtx)

	logger.Info("goodbye")
	return 0
}

func slogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}
