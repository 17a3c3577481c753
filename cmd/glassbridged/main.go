// Command glassbridged is the smart-glasses session broker: it terminates
// glasses and App websocket connections, brokers subscriptions, and drives
// the speech providers and the media bridge.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/glassbridge/glassbridge/internal/appdir"
	"github.com/glassbridge/glassbridge/internal/config"
	"github.com/glassbridge/glassbridge/internal/events"
	"github.com/glassbridge/glassbridge/internal/health"
	"github.com/glassbridge/glassbridge/internal/observe"
	"github.com/glassbridge/glassbridge/internal/resilience"
	"github.com/glassbridge/glassbridge/internal/server"
	"github.com/glassbridge/glassbridge/internal/session"
	"github.com/glassbridge/glassbridge/internal/stream"
	"github.com/glassbridge/glassbridge/pkg/provider/speech"
	"github.com/glassbridge/glassbridge/pkg/provider/speech/deepgram"
	"github.com/glassbridge/glassbridge/pkg/provider/speech/gcp"
	"github.com/glassbridge/glassbridge/pkg/provider/speech/mock"
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
			fmt.Fprintf(os.Stderr, "glassbridged: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "glassbridged: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.SlogLevel())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("glassbridged starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "glassbridged"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	metrics := observe.DefaultMetrics()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}
	chain := stream.Chain{
		Default:   cfg.Providers.Default,
		Fallback:  cfg.Providers.Fallback,
		Providers: providers,
	}

	// ── Transcript export ─────────────────────────────────────────────────────
	publisher := events.New(events.Config{
		Brokers:         cfg.Events.Brokers,
		TranscriptTopic: cfg.Events.TranscriptTopic,
		SessionTopic:    cfg.Events.SessionTopic,
		Logger:          logger,
	})

	// ── App directory ─────────────────────────────────────────────────────────
	var directory appdir.Directory
	if cfg.AppDir.BaseURL != "" {
		directory = appdir.NewClient(cfg.AppDir.BaseURL, appdir.WithLogger(logger))
	} else {
		slog.Warn("no app directory configured, resurrection disabled")
	}

	// ── Sessions + websocket boundary ─────────────────────────────────────────
	sessions := session.New(session.Config{
		AppDir:      directory,
		Chain:       chain,
		Publisher:   publisher,
		PublicWSURL: cfg.Server.PublicWSURL,
		GracePeriod: cfg.Session.GracePeriod,
		MicDebounce: cfg.Session.MicDebounce,
		Stream:      cfg.Stream,
		Bridge:      cfg.Bridge,
		Logger:      logger,
		Metrics:     metrics,
	})

	ws := server.New(server.Config{
		Sessions: sessions,
		Logger:   logger,
		Metrics:  metrics,
	})

	// ── HTTP mux ──────────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	ws.Register(mux)
	hc := health.New(
		health.SpeechProviders(reg),
		health.MediaBridge(cfg.Bridge.URL),
		health.Kafka(cfg.Events.Brokers),
	)
	hc.SessionCount(sessions.Len)
	hc.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(_, _ *config.Config, diff config.ConfigDiff) {
		if diff.LogLevelChanged {
			level.Set(diff.NewLogLevel.SlogLevel())
			slog.Info("log level changed", "level", diff.NewLogLevel)
		}
		if diff.ProvidersChanged || diff.StreamChanged {
			slog.Warn("provider or stream settings changed on disk, restart to apply")
		}
	})
	if err != nil {
		slog.Error("failed to watch config", "err", err)
		return 1
	}
	defer watcher.Stop()

	printStartupSummary(cfg, len(providers))

	// ── Serve ─────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if cfg.Server.TLS != nil {
			err = httpServer.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			err = httpServer.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := g.Wait(); err != nil {
		slog.Error("serve error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")
	sessions.Close()
	if err := publisher.Close(); err != nil {
		slog.Warn("publisher close error", "err", err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := otelShutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the speech provider factories that ship
// with the broker into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterSpeech("deepgram", func(entry config.ProviderEntry) (speech.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.Endpoint != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.Endpoint))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSpeech("gcp", func(entry config.ProviderEntry) (speech.Provider, error) {
		return gcp.New(context.Background())
	})

	reg.RegisterSpeech("mock", func(entry config.ProviderEntry) (speech.Provider, error) {
		return &mock.Provider{ProviderName: "mock"}, nil
	})
}

// buildProviders instantiates every provider named in cfg using the
// registry. Unregistered names were already warned about at validation; the
// entry is skipped rather than fatal.
func buildProviders(cfg *config.Config, reg *config.Registry) ([]speech.Provider, error) {
	providers := make([]speech.Provider, 0, len(cfg.Providers.Speech))
	for _, entry := range cfg.Providers.Speech {
		p, err := reg.CreateSpeech(entry)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not registered — skipping", "name", entry.Name)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create speech provider %q: %w", entry.Name, err)
		}
		providers = append(providers, resilience.Guard(p, resilience.CircuitBreakerConfig{}))
		slog.Info("provider created", "name", entry.Name)
	}
	return providers, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, providerCount int) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║      glassbridged — startup summary   ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Providers", fmt.Sprintf("%d (default %s)", providerCount, orUnset(cfg.Providers.Default)))
	printRow("Fallback", orUnset(cfg.Providers.Fallback))
	printRow("App directory", orUnset(cfg.AppDir.BaseURL))
	printRow("Media bridge", orUnset(cfg.Bridge.URL))
	if len(cfg.Events.Brokers) > 0 {
		printRow("Kafka export", fmt.Sprintf("%d broker(s)", len(cfg.Events.Brokers)))
	} else {
		printRow("Kafka export", "(disabled)")
	}
	printRow("Grace period", cfg.Session.GracePeriod.String())
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-13s   : %-19s ║\n", label, value)
}

func orUnset(s string) string {
	if s == "" {
		return "(not configured)"
	}
	return s
}
