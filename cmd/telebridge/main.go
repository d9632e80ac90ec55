// Command telebridge answers Twilio calls and bridges their audio to a
// speech-to-speech AI endpoint.
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

	"github.com/MrWong99/telebridge/internal/app"
	"github.com/MrWong99/telebridge/internal/config"
	"github.com/MrWong99/telebridge/internal/observe"
	"github.com/MrWong99/telebridge/internal/resilience"
	"github.com/MrWong99/telebridge/pkg/provider/s2s"
	oais2s "github.com/MrWong99/telebridge/pkg/provider/s2s/openai"
	"github.com/MrWong99/telebridge/pkg/provider/vad"
	"github.com/MrWong99/telebridge/pkg/provider/vad/energy"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	drainTimeout := flag.Duration("drain-timeout", 30*time.Second, "how long shutdown waits for live calls to hang up")
	watch := flag.Bool("watch", true, "reload the configuration file when it changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "telebridge: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "telebridge: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("telebridge starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(tctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	application, err := app.New(cfg, providers, app.WithLevelVar(level))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config reload ─────────────────────────────────────────────────────────
	if *watch {
		w, err := config.NewWatcher(*configPath, application.ApplyConfig)
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	printStartupSummary(cfg)

	if err := application.Run(ctx); err != nil {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, draining calls", "timeout", *drainTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), *drainTimeout)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	started, failed := application.Calls().Totals()
	slog.Info("goodbye", "calls_served", started, "calls_failed", failed)
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the bundled provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterS2S("openai-realtime", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []oais2s.Option
		if entry.Model != "" {
			opts = append(opts, oais2s.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oais2s.WithBaseURL(entry.BaseURL))
		}
		return oais2s.New(entry.APIKey, opts...), nil
	})

	reg.RegisterVAD("energy", func(config.VADConfig) (vad.Engine, error) {
		return energy.New(), nil
	})

	for _, kind := range []string{"s2s", "vad"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// buildProviders instantiates the configured providers. Fallback endpoints,
// when configured, sit behind per-endpoint circuit breakers; a lone primary
// still gets one so /readyz can report a dead endpoint.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	primary, err := reg.CreateS2S(cfg.Providers.S2S)
	if err != nil {
		return nil, fmt.Errorf("create s2s provider %q: %w", cfg.Providers.S2S.Name, err)
	}
	slog.Info("provider created", "kind", "s2s", "name", cfg.Providers.S2S.Name, "model", cfg.Providers.S2S.Model)

	fb := resilience.NewS2SFallback(primary, cfg.Providers.S2S.Name, resilience.FallbackConfig{
		Retry: resilience.RetryConfig{
			Attempts: cfg.Providers.ConnectAttempts,
			Backoff:  cfg.Providers.ConnectBackoff,
		},
	})
	for i, entry := range cfg.Providers.S2SFallbacks {
		p, err := reg.CreateS2S(entry)
		if err != nil {
			return nil, fmt.Errorf("create s2s fallback %d %q: %w", i, entry.Name, err)
		}
		fb.AddFallback(fmt.Sprintf("%s#%d", entry.Name, i+1), p)
		slog.Info("provider created", "kind", "s2s-fallback", "name", entry.Name, "position", i+1)
	}

	ps := &app.Providers{S2S: fb, S2SName: cfg.Providers.S2S.Name}

	if cfg.VAD.Enabled {
		engine, err := reg.CreateVAD(cfg.VAD)
		if err != nil {
			return nil, fmt.Errorf("create vad engine %q: %w", cfg.VAD.Engine, err)
		}
		ps.VAD = engine
		slog.Info("provider created", "kind", "vad", "name", cfg.VAD.Engine)
	}
	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════════╗")
	fmt.Println("║        telebridge: startup summary        ║")
	fmt.Println("╠═══════════════════════════════════════════╣")
	printRow("AI endpoint", withModel(cfg.Providers.S2S.Name, cfg.Providers.S2S.Model))
	printRow("Fallbacks", fmt.Sprint(len(cfg.Providers.S2SFallbacks)))
	printRow("Sample rate", fmt.Sprintf("%d Hz", cfg.Session.SampleRate))
	printRow("Turn detect", string(cfg.Session.TurnDetection))
	vadState := "(disabled)"
	if cfg.VAD.Enabled {
		vadState = cfg.VAD.Engine
	}
	printRow("Local VAD", vadState)
	printRow("Barge-in", string(cfg.Bridge.BargeInMode))
	printRow("Listen addr", cfg.Server.ListenAddr)
	stream := cfg.Server.MediaStreamURL()
	if stream == "" {
		stream = "(not configured)"
	}
	printRow("Stream URL", stream)
	fmt.Println("╚═══════════════════════════════════════════╝")
}

func withModel(name, model string) string {
	if model == "" {
		return name
	}
	return name + " / " + model
}

func printRow(label, value string) {
	if len(value) > 25 {
		value = value[:22] + "…"
	}
	fmt.Printf("║  %-12s : %-25s ║\n", label, value)
}
