// Package app wires the telebridge subsystems into a running server.
//
// The App owns the full lifecycle: New builds the orchestrator and HTTP
// routes from a config snapshot, Run serves until its context ends, and
// Shutdown drains live calls before tearing everything down.
//
// For testing, inject doubles through [Providers] and the functional options.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/telebridge/internal/bridge"
	"github.com/MrWong99/telebridge/internal/config"
	"github.com/MrWong99/telebridge/internal/health"
	"github.com/MrWong99/telebridge/internal/observe"
	"github.com/MrWong99/telebridge/internal/resilience"
	"github.com/MrWong99/telebridge/pkg/provider/s2s"
	"github.com/MrWong99/telebridge/pkg/provider/vad"
	"github.com/MrWong99/telebridge/pkg/telephony/twilio"
)

// Providers holds the provider instances calls are bridged to. VAD may be
// nil; S2S is required. Populated by main.go via the config registry.
type Providers struct {
	S2S s2s.Provider

	// S2SName labels provider metrics. Defaults to the configured name.
	S2SName string

	VAD vad.Engine
}

// breakerReporter is implemented by providers that sit behind circuit
// breakers, such as [resilience.S2SFallback].
type breakerReporter interface {
	States() map[string]resilience.State
}

// App owns all subsystem lifetimes.
type App struct {
	providers *Providers
	metrics   *observe.Metrics
	level     *slog.LevelVar
	legOpts   []twilio.Option

	cfg   atomic.Pointer[config.Config]
	orch  atomic.Pointer[bridge.Orchestrator]
	calls *CallRegistry

	health  *health.Handler
	handler http.Handler
	server  *http.Server

	// callCtx outlives HTTP shutdown so live calls can finish; cancelCalls
	// cuts them off once the drain deadline passes.
	callCtx     context.Context
	cancelCalls context.CancelFunc
	streams     sync.WaitGroup

	stopOnce sync.Once
	stopErr  error
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics overrides the metrics instance (default [observe.DefaultMetrics]).
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) {
		if m != nil {
			a.metrics = m
		}
	}
}

// WithLevelVar lets config reloads change the log level of the handler
// that was built with lv.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithLegOptions passes options to every accepted media stream.
func WithLegOptions(opts ...twilio.Option) Option {
	return func(a *App) { a.legOpts = append(a.legOpts, opts...) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg. It validates that the bridge can be built but
// does not open any listener.
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.S2S == nil {
		return nil, errors.New("app: an s2s provider is required")
	}
	a := &App{
		providers: providers,
		metrics:   observe.DefaultMetrics(),
		calls:     NewCallRegistry(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.providers.S2SName == "" {
		a.providers.S2SName = cfg.Providers.S2S.Name
	}

	orch, err := a.buildOrchestrator(cfg)
	if err != nil {
		return nil, err
	}
	a.orch.Store(orch)
	a.cfg.Store(cfg)
	a.callCtx, a.cancelCalls = context.WithCancel(context.Background())

	a.health = health.New(a.readinessCheckers(), health.WithActiveCalls(a.calls.Count))
	a.handler = a.routes(cfg)
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

func (a *App) buildOrchestrator(cfg *config.Config) (*bridge.Orchestrator, error) {
	var engine vad.Engine
	if cfg.VAD.Enabled {
		engine = a.providers.VAD
		if engine == nil {
			slog.Warn("vad.enabled is set but no VAD engine is available; barge-in relies on the AI endpoint")
		}
	}
	orch, err := bridge.New(BridgeConfig(cfg), a.providers.S2S, engine,
		bridge.WithMetrics(a.metrics),
		bridge.WithObserver(a.calls),
		bridge.WithProviderName(a.providers.S2SName),
	)
	if err != nil {
		return nil, fmt.Errorf("app: build bridge: %w", err)
	}
	return orch, nil
}

// BridgeConfig translates the file config into per-call bridge settings.
func BridgeConfig(cfg *config.Config) bridge.Config {
	sess := cfg.Session
	return bridge.Config{
		Session: s2s.SessionConfig{
			Instructions: sess.Instructions,
			Voice:        sess.Voice,
			Modalities:   []string{"audio", "text"},
			SampleRate:   sess.SampleRate,
			TurnDetection: s2s.TurnDetection{
				Type:              string(sess.TurnDetection),
				Threshold:         sess.Threshold,
				PrefixPaddingMs:   sess.PrefixPaddingMs,
				SilenceDurationMs: sess.SilenceDurationMs,
			},
			TranscriptionModel: sess.TranscriptionModel,
			Temperature:        sess.Temperature,
		},
		QueueDepth:        cfg.Bridge.QueueDepth,
		InactivityTimeout: cfg.Bridge.InactivityTimeout,
		BargeInMode:       bridge.BargeInMode(cfg.Bridge.BargeInMode),
		Silence:           time.Duration(cfg.Bridge.SilenceMs) * time.Millisecond,
		MarkInterval:      cfg.Bridge.MarkInterval,
		VAD: vad.Config{
			SampleRate:      sess.SampleRate,
			SpeechThreshold: cfg.VAD.EnergyThreshold,
			MinSpeech:       time.Duration(cfg.VAD.MinSpeechMs) * time.Millisecond,
			Hangover:        time.Duration(cfg.VAD.HangoverMs) * time.Millisecond,
		},
	}
}

func (a *App) readinessCheckers() []health.Checker {
	checks := []health.Checker{{
		Name: "bridge",
		Check: func(context.Context) error {
			if a.orch.Load() == nil {
				return errors.New("no orchestrator loaded")
			}
			return nil
		},
	}}
	if br, ok := a.providers.S2S.(breakerReporter); ok {
		checks = append(checks, health.Checker{
			Name: "s2s",
			Check: func(context.Context) error {
				for _, st := range br.States() {
					if st != resilience.StateOpen {
						return nil
					}
				}
				return errors.New("every AI endpoint circuit is open")
			},
		})
	}
	return checks
}

// ─── HTTP ────────────────────────────────────────────────────────────────────

func (a *App) routes(cfg *config.Config) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /twilio/voice", twilio.VoiceHandler(a.voiceConfig))
	mux.HandleFunc("GET "+cfg.Server.StreamPath, a.handleStream)
	mux.Handle("GET "+cfg.Observe.MetricsPath, observe.MetricsHandler())
	a.health.Register(mux)
	return observe.Middleware(a.metrics)(mux)
}

// Handler returns the root HTTP handler with middleware applied.
func (a *App) Handler() http.Handler { return a.handler }

// Calls returns the live call registry.
func (a *App) Calls() *CallRegistry { return a.calls }

func (a *App) voiceConfig() twilio.VoiceConfig {
	cfg := a.cfg.Load()
	return twilio.VoiceConfig{
		StreamURL: cfg.Server.MediaStreamURL(),
		Greeting:  cfg.Server.Greeting,
		Language:  cfg.Server.GreetingLanguage,
		Verb:      cfg.Server.TwiMLVerb,
	}
}

func (a *App) handleStream(w http.ResponseWriter, r *http.Request) {
	if a.health.Draining() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	log := observe.Logger(r.Context())

	leg, err := twilio.Upgrade(w, r, a.legOpts...)
	if err != nil {
		log.Warn("media stream upgrade failed", "err", err)
		return
	}
	a.streams.Add(1)
	defer a.streams.Done()

	// The request context carries tracing values; the call's lifetime is
	// governed by callCtx instead.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	stop := context.AfterFunc(a.callCtx, cancel)
	defer stop()

	if err := a.orch.Load().Serve(ctx, leg); err != nil {
		log.Warn("call ended abnormally", "kind", bridge.Classify(err).String(), "err", err)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run listens on the configured address and serves until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("app: listen %q: %w", a.server.Addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled. It returns nil
// after a cancellation; call [App.Shutdown] afterwards to drain calls.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	tls := a.cfg.Load().Server.TLS
	errCh := make(chan error, 1)
	go func() {
		if tls != nil {
			errCh <- a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
			return
		}
		errCh <- a.server.Serve(ln)
	}()
	slog.Info("http server listening", "addr", ln.Addr().String(), "tls", tls != nil)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
		return nil
	}
}

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfig switches new calls to cfg. Live calls keep the settings they
// started with. It matches [config.ChangeFunc].
func (a *App) ApplyConfig(_, cfg *config.Config, d config.ConfigDiff) {
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SessionChanged || d.BridgeChanged || d.VADChanged {
		orch, err := a.buildOrchestrator(cfg)
		if err != nil {
			slog.Error("config reload rejected; keeping previous bridge settings", "err", err)
			return
		}
		a.orch.Store(orch)
		slog.Info("bridge settings reloaded; new calls use them", "live_calls", a.calls.Count())
	}
	a.cfg.Store(cfg)
	if !d.HotReloadable() {
		slog.Warn("some config changes need a restart to apply", "fields", d.RestartRequired)
	}
}

// SlogLevel maps a config log level onto slog.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops accepting calls, waits for live calls to hang up until ctx
// expires, then cuts the remaining ones off. It is safe to call more than
// once; later calls return the first result.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		a.health.SetDraining(true)

		var errs []error
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}

		if n := a.calls.Count(); n > 0 {
			slog.Info("waiting for live calls to end", "live_calls", n)
		}
		if err := a.calls.Wait(ctx); err != nil {
			slog.Warn("drain deadline reached; hanging up remaining calls", "live_calls", a.calls.Count())
		}
		a.cancelCalls()
		a.streams.Wait()

		a.stopErr = errors.Join(errs...)
	})
	return a.stopErr
}
