// Package bridge connects one telephony media stream to one speech-to-speech
// AI session and arbitrates who is speaking.
//
// For each call the [Orchestrator] runs a call-leg reader, an AI-leg reader,
// a playback pacer and, when the AI endpoint's own turn detection is off, an
// inactivity watchdog. Caller audio is transcoded and forwarded upstream; AI
// audio is transcoded and played back at real-time speed. When either the
// local energy detector or the AI endpoint reports that the caller started
// talking over the assistant, the active response is cancelled, queued audio
// is purged and the call leg is told to discard what it has buffered.
package bridge

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/telebridge/internal/observe"
	"github.com/MrWong99/telebridge/pkg/audio/codec"
	"github.com/MrWong99/telebridge/pkg/audio/pacer"
	"github.com/MrWong99/telebridge/pkg/provider/s2s"
	"github.com/MrWong99/telebridge/pkg/provider/vad"
)

// BargeInMode selects how audio already sent to the call leg is flushed on
// barge-in.
type BargeInMode string

const (
	// BargeInClear sends the call leg's clear command.
	BargeInClear BargeInMode = "clear"

	// BargeInSilence plays a burst of μ-law silence instead, for call legs
	// without a clear primitive.
	BargeInSilence BargeInMode = "silence"
)

const (
	defaultInactivityTimeout = 2 * time.Second
	defaultSilence           = 200 * time.Millisecond

	// defaultSpeechThreshold matches the energy detector's configured default.
	defaultSpeechThreshold = 0.02
)

// Config holds per-call bridge settings.
type Config struct {
	// Session is sent to the AI endpoint when the call starts.
	// Session.SampleRate must be a multiple of 8000.
	Session s2s.SessionConfig

	// QueueDepth bounds the playback queue. Zero means [pacer.DefaultDepth].
	QueueDepth int

	// InactivityTimeout is how long the caller may stay quiet before the
	// bridge commits the input buffer and requests a response. Only used
	// when the AI endpoint's turn detection is off.
	InactivityTimeout time.Duration

	// BargeInMode defaults to [BargeInClear].
	BargeInMode BargeInMode

	// Silence is the minimum silence burst length in [BargeInSilence] mode.
	Silence time.Duration

	// MarkInterval, when positive, sends a playback mark after every
	// MarkInterval played items.
	MarkInterval int

	// VAD configures the local detector. Without a VAD engine only
	// VAD.SpeechThreshold is used: it decides which caller frames re-arm the
	// inactivity watchdog.
	VAD vad.Config
}

func (c *Config) applyDefaults() {
	if c.QueueDepth <= 0 {
		c.QueueDepth = pacer.DefaultDepth
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = defaultInactivityTimeout
	}
	if c.BargeInMode == "" {
		c.BargeInMode = BargeInClear
	}
	if c.Silence <= 0 {
		c.Silence = defaultSilence
	}
	if c.VAD.SampleRate == 0 {
		c.VAD.SampleRate = c.Session.SampleRate
	}
	if c.VAD.SpeechThreshold <= 0 {
		c.VAD.SpeechThreshold = defaultSpeechThreshold
	}
}

func (c *Config) validate() error {
	var errs []error
	switch c.BargeInMode {
	case BargeInClear, BargeInSilence:
	default:
		errs = append(errs, fmt.Errorf("unknown barge-in mode %q", c.BargeInMode))
	}
	if c.MarkInterval < 0 {
		errs = append(errs, fmt.Errorf("mark interval must not be negative, got %d", c.MarkInterval))
	}
	return errors.Join(errs...)
}

// Observer is notified when calls start and end. Implementations must not
// block.
type Observer interface {
	CallStarted(cs CallSession)
	CallEnded(cs CallSession, err error)
}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithLogger sets the base logger for all calls.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

// WithObserver registers an observer for call lifecycle events.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

// WithTracerProvider sets where call spans are recorded. Defaults to the
// global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Orchestrator) { o.tracer = observe.TracerFrom(tp) }
}

// WithProviderName sets the provider label used in metrics.
func WithProviderName(name string) Option {
	return func(o *Orchestrator) {
		if name != "" {
			o.providerName = name
		}
	}
}

// Orchestrator bridges telephony calls to an AI provider. One Orchestrator
// serves any number of concurrent calls; each [Orchestrator.Serve] call owns
// its own state.
type Orchestrator struct {
	cfg          Config
	ai           s2s.Provider
	vad          vad.Engine
	metrics      *observe.Metrics
	log          *slog.Logger
	observer     Observer
	tracer       trace.Tracer
	providerName string
}

// New creates an Orchestrator. vadEngine may be nil, in which case only the
// AI endpoint's detector can trigger barge-in.
func New(cfg Config, ai s2s.Provider, vadEngine vad.Engine, opts ...Option) (*Orchestrator, error) {
	if ai == nil {
		return nil, errors.New("bridge: AI provider is required")
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("bridge: invalid config: %w", err)
	}
	if _, err := codec.New(cfg.Session.SampleRate); err != nil {
		return nil, fmt.Errorf("bridge: %w", err)
	}

	o := &Orchestrator{
		cfg:          cfg,
		ai:           ai,
		vad:          vadEngine,
		metrics:      observe.DefaultMetrics(),
		log:          slog.Default(),
		tracer:       observe.Tracer(),
		providerName: "s2s",
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Config returns the effective configuration after defaults.
func (o *Orchestrator) Config() Config { return o.cfg }
