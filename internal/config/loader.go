package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"s2s": {"openai-realtime"},
	"vad": {"energy"},
}

// Environment variables consulted by [ApplyEnv].
const (
	EnvOpenAIAPIKey    = "OPENAI_API_KEY"
	EnvTwilioStreamURL = "TWILIO_STREAM_URL"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills gaps from the
// environment and defaults, and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg, os.Getenv)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv fills empty secrets and URLs from environment variables looked up
// through getenv. Values set in the file always win.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if key := getenv(EnvOpenAIAPIKey); key != "" {
		if cfg.Providers.S2S.APIKey == "" {
			cfg.Providers.S2S.APIKey = key
		}
		for i := range cfg.Providers.S2SFallbacks {
			if cfg.Providers.S2SFallbacks[i].APIKey == "" {
				cfg.Providers.S2SFallbacks[i].APIKey = key
			}
		}
	}
	if cfg.Server.StreamURL == "" {
		cfg.Server.StreamURL = getenv(EnvTwilioStreamURL)
	}
}

// ApplyDefaults sets every unset field to its default value.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.ListenAddr == "" {
		s.ListenAddr = ":8080"
	}
	if s.LogLevel == "" {
		s.LogLevel = LogInfo
	}
	if s.StreamPath == "" {
		s.StreamPath = "/stream"
	}
	if s.TwiMLVerb == "" {
		s.TwiMLVerb = "connect"
	}

	if cfg.Providers.S2S.Name == "" {
		cfg.Providers.S2S.Name = "openai-realtime"
	}
	if cfg.Providers.ConnectAttempts == 0 {
		cfg.Providers.ConnectAttempts = 2
	}
	if cfg.Providers.ConnectBackoff == 0 {
		cfg.Providers.ConnectBackoff = 250 * time.Millisecond
	}

	sess := &cfg.Session
	if sess.Instructions == "" {
		sess.Instructions = DefaultInstructions
	}
	if sess.Voice == "" {
		sess.Voice = "alloy"
	}
	if sess.SampleRate == 0 {
		sess.SampleRate = 24000
	}
	if sess.TurnDetection == "" {
		sess.TurnDetection = TurnDetectionServerVAD
	}
	if sess.Threshold == 0 {
		sess.Threshold = 0.5
	}
	if sess.PrefixPaddingMs == 0 {
		sess.PrefixPaddingMs = 300
	}
	if sess.SilenceDurationMs == 0 {
		sess.SilenceDurationMs = 500
	}

	b := &cfg.Bridge
	if b.QueueDepth == 0 {
		b.QueueDepth = 5
	}
	if b.InactivityTimeout == 0 {
		b.InactivityTimeout = 2 * time.Second
	}
	if b.BargeInMode == "" {
		b.BargeInMode = BargeInClear
	}
	if b.SilenceMs == 0 {
		b.SilenceMs = 200
	}

	v := &cfg.VAD
	if v.Engine == "" {
		v.Engine = "energy"
	}
	if v.EnergyThreshold == 0 {
		v.EnergyThreshold = 0.02
	}
	if v.MinSpeechMs == 0 {
		v.MinSpeechMs = 60
	}
	if v.HangoverMs == 0 {
		v.HangoverMs = 400
	}

	if cfg.Observe.MetricsPath == "" {
		cfg.Observe.MetricsPath = "/metrics"
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.PublicURL != "" {
		if u, err := url.Parse(cfg.Server.PublicURL); err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("server.public_url %q is not an absolute URL", cfg.Server.PublicURL))
		}
	}
	if p := cfg.Server.StreamPath; p != "" && p[0] != '/' {
		errs = append(errs, fmt.Errorf("server.stream_path %q must start with '/'", p))
	}
	switch cfg.Server.TwiMLVerb {
	case "", "connect":
	case "start":
		slog.Warn("server.twiml_verb is start; the stream is one-way and callers will not hear the assistant")
	default:
		errs = append(errs, fmt.Errorf("server.twiml_verb %q is invalid; valid values: connect, start", cfg.Server.TwiMLVerb))
	}
	if cfg.Server.TLS != nil && (cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if cfg.Server.MediaStreamURL() == "" {
		slog.Warn("neither server.public_url nor server.stream_url is set; the voice webhook cannot point callers at the media stream")
	}

	// Providers
	if cfg.Providers.S2S.Name == "" {
		errs = append(errs, errors.New("providers.s2s.name is required"))
	}
	validateProviderName("s2s", cfg.Providers.S2S.Name)
	if cfg.Providers.S2S.APIKey == "" {
		slog.Warn("providers.s2s.api_key is empty and " + EnvOpenAIAPIKey + " is not set; AI connections will be rejected")
	}
	for i, fb := range cfg.Providers.S2SFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.s2s_fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("s2s", fb.Name)
	}
	if cfg.Providers.ConnectAttempts < 1 {
		errs = append(errs, fmt.Errorf("providers.connect_attempts must be at least 1, got %d", cfg.Providers.ConnectAttempts))
	}
	if cfg.Providers.ConnectBackoff < 0 {
		errs = append(errs, fmt.Errorf("providers.connect_backoff must not be negative, got %s", cfg.Providers.ConnectBackoff))
	}

	// Session
	sess := cfg.Session
	if sess.SampleRate <= 0 || sess.SampleRate%8000 != 0 {
		errs = append(errs, fmt.Errorf("session.sample_rate %d must be a positive multiple of 8000", sess.SampleRate))
	}
	if sess.TurnDetection != "" && !sess.TurnDetection.IsValid() {
		errs = append(errs, fmt.Errorf("session.turn_detection %q is invalid; valid values: server_vad, none", sess.TurnDetection))
	}
	if sess.Threshold < 0 || sess.Threshold > 1 {
		errs = append(errs, fmt.Errorf("session.threshold %.2f is out of range [0, 1]", sess.Threshold))
	}
	if sess.SilenceDurationMs < 0 || sess.PrefixPaddingMs < 0 {
		errs = append(errs, errors.New("session.silence_duration_ms and session.prefix_padding_ms must not be negative"))
	}

	// Bridge
	b := cfg.Bridge
	if b.QueueDepth < 0 {
		errs = append(errs, fmt.Errorf("bridge.queue_depth %d must not be negative", b.QueueDepth))
	}
	if b.InactivityTimeout < 0 {
		errs = append(errs, fmt.Errorf("bridge.inactivity_timeout %s must not be negative", b.InactivityTimeout))
	}
	if b.BargeInMode != "" && !b.BargeInMode.IsValid() {
		errs = append(errs, fmt.Errorf("bridge.barge_in_mode %q is invalid; valid values: clear, silence", b.BargeInMode))
	}
	if b.SilenceMs < 0 {
		errs = append(errs, fmt.Errorf("bridge.silence_ms %d must not be negative", b.SilenceMs))
	}
	if b.MarkInterval < 0 {
		errs = append(errs, fmt.Errorf("bridge.mark_interval %d must not be negative", b.MarkInterval))
	}
	if b.QueueDepth > 50 {
		slog.Warn("bridge.queue_depth is large; barge-in has to purge more stale audio", "queue_depth", b.QueueDepth)
	}

	// VAD
	if cfg.VAD.Enabled {
		validateProviderName("vad", cfg.VAD.Engine)
		if t := cfg.VAD.EnergyThreshold; t <= 0 || t > 1 {
			errs = append(errs, fmt.Errorf("vad.energy_threshold %.3f is out of range (0, 1]", t))
		}
		if cfg.VAD.MinSpeechMs < 0 || cfg.VAD.HangoverMs < 0 {
			errs = append(errs, errors.New("vad.min_speech_ms and vad.hangover_ms must not be negative"))
		}
	}
	if !cfg.VAD.Enabled && sess.TurnDetection == TurnDetectionNone {
		slog.Warn("local VAD is disabled and turn_detection is none; barge-in is off and a caller turn ends only after bridge.inactivity_timeout below vad.energy_threshold")
	}

	// Observe
	if p := cfg.Observe.MetricsPath; p != "" && p[0] != '/' {
		errs = append(errs, fmt.Errorf("observe.metrics_path %q must start with '/'", p))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
