// Package config provides the configuration schema, loader, and provider registry
// for the telebridge server.
package config

import (
	"net/url"
	"strings"
	"time"
)

// LogLevel controls log verbosity for the telebridge server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// TurnDetection selects who decides when the caller has finished speaking.
type TurnDetection string

const (
	// TurnDetectionServerVAD lets the AI endpoint detect end of turn.
	TurnDetectionServerVAD TurnDetection = "server_vad"

	// TurnDetectionNone makes the bridge commit input after a quiet period.
	TurnDetectionNone TurnDetection = "none"
)

// IsValid reports whether t is a recognised turn detection mode.
func (t TurnDetection) IsValid() bool {
	return t == TurnDetectionServerVAD || t == TurnDetectionNone
}

// BargeInMode selects how the call leg is flushed when the caller interrupts.
type BargeInMode string

const (
	BargeInClear   BargeInMode = "clear"
	BargeInSilence BargeInMode = "silence"
)

// IsValid reports whether m is a recognised barge-in mode.
func (m BargeInMode) IsValid() bool {
	return m == BargeInClear || m == BargeInSilence
}

// Config is the root configuration structure for telebridge.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Session   SessionConfig   `yaml:"session"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	VAD       VADConfig       `yaml:"vad"`
	Observe   ObserveConfig   `yaml:"observe"`
}

// ServerConfig holds network, logging and webhook settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// PublicURL is the externally reachable base URL of this server
	// (e.g., "https://bridge.example.com"). The media stream URL handed to
	// the telephony provider is derived from it.
	PublicURL string `yaml:"public_url"`

	// StreamPath is the HTTP path of the media stream WebSocket endpoint.
	StreamPath string `yaml:"stream_path"`

	// StreamURL overrides the derived media stream URL. Filled from
	// TWILIO_STREAM_URL when empty.
	StreamURL string `yaml:"stream_url"`

	// Greeting is spoken by the telephony provider before the stream
	// connects. Empty means no greeting.
	Greeting string `yaml:"greeting"`

	// GreetingLanguage is the language tag used for Greeting (e.g., "en-US").
	GreetingLanguage string `yaml:"greeting_language"`

	// TwiMLVerb is "connect" (default, bidirectional) or "start" (one-way
	// fork; the caller never hears the assistant).
	TwiMLVerb string `yaml:"twiml_verb"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// MediaStreamURL returns the WebSocket URL the telephony provider should
// stream call audio to. An explicit StreamURL wins; otherwise PublicURL is
// converted to a ws/wss URL and StreamPath appended. Returns "" when neither
// is configured.
func (s ServerConfig) MediaStreamURL() string {
	if s.StreamURL != "" {
		return s.StreamURL
	}
	if s.PublicURL == "" {
		return ""
	}
	u, err := url.Parse(s.PublicURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + s.StreamPath
	return u.String()
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProvidersConfig declares which provider implementations serve calls.
// Each entry selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	// S2S is the primary speech-to-speech AI endpoint.
	S2S ProviderEntry `yaml:"s2s"`

	// S2SFallbacks are tried in order when the primary cannot connect.
	S2SFallbacks []ProviderEntry `yaml:"s2s_fallbacks"`

	// ConnectAttempts is how often each endpoint is tried before moving on
	// to the next fallback.
	ConnectAttempts int `yaml:"connect_attempts"`

	// ConnectBackoff is the wait after the first failed attempt. It doubles
	// on every further failure.
	ConnectBackoff time.Duration `yaml:"connect_backoff"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai-realtime").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// SessionConfig is sent to the AI endpoint at the start of every call.
type SessionConfig struct {
	// Instructions is the system prompt. Empty uses [DefaultInstructions].
	Instructions string `yaml:"instructions"`

	// Voice is the provider voice name (e.g., "alloy").
	Voice string `yaml:"voice"`

	// SampleRate of the linear PCM exchanged with the AI endpoint. Must be a
	// multiple of 8000.
	SampleRate int `yaml:"sample_rate"`

	// TurnDetection selects server-side or bridge-driven end of turn.
	TurnDetection TurnDetection `yaml:"turn_detection"`

	// Threshold is the AI endpoint's VAD activation threshold (0, 1].
	Threshold float64 `yaml:"threshold"`

	// PrefixPaddingMs is the audio kept before detected speech.
	PrefixPaddingMs int `yaml:"prefix_padding_ms"`

	// SilenceDurationMs is the silence that ends a turn server-side.
	SilenceDurationMs int `yaml:"silence_duration_ms"`

	// TranscriptionModel enables caller transcripts when set (e.g., "whisper-1").
	TranscriptionModel string `yaml:"transcription_model"`

	// Temperature is the sampling temperature. Zero leaves the provider default.
	Temperature float64 `yaml:"temperature"`
}

// BridgeConfig tunes per-call playback and interruption handling.
type BridgeConfig struct {
	// QueueDepth bounds the playback queue in items.
	QueueDepth int `yaml:"queue_depth"`

	// InactivityTimeout forces a response after the caller has been quiet
	// this long. Only used with turn_detection "none".
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`

	// BargeInMode selects clear or silence flushing.
	BargeInMode BargeInMode `yaml:"barge_in_mode"`

	// SilenceMs is the minimum silence burst in silence mode.
	SilenceMs int `yaml:"silence_ms"`

	// MarkInterval sends a playback mark every N items. Zero disables marks.
	MarkInterval int `yaml:"mark_interval"`
}

// VADConfig configures the local barge-in detector.
type VADConfig struct {
	// Enabled turns the local detector on. Without it only the AI endpoint's
	// detector can interrupt playback.
	Enabled bool `yaml:"enabled"`

	// Engine names the registered VAD engine. Defaults to "energy".
	Engine string `yaml:"engine"`

	// EnergyThreshold is the normalised RMS level treated as speech (0, 1].
	EnergyThreshold float64 `yaml:"energy_threshold"`

	// MinSpeechMs is how long the level must stay above the threshold before
	// speech start is reported.
	MinSpeechMs int `yaml:"min_speech_ms"`

	// HangoverMs is how long the level must stay below the threshold before
	// speech end is reported.
	HangoverMs int `yaml:"hangover_ms"`
}

// ObserveConfig holds observability endpoints.
type ObserveConfig struct {
	// MetricsPath is the HTTP path serving Prometheus metrics.
	MetricsPath string `yaml:"metrics_path"`
}
