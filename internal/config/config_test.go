package config_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/telebridge/internal/config"
	"github.com/MrWong99/telebridge/pkg/provider/s2s"
	s2smock "github.com/MrWong99/telebridge/pkg/provider/s2s/mock"
	"github.com/MrWong99/telebridge/pkg/provider/vad"
	vadmock "github.com/MrWong99/telebridge/pkg/provider/vad/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":9090"
  log_level: debug
  public_url: https://bridge.example.com
  stream_path: /media
  greeting: "Connecting you now."
  greeting_language: en-GB

providers:
  s2s:
    name: openai-realtime
    api_key: sk-test
    model: gpt-realtime
  s2s_fallbacks:
    - name: openai-realtime
      base_url: wss://backup.example.com/v1/realtime

session:
  instructions: "You answer the phone for a bakery."
  voice: verse
  sample_rate: 16000
  turn_detection: none
  transcription_model: whisper-1

bridge:
  queue_depth: 8
  inactivity_timeout: 1500ms
  barge_in_mode: silence
  silence_ms: 300
  mark_interval: 10

vad:
  enabled: true
  energy_threshold: 0.05
  min_speech_ms: 40
  hangover_ms: 250

observe:
  metrics_path: /internal/metrics
`

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("listen_addr: got %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level: got %q", cfg.Server.LogLevel)
	}
	if got, want := cfg.Server.MediaStreamURL(), "wss://bridge.example.com/media"; got != want {
		t.Errorf("MediaStreamURL: got %q, want %q", got, want)
	}
	if cfg.Providers.S2S.Model != "gpt-realtime" {
		t.Errorf("s2s model: got %q", cfg.Providers.S2S.Model)
	}
	if len(cfg.Providers.S2SFallbacks) != 1 {
		t.Fatalf("s2s_fallbacks: got %d entries, want 1", len(cfg.Providers.S2SFallbacks))
	}
	if cfg.Session.SampleRate != 16000 {
		t.Errorf("sample_rate: got %d", cfg.Session.SampleRate)
	}
	if cfg.Session.TurnDetection != config.TurnDetectionNone {
		t.Errorf("turn_detection: got %q", cfg.Session.TurnDetection)
	}
	if cfg.Bridge.InactivityTimeout != 1500*time.Millisecond {
		t.Errorf("inactivity_timeout: got %s", cfg.Bridge.InactivityTimeout)
	}
	if cfg.Bridge.BargeInMode != config.BargeInSilence {
		t.Errorf("barge_in_mode: got %q", cfg.Bridge.BargeInMode)
	}
	if cfg.Bridge.MarkInterval != 10 {
		t.Errorf("mark_interval: got %d", cfg.Bridge.MarkInterval)
	}
	if !cfg.VAD.Enabled || cfg.VAD.EnergyThreshold != 0.05 {
		t.Errorf("vad: got %+v", cfg.VAD)
	}
	if cfg.Observe.MetricsPath != "/internal/metrics" {
		t.Errorf("metrics_path: got %q", cfg.Observe.MetricsPath)
	}
}

func TestLoadFromReader_EmptyGetsDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen_addr: got %q, want :8080", cfg.Server.ListenAddr)
	}
	if cfg.Server.StreamPath != "/stream" {
		t.Errorf("stream_path: got %q, want /stream", cfg.Server.StreamPath)
	}
	if cfg.Providers.S2S.Name != "openai-realtime" {
		t.Errorf("s2s name: got %q", cfg.Providers.S2S.Name)
	}
	if cfg.Session.Instructions != config.DefaultInstructions {
		t.Error("instructions should default to DefaultInstructions")
	}
	if cfg.Session.SampleRate != 24000 {
		t.Errorf("sample_rate: got %d, want 24000", cfg.Session.SampleRate)
	}
	if cfg.Session.TurnDetection != config.TurnDetectionServerVAD {
		t.Errorf("turn_detection: got %q", cfg.Session.TurnDetection)
	}
	if cfg.Providers.ConnectAttempts != 2 || cfg.Providers.ConnectBackoff != 250*time.Millisecond {
		t.Errorf("connect retry: got %d/%s, want 2/250ms", cfg.Providers.ConnectAttempts, cfg.Providers.ConnectBackoff)
	}
	if cfg.Bridge.QueueDepth != 5 {
		t.Errorf("queue_depth: got %d, want 5", cfg.Bridge.QueueDepth)
	}
	if cfg.Bridge.InactivityTimeout != 2*time.Second {
		t.Errorf("inactivity_timeout: got %s, want 2s", cfg.Bridge.InactivityTimeout)
	}
	if cfg.Bridge.BargeInMode != config.BargeInClear {
		t.Errorf("barge_in_mode: got %q", cfg.Bridge.BargeInMode)
	}
	if cfg.VAD.Engine != "energy" {
		t.Errorf("vad engine: got %q", cfg.VAD.Engine)
	}
	if cfg.Observe.MetricsPath != "/metrics" {
		t.Errorf("metrics_path: got %q", cfg.Observe.MetricsPath)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("bridge:\n  queue_dpeth: 3\n"))
	if err == nil {
		t.Fatal("expected error for misspelled field, got nil")
	}
}

func TestMediaStreamURL(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		srv  config.ServerConfig
		want string
	}{
		{name: "explicit wins", srv: config.ServerConfig{StreamURL: "wss://x/y", PublicURL: "https://a"}, want: "wss://x/y"},
		{name: "https to wss", srv: config.ServerConfig{PublicURL: "https://a.example", StreamPath: "/stream"}, want: "wss://a.example/stream"},
		{name: "http to ws", srv: config.ServerConfig{PublicURL: "http://localhost:8080/", StreamPath: "/stream"}, want: "ws://localhost:8080/stream"},
		{name: "base path kept", srv: config.ServerConfig{PublicURL: "https://a.example/bridge", StreamPath: "/stream"}, want: "wss://a.example/bridge/stream"},
		{name: "nothing configured", srv: config.ServerConfig{StreamPath: "/stream"}, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.srv.MediaStreamURL(); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

// ── environment ──────────────────────────────────────────────────────────────

func TestApplyEnv(t *testing.T) {
	t.Parallel()
	env := map[string]string{
		config.EnvOpenAIAPIKey:    "sk-env",
		config.EnvTwilioStreamURL: "wss://env.example.com/stream",
	}
	getenv := func(k string) string { return env[k] }

	t.Run("fills empty values", func(t *testing.T) {
		t.Parallel()
		cfg := &config.Config{}
		cfg.Providers.S2SFallbacks = []config.ProviderEntry{{Name: "openai-realtime"}}
		config.ApplyEnv(cfg, getenv)

		if cfg.Providers.S2S.APIKey != "sk-env" {
			t.Errorf("api_key: got %q", cfg.Providers.S2S.APIKey)
		}
		if cfg.Providers.S2SFallbacks[0].APIKey != "sk-env" {
			t.Errorf("fallback api_key: got %q", cfg.Providers.S2SFallbacks[0].APIKey)
		}
		if cfg.Server.StreamURL != "wss://env.example.com/stream" {
			t.Errorf("stream_url: got %q", cfg.Server.StreamURL)
		}
	})

	t.Run("file values win", func(t *testing.T) {
		t.Parallel()
		cfg := &config.Config{}
		cfg.Providers.S2S.APIKey = "sk-file"
		cfg.Server.StreamURL = "wss://file/stream"
		config.ApplyEnv(cfg, getenv)

		if cfg.Providers.S2S.APIKey != "sk-file" {
			t.Errorf("api_key: got %q", cfg.Providers.S2S.APIKey)
		}
		if cfg.Server.StreamURL != "wss://file/stream" {
			t.Errorf("stream_url: got %q", cfg.Server.StreamURL)
		}
	})
}

// ── Registry ──────────────────────────────────────────────────────────────────

func TestRegistry_Unknown(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()

	if _, err := reg.CreateS2S(config.ProviderEntry{Name: "nope"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateS2S: expected ErrProviderNotRegistered, got %v", err)
	}
	if _, err := reg.CreateVAD(config.VADConfig{Engine: "nope"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateVAD: expected ErrProviderNotRegistered, got %v", err)
	}
}

func TestRegistry_Registered(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()

	var gotEntry config.ProviderEntry
	reg.RegisterS2S("openai-realtime", func(e config.ProviderEntry) (s2s.Provider, error) {
		gotEntry = e
		return &s2smock.Provider{}, nil
	})
	reg.RegisterVAD("energy", func(config.VADConfig) (vad.Engine, error) {
		return &vadmock.Engine{}, nil
	})

	p, err := reg.CreateS2S(config.ProviderEntry{Name: "openai-realtime", Model: "m"})
	if err != nil {
		t.Fatalf("CreateS2S: %v", err)
	}
	if p == nil {
		t.Fatal("CreateS2S returned nil provider")
	}
	if gotEntry.Model != "m" {
		t.Errorf("factory got model %q, want m", gotEntry.Model)
	}
	if _, err := reg.CreateVAD(config.VADConfig{Engine: "energy"}); err != nil {
		t.Fatalf("CreateVAD: %v", err)
	}

	if got := reg.Names("s2s"); len(got) != 1 || got[0] != "openai-realtime" {
		t.Errorf("Names(s2s): got %v", got)
	}
	if got := reg.Names("llm"); len(got) != 0 {
		t.Errorf("Names(llm): got %v, want none", got)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	wantErr := errors.New("boom")
	reg.RegisterS2S("broken", func(config.ProviderEntry) (s2s.Provider, error) {
		return nil, wantErr
	})
	if _, err := reg.CreateS2S(config.ProviderEntry{Name: "broken"}); !errors.Is(err, wantErr) {
		t.Errorf("expected factory error, got %v", err)
	}
}
