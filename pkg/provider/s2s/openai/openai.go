// Package openai implements the s2s.Provider interface for OpenAI's Realtime API.
//
// It holds one WebSocket per session and exchanges JSON events according to
// the Realtime protocol. Outbound audio is base64-encoded PCM16 sent with
// input_audio_buffer.append; inbound events are decoded through a table keyed
// by the event type and delivered in order on the session's event channel.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/MrWong99/telebridge/pkg/provider/s2s"
	"github.com/coder/websocket"
)

var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// SampleRate is the only PCM16 rate the Realtime API accepts.
	SampleRate = 24000

	eventBuffer = 64
)

// ErrSessionClosed is returned by write operations after Close.
var ErrSessionClosed = errors.New("openai: session closed")

// ErrUnsupportedRate is returned by Connect for sample rates other than
// [SampleRate].
var ErrUnsupportedRate = errors.New("openai: unsupported sample rate")

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Realtime model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithBaseURL overrides the base WebSocket URL. Tests point this at a local
// server.
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		if u != "" {
			p.baseURL = u
		}
	}
}

// WithLogger sets the logger for skipped or malformed server events.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) {
		if l != nil {
			p.log = l
		}
	}
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	log     *slog.Logger
}

// New creates a Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the Realtime endpoint.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		Voices:             []string{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"},
		SampleRates:        []int{SampleRate},
		MaxSessionDuration: 30 * time.Minute,
	}
}

// Connect dials a new Realtime session and sends session.update before
// returning.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	if cfg.SampleRate != 0 && cfg.SampleRate != SampleRate {
		return nil, fmt.Errorf("%w: %d Hz", ErrUnsupportedRate, cfg.SampleRate)
	}

	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, url.QueryEscape(p.model))
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	conn.SetReadLimit(1 << 22)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		events: make(chan s2s.Event, eventBuffer),
		log:    p.log,
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	if err := sess.writeJSON(ctx, newSessionUpdate(cfg)); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	go sess.receiveLoop()
	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string             `json:"modalities,omitempty"`
	Voice                   string               `json:"voice,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	TurnDetection           *turnDetectionParams `json:"turn_detection"`
	InputAudioTranscription *transcriptionParams `json:"input_audio_transcription,omitempty"`
	Temperature             float64              `json:"temperature,omitempty"`
}

type turnDetectionParams struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
}

type transcriptionParams struct {
	Model string `json:"model"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type typeOnlyMessage struct {
	Type string `json:"type"`
}

func newSessionUpdate(cfg s2s.SessionConfig) sessionUpdateMessage {
	params := sessionParams{
		Modalities:        cfg.Modalities,
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		Temperature:       cfg.Temperature,
	}
	if len(params.Modalities) == 0 {
		params.Modalities = []string{"audio", "text"}
	}
	if td := cfg.TurnDetection; td.ServerVAD() {
		params.TurnDetection = &turnDetectionParams{
			Type:              s2s.TurnDetectionServerVAD,
			Threshold:         td.Threshold,
			PrefixPaddingMs:   td.PrefixPaddingMs,
			SilenceDurationMs: td.SilenceDurationMs,
		}
	}
	if cfg.TranscriptionModel != "" {
		params.InputAudioTranscription = &transcriptionParams{Model: cfg.TranscriptionModel}
	}
	return sessionUpdateMessage{Type: "session.update", Session: params}
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events chan s2s.Event
	log    *slog.Logger

	mu     sync.Mutex
	errVal error
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *session) send(ctx context.Context, v any) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}
	if err := s.writeJSON(ctx, v); err != nil {
		return fmt.Errorf("openai: write: %w", err)
	}
	return nil
}

// receiveLoop reads events until the connection ends. It owns the events
// channel and closes it on exit.
func (s *session) receiveLoop() {
	defer close(s.events)

	for {
		typ, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				s.setErr(fmt.Errorf("openai: read: %w", err))
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		ev, err := decodeEvent(data)
		if err != nil {
			var unknown *unknownEventError
			if errors.As(err, &unknown) {
				s.log.Debug("openai: ignoring server event", "type", unknown.Type)
			} else {
				s.log.Warn("openai: skipping malformed server event", "err", err)
			}
			continue
		}

		select {
		case s.events <- ev:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// SendAudio appends a PCM16 chunk to the input buffer.
func (s *session) SendAudio(ctx context.Context, pcm []byte) error {
	return s.send(ctx, appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}

// Commit sends input_audio_buffer.commit.
func (s *session) Commit(ctx context.Context) error {
	return s.send(ctx, typeOnlyMessage{Type: "input_audio_buffer.commit"})
}

// CreateResponse sends response.create.
func (s *session) CreateResponse(ctx context.Context) error {
	return s.send(ctx, typeOnlyMessage{Type: "response.create"})
}

// Cancel sends response.cancel.
func (s *session) Cancel(ctx context.Context) error {
	return s.send(ctx, typeOnlyMessage{Type: "response.cancel"})
}

// Events returns the ordered event stream.
func (s *session) Events() <-chan s2s.Event { return s.events }

// Err returns the error that ended the session.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
