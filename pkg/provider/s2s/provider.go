// Package s2s defines the Provider interface for streaming speech-to-speech
// AI endpoints.
//
// A session carries linear PCM16 audio up to the model and returns a single
// ordered stream of [Event] values: voice activity notifications, response
// lifecycle changes, synthesised audio and transcripts. The bridge consumes
// that stream from one goroutine, so providers deliver events strictly in
// the order the endpoint sent them.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"time"
)

// Turn detection modes understood by [TurnDetection.Type].
const (
	TurnDetectionServerVAD = "server_vad"
	TurnDetectionNone      = "none"
)

// TurnDetection configures the endpoint's own voice activity detector.
type TurnDetection struct {
	// Type is [TurnDetectionServerVAD] or [TurnDetectionNone]. With none, the
	// caller is responsible for committing input and requesting responses.
	Type string

	// Threshold is the endpoint's speech activation threshold (0.0–1.0).
	// Zero leaves the endpoint default.
	Threshold float64

	// PrefixPaddingMs is the audio kept before detected speech.
	PrefixPaddingMs int

	// SilenceDurationMs is how much silence ends a user turn.
	SilenceDurationMs int
}

// ServerVAD reports whether the endpoint decides turn boundaries itself.
func (t TurnDetection) ServerVAD() bool {
	return t.Type != TurnDetectionNone
}

// SessionConfig is the initial configuration sent before any audio.
type SessionConfig struct {
	// Instructions is the system prompt for the assistant persona.
	Instructions string

	// Voice is the provider-specific voice identifier.
	Voice string

	// Modalities lists the output modalities, typically "audio" and "text".
	Modalities []string

	// SampleRate is the PCM16 rate used in both directions.
	SampleRate int

	// TurnDetection configures server-side turn taking.
	TurnDetection TurnDetection

	// TranscriptionModel enables input transcription when non-empty.
	TranscriptionModel string

	// Temperature is passed through when non-zero.
	Temperature float64
}

// Capabilities is static metadata about a provider.
type Capabilities struct {
	// Voices lists the accepted voice identifiers.
	Voices []string

	// SampleRates lists the PCM16 rates the endpoint accepts.
	SampleRates []int

	// MaxSessionDuration is the endpoint's hard session limit, zero if none.
	MaxSessionDuration time.Duration
}

// SessionHandle is a live session with the AI endpoint.
type SessionHandle interface {
	// SendAudio appends a PCM16 chunk to the endpoint's input buffer.
	SendAudio(ctx context.Context, pcm []byte) error

	// Commit closes the current input buffer as a user turn.
	Commit(ctx context.Context) error

	// CreateResponse asks the model to respond to the committed input.
	CreateResponse(ctx context.Context) error

	// Cancel asks the model to stop the in-progress response.
	Cancel(ctx context.Context) error

	// Events returns the ordered event stream. The channel is closed when the
	// session ends; Err then reports why.
	Events() <-chan Event

	// Err returns the error that ended the session, or nil after a normal
	// Close.
	Err() error

	// Close terminates the session. It is idempotent.
	Close() error
}

// Provider opens sessions against one AI endpoint.
type Provider interface {
	// Connect dials the endpoint and sends cfg before returning. The handle is
	// ready for audio immediately.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about the provider.
	Capabilities() Capabilities
}
