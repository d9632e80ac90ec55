// Package vad defines the Engine interface for local voice activity detection.
//
// The bridge runs a cheap detector on the caller's audio so that barge-in can
// react within one or two frames, without waiting for the AI endpoint's own
// detector to report back over the network. Each call gets its own session so
// detection state never leaks between calls.
//
// A SessionHandle is not safe for concurrent use; the bridge drives it from
// the single call-leg reader goroutine.
package vad

import "time"

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate of the PCM16 frames passed to ProcessFrame.
	SampleRate int

	// SpeechThreshold is the score at or above which a frame counts as speech.
	// Range: (0.0, 1.0].
	SpeechThreshold float64

	// SilenceThreshold is the score below which a frame counts as silence once
	// speech is active. Must be ≤ SpeechThreshold.
	SilenceThreshold float64

	// MinSpeech is how long the score must stay above SpeechThreshold before
	// speech start is reported. Zero reports on the first loud frame.
	MinSpeech time.Duration

	// Hangover is how long the score must stay below SilenceThreshold before
	// speech end is reported.
	Hangover time.Duration
}

// SessionHandle is an active detection session for one audio stream.
type SessionHandle interface {
	// ProcessFrame scores one frame of little-endian PCM16 at the configured
	// rate and returns the resulting transition. It must not block.
	ProcessFrame(frame []byte) (VADEvent, error)

	// Reset clears detection state without closing the session.
	Reset()

	// Close releases the session. Calling Close more than once returns nil.
	Close() error
}

// Engine creates VAD sessions. Implementations must allow concurrent
// NewSession calls.
type Engine interface {
	NewSession(cfg Config) (SessionHandle, error)
}
