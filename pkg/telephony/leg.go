// Package telephony defines the call-leg side of the bridge: the events a
// telephony media stream delivers and the commands the bridge sends back.
//
// A [Leg] is one live media stream for one call. Reads happen from a single
// goroutine; the write methods are safe for concurrent use.
package telephony

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrClosed is returned by Leg methods after Close.
var ErrClosed = errors.New("telephony: leg closed")

// Leg is a bidirectional telephony media stream.
type Leg interface {
	// ReadEvent blocks until the next event arrives. Malformed frames yield a
	// *DecodeError, *PayloadError or *UnknownEventError; the leg stays usable
	// after those. Any other error means the stream is gone.
	ReadEvent(ctx context.Context) (Event, error)

	// SendMedia plays μ-law 8 kHz audio on the stream.
	SendMedia(ctx context.Context, streamID string, ulaw []byte) error

	// SendClear discards audio the far end has buffered but not yet played.
	SendClear(ctx context.Context, streamID string) error

	// SendMark asks the far end to echo name once playback reaches this point.
	SendMark(ctx context.Context, streamID, name string) error

	// Close tears down the stream. It is idempotent.
	Close() error
}

// Event is one inbound call-leg event. The set of implementations is closed.
type Event interface {
	// Name returns the wire tag of the event.
	Name() string
	event()
}

// ConnectedEvent is the first frame on a new stream, before start.
type ConnectedEvent struct {
	Protocol string
}

// StartEvent carries the stream metadata.
type StartEvent struct {
	StreamID         string
	CallID           string
	AccountID        string
	Tracks           []string
	Encoding         string
	SampleRate       int
	Channels         int
	CustomParameters map[string]string
}

// MediaEvent carries one chunk of decoded caller audio.
type MediaEvent struct {
	Track     string
	Chunk     int
	Timestamp time.Duration
	Payload   []byte
}

// MarkEvent acknowledges that playback reached a named mark.
type MarkEvent struct {
	MarkName string
}

// DTMFEvent reports a keypad digit.
type DTMFEvent struct {
	Digit string
}

// StopEvent ends the stream.
type StopEvent struct {
	CallID string
}

func (ConnectedEvent) Name() string { return "connected" }
func (StartEvent) Name() string     { return "start" }
func (MediaEvent) Name() string     { return "media" }
func (MarkEvent) Name() string      { return "mark" }
func (DTMFEvent) Name() string      { return "dtmf" }
func (StopEvent) Name() string      { return "stop" }

func (ConnectedEvent) event() {}
func (StartEvent) event()     {}
func (MediaEvent) event()     {}
func (MarkEvent) event()      {}
func (DTMFEvent) event()      {}
func (StopEvent) event()      {}

// DecodeError reports a frame that is not valid JSON or does not match the
// shape of its event.
type DecodeError struct {
	Event string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Event == "" {
		return fmt.Sprintf("telephony: decode frame: %v", e.Err)
	}
	return fmt.Sprintf("telephony: decode %s: %v", e.Event, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// PayloadError reports a media frame whose audio payload could not be
// decoded.
type PayloadError struct {
	Err error
}

func (e *PayloadError) Error() string { return fmt.Sprintf("telephony: media payload: %v", e.Err) }

func (e *PayloadError) Unwrap() error { return e.Err }

// UnknownEventError reports a frame with an unrecognised event tag.
type UnknownEventError struct {
	Event string
}

func (e *UnknownEventError) Error() string {
	return fmt.Sprintf("telephony: unknown event %q", e.Event)
}
