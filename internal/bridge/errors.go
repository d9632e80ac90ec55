package bridge

import (
	"errors"
	"fmt"

	"github.com/MrWong99/telebridge/pkg/telephony"
)

// Leg names one side of the bridge in errors and log records.
type Leg string

const (
	LegCall Leg = "call"
	LegAI   Leg = "ai"
)

// ErrStopped is returned by the call-leg reader when the telephony provider
// ends the stream with a stop frame. [Orchestrator.Serve] maps it to nil.
var ErrStopped = errors.New("bridge: call stopped")

// TransportError reports that a leg disconnected or can no longer be written
// to. It always ends the session.
type TransportError struct {
	Leg Leg
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("bridge: %s leg %s: %v", e.Leg, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError reports a malformed or out-of-order frame. The frame is
// skipped and the session continues.
type ProtocolError struct {
	Leg Leg
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("bridge: %s leg protocol: %v", e.Leg, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// UpstreamError is an error event reported by the AI endpoint. Fatal ones
// are escalated to a [TransportError].
type UpstreamError struct {
	Code    string
	Message string
	Fatal   bool
	Err     error
}

func (e *UpstreamError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("bridge: upstream error: %s", e.Message)
	}
	return fmt.Sprintf("bridge: upstream error %s: %s", e.Code, e.Message)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// CodecError reports audio bytes that could not be converted. The frame is
// dropped.
type CodecError struct {
	Err error
}

func (e *CodecError) Error() string { return fmt.Sprintf("bridge: codec: %v", e.Err) }

func (e *CodecError) Unwrap() error { return e.Err }

// Kind is the handling class of an error.
type Kind int

const (
	KindNone Kind = iota
	KindStopped
	KindTransport
	KindProtocol
	KindUpstream
	KindCodec
)

// String returns the lower-case class name used as a metric attribute.
func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindStopped:
		return "stopped"
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindUpstream:
		return "upstream"
	case KindCodec:
		return "codec"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Terminal reports whether errors of this kind end the session.
func (k Kind) Terminal() bool {
	return k == KindStopped || k == KindTransport
}

// Classify maps err to its handling class. Telephony decode failures count as
// protocol errors and bad media payloads as codec errors. Errors that match
// no class are treated as transport failures.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}
	if errors.Is(err, ErrStopped) {
		return KindStopped
	}

	var (
		te  *TransportError
		pe  *ProtocolError
		ue  *UpstreamError
		ce  *CodecError
		de  *telephony.DecodeError
		uee *telephony.UnknownEventError
		ple *telephony.PayloadError
	)
	switch {
	case errors.As(err, &te):
		return KindTransport
	case errors.As(err, &pe), errors.As(err, &de), errors.As(err, &uee):
		return KindProtocol
	case errors.As(err, &ce), errors.As(err, &ple):
		return KindCodec
	case errors.As(err, &ue):
		return KindUpstream
	default:
		return KindTransport
	}
}
