// Package mock provides a scripted telephony.Leg for tests.
//
//	leg := mock.NewLeg()
//	leg.Push(telephony.StartEvent{StreamID: "MZ1", CallID: "CA1"})
//	leg.Push(telephony.MediaEvent{Payload: ulaw})
//	leg.Push(telephony.StopEvent{})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/telebridge/pkg/telephony"
)

// Op is one recorded outbound command.
type Op struct {
	Kind     string // "media", "clear" or "mark"
	StreamID string
	Payload  []byte
	MarkName string
	At       time.Time
}

type inbound struct {
	ev  telephony.Event
	err error
}

// Leg is a mock implementation of telephony.Leg.
type Leg struct {
	in     chan inbound
	closed chan struct{}
	once   sync.Once

	mu  sync.Mutex
	ops []Op

	// SendErr, if non-nil, is returned by every Send method.
	SendErr error

	// OnClear, if set, is called synchronously from SendClear.
	OnClear func()
}

// NewLeg returns a Leg with a buffered inbound queue.
func NewLeg() *Leg {
	return &Leg{
		in:     make(chan inbound, 1024),
		closed: make(chan struct{}),
	}
}

// Push queues an inbound event.
func (l *Leg) Push(ev telephony.Event) { l.in <- inbound{ev: ev} }

// PushErr queues an inbound read error.
func (l *Leg) PushErr(err error) { l.in <- inbound{err: err} }

// ReadEvent returns the next queued event or error.
func (l *Leg) ReadEvent(ctx context.Context) (telephony.Event, error) {
	select {
	case <-l.closed:
		return nil, telephony.ErrClosed
	default:
	}
	select {
	case in := <-l.in:
		return in.ev, in.err
	case <-l.closed:
		return nil, telephony.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Leg) record(op Op) error {
	select {
	case <-l.closed:
		return telephony.ErrClosed
	default:
	}
	op.At = time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.SendErr != nil {
		return l.SendErr
	}
	l.ops = append(l.ops, op)
	return nil
}

// SendMedia records the payload.
func (l *Leg) SendMedia(_ context.Context, streamID string, ulaw []byte) error {
	return l.record(Op{Kind: "media", StreamID: streamID, Payload: append([]byte(nil), ulaw...)})
}

// SendClear records the clear and runs OnClear.
func (l *Leg) SendClear(_ context.Context, streamID string) error {
	if err := l.record(Op{Kind: "clear", StreamID: streamID}); err != nil {
		return err
	}
	l.mu.Lock()
	hook := l.OnClear
	l.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

// SendMark records the mark.
func (l *Leg) SendMark(_ context.Context, streamID, name string) error {
	return l.record(Op{Kind: "mark", StreamID: streamID, MarkName: name})
}

// Close unblocks pending reads. Idempotent.
func (l *Leg) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

// IsClosed reports whether Close was called.
func (l *Leg) IsClosed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

// Ops returns a copy of the recorded commands.
func (l *Leg) Ops() []Op {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Op(nil), l.ops...)
}

// Media returns only the recorded media commands.
func (l *Leg) Media() []Op {
	var out []Op
	for _, op := range l.Ops() {
		if op.Kind == "media" {
			out = append(out, op)
		}
	}
	return out
}

// Count returns how many commands of kind were recorded.
func (l *Leg) Count(kind string) int {
	n := 0
	for _, op := range l.Ops() {
		if op.Kind == kind {
			n++
		}
	}
	return n
}

var _ telephony.Leg = (*Leg)(nil)
