// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and hand out a controlled Session.
// Use Session to inject endpoint events and inspect what the bridge sent.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	sess.Emit(s2s.AudioDelta{ResponseID: "resp_1", Audio: pcm})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/telebridge/pkg/provider/s2s"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	Ctx context.Context
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is returned by Connect. If nil, Connect returns a fresh Session.
	Session *Session

	// ConnectErr, if non-nil, is returned from Connect.
	ConnectErr error

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities s2s.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session == nil {
		p.Session = NewSession()
	}
	return p.Session, nil
}

// Capabilities returns ProviderCapabilities.
func (p *Provider) Capabilities() s2s.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ProviderCapabilities
}

// Calls returns a copy of ConnectCalls.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ConnectCall(nil), p.ConnectCalls...)
}

var _ s2s.Provider = (*Provider)(nil)

// Session is a mock implementation of s2s.SessionHandle.
type Session struct {
	mu     sync.Mutex
	events chan s2s.Event
	closed bool
	ended  bool
	err    error

	// SendErr, if non-nil, is returned by every write method.
	SendErr error

	audio   [][]byte
	ops     []string
	cancels int
	commits int
	creates int

	// OnCancel, if set, is called synchronously from Cancel.
	OnCancel func()
}

// NewSession returns a Session with a buffered event channel.
func NewSession() *Session {
	return &Session{events: make(chan s2s.Event, 256)}
}

// Emit delivers ev to the bridge. It is a no-op once the stream has ended.
func (s *Session) Emit(ev s2s.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.events <- ev
}

// End closes the event stream with err, as if the connection dropped.
func (s *Session) End(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	s.err = err
	close(s.events)
}

func (s *Session) record(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, op)
	return s.SendErr
}

// SendAudio records a copy of pcm.
func (s *Session) SendAudio(_ context.Context, pcm []byte) error {
	s.mu.Lock()
	s.audio = append(s.audio, append([]byte(nil), pcm...))
	s.mu.Unlock()
	return s.record("append")
}

// Commit records the call.
func (s *Session) Commit(context.Context) error {
	s.mu.Lock()
	s.commits++
	s.mu.Unlock()
	return s.record("commit")
}

// CreateResponse records the call.
func (s *Session) CreateResponse(context.Context) error {
	s.mu.Lock()
	s.creates++
	s.mu.Unlock()
	return s.record("response.create")
}

// Cancel records the call and runs OnCancel.
func (s *Session) Cancel(context.Context) error {
	s.mu.Lock()
	s.cancels++
	hook := s.OnCancel
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return s.record("response.cancel")
}

// Events returns the event stream.
func (s *Session) Events() <-chan s2s.Event { return s.events }

// Err returns the error passed to End.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the stream with no error. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.End(nil)
	return nil
}

// Audio returns copies of every chunk passed to SendAudio.
func (s *Session) Audio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.audio...)
}

// Ops returns the write operations in call order.
func (s *Session) Ops() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ops...)
}

// Cancels returns how many times Cancel was called.
func (s *Session) Cancels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancels
}

// Commits returns how many times Commit was called.
func (s *Session) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

// Creates returns how many times CreateResponse was called.
func (s *Session) Creates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creates
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

var _ s2s.SessionHandle = (*Session)(nil)
