// Package mock provides test doubles for the vad package interfaces.
//
// Session returns scripted events in order, falling back to EventResult once
// the script is exhausted. Push may be called from any goroutine, which lets a
// test decide what the next processed frame will report.
//
//	sess := &mock.Session{}
//	sess.Push(vad.VADEvent{Type: vad.VADSpeechStart, Probability: 0.9})
//	eng := &mock.Engine{Session: sess}
package mock

import (
	"sync"

	"github.com/MrWong99/telebridge/pkg/provider/vad"
)

// NewSessionCall records a single invocation of Engine.NewSession.
type NewSessionCall struct {
	Cfg vad.Config
}

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Session is returned by NewSession. If nil, a fresh Session is returned.
	Session vad.SessionHandle

	// NewSessionErr, if non-nil, is returned from NewSession.
	NewSessionErr error

	// NewSessionCalls records every call to NewSession in order.
	NewSessionCalls []NewSessionCall
}

// NewSession records the call and returns Session, NewSessionErr.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls = append(e.NewSessionCalls, NewSessionCall{Cfg: cfg})
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	if e.Session != nil {
		return e.Session, nil
	}
	return &Session{}, nil
}

var _ vad.Engine = (*Engine)(nil)

// Session is a mock implementation of vad.SessionHandle.
type Session struct {
	mu sync.Mutex

	script []vad.VADEvent

	// EventResult is returned once the script is empty. The zero value
	// reports silence.
	EventResult vad.VADEvent

	// ProcessFrameErr, if non-nil, is returned by every ProcessFrame call.
	ProcessFrameErr error

	// FrameCount is the number of frames processed.
	FrameCount int

	// ResetCallCount is the number of times Reset was called.
	ResetCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// Push appends ev to the script.
func (s *Session) Push(ev ...vad.VADEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = append(s.script, ev...)
}

// ProcessFrame returns the next scripted event, or EventResult.
func (s *Session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FrameCount++
	if s.ProcessFrameErr != nil {
		return vad.VADEvent{}, s.ProcessFrameErr
	}
	if len(s.script) > 0 {
		ev := s.script[0]
		s.script = s.script[1:]
		return ev, nil
	}
	return s.EventResult, nil
}

// Frames returns FrameCount under the lock.
func (s *Session) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.FrameCount
}

// Reset increments ResetCallCount.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResetCallCount++
}

// Close increments CloseCallCount.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return nil
}

var _ vad.SessionHandle = (*Session)(nil)
