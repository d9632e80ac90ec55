package bridge

import (
	"fmt"
	"sync"
)

// TurnState is the conversational state of one call.
type TurnState int

const (
	StateIdle TurnState = iota
	StateAssistantSpeaking
	StateUserSpeaking
)

func (s TurnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAssistantSpeaking:
		return "assistant_speaking"
	case StateUserSpeaking:
		return "user_speaking"
	default:
		return fmt.Sprintf("TurnState(%d)", int(s))
	}
}

// TurnStatus is the lifecycle status of one assistant response.
type TurnStatus int

const (
	TurnPending TurnStatus = iota
	TurnActive
	TurnCancelled
	TurnDone
)

func (s TurnStatus) String() string {
	switch s {
	case TurnPending:
		return "pending"
	case TurnActive:
		return "active"
	case TurnCancelled:
		return "cancelled"
	case TurnDone:
		return "done"
	default:
		return fmt.Sprintf("TurnStatus(%d)", int(s))
	}
}

// Turn is one assistant response. ID is zero until the first audio of the
// response arrives.
type Turn struct {
	ID     uint64
	Key    string
	Status TurnStatus
}

// Machine tracks the turn state of one call and decides which response audio
// may still be played. All methods are safe for concurrent use: the call-leg
// reader, the AI-leg reader and the pacer consult it from their own
// goroutines.
//
// Keys are the AI endpoint's response identifiers. The machine maps each key
// to a bridge-local numeric id so the pacer only ever compares integers.
type Machine struct {
	mu     sync.Mutex
	state  TurnState
	flags  SpeechFlags
	nextID uint64
	active *Turn
	last   *Turn // most recently activated turn, possibly done but still draining
	byKey  map[string]*Turn
	byID   map[uint64]*Turn
}

// NewMachine returns a Machine in [StateIdle].
func NewMachine() *Machine {
	return &Machine{
		byKey: make(map[string]*Turn),
		byID:  make(map[uint64]*Turn),
	}
}

// Register records a pending turn for key. Calling it for a known key is a
// no-op.
func (m *Machine) Register(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byKey[key]; !ok {
		m.byKey[key] = &Turn{Key: key, Status: TurnPending}
	}
}

// Begin is called for every audio delta of the response named key. It
// returns the response's id and whether its audio may still be queued.
//
// The first delta of a new or pending response activates it and moves the
// machine to [StateAssistantSpeaking]. A response that was cancelled or has
// finished never becomes active again.
func (m *Machine) Begin(key string) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.byKey[key]
	if t != nil {
		switch t.Status {
		case TurnActive:
			return t.ID, true
		case TurnCancelled, TurnDone:
			return t.ID, false
		}
	} else {
		t = &Turn{Key: key}
		m.byKey[key] = t
	}

	if m.active != nil {
		m.active.Status = TurnDone
	}
	m.nextID++
	t.ID = m.nextID
	t.Status = TurnActive
	m.byID[t.ID] = t
	m.active = t
	m.last = t
	m.state = StateAssistantSpeaking
	return t.ID, true
}

// SpeechStarted records that src hears the caller. When this interrupts an
// active response, the response is cancelled and its id is returned with
// bargeIn true; the caller must then purge playback and cancel the response
// upstream. Only the first detector to fire reports the barge-in.
//
// A response the AI endpoint already finished may still have audio queued.
// It is cancelled as well and its id returned with bargeIn false: local
// playback must stop but there is nothing left to cancel upstream.
func (m *Machine) SpeechStarted(src Source) (cancelled uint64, bargeIn bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.flags.set(src, true)
	switch {
	case m.state == StateAssistantSpeaking && m.active != nil:
		cancelled = m.active.ID
		m.active.Status = TurnCancelled
		m.active = nil
		bargeIn = true
	case m.last != nil && m.last.Status == TurnDone:
		cancelled = m.last.ID
		m.last.Status = TurnCancelled
	}
	m.state = StateUserSpeaking
	return cancelled, bargeIn
}

// SpeechStopped clears the flag for src. The machine returns to [StateIdle]
// only once neither detector hears the caller; the return value reports
// whether that transition happened.
func (m *Machine) SpeechStopped(src Source) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.flags.set(src, false)
	if m.state == StateUserSpeaking && !m.flags.Suppressed() {
		m.state = StateIdle
		return true
	}
	return false
}

// Finished handles the AI endpoint's done or cancelled acknowledgment for
// key. A response already cancelled by a barge-in is left untouched.
func (m *Machine) Finished(key string, cancelled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.byKey[key]
	if t == nil {
		return
	}
	switch t.Status {
	case TurnCancelled, TurnDone:
		return
	}
	if cancelled {
		t.Status = TurnCancelled
	} else {
		t.Status = TurnDone
	}
	if m.active == t {
		m.active = nil
		if m.state == StateAssistantSpeaking {
			m.state = StateIdle
		}
	}
}

// Playable reports whether audio for id may be transmitted right now: the
// response must not be cancelled and no detector may hear the caller. Audio
// of a done response stays playable so its queued tail drains.
func (m *Machine) Playable(id uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.byID[id]
	if t == nil || m.flags.Suppressed() {
		return false
	}
	return t.Status == TurnActive || t.Status == TurnDone
}

// State returns the current turn state.
func (m *Machine) State() TurnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Flags returns a snapshot of the speech flags.
func (m *Machine) Flags() SpeechFlags {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flags
}

// Status returns the status of the response with the given id.
func (m *Machine) Status(id uint64) (TurnStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byID[id]
	if !ok {
		return TurnPending, false
	}
	return t.Status, true
}

// Active returns the currently active response, if any.
func (m *Machine) Active() (Turn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return Turn{}, false
	}
	return *m.active, true
}
