package s2s

import "fmt"

// Event is one notification from the AI endpoint. The set of implementations
// is closed; switch on the concrete type.
type Event interface {
	// Type returns the endpoint's tag for the event.
	Type() string
	event()
}

// SpeechStarted reports that the endpoint's detector heard the user begin
// speaking.
type SpeechStarted struct {
	ItemID       string
	AudioStartMs int
}

// SpeechStopped reports that the endpoint's detector heard the user stop.
type SpeechStopped struct {
	ItemID     string
	AudioEndMs int
}

// ResponseCreated reports that the model began a response.
type ResponseCreated struct {
	ResponseID string
}

// AudioDelta carries one chunk of synthesised PCM16 audio.
type AudioDelta struct {
	ResponseID string
	ItemID     string
	Audio      []byte
}

// ResponseDone reports that a response finished. Status is the endpoint's
// final status ("completed", "incomplete", "failed").
type ResponseDone struct {
	ResponseID string
	Status     string
}

// ResponseCancelled reports that a response ended because it was cancelled.
type ResponseCancelled struct {
	ResponseID string
}

// TranscriptionCompleted carries the transcript of a user turn.
type TranscriptionCompleted struct {
	ItemID     string
	Transcript string
}

// Error is an error reported by the endpoint over the session.
type Error struct {
	// Kind is the endpoint's error category, e.g. "invalid_request_error".
	Kind    string
	Code    string
	Message string
	// Fatal is set when the session can no longer be used.
	Fatal bool
}

func (SpeechStarted) Type() string          { return "input_audio_buffer.speech_started" }
func (SpeechStopped) Type() string          { return "input_audio_buffer.speech_stopped" }
func (ResponseCreated) Type() string        { return "response.created" }
func (AudioDelta) Type() string             { return "response.audio.delta" }
func (ResponseDone) Type() string           { return "response.done" }
func (ResponseCancelled) Type() string      { return "response.cancelled" }
func (TranscriptionCompleted) Type() string { return "conversation.item.input_audio_transcription.completed" }
func (Error) Type() string                  { return "error" }

func (SpeechStarted) event()          {}
func (SpeechStopped) event()          {}
func (ResponseCreated) event()        {}
func (AudioDelta) event()             {}
func (ResponseDone) event()           {}
func (ResponseCancelled) event()      {}
func (TranscriptionCompleted) event() {}
func (Error) event()                  {}

// Error implements the error interface so endpoint errors can be wrapped and
// matched with errors.As.
func (e Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}
