package openai

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/MrWong99/telebridge/pkg/provider/s2s"
)

// envelope is decoded first to pick the decoder for the full frame.
type envelope struct {
	Type string `json:"type"`
}

type unknownEventError struct {
	Type string
}

func (e *unknownEventError) Error() string {
	return fmt.Sprintf("openai: unknown event type %q", e.Type)
}

type decodeFunc func(raw []byte) (s2s.Event, error)

// decoders maps each server event type the bridge cares about to its
// decoder. Everything else is ignored.
var decoders = map[string]decodeFunc{
	"input_audio_buffer.speech_started":                     decodeSpeechStarted,
	"input_audio_buffer.speech_stopped":                     decodeSpeechStopped,
	"response.created":                                      decodeResponseCreated,
	"response.audio.delta":                                  decodeAudioDelta,
	"response.output_audio.delta":                           decodeAudioDelta,
	"response.done":                                         decodeResponseDone,
	"response.cancelled":                                    decodeResponseCancelled,
	"conversation.item.input_audio_transcription.completed": decodeTranscription,
	"error": decodeError,
}

// fatalCodes are error codes after which the session cannot continue.
var fatalCodes = map[string]bool{
	"invalid_api_key":      true,
	"session_expired":      true,
	"insufficient_quota":   true,
	"authentication_error": true,
}

func decodeEvent(raw []byte) (s2s.Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("openai: decode envelope: %w", err)
	}
	dec, ok := decoders[env.Type]
	if !ok {
		return nil, &unknownEventError{Type: env.Type}
	}
	ev, err := dec(raw)
	if err != nil {
		return nil, fmt.Errorf("openai: decode %s: %w", env.Type, err)
	}
	return ev, nil
}

func decodeSpeechStarted(raw []byte) (s2s.Event, error) {
	var m struct {
		ItemID       string `json:"item_id"`
		AudioStartMs int    `json:"audio_start_ms"`
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return s2s.SpeechStarted{ItemID: m.ItemID, AudioStartMs: m.AudioStartMs}, nil
}

func decodeSpeechStopped(raw []byte) (s2s.Event, error) {
	var m struct {
		ItemID     string `json:"item_id"`
		AudioEndMs int    `json:"audio_end_ms"`
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return s2s.SpeechStopped{ItemID: m.ItemID, AudioEndMs: m.AudioEndMs}, nil
}

type responseObject struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func decodeResponseCreated(raw []byte) (s2s.Event, error) {
	var m struct {
		Response responseObject `json:"response"`
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return s2s.ResponseCreated{ResponseID: m.Response.ID}, nil
}

func decodeAudioDelta(raw []byte) (s2s.Event, error) {
	var m struct {
		ResponseID string `json:"response_id"`
		ItemID     string `json:"item_id"`
		Delta      string `json:"delta"`
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	pcm, err := base64.StdEncoding.DecodeString(m.Delta)
	if err != nil {
		return nil, fmt.Errorf("audio payload: %w", err)
	}
	return s2s.AudioDelta{ResponseID: m.ResponseID, ItemID: m.ItemID, Audio: pcm}, nil
}

// decodeResponseDone folds a done event with status "cancelled" into
// [s2s.ResponseCancelled].
func decodeResponseDone(raw []byte) (s2s.Event, error) {
	var m struct {
		Response responseObject `json:"response"`
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	if m.Response.Status == "cancelled" {
		return s2s.ResponseCancelled{ResponseID: m.Response.ID}, nil
	}
	return s2s.ResponseDone{ResponseID: m.Response.ID, Status: m.Response.Status}, nil
}

func decodeResponseCancelled(raw []byte) (s2s.Event, error) {
	var m struct {
		ResponseID string         `json:"response_id"`
		Response   responseObject `json:"response"`
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	id := m.ResponseID
	if id == "" {
		id = m.Response.ID
	}
	return s2s.ResponseCancelled{ResponseID: id}, nil
}

func decodeTranscription(raw []byte) (s2s.Event, error) {
	var m struct {
		ItemID     string `json:"item_id"`
		Transcript string `json:"transcript"`
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return s2s.TranscriptionCompleted{ItemID: m.ItemID, Transcript: m.Transcript}, nil
}

// serverErrorDetail is the nested error object:
// {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func decodeError(raw []byte) (s2s.Event, error) {
	var m struct {
		Error *serverErrorDetail `json:"error"`
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	if m.Error == nil {
		return s2s.Error{Kind: "unknown", Message: "unknown error"}, nil
	}
	return s2s.Error{
		Kind:    m.Error.Type,
		Code:    m.Error.Code,
		Message: m.Error.Message,
		Fatal:   fatalCodes[m.Error.Code] || fatalCodes[m.Error.Type],
	}, nil
}
