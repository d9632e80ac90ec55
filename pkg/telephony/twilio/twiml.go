package twilio

import (
	"encoding/xml"
	"log/slog"
	"net/http"
)

// Stream verbs accepted by [VoiceConfig.Verb].
const (
	// VerbConnect opens a bidirectional stream; the bridge can play audio.
	VerbConnect = "connect"
	// VerbStart forks the call audio one way; Twilio ignores media sent back.
	VerbStart = "start"
)

// VoiceConfig is the per-request input to the voice webhook.
type VoiceConfig struct {
	// StreamURL is the wss:// URL of the media stream endpoint.
	StreamURL string
	// Greeting is spoken before the stream starts. Empty skips it.
	Greeting string
	// Language is the Say language attribute, e.g. "es-ES".
	Language string
	// Verb is VerbConnect or VerbStart.
	Verb string
}

type voiceResponse struct {
	XMLName xml.Name    `xml:"Response"`
	Say     *sayVerb    `xml:"Say,omitempty"`
	Start   *streamNoun `xml:"Start,omitempty"`
	Connect *streamNoun `xml:"Connect,omitempty"`
}

type sayVerb struct {
	Language string `xml:"language,attr,omitempty"`
	Text     string `xml:",chardata"`
}

type streamNoun struct {
	Stream stream `xml:"Stream"`
}

type stream struct {
	URL string `xml:"url,attr"`
}

// TwiML renders the voice response document for cfg.
func TwiML(cfg VoiceConfig) ([]byte, error) {
	resp := voiceResponse{}
	if cfg.Greeting != "" {
		resp.Say = &sayVerb{Language: cfg.Language, Text: cfg.Greeting}
	}
	noun := &streamNoun{Stream: stream{URL: cfg.StreamURL}}
	if cfg.Verb == VerbStart {
		resp.Start = noun
	} else {
		resp.Connect = noun
	}
	body, err := xml.Marshal(resp)
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), body...), nil
}

// VoiceHandler answers Twilio's voice webhook. cfg is called per request so
// configuration reloads apply to the next call.
func VoiceHandler(cfg func() VoiceConfig) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		vc := cfg()
		body, err := TwiML(vc)
		if err != nil {
			slog.Error("twilio: render twiml", "err", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		slog.Info("twilio: incoming call",
			"call_sid", r.FormValue("CallSid"),
			"from", r.FormValue("From"),
			"stream_url", vc.StreamURL,
		)
		w.Header().Set("Content-Type", "text/xml")
		_, _ = w.Write(body)
	})
}
