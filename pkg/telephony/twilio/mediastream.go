// Package twilio implements telephony.Leg over Twilio Media Streams and
// serves the TwiML that points a call at the stream.
package twilio

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/telebridge/pkg/telephony"
	"github.com/gorilla/websocket"
)

var _ telephony.Leg = (*Leg)(nil)

const defaultWriteTimeout = 5 * time.Second

// Option configures a Leg.
type Option func(*Leg)

// WithWriteTimeout bounds each frame write when the caller's context has no
// deadline.
func WithWriteTimeout(d time.Duration) Option {
	return func(l *Leg) {
		if d > 0 {
			l.writeTimeout = d
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Upgrade accepts a Media Streams WebSocket on an HTTP request.
func Upgrade(w http.ResponseWriter, r *http.Request, opts ...Option) (*Leg, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("twilio: upgrade: %w", err)
	}
	return NewLeg(conn, opts...), nil
}

// Leg is a Twilio Media Streams connection.
type Leg struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// NewLeg wraps an established WebSocket connection.
func NewLeg(conn *websocket.Conn, opts ...Option) *Leg {
	l := &Leg{
		conn:         conn,
		writeTimeout: defaultWriteTimeout,
		closed:       make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// ── Wire types ─────────────────────────────────────────────────────────────────

type envelope struct {
	Event string `json:"event"`
}

type connectedMessage struct {
	Protocol string `json:"protocol"`
}

type startMessage struct {
	StreamSID string `json:"streamSid"`
	Start     struct {
		StreamSID        string            `json:"streamSid"`
		AccountSID       string            `json:"accountSid"`
		CallSID          string            `json:"callSid"`
		Tracks           []string          `json:"tracks"`
		CustomParameters map[string]string `json:"customParameters"`
		MediaFormat      struct {
			Encoding   string `json:"encoding"`
			SampleRate int    `json:"sampleRate"`
			Channels   int    `json:"channels"`
		} `json:"mediaFormat"`
	} `json:"start"`
}

type mediaMessage struct {
	Media struct {
		Track     string `json:"track"`
		Chunk     string `json:"chunk"`
		Timestamp string `json:"timestamp"`
		Payload   string `json:"payload"`
	} `json:"media"`
}

type markMessage struct {
	Name string `json:"name"`
}

type inboundMark struct {
	Mark markMessage `json:"mark"`
}

type dtmfMessage struct {
	DTMF struct {
		Digit string `json:"digit"`
	} `json:"dtmf"`
}

type stopMessage struct {
	Stop struct {
		CallSID string `json:"callSid"`
	} `json:"stop"`
}

type outboundMedia struct {
	Payload string `json:"payload"`
}

type outboundMessage struct {
	Event     string         `json:"event"`
	StreamSID string         `json:"streamSid"`
	Media     *outboundMedia `json:"media,omitempty"`
	Mark      *markMessage   `json:"mark,omitempty"`
}

// ── Decoding ──────────────────────────────────────────────────────────────────

type decodeFunc func(raw []byte) (telephony.Event, error)

var decoders = map[string]decodeFunc{
	"connected": decodeConnected,
	"start":     decodeStart,
	"media":     decodeMedia,
	"mark":      decodeMark,
	"dtmf":      decodeDTMF,
	"stop":      decodeStop,
}

// Decode parses one Media Streams frame.
func Decode(raw []byte) (telephony.Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &telephony.DecodeError{Err: err}
	}
	dec, ok := decoders[env.Event]
	if !ok {
		return nil, &telephony.UnknownEventError{Event: env.Event}
	}
	return dec(raw)
}

func decodeConnected(raw []byte) (telephony.Event, error) {
	var m connectedMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, &telephony.DecodeError{Event: "connected", Err: err}
	}
	return telephony.ConnectedEvent{Protocol: m.Protocol}, nil
}

func decodeStart(raw []byte) (telephony.Event, error) {
	var m startMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, &telephony.DecodeError{Event: "start", Err: err}
	}
	s := m.Start
	streamID := s.StreamSID
	if streamID == "" {
		streamID = m.StreamSID
	}
	if streamID == "" {
		return nil, &telephony.DecodeError{Event: "start", Err: errors.New("missing streamSid")}
	}
	return telephony.StartEvent{
		StreamID:         streamID,
		CallID:           s.CallSID,
		AccountID:        s.AccountSID,
		Tracks:           s.Tracks,
		Encoding:         s.MediaFormat.Encoding,
		SampleRate:       s.MediaFormat.SampleRate,
		Channels:         s.MediaFormat.Channels,
		CustomParameters: s.CustomParameters,
	}, nil
}

func decodeMedia(raw []byte) (telephony.Event, error) {
	var m mediaMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, &telephony.DecodeError{Event: "media", Err: err}
	}
	payload, err := base64.StdEncoding.DecodeString(m.Media.Payload)
	if err != nil {
		return nil, &telephony.PayloadError{Err: err}
	}
	// Chunk and timestamp are informational; Twilio sends them as strings.
	chunk, _ := strconv.Atoi(m.Media.Chunk)
	ts, _ := strconv.ParseInt(m.Media.Timestamp, 10, 64)
	return telephony.MediaEvent{
		Track:     m.Media.Track,
		Chunk:     chunk,
		Timestamp: time.Duration(ts) * time.Millisecond,
		Payload:   payload,
	}, nil
}

func decodeMark(raw []byte) (telephony.Event, error) {
	var m inboundMark
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, &telephony.DecodeError{Event: "mark", Err: err}
	}
	return telephony.MarkEvent{MarkName: m.Mark.Name}, nil
}

func decodeDTMF(raw []byte) (telephony.Event, error) {
	var m dtmfMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, &telephony.DecodeError{Event: "dtmf", Err: err}
	}
	return telephony.DTMFEvent{Digit: m.DTMF.Digit}, nil
}

func decodeStop(raw []byte) (telephony.Event, error) {
	var m stopMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, &telephony.DecodeError{Event: "stop", Err: err}
	}
	return telephony.StopEvent{CallID: m.Stop.CallSID}, nil
}

// ── telephony.Leg ─────────────────────────────────────────────────────────────

// ReadEvent reads and decodes the next frame. Cancelling ctx unblocks a
// pending read, after which the connection is unusable.
func (l *Leg) ReadEvent(ctx context.Context) (telephony.Event, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = l.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		typ, data, err := l.conn.ReadMessage()
		if err != nil {
			select {
			case <-l.closed:
				return nil, telephony.ErrClosed
			default:
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("twilio: read: %w", err)
		}
		if typ != websocket.TextMessage {
			continue
		}
		return Decode(data)
	}
}

// SendMedia sends μ-law audio as a base64 media frame.
func (l *Leg) SendMedia(ctx context.Context, streamID string, ulaw []byte) error {
	return l.write(ctx, outboundMessage{
		Event:     "media",
		StreamSID: streamID,
		Media:     &outboundMedia{Payload: base64.StdEncoding.EncodeToString(ulaw)},
	})
}

// SendClear sends a clear frame, flushing Twilio's playback buffer.
func (l *Leg) SendClear(ctx context.Context, streamID string) error {
	return l.write(ctx, outboundMessage{Event: "clear", StreamSID: streamID})
}

// SendMark sends a mark frame that Twilio echoes once playback reaches it.
func (l *Leg) SendMark(ctx context.Context, streamID, name string) error {
	return l.write(ctx, outboundMessage{
		Event:     "mark",
		StreamSID: streamID,
		Mark:      &markMessage{Name: name},
	})
}

func (l *Leg) write(ctx context.Context, msg outboundMessage) error {
	select {
	case <-l.closed:
		return telephony.ErrClosed
	default:
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(l.writeTimeout)
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if err := l.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("twilio: set deadline: %w", err)
	}
	if err := l.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("twilio: write %s: %w", msg.Event, err)
	}
	return nil
}

// Close sends a close frame and closes the connection. Idempotent.
func (l *Leg) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		l.writeMu.Lock()
		_ = l.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bridge closed"),
			time.Now().Add(time.Second))
		l.writeMu.Unlock()
		err = l.conn.Close()
	})
	return err
}
