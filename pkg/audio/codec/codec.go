// Package codec transcodes between the call leg's 8 kHz μ-law audio and the
// linear PCM16 the AI endpoint speaks.
//
// Both directions are stateless: every call converts exactly the bytes it is
// given, so callers may slice the stream at any boundary. Output length is a
// pure function of input length and the configured rate.
package codec

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/telebridge/pkg/audio"
)

// ErrUnsupportedRate is returned by [New] when the AI rate is not a whole
// multiple of 8 kHz.
var ErrUnsupportedRate = errors.New("codec: unsupported sample rate")

// Codec converts between μ-law 8 kHz and linear PCM16 at a fixed AI rate.
// It holds no mutable state and is safe for concurrent use.
type Codec struct {
	rate int
}

// New returns a Codec for the given linear sample rate.
func New(rate int) (*Codec, error) {
	if rate < audio.TelephonyRate || !audio.IsIntegerRatio(rate, audio.TelephonyRate) {
		return nil, fmt.Errorf("%w: %d Hz", ErrUnsupportedRate, rate)
	}
	return &Codec{rate: rate}, nil
}

// Rate returns the linear-side sample rate.
func (c *Codec) Rate() int { return c.rate }

// DecodeToLinear expands μ-law bytes and resamples them to the codec's rate.
func (c *Codec) DecodeToLinear(ulaw []byte) []byte {
	if len(ulaw) == 0 {
		return []byte{}
	}
	samples := make([]int16, len(ulaw))
	for i, u := range ulaw {
		samples[i] = decodeTable[u]
	}
	return audio.Resample16(audio.Bytes16(samples), audio.TelephonyRate, c.rate)
}

// EncodeFromLinear resamples PCM16 down to 8 kHz and compresses it to μ-law.
func (c *Codec) EncodeFromLinear(pcm []byte) []byte {
	if len(pcm) == 0 {
		return []byte{}
	}
	narrow := audio.Resample16(pcm, c.rate, audio.TelephonyRate)
	out := make([]byte, len(narrow)/2)
	for i := range out {
		out[i] = Encode(audio.Sample(narrow, i))
	}
	return out
}

// DecodeFrame converts a μ-law frame into a linear frame at the codec's rate.
// Linear frames at the right rate are returned unchanged.
func (c *Codec) DecodeFrame(f audio.AudioFrame) audio.AudioFrame {
	if f.Encoding == audio.EncodingLinear16 && f.SampleRate == c.rate {
		return f
	}
	return audio.NewFrame(c.DecodeToLinear(f.Data), audio.EncodingLinear16, c.rate)
}

// EncodeFrame converts a linear frame into a μ-law 8 kHz frame.
func (c *Codec) EncodeFrame(f audio.AudioFrame) audio.AudioFrame {
	if f.Encoding == audio.EncodingMulaw8k {
		return f
	}
	return audio.NewFrame(c.EncodeFromLinear(f.Data), audio.EncodingMulaw8k, audio.TelephonyRate)
}

// Silence returns μ-law silence lasting d, rounded down to whole samples.
func Silence(d time.Duration) []byte {
	n := int(d * audio.TelephonyRate / time.Second)
	if n <= 0 {
		return []byte{}
	}
	out := make([]byte, n)
	for i := range out {
		out[i] = SilenceByte
	}
	return out
}
