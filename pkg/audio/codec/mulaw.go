package codec

const (
	mulawBias = 0x84
	mulawClip = 32635

	// SilenceByte is the μ-law encoding of a zero sample.
	SilenceByte byte = 0xFF
)

// decodeTable maps every μ-law byte to its linear sample. Built once in init.
var decodeTable [256]int16

func init() {
	for i := range decodeTable {
		decodeTable[i] = expand(byte(i))
	}
}

func expand(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exp := (u >> 4) & 0x07
	mant := u & 0x0F
	v := ((int32(mant) << 3) + mulawBias) << exp
	v -= mulawBias
	if sign != 0 {
		v = -v
	}
	return int16(v)
}

// Decode expands one μ-law byte to a 16-bit linear sample.
func Decode(u byte) int16 {
	return decodeTable[u]
}

// Encode compresses a 16-bit linear sample to μ-law (G.711).
func Encode(s int16) byte {
	v := int32(s)
	var sign byte
	if v < 0 {
		sign = 0x80
		v = -v
	}
	if v > mulawClip {
		v = mulawClip
	}
	v += mulawBias

	exp := byte(7)
	for mask := int32(0x4000); v&mask == 0 && exp > 0; mask >>= 1 {
		exp--
	}
	mant := byte(v>>(exp+3)) & 0x0F
	return ^(sign | exp<<4 | mant)
}

// Segment returns the companding segment (0-7) a μ-law byte falls in. The
// quantization step inside segment n is 8<<n.
func Segment(u byte) int {
	return int((^u >> 4) & 0x07)
}
