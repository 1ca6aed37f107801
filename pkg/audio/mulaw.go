package audio

import (
	"encoding/base64"
	"fmt"
)

// mulawTable maps every μ-law code to its 16-bit linear value. Built once at
// package init; decoding is a table lookup per byte.
var mulawTable = func() [256]int16 {
	var t [256]int16
	for i := range t {
		t[i] = mulawToLinear(byte(i))
	}
	return t
}()

// mulawToLinear expands one G.711 μ-law code to a linear sample.
func mulawToLinear(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exp := (u >> 4) & 0x07
	mant := u & 0x0F
	v := ((int(mant) << 3) + 0x84) << exp
	v -= 0x84
	if sign != 0 {
		return int16(-v)
	}
	return int16(v)
}

// MulawToLinear returns the linear value of a single μ-law code.
func MulawToLinear(u byte) int16 {
	return mulawTable[u]
}

// DecodeMulaw converts μ-law encoded bytes to linear samples. The output has
// one sample per input byte.
func DecodeMulaw(enc []byte) []int16 {
	out := make([]int16, len(enc))
	for i, b := range enc {
		out[i] = mulawTable[b]
	}
	return out
}

// DecodePayload decodes a base64 media payload as delivered by the telephony
// media stream and expands it to linear samples. Malformed base64 and empty
// payloads are reported as errors; callers drop the frame.
func DecodePayload(payload string) ([]int16, error) {
	if payload == "" {
		return nil, ErrEmptyFrame
	}
	enc, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("audio: decode payload: %w", err)
	}
	if len(enc) == 0 {
		return nil, ErrEmptyFrame
	}
	return DecodeMulaw(enc), nil
}
