// Package audio holds the telephony audio primitives shared by the call bridge:
// G.711 μ-law decoding of inbound media frames and little-endian 16-bit PCM
// helpers used when handing audio to a recognizer.
//
// Telephony legs deliver 8 kHz mono μ-law, one byte per sample. Every decoded
// frame therefore has exactly as many samples as the encoded payload had bytes.
package audio

import "errors"

// TelephonySampleRate is the sample rate of the PSTN leg in Hz.
const TelephonySampleRate = 8000

// BytesPerSample is the width of one linear PCM sample on the wire.
const BytesPerSample = 2

// ErrEmptyFrame is returned when a media frame carries no audio bytes.
var ErrEmptyFrame = errors.New("audio: empty frame")

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Telephony is the format of decoded audio from the call leg.
var Telephony = Format{SampleRate: TelephonySampleRate, Channels: 1}
