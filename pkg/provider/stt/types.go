package stt

import (
	"strings"
	"time"
)

// StreamConfig describes the audio format and end-of-turn tuning for a new
// session. Zero values select the provider's defaults.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. Telephony audio is 8000.
	SampleRate int

	// Encoding names the PCM encoding of the chunks passed to SendAudio.
	// Only "pcm_s16le" (16-bit little-endian linear) is produced by this
	// module.
	Encoding string

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// An empty string lets the provider choose.
	Language string

	// FormatTurns asks the provider to punctuate and case finished turns.
	FormatTurns bool

	// EndOfTurnConfidence is the model confidence (0–1) above which the
	// provider may close a turn early.
	EndOfTurnConfidence float64

	// MinEndOfTurnSilence is the silence required to close a turn once the
	// confidence threshold is met.
	MinEndOfTurnSilence time.Duration

	// MaxTurnSilence is the silence after which a turn is closed regardless of
	// confidence.
	MaxTurnSilence time.Duration
}

// Turn is one recognizer-delimited unit of speech as reported by the
// provider. Providers may report the same turn several times as it evolves.
type Turn struct {
	// Text is the transcript of the turn so far.
	Text string

	// EndOfTurn reports whether the provider judges the speaker finished.
	EndOfTurn bool

	// Formatted reports whether punctuation and casing have been applied.
	Formatted bool

	// Order is the provider's turn sequence number, if any.
	Order int

	// Confidence is the end-of-turn or transcript confidence (0.0–1.0). May be
	// zero if the provider does not report one.
	Confidence float64
}

// Completed reports whether t is final, formatted, and carries non-empty text.
// Only completed turns start a reply cycle.
func (t Turn) Completed() bool {
	return t.EndOfTurn && t.Formatted && strings.TrimSpace(t.Text) != ""
}

// EventKind discriminates the variants of Event.
type EventKind int

const (
	// EventTurn carries a Turn update.
	EventTurn EventKind = iota + 1

	// EventError reports a provider-side error. The session may still be open.
	EventError

	// EventClosed reports that the remote end closed the session.
	EventClosed
)

// String returns the lower-case name of the kind.
func (k EventKind) String() string {
	switch k {
	case EventTurn:
		return "turn"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is a single item on a session's event stream.
type Event struct {
	Kind EventKind

	// Turn is set for EventTurn.
	Turn Turn

	// Err is set for EventError and, when known, for EventClosed.
	Err error

	// CloseCode and CloseReason are set for EventClosed when the transport
	// reports them.
	CloseCode   int
	CloseReason string
}
