// Package stt defines the Provider interface for streaming Speech-to-Text
// backends.
//
// An STT provider wraps a real-time transcription service (e.g., AssemblyAI or
// Deepgram) and exposes a uniform streaming interface. The central abstraction
// is SessionHandle: once opened, a session accepts raw linear PCM frames and
// emits a single ordered stream of Events. Turn events carry the recognizer's
// view of the current utterance; the consumer decides which of them are
// complete enough to act on (see Turn.Completed).
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
)

// ErrSessionClosed is returned by SessionHandle.SendAudio after the session has
// been closed, either locally or by the remote end.
var ErrSessionClosed = errors.New("stt: session closed")

// SessionHandle represents an open STT streaming session. It is an interface so
// that test code can provide mock implementations without requiring a live
// provider connection.
//
// Callers must call Close when the session is no longer needed. Failing to do
// so may leak goroutines and network connections inside the provider
// implementation. All methods must be safe for concurrent use.
type SessionHandle interface {
	// ID returns the provider-assigned session identifier, or "" if the
	// provider does not assign one.
	ID() string

	// SendAudio delivers a chunk of raw PCM audio bytes to the provider. The
	// chunk should match the SampleRate and Encoding agreed in StreamConfig.
	// Calling SendAudio after the session ended returns ErrSessionClosed.
	SendAudio(chunk []byte) error

	// Events returns a read-only channel of session events in arrival order.
	// The channel is closed after the final event; an unexpected remote close
	// is reported as an EventClosed before the channel closes.
	Events() <-chan Event

	// Close terminates the session and releases all associated resources.
	// Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any streaming STT backend.
//
// Implementations must be safe for concurrent use. Multiple sessions may be
// open simultaneously (one per active call).
type Provider interface {
	// StartStream opens a new streaming transcription session. When it returns
	// without error the session has been accepted by the backend and is ready
	// to receive audio.
	//
	// Returns an error if the provider cannot establish the session (e.g.,
	// authentication failure, unsupported configuration, or ctx cancelled).
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
