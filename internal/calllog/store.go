// Package calllog keeps an operational audit row per call: identifiers,
// start and end timestamps, and counters for turns, replies, barge-ins and
// recognizer reconnects. It never stores what was said.
//
// Two implementations are provided: [MemoryStore] (default, bounded) and
// [PostgresStore] (when a DSN is configured).
package calllog

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no record matches the requested ID.
var ErrNotFound = errors.New("calllog: record not found")

// Record is one call's audit row.
type Record struct {
	// ID uniquely identifies the record (a UUID).
	ID string

	// CallSID is the telephony provider's call identifier.
	CallSID string

	// StreamSID is the media stream identifier.
	StreamSID string

	StartedAt time.Time

	// EndedAt is zero while the call is live.
	EndedAt time.Time

	// Turns counts completed recognizer turns that started a reply.
	Turns int

	// Replies counts replies dispatched to call control.
	Replies int

	// Fallbacks counts replies that used the fallback text.
	Fallbacks int

	// BargeIns counts playback interruptions.
	BargeIns int

	// Reconnects counts successful recognizer reconnections.
	Reconnects int

	// DroppedFrames counts inbound media frames that were discarded.
	DroppedFrames int
}

// Active reports whether the call has not finished yet.
func (r Record) Active() bool { return r.EndedAt.IsZero() }

// Duration returns the call length, or zero while the call is live.
func (r Record) Duration() time.Duration {
	if r.Active() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// Store persists call records. Implementations must be safe for concurrent
// use.
type Store interface {
	// Begin inserts a new record. The ID must be unique.
	Begin(ctx context.Context, rec Record) error

	// Finish overwrites the end timestamp and counters of an existing record.
	// Returns ErrNotFound if Begin was never called for rec.ID.
	Finish(ctx context.Context, rec Record) error

	// Get returns the record with the given ID or ErrNotFound.
	Get(ctx context.Context, id string) (Record, error)

	// List returns up to limit records, most recently started first.
	// limit <= 0 means no limit.
	List(ctx context.Context, limit int) ([]Record, error)

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
}
