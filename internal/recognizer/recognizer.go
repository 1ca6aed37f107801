// Package recognizer owns the lifecycle of one call's streaming speech
// recognition session.
//
// A [Manager] connects to an [stt.Provider], forwards audio while the
// connection is ready, relays turn events upward and reconnects after
// failures. Reconnection is bounded: each failure schedules at most one
// pending retry after a fixed delay, and the retry re-enters the same
// connect path. Audio offered while the connection is not ready is refused
// with [ErrNotReady] and never queued.
//
// Events are delivered to a caller-supplied sink from the Manager's own
// goroutines (and from Send on a send failure). The sink must not block and
// must not call back into the Manager.
package recognizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/dialtone/pkg/provider/stt"
)

// Default reconnection parameters.
const (
	defaultRetryDelay = 1 * time.Second
)

// Sentinel errors.
var (
	// ErrNotReady is returned by Send when the connection is not READY. The
	// audio is dropped and the connection state is left unchanged.
	ErrNotReady = errors.New("recognizer: not ready")

	// ErrClosed is returned by Open after Close.
	ErrClosed = errors.New("recognizer: closed")
)

// State is the connection state of a Manager.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateReady
	StateError
)

// String returns the upper-case state name used in logs.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateReady:
		return "READY"
	case StateError:
		return "ERROR"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// EventKind discriminates the variants of Event.
type EventKind int

const (
	EventReady EventKind = iota + 1
	EventTurn
	EventError
	EventClosed
)

// String returns the lower-case event name.
func (k EventKind) String() string {
	switch k {
	case EventReady:
		return "ready"
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

// Event is delivered to the sink.
type Event struct {
	Kind EventKind

	// Turn is set for EventTurn.
	Turn stt.Turn

	// Err is set for EventError and, when known, EventClosed.
	Err error

	// SessionID is the provider session id, set for EventReady.
	SessionID string

	// Reconnected is true on an EventReady that followed a failure.
	Reconnected bool

	// RetryScheduled reports whether the failure behind an EventError or
	// EventClosed scheduled a reconnect attempt.
	RetryScheduled bool

	// CloseCode and CloseReason are set for EventClosed when known.
	CloseCode   int
	CloseReason string
}

// Timer is a pending scheduled call.
type Timer interface {
	Stop() bool
}

// Scheduler runs f after d. It exists so tests can fire retries without
// waiting on the wall clock.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// WallScheduler schedules on the wall clock with [time.AfterFunc].
var WallScheduler Scheduler = wallScheduler{}

type wallScheduler struct{}

func (wallScheduler) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Config configures a Manager.
type Config struct {
	// Provider opens recognition sessions. Required.
	Provider stt.Provider

	// Stream is passed to every StartStream call.
	Stream stt.StreamConfig

	// RetryDelay is the fixed delay before a reconnect attempt. Default: 1s.
	RetryDelay time.Duration

	// MaxAttempts caps consecutive reconnect attempts. Zero means unlimited.
	MaxAttempts int

	// Sink receives every event. Required.
	Sink func(Event)

	// Scheduler defaults to the wall clock.
	Scheduler Scheduler

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Manager maintains one recognition session. All methods are safe for
// concurrent use.
type Manager struct {
	provider    stt.Provider
	stream      stt.StreamConfig
	retryDelay  time.Duration
	maxAttempts int
	sink        func(Event)
	sched       Scheduler
	log         *slog.Logger

	mu      sync.Mutex
	state   State
	attempt int
	handle  stt.SessionHandle
	gen     uint64
	retry   Timer
	closed  bool
	openCtx context.Context

	// closers tracks handles closed in the background after a failure.
	// Close waits for them.
	closers sync.WaitGroup
}

// New creates a Manager in the DISCONNECTED state.
func New(cfg Config) (*Manager, error) {
	if cfg.Provider == nil {
		return nil, errors.New("recognizer: provider is required")
	}
	if cfg.Sink == nil {
		return nil, errors.New("recognizer: sink is required")
	}
	m := &Manager{
		provider:    cfg.Provider,
		stream:      cfg.Stream,
		retryDelay:  cfg.RetryDelay,
		maxAttempts: cfg.MaxAttempts,
		sink:        cfg.Sink,
		sched:       cfg.Scheduler,
		log:         cfg.Logger,
	}
	if m.retryDelay <= 0 {
		m.retryDelay = defaultRetryDelay
	}
	if m.sched == nil {
		m.sched = WallScheduler
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	return m, nil
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempt returns the number of reconnect attempts since the last READY.
func (m *Manager) Attempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

// Open connects to the provider. It blocks until the session is ready or the
// attempt failed. On failure the Manager enters ERROR, emits EventError and
// schedules one retry. Calling Open while CONNECTING or READY is a no-op.
//
// ctx bounds the connect attempt and every scheduled retry.
func (m *Manager) Open(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state == StateConnecting || m.state == StateReady {
		m.mu.Unlock()
		return nil
	}
	m.state = StateConnecting
	m.openCtx = ctx
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	h, err := m.provider.StartStream(ctx, m.stream)

	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		if h != nil {
			_ = h.Close()
		}
		return ErrClosed
	}
	if err != nil {
		m.state = StateError
		scheduled := m.scheduleRetryLocked()
		attempt := m.attempt
		m.mu.Unlock()

		m.log.Warn("recognizer connect failed",
			"attempt", attempt,
			"retry_scheduled", scheduled,
			"error", err,
		)
		m.sink(Event{Kind: EventError, Err: err, RetryScheduled: scheduled})
		return fmt.Errorf("recognizer: open: %w", err)
	}
	reconnected := m.attempt > 0
	m.state = StateReady
	m.attempt = 0
	m.handle = h
	m.mu.Unlock()

	m.log.Info("recognizer ready", "session_id", h.ID(), "reconnected", reconnected)
	m.sink(Event{Kind: EventReady, SessionID: h.ID(), Reconnected: reconnected})
	go m.pump(gen, h)
	return nil
}

// Send forwards audio to the provider. It returns ErrNotReady without side
// effects when the connection is not READY. A transport failure closes the
// session, moves the Manager to ERROR and schedules a reconnect.
func (m *Manager) Send(audio []byte) error {
	m.mu.Lock()
	if m.state != StateReady {
		m.mu.Unlock()
		return ErrNotReady
	}
	h, gen := m.handle, m.gen
	m.mu.Unlock()

	if err := h.SendAudio(audio); err != nil {
		m.fail(gen, Event{Kind: EventError, Err: err})
		return fmt.Errorf("recognizer: send: %w", err)
	}
	return nil
}

// Close releases the session, cancels any pending retry and waits for sessions
// lost earlier to finish closing. It is safe to call before Open and more than
// once; later calls return nil.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	h := m.handle
	m.handle = nil
	m.state = StateDisconnected
	m.mu.Unlock()

	var err error
	if h != nil {
		err = h.Close()
	}
	m.closers.Wait()
	if err != nil {
		return fmt.Errorf("recognizer: close: %w", err)
	}
	return nil
}

// pump relays provider events until the session ends.
func (m *Manager) pump(gen uint64, h stt.SessionHandle) {
	for ev := range h.Events() {
		switch ev.Kind {
		case stt.EventTurn:
			m.sink(Event{Kind: EventTurn, Turn: ev.Turn})
		case stt.EventError:
			m.log.Warn("recognizer reported error", "error", ev.Err)
			m.sink(Event{Kind: EventError, Err: ev.Err})
		case stt.EventClosed:
			m.fail(gen, Event{
				Kind:        EventClosed,
				Err:         ev.Err,
				CloseCode:   ev.CloseCode,
				CloseReason: ev.CloseReason,
			})
			return
		}
	}
	m.fail(gen, Event{Kind: EventClosed})
}

// fail tears down the session identified by gen if it is still current and
// READY, then reports ev. Stale or local closes are ignored.
func (m *Manager) fail(gen uint64, ev Event) {
	m.mu.Lock()
	if m.closed || gen != m.gen || m.state != StateReady {
		m.mu.Unlock()
		return
	}
	h := m.handle
	m.handle = nil
	m.state = StateError
	ev.RetryScheduled = m.scheduleRetryLocked()
	if h != nil {
		m.closers.Go(func() { _ = h.Close() })
	}
	m.mu.Unlock()

	m.log.Warn("recognizer session lost",
		"event", ev.Kind.String(),
		"close_code", ev.CloseCode,
		"close_reason", ev.CloseReason,
		"error", ev.Err,
	)
	m.sink(ev)
}

// scheduleRetryLocked arms the single retry timer. Returns false when a retry
// is already pending, the Manager is closed, or attempts are exhausted.
func (m *Manager) scheduleRetryLocked() bool {
	if m.closed || m.retry != nil {
		return false
	}
	if m.maxAttempts > 0 && m.attempt >= m.maxAttempts {
		return false
	}
	if m.openCtx != nil && m.openCtx.Err() != nil {
		return false
	}
	m.attempt++
	m.retry = m.sched.AfterFunc(m.retryDelay, m.retryNow)
	return true
}

func (m *Manager) retryNow() {
	m.mu.Lock()
	m.retry = nil
	if m.closed {
		m.mu.Unlock()
		return
	}
	ctx := m.openCtx
	m.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	_ = m.Open(ctx)
}
