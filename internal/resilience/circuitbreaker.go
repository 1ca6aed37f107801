// Package resilience provides circuit breaker and provider failover primitives.
//
// The central type is [CircuitBreaker], a classic three-state breaker
// (closed → open → half-open) that protects callers from cascading failures.
// [FallbackGroup] composes multiple instances of any provider type with per-entry
// circuit breakers so that a failing primary is automatically bypassed in favour
// of healthy fallbacks.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen matches every rejection by an open breaker under
// [errors.Is]. The concrete error is an [*OpenError].
var ErrCircuitOpen = errors.New("circuit breaker is open")

// OpenError is returned by [CircuitBreaker.Execute] instead of calling the
// protected function.
type OpenError struct {
	// Breaker is the configured breaker name.
	Breaker string

	// RetryAfter is how long until the breaker admits a probe. It is zero
	// when the half-open probe budget is used up and the outcome of the
	// probes in flight decides.
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("circuit breaker %q is open, next probe in %s", e.Breaker, e.RetryAfter.Round(time.Millisecond))
	}
	return fmt.Sprintf("circuit breaker %q is open, probes in flight", e.Breaker)
}

// Is makes every OpenError match [ErrCircuitOpen].
func (e *OpenError) Is(target error) bool { return target == ErrCircuitOpen }

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed is the normal operating state. All calls are forwarded.
	StateClosed State = iota

	// StateOpen indicates the breaker has tripped due to consecutive failures.
	// Calls are rejected immediately with [ErrCircuitOpen] until the reset
	// timeout elapses.
	StateOpen

	// StateHalfOpen is the probe state entered after the reset timeout. A limited
	// number of calls are allowed through; if they succeed the breaker closes,
	// otherwise it re-opens.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name is a human-readable label used in log messages.
	Name string

	// MaxFailures is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before transitioning to
	// half-open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the maximum number of probe calls allowed in the half-open
	// state before the breaker decides whether to close or re-open. Default: 3.
	HalfOpenMax int

	// IsFailure decides whether an error returned by the protected call counts
	// against the breaker. Errors it rejects are returned to the caller but
	// treated as successes. Default: every non-nil error is a failure.
	IsFailure func(error) bool

	// Now returns the current time. Default: time.Now.
	Now func() time.Time

	// OnStateChange, if set, is called after every transition. It runs with
	// the breaker locked and must not call back into it.
	OnStateChange func(name string, from, to State)

	// Logger receives transition messages. Default: slog.Default().
	Logger *slog.Logger
}

// CircuitBreaker implements the three-state circuit breaker pattern.
// It is safe for concurrent use from multiple goroutines.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	log *slog.Logger

	mu       sync.Mutex
	state    State
	failures int       // consecutive failures while closed
	openedAt time.Time // when the breaker last tripped
	probes   int       // probes admitted in the current half-open window
	probesOK int       // of those, how many came back clean
}

// NewCircuitBreaker creates a [CircuitBreaker] with the supplied configuration.
// Zero-value config fields are replaced with sensible defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool { return err != nil }
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &CircuitBreaker{
		cfg: cfg,
		log: cfg.Logger.With("breaker", cfg.Name),
	}
}

// Execute runs fn unless the breaker rejects the call with an [*OpenError].
// Whatever fn returns is passed through unchanged.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.settle(probe, err != nil && cb.cfg.IsFailure(err))
	return err
}

// admit decides whether a call may proceed and whether it is a half-open
// probe.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if wait := cb.retryAfter(); wait > 0 {
			return false, &OpenError{Breaker: cb.cfg.Name, RetryAfter: wait}
		}
		cb.probes, cb.probesOK = 0, 0
		cb.moveTo(StateHalfOpen, "reset timeout elapsed")
	}
	if cb.state != StateHalfOpen {
		return false, nil
	}
	if cb.probes >= cb.cfg.HalfOpenMax {
		return false, &OpenError{Breaker: cb.cfg.Name}
	}
	cb.probes++
	return true, nil
}

// settle records the outcome of an admitted call.
func (cb *CircuitBreaker) settle(probe, failed bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if probe {
		// A sibling probe may already have re-opened the breaker.
		if cb.state != StateHalfOpen {
			return
		}
		if failed {
			cb.trip("probe failed")
			return
		}
		cb.probesOK++
		if cb.probesOK >= cb.cfg.HalfOpenMax {
			cb.failures = 0
			cb.moveTo(StateClosed, "probes succeeded")
		}
		return
	}

	if cb.state != StateClosed {
		return
	}
	if !failed {
		cb.failures = 0
		return
	}
	cb.failures++
	if cb.failures >= cb.cfg.MaxFailures {
		cb.trip("consecutive failures")
	}
}

// trip opens the breaker. Must be called with cb.mu held.
func (cb *CircuitBreaker) trip(reason string) {
	cb.openedAt = cb.cfg.Now()
	cb.moveTo(StateOpen, reason)
}

// retryAfter is the time left until an open breaker admits a probe. Must be
// called with cb.mu held.
func (cb *CircuitBreaker) retryAfter() time.Duration {
	return cb.cfg.ResetTimeout - cb.cfg.Now().Sub(cb.openedAt)
}

// State returns the current [State]. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// [CircuitBreaker.Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.retryAfter() <= 0 {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures, cb.probes, cb.probesOK = 0, 0, 0
	if cb.state != StateClosed {
		cb.moveTo(StateClosed, "manual reset")
	}
}

// moveTo records a transition. Must be called with cb.mu held.
func (cb *CircuitBreaker) moveTo(to State, reason string) {
	from := cb.state
	cb.state = to
	level := slog.LevelInfo
	if to == StateOpen {
		level = slog.LevelWarn
	}
	cb.log.Log(context.Background(), level, "circuit breaker state changed",
		"from", from.String(),
		"to", to.String(),
		"reason", reason,
		"consecutive_failures", cb.failures,
	)
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}
