package resilience

import (
	"errors"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"
)

var errTest = errors.New("test error")

// fakeClock is a manually advanced time source for breakers under test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// newTestBreaker returns a quiet breaker on a fake clock.
func newTestBreaker(cfg CircuitBreakerConfig) (*CircuitBreaker, *fakeClock) {
	clock := newFakeClock()
	cfg.Now = clock.Now
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return NewCircuitBreaker(cfg), clock
}

func failN(cb *CircuitBreaker, n int) {
	for range n {
		_ = cb.Execute(func() error { return errTest })
	}
}

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "test"})
	if cb.cfg.MaxFailures != 5 || cb.cfg.ResetTimeout != 30*time.Second || cb.cfg.HalfOpenMax != 3 {
		t.Errorf("defaults = %d/%v/%d, want 5/30s/3", cb.cfg.MaxFailures, cb.cfg.ResetTimeout, cb.cfg.HalfOpenMax)
	}
	if cb.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_PassesResultsThrough(t *testing.T) {
	cb, _ := newTestBreaker(CircuitBreakerConfig{Name: "test", MaxFailures: 3})
	called := false
	if err := cb.Execute(func() error { called = true; return nil }); err != nil || !called {
		t.Fatalf("Execute = %v, called = %v", err, called)
	}
	if err := cb.Execute(func() error { return errTest }); !errors.Is(err, errTest) {
		t.Fatalf("Execute = %v, want the call's own error", err)
	}
}

func TestCircuitBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	cb, clock := newTestBreaker(CircuitBreakerConfig{
		Name:         "twilio",
		MaxFailures:  3,
		ResetTimeout: time.Minute,
	})

	// A success in between resets the streak.
	failN(cb, 2)
	_ = cb.Execute(func() error { return nil })
	failN(cb, 2)
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed while the streak is broken", cb.State())
	}

	failN(cb, 1)
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open after 3 consecutive failures", cb.State())
	}

	clock.Advance(20 * time.Second)
	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if called {
		t.Fatal("open breaker must not call fn")
	}
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	var open *OpenError
	if !errors.As(err, &open) {
		t.Fatalf("err = %T, want *OpenError", err)
	}
	if open.Breaker != "twilio" || open.RetryAfter != 40*time.Second {
		t.Errorf("OpenError = %+v, want twilio retrying in 40s", open)
	}
}

func TestCircuitBreaker_HalfOpenClosesAfterCleanProbes(t *testing.T) {
	cb, clock := newTestBreaker(CircuitBreakerConfig{
		Name:         "test",
		MaxFailures:  2,
		ResetTimeout: 10 * time.Second,
		HalfOpenMax:  2,
	})
	failN(cb, 2)

	clock.Advance(10 * time.Second)
	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open after the reset timeout", cb.State())
	}
	for i := range 2 {
		if err := cb.Execute(func() error { return nil }); err != nil {
			t.Fatalf("probe %d: %v", i, err)
		}
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed after clean probes", cb.State())
	}
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	cb, clock := newTestBreaker(CircuitBreakerConfig{
		Name:         "test",
		MaxFailures:  2,
		ResetTimeout: 10 * time.Second,
		HalfOpenMax:  3,
	})
	failN(cb, 2)
	clock.Advance(10 * time.Second)

	if err := cb.Execute(func() error { return errTest }); !errors.Is(err, errTest) {
		t.Fatalf("probe err = %v, want errTest", err)
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open after a failed probe", cb.State())
	}
	// The reset timer restarts from the failed probe.
	clock.Advance(9 * time.Second)
	if cb.State() != StateOpen {
		t.Errorf("state = %v, want open until a full timeout passes", cb.State())
	}
}

func TestCircuitBreaker_ProbeBudget(t *testing.T) {
	cb, clock := newTestBreaker(CircuitBreakerConfig{
		Name:         "test",
		MaxFailures:  1,
		ResetTimeout: time.Second,
		HalfOpenMax:  1,
	})
	failN(cb, 1)
	clock.Advance(time.Second)

	// Hold the only probe open and try a second call meanwhile.
	var nested error
	err := cb.Execute(func() error {
		nested = cb.Execute(func() error { return nil })
		return nil
	})
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	var open *OpenError
	if !errors.As(nested, &open) || open.RetryAfter != 0 {
		t.Fatalf("second call = %v, want an OpenError with no retry delay", nested)
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed after the probe succeeded", cb.State())
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := newTestBreaker(CircuitBreakerConfig{
		Name:         "test",
		MaxFailures:  2,
		ResetTimeout: time.Hour,
	})
	failN(cb, 2)
	if cb.State() != StateOpen {
		t.Fatal("expected open")
	}

	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed after reset", cb.State())
	}
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("unexpected error after reset: %v", err)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestOpenError_Message(t *testing.T) {
	waiting := &OpenError{Breaker: "llm", RetryAfter: 1500 * time.Millisecond}
	if got := waiting.Error(); got != `circuit breaker "llm" is open, next probe in 1.5s` {
		t.Errorf("Error() = %q", got)
	}
	busy := &OpenError{Breaker: "llm"}
	if got := busy.Error(); got != `circuit breaker "llm" is open, probes in flight` {
		t.Errorf("Error() = %q", got)
	}
}

func TestCircuitBreaker_IsFailureFiltersBenignErrors(t *testing.T) {
	errBenign := errors.New("benign")
	cb, _ := newTestBreaker(CircuitBreakerConfig{
		Name:        "test",
		MaxFailures: 2,
		IsFailure:   func(err error) bool { return !errors.Is(err, errBenign) },
	})

	for range 5 {
		if err := cb.Execute(func() error { return errBenign }); !errors.Is(err, errBenign) {
			t.Fatalf("Execute = %v, want benign error passed through", err)
		}
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed after benign errors", cb.State())
	}

	failN(cb, 2)
	if cb.State() != StateOpen {
		t.Errorf("state = %v, want open after real failures", cb.State())
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	var got []string
	cb, clock := newTestBreaker(CircuitBreakerConfig{
		Name:         "twilio",
		MaxFailures:  2,
		ResetTimeout: time.Second,
		HalfOpenMax:  1,
		OnStateChange: func(name string, from, to State) {
			got = append(got, name+":"+from.String()+"->"+to.String())
		},
	})

	failN(cb, 2)
	clock.Advance(time.Second)
	failN(cb, 1)
	clock.Advance(time.Second)
	_ = cb.Execute(func() error { return nil })
	cb.Reset() // already closed: no transition

	want := []string{
		"twilio:closed->open",
		"twilio:open->half-open",
		"twilio:half-open->open",
		"twilio:open->half-open",
		"twilio:half-open->closed",
	}
	if !slices.Equal(got, want) {
		t.Errorf("transitions = %v, want %v", got, want)
	}
}
