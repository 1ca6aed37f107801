package call

import (
	"slices"
	"strings"
	"sync"
)

// Registry indexes live sessions by call SID so that provider webhooks, which
// arrive on separate HTTP requests, can be routed to the owning session.
// It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	calls map[string]*Session
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{calls: make(map[string]*Session)}
}

func (r *Registry) add(callSID string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[callSID] = s
}

// remove deletes the entry only if it still belongs to s.
func (r *Registry) remove(callSID string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls[callSID] == s {
		delete(r.calls, callSID)
	}
}

// Lookup returns the live session for callSID.
func (r *Registry) Lookup(callSID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.calls[callSID]
	return s, ok
}

// NotifyNextInput tells the session for callSID that the provider requested
// the next instruction. It reports whether a live session received it.
func (r *Registry) NotifyNextInput(callSID string) bool {
	s, ok := r.Lookup(callSID)
	if !ok {
		return false
	}
	return s.Post(Event{Kind: EventNextInput})
}

// Len returns the number of live calls.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.calls)
}

// Statuses returns a snapshot of every live call, ordered by call SID.
func (r *Registry) Statuses() []Status {
	r.mu.RLock()
	out := make([]Status, 0, len(r.calls))
	for _, s := range r.calls {
		out = append(out, s.Status())
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b Status) int { return strings.Compare(a.CallSID, b.CallSID) })
	return out
}
