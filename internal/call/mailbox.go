package call

import "sync"

// mailbox is a FIFO with a level-triggered ready signal. put never blocks, so
// producers on the audio path and provider callbacks cannot stall behind the
// consumer. Items matching shed are bounded: once limit of them are queued,
// further ones are discarded and counted until the next take. Other items
// are never discarded.
type mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	signal chan struct{}

	shed    func(T) bool
	limit   int
	queued  int // queued items matching shed
	dropped int // items shed since the last take
}

// newMailbox returns a mailbox. A nil shed or a non-positive limit leaves it
// unbounded.
func newMailbox[T any](limit int, shed func(T) bool) *mailbox[T] {
	return &mailbox[T]{signal: make(chan struct{}, 1), limit: limit, shed: shed}
}

// put appends v. It returns false once the mailbox is closed. A shed item is
// reported as accepted.
func (m *mailbox[T]) put(v T) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	if m.shed != nil && m.limit > 0 && m.shed(v) {
		if m.queued >= m.limit {
			m.dropped++
			return true
		}
		m.queued++
	}
	m.items = append(m.items, v)
	select {
	case m.signal <- struct{}{}:
	default:
	}
	return true
}

// ready fires when items may be available or the mailbox was closed.
func (m *mailbox[T]) ready() <-chan struct{} {
	return m.signal
}

// take removes and returns every queued item in arrival order, along with the
// number of items shed since the previous take. open is false once close has
// been called; no item can be added after that.
func (m *mailbox[T]) take() (items []T, dropped int, open bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items, m.items = m.items, nil
	dropped, m.dropped = m.dropped, 0
	m.queued = 0
	return items, dropped, !m.closed
}

// close rejects further puts and wakes the consumer. Items already queued
// remain available to take.
func (m *mailbox[T]) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.signal)
}

// len returns the number of queued items.
func (m *mailbox[T]) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}
