package calllog

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// DefaultMemoryCapacity is the number of records a MemoryStore keeps when
// constructed with a non-positive capacity.
const DefaultMemoryCapacity = 1000

// MemoryStore is an in-process [Store] that keeps the most recent records.
// When full, the oldest finished record is evicted to make room.
type MemoryStore struct {
	mu       sync.RWMutex
	capacity int
	order    []string
	records  map[string]Record
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a MemoryStore holding at most capacity records.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryStore{
		capacity: capacity,
		records:  make(map[string]Record),
	}
}

// Begin implements Store.
func (s *MemoryStore) Begin(_ context.Context, rec Record) error {
	if rec.ID == "" {
		return fmt.Errorf("calllog: begin: empty record id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; ok {
		return fmt.Errorf("calllog: begin: record %q already exists", rec.ID)
	}
	if len(s.order) >= s.capacity {
		s.evictLocked()
	}
	s.records[rec.ID] = rec
	s.order = append(s.order, rec.ID)
	return nil
}

// evictLocked drops the oldest finished record, or the oldest record when
// every record is still live.
func (s *MemoryStore) evictLocked() {
	idx := slices.IndexFunc(s.order, func(id string) bool { return !s.records[id].Active() })
	if idx < 0 {
		idx = 0
	}
	delete(s.records, s.order[idx])
	s.order = slices.Delete(s.order, idx, idx+1)
}

// Finish implements Store.
func (s *MemoryStore) Finish(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.records[rec.ID]
	if !ok {
		return fmt.Errorf("calllog: finish %q: %w", rec.ID, ErrNotFound)
	}
	rec.StartedAt = old.StartedAt
	s.records[rec.ID] = rec
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, fmt.Errorf("calllog: get %q: %w", id, ErrNotFound)
	}
	return rec, nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.order)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Record, 0, n)
	for i := len(s.order) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.records[s.order[i]])
	}
	return out, nil
}

// Ping implements Store. A MemoryStore is always reachable.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Len returns the number of records held.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}
