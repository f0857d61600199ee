package journal

import (
	"context"
	"sync"
)

// DefaultCapacity bounds the in-memory ring.
const DefaultCapacity = 500

// MemoryStore keeps the newest entries in a fixed-size ring.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*Entry
	next    int
	full    bool
	closed  bool
}

// NewMemoryStore creates a ring holding at most capacity entries.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemoryStore{entries: make([]*Entry, capacity)}
}

func (s *MemoryStore) Append(ctx context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	prepare(e)
	cp := *e
	s.entries[s.next] = &cp
	s.next = (s.next + 1) % len(s.entries)
	if s.next == 0 {
		s.full = true
	}
	return nil
}

func (s *MemoryStore) Recent(ctx context.Context, q Query) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := s.next
	if s.full {
		n = len(s.entries)
	}

	limit := q.limit()
	result := make([]*Entry, 0, min(limit, n))
	for i := 0; i < n && len(result) < limit; i++ {
		idx := (s.next - 1 - i + len(s.entries)) % len(s.entries)
		e := s.entries[idx]
		if !q.match(e) {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	return result, nil
}

// Len returns the number of stored entries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.full {
		return len(s.entries)
	}
	return s.next
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
