package history

import (
	"context"
	"sync"
)

// MemoryStore is a fixed-size ring buffer. It is safe for concurrent use.
//
// History held here is lost on restart; use RedisStore when it must survive
// restarts or be shared between replicas.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
	start   int
	size    int
}

// NewMemoryStore creates a ring holding at most capacity entries.
// A non-positive capacity uses DefaultCapacity.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemoryStore{entries: make([]Entry, capacity)}
}

// Capacity returns the maximum number of retained entries.
func (s *MemoryStore) Capacity() int {
	return len(s.entries)
}

// Push appends e, evicting the oldest entry when the ring is full.
func (s *MemoryStore) Push(ctx context.Context, e Entry) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	capacity := len(s.entries)
	if s.size < capacity {
		s.entries[(s.start+s.size)%capacity] = e
		s.size++
		return nil
	}
	s.entries[s.start] = e
	s.start = (s.start + 1) % capacity
	return nil
}

// Snapshot copies the retained entries, oldest first.
func (s *MemoryStore) Snapshot(ctx context.Context) ([]Entry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, 0, s.size)
	for i := 0; i < s.size; i++ {
		out = append(out, s.entries[(s.start+i)%len(s.entries)])
	}
	return out, nil
}

// Len returns the number of retained entries.
func (s *MemoryStore) Len(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size, nil
}
