package audit

import (
	"context"
	"sync"
)

const defaultMemCapacity = 1024

// MemStore is a thread-safe in-memory audit trail with a bounded ring buffer.
// Oldest entries are evicted once capacity is reached.
type MemStore struct {
	mu       sync.RWMutex
	events   []Event
	capacity int
	seq      int64
}

// NewMemStore creates an in-memory audit store. capacity <= 0 uses the default.
func NewMemStore(capacity int) *MemStore {
	if capacity <= 0 {
		capacity = defaultMemCapacity
	}
	return &MemStore{capacity: capacity}
}

func (s *MemStore) Append(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	event.Seq = s.seq
	s.events = append(s.events, event)
	if len(s.events) > s.capacity {
		overflow := len(s.events) - s.capacity
		s.events = append([]Event(nil), s.events[overflow:]...)
	}
	return nil
}

func (s *MemStore) List(_ context.Context, query Query) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []Event
	for _, event := range s.events {
		if !matches(event, query) {
			continue
		}
		result = append(result, event)
		if query.Limit > 0 && len(result) >= query.Limit {
			break
		}
	}
	return result, nil
}

var _ Store = (*MemStore)(nil)
