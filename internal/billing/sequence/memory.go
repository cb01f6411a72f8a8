package sequence

import (
	"context"
	"sync"
)

// MemoryStore keeps counters in process memory. Used by tests and single process tooling.
type MemoryStore struct {
	mu     sync.Mutex
	values map[Key]int
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[Key]int)}
}

// Next implements CounterStore.
func (s *MemoryStore) Next(ctx context.Context, key Key, bootstrap func(context.Context) (int, error)) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.values[key]; ok {
		v++
		s.values[key] = v
		return v, nil
	}
	first, err := bootstrap(ctx)
	if err != nil {
		return 0, err
	}
	s.values[key] = first
	return first, nil
}

// Observe implements CounterStore.
func (s *MemoryStore) Observe(_ context.Context, key Key, value int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.values[key]; !ok || v < value {
		s.values[key] = value
	}
	return nil
}

// Value reports the last issued value for key.
func (s *MemoryStore) Value(key Key) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}
