package challenge

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for demo/test use.
type MemoryStore struct {
	mu         sync.Mutex
	challenges map[string]*memoryEntry
}

type memoryEntry struct {
	ch   Challenge
	used bool
}

// NewMemoryStore creates an in-memory challenge store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{challenges: make(map[string]*memoryEntry)}
}

func (s *MemoryStore) Create(_ context.Context, ch *Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.challenges[ch.ID] = &memoryEntry{ch: *ch}
	return nil
}

func (s *MemoryStore) Take(_ context.Context, id string) (*Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.challenges[id]
	if !ok {
		return nil, ErrNotFound
	}
	if e.used {
		return nil, ErrAlreadyUsed
	}
	e.used = true
	ch := e.ch
	return &ch, nil
}

func (s *MemoryStore) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, e := range s.challenges {
		if e.ch.ExpiresAt.Before(before) {
			delete(s.challenges, id)
			n++
		}
	}
	return n, nil
}

var _ Store = (*MemoryStore)(nil)
