package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryCounter is an in-process Counter for single-instance deployments
// and tests.
type MemoryCounter struct {
	mu       sync.Mutex
	windows  map[string][]time.Time
	counters map[string]*fixedCounter
	bans     map[string]time.Time
	now      func() time.Time
}

type fixedCounter struct {
	n       int64
	expires time.Time
}

// NewMemoryCounter creates an empty in-memory counter store.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{
		windows:  make(map[string][]time.Time),
		counters: make(map[string]*fixedCounter),
		bans:     make(map[string]time.Time),
		now:      time.Now,
	}
}

func (m *MemoryCounter) Hit(_ context.Context, key string, window time.Duration, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := now.Add(-window)
	events := m.windows[key]
	kept := events[:0]
	for _, at := range events {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	kept = append(kept, now)
	m.windows[key] = kept
	return int64(len(kept)), nil
}

func (m *MemoryCounter) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	c, ok := m.counters[key]
	if !ok || !now.Before(c.expires) {
		c = &fixedCounter{expires: now.Add(ttl)}
		m.counters[key] = c
	}
	c.n++
	return c.n, nil
}

func (m *MemoryCounter) Ban(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	m.bans[key] = m.now().Add(ttl)
	m.mu.Unlock()
	return nil
}

func (m *MemoryCounter) BanRemaining(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	until, ok := m.bans[key]
	if !ok {
		return 0, nil
	}
	remaining := until.Sub(m.now())
	if remaining <= 0 {
		delete(m.bans, key)
		return 0, nil
	}
	return remaining, nil
}

var _ Counter = (*MemoryCounter)(nil)
