package rewards

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for demo/test use.
type MemoryStore struct {
	mu       sync.RWMutex
	entries  []*LedgerEntry
	byKey    map[string]*LedgerEntry // userID|key
	byRef    map[string]*LedgerEntry // userID|reference, awarded only
	progress map[string]*UserProgress
}

// NewMemoryStore creates an in-memory reward store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byKey:    make(map[string]*LedgerEntry),
		byRef:    make(map[string]*LedgerEntry),
		progress: make(map[string]*UserProgress),
	}
}

var _ Store = (*MemoryStore)(nil)

func pair(a, b string) string { return a + "|" + b }

func copyEntry(e *LedgerEntry) *LedgerEntry {
	cp := *e
	return &cp
}

func (m *MemoryStore) GetByKey(_ context.Context, userID, key string) (*LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.byKey[pair(userID, key)]
	if !ok {
		return nil, ErrNotFound
	}
	return copyEntry(e), nil
}

func (m *MemoryStore) Record(_ context.Context, e *LedgerEntry) (*LedgerEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.byKey[pair(e.UserID, e.IdempotencyKey)]; ok {
		return copyEntry(existing), false, nil
	}
	awarded := e.Status == StatusAwarded
	if awarded && e.Reference != "" {
		if _, ok := m.byRef[pair(e.UserID, e.Reference)]; ok {
			return nil, false, ErrAlreadyAwarded
		}
	}

	p, ok := m.progress[e.UserID]
	if !ok {
		p = &UserProgress{UserID: e.UserID}
		m.progress[e.UserID] = p
	}
	if awarded {
		p.XPTotal += int64(e.XPAwarded)
		p.UpdatedAt = e.CreatedAt
	}

	stored := copyEntry(e)
	stored.NewTotal = p.XPTotal
	m.entries = append(m.entries, stored)
	m.byKey[pair(e.UserID, e.IdempotencyKey)] = stored
	if awarded && e.Reference != "" {
		m.byRef[pair(e.UserID, e.Reference)] = stored
	}
	e.NewTotal = stored.NewTotal
	return copyEntry(stored), true, nil
}

func (m *MemoryStore) LastLocated(_ context.Context, userID string) (*LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := len(m.entries) - 1; i >= 0; i-- {
		e := m.entries[i]
		if e.UserID == userID && e.Status == StatusAwarded && e.located() {
			return copyEntry(e), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) CountViolations(_ context.Context, userID string, since time.Time, threshold int) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, e := range m.entries {
		if e.UserID == userID && !e.CreatedAt.Before(since) && e.SuspiciousScore >= threshold {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) GetProgress(_ context.Context, userID string) (*UserProgress, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.progress[userID]
	if !ok {
		return &UserProgress{UserID: userID}, nil
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) Stats(_ context.Context, since time.Time, threshold int) (int64, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var xp int64
	cheating := 0
	for _, e := range m.entries {
		if e.CreatedAt.Before(since) {
			continue
		}
		if e.Status == StatusAwarded {
			xp += int64(e.XPAwarded)
		}
		if e.SuspiciousScore >= threshold {
			cheating++
		}
	}
	return xp, cheating, nil
}

func (m *MemoryStore) ListEntries(_ context.Context, userID string, limit int) ([]*LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*LedgerEntry
	for _, e := range m.entries {
		if e.UserID == userID {
			out = append(out, copyEntry(e))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
