package sessions

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for demo/test use.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	log      []*LogEntry
}

// NewMemoryStore creates an in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func (m *MemoryStore) UpsertSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.sessions[s.Hash]
	if !ok {
		cp := *s
		m.sessions[s.Hash] = &cp
		return nil
	}
	existing.IP = s.IP
	existing.LastSeenAt = s.LastSeenAt
	if s.Latitude != nil && s.Longitude != nil {
		existing.Latitude, existing.Longitude = s.Latitude, s.Longitude
	}
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, hash string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[hash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) ListLive(_ context.Context, userID string, since time.Time) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Session
	for _, s := range m.sessions {
		if s.UserID == userID && !s.Revoked() && !s.LastSeenAt.Before(since) {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeenAt.After(out[j].LastSeenAt) })
	return out, nil
}

func (m *MemoryStore) RevokeSession(_ context.Context, hash, reason string, at time.Time) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[hash]
	if !ok {
		return "", false, nil
	}
	if s.Revoked() {
		return s.UserID, false, nil
	}
	t := at
	s.RevokedAt = &t
	s.RevokeReason = reason
	return s.UserID, true, nil
}

func (m *MemoryStore) RevokeUser(_ context.Context, userID, reason string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, s := range m.sessions {
		if s.UserID == userID && !s.Revoked() {
			t := at
			s.RevokedAt = &t
			s.RevokeReason = reason
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Append(_ context.Context, e *LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *e
	cp.Flags = append([]string(nil), e.Flags...)
	m.log = append(m.log, &cp)
	return nil
}

func (m *MemoryStore) CountActions(_ context.Context, userID, action string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, e := range m.log {
		if e.UserID == userID && e.Action == action && !e.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Suspicious(_ context.Context, userID string, since time.Time) (int, []string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	var last *LogEntry
	for _, e := range m.log {
		if e.UserID != userID || !e.Suspicious || e.CreatedAt.Before(since) {
			continue
		}
		n++
		if last == nil || !e.CreatedAt.Before(last.CreatedAt) {
			last = e
		}
	}
	if last == nil {
		return 0, nil, nil
	}
	return n, append([]string(nil), last.Flags...), nil
}

func (m *MemoryStore) CountActive(_ context.Context, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, s := range m.sessions {
		if !s.Revoked() && !s.LastSeenAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CountSuspicious(_ context.Context, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, e := range m.log {
		if e.Suspicious && !e.CreatedAt.Before(since) {
			key := e.SessionHash
			if key == "" {
				key = "id:" + e.ID
			}
			seen[key] = struct{}{}
		}
	}
	return len(seen), nil
}

var _ Store = (*MemoryStore)(nil)
