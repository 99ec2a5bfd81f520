package fingerprint

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for demo/test use.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]*Record // userID → records, most recent first
}

// NewMemoryStore creates an in-memory fingerprint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string][]*Record)}
}

func (s *MemoryStore) Recent(_ context.Context, userID string, limit int) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.records[userID]
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	out := make([]*Record, 0, limit)
	for _, r := range all[:limit] {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) Remember(_ context.Context, userID string, fp DeviceFingerprint, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs := s.records[userID]
	found := false
	for _, r := range recs {
		if r.Fingerprint.Hash == fp.Hash {
			r.Fingerprint = fp
			r.LastSeen = at
			found = true
			break
		}
	}
	if !found {
		recs = append(recs, &Record{Fingerprint: fp, FirstSeen: at, LastSeen: at})
	}

	sort.SliceStable(recs, func(i, j int) bool { return recs[i].LastSeen.After(recs[j].LastSeen) })
	if len(recs) > MaxRemembered {
		recs = recs[:MaxRemembered]
	}
	s.records[userID] = recs
	return nil
}

var _ Store = (*MemoryStore)(nil)
