package visits

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for demo/test use.
type MemoryStore struct {
	mu     sync.RWMutex
	pois   map[string]*POI
	visits map[string]*Visit // userID|poiID
	audit  []*AuditRecord
}

// NewMemoryStore creates an in-memory visit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pois:   make(map[string]*POI),
		visits: make(map[string]*Visit),
	}
}

func visitKey(userID, poiID string) string { return userID + "|" + poiID }

func (m *MemoryStore) GetPOI(_ context.Context, id string) (*POI, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.pois[id]
	if !ok {
		return nil, ErrPOINotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) UpsertPOI(_ context.Context, poi *POI) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *poi
	if existing, ok := m.pois[poi.ID]; ok {
		cp.CreatedAt = existing.CreatedAt
	}
	m.pois[poi.ID] = &cp
	return nil
}

func (m *MemoryStore) ListPOIs(_ context.Context, category string, limit int) ([]*POI, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*POI
	for _, p := range m.pois {
		if p.Active && (category == "" || p.Category == category) {
			cp := *p
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) GetVisit(_ context.Context, userID, poiID string) (*Visit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.visits[visitKey(userID, poiID)]
	if !ok {
		return nil, ErrVisitNotFound
	}
	cp := *v
	return &cp, nil
}

func (m *MemoryStore) CreateVisit(_ context.Context, v *Visit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := visitKey(v.UserID, v.POIID)
	if _, exists := m.visits[key]; exists {
		return ErrAlreadyVisited
	}
	cp := *v
	m.visits[key] = &cp
	return nil
}

// after reports whether (t, id) sorts after the cursor in newest-first order.
func after(t time.Time, id string, cursorAt time.Time, cursorID string) bool {
	return t.Before(cursorAt) || (t.Equal(cursorAt) && id < cursorID)
}

func (m *MemoryStore) ListVisits(_ context.Context, userID string, limit int, opts ...ListOption) ([]*Visit, error) {
	o := applyListOpts(opts)
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Visit
	for _, v := range m.visits {
		if v.UserID != userID {
			continue
		}
		if o.cursor != nil && !after(v.ScannedAt, v.ID, o.cursor.CreatedAt, o.cursor.ID) {
			continue
		}
		cp := *v
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].ScannedAt.Equal(result[j].ScannedAt) {
			return result[i].ScannedAt.After(result[j].ScannedAt)
		}
		return result[i].ID > result[j].ID
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) CountVisits(_ context.Context, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, v := range m.visits {
		if !v.ScannedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) VisitSummary(_ context.Context, userID string) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]int)
	for _, v := range m.visits {
		if v.UserID != userID {
			continue
		}
		category := ""
		if p, ok := m.pois[v.POIID]; ok {
			category = p.Category
		}
		out[category]++
	}
	return out, nil
}

func (m *MemoryStore) AppendAudit(_ context.Context, rec *AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *rec
	cp.Flags = append([]string(nil), rec.Flags...)
	m.audit = append(m.audit, &cp)
	return nil
}

func (f AuditFilter) matches(rec *AuditRecord) bool {
	if f.UserID != "" && rec.UserID != f.UserID {
		return false
	}
	if f.POIID != "" && rec.POIID != f.POIID {
		return false
	}
	if f.Outcome != "" && rec.Outcome != f.Outcome {
		return false
	}
	if f.Flag != "" && !containsAny(rec.Flags, []string{f.Flag}) {
		return false
	}
	return true
}

func (m *MemoryStore) ListAudit(_ context.Context, f AuditFilter, limit int, opts ...ListOption) ([]*AuditRecord, error) {
	o := applyListOpts(opts)
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*AuditRecord
	for _, rec := range m.audit {
		if !f.matches(rec) {
			continue
		}
		if o.cursor != nil && !after(rec.CreatedAt, rec.ID, o.cursor.CreatedAt, o.cursor.ID) {
			continue
		}
		cp := *rec
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) AuditStats(_ context.Context, since time.Time, topN int) (*AuditStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &AuditStats{TopFlags: []FlagCount{}}
	counts := make(map[string]int)
	sum := 0
	for _, rec := range m.audit {
		if rec.CreatedAt.Before(since) {
			continue
		}
		stats.TotalValidations++
		sum += rec.Confidence
		switch rec.Outcome {
		case OutcomeAccepted:
			stats.Accepted++
		case OutcomeRejected:
			stats.Rejected++
			if containsAny(rec.Flags, SpoofingFlags) {
				stats.SpoofingAttempts++
			}
		default:
			stats.Errors++
		}
		for _, f := range rec.Flags {
			counts[f]++
		}
	}
	if stats.TotalValidations > 0 {
		stats.AvgConfidence = float64(sum) / float64(stats.TotalValidations)
	}
	stats.TopFlags = topFlags(counts, topN)
	return stats, nil
}

func topFlags(counts map[string]int, n int) []FlagCount {
	out := make([]FlagCount, 0, len(counts))
	for f, c := range counts {
		out = append(out, FlagCount{Flag: f, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Flag < out[j].Flag
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

var _ Store = (*MemoryStore)(nil)
