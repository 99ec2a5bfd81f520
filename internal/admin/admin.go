// Package admin provides admin-only endpoints: aggregate security metrics,
// the validation audit trail, POI management and the live event feed.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rutaquest/visitguard/internal/rewards"
	"github.com/rutaquest/visitguard/internal/visits"
)

// ErrInvalidRange is returned for an unsupported ?range= value.
var ErrInvalidRange = errors.New("admin: range must be one of 24h, 7d, 30d")

// Ranges accepted by the security metrics endpoint.
var Ranges = map[string]time.Duration{
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
}

// DefaultRange is used when ?range= is omitted.
const DefaultRange = "24h"

const topFlagCount = 5

// VisitStore is the visit data admins read and manage.
type VisitStore interface {
	CountVisits(ctx context.Context, since time.Time) (int, error)
	AuditStats(ctx context.Context, since time.Time, topN int) (*visits.AuditStats, error)
	ListAudit(ctx context.Context, f visits.AuditFilter, limit int, opts ...visits.ListOption) ([]*visits.AuditRecord, error)
	GetPOI(ctx context.Context, id string) (*visits.POI, error)
	UpsertPOI(ctx context.Context, poi *visits.POI) error
}

// SessionStats reports live and suspicious sessions.
type SessionStats interface {
	Stats(ctx context.Context, since time.Time) (active, suspicious int, err error)
}

// RewardStore is the reward ledger view admins need.
type RewardStore interface {
	Stats(ctx context.Context, since time.Time, threshold int) (xpAwarded int64, cheating int, err error)
	ListEntries(ctx context.Context, userID string, limit int) ([]*rewards.LedgerEntry, error)
}

// LiveFeed serves the realtime security event stream.
type LiveFeed interface {
	HandleWebSocket(w http.ResponseWriter, r *http.Request)
	Stats() map[string]any
}

// SecurityMetrics is the dashboard summary for one range.
type SecurityMetrics struct {
	TotalVisits        int                `json:"totalVisits"`
	TotalValidations   int                `json:"totalValidations"`
	SpoofingAttempts   int                `json:"spoofingAttempts"`
	AvgConfidenceScore float64            `json:"avgConfidenceScore"`
	TopFlags           []visits.FlagCount `json:"topFlags"`
	ActiveSessions     int                `json:"activeSessions"`
	SuspiciousSessions int                `json:"suspiciousSessions"`
	XPAwarded          int64              `json:"xpAwarded"`
	CheatingAttempts   int                `json:"cheatingAttempts"`
	Range              string             `json:"range"`
	Since              time.Time          `json:"since"`
}

// Service aggregates metrics across the visit, session and reward stores.
type Service struct {
	visits   VisitStore
	sessions SessionStats
	rewards  RewardStore
	now      func() time.Time
}

// NewService creates an admin metrics service.
func NewService(v VisitStore, s SessionStats, r RewardStore) *Service {
	return &Service{visits: v, sessions: s, rewards: r, now: time.Now}
}

// SecurityMetrics computes the summary for rangeName.
func (s *Service) SecurityMetrics(ctx context.Context, rangeName string) (*SecurityMetrics, error) {
	if rangeName == "" {
		rangeName = DefaultRange
	}
	window, ok := Ranges[rangeName]
	if !ok {
		return nil, ErrInvalidRange
	}
	since := s.now().UTC().Add(-window)

	out := &SecurityMetrics{Range: rangeName, Since: since}

	var err error
	if out.TotalVisits, err = s.visits.CountVisits(ctx, since); err != nil {
		return nil, fmt.Errorf("count visits: %w", err)
	}
	audit, err := s.visits.AuditStats(ctx, since, topFlagCount)
	if err != nil {
		return nil, fmt.Errorf("audit stats: %w", err)
	}
	out.TotalValidations = audit.TotalValidations
	out.SpoofingAttempts = audit.SpoofingAttempts
	out.AvgConfidenceScore = audit.AvgConfidence
	out.TopFlags = audit.TopFlags
	if out.TopFlags == nil {
		out.TopFlags = []visits.FlagCount{}
	}

	if out.ActiveSessions, out.SuspiciousSessions, err = s.sessions.Stats(ctx, since); err != nil {
		return nil, fmt.Errorf("session stats: %w", err)
	}
	if out.XPAwarded, out.CheatingAttempts, err = s.rewards.Stats(ctx, since, rewards.ViolationScore); err != nil {
		return nil, fmt.Errorf("reward stats: %w", err)
	}
	return out, nil
}
