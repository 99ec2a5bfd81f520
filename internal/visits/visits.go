// Package visits decides whether a claimed POI visit is trustworthy.
//
// A validation runs a fixed sequence of stages: challenge consumption, tag
// check, one-visit rule, GPS scoring, fingerprint correlation and session
// risk. Signals combine into a 0-100 confidence. Every call writes exactly
// one audit record, whatever the outcome.
package visits

import (
	"context"
	"errors"
	"time"

	"github.com/rutaquest/visitguard/internal/pagination"
)

var (
	ErrPOINotFound     = errors.New("visits: poi not found")
	ErrVisitNotFound   = errors.New("visits: visit not found")
	ErrAlreadyVisited  = errors.New("visits: poi already visited by user")
	ErrUnauthenticated = errors.New("visits: authenticated user required")
)

// Flags raised by the engine itself. GPS and fingerprint flags come from
// their packages.
const (
	FlagInvalidChallenge  = "INVALID_CHALLENGE"
	FlagTagMismatch       = "TAG_MISMATCH"
	FlagAlreadyVisited    = "ALREADY_VISITED"
	FlagSuspiciousSession = "SUSPICIOUS_SESSION"
)

// Outcomes recorded on audit records.
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// POI is a point of interest that can be visited.
type POI struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Category        string    `json:"category"`
	Latitude        float64   `json:"latitude"`
	Longitude       float64   `json:"longitude"`
	TagUID          string    `json:"-"`
	Points          int       `json:"points"`
	XPReward        int       `json:"xpReward"`
	ProximityMeters *float64  `json:"proximityMeters,omitempty"`
	Active          bool      `json:"active"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Visit is an accepted, one-per-user-per-POI visit.
type Visit struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	POIID        string    `json:"poiId"`
	AuditLogID   string    `json:"auditLogId"`
	PointsEarned int       `json:"pointsEarned"`
	XPEarned     int       `json:"xpEarned"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	ScannedAt    time.Time `json:"scannedAt"`
}

// AuditRecord is one append-only validation record. Detail holds the full
// diagnostic picture and is only exposed to admins.
type AuditRecord struct {
	ID              string         `json:"id"`
	UserID          string         `json:"userId"`
	POIID           string         `json:"poiId"`
	ChallengeID     string         `json:"challengeId"`
	Outcome         string         `json:"outcome"`
	IsValid         bool           `json:"isValid"`
	Confidence      int            `json:"confidence"`
	Flags           []string       `json:"flags"`
	Reason          string         `json:"reason"`
	Detail          map[string]any `json:"detail"`
	FingerprintHash string         `json:"fingerprintHash,omitempty"`
	ClientIP        string         `json:"clientIp,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
}

// AuditFilter narrows audit listings. Empty fields match everything.
type AuditFilter struct {
	UserID  string
	POIID   string
	Outcome string
	Flag    string
}

// FlagCount is a flag and how often it was raised.
type FlagCount struct {
	Flag  string `json:"flag"`
	Count int    `json:"count"`
}

// AuditStats aggregates the audit log over a time range.
type AuditStats struct {
	TotalValidations int         `json:"totalValidations"`
	Accepted         int         `json:"accepted"`
	Rejected         int         `json:"rejected"`
	Errors           int         `json:"errors"`
	SpoofingAttempts int         `json:"spoofingAttempts"`
	AvgConfidence    float64     `json:"avgConfidence"`
	TopFlags         []FlagCount `json:"topFlags"`
}

// SpoofingFlags mark a rejected audit record as a location spoofing attempt.
var SpoofingFlags = []string{"STATIC_COORDINATES", "IMPOSSIBLE_SPEED", "SUSPICIOUS_TIMING", "OUT_OF_RANGE"}

// ListOption configures optional parameters for list queries.
type ListOption func(*listOpts)

type listOpts struct {
	cursor *pagination.Cursor
}

func applyListOpts(opts []ListOption) listOpts {
	var o listOpts
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// WithCursor continues a listing after the given cursor position. Invalid
// cursors are ignored; handlers reject them before they get here.
func WithCursor(cursor string) ListOption {
	return func(o *listOpts) {
		if c, err := pagination.Decode(cursor); err == nil {
			o.cursor = c
		}
	}
}

// Store persists POIs, visits and the validation audit log.
type Store interface {
	GetPOI(ctx context.Context, id string) (*POI, error)
	UpsertPOI(ctx context.Context, poi *POI) error
	ListPOIs(ctx context.Context, category string, limit int) ([]*POI, error)

	GetVisit(ctx context.Context, userID, poiID string) (*Visit, error)
	// CreateVisit returns ErrAlreadyVisited when (user, poi) already exists.
	CreateVisit(ctx context.Context, v *Visit) error
	ListVisits(ctx context.Context, userID string, limit int, opts ...ListOption) ([]*Visit, error)
	CountVisits(ctx context.Context, since time.Time) (int, error)
	// VisitSummary returns per-category visit counts for a user.
	VisitSummary(ctx context.Context, userID string) (map[string]int, error)

	AppendAudit(ctx context.Context, rec *AuditRecord) error
	ListAudit(ctx context.Context, f AuditFilter, limit int, opts ...ListOption) ([]*AuditRecord, error)
	AuditStats(ctx context.Context, since time.Time, topN int) (*AuditStats, error)
}

// EventEmitter receives validation outcomes (admin live feed).
type EventEmitter interface {
	EmitVisitValidated(rec *AuditRecord)
}

// LocationRecorder attaches an accepted visit's position to the session
// that claimed it.
type LocationRecorder interface {
	RecordLocation(ctx context.Context, userID, token, ip string, lat, lon float64) error
}

func containsAny(flags []string, set []string) bool {
	for _, f := range flags {
		for _, s := range set {
			if f == s {
				return true
			}
		}
	}
	return false
}
