// Package rewards grants experience for validated activity. Awards are
// idempotent per key, rate limited per user, screened for impossible
// journeys between consecutive awards, and escalate to temporary bans.
package rewards

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrNotFound       = errors.New("rewards: not found")
	ErrUnknownAction  = errors.New("rewards: unknown action type")
	ErrVisitRequired  = errors.New("rewards: no accepted visit for this poi")
	ErrAlreadyAwarded = errors.New("rewards: already awarded")
	ErrSuspicious     = errors.New("rewards: award rejected as suspicious")
	ErrUnavailable    = errors.New("rewards: counter store unavailable")
)

// RateLimitError is returned when the per-user award window is full.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rewards: rate limited, retry after %s", e.RetryAfter)
}

// BanError is returned while a user is temporarily banned.
type BanError struct {
	RetryAfter time.Duration
}

func (e *BanError) Error() string {
	return fmt.Sprintf("rewards: temporarily banned, retry after %s", e.RetryAfter)
}

// Action types.
const (
	ActionVisitPOI        = "VISIT_POI"
	ActionDailyLogin      = "DAILY_LOGIN"
	ActionReviewPOI       = "REVIEW_POI"
	ActionProfileComplete = "PROFILE_COMPLETE"
	ActionShareRoute      = "SHARE_ROUTE"
)

// CatalogXP is the fixed XP for actions that are not tied to a visit.
var CatalogXP = map[string]int{
	ActionDailyLogin:      10,
	ActionReviewPOI:       20,
	ActionProfileComplete: 50,
	ActionShareRoute:      15,
}

// Ledger entry statuses.
const (
	StatusAwarded  = "awarded"
	StatusRejected = "rejected"
)

// AwardRequest asks for XP for one action.
type AwardRequest struct {
	UserID         string
	ActionType     string
	POIID          string
	IdempotencyKey string
	Latitude       *float64
	Longitude      *float64
	Metadata       map[string]any
}

// AwardResult is returned for both fresh and replayed awards.
type AwardResult struct {
	EntryID         string `json:"entryId"`
	XPAwarded       int    `json:"xpAwarded"`
	NewTotal        int64  `json:"newTotal"`
	Level           int    `json:"level"`
	SuspiciousScore int    `json:"suspiciousScore"`
	Replayed        bool   `json:"replayed"`
}

// LedgerEntry is one append-only reward record.
type LedgerEntry struct {
	ID              string         `json:"id"`
	UserID          string         `json:"userId"`
	ActionType      string         `json:"actionType"`
	POIID           string         `json:"poiId,omitempty"`
	IdempotencyKey  string         `json:"idempotencyKey"`
	Reference       string         `json:"reference,omitempty"`
	XPAwarded       int            `json:"xpAwarded"`
	NewTotal        int64          `json:"newTotal"`
	SuspiciousScore int            `json:"suspiciousScore"`
	Status          string         `json:"status"`
	Latitude        *float64       `json:"latitude,omitempty"`
	Longitude       *float64       `json:"longitude,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
}

func (e *LedgerEntry) located() bool { return e.Latitude != nil && e.Longitude != nil }

func (e *LedgerEntry) result(replayed bool) *AwardResult {
	return &AwardResult{
		EntryID:         e.ID,
		XPAwarded:       e.XPAwarded,
		NewTotal:        e.NewTotal,
		Level:           LevelForXP(e.NewTotal),
		SuspiciousScore: e.SuspiciousScore,
		Replayed:        replayed,
	}
}

// UserProgress is a user's running XP total.
type UserProgress struct {
	UserID    string    `json:"userId"`
	XPTotal   int64     `json:"xpTotal"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// LevelForXP is the single level formula: floor(sqrt(xp/100)) + 1.
func LevelForXP(xp int64) int {
	if xp <= 0 {
		return 1
	}
	return int(math.Floor(math.Sqrt(float64(xp)/100))) + 1
}

// XPForLevel returns the XP at which level is reached.
func XPForLevel(level int) int64 {
	if level <= 1 {
		return 0
	}
	n := int64(level - 1)
	return 100 * n * n
}

// Store persists the reward ledger and progress totals.
type Store interface {
	GetByKey(ctx context.Context, userID, key string) (*LedgerEntry, error)
	// Record inserts e and, for awarded entries, adds its XP to the user's
	// total in the same transaction, filling e.NewTotal. When the
	// idempotency key already exists nothing changes and the stored entry is
	// returned with inserted false. A second awarded entry for the same
	// reference returns ErrAlreadyAwarded.
	Record(ctx context.Context, e *LedgerEntry) (stored *LedgerEntry, inserted bool, err error)
	// LastLocated returns the user's most recent awarded entry that carries
	// coordinates.
	LastLocated(ctx context.Context, userID string) (*LedgerEntry, error)
	// CountViolations counts the user's entries since the given time whose
	// suspicious score reached threshold.
	CountViolations(ctx context.Context, userID string, since time.Time, threshold int) (int, error)
	GetProgress(ctx context.Context, userID string) (*UserProgress, error)
	// Stats returns XP awarded and entries at or above threshold since.
	Stats(ctx context.Context, since time.Time, threshold int) (xpAwarded int64, cheating int, err error)
	ListEntries(ctx context.Context, userID string, limit int) ([]*LedgerEntry, error)
}

// EventEmitter receives screening notifications (admin live feed).
type EventEmitter interface {
	EmitRewardFlagged(e *LedgerEntry)
	EmitUserBanned(userID string, until time.Time)
}
