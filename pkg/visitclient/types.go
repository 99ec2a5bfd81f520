package visitclient

import (
	"fmt"
	"net/http"
	"time"

	"github.com/rutaquest/visitguard/internal/fingerprint"
	"github.com/rutaquest/visitguard/internal/gps"
)

// Sample is one GPS reading collected on the device.
type Sample = gps.Sample

// Fingerprint holds the client-reported device attributes.
type Fingerprint = fingerprint.Client

// Challenge is a single-use nonce bound to the caller.
type Challenge struct {
	ChallengeID string    `json:"challengeId"`
	Nonce       string    `json:"nonce"`
	IssuedAt    time.Time `json:"issuedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// ValidateRequest is a visit claim.
type ValidateRequest struct {
	POIID       string         `json:"poiId"`
	TagUID      string         `json:"tagUid"`
	ChallengeID string         `json:"challengeId"`
	Nonce       string         `json:"nonce"`
	Samples     []Sample       `json:"samples"`
	Fingerprint Fingerprint    `json:"fingerprint"`
	DeviceInfo  map[string]any `json:"deviceInfo,omitempty"`
}

// VisitResult is the server's verdict on a claim. Rejections are returned
// as results, not errors.
type VisitResult struct {
	IsValid      bool     `json:"isValid"`
	Outcome      string   `json:"outcome"`
	Confidence   int      `json:"confidence"`
	Flags        []string `json:"flags"`
	Reason       string   `json:"reason,omitempty"`
	AuditLogID   string   `json:"auditLogId"`
	VisitID      string   `json:"visitId,omitempty"`
	PointsEarned int      `json:"pointsEarned,omitempty"`
	XPEarned     int      `json:"xpEarned,omitempty"`
}

// Reward action types.
const (
	ActionVisitPOI        = "VISIT_POI"
	ActionDailyLogin      = "DAILY_LOGIN"
	ActionReviewPOI       = "REVIEW_POI"
	ActionProfileComplete = "PROFILE_COMPLETE"
	ActionShareRoute      = "SHARE_ROUTE"
)

// AwardRequest asks for XP. IdempotencyKey makes retries safe.
type AwardRequest struct {
	ActionType     string         `json:"actionType"`
	POIID          string         `json:"poiId,omitempty"`
	IdempotencyKey string         `json:"idempotencyKey"`
	Latitude       *float64       `json:"latitude,omitempty"`
	Longitude      *float64       `json:"longitude,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// AwardResult is the outcome of an award.
type AwardResult struct {
	EntryID         string `json:"entryId"`
	XPAwarded       int    `json:"xpAwarded"`
	NewTotal        int64  `json:"newTotal"`
	Level           int    `json:"level"`
	SuspiciousScore int    `json:"suspiciousScore"`
	Replayed        bool   `json:"replayed"`
}

// VisitOutcome is what Visit returns: the verdict and, when accepted, the
// award.
type VisitOutcome struct {
	Visit *VisitResult
	Award *AwardResult
}

// APIError is a non-2xx response from the API.
type APIError struct {
	StatusCode int
	Code       string        `json:"error"`
	Message    string        `json:"message"`
	Retryable  bool          `json:"retryable"`
	RetryAfter time.Duration `json:"-"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("visitguard: %d %s", e.StatusCode, e.Code)
	}
	return fmt.Sprintf("visitguard: %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Temporary reports whether the request may succeed if repeated.
func (e *APIError) Temporary() bool {
	return e.StatusCode >= http.StatusInternalServerError ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.Retryable
}
