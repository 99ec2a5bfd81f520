// Package sessions keeps an append-only log of session activity, flags
// anomalous patterns, and handles revocation. The suspicious-session count
// it reports is a risk input to visit validation.
package sessions

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("sessions: not found")
	ErrInvalidAction = errors.New("sessions: invalid action")
)

// Actions recorded in the session log.
const (
	ActionLogin   = "LOGIN"
	ActionRefresh = "REFRESH"
	ActionLogout  = "LOGOUT"
	ActionRevoke  = "REVOKE"
	ActionAnomaly = "ANOMALY"
)

// Anomaly flags.
const (
	FlagConcurrentDistantSession = "CONCURRENT_DISTANT_SESSION"
	FlagRapidSessionChurn        = "RAPID_SESSION_CHURN"
)

// Session is the current state of one session token.
type Session struct {
	Hash         string     `json:"-"`
	UserID       string     `json:"userId"`
	IP           string     `json:"ip"`
	Latitude     *float64   `json:"latitude,omitempty"`
	Longitude    *float64   `json:"longitude,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	LastSeenAt   time.Time  `json:"lastSeenAt"`
	RevokedAt    *time.Time `json:"revokedAt,omitempty"`
	RevokeReason string     `json:"revokeReason,omitempty"`
}

// Revoked reports whether the session has been revoked.
func (s *Session) Revoked() bool { return s.RevokedAt != nil }

// LogEntry is one append-only session log row.
type LogEntry struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	SessionHash string    `json:"-"`
	Action      string    `json:"action"`
	Flags       []string  `json:"flags"`
	Suspicious  bool      `json:"suspicious"`
	IP          string    `json:"ip,omitempty"`
	Latitude    *float64  `json:"latitude,omitempty"`
	Longitude   *float64  `json:"longitude,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Risk summarizes recent suspicious activity for a user.
type Risk struct {
	SuspiciousSessionCount int      `json:"suspiciousSessionCount"`
	LastFlags              []string `json:"lastFlags"`
}

// LogRequest is the input to Tracker.Log.
type LogRequest struct {
	UserID    string
	Token     string
	Action    string
	Flags     []string // client-reported signals, recorded as given
	IP        string
	Latitude  *float64
	Longitude *float64
	Reason    string
}

// Store persists sessions and the session log.
type Store interface {
	// UpsertSession inserts a session or refreshes last-seen, IP and
	// location. It never clears a revocation.
	UpsertSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, hash string) (*Session, error)
	// ListLive returns the user's unrevoked sessions seen at or after since.
	ListLive(ctx context.Context, userID string, since time.Time) ([]*Session, error)
	// RevokeSession returns the owning user and whether anything changed.
	RevokeSession(ctx context.Context, hash, reason string, at time.Time) (userID string, changed bool, err error)
	// RevokeUser revokes every live session of a user and returns how many.
	RevokeUser(ctx context.Context, userID, reason string, at time.Time) (int, error)

	Append(ctx context.Context, e *LogEntry) error
	CountActions(ctx context.Context, userID, action string, since time.Time) (int, error)
	// Suspicious returns the number of suspicious log entries since the
	// given time and the flags of the latest one.
	Suspicious(ctx context.Context, userID string, since time.Time) (int, []string, error)

	// CountActive and CountSuspicious aggregate across all users.
	CountActive(ctx context.Context, since time.Time) (int, error)
	CountSuspicious(ctx context.Context, since time.Time) (int, error)
}

// EventEmitter receives anomaly notifications (admin live feed).
type EventEmitter interface {
	EmitSessionAnomaly(userID string, flags []string, ip string)
}
