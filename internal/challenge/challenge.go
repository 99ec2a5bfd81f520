// Package challenge issues short-lived, single-use nonces that bind a visit
// attempt to a time window and a user, so a captured claim cannot be
// replayed.
package challenge

import (
	"context"
	"errors"
	"time"
)

// Consume failures. Each maps to a stable internal code kept in the audit
// trail; callers show the user one generic message for all of them.
var (
	ErrNotFound      = errors.New("challenge: not found")
	ErrExpired       = errors.New("challenge: expired")
	ErrAlreadyUsed   = errors.New("challenge: already used")
	ErrUserMismatch  = errors.New("challenge: issued to another user")
	ErrNonceMismatch = errors.New("challenge: nonce mismatch")
)

// Internal codes.
const (
	CodeNotFound      = "CHALLENGE_NOT_FOUND"
	CodeExpired       = "CHALLENGE_EXPIRED"
	CodeAlreadyUsed   = "CHALLENGE_ALREADY_USED"
	CodeUserMismatch  = "CHALLENGE_USER_MISMATCH"
	CodeNonceMismatch = "CHALLENGE_NONCE_MISMATCH"
)

const (
	DefaultTTL = 60 * time.Second
	IDPrefix   = "chl_"
	nonceBytes = 32
)

// Challenge is a single-use nonce issued to one user.
type Challenge struct {
	ID        string    `json:"challengeId"`
	UserID    string    `json:"userId"`
	Nonce     string    `json:"nonce"` // 64 lowercase hex chars
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Store persists challenges.
//
// Take must be atomic: of any number of concurrent Take calls for one id,
// exactly one returns the challenge. Later calls return ErrAlreadyUsed for
// as long as the store remembers the id, ErrNotFound afterwards.
type Store interface {
	Create(ctx context.Context, ch *Challenge) error
	Take(ctx context.Context, id string) (*Challenge, error)
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// Code returns the internal code for a consume error, or "" when err is
// not a challenge rejection (e.g. a storage failure).
func Code(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrExpired):
		return CodeExpired
	case errors.Is(err, ErrAlreadyUsed):
		return CodeAlreadyUsed
	case errors.Is(err, ErrUserMismatch):
		return CodeUserMismatch
	case errors.Is(err, ErrNonceMismatch):
		return CodeNonceMismatch
	default:
		return ""
	}
}

// IsRejection reports whether err means the challenge is invalid, as
// opposed to the store being unavailable.
func IsRejection(err error) bool {
	return Code(err) != ""
}
