package visits

import (
	"strconv"

	"github.com/rutaquest/visitguard/internal/fingerprint"
	"github.com/rutaquest/visitguard/internal/gps"
	"github.com/rutaquest/visitguard/internal/validation"
)

// Sample count bounds for one validation.
const (
	MinSamples = 3
	MaxSamples = 10
)

// ValidateRequest is one visit claim.
type ValidateRequest struct {
	UserID      string
	POIID       string
	TagUID      string
	ChallengeID string
	Nonce       string
	Samples     []gps.Sample
	Client      fingerprint.Client
	Server      fingerprint.Server
	DeviceInfo  map[string]any
	// SessionToken is the caller's bearer token; when set, an accepted
	// visit's position is attached to that session.
	SessionToken string
}

// Validate checks request shape. Failures here are input errors: no
// validation attempt happened and no audit record is written.
func (r *ValidateRequest) Validate() validation.ValidationErrors {
	checks := []func() *validation.ValidationError{
		validation.Required("poiId", r.POIID),
		validation.ValidID("poiId", r.POIID),
		validation.Required("tagUid", r.TagUID),
		validation.MaxLength("tagUid", r.TagUID, 256),
		validation.Required("challengeId", r.ChallengeID),
		validation.ValidID("challengeId", r.ChallengeID),
		validation.Required("nonce", r.Nonce),
		validation.MaxLength("nonce", r.Nonce, 128),
		validation.CountBetween("samples", len(r.Samples), MinSamples, MaxSamples),
	}
	for i, s := range r.Samples {
		field := "samples[" + strconv.Itoa(i) + "]"
		checks = append(checks,
			validation.Latitude(field+".latitude", s.Latitude),
			validation.Longitude(field+".longitude", s.Longitude),
			validation.NonNegative(field+".accuracy", s.Accuracy),
			positiveTimestamp(field+".timestamp", s.Timestamp),
		)
	}
	return validation.Validate(checks...)
}

func positiveTimestamp(field string, ms int64) func() *validation.ValidationError {
	return func() *validation.ValidationError {
		if ms <= 0 {
			return &validation.ValidationError{Field: field, Message: "must be a unix millisecond timestamp"}
		}
		return nil
	}
}
