// Package fingerprint builds device fingerprints from client-reported
// attributes and request headers, and scores how alike two fingerprints are.
//
// A fingerprint is a soft signal. IPs rotate on mobile networks and browsers
// update, so similarity is weighted rather than all-or-nothing.
package fingerprint

import (
	"context"
	"time"
)

// FlagDeviceChanged is raised when a claim comes from a device unlike any
// the user has recently been seen on.
const FlagDeviceChanged = "DEVICE_CHANGED"

const (
	// MaxRemembered is how many recent fingerprints are kept per user.
	MaxRemembered = 5

	// ChangedThreshold is the best-match similarity below which a device
	// counts as changed.
	ChangedThreshold = 0.6
)

// Client holds attributes reported by the browser or app.
type Client struct {
	ScreenResolution    string `json:"screenResolution"` // "1170x2532"
	Timezone            string `json:"timezone"`         // IANA name or minutes offset
	Language            string `json:"language"`
	Platform            string `json:"platform"`
	CookiesEnabled      bool   `json:"cookiesEnabled"`
	HardwareConcurrency *int   `json:"hardwareConcurrency,omitempty"`
	ColorDepth          *int   `json:"colorDepth,omitempty"`
}

// Server holds attributes observed on the request itself.
type Server struct {
	UserAgent      string `json:"userAgent"`
	IP             string `json:"ip"`
	AcceptLanguage string `json:"acceptLanguage"`
}

// DeviceFingerprint is the combined, normalized fingerprint.
type DeviceFingerprint struct {
	Client Client `json:"client"`
	Server Server `json:"server"`
	Hash   string `json:"hash"`
}

// Record is a remembered fingerprint.
type Record struct {
	Fingerprint DeviceFingerprint `json:"fingerprint"`
	FirstSeen   time.Time         `json:"firstSeen"`
	LastSeen    time.Time         `json:"lastSeen"`
}

// Store keeps the most recent fingerprints per user. Remembering a hash the
// user already has refreshes LastSeen instead of adding a row.
type Store interface {
	Recent(ctx context.Context, userID string, limit int) ([]*Record, error)
	Remember(ctx context.Context, userID string, fp DeviceFingerprint, at time.Time) error
}
