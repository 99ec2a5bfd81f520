// Package gps scores a short sequence of location samples for physical
// plausibility relative to a point of interest.
package gps

import (
	"errors"
	"math"
)

// Flag identifiers. These strings are persisted in audit records and must
// stay stable.
const (
	FlagOutOfRange        = "OUT_OF_RANGE"
	FlagLowAccuracy       = "LOW_ACCURACY"
	FlagImpossibleSpeed   = "IMPOSSIBLE_SPEED"
	FlagSuspiciousTiming  = "SUSPICIOUS_TIMING"
	FlagStaticCoordinates = "STATIC_COORDINATES"
)

// Penalties deducted from 100 per raised flag.
var Penalties = map[string]int{
	FlagOutOfRange:        60,
	FlagImpossibleSpeed:   40,
	FlagStaticCoordinates: 35,
	FlagSuspiciousTiming:  20,
	FlagLowAccuracy:       15,
}

// ErrInsufficientSamples is returned by Collect when fewer than the minimum
// number of samples arrived before the wait ended.
var ErrInsufficientSamples = errors.New("gps: insufficient samples")

// Sample is a single location fix as reported by the device.
type Sample struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Accuracy  float64  `json:"accuracy"` // meters, 68% radius
	Altitude  *float64 `json:"altitude,omitempty"`
	Speed     *float64 `json:"speed,omitempty"` // m/s as reported by the device
	Heading   *float64 `json:"heading,omitempty"`
	Timestamp int64    `json:"timestamp"` // unix milliseconds
}

// Point is a bare coordinate.
type Point struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Report is the outcome of scoring a sample sequence.
type Report struct {
	Score            int       `json:"score"`
	Flags            []string  `json:"flags"`
	Distances        []float64 `json:"distances"` // meters from target, per sample
	WithinCount      int       `json:"withinCount"`
	OutOfRangeCount  int       `json:"outOfRangeCount"`
	LowAccuracyCount int       `json:"lowAccuracyCount"`
	MaxSpeedMps      float64   `json:"maxSpeedMps"`
	InstantJumps     int       `json:"instantJumps"` // movement with no elapsed time
}

// HasFlag reports whether flag was raised.
func (r Report) HasFlag(flag string) bool {
	for _, f := range r.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

const earthRadiusMeters = 6371000.0

// Haversine returns the great-circle distance in meters between two
// coordinates given in degrees.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	rlat1 := lat1 * math.Pi / 180
	rlat2 := lat2 * math.Pi / 180
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rlat1)*math.Cos(rlat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusMeters * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// Distance is Haversine over two points.
func Distance(a, b Point) float64 {
	return Haversine(a.Latitude, a.Longitude, b.Latitude, b.Longitude)
}
