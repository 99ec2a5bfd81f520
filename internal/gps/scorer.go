package gps

import (
	"math"
	"time"
)

const (
	DefaultAccuracyCeiling  = 100.0       // meters; worse fixes are down-weighted
	DefaultMaxSpeedMps      = 300.0 / 3.6 // 300 km/h
	DefaultClusterThreshold = 200 * time.Millisecond
	DefaultWindowSlack      = 30 * time.Second
	DefaultProximitySamples = 3

	lowAccuracyWeight = 0.5
)

// Window bounds the timestamps a sample sequence may carry. Zero IssuedAt
// disables the window check.
type Window struct {
	IssuedAt time.Time
	Now      time.Time
}

// Scorer applies independent checks to a sample sequence. Each raised flag
// deducts a fixed penalty from 100.
type Scorer struct {
	accuracyCeiling  float64
	maxSpeedMps      float64
	clusterThreshold time.Duration
	windowSlack      time.Duration
	proximitySamples int
}

// NewScorer creates a scorer with default bounds.
func NewScorer() *Scorer {
	return &Scorer{
		accuracyCeiling:  DefaultAccuracyCeiling,
		maxSpeedMps:      DefaultMaxSpeedMps,
		clusterThreshold: DefaultClusterThreshold,
		windowSlack:      DefaultWindowSlack,
		proximitySamples: DefaultProximitySamples,
	}
}

// WithMaxSpeed overrides the velocity bound (meters per second).
func (s *Scorer) WithMaxSpeed(mps float64) *Scorer {
	s.maxSpeedMps = mps
	return s
}

// WithAccuracyCeiling overrides the accuracy ceiling in meters.
func (s *Scorer) WithAccuracyCeiling(meters float64) *Scorer {
	s.accuracyCeiling = meters
	return s
}

// Score evaluates samples against target. Flags are listed in a fixed
// order so audit records compare cleanly.
func (s *Scorer) Score(target Point, thresholdMeters float64, samples []Sample, win Window) Report {
	r := Report{Flags: []string{}, Distances: make([]float64, len(samples))}
	if len(samples) == 0 {
		return r
	}

	for i, smp := range samples {
		r.Distances[i] = Haversine(smp.Latitude, smp.Longitude, target.Latitude, target.Longitude)
		if smp.Accuracy > s.accuracyCeiling {
			r.LowAccuracyCount++
		}
	}

	if !s.checkProximity(&r, samples, thresholdMeters) {
		r.Flags = append(r.Flags, FlagOutOfRange)
	}
	if r.LowAccuracyCount*2 > len(samples) {
		r.Flags = append(r.Flags, FlagLowAccuracy)
	}
	if s.checkVelocity(&r, samples) {
		r.Flags = append(r.Flags, FlagImpossibleSpeed)
	}
	if s.suspiciousTiming(samples, win) {
		r.Flags = append(r.Flags, FlagSuspiciousTiming)
	}
	if staticCoordinates(samples) {
		r.Flags = append(r.Flags, FlagStaticCoordinates)
	}

	score := 100
	for _, f := range r.Flags {
		score -= Penalties[f]
	}
	if score < 0 {
		score = 0
	}
	r.Score = score
	return r
}

// checkProximity weighs the most recent samples; a fix worse than the
// accuracy ceiling counts half. Passes when the within-range weight is at
// least half of the total.
func (s *Scorer) checkProximity(r *Report, samples []Sample, threshold float64) bool {
	start := len(samples) - s.proximitySamples
	if start < 0 {
		start = 0
	}

	var within, total float64
	for i := start; i < len(samples); i++ {
		w := 1.0
		if samples[i].Accuracy > s.accuracyCeiling {
			w = lowAccuracyWeight
		}
		total += w
		if r.Distances[i] <= threshold {
			within += w
			r.WithinCount++
		} else {
			r.OutOfRangeCount++
		}
	}
	return within >= total/2
}

// checkVelocity flags implied speeds between consecutive samples above the
// bound. Speed uses the raw distance between fixes. Only fixes sharing a
// timestamp get an accuracy allowance, and it never exceeds the accuracy
// ceiling, so a client cannot widen it by reporting poor accuracy.
func (s *Scorer) checkVelocity(r *Report, samples []Sample) bool {
	flagged := false
	for _, smp := range samples {
		if smp.Speed != nil && *smp.Speed > s.maxSpeedMps {
			flagged = true
		}
	}

	for i := 1; i < len(samples); i++ {
		prev, cur := samples[i-1], samples[i]
		meters := Haversine(prev.Latitude, prev.Longitude, cur.Latitude, cur.Longitude)
		if meters <= 0 {
			continue
		}

		dtMs := cur.Timestamp - prev.Timestamp
		if dtMs < 0 {
			dtMs = -dtMs
		}
		if dtMs == 0 {
			if meters > s.noiseAllowance(prev, cur) {
				r.InstantJumps++
				flagged = true
			}
			continue
		}

		speed := meters / (float64(dtMs) / 1000)
		if speed > r.MaxSpeedMps {
			r.MaxSpeedMps = speed
		}
		if speed > s.maxSpeedMps {
			flagged = true
		}
	}
	return flagged
}

// noiseAllowance is the larger accuracy radius of the pair, capped at the
// ceiling. A fix beyond the ceiling earns no allowance at all.
func (s *Scorer) noiseAllowance(a, b Sample) float64 {
	if a.Accuracy > s.accuracyCeiling || b.Accuracy > s.accuracyCeiling {
		return 0
	}
	return math.Max(a.Accuracy, b.Accuracy)
}

func (s *Scorer) suspiciousTiming(samples []Sample, win Window) bool {
	minTs, maxTs := samples[0].Timestamp, samples[0].Timestamp
	for i, smp := range samples {
		if i > 0 && smp.Timestamp < samples[i-1].Timestamp {
			return true
		}
		minTs = min(minTs, smp.Timestamp)
		maxTs = max(maxTs, smp.Timestamp)
	}

	// batch-submitted fixes share (almost) one instant
	if len(samples) > 1 && time.Duration(maxTs-minTs)*time.Millisecond < s.clusterThreshold {
		return true
	}

	if !win.IssuedAt.IsZero() {
		lo := win.IssuedAt.Add(-s.windowSlack).UnixMilli()
		hi := win.Now.Add(s.windowSlack).UnixMilli()
		if minTs < lo || maxTs > hi {
			return true
		}
	}
	return false
}

// staticCoordinates reports bit-identical positions across every sample.
// Real receivers jitter in the low decimal places.
func staticCoordinates(samples []Sample) bool {
	if len(samples) < 2 {
		return false
	}
	lat := math.Float64bits(samples[0].Latitude)
	lon := math.Float64bits(samples[0].Longitude)
	for _, smp := range samples[1:] {
		if math.Float64bits(smp.Latitude) != lat || math.Float64bits(smp.Longitude) != lon {
			return false
		}
	}
	return true
}
