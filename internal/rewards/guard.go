package rewards

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/rutaquest/visitguard/internal/gps"
	"github.com/rutaquest/visitguard/internal/idgen"
	"github.com/rutaquest/visitguard/internal/metrics"
	"github.com/rutaquest/visitguard/internal/ratelimit"
	"github.com/rutaquest/visitguard/internal/syncutil"
	"github.com/rutaquest/visitguard/internal/traces"
	"github.com/rutaquest/visitguard/internal/validation"
	"github.com/rutaquest/visitguard/internal/visits"
)

// Suspicious-score tuning.
const (
	MaxJourneyKmh = 300.0

	journeyBase      = 50
	journeyPerDouble = 10
	journeyCap       = 80
	// journeyNoiseMeters is subtracted from the distance between awards so
	// GPS jitter between back-to-back awards does not read as travel.
	journeyNoiseMeters = 100.0

	ratePressureRatio = 0.8
	ratePressureScore = 20

	priorViolationScore = 10
	priorViolationCap   = 30

	// ViolationScore counts an award as a violation.
	ViolationScore = 50
	// RejectScore rejects the award outright.
	RejectScore = 70
	// BanAfterViolations within ViolationWindow triggers a ban.
	BanAfterViolations = 3
	ViolationWindow    = 24 * time.Hour

	DefaultRateLimit   = 10
	DefaultRateWindow  = time.Minute
	DefaultBanDuration = time.Hour
)

// Limiter is the counter store used for windows and bans, along with its
// outage policy.
type Limiter interface {
	ratelimit.Counter
	FailOpen() bool
}

// VisitLookup finds the accepted visit behind a VISIT_POI award.
type VisitLookup interface {
	GetVisit(ctx context.Context, userID, poiID string) (*visits.Visit, error)
}

// Guard issues awards.
type Guard struct {
	store   Store
	visits  VisitLookup
	limiter Limiter
	locks   *syncutil.KeyedMutex
	events  EventEmitter
	logger  *slog.Logger

	rateLimit   int
	rateWindow  time.Duration
	banDuration time.Duration
	now         func() time.Time
}

// NewGuard creates a reward guard with default limits.
func NewGuard(store Store, lookup VisitLookup, limiter Limiter, logger *slog.Logger) *Guard {
	return &Guard{
		store:       store,
		visits:      lookup,
		limiter:     limiter,
		locks:       syncutil.NewKeyedMutex(),
		logger:      logger,
		rateLimit:   DefaultRateLimit,
		rateWindow:  DefaultRateWindow,
		banDuration: DefaultBanDuration,
		now:         time.Now,
	}
}

// WithRateLimit sets the per-user sliding window.
func (g *Guard) WithRateLimit(n int, window time.Duration) *Guard {
	if n > 0 && window > 0 {
		g.rateLimit, g.rateWindow = n, window
	}
	return g
}

// WithBanDuration sets how long escalated users are banned.
func (g *Guard) WithBanDuration(d time.Duration) *Guard {
	if d > 0 {
		g.banDuration = d
	}
	return g
}

// WithEvents adds a screening event emitter.
func (g *Guard) WithEvents(e EventEmitter) *Guard {
	g.events = e
	return g
}

// Store returns the guard's ledger store.
func (g *Guard) Store() Store { return g.store }

func banKey(userID string) string    { return "award-ban:" + userID }
func windowKey(userID string) string { return "award:" + userID }
func violKey(userID string) string   { return "award-viol:" + userID }

// Validate checks request shape.
func (r *AwardRequest) Validate() validation.ValidationErrors {
	checks := []func() *validation.ValidationError{
		validation.Required("actionType", r.ActionType),
		validation.Required("idempotencyKey", r.IdempotencyKey),
		validation.ValidID("idempotencyKey", r.IdempotencyKey),
		validation.ValidID("poiId", r.POIID),
	}
	if r.Latitude != nil {
		checks = append(checks, validation.Latitude("latitude", *r.Latitude))
	}
	if r.Longitude != nil {
		checks = append(checks, validation.Longitude("longitude", *r.Longitude))
	}
	if (r.Latitude == nil) != (r.Longitude == nil) {
		checks = append(checks, func() *validation.ValidationError {
			return &validation.ValidationError{Field: "longitude", Message: "latitude and longitude must be sent together"}
		})
	}
	return validation.Validate(checks...)
}

// Award grants XP for one action. Replays of a known idempotency key return
// the stored result with Replayed set. ErrSuspicious comes back with a
// result describing the recorded rejection.
func (g *Guard) Award(ctx context.Context, req AwardRequest) (*AwardResult, error) {
	if errs := req.Validate(); len(errs) > 0 {
		return nil, errs
	}

	ctx, span := traces.StartSpan(ctx, "rewards.Award", traces.UserID(req.UserID), traces.ActionType(req.ActionType))
	defer span.End()

	res, result, err := g.award(ctx, req)
	metrics.RewardsTotal.WithLabelValues(result).Inc()
	if err != nil && result == "error" {
		traces.Fail(span, err)
	}
	return res, err
}

func (g *Guard) award(ctx context.Context, req AwardRequest) (*AwardResult, string, error) {
	// Serialize a user's awards so the window count, journey check and
	// ledger insert see each other's effects.
	unlock, err := g.locks.Lock(ctx, req.UserID)
	if err != nil {
		return nil, "error", err
	}
	defer unlock()

	now := g.now().UTC()

	// Idempotency fast path. A retry of an already recorded award replays
	// its original outcome even if the user has been banned since.
	prior, err := g.store.GetByKey(ctx, req.UserID, req.IdempotencyKey)
	if err == nil {
		return g.replay(prior)
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, "error", fmt.Errorf("look up idempotency key: %w", err)
	}

	// Ban.
	remaining, err := g.limiter.BanRemaining(ctx, banKey(req.UserID))
	if err != nil {
		if !g.failOpen(ctx, "ban", err) {
			return nil, "error", ErrUnavailable
		}
	} else if remaining > 0 {
		return nil, "banned", &BanError{RetryAfter: remaining}
	}

	// Sliding window.
	count, err := g.limiter.Hit(ctx, windowKey(req.UserID), g.rateWindow, now)
	if err != nil {
		if !g.failOpen(ctx, "rate_limit", err) {
			return nil, "error", ErrUnavailable
		}
		count = 0
	}
	if count > int64(g.rateLimit) {
		return nil, "rate_limited", &RateLimitError{RetryAfter: g.rateWindow}
	}

	// XP.
	basis, err := g.resolveXP(ctx, req, now)
	if err != nil {
		if errors.Is(err, ErrUnknownAction) || errors.Is(err, ErrVisitRequired) {
			return nil, "rejected", err
		}
		return nil, "error", err
	}

	// Suspicion.
	score, detail, err := g.suspiciousScore(ctx, req.UserID, basis, now, count)
	if err != nil {
		return nil, "error", err
	}

	entry := &LedgerEntry{
		ID:              idgen.WithPrefix("rwd_"),
		UserID:          req.UserID,
		ActionType:      req.ActionType,
		POIID:           req.POIID,
		IdempotencyKey:  req.IdempotencyKey,
		Reference:       basis.reference,
		XPAwarded:       basis.xp,
		SuspiciousScore: score,
		Status:          StatusAwarded,
		Latitude:        basis.lat,
		Longitude:       basis.lon,
		Metadata:        validation.SanitizeMetadata(req.Metadata),
		CreatedAt:       now,
	}
	if len(detail) > 0 {
		if entry.Metadata == nil {
			entry.Metadata = map[string]any{}
		}
		entry.Metadata["screening"] = detail
	}
	if score >= RejectScore {
		entry.Status = StatusRejected
		entry.XPAwarded = 0
		entry.Reference = ""
	}

	stored, inserted, err := g.store.Record(ctx, entry)
	if errors.Is(err, ErrAlreadyAwarded) {
		return nil, "duplicate", err
	}
	if err != nil {
		return nil, "error", fmt.Errorf("record award: %w", err)
	}
	if !inserted {
		return g.replay(stored)
	}
	if stored.SuspiciousScore >= ViolationScore {
		g.recordViolation(ctx, req.UserID, now)
		if g.events != nil {
			g.events.EmitRewardFlagged(stored)
		}
	}

	if stored.Status == StatusRejected {
		g.logger.Warn("award rejected as suspicious",
			"user_id", req.UserID, "action_type", req.ActionType, "suspicious_score", score)
		return stored.result(false), "rejected", ErrSuspicious
	}

	metrics.XPAwardedTotal.Add(float64(stored.XPAwarded))
	return stored.result(false), "awarded", nil
}

func (g *Guard) replay(e *LedgerEntry) (*AwardResult, string, error) {
	if e.Status == StatusRejected {
		return e.result(true), "replayed", ErrSuspicious
	}
	return e.result(true), "replayed", nil
}

// failOpen applies the outage policy and reports whether to continue.
func (g *Guard) failOpen(ctx context.Context, check string, err error) bool {
	if !g.limiter.FailOpen() {
		g.logger.Error("counter store unavailable, failing closed", "check", check, "error", err)
		return false
	}
	metrics.FailOpenTotal.WithLabelValues(check).Inc()
	g.logger.Warn("counter store unavailable, failing open", "check", check, "error", err)
	return true
}

// awardBasis is what the server resolved for a request: the XP it is worth,
// the reference that makes it unique, and where the user was.
type awardBasis struct {
	xp        int
	reference string
	lat, lon  *float64
}

// resolveXP prices the action. VISIT_POI is located at the validated
// visit; whatever the client reports is ignored. Other actions carry the
// client's coordinates when both are present.
func (g *Guard) resolveXP(ctx context.Context, req AwardRequest, now time.Time) (awardBasis, error) {
	reported := awardBasis{lat: req.Latitude, lon: req.Longitude}
	switch req.ActionType {
	case ActionVisitPOI:
		if req.POIID == "" {
			return awardBasis{}, ErrVisitRequired
		}
		v, err := g.visits.GetVisit(ctx, req.UserID, req.POIID)
		if errors.Is(err, visits.ErrVisitNotFound) {
			return awardBasis{}, ErrVisitRequired
		}
		if err != nil {
			return awardBasis{}, fmt.Errorf("look up visit: %w", err)
		}
		lat, lon := v.Latitude, v.Longitude
		return awardBasis{xp: v.XPEarned, reference: "visit:" + v.ID, lat: &lat, lon: &lon}, nil
	case ActionDailyLogin:
		reported.xp, reported.reference = CatalogXP[req.ActionType], "daily_login:"+now.Format("2006-01-02")
		return reported, nil
	case ActionReviewPOI:
		if req.POIID == "" {
			return awardBasis{}, fmt.Errorf("%w: %s requires poiId", ErrUnknownAction, req.ActionType)
		}
		reported.xp, reported.reference = CatalogXP[req.ActionType], "review:"+req.POIID
		return reported, nil
	case ActionProfileComplete:
		reported.xp, reported.reference = CatalogXP[req.ActionType], "profile_complete"
		return reported, nil
	case ActionShareRoute:
		reported.xp = CatalogXP[req.ActionType]
		return reported, nil
	default:
		return awardBasis{}, fmt.Errorf("%w: %q", ErrUnknownAction, req.ActionType)
	}
}

// suspiciousScore combines journey speed, rate pressure and prior
// violations into a 0-100 score.
func (g *Guard) suspiciousScore(ctx context.Context, userID string, basis awardBasis, now time.Time, windowCount int64) (int, map[string]any, error) {
	detail := map[string]any{}
	score := 0

	if basis.lat != nil && basis.lon != nil {
		prev, err := g.store.LastLocated(ctx, userID)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return 0, nil, fmt.Errorf("load previous award: %w", err)
		default:
			kmh := journeySpeedKmh(*prev.Latitude, *prev.Longitude, *basis.lat, *basis.lon, now.Sub(prev.CreatedAt))
			if s := JourneyScore(kmh); s > 0 {
				score += s
				detail["journeyKmh"] = math.Round(kmh)
				detail["previousEntryId"] = prev.ID
			}
		}
	}

	if float64(windowCount) >= ratePressureRatio*float64(g.rateLimit) {
		score += ratePressureScore
		detail["windowCount"] = windowCount
	}

	prior, err := g.store.CountViolations(ctx, userID, now.Add(-ViolationWindow), ViolationScore)
	if err != nil {
		return 0, nil, fmt.Errorf("count violations: %w", err)
	}
	if prior > 0 {
		score += min(prior*priorViolationScore, priorViolationCap)
		detail["priorViolations"] = prior
	}

	return max(0, min(score, 100)), detail, nil
}

func journeySpeedKmh(lat1, lon1, lat2, lon2 float64, elapsed time.Duration) float64 {
	meters := gps.Haversine(lat1, lon1, lat2, lon2) - journeyNoiseMeters
	if meters <= 0 {
		return 0
	}
	if elapsed <= 0 {
		return math.Inf(1)
	}
	return (meters / 1000) / elapsed.Hours()
}

// JourneyScore maps an implied travel speed to a suspicion score: zero at or
// below MaxJourneyKmh, then journeyBase plus journeyPerDouble for every
// doubling, capped at journeyCap.
func JourneyScore(kmh float64) int {
	if kmh <= MaxJourneyKmh {
		return 0
	}
	if math.IsInf(kmh, 1) {
		return journeyCap
	}
	doublings := int(math.Floor(math.Log2(kmh / MaxJourneyKmh)))
	return min(journeyBase+journeyPerDouble*doublings, journeyCap)
}

// recordViolation counts a violation and bans the user once the count
// reaches BanAfterViolations. Counter failures are logged; the ledger
// still records the score.
func (g *Guard) recordViolation(ctx context.Context, userID string, now time.Time) {
	n, err := g.limiter.Incr(ctx, violKey(userID), ViolationWindow)
	if err != nil {
		g.logger.Warn("failed to count award violation", "user_id", userID, "error", err)
		return
	}
	if n < BanAfterViolations {
		return
	}
	if err := g.limiter.Ban(ctx, banKey(userID), g.banDuration); err != nil {
		g.logger.Error("failed to ban user", "user_id", userID, "error", err)
		return
	}
	metrics.BansIssuedTotal.Inc()
	if g.events != nil {
		g.events.EmitUserBanned(userID, now.Add(g.banDuration))
	}
	g.logger.Warn("user temporarily banned from awards",
		"user_id", userID, "violations", n, "until", now.Add(g.banDuration))
}

// Progress returns a user's XP total.
func (g *Guard) Progress(ctx context.Context, userID string) (*UserProgress, error) {
	return g.store.GetProgress(ctx, userID)
}
