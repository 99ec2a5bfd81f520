package visits

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/rutaquest/visitguard/internal/challenge"
	"github.com/rutaquest/visitguard/internal/fingerprint"
	"github.com/rutaquest/visitguard/internal/gps"
	"github.com/rutaquest/visitguard/internal/idgen"
	"github.com/rutaquest/visitguard/internal/logging"
	"github.com/rutaquest/visitguard/internal/metrics"
	"github.com/rutaquest/visitguard/internal/retry"
	"github.com/rutaquest/visitguard/internal/sessions"
	"github.com/rutaquest/visitguard/internal/traces"
)

// Confidence weights.
const (
	WeightGPS         = 0.70
	WeightFingerprint = 0.15
	WeightSession     = 0.15

	// sessionPenalty is deducted from the session sub-score per suspicious
	// session in the risk window.
	sessionPenalty = 25

	// outOfRangeHardMin is the number of out-of-range samples at which
	// OUT_OF_RANGE becomes a hard reject.
	outOfRangeHardMin = 2

	DefaultMinConfidence   = 50
	DefaultProximityMeters = 50.0
)

// User-facing reasons. They are deliberately coarse; the audit record
// keeps the specific cause.
const (
	ReasonChallenge      = "Visit verification failed. Please request a new challenge and try again."
	ReasonRejected       = "Visit could not be verified."
	ReasonAlreadyVisited = "You have already visited this place."
	ReasonUnavailable    = "Verification temporarily unavailable. Please retry."
)

// ChallengeConsumer burns a challenge and returns it if it was valid.
type ChallengeConsumer interface {
	Consume(ctx context.Context, userID, id, nonce string) (*challenge.Challenge, error)
}

// RiskSource reports recent suspicious session activity.
type RiskSource interface {
	IsSuspicious(ctx context.Context, userID string) (*sessions.Risk, error)
}

// Result is the outcome of one validation.
type Result struct {
	IsValid      bool     `json:"isValid"`
	Outcome      string   `json:"outcome"`
	Confidence   int      `json:"confidence"`
	Flags        []string `json:"flags"`
	Reason       string   `json:"reason,omitempty"`
	AuditLogID   string   `json:"auditLogId"`
	VisitID      string   `json:"visitId,omitempty"`
	PointsEarned int      `json:"pointsEarned,omitempty"`
	XPEarned     int      `json:"xpEarned,omitempty"`
	Retryable    bool     `json:"retryable,omitempty"`
}

// Engine runs the validation pipeline.
type Engine struct {
	store        Store
	challenges   ChallengeConsumer
	fingerprints fingerprint.Store
	risk         RiskSource
	scorer       *gps.Scorer
	events       EventEmitter
	locations    LocationRecorder
	logger       *slog.Logger

	minConfidence    int
	defaultProximity float64
	auditRetry       retry.Policy
	now              func() time.Time
}

// NewEngine creates a validation engine.
func NewEngine(store Store, challenges ChallengeConsumer, fingerprints fingerprint.Store, risk RiskSource, logger *slog.Logger) *Engine {
	return &Engine{
		store:            store,
		challenges:       challenges,
		fingerprints:     fingerprints,
		risk:             risk,
		scorer:           gps.NewScorer(),
		logger:           logger,
		minConfidence:    DefaultMinConfidence,
		defaultProximity: DefaultProximityMeters,
		auditRetry:       retry.AuditWrites,
		now:              time.Now,
	}
}

// WithMinConfidence sets the acceptance threshold.
func (e *Engine) WithMinConfidence(n int) *Engine {
	e.minConfidence = n
	return e
}

// WithDefaultProximity sets the threshold used for POIs without their own.
func (e *Engine) WithDefaultProximity(meters float64) *Engine {
	if meters > 0 {
		e.defaultProximity = meters
	}
	return e
}

// WithScorer replaces the GPS scorer.
func (e *Engine) WithScorer(s *gps.Scorer) *Engine {
	e.scorer = s
	return e
}

// WithEvents adds an event emitter for validation outcomes.
func (e *Engine) WithEvents(em EventEmitter) *Engine {
	e.events = em
	return e
}

// WithLocations feeds accepted visit positions back to the session tracker.
func (e *Engine) WithLocations(r LocationRecorder) *Engine {
	e.locations = r
	return e
}

// Store returns the engine's store.
func (e *Engine) Store() Store { return e.store }

// attempt carries per-call state through the stages.
type attempt struct {
	req    ValidateRequest
	audit  *AuditRecord
	result *Result
	flags  []string
	detail map[string]any
}

func (v *attempt) flag(f string) {
	for _, existing := range v.flags {
		if existing == f {
			return
		}
	}
	v.flags = append(v.flags, f)
}

// Validate runs every stage and writes one audit record. Input errors are
// returned as validation.ValidationErrors with no audit. Trust rejections
// are a Result with IsValid false and a nil error. Infrastructure failures
// return a Result with outcome "error" together with the cause.
func (e *Engine) Validate(ctx context.Context, req ValidateRequest) (*Result, error) {
	if req.UserID == "" {
		return nil, ErrUnauthenticated
	}
	if errs := req.Validate(); len(errs) > 0 {
		return nil, errs
	}

	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "visits.Validate",
		traces.UserID(req.UserID), traces.POIID(req.POIID), traces.ChallengeID(req.ChallengeID))
	defer span.End()

	v := &attempt{
		req:    req,
		detail: map[string]any{},
		audit: &AuditRecord{
			ID:          idgen.WithPrefix("aud_"),
			UserID:      req.UserID,
			POIID:       req.POIID,
			ChallengeID: req.ChallengeID,
			ClientIP:    req.Server.IP,
		},
	}
	if len(req.DeviceInfo) > 0 {
		v.detail["deviceInfo"] = req.DeviceInfo
	}
	span.SetAttributes(traces.AuditID(v.audit.ID))

	err := e.run(ctx, v)
	if err != nil {
		traces.Fail(span, err)
		logging.L(ctx).Error("visit validation failed", "audit_id", v.audit.ID, "poi_id", req.POIID, "error", err)
		v.detail["error"] = err.Error()
		v.result = &Result{
			Outcome:    OutcomeError,
			Confidence: 0,
			Flags:      v.flags,
			Reason:     ReasonUnavailable,
			Retryable:  true,
		}
	}

	res := v.result
	if res.Flags == nil {
		res.Flags = []string{}
	}
	res.AuditLogID = v.audit.ID

	v.audit.Outcome = res.Outcome
	v.audit.IsValid = res.IsValid
	v.audit.Confidence = res.Confidence
	v.audit.Flags = res.Flags
	v.audit.Reason = res.Reason
	v.audit.Detail = v.detail
	v.audit.CreatedAt = e.now().UTC()
	e.writeAudit(ctx, v.audit)

	span.SetAttributes(traces.Confidence(res.Confidence), traces.Flags(res.Flags))
	metrics.VisitValidationsTotal.WithLabelValues(res.Outcome).Inc()
	metrics.VisitConfidence.Observe(float64(res.Confidence))
	metrics.VisitValidationDuration.Observe(time.Since(start).Seconds())
	for _, f := range res.Flags {
		metrics.VisitFlagsTotal.WithLabelValues(f).Inc()
	}
	if e.events != nil {
		e.events.EmitVisitValidated(v.audit)
	}

	return res, err
}

func (e *Engine) reject(v *attempt, confidence int, reason string) {
	v.result = &Result{
		Outcome:    OutcomeRejected,
		Confidence: confidence,
		Flags:      v.flags,
		Reason:     reason,
	}
}

// run executes the stages. A non-nil error is an infrastructure failure;
// otherwise v.result is set.
func (e *Engine) run(ctx context.Context, v *attempt) error {
	req := v.req
	now := e.now()

	// Challenge.
	ch, err := e.challenges.Consume(ctx, req.UserID, req.ChallengeID, req.Nonce)
	if err != nil {
		if !challenge.IsRejection(err) {
			return fmt.Errorf("consume challenge: %w", err)
		}
		v.detail["challengeCode"] = challenge.Code(err)
		v.flag(FlagInvalidChallenge)
		e.reject(v, 0, ReasonChallenge)
		return nil
	}

	// POI and tag. An unknown or inactive POI is reported as a tag mismatch
	// so callers cannot enumerate POI ids.
	poi, err := e.store.GetPOI(ctx, req.POIID)
	switch {
	case errors.Is(err, ErrPOINotFound):
		v.detail["poi"] = "not_found"
	case err != nil:
		return fmt.Errorf("load poi: %w", err)
	case !poi.Active:
		v.detail["poi"] = "inactive"
	}
	if poi == nil || !poi.Active || subtle.ConstantTimeCompare([]byte(req.TagUID), []byte(poi.TagUID)) != 1 {
		v.flag(FlagTagMismatch)
		e.reject(v, 0, ReasonRejected)
		return nil
	}

	// One visit per (user, poi).
	if _, err := e.store.GetVisit(ctx, req.UserID, poi.ID); err == nil {
		v.flag(FlagAlreadyVisited)
		e.reject(v, 0, ReasonAlreadyVisited)
		return nil
	} else if !errors.Is(err, ErrVisitNotFound) {
		return fmt.Errorf("check existing visit: %w", err)
	}

	// GPS.
	threshold := e.defaultProximity
	if poi.ProximityMeters != nil && *poi.ProximityMeters > 0 {
		threshold = *poi.ProximityMeters
	}
	report := e.scorer.Score(gps.Point{Latitude: poi.Latitude, Longitude: poi.Longitude},
		threshold, req.Samples, gps.Window{IssuedAt: ch.IssuedAt, Now: now})
	for _, f := range report.Flags {
		v.flag(f)
	}
	v.detail["gps"] = report
	v.detail["proximityMeters"] = threshold

	// Fingerprint.
	fp := fingerprint.Combine(req.Client, req.Server)
	v.audit.FingerprintHash = fp.Hash
	if problems := fingerprint.Sanity(fp); len(problems) > 0 {
		v.detail["fingerprintProblems"] = problems
	}
	history, err := e.fingerprints.Recent(ctx, req.UserID, fingerprint.MaxRemembered)
	if err != nil {
		return fmt.Errorf("load fingerprints: %w", err)
	}
	fpScore := 100.0
	if len(history) > 0 {
		best, _ := fingerprint.BestMatch(fp, history)
		fpScore = 100 * best
		v.detail["fingerprintSimilarity"] = best
		if best < fingerprint.ChangedThreshold {
			v.flag(fingerprint.FlagDeviceChanged)
		}
	}

	// Session risk.
	risk, err := e.risk.IsSuspicious(ctx, req.UserID)
	if err != nil {
		return fmt.Errorf("load session risk: %w", err)
	}
	sessionScore := 100 - sessionPenalty*risk.SuspiciousSessionCount
	if sessionScore < 0 {
		sessionScore = 0
	}
	if risk.SuspiciousSessionCount > 0 {
		v.flag(FlagSuspiciousSession)
		v.detail["suspiciousSessions"] = risk.SuspiciousSessionCount
	}

	confidence := Confidence(report.Score, fpScore, sessionScore)
	v.detail["scores"] = map[string]any{"gps": report.Score, "fingerprint": fpScore, "session": sessionScore}

	hard := report.HasFlag(gps.FlagOutOfRange) && report.OutOfRangeCount >= outOfRangeHardMin
	if hard || confidence < e.minConfidence {
		if hard {
			v.detail["hardReject"] = gps.FlagOutOfRange
		}
		e.reject(v, confidence, ReasonRejected)
		return nil
	}

	// Accepted: record the visit. The unique constraint settles races with a
	// concurrent claim for the same POI.
	last := req.Samples[len(req.Samples)-1]
	visit := &Visit{
		ID:           idgen.WithPrefix("vis_"),
		UserID:       req.UserID,
		POIID:        poi.ID,
		AuditLogID:   v.audit.ID,
		PointsEarned: poi.Points,
		XPEarned:     poi.XPReward,
		Latitude:     last.Latitude,
		Longitude:    last.Longitude,
		ScannedAt:    now.UTC(),
	}
	if err := e.store.CreateVisit(ctx, visit); err != nil {
		if errors.Is(err, ErrAlreadyVisited) {
			v.flag(FlagAlreadyVisited)
			e.reject(v, 0, ReasonAlreadyVisited)
			return nil
		}
		return fmt.Errorf("create visit: %w", err)
	}

	if err := e.fingerprints.Remember(ctx, req.UserID, fp, now.UTC()); err != nil {
		// The visit stands; a missing fingerprint only weakens the next check.
		logging.L(ctx).Warn("failed to remember fingerprint", "user_id", req.UserID, "error", err)
	}
	if e.locations != nil && req.SessionToken != "" {
		if err := e.locations.RecordLocation(ctx, req.UserID, req.SessionToken, req.Server.IP, visit.Latitude, visit.Longitude); err != nil {
			logging.L(ctx).Warn("failed to record session location", "user_id", req.UserID, "error", err)
		}
	}

	v.result = &Result{
		IsValid:      true,
		Outcome:      OutcomeAccepted,
		Confidence:   confidence,
		Flags:        v.flags,
		VisitID:      visit.ID,
		PointsEarned: visit.PointsEarned,
		XPEarned:     visit.XPEarned,
	}
	return nil
}

// Confidence combines the sub-scores into a 0-100 integer.
func Confidence(gpsScore int, fingerprintScore float64, sessionScore int) int {
	c := WeightGPS*float64(gpsScore) + WeightFingerprint*fingerprintScore + WeightSession*float64(sessionScore)
	c = math.Round(c)
	if c < 0 {
		return 0
	}
	if c > 100 {
		return 100
	}
	return int(c)
}

// writeAudit persists the record with retries. Failure is logged and
// counted, never returned: the caller already has its answer.
func (e *Engine) writeAudit(ctx context.Context, rec *AuditRecord) {
	// The request context may already be cancelled; the audit still matters.
	ctx = context.WithoutCancel(ctx)
	err := e.auditRetry.Do(ctx, func(ctx context.Context) error {
		return e.store.AppendAudit(ctx, rec)
	})
	if err != nil {
		metrics.AuditWriteFailuresTotal.Inc()
		e.logger.Error("audit write failed",
			"audit_id", rec.ID, "user_id", rec.UserID, "poi_id", rec.POIID,
			"outcome", rec.Outcome, "error", err)
	}
}
