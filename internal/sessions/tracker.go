package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rutaquest/visitguard/internal/auth"
	"github.com/rutaquest/visitguard/internal/gps"
	"github.com/rutaquest/visitguard/internal/idgen"
	"github.com/rutaquest/visitguard/internal/metrics"
	"github.com/rutaquest/visitguard/internal/syncutil"
	"github.com/rutaquest/visitguard/internal/traces"
)

const (
	RiskWindow = 24 * time.Hour

	concurrentWindow  = time.Hour
	concurrentMinKm   = 100.0
	concurrentMaxKmh  = 900.0
	churnWindow       = 10 * time.Minute
	churnLoginsToFlag = 5

	// RefreshInterval is how often an authenticated request refreshes its
	// session row.
	RefreshInterval = 5 * time.Minute
)

// Tracker logs session activity and answers risk queries.
type Tracker struct {
	store  Store
	logger *slog.Logger
	events EventEmitter
	locks  *syncutil.KeyedMutex
	now    func() time.Time
}

// NewTracker creates a session tracker.
func NewTracker(store Store, logger *slog.Logger) *Tracker {
	return &Tracker{store: store, logger: logger, locks: syncutil.NewKeyedMutex(), now: time.Now}
}

// WithEvents adds an anomaly event emitter.
func (t *Tracker) WithEvents(e EventEmitter) *Tracker {
	t.events = e
	return t
}

// Log appends an entry. LOGIN and REFRESH also refresh the session row and
// run anomaly checks; LOGOUT ends the session.
func (t *Tracker) Log(ctx context.Context, req LogRequest) (*LogEntry, error) {
	ctx, span := traces.StartSpan(ctx, "sessions.Log", traces.UserID(req.UserID))
	defer span.End()

	switch req.Action {
	case ActionLogin, ActionRefresh, ActionLogout, ActionAnomaly:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidAction, req.Action)
	}

	now := t.now().UTC()
	hash := ""
	if req.Token != "" {
		hash = auth.HashToken(req.Token)
	}

	flags := append([]string{}, req.Flags...)

	switch req.Action {
	case ActionLogin, ActionRefresh:
		detected, err := t.detect(ctx, req, hash, now)
		if err != nil {
			traces.Fail(span, err)
			return nil, err
		}
		for _, f := range detected {
			metrics.SessionAnomaliesTotal.WithLabelValues(f).Inc()
		}
		flags = append(flags, detected...)

		if hash == "" {
			break
		}
		err = t.store.UpsertSession(ctx, &Session{
			Hash:       hash,
			UserID:     req.UserID,
			IP:         req.IP,
			Latitude:   req.Latitude,
			Longitude:  req.Longitude,
			CreatedAt:  now,
			LastSeenAt: now,
		})
		if err != nil {
			traces.Fail(span, err)
			return nil, fmt.Errorf("upsert session: %w", err)
		}

	case ActionLogout:
		if hash != "" {
			if _, _, err := t.store.RevokeSession(ctx, hash, "logout", now); err != nil {
				return nil, fmt.Errorf("end session: %w", err)
			}
		}
	}

	entry := &LogEntry{
		ID:          idgen.WithPrefix("slog_"),
		UserID:      req.UserID,
		SessionHash: hash,
		Action:      req.Action,
		Flags:       flags,
		Suspicious:  len(flags) > 0,
		IP:          req.IP,
		Latitude:    req.Latitude,
		Longitude:   req.Longitude,
		Reason:      req.Reason,
		CreatedAt:   now,
	}
	if err := t.store.Append(ctx, entry); err != nil {
		traces.Fail(span, err)
		return nil, fmt.Errorf("append session log: %w", err)
	}

	if entry.Suspicious {
		t.logger.Warn("suspicious session activity",
			"user_id", req.UserID, "action", req.Action, "flags", flags, "ip", req.IP)
		if t.events != nil {
			t.events.EmitSessionAnomaly(req.UserID, flags, req.IP)
		}
	}
	return entry, nil
}

// Observe records server-seen activity for an authenticated token: LOGIN
// the first time the token is seen, then REFRESH at most once per
// RefreshInterval. Revoked sessions are left alone.
func (t *Tracker) Observe(ctx context.Context, userID, token, ip string) error {
	hash := auth.HashToken(token)
	unlock, err := t.locks.Lock(ctx, hash)
	if err != nil {
		return err
	}
	defer unlock()

	action := ActionRefresh
	s, err := t.store.GetSession(ctx, hash)
	switch {
	case errors.Is(err, ErrNotFound):
		action = ActionLogin
	case err != nil:
		return fmt.Errorf("get session: %w", err)
	case s.Revoked(), t.now().Sub(s.LastSeenAt) < RefreshInterval:
		return nil
	}

	_, err = t.Log(ctx, LogRequest{UserID: userID, Token: token, Action: action, IP: ip})
	return err
}

// RecordLocation attaches a server-verified position to the session and
// runs the distant-session check against it.
func (t *Tracker) RecordLocation(ctx context.Context, userID, token, ip string, lat, lon float64) error {
	if token == "" {
		return nil
	}
	unlock, err := t.locks.Lock(ctx, auth.HashToken(token))
	if err != nil {
		return err
	}
	defer unlock()

	_, err = t.Log(ctx, LogRequest{
		UserID: userID, Token: token, Action: ActionRefresh, IP: ip,
		Latitude: &lat, Longitude: &lon, Reason: "verified_visit",
	})
	return err
}

func (t *Tracker) detect(ctx context.Context, req LogRequest, hash string, now time.Time) ([]string, error) {
	var flags []string

	if req.Latitude != nil && req.Longitude != nil {
		live, err := t.store.ListLive(ctx, req.UserID, now.Add(-concurrentWindow))
		if err != nil {
			return nil, fmt.Errorf("list live sessions: %w", err)
		}
		for _, s := range live {
			if s.Hash == hash || s.Latitude == nil || s.Longitude == nil {
				continue
			}
			if impossibleTravel(*s.Latitude, *s.Longitude, *req.Latitude, *req.Longitude, now.Sub(s.LastSeenAt)) {
				flags = append(flags, FlagConcurrentDistantSession)
				break
			}
		}
	}

	if req.Action == ActionLogin {
		n, err := t.store.CountActions(ctx, req.UserID, ActionLogin, now.Add(-churnWindow))
		if err != nil {
			return nil, fmt.Errorf("count logins: %w", err)
		}
		if n+1 >= churnLoginsToFlag {
			flags = append(flags, FlagRapidSessionChurn)
		}
	}
	return flags, nil
}

// impossibleTravel reports two places more than concurrentMinKm apart that
// could not be covered in elapsed at concurrentMaxKmh.
func impossibleTravel(lat1, lon1, lat2, lon2 float64, elapsed time.Duration) bool {
	km := gps.Haversine(lat1, lon1, lat2, lon2) / 1000
	if km <= concurrentMinKm {
		return false
	}
	hours := elapsed.Hours()
	if hours <= 0 {
		return true
	}
	return km/hours > concurrentMaxKmh
}

// IsSuspicious returns the user's suspicious-session count over the last
// 24 hours and the flags of the latest suspicious entry.
func (t *Tracker) IsSuspicious(ctx context.Context, userID string) (*Risk, error) {
	n, flags, err := t.store.Suspicious(ctx, userID, t.now().Add(-RiskWindow))
	if err != nil {
		return nil, fmt.Errorf("query suspicious sessions: %w", err)
	}
	if flags == nil {
		flags = []string{}
	}
	return &Risk{SuspiciousSessionCount: n, LastFlags: flags}, nil
}

// Revoke invalidates one session. Unknown or already revoked sessions are
// a successful no-op.
func (t *Tracker) Revoke(ctx context.Context, token, reason string) error {
	hash := auth.HashToken(token)
	now := t.now().UTC()

	userID, changed, err := t.store.RevokeSession(ctx, hash, reason, now)
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	if !changed {
		return nil
	}

	metrics.SessionRevocationsTotal.Inc()
	return t.appendRevoke(ctx, userID, hash, reason, now)
}

// RevokeAll invalidates every live session of a user and returns how many
// were revoked. Calling it again revokes nothing and succeeds.
func (t *Tracker) RevokeAll(ctx context.Context, userID, reason string) (int, error) {
	now := t.now().UTC()

	n, err := t.store.RevokeUser(ctx, userID, reason, now)
	if err != nil {
		return 0, fmt.Errorf("revoke user sessions: %w", err)
	}
	if n == 0 {
		return 0, nil
	}

	metrics.SessionRevocationsTotal.Add(float64(n))
	t.logger.Info("revoked all sessions", "user_id", userID, "count", n, "reason", reason)
	return n, t.appendRevoke(ctx, userID, "", reason, now)
}

// IsRevoked reports whether the session behind token has been revoked.
// Tokens never seen by the tracker are not revoked.
func (t *Tracker) IsRevoked(ctx context.Context, token string) (bool, error) {
	s, err := t.store.GetSession(ctx, auth.HashToken(token))
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return s.Revoked(), nil
}

// Stats aggregates sessions seen since the given time.
func (t *Tracker) Stats(ctx context.Context, since time.Time) (active, suspicious int, err error) {
	if active, err = t.store.CountActive(ctx, since); err != nil {
		return 0, 0, fmt.Errorf("count active sessions: %w", err)
	}
	if suspicious, err = t.store.CountSuspicious(ctx, since); err != nil {
		return 0, 0, fmt.Errorf("count suspicious sessions: %w", err)
	}
	return active, suspicious, nil
}

func (t *Tracker) appendRevoke(ctx context.Context, userID, hash, reason string, now time.Time) error {
	err := t.store.Append(ctx, &LogEntry{
		ID:          idgen.WithPrefix("slog_"),
		UserID:      userID,
		SessionHash: hash,
		Action:      ActionRevoke,
		Flags:       []string{},
		Reason:      reason,
		CreatedAt:   now,
	})
	if err != nil {
		return fmt.Errorf("append revoke entry: %w", err)
	}
	return nil
}
