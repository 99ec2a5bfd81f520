package challenge

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rutaquest/visitguard/internal/idgen"
	"github.com/rutaquest/visitguard/internal/metrics"
	"github.com/rutaquest/visitguard/internal/traces"
)

// Service issues and consumes challenges.
type Service struct {
	store  Store
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a challenge service. A non-positive ttl uses DefaultTTL.
func NewService(store Store, ttl time.Duration, logger *slog.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{store: store, ttl: ttl, logger: logger, now: time.Now}
}

// TTL returns the challenge window.
func (s *Service) TTL() time.Duration { return s.ttl }

// Issue creates a fresh challenge for userID.
func (s *Service) Issue(ctx context.Context, userID string) (*Challenge, error) {
	ctx, span := traces.StartSpan(ctx, "challenge.Issue", traces.UserID(userID))
	defer span.End()

	now := s.now().UTC()
	ch := &Challenge{
		ID:        idgen.WithPrefix(IDPrefix),
		UserID:    userID,
		Nonce:     idgen.Hex(nonceBytes),
		IssuedAt:  now,
		ExpiresAt: now.Add(s.ttl),
	}
	span.SetAttributes(traces.ChallengeID(ch.ID))

	if err := s.store.Create(ctx, ch); err != nil {
		traces.Fail(span, err)
		return nil, fmt.Errorf("store challenge: %w", err)
	}

	metrics.ChallengesIssuedTotal.Inc()
	return ch, nil
}

// Consume validates and burns a challenge. The challenge is taken from the
// store before any check runs, so a wrong nonce or user also spends it.
func (s *Service) Consume(ctx context.Context, userID, id, nonce string) (*Challenge, error) {
	ctx, span := traces.StartSpan(ctx, "challenge.Consume", traces.UserID(userID), traces.ChallengeID(id))
	defer span.End()

	ch, err := s.consume(ctx, userID, id, nonce)
	result := "ok"
	switch {
	case err == nil:
	case IsRejection(err):
		result = strings.ToLower(Code(err))
	default:
		result = "error"
		traces.Fail(span, err)
	}
	metrics.ChallengeConsumptionsTotal.WithLabelValues(result).Inc()
	return ch, err
}

func (s *Service) consume(ctx context.Context, userID, id, nonce string) (*Challenge, error) {
	ch, err := s.store.Take(ctx, id)
	if err != nil {
		if IsRejection(err) {
			return nil, err
		}
		return nil, fmt.Errorf("take challenge: %w", err)
	}

	if !s.now().Before(ch.ExpiresAt) {
		return nil, ErrExpired
	}
	if subtle.ConstantTimeCompare([]byte(ch.UserID), []byte(userID)) != 1 {
		s.logger.Warn("challenge presented by another user",
			"challenge_id", id, "owner", ch.UserID, "user_id", userID)
		return nil, ErrUserMismatch
	}
	if subtle.ConstantTimeCompare([]byte(ch.Nonce), []byte(strings.ToLower(nonce))) != 1 {
		return nil, ErrNonceMismatch
	}
	return ch, nil
}
