// Package visitclient is a Go client for the visitguard API.
//
// A typical check-in:
//
//	c := visitclient.New("https://api.example.com", token)
//	out, err := c.Visit(ctx, "poi-castle", tagUID, gpsUpdates, fp)
package visitclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rutaquest/visitguard/internal/gps"
	"github.com/rutaquest/visitguard/internal/retry"
)

// Sample collection bounds. The server rejects claims outside them.
const (
	MinSamples            = 3
	MaxSamples            = 10
	DefaultCollectTimeout = 10 * time.Second
)

var (
	// ErrInsufficientSamples means fewer than MinSamples arrived before the
	// collection window closed.
	ErrInsufficientSamples = gps.ErrInsufficientSamples
	// ErrVisitRejected is returned by Visit when the claim was judged
	// invalid. The outcome still carries the verdict.
	ErrVisitRejected = errors.New("visitclient: visit rejected")
)

// Client talks to the visitguard API
type Client struct {
	BaseURL string
	Token   string

	HTTPClient     *http.Client
	Retry          retry.Policy
	CollectTimeout time.Duration
	UserAgent      string
}

// New creates a client with sensible defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		Retry:          retry.Policy{Attempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second},
		CollectTimeout: DefaultCollectTimeout,
	}
}

// IssueChallenge handles POST /v1/challenges
func (c *Client) IssueChallenge(ctx context.Context) (*Challenge, error) {
	var ch Challenge
	err := c.retrying(ctx, func(ctx context.Context) error {
		return c.do(ctx, http.MethodPost, "/v1/challenges", nil, &ch)
	})
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

// ValidateVisit submits a claim once. A consumed challenge cannot be
// replayed, so this call is never retried; see Visit.
func (c *Client) ValidateVisit(ctx context.Context, req *ValidateRequest) (*VisitResult, error) {
	var res VisitResult
	err := c.do(ctx, http.MethodPost, "/v1/visits/validate", req, &res)

	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusForbidden && res.AuditLogID != "" {
		return &res, nil
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// AwardReward requests XP. Retries reuse the idempotency key so the
// server never double-awards.
func (c *Client) AwardReward(ctx context.Context, req *AwardRequest) (*AwardResult, error) {
	if req.IdempotencyKey == "" {
		return nil, errors.New("visitclient: idempotency key is required")
	}
	var res AwardResult
	err := c.retrying(ctx, func(ctx context.Context) error {
		return c.do(ctx, http.MethodPost, "/v1/rewards/award", req, &res)
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// Visit runs a full check-in: issue a challenge, collect GPS samples from
// updates until MaxSamples arrive or the window closes, validate, then
// claim the visit XP. A retryable validation failure re-issues the
// challenge and resubmits the same samples.
func (c *Client) Visit(ctx context.Context, poiID, tagUID string, updates <-chan Sample, fp Fingerprint) (*VisitOutcome, error) {
	ch, err := c.IssueChallenge(ctx)
	if err != nil {
		return nil, fmt.Errorf("issue challenge: %w", err)
	}

	samples, err := c.collect(ctx, updates, ch.ExpiresAt)
	if err != nil {
		return nil, err
	}

	var res *VisitResult
	first := true
	err = c.retrying(ctx, func(ctx context.Context) error {
		if !first {
			if ch, err = c.IssueChallenge(ctx); err != nil {
				return retry.Permanent(err)
			}
		}
		first = false
		res, err = c.ValidateVisit(ctx, &ValidateRequest{
			POIID:       poiID,
			TagUID:      tagUID,
			ChallengeID: ch.ChallengeID,
			Nonce:       ch.Nonce,
			Samples:     samples,
			Fingerprint: fp,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("validate visit: %w", err)
	}

	out := &VisitOutcome{Visit: res}
	if !res.IsValid {
		return out, ErrVisitRejected
	}

	award, err := c.AwardReward(ctx, &AwardRequest{
		ActionType:     ActionVisitPOI,
		POIID:          poiID,
		IdempotencyKey: "visit-" + res.VisitID,
		Latitude:       &samples[len(samples)-1].Latitude,
		Longitude:      &samples[len(samples)-1].Longitude,
	})
	if err != nil {
		return out, fmt.Errorf("award visit: %w", err)
	}
	out.Award = award
	return out, nil
}

// collect reads samples until MaxSamples, the channel closes, the
// collection window ends, or the challenge is about to expire.
func (c *Client) collect(ctx context.Context, updates <-chan Sample, expiresAt time.Time) ([]Sample, error) {
	window := c.CollectTimeout
	if window <= 0 {
		window = DefaultCollectTimeout
	}
	deadline := time.Now().Add(window)
	if !expiresAt.IsZero() {
		// Leave time to submit before the challenge lapses.
		if limit := expiresAt.Add(-2 * time.Second); limit.Before(deadline) {
			deadline = limit
		}
	}

	samples, err := gps.Collect(ctx, updates, MaxSamples, MinSamples, time.Until(deadline))
	if err != nil {
		return nil, err
	}
	return samples, nil
}

// retrying runs fn under the client's retry policy. Only temporary API
// errors and transport failures are retried.
func (c *Client) retrying(ctx context.Context, fn func(ctx context.Context) error) error {
	return c.Retry.Do(ctx, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Temporary() {
			return retry.Permanent(err)
		}
		if apiErr != nil && apiErr.RetryAfter > 0 {
			select {
			case <-ctx.Done():
				return retry.Permanent(ctx.Err())
			case <-time.After(apiErr.RetryAfter):
			}
		}
		return err
	})
}

// do sends one request. On a non-2xx response it decodes the body into out
// when possible and returns an *APIError.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || len(raw) == 0 {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	}

	apiErr := &APIError{StatusCode: resp.StatusCode}
	_ = json.Unmarshal(raw, apiErr)
	if apiErr.Code == "" {
		apiErr.Code = strings.ToLower(strings.ReplaceAll(http.StatusText(resp.StatusCode), " ", "_"))
	}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		apiErr.RetryAfter = time.Duration(secs) * time.Second
	}
	if out != nil {
		_ = json.Unmarshal(raw, out)
	}
	return apiErr
}
