package visitclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rutaquest/visitguard/internal/retry"
)

// fakeAPI is a scripted visitguard server.
type fakeAPI struct {
	challenges atomic.Int32
	validates  atomic.Int32
	awards     atomic.Int32

	validateStatus []int // per call; 0 means 200 accepted
	awardStatus    []int
	validated      atomic.Pointer[ValidateRequest]
	awarded        atomic.Pointer[AwardRequest]
}

func (f *fakeAPI) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/challenges", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		n := f.challenges.Add(1)
		writeJSON(w, http.StatusCreated, Challenge{
			ChallengeID: "ch-" + string(rune('0'+n)),
			Nonce:       "nonce",
			IssuedAt:    time.Now(),
			ExpiresAt:   time.Now().Add(time.Minute),
		})
	})
	mux.HandleFunc("POST /v1/visits/validate", func(w http.ResponseWriter, r *http.Request) {
		n := int(f.validates.Add(1))
		var req ValidateRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.validated.Store(&req)
		status := 0
		if n <= len(f.validateStatus) {
			status = f.validateStatus[n-1]
		}
		switch status {
		case 0:
			writeJSON(w, http.StatusOK, VisitResult{IsValid: true, Outcome: "accepted", Confidence: 90, Flags: []string{}, AuditLogID: "aud-1", VisitID: "vis-1", XPEarned: 25})
		case http.StatusForbidden:
			writeJSON(w, status, VisitResult{IsValid: false, Outcome: "rejected", Flags: []string{"TAG_MISMATCH"}, Reason: "rejected", AuditLogID: "aud-2"})
		default:
			writeJSON(w, status, map[string]any{"error": "unavailable", "message": "try later", "retryable": true})
		}
	})
	mux.HandleFunc("POST /v1/rewards/award", func(w http.ResponseWriter, r *http.Request) {
		n := int(f.awards.Add(1))
		var req AwardRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.awarded.Store(&req)
		if n <= len(f.awardStatus) && f.awardStatus[n-1] != 0 {
			status := f.awardStatus[n-1]
			if status == http.StatusTooManyRequests {
				w.Header().Set("Retry-After", "0")
			}
			writeJSON(w, status, map[string]any{"error": "rate_limited", "message": "slow down"})
			return
		}
		writeJSON(w, http.StatusOK, AwardResult{EntryID: "rwd-1", XPAwarded: 25, NewTotal: 25, Level: 1})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, api *fakeAPI) *Client {
	t.Helper()
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)

	c := New(srv.URL+"/", "tok")
	c.Retry = retry.Policy{Attempts: 3, BaseDelay: time.Millisecond}
	c.CollectTimeout = 200 * time.Millisecond
	return c
}

func feed(n int) <-chan Sample {
	ch := make(chan Sample, n)
	now := time.Now().UnixMilli()
	for i := 0; i < n; i++ {
		ch <- Sample{Latitude: 36.4273, Longitude: -5.1483, Accuracy: 5, Timestamp: now + int64(i)*1000}
	}
	close(ch)
	return ch
}

var phone = Fingerprint{ScreenResolution: "1170x2532", Timezone: "Europe/Madrid", Language: "es-ES", Platform: "iPhone", CookiesEnabled: true}

func TestVisit_AcceptedAndAwarded(t *testing.T) {
	api := &fakeAPI{}
	c := newTestClient(t, api)

	out, err := c.Visit(context.Background(), "poi-castle", "TAG-CASTLE", feed(4), phone)
	require.NoError(t, err)
	assert.True(t, out.Visit.IsValid)
	require.NotNil(t, out.Award)
	assert.Equal(t, 25, out.Award.XPAwarded)

	assert.Len(t, api.validated.Load().Samples, 4)
	assert.Equal(t, "ch-1", api.validated.Load().ChallengeID)
	assert.Equal(t, ActionVisitPOI, api.awarded.Load().ActionType)
	assert.Equal(t, "visit-vis-1", api.awarded.Load().IdempotencyKey)
}

func TestVisit_CapsSamples(t *testing.T) {
	api := &fakeAPI{}
	c := newTestClient(t, api)

	_, err := c.Visit(context.Background(), "poi-castle", "TAG-CASTLE", feed(15), phone)
	require.NoError(t, err)
	assert.Len(t, api.validated.Load().Samples, MaxSamples)
}

func TestVisit_InsufficientSamples(t *testing.T) {
	api := &fakeAPI{}
	c := newTestClient(t, api)

	_, err := c.Visit(context.Background(), "poi-castle", "TAG-CASTLE", feed(2), phone)
	assert.ErrorIs(t, err, ErrInsufficientSamples)
	assert.Equal(t, int32(0), api.validates.Load())
}

func TestVisit_CollectionWindowCloses(t *testing.T) {
	api := &fakeAPI{}
	c := newTestClient(t, api)

	// Three samples then silence: the window closes and the claim goes out.
	updates := make(chan Sample, 3)
	for i := 0; i < 3; i++ {
		updates <- Sample{Latitude: 36.4273, Longitude: -5.1483, Accuracy: 5, Timestamp: int64(i)}
	}

	start := time.Now()
	_, err := c.Visit(context.Background(), "poi-castle", "TAG-CASTLE", updates, phone)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
	assert.Len(t, api.validated.Load().Samples, 3)
}

func TestVisit_Rejected(t *testing.T) {
	api := &fakeAPI{validateStatus: []int{http.StatusForbidden}}
	c := newTestClient(t, api)

	out, err := c.Visit(context.Background(), "poi-castle", "TAG-WRONG", feed(3), phone)
	assert.ErrorIs(t, err, ErrVisitRejected)
	require.NotNil(t, out)
	assert.False(t, out.Visit.IsValid)
	assert.Equal(t, []string{"TAG_MISMATCH"}, out.Visit.Flags)
	assert.Nil(t, out.Award)
	assert.Equal(t, int32(0), api.awards.Load())
}

func TestVisit_RetryReissuesChallenge(t *testing.T) {
	api := &fakeAPI{validateStatus: []int{http.StatusServiceUnavailable}}
	c := newTestClient(t, api)

	out, err := c.Visit(context.Background(), "poi-castle", "TAG-CASTLE", feed(3), phone)
	require.NoError(t, err)
	assert.True(t, out.Visit.IsValid)
	assert.Equal(t, int32(2), api.validates.Load())
	assert.Equal(t, int32(2), api.challenges.Load())
	assert.Equal(t, "ch-2", api.validated.Load().ChallengeID)
}

func TestAwardReward_RetriesRateLimit(t *testing.T) {
	api := &fakeAPI{awardStatus: []int{http.StatusTooManyRequests}}
	c := newTestClient(t, api)

	res, err := c.AwardReward(context.Background(), &AwardRequest{ActionType: ActionDailyLogin, IdempotencyKey: "login-1"})
	require.NoError(t, err)
	assert.Equal(t, "rwd-1", res.EntryID)
	assert.Equal(t, int32(2), api.awards.Load())
	assert.Equal(t, "login-1", api.awarded.Load().IdempotencyKey)
}

func TestAwardReward_ClientErrorNotRetried(t *testing.T) {
	api := &fakeAPI{awardStatus: []int{http.StatusConflict}}
	c := newTestClient(t, api)

	_, err := c.AwardReward(context.Background(), &AwardRequest{ActionType: ActionDailyLogin, IdempotencyKey: "login-1"})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.False(t, apiErr.Temporary())
	assert.Equal(t, int32(1), api.awards.Load())
}

func TestAwardReward_RequiresIdempotencyKey(t *testing.T) {
	c := New("http://127.0.0.1:1", "tok")
	_, err := c.AwardReward(context.Background(), &AwardRequest{ActionType: ActionDailyLogin})
	assert.Error(t, err)
}

func TestAPIError(t *testing.T) {
	tests := []struct {
		err       APIError
		temporary bool
		msg       string
	}{
		{APIError{StatusCode: 503, Code: "unavailable"}, true, "visitguard: 503 unavailable"},
		{APIError{StatusCode: 429, Code: "rate_limited", Message: "slow down"}, true, "visitguard: 429 rate_limited: slow down"},
		{APIError{StatusCode: 400, Code: "validation_error"}, false, "visitguard: 400 validation_error"},
		{APIError{StatusCode: 409, Code: "conflict", Retryable: true}, true, "visitguard: 409 conflict"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.temporary, tt.err.Temporary(), tt.msg)
		assert.Equal(t, tt.msg, tt.err.Error())
	}
}
