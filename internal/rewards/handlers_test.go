package rewards

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rutaquest/visitguard/internal/auth"
	"github.com/rutaquest/visitguard/internal/ratelimit"
	"github.com/rutaquest/visitguard/internal/visits"
)

const testSecret = "test-secret-test-secret-test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

func setupRouter(t *testing.T) (*gin.Engine, *guardEnv, string) {
	t.Helper()
	env := newGuardEnv(t, ratelimit.NewGuarded(ratelimit.NewMemoryCounter(), nil, 0, true))
	verifier := auth.NewVerifier(testSecret)

	r := gin.New()
	protected := r.Group("/v1")
	protected.Use(auth.RequireAuth(verifier, nil))
	NewHandler(env.guard, env.visits).RegisterProtectedRoutes(protected)

	token, err := verifier.Issue("user-1", "s1", time.Hour)
	require.NoError(t, err)
	return r, env, token
}

func do(r *gin.Engine, method, path, token, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHandler_AwardAndProgress(t *testing.T) {
	r, env, token := setupRouter(t)
	require.NoError(t, env.visits.UpsertPOI(context.Background(), &visits.POI{ID: "poi-castle", Category: "monument", Active: true}))
	env.addVisit(t, "user-1", "poi-castle", 120)

	w := do(r, http.MethodPost, "/v1/rewards/award", token,
		`{"actionType":"VISIT_POI","poiId":"poi-castle","metadata":{"note":"<b>hi</b>"}}`,
		"Idempotency-Key", "award-castle")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, float64(120), body["xpAwarded"])
	assert.Equal(t, float64(2), body["level"])
	assert.Equal(t, false, body["replayed"])

	entry, err := env.store.GetByKey(context.Background(), "user-1", "award-castle")
	require.NoError(t, err)
	assert.Equal(t, "hi", entry.Metadata["note"])

	w = do(r, http.MethodGet, "/v1/me/progress", token, "")
	require.Equal(t, http.StatusOK, w.Code)
	body = decode(t, w)
	assert.Equal(t, float64(120), body["xpTotal"])
	assert.Equal(t, float64(2), body["level"])
	assert.Equal(t, float64(400), body["nextLevelXp"])
	earned := body["badges"].([]any)
	require.Len(t, earned, 1)
	assert.Equal(t, "first_steps", earned[0].(map[string]any)["id"])
}

func TestHandler_AwardErrors(t *testing.T) {
	r, _, token := setupRouter(t)

	tests := []struct {
		name     string
		body     string
		wantCode int
		wantErr  string
	}{
		{"malformed", `{`, http.StatusBadRequest, "invalid_request"},
		{"missing key", `{"actionType":"SHARE_ROUTE"}`, http.StatusBadRequest, "validation_error"},
		{"unknown action", `{"actionType":"NOPE","idempotencyKey":"k1"}`, http.StatusBadRequest, "invalid_action"},
		{"no visit", `{"actionType":"VISIT_POI","poiId":"poi-x","idempotencyKey":"k2"}`, http.StatusForbidden, "visit_required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(r, http.MethodPost, "/v1/rewards/award", token, tt.body)
			assert.Equal(t, tt.wantCode, w.Code, w.Body.String())
			assert.Equal(t, tt.wantErr, decode(t, w)["error"])
		})
	}
}

func TestHandler_AwardDuplicate(t *testing.T) {
	r, _, token := setupRouter(t)

	w := do(r, http.MethodPost, "/v1/rewards/award", token, `{"actionType":"PROFILE_COMPLETE","idempotencyKey":"p1"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodPost, "/v1/rewards/award", token, `{"actionType":"PROFILE_COMPLETE","idempotencyKey":"p2"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "already_awarded", decode(t, w)["error"])
}

func TestHandler_AwardRateLimited(t *testing.T) {
	r, env, token := setupRouter(t)
	env.guard.WithRateLimit(1, 30*time.Second)

	w := do(r, http.MethodPost, "/v1/rewards/award", token, `{"actionType":"SHARE_ROUTE","idempotencyKey":"s1"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodPost, "/v1/rewards/award", token, `{"actionType":"SHARE_ROUTE","idempotencyKey":"s2"}`)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "30", w.Header().Get("Retry-After"))
	assert.Equal(t, float64(30), decode(t, w)["retryAfter"])
}

func TestHandler_AwardSuspicious(t *testing.T) {
	r, env, token := setupRouter(t)

	w := do(r, http.MethodPost, "/v1/rewards/award", token,
		`{"actionType":"SHARE_ROUTE","idempotencyKey":"m","latitude":40.4168,"longitude":-3.7038}`)
	require.Equal(t, http.StatusOK, w.Code)

	env.clock.advance(time.Minute)
	w = do(r, http.MethodPost, "/v1/rewards/award", token,
		`{"actionType":"SHARE_ROUTE","idempotencyKey":"b","latitude":41.3874,"longitude":2.1686}`)
	assert.Equal(t, http.StatusForbidden, w.Code)
	body := decode(t, w)
	assert.Equal(t, "suspicious_activity", body["error"])
	assert.Equal(t, float64(journeyCap), body["suspiciousScore"])
}

func TestHandler_AwardUnavailable(t *testing.T) {
	env := newGuardEnv(t, ratelimit.NewGuarded(downCounter{}, nil, 0, false))
	verifier := auth.NewVerifier(testSecret)
	r := gin.New()
	g := r.Group("/v1")
	g.Use(auth.RequireAuth(verifier, nil))
	NewHandler(env.guard, env.visits).RegisterProtectedRoutes(g)
	token, err := verifier.Issue("user-1", "s1", time.Hour)
	require.NoError(t, err)

	w := do(r, http.MethodPost, "/v1/rewards/award", token, `{"actionType":"SHARE_ROUTE","idempotencyKey":"s1"}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, true, decode(t, w)["retryable"])
}

func TestHandler_RequiresAuth(t *testing.T) {
	r, _, _ := setupRouter(t)
	w := do(r, http.MethodGet, "/v1/me/progress", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
