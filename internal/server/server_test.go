package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rutaquest/visitguard/internal/auth"
	"github.com/rutaquest/visitguard/internal/config"
	"github.com/rutaquest/visitguard/internal/fingerprint"
	"github.com/rutaquest/visitguard/internal/gps"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	testJWTSecret   = "server-test-jwt-secret"
	testAdminSecret = "server-test-admin-secret"
	iphoneUA        = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_4 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Mobile/15E148 Safari/604.1"
)

// testConfig returns a minimal in-memory config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:              "0",
		Env:               "development",
		LogLevel:          "error",
		CORSOrigins:       []string{"*"},
		RateLimitRPM:      1000,
		RateLimitBurst:    100,
		RequestMaxBytes:   config.DefaultRequestMaxBytes,
		JWTSecret:         testJWTSecret,
		AdminSecret:       testAdminSecret,
		ChallengeTTL:      config.DefaultChallengeTTL,
		ProximityMeters:   config.DefaultProximityMeters,
		MinConfidence:     config.DefaultMinConfidence,
		AwardRateLimit:    config.DefaultAwardRateLimit,
		AwardRateWindow:   config.DefaultAwardRateWindow,
		BanDuration:       config.DefaultBanDuration,
		RateLimitFailOpen: true,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig())
	require.NoError(t, err)
	t.Cleanup(func() { s.rateLimiter.Stop() })
	return s
}

func userToken(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.NewVerifier(testJWTSecret).Issue(userID, "sess-"+userID, time.Hour)
	require.NoError(t, err)
	return token
}

func do(s *Server, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", iphoneUA)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t)

	w := do(s, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, Version, resp.Version)

	w = do(s, http.MethodGet, "/health/live", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Not ready until Run has started serving.
	w = do(s, http.MethodGet, "/health/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	s.ready.Store(true)
	w = do(s, http.MethodGet, "/health/ready", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequestIDEchoed(t *testing.T) {
	s := newTestServer(t)

	w := do(s, http.MethodGet, "/health/live", nil, map[string]string{"X-Request-ID": "req-123"})
	assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))

	w = do(s, http.MethodGet, "/health/live", nil, nil)
	assert.Len(t, w.Header().Get("X-Request-ID"), 32)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	w := do(s, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestProtectedRoutesRequireAuth(t *testing.T) {
	s := newTestServer(t)

	for _, path := range []string{"/v1/challenges", "/v1/visits/validate", "/v1/rewards/award"} {
		w := do(s, http.MethodPost, path, map[string]any{}, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
	}
}

func TestAdminRoutesRequireSecret(t *testing.T) {
	s := newTestServer(t)

	w := do(s, http.MethodGet, "/v1/admin/security-metrics", nil, bearer(userToken(t, "user-1")))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(s, http.MethodGet, "/v1/admin/security-metrics", nil, map[string]string{"X-Admin-Secret": testAdminSecret})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestVisitFlowEndToEnd(t *testing.T) {
	s := newTestServer(t)
	admin := map[string]string{"X-Admin-Secret": testAdminSecret}
	token := userToken(t, "user-1")

	lat, lon, active := 36.4273, -5.1483, true
	w := do(s, http.MethodPost, "/v1/admin/pois", map[string]any{
		"id": "poi-castle", "name": "Castle", "category": "monument",
		"latitude": lat, "longitude": lon, "tagUid": "TAG-CASTLE",
		"points": 10, "xpReward": 25, "active": active,
	}, admin)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(s, http.MethodPost, "/v1/challenges", nil, bearer(token))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var ch struct {
		ChallengeID string `json:"challengeId"`
		Nonce       string `json:"nonce"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ch))

	end := time.Now().UnixMilli()
	samples := []gps.Sample{
		{Latitude: lat, Longitude: lon, Accuracy: 5, Timestamp: end - 2000},
		{Latitude: lat + 0.00001, Longitude: lon - 0.00001, Accuracy: 5, Timestamp: end - 1000},
		{Latitude: lat + 0.00002, Longitude: lon - 0.00002, Accuracy: 5, Timestamp: end},
	}
	claim := map[string]any{
		"poiId":       "poi-castle",
		"tagUid":      "TAG-CASTLE",
		"challengeId": ch.ChallengeID,
		"nonce":       ch.Nonce,
		"samples":     samples,
		"fingerprint": fingerprint.Client{ScreenResolution: "1170x2532", Timezone: "Europe/Madrid", Language: "es-ES", Platform: "iPhone", CookiesEnabled: true},
	}
	w = do(s, http.MethodPost, "/v1/visits/validate", claim, bearer(token))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var visit struct {
		IsValid  bool `json:"isValid"`
		XPEarned int  `json:"xpEarned"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &visit))
	assert.True(t, visit.IsValid)
	assert.Equal(t, 25, visit.XPEarned)

	// Replaying the consumed challenge fails.
	w = do(s, http.MethodPost, "/v1/visits/validate", claim, bearer(token))
	assert.NotEqual(t, http.StatusOK, w.Code)

	award := map[string]any{"actionType": "VISIT_POI", "poiId": "poi-castle", "idempotencyKey": "award-1"}
	w = do(s, http.MethodPost, "/v1/rewards/award", award, bearer(token))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res struct {
		XPAwarded int   `json:"xpAwarded"`
		NewTotal  int64 `json:"newTotal"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, 25, res.XPAwarded)
	assert.Equal(t, int64(25), res.NewTotal)

	w = do(s, http.MethodGet, "/v1/me/progress", nil, bearer(token))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"xpTotal":25`)

	w = do(s, http.MethodGet, "/v1/admin/security-metrics?range=24h", nil, admin)
	require.Equal(t, http.StatusOK, w.Code)
	var m struct {
		TotalVisits      int `json:"totalVisits"`
		TotalValidations int `json:"totalValidations"`
		XPAwarded        int `json:"xpAwarded"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	assert.Equal(t, 1, m.TotalVisits)
	assert.GreaterOrEqual(t, m.TotalValidations, 1)
	assert.Equal(t, 25, m.XPAwarded)
}

func TestRevokedSessionRejected(t *testing.T) {
	s := newTestServer(t)
	token := userToken(t, "user-2")

	w := do(s, http.MethodPost, "/v1/sessions/events", map[string]any{"action": "LOGIN"}, bearer(token))
	require.Less(t, w.Code, 300, w.Body.String())

	w = do(s, http.MethodPost, "/v1/sessions/revoke-all", nil, bearer(token))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(s, http.MethodPost, "/v1/challenges", nil, bearer(token))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthenticatedRequestsCreateSession(t *testing.T) {
	s := newTestServer(t)
	token := userToken(t, "user-3")

	w := do(s, http.MethodGet, "/v1/me/progress", nil, bearer(token))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// No client-reported LOGIN: the server saw the token on its own.
	w = do(s, http.MethodPost, "/v1/sessions/revoke-all", nil, bearer(token))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"revoked":1`)

	w = do(s, http.MethodGet, "/v1/me/progress", nil, bearer(token))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMaskDSN(t *testing.T) {
	assert.Equal(t, "postgres://app:%2A%2A%2A@db:5432/visits", maskDSN("postgres://app:hunter2@db:5432/visits"))
	assert.Equal(t, "postgres://db/visits", maskDSN("postgres://db/visits"))
}
