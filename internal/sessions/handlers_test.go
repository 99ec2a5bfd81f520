package sessions

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rutaquest/visitguard/internal/auth"
)

const testSecret = "test-secret-test-secret-test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

func setupRouter(t *testing.T) (*gin.Engine, *Tracker, *auth.Verifier) {
	t.Helper()
	tracker := NewTracker(NewMemoryStore(), slog.Default())
	verifier := auth.NewVerifier(testSecret)
	h := NewHandler(tracker)

	r := gin.New()
	v1 := r.Group("/v1")
	protected := v1.Group("")
	protected.Use(auth.RequireAuth(verifier, tracker))
	h.RegisterProtectedRoutes(protected)
	admin := v1.Group("/admin")
	admin.Use(auth.RequireAdmin("admin-secret"))
	h.RegisterAdminRoutes(admin)
	return r, tracker, verifier
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

func TestHandler_LogEventAndSignOut(t *testing.T) {
	r, _, v := setupRouter(t)
	token, err := v.Issue("user-1", "s1", time.Hour)
	require.NoError(t, err)

	w := do(r, http.MethodPost, "/v1/sessions/events", token, `{"action":"LOGIN","latitude":48.85,"longitude":2.35}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "LOGIN", body["action"])
	assert.Equal(t, false, body["suspicious"])

	w = do(r, http.MethodDelete, "/v1/sessions/current", token, "")
	assert.Equal(t, http.StatusOK, w.Code)

	// The same token is now refused.
	w = do(r, http.MethodPost, "/v1/sessions/events", token, `{"action":"REFRESH"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "session_revoked")
}

func TestHandler_LogEventValidation(t *testing.T) {
	r, _, v := setupRouter(t)
	token, _ := v.Issue("user-1", "s1", time.Hour)

	tests := []struct {
		name string
		body string
		code string
	}{
		{"missing action", `{}`, "invalid_request"},
		{"unknown action", `{"action":"DANCE"}`, "invalid_action"},
		{"bad latitude", `{"action":"LOGIN","latitude":91,"longitude":0}`, "validation_error"},
		{"half a location", `{"action":"LOGIN","latitude":10}`, "validation_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(r, http.MethodPost, "/v1/sessions/events", token, tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), tt.code)
		})
	}
}

func TestHandler_RevokeAllMine(t *testing.T) {
	r, tracker, v := setupRouter(t)
	a, _ := v.Issue("user-1", "s1", time.Hour)
	b, _ := v.Issue("user-1", "s2", time.Hour)

	require.Equal(t, http.StatusCreated, do(r, http.MethodPost, "/v1/sessions/events", a, `{"action":"LOGIN"}`).Code)
	require.Equal(t, http.StatusCreated, do(r, http.MethodPost, "/v1/sessions/events", b, `{"action":"LOGIN"}`).Code)

	w := do(r, http.MethodPost, "/v1/sessions/revoke-all", a, `{"reason":"<b>lost phone</b>"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"revoked":2`)

	revoked, err := tracker.IsRevoked(t.Context(), b)
	require.NoError(t, err)
	assert.True(t, revoked)
}

func TestHandler_AdminRevoke(t *testing.T) {
	r, tracker, v := setupRouter(t)
	token, _ := v.Issue("user-9", "s1", time.Hour)
	require.Equal(t, http.StatusCreated, do(r, http.MethodPost, "/v1/sessions/events", token, `{"action":"LOGIN"}`).Code)

	w := do(r, http.MethodPost, "/v1/admin/users/user-9/sessions/revoke", "", `{}`)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(r, http.MethodPost, "/v1/admin/users/user-9/sessions/revoke", "", `{"reason":"fraud"}`, "X-Admin-Secret", "admin-secret")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"revoked":1`)

	revoked, _ := tracker.IsRevoked(t.Context(), token)
	assert.True(t, revoked)

	w = do(r, http.MethodPost, "/v1/admin/users/bad%20id/sessions/revoke", "", `{}`, "X-Admin-Secret", "admin-secret")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestObserveSessions_TracksAuthenticatedRequests(t *testing.T) {
	tracker := NewTracker(NewMemoryStore(), slog.Default())
	verifier := auth.NewVerifier(testSecret)

	r := gin.New()
	protected := r.Group("/v1")
	protected.Use(auth.RequireAuth(verifier, tracker), ObserveSessions(tracker))
	protected.GET("/ping", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	token, err := verifier.Issue("user-1", "s1", time.Hour)
	require.NoError(t, err)
	w := do(r, http.MethodGet, "/v1/ping", token, "")
	require.Equal(t, http.StatusNoContent, w.Code)

	active, _, err := tracker.Stats(context.Background(), time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, active)

	// The session exists now, so revoking it locks the token out.
	n, err := tracker.RevokeAll(context.Background(), "user-1", "test")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	w = do(r, http.MethodGet, "/v1/ping", token, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
