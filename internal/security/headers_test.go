package security

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(mw gin.HandlerFunc, method, origin string, extra map[string]string) *httptest.ResponseRecorder {
	r := gin.New()
	r.Use(mw)
	r.POST("/v1/rewards/award", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(method, "/v1/rewards/award", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	for k, v := range extra {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHeadersMiddleware(t *testing.T) {
	w := serve(HeadersMiddleware(), http.MethodPost, "", nil)

	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Contains(t, w.Header().Get("Content-Security-Policy"), "frame-ancestors 'none'")
	// Location comes from the app, never from browser geolocation on our origin.
	assert.Contains(t, w.Header().Get("Permissions-Policy"), "geolocation=()")
}

func TestCORSMiddleware_Origins(t *testing.T) {
	tests := []struct {
		name        string
		allowed     []string
		origin      string
		wantAllowed string
		wantCreds   string
	}{
		{"wildcard", []string{"*"}, "https://anything.example", "*", ""},
		{"no config behaves as wildcard", nil, "https://anything.example", "*", ""},
		{"listed origin", []string{"https://app.rutaquest.example"}, "https://app.rutaquest.example", "https://app.rutaquest.example", "true"},
		{"unlisted origin", []string{"https://app.rutaquest.example"}, "https://evil.example", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(CORSMiddleware(tt.allowed), http.MethodPost, tt.origin, nil)
			assert.Equal(t, tt.wantAllowed, w.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, tt.wantCreds, w.Header().Get("Access-Control-Allow-Credentials"))
		})
	}
}

func TestCORSMiddleware_PreflightAllowsIdempotencyKey(t *testing.T) {
	w := serve(CORSMiddleware([]string{"*"}), http.MethodOptions, "https://app.rutaquest.example", map[string]string{
		"Access-Control-Request-Method":  "POST",
		"Access-Control-Request-Headers": "Authorization, Idempotency-Key",
	})

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "POST")
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "Idempotency-Key")
}

func TestCORSMiddleware_ExposesRetryAfter(t *testing.T) {
	w := serve(CORSMiddleware([]string{"*"}), http.MethodPost, "https://app.rutaquest.example", nil)
	assert.Contains(t, w.Header().Get("Access-Control-Expose-Headers"), "Retry-After")
}
