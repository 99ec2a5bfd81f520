package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/rutaquest/visitguard/internal/logging"
)

const (
	// ContextKeyIdentity holds the *Identity of an authenticated request.
	ContextKeyIdentity = "authIdentity"
	// ContextKeyUserID holds the authenticated user id.
	ContextKeyUserID = "authUserID"
)

// RevocationChecker reports whether a session token has been revoked.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, token string) (bool, error)
}

// RequireAuth rejects requests without a valid bearer token. When revoked
// is non-nil, revoked sessions get 401 and a failing check gets 503: a
// revocation list that cannot be read is not treated as empty.
func RequireAuth(v *Verifier, revoked RevocationChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := v.Verify(bearerToken(c.GetHeader("Authorization")))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Valid bearer token required. Include 'Authorization: Bearer <token>' header.",
			})
			return
		}

		if revoked != nil {
			isRevoked, err := revoked.IsRevoked(c.Request.Context(), id.Token)
			if err != nil {
				logging.L(c.Request.Context()).Error("revocation check failed", "error", err)
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
					"error":     "unavailable",
					"message":   "Authentication temporarily unavailable. Please retry.",
					"retryable": true,
				})
				return
			}
			if isRevoked {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error":   "session_revoked",
					"message": "Session has been revoked. Please sign in again.",
				})
				return
			}
		}

		c.Set(ContextKeyIdentity, id)
		c.Set(ContextKeyUserID, id.UserID)
		c.Request = c.Request.WithContext(logging.WithUserID(c.Request.Context(), id.UserID))
		c.Next()
	}
}

// RequireAdmin checks the X-Admin-Secret header in constant time. An empty
// secret disables admin routes entirely.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader("X-Admin-Secret")
		if secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin access required.",
			})
			return
		}
		c.Next()
	}
}

// UserID returns the authenticated user id, or "".
func UserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}

// GetIdentity returns the authenticated identity (if any).
func GetIdentity(c *gin.Context) (*Identity, bool) {
	v, exists := c.Get(ContextKeyIdentity)
	if !exists {
		return nil, false
	}
	id, ok := v.(*Identity)
	return id, ok
}

func bearerToken(header string) string {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
