package challenge

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rutaquest/visitguard/internal/auth"
	"github.com/rutaquest/visitguard/internal/logging"
)

// Handler provides HTTP endpoints for challenges.
type Handler struct {
	service *Service
}

// NewHandler creates a new challenge handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up auth-required challenge routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/challenges", h.IssueChallenge)
}

// IssueChallenge handles POST /v1/challenges
func (h *Handler) IssueChallenge(c *gin.Context) {
	ch, err := h.service.Issue(c.Request.Context(), auth.UserID(c))
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to issue challenge", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":     "unavailable",
			"message":   "Could not issue a challenge. Please retry.",
			"retryable": true,
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"challengeId": ch.ID,
		"nonce":       ch.Nonce,
		"issuedAt":    ch.IssuedAt,
		"expiresAt":   ch.ExpiresAt,
	})
}
