package sessions

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rutaquest/visitguard/internal/auth"
	"github.com/rutaquest/visitguard/internal/logging"
	"github.com/rutaquest/visitguard/internal/validation"
)

const maxReasonLength = 256

// Handler provides HTTP endpoints for session activity and revocation.
type Handler struct {
	tracker *Tracker
}

// NewHandler creates a new sessions handler.
func NewHandler(tracker *Tracker) *Handler {
	return &Handler{tracker: tracker}
}

// RegisterProtectedRoutes sets up auth-required session routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/sessions/events", h.LogEvent)
	r.DELETE("/sessions/current", h.RevokeCurrent)
	r.POST("/sessions/revoke-all", h.RevokeAllMine)
}

// RegisterAdminRoutes sets up admin session routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/users/:id/sessions/revoke", validation.IDParamMiddleware("id"), h.AdminRevokeUser)
}

// ObserveSessions logs the authenticated caller's session activity. It
// must run after auth.RequireAuth. A tracker failure is logged and the
// request proceeds.
func ObserveSessions(tracker *Tracker) gin.HandlerFunc {
	return func(c *gin.Context) {
		if id, ok := auth.GetIdentity(c); ok {
			if err := tracker.Observe(c.Request.Context(), id.UserID, id.Token, c.ClientIP()); err != nil {
				logging.L(c.Request.Context()).Warn("failed to observe session", "error", err)
			}
		}
		c.Next()
	}
}

// LogEventRequest is the body of POST /v1/sessions/events.
type LogEventRequest struct {
	Action    string   `json:"action" binding:"required"`
	Flags     []string `json:"flags"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Reason    string   `json:"reason"`
}

type revokeRequest struct {
	Reason string `json:"reason"`
}

// LogEvent handles POST /v1/sessions/events
func (h *Handler) LogEvent(c *gin.Context) {
	var req LogEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "action is required",
		})
		return
	}

	var checks []func() *validation.ValidationError
	if req.Latitude != nil {
		checks = append(checks, validation.Latitude("latitude", *req.Latitude))
	}
	if req.Longitude != nil {
		checks = append(checks, validation.Longitude("longitude", *req.Longitude))
	}
	if (req.Latitude == nil) != (req.Longitude == nil) {
		checks = append(checks, func() *validation.ValidationError {
			return &validation.ValidationError{Field: "longitude", Message: "latitude and longitude must be sent together"}
		})
	}
	checks = append(checks, validation.CountBetween("flags", len(req.Flags), 0, 16))
	if errs := validation.Validate(checks...); len(errs) > 0 {
		validation.RespondError(c, errs)
		return
	}

	flags := make([]string, 0, len(req.Flags))
	for _, f := range req.Flags {
		if s := validation.SanitizeText(f, 64); s != "" {
			flags = append(flags, s)
		}
	}

	id, _ := auth.GetIdentity(c)
	entry, err := h.tracker.Log(c.Request.Context(), LogRequest{
		UserID:    id.UserID,
		Token:     id.Token,
		Action:    req.Action,
		Flags:     flags,
		IP:        c.ClientIP(),
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
		Reason:    validation.SanitizeText(req.Reason, maxReasonLength),
	})
	if errors.Is(err, ErrInvalidAction) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_action",
			"message": "action must be LOGIN, REFRESH, LOGOUT or ANOMALY",
		})
		return
	}
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to log session event", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":     "unavailable",
			"message":   "Could not record session event. Please retry.",
			"retryable": true,
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":         entry.ID,
		"action":     entry.Action,
		"suspicious": entry.Suspicious,
		"flags":      entry.Flags,
	})
}

// RevokeCurrent handles DELETE /v1/sessions/current
func (h *Handler) RevokeCurrent(c *gin.Context) {
	id, _ := auth.GetIdentity(c)
	if err := h.tracker.Revoke(c.Request.Context(), id.Token, "user_signout"); err != nil {
		logging.L(c.Request.Context()).Error("failed to revoke session", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":     "unavailable",
			"message":   "Could not revoke session. Please retry.",
			"retryable": true,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": true})
}

// RevokeAllMine handles POST /v1/sessions/revoke-all
func (h *Handler) RevokeAllMine(c *gin.Context) {
	var req revokeRequest
	_ = c.ShouldBindJSON(&req)
	reason := validation.SanitizeText(req.Reason, maxReasonLength)
	if reason == "" {
		reason = "user_revoke_all"
	}
	h.revokeAll(c, auth.UserID(c), reason)
}

// AdminRevokeUser handles POST /v1/admin/users/:id/sessions/revoke
func (h *Handler) AdminRevokeUser(c *gin.Context) {
	var req revokeRequest
	_ = c.ShouldBindJSON(&req)
	reason := validation.SanitizeText(req.Reason, maxReasonLength)
	if reason == "" {
		reason = "admin_revoke"
	}
	h.revokeAll(c, c.Param("id"), reason)
}

func (h *Handler) revokeAll(c *gin.Context, userID, reason string) {
	n, err := h.tracker.RevokeAll(c.Request.Context(), userID, reason)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to revoke sessions", "user_id", userID, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":     "unavailable",
			"message":   "Could not revoke sessions. Please retry.",
			"retryable": true,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"userId": userID, "revoked": n})
}
