package rewards

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/rutaquest/visitguard/internal/auth"
	"github.com/rutaquest/visitguard/internal/badges"
	"github.com/rutaquest/visitguard/internal/logging"
	"github.com/rutaquest/visitguard/internal/validation"
)

// VisitSummaries supplies per-category visit counts for badge evaluation.
type VisitSummaries interface {
	VisitSummary(ctx context.Context, userID string) (map[string]int, error)
}

// Handler provides HTTP endpoints for rewards.
type Handler struct {
	guard     *Guard
	summaries VisitSummaries
}

// NewHandler creates a new rewards handler.
func NewHandler(guard *Guard, summaries VisitSummaries) *Handler {
	return &Handler{guard: guard, summaries: summaries}
}

// RegisterProtectedRoutes sets up auth-required reward routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/rewards/award", h.Award)
	r.GET("/me/progress", h.GetProgress)
}

// AwardXPRequest is the body of POST /v1/rewards/award.
type AwardXPRequest struct {
	ActionType     string         `json:"actionType"`
	POIID          string         `json:"poiId"`
	IdempotencyKey string         `json:"idempotencyKey"`
	Latitude       *float64       `json:"latitude"`
	Longitude      *float64       `json:"longitude"`
	Metadata       map[string]any `json:"metadata"`
}

// Award handles POST /v1/rewards/award
func (h *Handler) Award(c *gin.Context) {
	var body AwardXPRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must be an award request",
		})
		return
	}
	key := body.IdempotencyKey
	if key == "" {
		key = c.GetHeader("Idempotency-Key")
	}

	res, err := h.guard.Award(c.Request.Context(), AwardRequest{
		UserID:         auth.UserID(c),
		ActionType:     body.ActionType,
		POIID:          body.POIID,
		IdempotencyKey: key,
		Latitude:       body.Latitude,
		Longitude:      body.Longitude,
		Metadata:       body.Metadata,
	})

	var (
		verrs   validation.ValidationErrors
		limited *RateLimitError
		banned  *BanError
	)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, res)
	case errors.As(err, &verrs):
		validation.RespondError(c, verrs)
	case errors.Is(err, ErrUnknownAction):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_action", "message": err.Error()})
	case errors.Is(err, ErrVisitRequired):
		c.JSON(http.StatusForbidden, gin.H{"error": "visit_required", "message": "No validated visit for this POI"})
	case errors.Is(err, ErrSuspicious):
		body := gin.H{"error": "suspicious_activity", "message": "Award rejected"}
		if res != nil {
			body["entryId"] = res.EntryID
			body["suspiciousScore"] = res.SuspiciousScore
		}
		c.JSON(http.StatusForbidden, body)
	case errors.Is(err, ErrAlreadyAwarded):
		c.JSON(http.StatusConflict, gin.H{"error": "already_awarded", "message": "This action was already rewarded"})
	case errors.As(err, &limited):
		tooMany(c, "rate_limited", "Too many award requests", limited.RetryAfter.Seconds())
	case errors.As(err, &banned):
		tooMany(c, "temporarily_banned", "Awards are suspended for this account", banned.RetryAfter.Seconds())
	case errors.Is(err, ErrUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":     "unavailable",
			"message":   "Reward checks are temporarily unavailable",
			"retryable": true,
		})
	default:
		logging.L(c.Request.Context()).Error("award failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to award XP"})
	}
}

func tooMany(c *gin.Context, code, msg string, seconds float64) {
	retry := int(seconds)
	if float64(retry) < seconds {
		retry++
	}
	c.Header("Retry-After", strconv.Itoa(retry))
	c.JSON(http.StatusTooManyRequests, gin.H{"error": code, "message": msg, "retryAfter": retry})
}

// GetProgress handles GET /v1/me/progress
func (h *Handler) GetProgress(c *gin.Context) {
	ctx := c.Request.Context()
	userID := auth.UserID(c)

	prog, err := h.guard.Progress(ctx, userID)
	if err != nil {
		logging.L(ctx).Error("failed to load progress", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to load progress"})
		return
	}
	byCategory, err := h.summaries.VisitSummary(ctx, userID)
	if err != nil {
		logging.L(ctx).Error("failed to load visit summary", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to load progress"})
		return
	}

	level := LevelForXP(prog.XPTotal)
	earned, err := badges.Earned(badges.Catalog, badges.Progress{
		XP:               prog.XPTotal,
		Level:            level,
		VisitsByCategory: byCategory,
	})
	if err != nil {
		logging.L(ctx).Error("failed to evaluate badges", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to load progress"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"userId":      userID,
		"xpTotal":     prog.XPTotal,
		"level":       level,
		"nextLevelXp": XPForLevel(level + 1),
		"badges":      earned,
	})
}
