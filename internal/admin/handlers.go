package admin

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rutaquest/visitguard/internal/logging"
	"github.com/rutaquest/visitguard/internal/pagination"
	"github.com/rutaquest/visitguard/internal/rewards"
	"github.com/rutaquest/visitguard/internal/validation"
	"github.com/rutaquest/visitguard/internal/visits"
)

// Handler provides admin HTTP endpoints.
type Handler struct {
	svc  *Service
	live LiveFeed
	now  func() time.Time
}

// NewHandler creates a new admin handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc, now: time.Now}
}

// WithLiveFeed enables GET /admin/live.
func (h *Handler) WithLiveFeed(f LiveFeed) *Handler {
	h.live = f
	return h
}

// RegisterRoutes sets up admin routes. The group must already be guarded
// by the admin secret.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/security-metrics", h.getSecurityMetrics)
	r.GET("/audit", h.listAudit)
	r.POST("/pois", h.upsertPOI)
	r.GET("/users/:id/rewards", validation.IDParamMiddleware("id"), h.listUserRewards)
	r.GET("/live", h.liveFeed)
	r.GET("/live/stats", h.liveStats)
}

// getSecurityMetrics handles GET /v1/admin/security-metrics
func (h *Handler) getSecurityMetrics(c *gin.Context) {
	m, err := h.svc.SecurityMetrics(c.Request.Context(), c.Query("range"))
	if errors.Is(err, ErrInvalidRange) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_range", "message": err.Error()})
		return
	}
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to compute security metrics", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to compute metrics"})
		return
	}
	c.JSON(http.StatusOK, m)
}

// listAudit handles GET /v1/admin/audit
func (h *Handler) listAudit(c *gin.Context) {
	cursor := c.Query("cursor")
	if _, err := pagination.Decode(cursor); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": "cursor is malformed"})
		return
	}
	f := visits.AuditFilter{
		UserID:  c.Query("userId"),
		POIID:   c.Query("poiId"),
		Outcome: c.Query("outcome"),
		Flag:    c.Query("flag"),
	}
	if errs := validation.Validate(
		validation.ValidID("userId", f.UserID),
		validation.ValidID("poiId", f.POIID),
		validation.MaxLength("flag", f.Flag, 64),
		outcomeValidator(f.Outcome),
	); len(errs) > 0 {
		validation.RespondError(c, errs)
		return
	}
	limit := pagination.ParseLimit(c.Query("limit"))

	records, err := h.svc.visits.ListAudit(c.Request.Context(), f, limit+1, visits.WithCursor(cursor))
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to list audit", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list audit records"})
		return
	}
	c.JSON(http.StatusOK, pagination.NewPage(records, limit, func(r *visits.AuditRecord) (time.Time, string) {
		return r.CreatedAt, r.ID
	}))
}

func outcomeValidator(outcome string) func() *validation.ValidationError {
	return func() *validation.ValidationError {
		switch outcome {
		case "", visits.OutcomeAccepted, visits.OutcomeRejected, visits.OutcomeError:
			return nil
		}
		return &validation.ValidationError{Field: "outcome", Message: "must be accepted, rejected or error"}
	}
}

// UpsertPOIRequest is the body of POST /v1/admin/pois.
type UpsertPOIRequest struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Category        string   `json:"category"`
	Latitude        *float64 `json:"latitude"`
	Longitude       *float64 `json:"longitude"`
	TagUID          string   `json:"tagUid"`
	Points          int      `json:"points"`
	XPReward        int      `json:"xpReward"`
	ProximityMeters *float64 `json:"proximityMeters"`
	Active          *bool    `json:"active"`
}

func (r *UpsertPOIRequest) validate() validation.ValidationErrors {
	checks := []func() *validation.ValidationError{
		validation.Required("id", r.ID),
		validation.ValidID("id", r.ID),
		validation.Required("name", r.Name),
		validation.MaxLength("name", r.Name, 200),
		validation.Required("category", r.Category),
		validation.MaxLength("category", r.Category, 64),
		validation.Required("tagUid", r.TagUID),
		validation.MaxLength("tagUid", r.TagUID, 128),
		validation.NonNegative("points", float64(r.Points)),
		validation.NonNegative("xpReward", float64(r.XPReward)),
	}
	if r.Latitude == nil {
		checks = append(checks, validation.Required("latitude", ""))
	} else {
		checks = append(checks, validation.Latitude("latitude", *r.Latitude))
	}
	if r.Longitude == nil {
		checks = append(checks, validation.Required("longitude", ""))
	} else {
		checks = append(checks, validation.Longitude("longitude", *r.Longitude))
	}
	if r.ProximityMeters != nil {
		checks = append(checks, validation.NonNegative("proximityMeters", *r.ProximityMeters))
	}
	return validation.Validate(checks...)
}

// upsertPOI handles POST /v1/admin/pois
func (h *Handler) upsertPOI(c *gin.Context) {
	var req UpsertPOIRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Request body must be a POI"})
		return
	}
	if errs := req.validate(); len(errs) > 0 {
		validation.RespondError(c, errs)
		return
	}

	ctx := c.Request.Context()
	now := h.now().UTC()
	poi := &visits.POI{
		ID:              req.ID,
		Name:            validation.SanitizeText(req.Name, 200),
		Category:        validation.SanitizeText(req.Category, 64),
		Latitude:        *req.Latitude,
		Longitude:       *req.Longitude,
		TagUID:          req.TagUID,
		Points:          req.Points,
		XPReward:        req.XPReward,
		ProximityMeters: req.ProximityMeters,
		Active:          req.Active == nil || *req.Active,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	status := http.StatusCreated
	existing, err := h.svc.visits.GetPOI(ctx, req.ID)
	switch {
	case err == nil:
		poi.CreatedAt = existing.CreatedAt
		status = http.StatusOK
	case !errors.Is(err, visits.ErrPOINotFound):
		logging.L(ctx).Error("failed to load poi", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to save POI"})
		return
	}

	if err := h.svc.visits.UpsertPOI(ctx, poi); err != nil {
		logging.L(ctx).Error("failed to upsert poi", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to save POI"})
		return
	}
	logging.L(ctx).Info("poi saved", "poi_id", poi.ID, "active", poi.Active)
	c.JSON(status, poi)
}

// listUserRewards handles GET /v1/admin/users/:id/rewards
func (h *Handler) listUserRewards(c *gin.Context) {
	limit := pagination.ParseLimit(c.Query("limit"))
	entries, err := h.svc.rewards.ListEntries(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to list reward entries", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list rewards"})
		return
	}
	if entries == nil {
		entries = []*rewards.LedgerEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// liveFeed handles GET /v1/admin/live
func (h *Handler) liveFeed(c *gin.Context) {
	if h.live == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "live feed not configured"})
		return
	}
	h.live.HandleWebSocket(c.Writer, c.Request)
}

// liveStats handles GET /v1/admin/live/stats
func (h *Handler) liveStats(c *gin.Context) {
	if h.live == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "live feed not configured"})
		return
	}
	c.JSON(http.StatusOK, h.live.Stats())
}
