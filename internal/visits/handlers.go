package visits

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rutaquest/visitguard/internal/auth"
	"github.com/rutaquest/visitguard/internal/fingerprint"
	"github.com/rutaquest/visitguard/internal/gps"
	"github.com/rutaquest/visitguard/internal/logging"
	"github.com/rutaquest/visitguard/internal/pagination"
	"github.com/rutaquest/visitguard/internal/validation"
)

// Handler provides HTTP endpoints for visit validation.
type Handler struct {
	engine *Engine
}

// NewHandler creates a new visits handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterProtectedRoutes sets up auth-required visit routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/visits/validate", h.ValidateVisit)
	r.GET("/me/visits", h.ListMyVisits)
	r.GET("/pois", h.ListPOIs)
	r.GET("/pois/:id", validation.IDParamMiddleware("id"), h.GetPOI)
}

// ValidateVisitRequest is the body of POST /v1/visits/validate.
type ValidateVisitRequest struct {
	POIID       string             `json:"poiId"`
	TagUID      string             `json:"tagUid"`
	ChallengeID string             `json:"challengeId"`
	Nonce       string             `json:"nonce"`
	Samples     []gps.Sample       `json:"samples"`
	Fingerprint fingerprint.Client `json:"fingerprint"`
	DeviceInfo  map[string]any     `json:"deviceInfo"`
}

// ValidateVisit handles POST /v1/visits/validate
func (h *Handler) ValidateVisit(c *gin.Context) {
	var body ValidateVisitRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must be a visit claim",
		})
		return
	}

	id, _ := auth.GetIdentity(c)
	req := ValidateRequest{
		UserID:      auth.UserID(c),
		POIID:       body.POIID,
		TagUID:      body.TagUID,
		ChallengeID: body.ChallengeID,
		Nonce:       body.Nonce,
		Samples:     body.Samples,
		Client:      body.Fingerprint,
		Server:      fingerprint.ExtractServerSide(c.Request.Header, c.ClientIP()),
		DeviceInfo:  validation.SanitizeMetadata(body.DeviceInfo),
	}
	if id != nil {
		req.SessionToken = id.Token
	}

	res, err := h.engine.Validate(c.Request.Context(), req)

	var verrs validation.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		validation.RespondError(c, verrs)
		return
	case errors.Is(err, ErrUnauthenticated):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Authentication required"})
		return
	case err != nil:
		logging.L(c.Request.Context()).Error("visit validation unavailable", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":      "unavailable",
			"message":    res.Reason,
			"retryable":  true,
			"auditLogId": res.AuditLogID,
		})
		return
	}

	if !res.IsValid {
		c.JSON(http.StatusForbidden, res)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ListMyVisits handles GET /v1/me/visits
func (h *Handler) ListMyVisits(c *gin.Context) {
	cursor := c.Query("cursor")
	if _, err := pagination.Decode(cursor); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": "cursor is malformed"})
		return
	}
	limit := pagination.ParseLimit(c.Query("limit"))

	items, err := h.engine.Store().ListVisits(c.Request.Context(), auth.UserID(c), limit+1, WithCursor(cursor))
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to list visits", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list visits"})
		return
	}

	c.JSON(http.StatusOK, pagination.NewPage(items, limit, func(v *Visit) (time.Time, string) {
		return v.ScannedAt, v.ID
	}))
}

// GetPOI handles GET /v1/pois/:id
func (h *Handler) GetPOI(c *gin.Context) {
	poi, err := h.engine.Store().GetPOI(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrPOINotFound) || (err == nil && !poi.Active) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "POI not found"})
		return
	}
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to get poi", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to load POI"})
		return
	}
	c.JSON(http.StatusOK, poi)
}

// ListPOIs handles GET /v1/pois
func (h *Handler) ListPOIs(c *gin.Context) {
	limit := pagination.ParseLimit(c.Query("limit"))
	pois, err := h.engine.Store().ListPOIs(c.Request.Context(), c.Query("category"), limit)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to list pois", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list POIs"})
		return
	}
	if pois == nil {
		pois = []*POI{}
	}
	c.JSON(http.StatusOK, gin.H{"pois": pois, "count": len(pois)})
}
