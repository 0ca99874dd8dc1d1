package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/studybuddy/backend/internal/abuse"
	"github.com/studybuddy/backend/internal/middleware"
	"github.com/studybuddy/backend/internal/models"
	"github.com/studybuddy/backend/internal/sysconfig"
	"github.com/studybuddy/backend/internal/tiers"
)

// AdminHandler serves the operator interface
type AdminHandler struct {
	detector *abuse.Detector
	config   *sysconfig.Provider
	log      zerolog.Logger
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(detector *abuse.Detector, config *sysconfig.Provider, log zerolog.Logger) *AdminHandler {
	return &AdminHandler{detector: detector, config: config, log: log}
}

// ResolveFlagRequest is the body of a flag resolution
type ResolveFlagRequest struct {
	Action string `json:"action" binding:"required,oneof=approved banned warning"`
}

// SystemConfigRequest updates kill switches. Nil fields are left unchanged.
type SystemConfigRequest struct {
	AIEnabled           *bool   `json:"ai_enabled"`
	BillingEnabled      *bool   `json:"billing_enabled"`
	IngestEnabled       *bool   `json:"ingest_enabled"`
	AITone              *string `json:"ai_tone" binding:"omitempty,oneof=friendly strict concise"`
	ExplainWrongAnswers *bool   `json:"explain_wrong_answers"`
}

// ListFlags lists abuse flags, pending by default
func (h *AdminHandler) ListFlags(c *gin.Context) {
	status := models.FlagStatus(c.DefaultQuery("status", string(models.FlagPending)))
	flags, err := h.detector.ListFlags(c.Request.Context(), status, c.Query("user_id"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"flags": flags})
}

// ResolveFlag records an operator verdict on a flag
func (h *AdminHandler) ResolveFlag(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid flag id"})
		return
	}
	var body ResolveFlagRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	flag, err := h.detector.ResolveFlag(c.Request.Context(), id, models.FlagAction(body.Action), middleware.UserID(c))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, flag)
}

// GetSystemConfig returns the effective system config
func (h *AdminHandler) GetSystemConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.config.Config(c.Request.Context()))
}

// UpdateSystemConfig changes kill switches
func (h *AdminHandler) UpdateSystemConfig(c *gin.Context) {
	var body SystemConfigRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cfg, err := h.config.Update(c.Request.Context(), middleware.UserID(c), func(sc *models.SystemConfig) {
		if body.AIEnabled != nil {
			sc.AIEnabled = *body.AIEnabled
		}
		if body.BillingEnabled != nil {
			sc.BillingEnabled = *body.BillingEnabled
		}
		if body.IngestEnabled != nil {
			sc.IngestEnabled = *body.IngestEnabled
		}
		if body.AITone != nil {
			sc.AITone = *body.AITone
		}
		if body.ExplainWrongAnswers != nil {
			sc.ExplainWrongAnswers = *body.ExplainWrongAnswers
		}
	})
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// SetTierOverride force-sets features of one tier. An empty body clears it.
func (h *AdminHandler) SetTierOverride(c *gin.Context) {
	name := tiers.Name(c.Param("tier"))
	if !h.config.HasTier(name) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown tier: " + string(name)})
		return
	}
	var body models.TierOverride
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cfg, err := h.config.SetTierOverride(c.Request.Context(), name, body, middleware.UserID(c))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}
