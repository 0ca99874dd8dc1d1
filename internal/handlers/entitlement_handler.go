package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/studybuddy/backend/internal/entitlement"
	"github.com/studybuddy/backend/internal/middleware"
	"github.com/studybuddy/backend/internal/usage"
)

// EntitlementHandler serves gate decisions and AI usage accounting
type EntitlementHandler struct {
	gate  *entitlement.Gate
	usage *usage.Accounting
	log   zerolog.Logger
}

// NewEntitlementHandler creates a new entitlement handler
func NewEntitlementHandler(gate *entitlement.Gate, usage *usage.Accounting, log zerolog.Logger) *EntitlementHandler {
	return &EntitlementHandler{gate: gate, usage: usage, log: log}
}

// Check answers whether the caller may use a capability
func (h *EntitlementHandler) Check(c *gin.Context) {
	capability, err := entitlement.ParseCapability(c.Param("capability"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	req := entitlement.Request{UserID: middleware.UserID(c), Capability: capability}
	if raw := c.Query("lessonCount"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "lessonCount must be a non-negative integer"})
			return
		}
		req.LessonCount = n
	}

	decision, err := h.gate.Check(c.Request.Context(), req)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, decision)
}

// GetUsage returns the caller's AI usage and limit
func (h *EntitlementHandler) GetUsage(c *gin.Context) {
	decision, err := h.gate.CheckAI(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"current_usage": decision.CurrentUsage,
		"limit":         decision.Limit,
		"tier":          decision.Tier,
		"allowed":       decision.Allowed,
	})
}

// RecordAIUsage counts one AI call after the client made it
func (h *EntitlementHandler) RecordAIUsage(c *gin.Context) {
	userID := middleware.UserID(c)
	if err := h.usage.RecordUsage(c.Request.Context(), userID); err != nil {
		respondError(c, h.log, err)
		return
	}
	h.usage.Track(c.Request.Context(), userID, "ai_call", nil)

	current, err := h.usage.CurrentUsage(c.Request.Context(), userID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"current_usage": current})
}

// ClaimAICall checks and records one AI call in a single step
func (h *EntitlementHandler) ClaimAICall(c *gin.Context) {
	userID := middleware.UserID(c)
	decision, err := h.gate.Claim(c.Request.Context(), userID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	if !decision.Allowed {
		c.JSON(http.StatusForbidden, decision)
		return
	}
	h.usage.Track(c.Request.Context(), userID, "ai_call", map[string]interface{}{"claimed": true})
	c.JSON(http.StatusOK, decision)
}
