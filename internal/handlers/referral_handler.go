package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/studybuddy/backend/internal/abuse"
	"github.com/studybuddy/backend/internal/middleware"
	"github.com/studybuddy/backend/internal/referral"
)

const defaultHistoryLimit = 50

// ReferralHandler serves referral codes, signups and stats
type ReferralHandler struct {
	ledger   *referral.Ledger
	detector *abuse.Detector
	log      zerolog.Logger
}

// NewReferralHandler creates a new referral handler
func NewReferralHandler(ledger *referral.Ledger, detector *abuse.Detector, log zerolog.Logger) *ReferralHandler {
	return &ReferralHandler{ledger: ledger, detector: detector, log: log}
}

// SignupRequest is the body of a referred signup. The screened email always
// comes from the caller's token.
type SignupRequest struct {
	Code string `json:"code" binding:"required"`
}

// AssignCode returns the caller's referral code, creating it on first use
func (h *ReferralHandler) AssignCode(c *gin.Context) {
	code, err := h.ledger.AssignCode(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"referral_code": code})
}

// ValidateCode reports whether a code may be used
func (h *ReferralHandler) ValidateCode(c *gin.Context) {
	v, err := h.ledger.ValidateCode(c.Request.Context(), c.Param("code"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

// Stats returns the caller's referral counters
func (h *ReferralHandler) Stats(c *gin.Context) {
	stats, err := h.ledger.Stats(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// History lists the caller's referrals, newest first
func (h *ReferralHandler) History(c *gin.Context) {
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	refs, err := h.ledger.History(c.Request.Context(), middleware.UserID(c), limit)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"referrals": refs})
}

// Signup screens a referred signup and records it when allowed
func (h *ReferralHandler) Signup(c *gin.Context) {
	var body SignupRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	req := referral.SignupRequest{
		Code:      body.Code,
		NewUserID: middleware.UserID(c),
		Email:     middleware.Email(c),
		IPAddress: c.ClientIP(),
	}

	result, err := h.detector.Check(c.Request.Context(), req)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	if !result.Allowed {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": result.Reason})
		return
	}

	ref, err := h.ledger.RecordSignup(c.Request.Context(), req)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, ref)
}
