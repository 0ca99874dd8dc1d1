package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/studybuddy/backend/internal/middleware"
	"github.com/studybuddy/backend/internal/rewards"
)

// RewardHandler serves reward claims and operator retries
type RewardHandler struct {
	processor *rewards.Processor
	log       zerolog.Logger
}

// NewRewardHandler creates a new reward handler
func NewRewardHandler(p *rewards.Processor, log zerolog.Logger) *RewardHandler {
	return &RewardHandler{processor: p, log: log}
}

// Claim applies every pending reward of the caller
func (h *RewardHandler) Claim(c *gin.Context) {
	summary, err := h.processor.ClaimAll(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// ListFailed lists failed rewards for operators
func (h *RewardHandler) ListFailed(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return
	}
	failed, err := h.processor.ListFailed(c.Request.Context(), limit)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rewards": failed})
}

// Retry re-processes a failed reward
func (h *RewardHandler) Retry(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid reward id"})
		return
	}

	out, err := h.processor.RetryFailed(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	h.log.Info().Str("reward_id", id.String()).Str("operator", middleware.UserID(c)).Bool("success", out.Success).Msg("reward retried by operator")
	c.JSON(http.StatusOK, out)
}
