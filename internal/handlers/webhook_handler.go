package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/studybuddy/backend/internal/billing"
)

const webhookBodyLimit = 1 << 20

// WebhookHandler receives billing provider webhooks
type WebhookHandler struct {
	service *billing.WebhookService
	log     zerolog.Logger
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(service *billing.WebhookService, log zerolog.Logger) *WebhookHandler {
	return &WebhookHandler{service: service, log: log}
}

// Stripe verifies and applies a Stripe event
func (h *WebhookHandler) Stripe(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, webhookBodyLimit)
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	eventType, err := h.service.HandleWebhook(c.Request.Context(), payload, c.GetHeader("Stripe-Signature"))
	switch {
	case errors.Is(err, billing.ErrWebhookNotConfigured):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "webhook secret not configured"})
	case errors.Is(err, billing.ErrInvalidSignature):
		h.log.Warn().Err(err).Msg("stripe webhook rejected")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid Stripe signature"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "processing failed"})
	default:
		c.JSON(http.StatusOK, gin.H{"received": true, "type": eventType})
	}
}
