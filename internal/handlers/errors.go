package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/studybuddy/backend/internal/abuse"
	"github.com/studybuddy/backend/internal/entitlement"
	"github.com/studybuddy/backend/internal/referral"
	"github.com/studybuddy/backend/internal/rewards"
	"github.com/studybuddy/backend/internal/store"
)

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, rewards.ErrRewardNotFound),
		errors.Is(err, abuse.ErrFlagNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInvalidRecord),
		errors.Is(err, entitlement.ErrUnknownCapability),
		errors.Is(err, abuse.ErrInvalidAction),
		errors.Is(err, referral.ErrInvalidCode):
		return http.StatusBadRequest
	case errors.Is(err, referral.ErrSelfReferral):
		return http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrDuplicate),
		errors.Is(err, referral.ErrDuplicateReferral),
		errors.Is(err, rewards.ErrAlreadyProcessed),
		errors.Is(err, rewards.ErrNotFailed),
		errors.Is(err, abuse.ErrFlagResolved):
		return http.StatusConflict
	case errors.Is(err, rewards.ErrBillingDisabled):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// respondError writes err as JSON. Internal errors are logged and hidden.
func respondError(c *gin.Context, log zerolog.Logger, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		c.JSON(status, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
