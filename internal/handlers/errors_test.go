package handlers

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/studybuddy/backend/internal/abuse"
	"github.com/studybuddy/backend/internal/entitlement"
	"github.com/studybuddy/backend/internal/referral"
	"github.com/studybuddy/backend/internal/rewards"
	"github.com/studybuddy/backend/internal/store"
	"github.com/studybuddy/backend/internal/tiers"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{store.ErrNotFound, http.StatusNotFound},
		{rewards.ErrRewardNotFound, http.StatusNotFound},
		{abuse.ErrFlagNotFound, http.StatusNotFound},
		{fmt.Errorf("lookup: %w", store.ErrInvalidRecord), http.StatusBadRequest},
		{entitlement.ErrUnknownCapability, http.StatusBadRequest},
		{fmt.Errorf("%w: %q", tiers.ErrUnknownTier, "platinum"), http.StatusInternalServerError},
		{referral.ErrSelfReferral, http.StatusUnprocessableEntity},
		{referral.ErrDuplicateReferral, http.StatusConflict},
		{rewards.ErrAlreadyProcessed, http.StatusConflict},
		{rewards.ErrNotFailed, http.StatusConflict},
		{abuse.ErrFlagResolved, http.StatusConflict},
		{rewards.ErrBillingDisabled, http.StatusServiceUnavailable},
		{errors.New("connection reset"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestRespondErrorHidesAndLogsInternalErrors(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	log := zerolog.New(&buf)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/api/v1/entitlements/voice", nil)
	respondError(c, log, fmt.Errorf("%w: %q", tiers.ErrUnknownTier, "legacy"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"internal server error"}`, w.Body.String())
	assert.Contains(t, buf.String(), `"level":"error"`)
	assert.Contains(t, buf.String(), "legacy")
}
