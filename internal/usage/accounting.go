// Package usage tracks per-user, per-billing-period AI call counts.
package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/studybuddy/backend/internal/metrics"
	"github.com/studybuddy/backend/internal/models"
	"github.com/studybuddy/backend/internal/store"
	"github.com/studybuddy/backend/internal/tiers"
)

// Store is the subset of the record store usage accounting needs
type Store interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	IncrementCounters(ctx context.Context, userID string, deltas map[models.UserCounter]int64) error
	IncrementCounterBelow(ctx context.Context, userID string, counter models.UserCounter, ceiling int64) (bool, error)
	ResetCounter(ctx context.Context, userID string, counter models.UserCounter) error
	CreateUsageEvent(ctx context.Context, e *models.UsageEvent) error
}

// Accounting reads and advances the monthly AI usage counter
type Accounting struct {
	store Store
	now   func() time.Time
	log   zerolog.Logger
}

// NewAccounting creates an Accounting
func NewAccounting(s Store, log zerolog.Logger) *Accounting {
	return &Accounting{store: s, now: time.Now, log: log}
}

// CurrentUsage returns the stored counter, or 0 for an unknown account.
func (a *Accounting) CurrentUsage(ctx context.Context, userID string) (int64, error) {
	u, err := a.store.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read usage: %w", err)
	}
	return u.AIUsageThisMonth, nil
}

// RecordUsage atomically adds one AI call to the counter
func (a *Accounting) RecordUsage(ctx context.Context, userID string) error {
	err := a.store.IncrementCounters(ctx, userID, map[models.UserCounter]int64{models.CounterAIUsage: 1})
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	metrics.AIUsageRecorded.Inc()
	return nil
}

// RecordWithin adds one AI call only while the counter is below limit, in a
// single store operation. It reports whether the call was admitted. An
// unlimited quota always admits.
func (a *Accounting) RecordWithin(ctx context.Context, userID string, limit int) (bool, error) {
	if tiers.IsUnlimited(limit) {
		return true, a.RecordUsage(ctx, userID)
	}
	ok, err := a.store.IncrementCounterBelow(ctx, userID, models.CounterAIUsage, int64(limit))
	if err != nil {
		return false, fmt.Errorf("failed to record usage: %w", err)
	}
	if ok {
		metrics.AIUsageRecorded.Inc()
	}
	return ok, nil
}

// Reset zeroes the counter at a billing-period rollover
func (a *Accounting) Reset(ctx context.Context, userID string) error {
	if err := a.store.ResetCounter(ctx, userID, models.CounterAIUsage); err != nil {
		return fmt.Errorf("failed to reset usage: %w", err)
	}
	a.log.Info().Str("user_id", userID).Msg("ai usage reset for new billing period")
	return nil
}

// Track appends a usage event. Failures are logged and swallowed so that
// analytics never blocks the metered action.
func (a *Accounting) Track(ctx context.Context, userID, feature string, metadata map[string]interface{}) {
	e := &models.UsageEvent{
		UserID:    userID,
		Feature:   feature,
		Metadata:  models.JSON(metadata),
		Timestamp: a.now().UTC(),
	}
	if err := a.store.CreateUsageEvent(ctx, e); err != nil {
		a.log.Warn().Err(err).Str("user_id", userID).Str("feature", feature).Msg("failed to track usage event")
	}
}
