// Package rewards applies referral rewards against the external ledger.
//
// A reward moves pending -> applied exactly once, or pending -> failed.
// Failed rewards go back to pending only through RetryFailed. Every ledger
// call carries an idempotency key built from the reward id and attempt
// number, so a duplicated call within one attempt cannot double-credit.
package rewards

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/studybuddy/backend/internal/billing"
	"github.com/studybuddy/backend/internal/metrics"
	"github.com/studybuddy/backend/internal/models"
	"github.com/studybuddy/backend/internal/store"
)

var (
	// ErrAlreadyProcessed is returned when a reward is no longer pending
	ErrAlreadyProcessed = errors.New("rewards: reward already processed")
	// ErrRewardNotFound is returned for an unknown reward id
	ErrRewardNotFound = errors.New("rewards: reward not found")
	// ErrUnknownRewardType is returned for a reward type outside the known set
	ErrUnknownRewardType = errors.New("rewards: unknown reward type")
	// ErrNotFailed is returned when retrying a reward that has not failed
	ErrNotFailed = errors.New("rewards: reward is not in failed status")
	// ErrBillingDisabled is returned while the billing kill switch is off
	ErrBillingDisabled = errors.New("rewards: billing is disabled")
)

// CreditDescription labels referral credits on the customer's balance
const CreditDescription = "Referral reward credit"

// Store is the subset of the record store reward processing needs
type Store interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	CreateReward(ctx context.Context, r *models.Reward) error
	GetReward(ctx context.Context, id uuid.UUID) (*models.Reward, error)
	ListRewards(ctx context.Context, f store.RewardFilter) ([]*models.Reward, error)
	TransitionReward(ctx context.Context, id uuid.UUID, from, to models.RewardStatus, t models.RewardTransition) (bool, error)
}

// Switches exposes the billing kill switch
type Switches interface {
	Config(ctx context.Context) models.SystemConfig
}

// Config is the reward policy
type Config struct {
	CreditAmount   int64
	FreeMonthValue int64
	FreeMonthDays  int
	Currency       string
}

// DefaultConfig returns the standard reward policy
func DefaultConfig() Config {
	return Config{
		CreditAmount:   2000,
		FreeMonthValue: 2000,
		FreeMonthDays:  30,
		Currency:       "usd",
	}
}

// Outcome is the result of one processing attempt. A ledger failure is an
// Outcome with Success false, not a Go error.
type Outcome struct {
	RewardID      uuid.UUID `json:"reward_id"`
	Success       bool      `json:"success"`
	TransactionID string    `json:"transaction_id,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// ClaimSummary reports a ClaimAll batch
type ClaimSummary struct {
	Total      int      `json:"total"`
	Successful int      `json:"successful"`
	Failed     int      `json:"failed"`
	Errors     []string `json:"errors"`
}

// Processor creates and applies rewards
type Processor struct {
	store    Store
	ledger   billing.Ledger
	switches Switches
	cfg      Config
	now      func() time.Time
	log      zerolog.Logger
}

// NewProcessor creates a Processor
func NewProcessor(s Store, ledger billing.Ledger, switches Switches, cfg Config, log zerolog.Logger) *Processor {
	return &Processor{
		store:    s,
		ledger:   ledger,
		switches: switches,
		cfg:      cfg,
		now:      time.Now,
		log:      log,
	}
}

// NewReward builds, without storing, a pending reward for a referrer. A zero
// amount takes the policy value for the reward type.
func (p *Processor) NewReward(userID string, referralID uuid.UUID, rewardType models.RewardType, amount int64) (*models.Reward, error) {
	if amount == 0 {
		switch rewardType {
		case models.RewardCredit:
			amount = p.cfg.CreditAmount
		case models.RewardFreeMonth:
			amount = p.cfg.FreeMonthValue
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownRewardType, rewardType)
		}
	}

	return &models.Reward{
		UserID:     userID,
		ReferralID: referralID,
		RewardType: rewardType,
		Amount:     amount,
		Status:     models.RewardPending,
		CreatedAt:  p.now().UTC(),
	}, nil
}

// CreateReward stores a pending reward for a referrer
func (p *Processor) CreateReward(ctx context.Context, userID string, referralID uuid.UUID, rewardType models.RewardType, amount int64) (*models.Reward, error) {
	r, err := p.NewReward(userID, referralID, rewardType, amount)
	if err != nil {
		return nil, err
	}
	if err := p.store.CreateReward(ctx, r); err != nil {
		return nil, fmt.Errorf("failed to create reward: %w", err)
	}
	p.log.Info().Str("reward_id", r.ID.String()).Str("user_id", userID).
		Str("type", string(rewardType)).Int64("amount", r.Amount).Msg("reward created")
	return r, nil
}

// Process applies a pending reward. It returns ErrAlreadyProcessed, without
// touching the ledger, for any reward that is not pending.
func (p *Processor) Process(ctx context.Context, rewardID uuid.UUID) (Outcome, error) {
	r, err := p.getReward(ctx, rewardID)
	if err != nil {
		return Outcome{}, err
	}
	if r.Status != models.RewardPending {
		return Outcome{RewardID: r.ID}, ErrAlreadyProcessed
	}
	switch r.RewardType {
	case models.RewardCredit:
		return p.ApplyCredit(ctx, r)
	case models.RewardFreeMonth:
		return p.ApplyFreeMonth(ctx, r)
	}
	return Outcome{RewardID: r.ID}, fmt.Errorf("%w: %q", ErrUnknownRewardType, r.RewardType)
}

// ApplyCredit posts the reward amount as a balance credit for the referrer
func (p *Processor) ApplyCredit(ctx context.Context, r *models.Reward) (Outcome, error) {
	return p.apply(ctx, r, func(u *models.User, key string) (string, error) {
		return p.ledger.CreateBalanceCredit(ctx, billing.CreditRequest{
			CustomerID:     u.StripeCustomerID,
			AmountCents:    r.Amount,
			Currency:       p.cfg.Currency,
			Description:    CreditDescription,
			IdempotencyKey: key,
			Metadata: map[string]string{
				"reward_id":   r.ID.String(),
				"referral_id": r.ReferralID.String(),
			},
		})
	})
}

// ApplyFreeMonth pushes the referrer's current period end out by the policy
// number of days.
func (p *Processor) ApplyFreeMonth(ctx context.Context, r *models.Reward) (Outcome, error) {
	return p.apply(ctx, r, func(u *models.User, key string) (string, error) {
		sub, err := p.ledger.GetSubscription(ctx, u.SubscriptionID)
		if err != nil {
			return "", err
		}
		end := sub.CurrentPeriodEnd.AddDate(0, 0, p.cfg.FreeMonthDays)
		updated, err := p.ledger.UpdateSubscription(ctx, sub.ID, billing.SubscriptionUpdate{TrialEnd: &end}, key)
		if err != nil {
			return "", err
		}
		return updated.ID, nil
	})
}

// RetryFailed moves a failed reward back to pending and processes it again
func (p *Processor) RetryFailed(ctx context.Context, rewardID uuid.UUID) (Outcome, error) {
	r, err := p.getReward(ctx, rewardID)
	if err != nil {
		return Outcome{}, err
	}
	switch r.Status {
	case models.RewardApplied:
		return Outcome{RewardID: r.ID}, ErrAlreadyProcessed
	case models.RewardFailed:
		ok, err := p.store.TransitionReward(ctx, r.ID, models.RewardFailed, models.RewardPending, models.RewardTransition{Error: r.Error})
		if err != nil {
			return Outcome{}, fmt.Errorf("failed to reset reward: %w", err)
		}
		if ok {
			p.log.Info().Str("reward_id", r.ID.String()).Int("attempts", r.Attempts).Msg("failed reward reset for retry")
		}
	default:
		return Outcome{RewardID: r.ID}, ErrNotFailed
	}
	return p.Process(ctx, r.ID)
}

// ClaimAll processes every pending reward of a user. Individual failures
// are counted, not returned.
func (p *Processor) ClaimAll(ctx context.Context, userID string) (ClaimSummary, error) {
	pending, err := p.store.ListRewards(ctx, store.RewardFilter{UserID: userID, Status: models.RewardPending})
	if err != nil {
		return ClaimSummary{}, fmt.Errorf("failed to list pending rewards: %w", err)
	}

	summary := ClaimSummary{Total: len(pending), Errors: []string{}}
	for _, r := range pending {
		out, err := p.Process(ctx, r.ID)
		if errors.Is(err, ErrBillingDisabled) {
			return summary, err
		}
		switch {
		case err != nil:
			summary.Failed++
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", r.ID, err))
		case out.Success:
			summary.Successful++
		default:
			summary.Failed++
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %s", r.ID, out.Error))
		}
	}
	return summary, nil
}

// ListFailed returns failed rewards, oldest first
func (p *Processor) ListFailed(ctx context.Context, limit int) ([]*models.Reward, error) {
	return p.store.ListRewards(ctx, store.RewardFilter{Status: models.RewardFailed, Limit: limit})
}

// ListStalePending returns rewards still pending that were created before cutoff
func (p *Processor) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]*models.Reward, error) {
	return p.store.ListRewards(ctx, store.RewardFilter{Status: models.RewardPending, CreatedBefore: cutoff, Limit: limit})
}

func (p *Processor) getReward(ctx context.Context, id uuid.UUID) (*models.Reward, error) {
	r, err := p.store.GetReward(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrRewardNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load reward: %w", err)
	}
	return r, nil
}

// IdempotencyKey identifies one ledger attempt for a reward
func IdempotencyKey(id uuid.UUID, attempt int) string {
	return fmt.Sprintf("reward-%s-%d", id, attempt)
}

type ledgerCall func(u *models.User, idempotencyKey string) (string, error)

func (p *Processor) apply(ctx context.Context, r *models.Reward, call ledgerCall) (Outcome, error) {
	if r.Status != models.RewardPending {
		return Outcome{RewardID: r.ID}, ErrAlreadyProcessed
	}
	if !p.switches.Config(ctx).BillingEnabled {
		return Outcome{RewardID: r.ID}, ErrBillingDisabled
	}

	log := p.log.With().Str("reward_id", r.ID.String()).Str("user_id", r.UserID).Str("type", string(r.RewardType)).Logger()
	attempt := r.Attempts + 1

	var (
		txID    string
		callErr error
	)
	u, err := p.store.GetUser(ctx, r.UserID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		callErr = errors.New("beneficiary account not found")
	case err != nil:
		return Outcome{}, fmt.Errorf("failed to load beneficiary: %w", err)
	default:
		txID, callErr = call(u, IdempotencyKey(r.ID, attempt))
	}

	if callErr != nil {
		ok, err := p.store.TransitionReward(ctx, r.ID, models.RewardPending, models.RewardFailed, models.RewardTransition{
			Error:    callErr.Error(),
			Attempts: attempt,
		})
		if err != nil {
			return Outcome{}, fmt.Errorf("failed to record reward failure: %w", err)
		}
		if !ok {
			return Outcome{RewardID: r.ID}, ErrAlreadyProcessed
		}
		metrics.RewardsProcessed.WithLabelValues(string(r.RewardType), "failed").Inc()
		log.Warn().Err(callErr).Int("attempt", attempt).Msg("reward application failed")
		return Outcome{RewardID: r.ID, Success: false, Error: callErr.Error()}, nil
	}

	now := p.now().UTC()
	ok, err := p.store.TransitionReward(ctx, r.ID, models.RewardPending, models.RewardApplied, models.RewardTransition{
		ExternalTransactionID: txID,
		AppliedAt:             &now,
		Attempts:              attempt,
		Counters: map[models.UserCounter]int64{
			models.CounterPendingRewards:     -1,
			models.CounterTotalRewardsEarned: r.Amount,
		},
		ReferralRewardedAt: &now,
	})
	if err != nil {
		// The reward stays pending with its counters untouched. The next
		// attempt reuses the same idempotency key, so it cannot credit twice.
		log.Error().Err(err).Str("transaction_id", txID).Msg("reward applied at ledger but not recorded")
		return Outcome{}, fmt.Errorf("failed to record applied reward: %w", err)
	}
	if !ok {
		return Outcome{RewardID: r.ID}, ErrAlreadyProcessed
	}

	metrics.RewardsProcessed.WithLabelValues(string(r.RewardType), "applied").Inc()
	log.Info().Str("transaction_id", txID).Int64("amount", r.Amount).Msg("reward applied")
	return Outcome{RewardID: r.ID, Success: true, TransactionID: txID}, nil
}
