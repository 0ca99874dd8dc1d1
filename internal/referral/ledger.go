// Package referral generates referral codes and records who referred whom.
package referral

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/studybuddy/backend/internal/metrics"
	"github.com/studybuddy/backend/internal/models"
	"github.com/studybuddy/backend/internal/store"
)

var (
	// ErrInvalidCode is returned when a code is malformed, unknown or
	// belongs to a banned referrer
	ErrInvalidCode = errors.New("referral: invalid referral code")
	// ErrSelfReferral is returned when a user applies their own code
	ErrSelfReferral = errors.New("referral: cannot refer yourself")
	// ErrDuplicateReferral is returned when the account or email was already referred
	ErrDuplicateReferral = errors.New("referral: already referred")
)

// Validation reasons
const (
	ReasonInvalidFormat = "Invalid referral code format"
	ReasonNotFound      = "Referral code not found"
	ReasonBanned        = "Referral code is no longer active"
)

// MaxCodeAttempts bounds random code generation before the time-derived fallback
const MaxCodeAttempts = 10

// Store is the subset of the record store the ledger needs
type Store interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByReferralCode(ctx context.Context, code string) (*models.User, error)
	ListUsersWithoutReferralCode(ctx context.Context, limit int) ([]*models.User, error)
	ReferralCodeExists(ctx context.Context, code string) (bool, error)
	SetReferralCode(ctx context.Context, userID, code string) (bool, error)
	SetReferredBy(ctx context.Context, userID, referrerID string) error
	RecordReferral(ctx context.Context, r *models.Referral) error
	ListReferrals(ctx context.Context, f store.ReferralFilter) ([]*models.Referral, error)
	CountReferrals(ctx context.Context, f store.ReferralFilter) (int64, error)
	ConvertReferral(ctx context.Context, id uuid.UUID, at time.Time, reward *models.Reward) (bool, error)
}

// RewardPolicy builds the reward owed for a conversion. The ledger stores it
// together with the conversion.
type RewardPolicy interface {
	NewReward(userID string, referralID uuid.UUID, rewardType models.RewardType, amount int64) (*models.Reward, error)
}

// RewardHook is called with each reward created by a conversion
type RewardHook func(ctx context.Context, r *models.Reward)

// Validation is the result of ValidateCode
type Validation struct {
	Valid      bool   `json:"valid"`
	ReferrerID string `json:"referrer_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// SignupRequest is a new account applying a referral code
type SignupRequest struct {
	Code      string
	NewUserID string
	Email     string
	IPAddress string
}

// Ledger records referral relationships
type Ledger struct {
	store      Store
	rewards    RewardPolicy
	rewardType models.RewardType
	onReward   RewardHook
	generate   func() string
	now        func() time.Time
	log        zerolog.Logger
}

// Option configures a Ledger
type Option func(*Ledger)

// WithCodeGenerator replaces the random code source
func WithCodeGenerator(gen func() string) Option {
	return func(l *Ledger) { l.generate = gen }
}

// WithClock replaces the time source
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithRewardHook registers a callback for rewards created on conversion
func WithRewardHook(h RewardHook) Option {
	return func(l *Ledger) { l.onReward = h }
}

// WithRewardType sets the reward granted per conversion
func WithRewardType(t models.RewardType) Option {
	return func(l *Ledger) { l.rewardType = t }
}

// WithLogger sets the logger
func WithLogger(log zerolog.Logger) Option {
	return func(l *Ledger) { l.log = log }
}

// NewLedger creates a Ledger
func NewLedger(s Store, rewards RewardPolicy, opts ...Option) *Ledger {
	l := &Ledger{
		store:      s,
		rewards:    rewards,
		rewardType: models.RewardCredit,
		generate:   GenerateCode,
		now:        time.Now,
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// AssignCode gives an account its referral code. An account that already
// has one gets it back unchanged.
func (l *Ledger) AssignCode(ctx context.Context, userID string) (string, error) {
	u, err := l.store.GetUser(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("failed to load account: %w", err)
	}
	if code := u.Code(); code != "" {
		return code, nil
	}

	for attempt := 0; attempt < MaxCodeAttempts; attempt++ {
		code, done, err := l.tryAssign(ctx, userID, l.generate())
		if err != nil || done {
			return code, err
		}
	}

	code, done, err := l.tryAssign(ctx, userID, timeCode(l.now()))
	if err != nil {
		return "", err
	}
	if !done {
		return "", fmt.Errorf("failed to assign referral code to %s: %w", userID, store.ErrDuplicate)
	}
	l.log.Warn().Str("user_id", userID).Str("code", code).Msg("referral code assigned from time fallback")
	return code, nil
}

// tryAssign stores candidate for userID. done is false when the candidate
// is already taken by another account.
func (l *Ledger) tryAssign(ctx context.Context, userID, candidate string) (code string, done bool, err error) {
	exists, err := l.store.ReferralCodeExists(ctx, candidate)
	if err != nil {
		return "", false, fmt.Errorf("failed to check referral code: %w", err)
	}
	if exists {
		return "", false, nil
	}

	set, err := l.store.SetReferralCode(ctx, userID, candidate)
	switch {
	case errors.Is(err, store.ErrDuplicate):
		return "", false, nil
	case err != nil:
		return "", false, fmt.Errorf("failed to store referral code: %w", err)
	case !set:
		// assigned concurrently
		u, err := l.store.GetUser(ctx, userID)
		if err != nil {
			return "", false, fmt.Errorf("failed to load account: %w", err)
		}
		return u.Code(), true, nil
	}
	return candidate, true, nil
}

// BackfillCodes assigns codes to every account without one and returns how
// many were assigned.
func (l *Ledger) BackfillCodes(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	assigned := 0
	for {
		if err := ctx.Err(); err != nil {
			return assigned, err
		}
		users, err := l.store.ListUsersWithoutReferralCode(ctx, batchSize)
		if err != nil {
			return assigned, fmt.Errorf("failed to list accounts without codes: %w", err)
		}
		if len(users) == 0 {
			return assigned, nil
		}
		for _, u := range users {
			if _, err := l.AssignCode(ctx, u.ID); err != nil {
				return assigned, err
			}
			assigned++
		}
	}
}

// ValidateCode checks a code's format and looks up its owner. A banned
// referrer's codes are reported invalid.
func (l *Ledger) ValidateCode(ctx context.Context, code string) (Validation, error) {
	code = NormalizeCode(code)
	if !ValidFormat(code) {
		return Validation{Reason: ReasonInvalidFormat}, nil
	}
	owner, err := l.store.GetUserByReferralCode(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		return Validation{Reason: ReasonNotFound}, nil
	}
	if err != nil {
		return Validation{}, fmt.Errorf("failed to look up referral code: %w", err)
	}
	if owner.ReferralsBanned {
		return Validation{Reason: ReasonBanned}, nil
	}
	return Validation{Valid: true, ReferrerID: owner.ID}, nil
}

// AlreadyReferred reports whether the account or email already has a referral
func (l *Ledger) AlreadyReferred(ctx context.Context, userID, email string) (bool, error) {
	if userID != "" {
		n, err := l.store.CountReferrals(ctx, store.ReferralFilter{ReferredUserID: userID})
		if err != nil {
			return false, fmt.Errorf("failed to check referrals: %w", err)
		}
		if n > 0 {
			return true, nil
		}
	}
	if email = normalizeEmail(email); email != "" {
		n, err := l.store.CountReferrals(ctx, store.ReferralFilter{Email: email})
		if err != nil {
			return false, fmt.Errorf("failed to check referrals: %w", err)
		}
		if n > 0 {
			return true, nil
		}
	}
	return false, nil
}

// RecordSignup stores a pending referral for a new account and counts it
// against the referrer in the same write.
func (l *Ledger) RecordSignup(ctx context.Context, req SignupRequest) (*models.Referral, error) {
	v, err := l.ValidateCode(ctx, req.Code)
	if err != nil {
		return nil, err
	}
	if !v.Valid {
		metrics.ReferralSignups.WithLabelValues("invalid_code").Inc()
		return nil, fmt.Errorf("%w: %s", ErrInvalidCode, v.Reason)
	}
	if v.ReferrerID == req.NewUserID {
		metrics.ReferralSignups.WithLabelValues("self_referral").Inc()
		return nil, ErrSelfReferral
	}

	dup, err := l.AlreadyReferred(ctx, req.NewUserID, req.Email)
	if err != nil {
		return nil, err
	}
	if dup {
		metrics.ReferralSignups.WithLabelValues("duplicate").Inc()
		return nil, ErrDuplicateReferral
	}

	r := &models.Referral{
		ReferrerID:        v.ReferrerID,
		ReferredUserID:    req.NewUserID,
		ReferredUserEmail: normalizeEmail(req.Email),
		ReferralCode:      NormalizeCode(req.Code),
		IPAddress:         req.IPAddress,
		Status:            models.ReferralPending,
		CreatedAt:         l.now().UTC(),
	}
	if err := l.store.RecordReferral(ctx, r); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			metrics.ReferralSignups.WithLabelValues("duplicate").Inc()
			return nil, ErrDuplicateReferral
		}
		return nil, fmt.Errorf("failed to record referral: %w", err)
	}
	if err := l.store.SetReferredBy(ctx, req.NewUserID, v.ReferrerID); err != nil {
		l.log.Warn().Err(err).Str("user_id", req.NewUserID).Msg("failed to store referred_by")
	}

	metrics.ReferralSignups.WithLabelValues("recorded").Inc()
	l.log.Info().Str("referral_id", r.ID.String()).Str("referrer_id", v.ReferrerID).
		Str("referred_user_id", req.NewUserID).Msg("referral recorded")
	return r, nil
}

// MarkConverted moves the referred user's pending referral to converted and
// creates the referrer's reward. Both are written together, so a failed call
// leaves the referral pending for the next attempt. It returns a nil reward
// when the user was not referred or the referral was already converted.
func (l *Ledger) MarkConverted(ctx context.Context, referredUserID string) (*models.Reward, error) {
	refs, err := l.store.ListReferrals(ctx, store.ReferralFilter{
		ReferredUserID: referredUserID,
		Status:         models.ReferralPending,
		Limit:          1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to look up referral: %w", err)
	}
	if len(refs) == 0 {
		return nil, nil
	}
	ref := refs[0]

	reward, err := l.rewards.NewReward(ref.ReferrerID, ref.ID, l.rewardType, 0)
	if err != nil {
		return nil, err
	}
	ok, err := l.store.ConvertReferral(ctx, ref.ID, l.now().UTC(), reward)
	if err != nil {
		return nil, fmt.Errorf("failed to convert referral: %w", err)
	}
	if !ok {
		return nil, nil
	}
	l.log.Info().Str("referral_id", ref.ID.String()).Str("reward_id", reward.ID.String()).
		Int64("amount", reward.Amount).Msg("referral converted")

	if l.onReward != nil {
		l.onReward(ctx, reward)
	}
	return reward, nil
}

// Stats returns a referrer's counters
func (l *Ledger) Stats(ctx context.Context, userID string) (models.ReferralStats, error) {
	u, err := l.store.GetUser(ctx, userID)
	if err != nil {
		return models.ReferralStats{}, fmt.Errorf("failed to load account: %w", err)
	}
	return u.ReferralStats, nil
}

// History lists a referrer's referrals, newest first
func (l *Ledger) History(ctx context.Context, userID string, limit int) ([]*models.Referral, error) {
	refs, err := l.store.ListReferrals(ctx, store.ReferralFilter{ReferrerID: userID, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("failed to list referrals: %w", err)
	}
	return refs, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
