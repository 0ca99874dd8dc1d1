// Package store defines the record-store contract shared by every
// entitlement component, plus the schema validation applied before writes.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/studybuddy/backend/internal/models"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("store: record not found")
	// ErrDuplicate is returned when a write would violate a uniqueness constraint
	ErrDuplicate = errors.New("store: duplicate record")
	// ErrInvalidRecord is returned when a record fails schema validation
	ErrInvalidRecord = errors.New("store: invalid record")
)

// ReferralFilter narrows referral queries. Zero fields are ignored.
type ReferralFilter struct {
	ReferrerID     string
	ReferredUserID string
	Email          string
	IPAddress      string
	Status         models.ReferralStatus
	Since          time.Time
	Limit          int
}

// RewardFilter narrows reward queries. Zero fields are ignored.
type RewardFilter struct {
	UserID        string
	Status        models.RewardStatus
	CreatedBefore time.Time
	Limit         int
}

// UserStore holds accounts and their counters
type UserStore interface {
	CreateUser(ctx context.Context, u *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByReferralCode(ctx context.Context, code string) (*models.User, error)
	GetUserByCustomerID(ctx context.Context, customerID string) (*models.User, error)
	ListUsersWithoutReferralCode(ctx context.Context, limit int) ([]*models.User, error)
	ReferralCodeExists(ctx context.Context, code string) (bool, error)
	// SetReferralCode stores code only if the account has none yet. It reports
	// whether the write happened.
	SetReferralCode(ctx context.Context, userID, code string) (bool, error)
	// IncrementCounters applies all deltas in one atomic write.
	IncrementCounters(ctx context.Context, userID string, deltas map[models.UserCounter]int64) error
	// IncrementCounterBelow adds one to counter only while it is below ceiling
	// and reports whether it did.
	IncrementCounterBelow(ctx context.Context, userID string, counter models.UserCounter, ceiling int64) (bool, error)
	ResetCounter(ctx context.Context, userID string, counter models.UserCounter) error
	UpdateSubscription(ctx context.Context, userID string, upd models.SubscriptionUpdate) error
	SetSubscriptionStatus(ctx context.Context, userID, status string) error
	SetReferredBy(ctx context.Context, userID, referrerID string) error
	SetReviewState(ctx context.Context, userID string, flagged bool, banned *bool) error
}

// ReferralStore holds referral relationships
type ReferralStore interface {
	CreateReferral(ctx context.Context, r *models.Referral) error
	// RecordReferral inserts r and adds one to the referrer's totalReferrals
	// in one atomic write. Nothing is written when either step fails.
	RecordReferral(ctx context.Context, r *models.Referral) error
	// ConvertReferral moves a pending referral to converted, adds one to the
	// referrer's successfulReferrals and pendingRewards, and inserts reward,
	// all in one atomic write. It reports false, writing nothing, when the
	// referral was not pending.
	ConvertReferral(ctx context.Context, id uuid.UUID, at time.Time, reward *models.Reward) (bool, error)
	GetReferral(ctx context.Context, id uuid.UUID) (*models.Referral, error)
	ListReferrals(ctx context.Context, f ReferralFilter) ([]*models.Referral, error)
	CountReferrals(ctx context.Context, f ReferralFilter) (int64, error)
	// TransitionReferral moves a referral from one status to another,
	// stamping the matching timestamp. It reports false when the referral
	// was not in the from status.
	TransitionReferral(ctx context.Context, id uuid.UUID, from, to models.ReferralStatus, at time.Time) (bool, error)
}

// RewardStore holds referral rewards
type RewardStore interface {
	CreateReward(ctx context.Context, r *models.Reward) error
	GetReward(ctx context.Context, id uuid.UUID) (*models.Reward, error)
	ListRewards(ctx context.Context, f RewardFilter) ([]*models.Reward, error)
	// TransitionReward is a compare-and-set on the reward status. Counter
	// deltas and the referral update in t commit with it or not at all.
	// CreateReward rejects a second reward for the same referral.
	TransitionReward(ctx context.Context, id uuid.UUID, from, to models.RewardStatus, t models.RewardTransition) (bool, error)
}

// FlagStore holds abuse flags
type FlagStore interface {
	CreateFlag(ctx context.Context, f *models.AbuseFlag) error
	GetFlag(ctx context.Context, id uuid.UUID) (*models.AbuseFlag, error)
	ListFlags(ctx context.Context, status models.FlagStatus, userID string) ([]*models.AbuseFlag, error)
	// ResolveFlag closes a pending flag and reports false if it was not pending.
	ResolveFlag(ctx context.Context, id uuid.UUID, action models.FlagAction, reviewedBy string, at time.Time) (bool, error)
}

// ConfigStore holds the system configuration record
type ConfigStore interface {
	GetSystemConfig(ctx context.Context) (*models.SystemConfig, error)
	SaveSystemConfig(ctx context.Context, c *models.SystemConfig) error
}

// EventStore holds append-only usage events and payment logs
type EventStore interface {
	CreateUsageEvent(ctx context.Context, e *models.UsageEvent) error
	ListUsageEvents(ctx context.Context, userID string, limit int) ([]*models.UsageEvent, error)
	UpsertPayment(ctx context.Context, p *models.Payment) error
}

// Store is the full record store
type Store interface {
	UserStore
	ReferralStore
	RewardStore
	FlagStore
	ConfigStore
	EventStore

	Ping(ctx context.Context) error
}
