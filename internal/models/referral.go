package models

import (
	"time"

	"github.com/google/uuid"
)

// ReferralStatus is the lifecycle state of a Referral
type ReferralStatus string

const (
	ReferralPending   ReferralStatus = "pending"
	ReferralConverted ReferralStatus = "converted"
	ReferralRewarded  ReferralStatus = "rewarded"
)

// Referral records one successful use of a referral code at signup.
type Referral struct {
	Base
	ReferrerID        string         `gorm:"type:varchar(128);not null;index:idx_referrals_referrer_created,priority:1" json:"referrer_id" validate:"required,nefield=ReferredUserID"`
	ReferredUserID    string         `gorm:"type:varchar(128);not null;uniqueIndex" json:"referred_user_id" validate:"required"`
	ReferredUserEmail string         `gorm:"type:varchar(255);index" json:"referred_user_email" validate:"omitempty,email"`
	ReferralCode      string         `gorm:"type:varchar(16);not null" json:"referral_code" validate:"required"`
	IPAddress         string         `gorm:"type:varchar(64)" json:"ip_address,omitempty"`
	Status            ReferralStatus `gorm:"type:varchar(20);not null;index" json:"status" validate:"oneof=pending converted rewarded"`
	CreatedAt         time.Time      `gorm:"index:idx_referrals_referrer_created,priority:2" json:"created_at"`
	ConvertedAt       *time.Time     `json:"converted_at,omitempty"`
	RewardedAt        *time.Time     `json:"rewarded_at,omitempty"`
}

// RewardType selects how a reward is paid out
type RewardType string

const (
	RewardCredit    RewardType = "credit"
	RewardFreeMonth RewardType = "free_month"
)

// RewardStatus is the lifecycle state of a Reward
type RewardStatus string

const (
	RewardPending RewardStatus = "pending"
	RewardApplied RewardStatus = "applied"
	RewardFailed  RewardStatus = "failed"
)

// Reward is owed to a referrer for a converted referral. Amount is in cents.
type Reward struct {
	Base
	UserID                string       `gorm:"type:varchar(128);not null;index" json:"user_id" validate:"required"`
	ReferralID            uuid.UUID    `gorm:"type:uuid;uniqueIndex:idx_rewards_referral,where:referral_id <> '00000000-0000-0000-0000-000000000000'" json:"referral_id"`
	RewardType            RewardType   `gorm:"type:varchar(20);not null" json:"reward_type" validate:"oneof=credit free_month"`
	Amount                int64        `gorm:"not null;default:0" json:"amount" validate:"gte=0"`
	Status                RewardStatus `gorm:"type:varchar(20);not null;index" json:"status" validate:"oneof=pending applied failed"`
	Attempts              int          `gorm:"not null;default:0" json:"attempts" validate:"gte=0"`
	ExternalTransactionID string       `gorm:"type:varchar(128)" json:"external_transaction_id,omitempty"`
	Error                 string       `gorm:"type:text" json:"error,omitempty"`
	CreatedAt             time.Time    `json:"created_at"`
	AppliedAt             *time.Time   `json:"applied_at,omitempty"`
	UpdatedAt             time.Time    `json:"updated_at"`
}

// RewardTransition describes the fields written alongside a status change.
type RewardTransition struct {
	ExternalTransactionID string
	Error                 string
	AppliedAt             *time.Time
	Attempts              int

	// Counters are added to the reward owner's counters in the same write
	// as the status change, and only if the change happens.
	Counters map[UserCounter]int64
	// ReferralRewardedAt, when set, moves the reward's referral from
	// converted to rewarded in the same write.
	ReferralRewardedAt *time.Time
}
