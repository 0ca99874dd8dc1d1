package models

import "time"

// Roles
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Subscription statuses. StatusInactive marks an account that has never had
// a paid subscription; the rest mirror the billing provider.
const (
	StatusInactive = "inactive"
	StatusActive   = "active"
	StatusCanceled = "canceled"
	StatusPastDue  = "past_due"
)

// ReferralStats are the per-account referral counters. They are only ever
// changed through atomic increments.
type ReferralStats struct {
	TotalReferrals      int64 `gorm:"not null;default:0" json:"total_referrals" validate:"gte=0"`
	SuccessfulReferrals int64 `gorm:"not null;default:0" json:"successful_referrals" validate:"gte=0"`
	PendingRewards      int64 `gorm:"not null;default:0" json:"pending_rewards" validate:"gte=0"`
	TotalRewardsEarned  int64 `gorm:"not null;default:0" json:"total_rewards_earned" validate:"gte=0"`
}

// User is a registered account. The ID is issued by the identity provider.
type User struct {
	ID                 string        `gorm:"type:varchar(128);primaryKey" json:"id" validate:"required,max=128"`
	Email              string        `gorm:"type:varchar(255);index" json:"email" validate:"omitempty,email"`
	Role               string        `gorm:"type:varchar(20);not null" json:"role" validate:"oneof=user admin"`
	SubscriptionTier   string        `gorm:"type:varchar(20);not null" json:"subscription_tier" validate:"omitempty,oneof=starter pro team"`
	SubscriptionStatus string        `gorm:"type:varchar(20);not null" json:"subscription_status" validate:"omitempty,oneof=inactive active canceled past_due trialing incomplete incomplete_expired unpaid paused"`
	AIUsageThisMonth   int64         `gorm:"not null;default:0" json:"ai_usage_this_month" validate:"gte=0"`
	ReferralCode       *string       `gorm:"type:varchar(16);uniqueIndex" json:"referral_code,omitempty"`
	ReferredBy         string        `gorm:"type:varchar(128)" json:"referred_by,omitempty" validate:"max=128"`
	ReferralStats      ReferralStats `gorm:"embedded;embeddedPrefix:referral_" json:"referral_stats"`
	FlaggedForReview   bool          `gorm:"not null;default:false" json:"flagged_for_review"`
	ReferralsBanned    bool          `gorm:"not null;default:false" json:"referrals_banned"`
	StripeCustomerID   string        `gorm:"type:varchar(64);index" json:"stripe_customer_id,omitempty"`
	StripePriceID      string        `gorm:"type:varchar(64)" json:"stripe_price_id,omitempty"`
	SubscriptionID     string        `gorm:"type:varchar(64)" json:"subscription_id,omitempty"`
	BillingPeriodStart *time.Time    `json:"billing_period_start,omitempty"`
	BillingPeriodEnd   *time.Time    `json:"billing_period_end,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// Code returns the assigned referral code, or "" when none has been assigned.
func (u *User) Code() string {
	if u.ReferralCode == nil {
		return ""
	}
	return *u.ReferralCode
}

// UserCounter names an integer column that may be atomically incremented.
type UserCounter string

const (
	CounterAIUsage             UserCounter = "ai_usage_this_month"
	CounterTotalReferrals      UserCounter = "referral_total_referrals"
	CounterSuccessfulReferrals UserCounter = "referral_successful_referrals"
	CounterPendingRewards      UserCounter = "referral_pending_rewards"
	CounterTotalRewardsEarned  UserCounter = "referral_total_rewards_earned"
)

// Valid reports whether c is one of the known counters.
func (c UserCounter) Valid() bool {
	switch c {
	case CounterAIUsage, CounterTotalReferrals, CounterSuccessfulReferrals,
		CounterPendingRewards, CounterTotalRewardsEarned:
		return true
	}
	return false
}

// SubscriptionUpdate carries the billing-owned fields of an account.
type SubscriptionUpdate struct {
	Tier               string     `validate:"required,oneof=starter pro team"`
	Status             string     `validate:"required"`
	StripeCustomerID   string
	StripePriceID      string
	SubscriptionID     string
	BillingPeriodStart *time.Time
	BillingPeriodEnd   *time.Time
}
