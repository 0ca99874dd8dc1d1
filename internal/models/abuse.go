package models

import "time"

// FlagStatus is the review state of an AbuseFlag
type FlagStatus string

const (
	FlagPending  FlagStatus = "pending"
	FlagResolved FlagStatus = "resolved"
)

// FlagAction is the administrator's verdict on an AbuseFlag
type FlagAction string

const (
	ActionApproved FlagAction = "approved"
	ActionBanned   FlagAction = "banned"
	ActionWarning  FlagAction = "warning"
)

// Valid reports whether a is a known verdict.
func (a FlagAction) Valid() bool {
	return a == ActionApproved || a == ActionBanned || a == ActionWarning
}

// FlagTypeReferralAbuse is the only flag type raised today
const FlagTypeReferralAbuse = "referral_abuse"

// AbuseFlag marks an account for manual referral review.
type AbuseFlag struct {
	Base
	UserID     string     `gorm:"type:varchar(128);not null;index" json:"user_id" validate:"required"`
	Type       string     `gorm:"type:varchar(32);not null" json:"type" validate:"required"`
	Reason     string     `gorm:"type:text;not null" json:"reason" validate:"required"`
	Status     FlagStatus `gorm:"type:varchar(20);not null;index" json:"status" validate:"oneof=pending resolved"`
	Action     FlagAction `gorm:"type:varchar(20)" json:"action,omitempty" validate:"omitempty,oneof=approved banned warning"`
	ReviewedBy string     `gorm:"type:varchar(128)" json:"reviewed_by,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ReviewedAt *time.Time `json:"reviewed_at,omitempty"`
}
