package models

import "time"

// UsageEvent is an append-only record of one metered feature use.
type UsageEvent struct {
	Base
	UserID    string    `gorm:"type:varchar(128);not null;index" json:"user_id" validate:"required"`
	Feature   string    `gorm:"type:varchar(64);not null" json:"feature" validate:"required"`
	Metadata  JSON      `gorm:"type:text" json:"metadata,omitempty"`
	Timestamp time.Time `gorm:"index" json:"timestamp"`
}

// Payment statuses
const (
	PaymentSucceeded = "succeeded"
	PaymentFailed    = "failed"
)

// Payment logs an invoice outcome reported by the billing provider.
type Payment struct {
	InvoiceID      string    `gorm:"type:varchar(64);primaryKey" json:"invoice_id" validate:"required"`
	UserID         string    `gorm:"type:varchar(128);index" json:"user_id"`
	CustomerID     string    `gorm:"type:varchar(64)" json:"customer_id"`
	SubscriptionID string    `gorm:"type:varchar(64)" json:"subscription_id"`
	Amount         int64     `json:"amount" validate:"gte=0"`
	Currency       string    `gorm:"type:varchar(8)" json:"currency"`
	Status         string    `gorm:"type:varchar(20);not null" json:"status" validate:"oneof=succeeded failed"`
	CreatedAt      time.Time `json:"created_at"`
}
