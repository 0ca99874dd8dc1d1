// Package billing adapts the external payments ledger and translates its
// webhook events into tier changes, referral conversions and usage resets.
package billing

import (
	"context"
	"time"
)

// Subscription is the part of a ledger subscription the engine reads
type Subscription struct {
	ID                 string
	CustomerID         string
	Status             string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	Items              []SubscriptionItem
}

// SubscriptionItem is one priced line of a subscription
type SubscriptionItem struct {
	ID      string
	PriceID string
}

// SubscriptionUpdate changes a subscription. Nil fields are left as they are.
type SubscriptionUpdate struct {
	TrialEnd *time.Time
	Items    []SubscriptionItem
}

// CreditRequest posts a credit to a customer's balance. AmountCents is the
// positive value of the credit.
type CreditRequest struct {
	CustomerID     string
	AmountCents    int64
	Currency       string
	Description    string
	IdempotencyKey string
	Metadata       map[string]string
}

// Ledger is the external payments API
type Ledger interface {
	// CreateBalanceCredit returns the ledger's transaction id
	CreateBalanceCredit(ctx context.Context, req CreditRequest) (string, error)
	GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)
	UpdateSubscription(ctx context.Context, subscriptionID string, upd SubscriptionUpdate, idempotencyKey string) (*Subscription, error)
}
