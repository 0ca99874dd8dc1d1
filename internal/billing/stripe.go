package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/customerbalancetransaction"
	"github.com/stripe/stripe-go/v82/subscription"

	"github.com/studybuddy/backend/internal/metrics"
)

// StripeLedger implements Ledger against the Stripe API
type StripeLedger struct {
	log zerolog.Logger

	createBalanceTransaction func(params *stripe.CustomerBalanceTransactionParams) (*stripe.CustomerBalanceTransaction, error)
	getSubscription          func(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error)
	updateSubscription       func(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error)
}

// NewStripeLedger creates a Stripe-backed ledger using the given secret key
func NewStripeLedger(secretKey string, log zerolog.Logger) *StripeLedger {
	stripe.Key = strings.TrimSpace(secretKey)
	return &StripeLedger{
		log:                      log,
		createBalanceTransaction: customerbalancetransaction.New,
		getSubscription:          subscription.Get,
		updateSubscription:       subscription.Update,
	}
}

// CreateBalanceCredit posts a negative balance transaction, which Stripe
// applies against the customer's next invoices.
func (l *StripeLedger) CreateBalanceCredit(ctx context.Context, req CreditRequest) (string, error) {
	if req.CustomerID == "" {
		return "", errors.New("no billing customer on file")
	}
	if req.AmountCents <= 0 {
		return "", fmt.Errorf("credit amount must be positive, got %d", req.AmountCents)
	}
	currency := req.Currency
	if currency == "" {
		currency = string(stripe.CurrencyUSD)
	}

	params := &stripe.CustomerBalanceTransactionParams{
		Customer:    stripe.String(req.CustomerID),
		Amount:      stripe.Int64(-req.AmountCents),
		Currency:    stripe.String(currency),
		Description: stripe.String(req.Description),
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	start := time.Now()
	txn, err := l.createBalanceTransaction(params)
	metrics.LedgerDuration.WithLabelValues("create_balance_credit").Observe(time.Since(start).Seconds())
	if err != nil {
		l.log.Warn().Err(err).Str("customer_id", req.CustomerID).Msg("stripe balance credit failed")
		return "", fmt.Errorf("stripe balance credit: %w", err)
	}
	return txn.ID, nil
}

// GetSubscription fetches a subscription
func (l *StripeLedger) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	if subscriptionID == "" {
		return nil, errors.New("no subscription on file")
	}
	params := &stripe.SubscriptionParams{}
	params.Context = ctx

	start := time.Now()
	sub, err := l.getSubscription(subscriptionID, params)
	metrics.LedgerDuration.WithLabelValues("get_subscription").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("stripe get subscription: %w", err)
	}
	return fromStripeSubscription(sub), nil
}

// UpdateSubscription applies upd without proration
func (l *StripeLedger) UpdateSubscription(ctx context.Context, subscriptionID string, upd SubscriptionUpdate, idempotencyKey string) (*Subscription, error) {
	params := &stripe.SubscriptionParams{
		ProrationBehavior: stripe.String("none"),
	}
	params.Context = ctx
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}
	if upd.TrialEnd != nil {
		params.TrialEnd = stripe.Int64(upd.TrialEnd.Unix())
	}
	for _, it := range upd.Items {
		item := &stripe.SubscriptionItemsParams{Price: stripe.String(it.PriceID)}
		if it.ID != "" {
			item.ID = stripe.String(it.ID)
		}
		params.Items = append(params.Items, item)
	}

	start := time.Now()
	sub, err := l.updateSubscription(subscriptionID, params)
	metrics.LedgerDuration.WithLabelValues("update_subscription").Observe(time.Since(start).Seconds())
	if err != nil {
		l.log.Warn().Err(err).Str("subscription_id", subscriptionID).Msg("stripe subscription update failed")
		return nil, fmt.Errorf("stripe update subscription: %w", err)
	}
	return fromStripeSubscription(sub), nil
}

// fromStripeSubscription reads the billing period from the first item,
// which is where current Stripe API versions report it.
func fromStripeSubscription(sub *stripe.Subscription) *Subscription {
	out := &Subscription{
		ID:     sub.ID,
		Status: string(sub.Status),
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if sub.Items == nil {
		return out
	}
	for i, it := range sub.Items.Data {
		if it == nil {
			continue
		}
		item := SubscriptionItem{ID: it.ID}
		if it.Price != nil {
			item.PriceID = it.Price.ID
		}
		out.Items = append(out.Items, item)
		if i == 0 {
			out.CurrentPeriodStart = unixTime(it.CurrentPeriodStart)
			out.CurrentPeriodEnd = unixTime(it.CurrentPeriodEnd)
		}
	}
	return out
}

func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
