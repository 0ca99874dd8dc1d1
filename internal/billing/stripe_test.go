package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripe "github.com/stripe/stripe-go/v82"
)

func TestCreateBalanceCreditPostsNegativeAmount(t *testing.T) {
	l := NewStripeLedger("sk_test_123", zerolog.Nop())

	var got *stripe.CustomerBalanceTransactionParams
	l.createBalanceTransaction = func(params *stripe.CustomerBalanceTransactionParams) (*stripe.CustomerBalanceTransaction, error) {
		got = params
		return &stripe.CustomerBalanceTransaction{ID: "cbtxn_1"}, nil
	}

	id, err := l.CreateBalanceCredit(context.Background(), CreditRequest{
		CustomerID:     "cus_1",
		AmountCents:    2000,
		Description:    "Referral reward credit",
		IdempotencyKey: "reward-abc-1",
		Metadata:       map[string]string{"reward_id": "abc"},
	})
	require.NoError(t, err)
	assert.Equal(t, "cbtxn_1", id)

	require.NotNil(t, got)
	assert.Equal(t, int64(-2000), *got.Amount)
	assert.Equal(t, "cus_1", *got.Customer)
	assert.Equal(t, string(stripe.CurrencyUSD), *got.Currency)
	require.NotNil(t, got.IdempotencyKey)
	assert.Equal(t, "reward-abc-1", *got.IdempotencyKey)
	assert.Equal(t, "abc", got.Metadata["reward_id"])
}

func TestCreateBalanceCreditRejectsBadRequests(t *testing.T) {
	l := NewStripeLedger("sk_test_123", zerolog.Nop())
	calls := 0
	l.createBalanceTransaction = func(*stripe.CustomerBalanceTransactionParams) (*stripe.CustomerBalanceTransaction, error) {
		calls++
		return nil, errors.New("card_error")
	}

	_, err := l.CreateBalanceCredit(context.Background(), CreditRequest{AmountCents: 100})
	assert.Error(t, err)
	_, err = l.CreateBalanceCredit(context.Background(), CreditRequest{CustomerID: "cus_1"})
	assert.Error(t, err)
	assert.Equal(t, 0, calls)

	_, err = l.CreateBalanceCredit(context.Background(), CreditRequest{CustomerID: "cus_1", AmountCents: 100})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestSubscriptionRoundTrip(t *testing.T) {
	l := NewStripeLedger("sk_test_123", zerolog.Nop())
	sub := &stripe.Subscription{
		ID:       "sub_1",
		Status:   stripe.SubscriptionStatusActive,
		Customer: &stripe.Customer{ID: "cus_1"},
		Items: &stripe.SubscriptionItemList{Data: []*stripe.SubscriptionItem{{
			ID:                 "si_1",
			Price:              &stripe.Price{ID: "price_pro"},
			CurrentPeriodStart: 1767225600,
			CurrentPeriodEnd:   1769904000,
		}}},
	}
	l.getSubscription = func(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
		assert.Equal(t, "sub_1", id)
		return sub, nil
	}

	var updated *stripe.SubscriptionParams
	l.updateSubscription = func(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
		updated = params
		return sub, nil
	}

	got, err := l.GetSubscription(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", got.CustomerID)
	assert.Equal(t, time.Unix(1769904000, 0).UTC(), got.CurrentPeriodEnd)
	require.Len(t, got.Items, 1)
	assert.Equal(t, "price_pro", got.Items[0].PriceID)

	trialEnd := got.CurrentPeriodEnd.AddDate(0, 0, 30)
	_, err = l.UpdateSubscription(context.Background(), "sub_1", SubscriptionUpdate{TrialEnd: &trialEnd}, "reward-abc-1")
	require.NoError(t, err)
	require.NotNil(t, updated)
	assert.Equal(t, trialEnd.Unix(), *updated.TrialEnd)
	assert.Equal(t, "none", *updated.ProrationBehavior)
	assert.Equal(t, "reward-abc-1", *updated.IdempotencyKey)

	_, err = l.GetSubscription(context.Background(), "")
	assert.Error(t, err)
}
