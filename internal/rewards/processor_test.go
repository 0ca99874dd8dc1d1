package rewards

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/studybuddy/backend/internal/billing"
	"github.com/studybuddy/backend/internal/models"
	"github.com/studybuddy/backend/internal/store/memory"
)

type MockLedger struct {
	mock.Mock
}

func (m *MockLedger) CreateBalanceCredit(ctx context.Context, req billing.CreditRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *MockLedger) GetSubscription(ctx context.Context, id string) (*billing.Subscription, error) {
	args := m.Called(ctx, id)
	sub, _ := args.Get(0).(*billing.Subscription)
	return sub, args.Error(1)
}

func (m *MockLedger) UpdateSubscription(ctx context.Context, id string, upd billing.SubscriptionUpdate, key string) (*billing.Subscription, error) {
	args := m.Called(ctx, id, upd, key)
	sub, _ := args.Get(0).(*billing.Subscription)
	return sub, args.Error(1)
}

type switches struct{ billing bool }

func (s switches) Config(context.Context) models.SystemConfig {
	c := models.DefaultSystemConfig()
	c.BillingEnabled = s.billing
	return c
}

type fixture struct {
	proc   *Processor
	store  *memory.Store
	ledger *MockLedger
}

func newFixture(t *testing.T, billingEnabled bool) *fixture {
	t.Helper()
	s := memory.New()
	l := new(MockLedger)
	require.NoError(t, s.CreateUser(context.Background(), &models.User{
		ID:                 "referrer",
		Role:               models.RoleUser,
		SubscriptionTier:   "pro",
		SubscriptionStatus: models.StatusActive,
		StripeCustomerID:   "cus_A",
		SubscriptionID:     "sub_A",
	}))
	return &fixture{
		proc:   NewProcessor(s, l, switches{billing: billingEnabled}, DefaultConfig(), zerolog.Nop()),
		store:  s,
		ledger: l,
	}
}

// pendingReward creates a reward the way a conversion does, bumping the
// referrer's pending counter alongside it.
func (f *fixture) pendingReward(t *testing.T, rewardType models.RewardType) *models.Reward {
	t.Helper()
	ctx := context.Background()
	r, err := f.proc.CreateReward(ctx, "referrer", uuid.Nil, rewardType, 0)
	require.NoError(t, err)
	require.NoError(t, f.store.IncrementCounters(ctx, "referrer", map[models.UserCounter]int64{models.CounterPendingRewards: 1}))
	return r
}

func (f *fixture) stats(t *testing.T) models.ReferralStats {
	t.Helper()
	u, err := f.store.GetUser(context.Background(), "referrer")
	require.NoError(t, err)
	return u.ReferralStats
}

func TestCreateRewardDefaults(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	r, err := f.proc.CreateReward(ctx, "referrer", uuid.New(), models.RewardCredit, 0)
	require.NoError(t, err)
	assert.Equal(t, models.RewardPending, r.Status)
	assert.Equal(t, int64(2000), r.Amount)

	r, err = f.proc.CreateReward(ctx, "referrer", uuid.New(), models.RewardCredit, 500)
	require.NoError(t, err)
	assert.Equal(t, int64(500), r.Amount)

	_, err = f.proc.CreateReward(ctx, "referrer", uuid.New(), "gift_card", 0)
	assert.ErrorIs(t, err, ErrUnknownRewardType)
}

func TestProcessCreditAppliesOnce(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	r := f.pendingReward(t, models.RewardCredit)

	f.ledger.On("CreateBalanceCredit", mock.Anything, mock.MatchedBy(func(req billing.CreditRequest) bool {
		return req.CustomerID == "cus_A" &&
			req.AmountCents == 2000 &&
			req.Description == CreditDescription &&
			req.IdempotencyKey == IdempotencyKey(r.ID, 1)
	})).Return("cbtxn_1", nil)

	out, err := f.proc.Process(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, "cbtxn_1", out.TransactionID)

	got, err := f.store.GetReward(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RewardApplied, got.Status)
	assert.Equal(t, "cbtxn_1", got.ExternalTransactionID)
	require.NotNil(t, got.AppliedAt)

	stats := f.stats(t)
	assert.Equal(t, int64(0), stats.PendingRewards)
	assert.Equal(t, int64(2000), stats.TotalRewardsEarned)

	_, err = f.proc.Process(ctx, r.ID)
	assert.ErrorIs(t, err, ErrAlreadyProcessed)
	_, err = f.proc.ApplyCredit(ctx, got)
	assert.ErrorIs(t, err, ErrAlreadyProcessed)

	f.ledger.AssertNumberOfCalls(t, "CreateBalanceCredit", 1)
	assert.Equal(t, int64(2000), f.stats(t).TotalRewardsEarned)
}

func TestFailedRewardRetriesExactlyOnce(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	r := f.pendingReward(t, models.RewardCredit)

	f.ledger.On("CreateBalanceCredit", mock.Anything, mock.MatchedBy(func(req billing.CreditRequest) bool {
		return req.IdempotencyKey == IdempotencyKey(r.ID, 1)
	})).Return("", errors.New("card_declined")).Once()
	f.ledger.On("CreateBalanceCredit", mock.Anything, mock.MatchedBy(func(req billing.CreditRequest) bool {
		return req.IdempotencyKey == IdempotencyKey(r.ID, 2)
	})).Return("cbtxn_2", nil).Once()

	out, err := f.proc.Process(ctx, r.ID)
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, "card_declined", out.Error)

	got, err := f.store.GetReward(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RewardFailed, got.Status)
	assert.Equal(t, "card_declined", got.Error)
	assert.Equal(t, 1, got.Attempts)

	stats := f.stats(t)
	assert.Equal(t, int64(1), stats.PendingRewards)
	assert.Equal(t, int64(0), stats.TotalRewardsEarned)

	_, err = f.proc.Process(ctx, r.ID)
	assert.ErrorIs(t, err, ErrAlreadyProcessed, "failed rewards need an explicit retry")

	failed, err := f.proc.ListFailed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, r.ID, failed[0].ID)

	out, err = f.proc.RetryFailed(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, out.Success)

	out, err = f.proc.RetryFailed(ctx, r.ID)
	assert.ErrorIs(t, err, ErrAlreadyProcessed)
	assert.False(t, out.Success)

	got, err = f.store.GetReward(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RewardApplied, got.Status)
	assert.Equal(t, 2, got.Attempts)

	stats = f.stats(t)
	assert.Equal(t, int64(0), stats.PendingRewards)
	assert.Equal(t, int64(2000), stats.TotalRewardsEarned)

	f.ledger.AssertNumberOfCalls(t, "CreateBalanceCredit", 2)
	f.ledger.AssertExpectations(t)
}

func TestApplyFreeMonthExtendsPeriod(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	r := f.pendingReward(t, models.RewardFreeMonth)

	periodEnd := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	f.ledger.On("GetSubscription", mock.Anything, "sub_A").
		Return(&billing.Subscription{ID: "sub_A", CurrentPeriodEnd: periodEnd}, nil)
	f.ledger.On("UpdateSubscription", mock.Anything, "sub_A", mock.MatchedBy(func(upd billing.SubscriptionUpdate) bool {
		return upd.TrialEnd != nil && upd.TrialEnd.Equal(periodEnd.AddDate(0, 0, 30))
	}), IdempotencyKey(r.ID, 1)).Return(&billing.Subscription{ID: "sub_A"}, nil)

	out, err := f.proc.Process(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, out.Success)

	stats := f.stats(t)
	assert.Equal(t, int64(0), stats.PendingRewards)
	assert.Equal(t, int64(2000), stats.TotalRewardsEarned)
	f.ledger.AssertExpectations(t)
}

func TestBillingKillSwitchLeavesRewardPending(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	r := f.pendingReward(t, models.RewardCredit)

	_, err := f.proc.Process(ctx, r.ID)
	assert.ErrorIs(t, err, ErrBillingDisabled)

	got, err := f.store.GetReward(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RewardPending, got.Status)
	f.ledger.AssertNotCalled(t, "CreateBalanceCredit", mock.Anything, mock.Anything)
}

func TestAppliedRewardMarksReferralRewarded(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	ref := &models.Referral{
		ReferrerID: "referrer", ReferredUserID: "friend", ReferralCode: "STUDY-AB3F9",
		Status: models.ReferralPending,
	}
	require.NoError(t, f.store.CreateReferral(ctx, ref))
	_, err := f.store.TransitionReferral(ctx, ref.ID, models.ReferralPending, models.ReferralConverted, time.Now().UTC())
	require.NoError(t, err)

	r, err := f.proc.CreateReward(ctx, "referrer", ref.ID, models.RewardCredit, 0)
	require.NoError(t, err)
	f.ledger.On("CreateBalanceCredit", mock.Anything, mock.Anything).Return("cbtxn_1", nil)

	out, err := f.proc.Process(ctx, r.ID)
	require.NoError(t, err)
	require.True(t, out.Success)

	got, err := f.store.GetReferral(ctx, ref.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReferralRewarded, got.Status)
	assert.NotNil(t, got.RewardedAt)
}

func TestMissingBeneficiaryFailsReward(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	r, err := f.proc.CreateReward(ctx, "deleted-account", uuid.Nil, models.RewardCredit, 0)
	require.NoError(t, err)

	out, err := f.proc.Process(ctx, r.ID)
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.NotEmpty(t, out.Error)
	f.ledger.AssertNotCalled(t, "CreateBalanceCredit", mock.Anything, mock.Anything)
}

func TestClaimAllReportsPartialFailure(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		f.pendingReward(t, models.RewardCredit)
	}
	f.ledger.On("CreateBalanceCredit", mock.Anything, mock.Anything).Return("", errors.New("rate limited")).Once()
	f.ledger.On("CreateBalanceCredit", mock.Anything, mock.Anything).Return("cbtxn_ok", nil)

	summary, err := f.proc.ClaimAll(ctx, "referrer")
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 2, summary.Successful)
	assert.Equal(t, 1, summary.Failed)
	assert.Len(t, summary.Errors, 1)

	stats := f.stats(t)
	assert.Equal(t, int64(1), stats.PendingRewards)
	assert.Equal(t, int64(4000), stats.TotalRewardsEarned)

	summary, err = f.proc.ClaimAll(ctx, "referrer")
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Total)
}

func TestUnknownRewardID(t *testing.T) {
	f := newFixture(t, true)

	_, err := f.proc.Process(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrRewardNotFound)

	_, err = f.proc.RetryFailed(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrRewardNotFound)
}

func TestRetryFailedRejectsPendingReward(t *testing.T) {
	f := newFixture(t, true)
	r := f.pendingReward(t, models.RewardCredit)

	_, err := f.proc.RetryFailed(context.Background(), r.ID)
	assert.ErrorIs(t, err, ErrNotFailed)
	f.ledger.AssertNotCalled(t, "CreateBalanceCredit", mock.Anything, mock.Anything)
}

// failingApplyStore fails the next pending -> applied write, then behaves.
type failingApplyStore struct {
	*memory.Store
	failures int
}

func (s *failingApplyStore) TransitionReward(ctx context.Context, id uuid.UUID, from, to models.RewardStatus, t models.RewardTransition) (bool, error) {
	if to == models.RewardApplied && s.failures > 0 {
		s.failures--
		return false, errors.New("connection reset")
	}
	return s.Store.TransitionReward(ctx, id, from, to, t)
}

func TestUnrecordedApplyIsRetriedWithSameKey(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	r := f.pendingReward(t, models.RewardCredit)
	proc := NewProcessor(&failingApplyStore{Store: f.store, failures: 1}, f.ledger, switches{billing: true}, DefaultConfig(), zerolog.Nop())

	f.ledger.On("CreateBalanceCredit", mock.Anything, mock.MatchedBy(func(req billing.CreditRequest) bool {
		return req.IdempotencyKey == IdempotencyKey(r.ID, 1)
	})).Return("cbtxn_1", nil).Twice()

	_, err := proc.Process(ctx, r.ID)
	require.Error(t, err)

	got, err := f.store.GetReward(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RewardPending, got.Status)
	assert.Equal(t, models.ReferralStats{PendingRewards: 1}, f.stats(t))

	out, err := proc.Process(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, out.Success)

	stats := f.stats(t)
	assert.Equal(t, int64(0), stats.PendingRewards)
	assert.Equal(t, int64(2000), stats.TotalRewardsEarned)

	_, err = proc.Process(ctx, r.ID)
	assert.ErrorIs(t, err, ErrAlreadyProcessed)
	assert.Equal(t, int64(2000), f.stats(t).TotalRewardsEarned)
	f.ledger.AssertExpectations(t)
}

func TestNewRewardDoesNotStore(t *testing.T) {
	f := newFixture(t, true)

	r, err := f.proc.NewReward("referrer", uuid.New(), models.RewardFreeMonth, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), r.Amount)
	assert.Equal(t, models.RewardPending, r.Status)

	all, err := f.proc.ListStalePending(context.Background(), time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, all)

	_, err = f.proc.NewReward("referrer", uuid.New(), "gift_card", 0)
	assert.ErrorIs(t, err, ErrUnknownRewardType)
}
