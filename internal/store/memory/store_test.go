package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studybuddy/backend/internal/models"
	"github.com/studybuddy/backend/internal/store"
)

func seedUser(t *testing.T, s *Store, id string) {
	t.Helper()
	require.NoError(t, s.CreateUser(context.Background(), &models.User{
		ID:               id,
		Role:             models.RoleUser,
		SubscriptionTier: "starter",
	}))
}

func TestConcurrentIncrementsAreNotLost(t *testing.T) {
	s := New()
	seedUser(t, s, "u1")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.IncrementCounters(ctx, "u1", map[models.UserCounter]int64{models.CounterAIUsage: 1})
		}()
	}
	wg.Wait()

	u, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), u.AIUsageThisMonth)
}

func TestConcurrentBoundedIncrementNeverExceedsCeiling(t *testing.T) {
	s := New()
	seedUser(t, s, "u1")
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.IncrementCounterBelow(ctx, "u1", models.CounterAIUsage, 10)
			if err == nil && ok {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, granted)
	u, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), u.AIUsageThisMonth)
}

func TestReturnedRecordsAreCopies(t *testing.T) {
	s := New()
	seedUser(t, s, "u1")
	ctx := context.Background()

	_, err := s.SetReferralCode(ctx, "u1", "STUDY-AB3F9")
	require.NoError(t, err)

	u, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	*u.ReferralCode = "STUDY-XXXXX"
	u.AIUsageThisMonth = 99

	again, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "STUDY-AB3F9", again.Code())
	assert.Equal(t, int64(0), again.AIUsageThisMonth)
}

func TestDuplicateReferredUserRejected(t *testing.T) {
	s := New()
	ctx := context.Background()

	first := &models.Referral{ReferrerID: "a", ReferredUserID: "b", ReferralCode: "STUDY-AB3F9", Status: models.ReferralPending}
	require.NoError(t, s.CreateReferral(ctx, first))

	second := &models.Referral{ReferrerID: "c", ReferredUserID: "b", ReferralCode: "STUDY-CCCCC", Status: models.ReferralPending}
	assert.ErrorIs(t, s.CreateReferral(ctx, second), store.ErrDuplicate)
}

func TestConvertReferralWritesAllOrNothing(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedUser(t, s, "a")

	ref := &models.Referral{ReferrerID: "a", ReferredUserID: "b", ReferralCode: "STUDY-AB3F9", Status: models.ReferralPending}
	require.NoError(t, s.RecordReferral(ctx, ref))

	taken := &models.Reward{UserID: "a", ReferralID: ref.ID, RewardType: models.RewardCredit, Amount: 2000, Status: models.RewardPending}
	require.NoError(t, s.CreateReward(ctx, taken))

	at := time.Now().UTC()
	reward := &models.Reward{UserID: "a", ReferralID: ref.ID, RewardType: models.RewardCredit, Amount: 2000, Status: models.RewardPending}
	_, err := s.ConvertReferral(ctx, ref.ID, at, reward)
	assert.ErrorIs(t, err, store.ErrDuplicate)

	got, err := s.GetReferral(ctx, ref.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReferralPending, got.Status)
	u, err := s.GetUser(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, models.ReferralStats{TotalReferrals: 1}, u.ReferralStats)

	_, err = s.ConvertReferral(ctx, ref.ID, at, &models.Reward{UserID: "x", RewardType: models.RewardCredit, Amount: 1, Status: models.RewardPending})
	assert.ErrorIs(t, err, store.ErrInvalidRecord)
}

func TestConvertReferralOnlyOnce(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedUser(t, s, "a")

	ref := &models.Referral{ReferrerID: "a", ReferredUserID: "b", ReferralCode: "STUDY-AB3F9", Status: models.ReferralPending}
	require.NoError(t, s.RecordReferral(ctx, ref))

	at := time.Now().UTC()
	ok, err := s.ConvertReferral(ctx, ref.ID, at, &models.Reward{UserID: "a", ReferralID: ref.ID, RewardType: models.RewardCredit, Amount: 2000, Status: models.RewardPending})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ConvertReferral(ctx, ref.ID, at, &models.Reward{UserID: "a", ReferralID: ref.ID, RewardType: models.RewardCredit, Amount: 2000, Status: models.RewardPending})
	require.NoError(t, err)
	assert.False(t, ok)

	u, err := s.GetUser(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, models.ReferralStats{TotalReferrals: 1, SuccessfulReferrals: 1, PendingRewards: 1}, u.ReferralStats)
	rewards, err := s.ListRewards(ctx, store.RewardFilter{UserID: "a"})
	require.NoError(t, err)
	assert.Len(t, rewards, 1)
}

func TestRecordReferralNeedsReferrer(t *testing.T) {
	s := New()
	ctx := context.Background()

	ref := &models.Referral{ReferrerID: "ghost", ReferredUserID: "b", ReferralCode: "STUDY-AB3F9", Status: models.ReferralPending}
	assert.ErrorIs(t, s.RecordReferral(ctx, ref), store.ErrNotFound)

	n, err := s.CountReferrals(ctx, store.ReferralFilter{ReferredUserID: "b"})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAppliedTransitionMovesCountersWithStatus(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedUser(t, s, "a")

	orphan := &models.Reward{UserID: "gone", RewardType: models.RewardCredit, Amount: 2000, Status: models.RewardPending}
	require.NoError(t, s.CreateReward(ctx, orphan))

	deltas := map[models.UserCounter]int64{models.CounterPendingRewards: -1, models.CounterTotalRewardsEarned: 2000}
	_, err := s.TransitionReward(ctx, orphan.ID, models.RewardPending, models.RewardApplied, models.RewardTransition{Counters: deltas})
	assert.ErrorIs(t, err, store.ErrNotFound)
	got, err := s.GetReward(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RewardPending, got.Status)

	require.NoError(t, s.IncrementCounters(ctx, "a", map[models.UserCounter]int64{models.CounterPendingRewards: 1}))
	r := &models.Reward{UserID: "a", RewardType: models.RewardCredit, Amount: 2000, Status: models.RewardPending}
	require.NoError(t, s.CreateReward(ctx, r))

	for i := 0; i < 2; i++ {
		_, err := s.TransitionReward(ctx, r.ID, models.RewardPending, models.RewardApplied, models.RewardTransition{Counters: deltas})
		require.NoError(t, err)
	}
	u, err := s.GetUser(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, models.ReferralStats{TotalRewardsEarned: 2000}, u.ReferralStats)
}
