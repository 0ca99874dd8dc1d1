package abuse

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studybuddy/backend/internal/models"
	"github.com/studybuddy/backend/internal/referral"
	"github.com/studybuddy/backend/internal/store"
	"github.com/studybuddy/backend/internal/store/memory"
)

var now = time.Date(2026, 7, 15, 12, 0, 0, 0, time.UTC)

type fixture struct {
	detector *Detector
	store    *memory.Store
	seq      int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := memory.New()
	d := NewDetector(referral.NewLedger(s, nil), s, DefaultConfig(), zerolog.Nop())
	d.now = func() time.Time { return now }

	require.NoError(t, s.CreateUser(context.Background(), &models.User{
		ID: "A", Role: models.RoleUser, SubscriptionTier: "starter",
	}))
	ok, err := s.SetReferralCode(context.Background(), "A", "STUDY-AB3F9")
	require.NoError(t, err)
	require.True(t, ok)

	return &fixture{detector: d, store: s}
}

// seed records a prior referral by A created `ago` before now
func (f *fixture) seed(t *testing.T, ago time.Duration, ip string) {
	t.Helper()
	f.seq++
	require.NoError(t, f.store.CreateReferral(context.Background(), &models.Referral{
		ReferrerID:        "A",
		ReferredUserID:    fmt.Sprintf("seed-%d", f.seq),
		ReferredUserEmail: fmt.Sprintf("seed-%d@example.com", f.seq),
		ReferralCode:      "STUDY-AB3F9",
		IPAddress:         ip,
		Status:            models.ReferralPending,
		CreatedAt:         now.Add(-ago),
	}))
}

func (f *fixture) check(t *testing.T, req referral.SignupRequest) Result {
	t.Helper()
	if req.Code == "" {
		req.Code = "STUDY-AB3F9"
	}
	res, err := f.detector.Check(context.Background(), req)
	require.NoError(t, err)
	return res
}

func (f *fixture) pendingFlags(t *testing.T) []*models.AbuseFlag {
	t.Helper()
	flags, err := f.detector.ListFlags(context.Background(), models.FlagPending, "A")
	require.NoError(t, err)
	return flags
}

func TestCleanSignupPasses(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 72*time.Hour, "10.0.0.1")

	res := f.check(t, referral.SignupRequest{NewUserID: "B", Email: "b@example.com", IPAddress: "10.0.0.2"})
	assert.True(t, res.Allowed)
	assert.Equal(t, "A", res.ReferrerID)
	assert.False(t, res.Flagged)
	assert.Empty(t, f.pendingFlags(t))
}

func TestDailyLimitRejectsEleventhSignup(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 10; i++ {
		f.seed(t, time.Duration(i)*2*time.Hour, "")
	}

	res := f.check(t, referral.SignupRequest{NewUserID: "B", Email: "b@example.com"})
	assert.False(t, res.Allowed)
	assert.Equal(t, ReasonDailyLimit, res.Reason)
}

func TestDailyWindowIncludesItsStart(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 9; i++ {
		f.seed(t, time.Duration(i)*2*time.Hour, "")
	}
	f.seed(t, 24*time.Hour, "")

	res := f.check(t, referral.SignupRequest{NewUserID: "B"})
	assert.Equal(t, ReasonDailyLimit, res.Reason)
}

func TestMonthlyLimitRejectsAndFlags(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 100; i++ {
		f.seed(t, 25*time.Hour+time.Duration(i)*6*time.Hour, "")
	}

	res := f.check(t, referral.SignupRequest{NewUserID: "B"})
	assert.False(t, res.Allowed)
	assert.Equal(t, ReasonMonthlyLimit, res.Reason)
	assert.True(t, res.Flagged)

	require.Len(t, f.pendingFlags(t), 1)
	u, err := f.store.GetUser(context.Background(), "A")
	require.NoError(t, err)
	assert.True(t, u.FlaggedForReview)
}

func TestSameIPLimit(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.seed(t, time.Duration(i+2)*48*time.Hour, "203.0.113.7")
	}

	res := f.check(t, referral.SignupRequest{NewUserID: "B", IPAddress: "203.0.113.7"})
	assert.False(t, res.Allowed)
	assert.Equal(t, ReasonIPLimit, res.Reason)
	assert.True(t, res.Flagged)

	res = f.check(t, referral.SignupRequest{NewUserID: "B", IPAddress: "203.0.113.8"})
	assert.True(t, res.Allowed)
}

func TestCodeAndEmailChecks(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 72*time.Hour, "")

	res := f.check(t, referral.SignupRequest{Code: "STUDY-0000", NewUserID: "B"})
	assert.Equal(t, ReasonInvalidFormat, res.Reason)

	res = f.check(t, referral.SignupRequest{Code: "STUDY-ZZZZZ", NewUserID: "B"})
	assert.Equal(t, ReasonCodeNotFound, res.Reason)

	res = f.check(t, referral.SignupRequest{NewUserID: "B", Email: "SEED-1@example.com"})
	assert.False(t, res.Allowed)
	assert.Equal(t, ReasonEmailReferred, res.Reason)
}

func TestBurstFlagsWithoutBlocking(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.seed(t, time.Duration(i)*10*time.Minute, "")
	}

	res := f.check(t, referral.SignupRequest{NewUserID: "B"})
	assert.True(t, res.Allowed)
	assert.True(t, res.Flagged)

	res = f.check(t, referral.SignupRequest{NewUserID: "C"})
	assert.True(t, res.Allowed)

	flags := f.pendingFlags(t)
	require.Len(t, flags, 1, "a pending flag is not stacked")
	assert.Contains(t, flags[0].Reason, ReasonBurst)
}

func TestSpreadOutReferralsAreNotABurst(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 6; i++ {
		f.seed(t, time.Duration(i)*15*time.Minute+time.Duration(i/4)*time.Hour, "")
	}
	// four inside 45 minutes, then a gap: no five fit inside one hour
	assert.False(t, burst(mustList(t, f), 5, time.Hour))
}

func mustList(t *testing.T, f *fixture) []*models.Referral {
	t.Helper()
	refs, err := f.store.ListReferrals(context.Background(), store.ReferralFilter{ReferrerID: "A"})
	require.NoError(t, err)
	return refs
}

func TestHighConversionRateFlags(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.IncrementCounters(context.Background(), "A", map[models.UserCounter]int64{
		models.CounterTotalReferrals:      10,
		models.CounterSuccessfulReferrals: 10,
	}))

	res := f.check(t, referral.SignupRequest{NewUserID: "B"})
	assert.True(t, res.Allowed)
	assert.True(t, res.Flagged)
	flags := f.pendingFlags(t)
	require.Len(t, flags, 1)
	assert.Contains(t, flags[0].Reason, ReasonHighConversion)
}

func TestResolveFlagBanBlocksFutureReferrals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		f.seed(t, time.Duration(i)*time.Minute, "")
	}
	f.check(t, referral.SignupRequest{NewUserID: "B"})
	flags := f.pendingFlags(t)
	require.Len(t, flags, 1)

	_, err := f.detector.ResolveFlag(ctx, flags[0].ID, "delete", "admin-1")
	assert.ErrorIs(t, err, ErrInvalidAction)

	_, err = f.detector.ResolveFlag(ctx, uuid.New(), models.ActionBanned, "admin-1")
	assert.ErrorIs(t, err, ErrFlagNotFound)

	resolved, err := f.detector.ResolveFlag(ctx, flags[0].ID, models.ActionBanned, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, models.FlagResolved, resolved.Status)
	assert.Equal(t, models.ActionBanned, resolved.Action)
	assert.Equal(t, "admin-1", resolved.ReviewedBy)

	_, err = f.detector.ResolveFlag(ctx, flags[0].ID, models.ActionApproved, "admin-2")
	assert.ErrorIs(t, err, ErrFlagResolved)

	u, err := f.store.GetUser(ctx, "A")
	require.NoError(t, err)
	assert.True(t, u.ReferralsBanned)
	assert.False(t, u.FlaggedForReview)

	res := f.check(t, referral.SignupRequest{NewUserID: "C"})
	assert.False(t, res.Allowed)
	assert.Empty(t, f.pendingFlags(t))
}

func TestResolveFlagWarningKeepsReferralsOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.True(t, f.detector.raise(ctx, "A", "manual"))
	flags := f.pendingFlags(t)
	require.Len(t, flags, 1)

	_, err := f.detector.ResolveFlag(ctx, flags[0].ID, models.ActionWarning, "admin-1")
	require.NoError(t, err)

	u, err := f.store.GetUser(ctx, "A")
	require.NoError(t, err)
	assert.False(t, u.ReferralsBanned)
	assert.False(t, u.FlaggedForReview)
}
