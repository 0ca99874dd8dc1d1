package entitlement

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/studybuddy/backend/internal/models"
	"github.com/studybuddy/backend/internal/store/memory"
	"github.com/studybuddy/backend/internal/sysconfig"
	"github.com/studybuddy/backend/internal/tiers"
	"github.com/studybuddy/backend/internal/usage"
)

type fixture struct {
	gate     *Gate
	store    *memory.Store
	provider *sysconfig.Provider
	usage    *usage.Accounting
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := memory.New()
	p := sysconfig.New(s, tiers.Standard(), sysconfig.WithTTL(0))
	u := usage.NewAccounting(s, zerolog.Nop())
	return &fixture{
		gate:     NewGate(s, p, u, zerolog.Nop()),
		store:    s,
		provider: p,
		usage:    u,
	}
}

func (f *fixture) addUser(t *testing.T, id string, tier tiers.Name, used int64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.CreateUser(ctx, &models.User{
		ID:                 id,
		Role:               models.RoleUser,
		SubscriptionTier:   string(tier),
		SubscriptionStatus: models.StatusActive,
	}))
	if used > 0 {
		require.NoError(t, f.store.IncrementCounters(ctx, id, map[models.UserCounter]int64{models.CounterAIUsage: used}))
	}
}

func TestAIGateQuotaBoundary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addUser(t, "u1", tiers.Starter, 99)

	d, err := f.gate.CheckAI(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(99), d.CurrentUsage)
	assert.Equal(t, 100, d.Limit)

	require.NoError(t, f.usage.RecordUsage(ctx, "u1"))

	d, err = f.gate.CheckAI(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonAILimit, d.Reason)
	assert.Equal(t, int64(100), d.CurrentUsage)
	assert.Equal(t, 100, d.Limit)
	assert.Equal(t, tiers.Starter, d.Tier)
	assert.Equal(t, tiers.Pro, d.RequiredTier)
	assert.True(t, d.UpgradeRequired)
}

func TestAIGateDeniesIffUsageReachesLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addUser(t, "u1", tiers.Starter, 0)

	limit := 5
	_, err := f.provider.SetTierOverride(ctx, tiers.Starter, models.TierOverride{AICallsPerMonth: &limit}, "test")
	require.NoError(t, err)

	for i := 0; i < limit+3; i++ {
		used, err := f.usage.CurrentUsage(ctx, "u1")
		require.NoError(t, err)

		d, err := f.gate.CheckAI(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, used < int64(limit), d.Allowed, "usage %d", used)

		require.NoError(t, f.usage.RecordUsage(ctx, "u1"))
	}
}

// Check and RecordUsage are separate calls. Two callers that both pass the
// gate at limit-1 both get to record, leaving the counter one over.
func TestCheckThenRecordIsSoftLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addUser(t, "u1", tiers.Starter, 99)

	first, err := f.gate.CheckAI(ctx, "u1")
	require.NoError(t, err)
	second, err := f.gate.CheckAI(ctx, "u1")
	require.NoError(t, err)
	require.True(t, first.Allowed)
	require.True(t, second.Allowed)

	require.NoError(t, f.usage.RecordUsage(ctx, "u1"))
	require.NoError(t, f.usage.RecordUsage(ctx, "u1"))

	used, err := f.usage.CurrentUsage(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(101), used)
}

func TestClaimNeverExceedsQuota(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addUser(t, "u1", tiers.Starter, 95)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := f.gate.Claim(ctx, "u1")
			assert.NoError(t, err)
			if d.Allowed {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, granted)
	used, err := f.usage.CurrentUsage(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), used)
}

func TestFeatureFlagGates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addUser(t, "starter", tiers.Starter, 0)
	f.addUser(t, "pro", tiers.Pro, 0)
	f.addUser(t, "team", tiers.Team, 0)

	tests := []struct {
		user     string
		cap      Capability
		allowed  bool
		reason   string
		required tiers.Name
	}{
		{"starter", Voice, false, ReasonVoice, tiers.Pro},
		{"pro", Voice, true, "", ""},
		{"starter", DataExport, false, ReasonDataExport, tiers.Pro},
		{"pro", DataExport, true, "", ""},
		{"pro", AdminTools, false, ReasonAdminTools, tiers.Team},
		{"team", AdminTools, true, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.user+"/"+string(tt.cap), func(t *testing.T) {
			d, err := f.gate.Check(ctx, Request{UserID: tt.user, Capability: tt.cap})
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, d.Allowed)
			assert.Equal(t, tt.reason, d.Reason)
			assert.Equal(t, tt.required, d.RequiredTier)
			assert.Equal(t, !tt.allowed, d.UpgradeRequired)
		})
	}
}

func TestLessonCreationGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addUser(t, "starter", tiers.Starter, 0)
	f.addUser(t, "team", tiers.Team, 0)

	d, err := f.gate.Check(ctx, Request{UserID: "starter", Capability: LessonCreation, LessonCount: 9})
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = f.gate.Check(ctx, Request{UserID: "starter", Capability: LessonCreation, LessonCount: 10})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonLessonLimit, d.Reason)
	assert.Equal(t, int64(10), d.CurrentUsage)
	assert.Equal(t, 10, d.Limit)
	assert.Equal(t, tiers.Pro, d.RequiredTier)

	d, err = f.gate.Check(ctx, Request{UserID: "starter", Capability: LessonCreation, LessonCount: 75})
	require.NoError(t, err)
	assert.Equal(t, tiers.Team, d.RequiredTier)

	d, err = f.gate.Check(ctx, Request{UserID: "team", Capability: LessonCreation, LessonCount: 100000})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, tiers.Unlimited, d.Limit)
}

func TestMissingAccountIsDeclarativeDenial(t *testing.T) {
	f := newFixture(t)

	for _, c := range Capabilities {
		d, err := f.gate.Check(context.Background(), Request{UserID: "ghost", Capability: c})
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, ReasonUserNotFound, d.Reason)
	}
}

func TestUnknownCapabilityIsError(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "u1", tiers.Team, 0)

	_, err := f.gate.Check(context.Background(), Request{UserID: "u1", Capability: "adminTools"})
	assert.ErrorIs(t, err, ErrUnknownCapability)

	_, err = ParseCapability("dataExport")
	assert.ErrorIs(t, err, ErrUnknownCapability)

	c, err := ParseCapability("data_export")
	require.NoError(t, err)
	assert.Equal(t, DataExport, c)
}

func TestKillSwitches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addUser(t, "team", tiers.Team, 0)

	_, err := f.provider.Update(ctx, "ops", func(c *models.SystemConfig) {
		c.AIEnabled = false
		c.IngestEnabled = false
	})
	require.NoError(t, err)

	for c, reason := range map[Capability]string{
		AICall:         ReasonAIDisabled,
		Voice:          ReasonAIDisabled,
		LessonCreation: ReasonIngestDisabled,
	} {
		d, err := f.gate.Check(ctx, Request{UserID: "team", Capability: c})
		require.NoError(t, err)
		assert.False(t, d.Allowed, c)
		assert.Equal(t, reason, d.Reason, c)
		assert.False(t, d.UpgradeRequired, c)
	}

	d, err := f.gate.Check(ctx, Request{UserID: "team", Capability: DataExport})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestTierOverrideTakesEffectWithoutRestart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addUser(t, "pro", tiers.Pro, 0)

	d, err := f.gate.Check(ctx, Request{UserID: "pro", Capability: Voice})
	require.NoError(t, err)
	require.True(t, d.Allowed)

	off := false
	_, err = f.provider.SetTierOverride(ctx, tiers.Pro, models.TierOverride{VoiceEnabled: &off}, "ops")
	require.NoError(t, err)

	d, err = f.gate.Check(ctx, Request{UserID: "pro", Capability: Voice})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, tiers.Team, d.RequiredTier)
}

type MockUsers struct {
	mock.Mock
}

func (m *MockUsers) GetUser(ctx context.Context, id string) (*models.User, error) {
	args := m.Called(ctx, id)
	u, _ := args.Get(0).(*models.User)
	return u, args.Error(1)
}

func TestHardFaultsPropagate(t *testing.T) {
	s := memory.New()
	p := sysconfig.New(s, tiers.Standard(), sysconfig.WithTTL(0))
	users := new(MockUsers)
	gate := NewGate(users, p, usage.NewAccounting(s, zerolog.Nop()), zerolog.Nop())

	users.On("GetUser", mock.Anything, "legacy").Return(&models.User{ID: "legacy", SubscriptionTier: "platinum"}, nil)
	users.On("GetUser", mock.Anything, "u1").Return(nil, errors.New("connection refused"))

	_, err := gate.CheckAI(context.Background(), "legacy")
	assert.ErrorIs(t, err, tiers.ErrUnknownTier)

	_, err = gate.CheckAI(context.Background(), "u1")
	assert.Error(t, err)

	users.AssertExpectations(t)
}
