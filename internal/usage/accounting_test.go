package usage

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studybuddy/backend/internal/models"
	"github.com/studybuddy/backend/internal/store"
	"github.com/studybuddy/backend/internal/store/memory"
)

func setup(t *testing.T) (*Accounting, *memory.Store) {
	t.Helper()
	s := memory.New()
	require.NoError(t, s.CreateUser(context.Background(), &models.User{
		ID: "u1", Role: models.RoleUser, SubscriptionTier: "starter",
	}))
	return NewAccounting(s, zerolog.Nop()), s
}

func TestCurrentUsageOfUnknownUserIsZero(t *testing.T) {
	a, _ := setup(t)

	n, err := a.CurrentUsage(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestRecordUsageStrictlyIncreases(t *testing.T) {
	a, _ := setup(t)
	ctx := context.Background()

	prev, err := a.CurrentUsage(ctx, "u1")
	require.NoError(t, err)
	for i := 0; i < 25; i++ {
		require.NoError(t, a.RecordUsage(ctx, "u1"))
		cur, err := a.CurrentUsage(ctx, "u1")
		require.NoError(t, err)
		assert.Greater(t, cur, prev)
		prev = cur
	}
}

func TestConcurrentRecordUsageCountsEveryCall(t *testing.T) {
	a, _ := setup(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, a.RecordUsage(ctx, "u1"))
		}()
	}
	wg.Wait()

	n, err := a.CurrentUsage(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(64), n)
}

func TestRecordUsageForMissingAccountIsAnError(t *testing.T) {
	a, _ := setup(t)

	err := a.RecordUsage(context.Background(), "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRecordWithinHonoursCeiling(t *testing.T) {
	a, _ := setup(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := a.RecordWithin(ctx, "u1", 2)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := a.RecordWithin(ctx, "u1", 2)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = a.RecordWithin(ctx, "u1", -1)
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := a.CurrentUsage(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestResetZeroesCounter(t *testing.T) {
	a, _ := setup(t)
	ctx := context.Background()

	require.NoError(t, a.RecordUsage(ctx, "u1"))
	require.NoError(t, a.Reset(ctx, "u1"))

	n, err := a.CurrentUsage(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	assert.ErrorIs(t, a.Reset(ctx, "ghost"), store.ErrNotFound)
}

func TestTrackAppendsEvent(t *testing.T) {
	a, s := setup(t)
	ctx := context.Background()

	a.Track(ctx, "u1", "ai_summary", map[string]interface{}{"lesson_id": "l1"})
	a.Track(ctx, "u1", "", nil)

	events, err := s.ListUsageEvents(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, events, 1, "invalid events are dropped, not returned as errors")
	assert.Equal(t, "ai_summary", events[0].Feature)
	assert.Equal(t, "l1", events[0].Metadata["lesson_id"])
}
