package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/studybuddy/backend/internal/models"
	"github.com/studybuddy/backend/internal/queue"
	"github.com/studybuddy/backend/internal/rewards"
)

type MockProcessor struct {
	mock.Mock
}

func (m *MockProcessor) Process(ctx context.Context, rewardID uuid.UUID) (rewards.Outcome, error) {
	args := m.Called(ctx, rewardID)
	return args.Get(0).(rewards.Outcome), args.Error(1)
}

func (m *MockProcessor) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]*models.Reward, error) {
	args := m.Called(ctx, cutoff, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Reward), args.Error(1)
}

type recordingQueue struct {
	mu   sync.Mutex
	ids  []uuid.UUID
	fail bool
}

func (q *recordingQueue) Enqueue(ctx context.Context, jobType queue.JobType, payload interface{}, opts ...queue.EnqueueOption) (string, error) {
	if q.fail {
		return "", errors.New("redis down")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids = append(q.ids, payload.(ReferralRewardJobPayload).RewardID)
	return uuid.NewString(), nil
}

func rewardJob(t *testing.T, id uuid.UUID) *queue.Job {
	t.Helper()
	raw, err := json.Marshal(ReferralRewardJobPayload{RewardID: id})
	require.NoError(t, err)
	return &queue.Job{ID: "job-1", Type: ReferralRewardJobType, Payload: raw}
}

func TestProcessReferralRewardOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		outcome rewards.Outcome
		err     error
		wantErr bool
	}{
		{name: "applied", outcome: rewards.Outcome{Success: true, TransactionID: "cbtxn_1"}},
		{name: "ledger failure recorded", outcome: rewards.Outcome{Success: false, Error: "card declined"}},
		{name: "already processed", err: rewards.ErrAlreadyProcessed},
		{name: "billing disabled", err: rewards.ErrBillingDisabled},
		{name: "not found", err: rewards.ErrRewardNotFound},
		{name: "unknown type", err: rewards.ErrUnknownRewardType},
		{name: "store unreachable", err: errors.New("connection refused"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := uuid.New()
			p := new(MockProcessor)
			p.On("Process", mock.Anything, id).Return(tt.outcome, tt.err).Once()

			j := NewReferralRewardJob(p, &recordingQueue{}, zerolog.Nop())
			err := j.ProcessReferralReward(context.Background(), rewardJob(t, id))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			p.AssertExpectations(t)
		})
	}
}

func TestProcessReferralRewardDropsMalformedPayload(t *testing.T) {
	p := new(MockProcessor)
	j := NewReferralRewardJob(p, &recordingQueue{}, zerolog.Nop())

	err := j.ProcessReferralReward(context.Background(), &queue.Job{ID: "bad", Payload: json.RawMessage(`{"reward_id":42}`)})
	assert.NoError(t, err)
	p.AssertNotCalled(t, "Process", mock.Anything, mock.Anything)
}

func TestOnRewardEnqueues(t *testing.T) {
	q := &recordingQueue{}
	j := NewReferralRewardJob(new(MockProcessor), q, zerolog.Nop())

	r := &models.Reward{Base: models.Base{ID: uuid.New()}}
	j.OnReward()(context.Background(), r)
	assert.Equal(t, []uuid.UUID{r.ID}, q.ids)

	q.fail = true
	assert.NotPanics(t, func() { j.OnReward()(context.Background(), &models.Reward{Base: models.Base{ID: uuid.New()}}) })
}

func TestPendingSweepRequeuesStaleRewards(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	stale := []*models.Reward{{Base: models.Base{ID: uuid.New()}}, {Base: models.Base{ID: uuid.New()}}}

	p := new(MockProcessor)
	p.On("ListStalePending", mock.Anything, now.Add(-15*time.Minute), sweepBatch).Return(stale, nil).Once()

	q := &recordingQueue{}
	s := NewPendingSweep(NewReferralRewardJob(p, q, zerolog.Nop()), time.Minute, 15*time.Minute, zerolog.Nop())
	s.now = func() time.Time { return now }

	n, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []uuid.UUID{stale[0].ID, stale[1].ID}, q.ids)
	p.AssertExpectations(t)
}

func TestPendingSweepListError(t *testing.T) {
	p := new(MockProcessor)
	p.On("ListStalePending", mock.Anything, mock.Anything, sweepBatch).Return(nil, errors.New("db down")).Once()

	s := NewPendingSweep(NewReferralRewardJob(p, &recordingQueue{}, zerolog.Nop()), time.Minute, time.Minute, zerolog.Nop())
	_, err := s.Sweep(context.Background())
	assert.Error(t, err)
}

func TestPendingSweepStartStop(t *testing.T) {
	p := new(MockProcessor)
	p.On("ListStalePending", mock.Anything, mock.Anything, sweepBatch).Return([]*models.Reward{}, nil)

	s := NewPendingSweep(NewReferralRewardJob(p, &recordingQueue{}, zerolog.Nop()), time.Hour, time.Minute, zerolog.Nop())
	require.NoError(t, s.Start(context.Background()))
	s.Stop()
}
