package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/studybuddy/backend/internal/models"
	"github.com/studybuddy/backend/internal/queue"
	"github.com/studybuddy/backend/internal/rewards"
)

const (
	// ReferralRewardJobType is the job type for processing referral rewards
	ReferralRewardJobType queue.JobType = "process_referral_reward"
)

// ReferralRewardJobPayload represents the payload for a referral reward job
type ReferralRewardJobPayload struct {
	RewardID uuid.UUID `json:"reward_id"`
}

// RewardProcessor is the part of rewards.Processor the jobs use
type RewardProcessor interface {
	Process(ctx context.Context, rewardID uuid.UUID) (rewards.Outcome, error)
	ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]*models.Reward, error)
}

// ReferralRewardJob applies rewards created by referral conversions
type ReferralRewardJob struct {
	processor RewardProcessor
	queue     queue.Enqueuer
	log       zerolog.Logger
}

// NewReferralRewardJob creates a new referral reward job handler
func NewReferralRewardJob(p RewardProcessor, q queue.Enqueuer, log zerolog.Logger) *ReferralRewardJob {
	return &ReferralRewardJob{
		processor: p,
		queue:     q,
		log:       log.With().Str("job", string(ReferralRewardJobType)).Logger(),
	}
}

// Register adds the job handler to a processor
func (j *ReferralRewardJob) Register(p *queue.JobProcessor) {
	p.RegisterHandler(ReferralRewardJobType, j.ProcessReferralReward)
}

// Enqueue schedules processing of a reward
func (j *ReferralRewardJob) Enqueue(ctx context.Context, rewardID uuid.UUID) (string, error) {
	id, err := j.queue.Enqueue(ctx, ReferralRewardJobType, ReferralRewardJobPayload{RewardID: rewardID})
	if err != nil {
		return "", fmt.Errorf("failed to enqueue referral reward job: %w", err)
	}
	return id, nil
}

// OnReward returns a callback that enqueues every reward it receives. An
// enqueue failure is logged; the pending sweep picks the reward up later.
func (j *ReferralRewardJob) OnReward() func(ctx context.Context, r *models.Reward) {
	return func(ctx context.Context, r *models.Reward) {
		if _, err := j.Enqueue(ctx, r.ID); err != nil {
			j.log.Error().Err(err).Str("reward_id", r.ID.String()).Msg("failed to enqueue reward")
		}
	}
}

// ProcessReferralReward processes one reward. Only hard failures return an
// error and so trigger a queue retry; ledger failures are recorded on the
// reward itself.
func (j *ReferralRewardJob) ProcessReferralReward(ctx context.Context, job *queue.Job) error {
	var payload ReferralRewardJobPayload
	if err := job.Decode(&payload); err != nil {
		j.log.Error().Err(err).Str("job_id", job.ID).Msg("malformed referral reward payload, dropping")
		return nil
	}

	log := j.log.With().Str("job_id", job.ID).Str("reward_id", payload.RewardID.String()).Logger()

	out, err := j.processor.Process(ctx, payload.RewardID)
	switch {
	case errors.Is(err, rewards.ErrAlreadyProcessed):
		log.Info().Msg("reward already processed")
		return nil
	case errors.Is(err, rewards.ErrBillingDisabled):
		log.Info().Msg("billing disabled, reward left pending")
		return nil
	case errors.Is(err, rewards.ErrRewardNotFound), errors.Is(err, rewards.ErrUnknownRewardType):
		log.Warn().Err(err).Msg("reward cannot be processed")
		return nil
	case err != nil:
		return err
	}

	if !out.Success {
		log.Warn().Str("error", out.Error).Msg("reward marked failed")
		return nil
	}
	log.Info().Str("transaction_id", out.TransactionID).Msg("reward applied")
	return nil
}
