package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"
)

// sweepBatch caps how many rewards one sweep re-enqueues
const sweepBatch = 100

// PendingSweep periodically re-enqueues rewards that stayed pending longer
// than minAge, covering enqueue failures and billing outages.
type PendingSweep struct {
	job       *ReferralRewardJob
	interval  time.Duration
	minAge    time.Duration
	scheduler *gocron.Scheduler
	now       func() time.Time
	log       zerolog.Logger
}

// NewPendingSweep creates the sweep
func NewPendingSweep(job *ReferralRewardJob, interval, minAge time.Duration, log zerolog.Logger) *PendingSweep {
	return &PendingSweep{
		job:       job,
		interval:  interval,
		minAge:    minAge,
		scheduler: gocron.NewScheduler(time.UTC),
		now:       time.Now,
		log:       log.With().Str("component", "pending_sweep").Logger(),
	}
}

// Start schedules the sweep. It runs until Stop.
func (s *PendingSweep) Start(ctx context.Context) error {
	s.scheduler.SingletonModeAll()
	_, err := s.scheduler.Every(s.interval).Do(func() {
		if _, err := s.Sweep(ctx); err != nil {
			s.log.Error().Err(err).Msg("pending reward sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule pending sweep: %w", err)
	}
	s.scheduler.StartAsync()
	s.log.Info().Dur("interval", s.interval).Dur("min_age", s.minAge).Msg("pending reward sweep scheduled")
	return nil
}

// Stop stops the scheduler
func (s *PendingSweep) Stop() {
	s.scheduler.Stop()
}

// Sweep enqueues one batch of stale pending rewards and reports how many it queued
func (s *PendingSweep) Sweep(ctx context.Context) (int, error) {
	stale, err := s.job.processor.ListStalePending(ctx, s.now().Add(-s.minAge), sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending rewards: %w", err)
	}

	queued := 0
	for _, r := range stale {
		if _, err := s.job.Enqueue(ctx, r.ID); err != nil {
			s.log.Error().Err(err).Str("reward_id", r.ID.String()).Msg("failed to re-enqueue reward")
			continue
		}
		queued++
	}
	if queued > 0 {
		s.log.Info().Int("queued", queued).Msg("stale pending rewards re-enqueued")
	}
	return queued, nil
}
