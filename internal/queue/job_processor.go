package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/studybuddy/backend/internal/metrics"
)

// ErrNoHandler is returned for a job whose type has no registered handler
var ErrNoHandler = errors.New("no handler registered for job type")

// JobProcessor polls the registered job types and runs their handlers
type JobProcessor struct {
	queue        QueueInterface
	handlers     map[JobType]Handler
	workerCount  int
	pollTimeout  time.Duration
	idleInterval time.Duration
	log          zerolog.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewJobProcessor creates a new JobProcessor
func NewJobProcessor(queue QueueInterface, workerCount int, log zerolog.Logger) *JobProcessor {
	if workerCount < 1 {
		workerCount = 1
	}
	return &JobProcessor{
		queue:        queue,
		handlers:     make(map[JobType]Handler),
		workerCount:  workerCount,
		pollTimeout:  time.Second,
		idleInterval: 100 * time.Millisecond,
		log:          log.With().Str("component", "job_processor").Logger(),
	}
}

// RegisterHandler registers a handler for a job type. Call before Start.
func (p *JobProcessor) RegisterHandler(jobType JobType, handler Handler) {
	p.handlers[jobType] = handler
}

// Start launches the workers. They run until Stop is called or ctx ends.
func (p *JobProcessor) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	types := make([]JobType, 0, len(p.handlers))
	for t := range p.handlers {
		types = append(types, t)
	}
	if len(types) == 0 {
		p.log.Warn().Msg("no job handlers registered, processor idle")
		return
	}

	p.log.Info().Int("workers", p.workerCount).Msg("starting job processor")
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i, types)
	}
}

// Stop cancels the workers and waits for in-flight jobs to finish
func (p *JobProcessor) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.log.Info().Msg("job processor stopped")
}

func (p *JobProcessor) worker(ctx context.Context, id int, types []JobType) {
	defer p.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		processed := false
		for _, jobType := range types {
			job, err := p.queue.Dequeue(ctx, jobType, p.pollTimeout)
			if err != nil {
				if ctx.Err() == nil {
					p.log.Error().Err(err).Int("worker", id).Str("type", string(jobType)).Msg("failed to dequeue job")
				}
				continue
			}
			if job == nil {
				continue
			}
			processed = true
			if err := p.ProcessJob(ctx, job); err != nil {
				p.log.Warn().Err(err).Int("worker", id).Str("job_id", job.ID).Msg("job did not complete")
			}
			// one job per pass so every type gets a turn
			break
		}

		if !processed {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.idleInterval):
			}
		}
	}
}

// ProcessJob runs the handler for one job and records the result on the queue
func (p *JobProcessor) ProcessJob(ctx context.Context, job *Job) error {
	if job == nil {
		return fmt.Errorf("nil job")
	}

	handler, ok := p.handlers[job.Type]
	if !ok {
		err := fmt.Errorf("%w: %s", ErrNoHandler, job.Type)
		metrics.JobsProcessed.WithLabelValues(string(job.Type), "no_handler").Inc()
		if failErr := p.queue.Fail(ctx, job, err); failErr != nil {
			p.log.Error().Err(failErr).Str("job_id", job.ID).Msg("failed to record job failure")
		}
		return err
	}

	if err := handler(ctx, job); err != nil {
		metrics.JobsProcessed.WithLabelValues(string(job.Type), "failed").Inc()
		if failErr := p.queue.Fail(ctx, job, err); failErr != nil {
			p.log.Error().Err(failErr).Str("job_id", job.ID).Msg("failed to record job failure")
		}
		return fmt.Errorf("job processing failed: %w", err)
	}

	metrics.JobsProcessed.WithLabelValues(string(job.Type), "completed").Inc()
	if err := p.queue.Complete(ctx, job); err != nil {
		return fmt.Errorf("failed to mark job completed: %w", err)
	}
	return nil
}
