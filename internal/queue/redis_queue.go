package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Redis key prefixes
const (
	queuePrefix   = "queue:"
	delayedPrefix = "delayed:"
	failedPrefix  = "failed:"
	jobPrefix     = "jobs:"
)

// RedisQueue stores ready jobs in a list per type, delayed jobs in a sorted
// set scored by run time, and dead jobs in a failed list.
type RedisQueue struct {
	client  *redis.Client
	log     zerolog.Logger
	now     func() time.Time
	backoff func(retry int) time.Duration
}

// NewRedisQueue creates a new Redis queue
func NewRedisQueue(client *redis.Client, log zerolog.Logger) *RedisQueue {
	return &RedisQueue{
		client:  client,
		log:     log,
		now:     time.Now,
		backoff: calculateBackoff,
	}
}

// Ping checks the Redis connection
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Enqueue adds a job. A job with a future RunAt goes to the delayed set.
func (q *RedisQueue) Enqueue(ctx context.Context, jobType JobType, payload interface{}, opts ...EnqueueOption) (string, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	now := q.now()
	job := &Job{
		ID:         uuid.New().String(),
		Type:       jobType,
		Payload:    payloadBytes,
		Status:     JobStatusPending,
		MaxRetries: DefaultRetryCount,
		CreatedAt:  now,
		UpdatedAt:  now,
		RunAt:      now,
	}
	for _, opt := range opts {
		opt(job)
	}

	if err := q.schedule(ctx, job); err != nil {
		return "", err
	}
	return job.ID, nil
}

func (q *RedisQueue) schedule(ctx context.Context, job *Job) error {
	jobBytes, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if job.RunAt.After(q.now()) {
			pipe.ZAdd(ctx, delayedPrefix+string(job.Type), &redis.Z{
				Score:  float64(job.RunAt.UnixMilli()),
				Member: jobBytes,
			})
		} else {
			pipe.LPush(ctx, queuePrefix+string(job.Type), jobBytes)
		}
		pipe.Set(ctx, jobPrefix+job.ID, jobBytes, DefaultTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to push job to queue: %w", err)
	}
	return nil
}

// Dequeue pops the next ready job, waiting up to timeout. It returns nil
// when nothing is ready.
func (q *RedisQueue) Dequeue(ctx context.Context, jobType JobType, timeout time.Duration) (*Job, error) {
	if err := q.promoteDelayed(ctx, jobType); err != nil {
		q.log.Warn().Err(err).Str("type", string(jobType)).Msg("failed to promote delayed jobs")
	}

	result, err := q.client.BRPop(ctx, timeout, queuePrefix+string(jobType)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop job from queue: %w", err)
	}
	if len(result) < 2 {
		return nil, fmt.Errorf("unexpected result format from BRPOP")
	}

	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	job.Status = JobStatusProcessing
	job.UpdatedAt = q.now()
	q.saveDetails(ctx, &job)
	return &job, nil
}

// promoteDelayed moves due jobs from the delayed set to the ready list.
// ZRem decides ownership, so concurrent workers never promote a job twice.
func (q *RedisQueue) promoteDelayed(ctx context.Context, jobType JobType) error {
	key := delayedPrefix + string(jobType)
	due, err := q.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(q.now().UnixMilli(), 10),
	}).Result()
	if err != nil {
		return err
	}

	for _, member := range due {
		removed, err := q.client.ZRem(ctx, key, member).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, queuePrefix+string(jobType), member).Err(); err != nil {
			return err
		}
	}
	return nil
}

// Complete marks a job as completed
func (q *RedisQueue) Complete(ctx context.Context, job *Job) error {
	job.Status = JobStatusCompleted
	job.UpdatedAt = q.now()
	return q.saveDetails(ctx, job)
}

// Fail records a failed attempt. The job is retried with backoff until its
// retry budget is spent, then parked on the failed list.
func (q *RedisQueue) Fail(ctx context.Context, job *Job, jobErr error) error {
	job.Error = jobErr.Error()
	job.UpdatedAt = q.now()

	if job.RetryCount < job.MaxRetries {
		delay := q.backoff(job.RetryCount)
		job.RetryCount++
		job.Status = JobStatusPending
		job.RunAt = q.now().Add(delay)
		q.log.Warn().Err(jobErr).Str("job_id", job.ID).Str("type", string(job.Type)).
			Int("retry", job.RetryCount).Dur("delay", delay).Msg("job failed, retry scheduled")
		return q.schedule(ctx, job)
	}

	job.Status = JobStatusFailed
	jobBytes, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := q.client.LPush(ctx, failedPrefix+string(job.Type), jobBytes).Err(); err != nil {
		return fmt.Errorf("failed to park job: %w", err)
	}
	q.log.Error().Err(jobErr).Str("job_id", job.ID).Str("type", string(job.Type)).Msg("job failed permanently")
	return q.saveDetails(ctx, job)
}

// GetJob returns the stored details of a job
func (q *RedisQueue) GetJob(ctx context.Context, id string) (*Job, error) {
	data, err := q.client.Get(ctx, jobPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("job %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job details: %w", err)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// Stats counts the jobs of one type
func (q *RedisQueue) Stats(ctx context.Context, jobType JobType) (QueueStats, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.LLen(ctx, queuePrefix+string(jobType))
	delayed := pipe.ZCard(ctx, delayedPrefix+string(jobType))
	failed := pipe.LLen(ctx, failedPrefix+string(jobType))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return QueueStats{}, fmt.Errorf("failed to read queue stats: %w", err)
	}
	return QueueStats{
		Queue:   string(jobType),
		Waiting: waiting.Val(),
		Delayed: delayed.Val(),
		Failed:  failed.Val(),
	}, nil
}

func (q *RedisQueue) saveDetails(ctx context.Context, job *Job) error {
	jobBytes, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := q.client.Set(ctx, jobPrefix+job.ID, jobBytes, DefaultTTL).Err(); err != nil {
		q.log.Warn().Err(err).Str("job_id", job.ID).Msg("failed to update job details")
		return fmt.Errorf("failed to update job details: %w", err)
	}
	return nil
}
