// Package queue is a Redis-backed background job queue with delayed retries.
package queue

import (
	"context"
	"encoding/json"
	"time"
)

// JobType names a kind of job. Each type has its own Redis list.
type JobType string

// JobStatus defines the status of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

const (
	// DefaultRetryCount is the retry budget of a job enqueued without WithMaxRetries
	DefaultRetryCount = 3
	// DefaultTTL is how long job details are kept in Redis
	DefaultTTL = 24 * time.Hour
)

// Job is a unit of background work
type Job struct {
	ID         string          `json:"id"`
	Type       JobType         `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Status     JobStatus       `json:"status"`
	RetryCount int             `json:"retry_count"`
	MaxRetries int             `json:"max_retries"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	RunAt      time.Time       `json:"run_at"`
}

// Decode unmarshals the job payload into v
func (j *Job) Decode(v interface{}) error {
	return json.Unmarshal(j.Payload, v)
}

// Handler processes one job. A returned error schedules a retry.
type Handler func(ctx context.Context, job *Job) error

// Enqueuer adds jobs to a queue
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType JobType, payload interface{}, opts ...EnqueueOption) (string, error)
}

// QueueInterface defines the interface for job queue operations
type QueueInterface interface {
	Enqueuer
	Dequeue(ctx context.Context, jobType JobType, timeout time.Duration) (*Job, error)
	Complete(ctx context.Context, job *Job) error
	Fail(ctx context.Context, job *Job, jobErr error) error
}
