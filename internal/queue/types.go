package queue

import (
	"math"
	"math/rand"
	"time"
)

// QueueStats represents statistics for a queue
type QueueStats struct {
	Queue   string `json:"queue"`
	Waiting int64  `json:"waiting"`
	Delayed int64  `json:"delayed"`
	Failed  int64  `json:"failed"`
}

// EnqueueOption modifies a job before it is stored
type EnqueueOption func(*Job)

// WithMaxRetries sets the maximum number of retries for a job
func WithMaxRetries(maxRetries int) EnqueueOption {
	return func(j *Job) {
		j.MaxRetries = maxRetries
	}
}

// WithJobID sets a specific job ID
func WithJobID(id string) EnqueueOption {
	return func(j *Job) {
		j.ID = id
	}
}

// WithDelay holds the job back for d
func WithDelay(d time.Duration) EnqueueOption {
	return func(j *Job) {
		j.RunAt = j.RunAt.Add(d)
	}
}

// calculateBackoff returns the delay before retry number `retry`: exponential
// from 5 seconds, capped at one hour, with ±20% jitter.
func calculateBackoff(retry int) time.Duration {
	base := 5.0
	max := 3600.0

	seconds := math.Min(max, base*math.Pow(2, float64(retry)))

	jitter := seconds * 0.2
	seconds = seconds - jitter + (rand.Float64() * jitter * 2)

	return time.Duration(seconds * float64(time.Second))
}
