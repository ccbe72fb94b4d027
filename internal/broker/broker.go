// Package broker defines the message-broker contract the queue manager
// and worker pools are built on: named priority queues with delayed
// enqueue, exponential-backoff retry, and job introspection. An
// in-process implementation lives here; a Redis-backed one lives in
// internal/platform/redisbroker.
package broker

import (
	"context"
	"errors"
	"time"
)

// Common broker errors.
var (
	// ErrJobNotFound is returned when a job ID is unknown to the broker.
	ErrJobNotFound = errors.New("broker: job not found")

	// ErrUnknownQueue is returned for a queue name the broker was not
	// configured with.
	ErrUnknownQueue = errors.New("broker: unknown queue")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("broker: closed")
)

// State is the broker-side lifecycle state of a job.
type State string

// Possible job states
const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StatePaused    State = "paused"
)

// Options control scheduling of an enqueued job.
type Options struct {
	// Priority orders ready jobs within a queue; higher runs first.
	Priority int

	// Delay defers the job's eligibility for dequeue.
	Delay time.Duration

	// MaxAttempts bounds delivery attempts, including the first.
	MaxAttempts int

	// BackoffBase is the exponential retry base: attempt n (zero-based)
	// is redelivered after BackoffBase * 2^n.
	BackoffBase time.Duration
}

// Job is the broker's view of one queued unit of work.
type Job struct {
	ID         string
	Queue      string
	Payload    []byte
	Opts       Options
	State      State
	Attempts   int
	LastError  string
	EnqueuedAt time.Time
	ReadyAt    time.Time
}

// Counts is the per-queue introspection aggregate.
type Counts struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Delayed   int `json:"delayed"`
}

// Broker is a priority-queue substrate with at-least-once delivery.
//
// Pause on an active job is best-effort: the in-flight attempt is not
// interrupted, but its eventual Ack or Fail is discarded and the job
// stays paused until resumed.
type Broker interface {
	// Enqueue adds a job to a named queue and returns it with its
	// broker-assigned ID.
	Enqueue(ctx context.Context, queue string, payload []byte, opts Options) (*Job, error)

	// Dequeue blocks until a job from the queue is ready (or the context
	// is done), claims it, and returns it in the active state. Claiming
	// consumes one attempt.
	Dequeue(ctx context.Context, queue string) (*Job, error)

	// Ack marks an active job completed.
	Ack(ctx context.Context, jobID string) error

	// Fail records a failed attempt. When retryable and attempts remain,
	// the job is re-enqueued with exponential backoff and Fail reports
	// true; otherwise the job moves to the failed state.
	Fail(ctx context.Context, jobID string, errMsg string, retryable bool) (requeued bool, err error)

	// GetJob returns a job by ID, whatever queue it is on.
	GetJob(ctx context.Context, jobID string) (*Job, error)

	// PauseJob takes a waiting, delayed, or active job out of
	// circulation.
	PauseJob(ctx context.Context, jobID string) error

	// ResumeJob returns a paused job to the waiting state.
	ResumeJob(ctx context.Context, jobID string) error

	// Remove deletes a job from the broker entirely.
	Remove(ctx context.Context, jobID string) error

	// Counts returns the queue's introspection aggregate.
	Counts(ctx context.Context, queue string) (Counts, error)

	// Queues returns the configured queue names.
	Queues() []string

	// Close releases broker resources. Blocked Dequeue calls return
	// ErrClosed.
	Close() error
}
