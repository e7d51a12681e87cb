// Package broker defines the queue broker contract shared by the dispatcher
// and the worker pool. A broker delivers each message at least once; the
// durable job record lives in the store, the message is a disposable
// delivery token referencing it.
package broker

import (
	"context"
	"errors"
	"time"
)

const (
	// DefaultMaxAttempts bounds how many times a message is delivered
	// before it is considered terminally failed.
	DefaultMaxAttempts = 3

	// DefaultBackoffBase is the base delay for exponential retry backoff.
	DefaultBackoffBase = 2 * time.Second
)

var (
	// ErrUnavailable is returned when the broker backend cannot be
	// reached. Transient; callers retry with backoff.
	ErrUnavailable = errors.New("broker unavailable")

	// ErrMessageNotFound is returned when acknowledging or requeuing a
	// message the broker no longer tracks.
	ErrMessageNotFound = errors.New("broker message not found")

	// ErrAttemptsExhausted is returned by Requeue when the message has
	// spent its attempt budget. The message is removed, not redelivered;
	// the caller records the terminal failure on the job row.
	ErrAttemptsExhausted = errors.New("message attempts exhausted")
)

// Message is the broker-level envelope. It references a job row by ID and
// carries just enough routing and retry metadata to process a delivery
// without a store lookup.
type Message struct {
	// ID identifies the message inside a single backend. It never leaks
	// into the job record; the job ID is the only cross-system identifier.
	ID string `json:"id"`

	JobID   string `json:"job_id"`
	JobType string `json:"job_type"`

	// AttemptsMade counts deliveries that have already failed. Zero on
	// first delivery.
	AttemptsMade int           `json:"attempts_made"`
	MaxAttempts  int           `json:"max_attempts"`
	BackoffBase  time.Duration `json:"backoff_base"`
}

// EnqueueOptions control delivery scheduling and the retry budget.
type EnqueueOptions struct {
	// Delay postpones first visibility. Zero means immediately visible.
	Delay time.Duration

	// MaxAttempts overrides DefaultMaxAttempts when positive.
	MaxAttempts int

	// BackoffBase overrides DefaultBackoffBase when positive.
	BackoffBase time.Duration
}

func (o EnqueueOptions) maxAttempts() int {
	if o.MaxAttempts > 0 {
		return o.MaxAttempts
	}
	return DefaultMaxAttempts
}

func (o EnqueueOptions) backoffBase() time.Duration {
	if o.BackoffBase > 0 {
		return o.BackoffBase
	}
	return DefaultBackoffBase
}

// NewMessage builds an envelope for a job with the retry policy from opts.
func NewMessage(jobID, jobType string, opts EnqueueOptions) *Message {
	return &Message{
		JobID:       jobID,
		JobType:     jobType,
		MaxAttempts: opts.maxAttempts(),
		BackoffBase: opts.backoffBase(),
	}
}

// Broker is the queue backend abstraction. Implementations must be safe for
// concurrent use from multiple worker loops and multiple processes.
type Broker interface {
	// Enqueue schedules a message for delivery after opts.Delay and
	// returns the backend message ID.
	Enqueue(ctx context.Context, msg *Message, opts EnqueueOptions) (string, error)

	// Dequeue blocks until a message is available, the context ends, or
	// the backend fails. A dequeued message stays invisible to other
	// consumers for visibilityTimeout; if it is not acknowledged within
	// that window it becomes deliverable again. Returns (nil, nil) when
	// the context is done.
	Dequeue(ctx context.Context, visibilityTimeout time.Duration) (*Message, error)

	// Ack permanently removes a message.
	Ack(ctx context.Context, messageID string) error

	// Requeue reschedules a message for redelivery after delay with
	// AttemptsMade incremented. When the attempt budget is spent it
	// removes the message instead and returns ErrAttemptsExhausted.
	Requeue(ctx context.Context, messageID string, delay time.Duration) error
}
