// Package dispatcher implements the publish side of the queue: validate,
// persist, enqueue. The store write strictly precedes the broker publish so
// a broker message can never reference a row that does not exist.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/cuongbtq/jobqueue-be/internal/broker"
	"github.com/cuongbtq/jobqueue-be/internal/domain"
)

// Store is the slice of the job store the dispatcher needs.
type Store interface {
	CreateJob(ctx context.Context, job *domain.Job) error
}

// Registry answers whether a job type has a handler.
type Registry interface {
	Has(jobType string) bool
}

// Dispatcher validates job submissions, records them, and enqueues the
// delivery envelope.
type Dispatcher struct {
	store    Store
	broker   broker.Broker
	registry Registry
	logger   *slog.Logger
	opts     broker.EnqueueOptions
}

// New creates a dispatcher. opts sets the retry policy stamped on every
// enqueued envelope.
func New(store Store, b broker.Broker, registry Registry, opts broker.EnqueueOptions, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:    store,
		broker:   b,
		registry: registry,
		logger:   logger,
		opts:     opts,
	}
}

// Submit validates the job type and payload, persists a PENDING row, and
// enqueues a message referencing it. Returns the fresh job ID immediately;
// it never waits for execution.
//
// If the enqueue fails after the row insert, the job stays PENDING in the
// store and the error is returned: an at-least-once gap that an external
// reconciliation sweep has to close, never silently dropped.
func (d *Dispatcher) Submit(ctx context.Context, jobType string, payload []byte) (string, error) {
	if !d.registry.Has(jobType) {
		return "", fmt.Errorf("%w: %s", domain.ErrUnknownJobType, jobType)
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return "", fmt.Errorf("%w: payload is not valid JSON", domain.ErrInvalidPayload)
	}

	jobID := uuid.New().String()

	job := &domain.Job{
		JobID:   jobID,
		JobType: jobType,
		Status:  domain.JobStatusPending,
		Payload: payload,
	}

	if err := d.store.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("failed to persist job: %w", err)
	}

	msg := broker.NewMessage(jobID, jobType, d.opts)
	if _, err := d.broker.Enqueue(ctx, msg, d.opts); err != nil {
		// Dual-write gap: the row exists but no message does.
		d.logger.Error("Job persisted but enqueue failed, row left PENDING for reconciliation",
			slog.String("job_id", jobID),
			slog.String("job_type", jobType),
			slog.Any("error", err),
		)
		return "", fmt.Errorf("job %s persisted but not enqueued: %w", jobID, err)
	}

	d.logger.Info("Job submitted",
		slog.String("job_id", jobID),
		slog.String("job_type", jobType),
	)

	return jobID, nil
}
