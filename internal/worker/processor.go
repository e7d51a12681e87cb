package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/jobqueue-be/internal/broker"
	"github.com/cuongbtq/jobqueue-be/internal/domain"
	"github.com/cuongbtq/jobqueue-be/internal/store"
)

// processMessage runs the full per-message state machine:
// claim -> execute -> complete/fail -> ack/requeue.
func (p *Pool) processMessage(ctx context.Context, msg *broker.Message) {
	logger := p.logger.With(
		slog.String("job_id", msg.JobID),
		slog.String("job_type", msg.JobType),
	)

	job, err := p.store.ClaimJob(ctx, msg.JobID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrJobAlreadyClaimed):
			// Duplicate delivery: another consumer owns or finished this
			// job. Ack without executing.
			logger.Warn("Job already claimed, acknowledging duplicate delivery")
			p.ack(ctx, msg, logger)
		case errors.Is(err, domain.ErrJobNotFound):
			// Envelope references a row that no longer exists.
			logger.Error("Job row missing for message, dropping")
			p.ack(ctx, msg, logger)
		default:
			// Transient store failure: leave the message unacked so it
			// redelivers after the visibility timeout.
			logger.Error("Failed to claim job, message will redeliver",
				slog.Any("error", err),
			)
		}
		return
	}

	result, execErr := p.execute(ctx, job, msg)

	if execErr == nil {
		if err := p.store.UpdateStatus(ctx, job.JobID, domain.JobStatusCompleted, store.UpdateOptions{
			Result: result,
		}); err != nil {
			logger.Error("Failed to mark job COMPLETED, message will redeliver",
				slog.Any("error", err),
			)
			return
		}
		p.ack(ctx, msg, logger)
		logger.Info("Job completed successfully")
		return
	}

	logger.Error("Job execution failed",
		slog.Any("error", execErr),
		slog.Int("attempts_made", msg.AttemptsMade),
		slog.Int("max_attempts", msg.MaxAttempts),
	)

	if err := p.store.UpdateStatus(ctx, job.JobID, domain.JobStatusFailed, store.UpdateOptions{
		ErrorMessage: execErr.Error(),
		Terminal:     msg.AttemptsMade+1 >= msg.MaxAttempts,
	}); err != nil {
		logger.Error("Failed to mark job FAILED, message will redeliver",
			slog.Any("error", err),
		)
		return
	}

	if msg.AttemptsMade+1 >= msg.MaxAttempts {
		// Retry budget spent: the FAILED status is final, remove the
		// message for good.
		logger.Warn("Job exceeded max attempts, failing terminally")
		p.ack(ctx, msg, logger)
		return
	}

	// Release the row for the retry before the message reappears, clearing
	// the error message.
	if err := p.store.UpdateStatus(ctx, job.JobID, domain.JobStatusPending, store.UpdateOptions{}); err != nil {
		logger.Error("Failed to release job for retry, message will redeliver",
			slog.Any("error", err),
		)
		return
	}

	delay := broker.RetryDelay(msg.BackoffBase, msg.AttemptsMade)
	if err := p.broker.Requeue(ctx, msg.ID, delay); err != nil {
		logger.Error("Failed to requeue message",
			slog.Duration("delay", delay),
			slog.Any("error", err),
		)
		return
	}

	logger.Info("Job requeued for retry",
		slog.Duration("delay", delay),
		slog.Int("attempt", msg.AttemptsMade+1),
	)
}

// execute runs the handler under the job timeout with panic isolation. The
// execution context is detached from the loop context so a shutdown does
// not cancel a handler mid-flight.
func (p *Pool) execute(ctx context.Context, job *domain.Job, msg *broker.Message) (result []byte, err error) {
	jobCtx := context.WithoutCancel(ctx)
	if p.jobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(jobCtx, p.jobTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()

	return p.registry.Dispatch(jobCtx, msg.JobType, job.Payload)
}

func (p *Pool) ack(ctx context.Context, msg *broker.Message, logger *slog.Logger) {
	if err := p.broker.Ack(ctx, msg.ID); err != nil {
		logger.Error("Failed to ACK message",
			slog.Any("error", err),
		)
	}
}
