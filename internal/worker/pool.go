package worker

import (
	"context"
	"log/slog"
	"time"
)

// dequeueErrorDelay throttles the loop when the broker is unreachable.
const dequeueErrorDelay = time.Second

// consumerLoop dequeues and processes messages until the pool context ends.
func (p *Pool) consumerLoop(ctx context.Context, loopNum int) {
	defer p.wg.Done()

	logger := p.logger.With(slog.Int("loop", loopNum))
	logger.Info("Consumer loop started")

	for {
		if ctx.Err() != nil {
			logger.Info("Consumer loop stopping - context canceled")
			return
		}

		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				logger.Info("Consumer loop stopping - context canceled")
				return
			}
		}

		msg, err := p.broker.Dequeue(ctx, p.visibilityTimeout)
		if err != nil {
			logger.Error("Failed to dequeue message",
				slog.Any("error", err),
			)
			select {
			case <-ctx.Done():
			case <-time.After(dequeueErrorDelay):
			}
			continue
		}
		if msg == nil {
			// Context ended while waiting.
			continue
		}

		logger.Info("Message received",
			slog.String("job_id", msg.JobID),
			slog.String("job_type", msg.JobType),
			slog.Int("attempts_made", msg.AttemptsMade),
		)

		// Detach from the loop context so shutdown drains the in-flight
		// message instead of abandoning it mid-write.
		p.processMessage(context.WithoutCancel(ctx), msg)
	}
}
