// Package rabbitmq adapts the broker contract onto RabbitMQ. Delayed
// delivery uses the wait-queue pattern: a retry is published to a parking
// queue with a per-message TTL and dead-letters back into the work queue
// when the TTL expires. The visibility timeout is enforced with a timer per
// delivery: an envelope neither acked nor requeued within the window is
// nacked back onto the work queue for redelivery.
package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/jobqueue-be/internal/broker"
)

// AMQPClient is the slice of the shared RabbitMQ client the broker consumes.
type AMQPClient interface {
	IsConnected() bool
	PublishWithRetry(ctx context.Context, routingKey string, body []byte, ttl time.Duration) error
	Consume(consumerTag string, prefetchCount int) (<-chan amqp.Delivery, error)
	Ack(deliveryTag uint64) error
	Nack(deliveryTag uint64, requeue bool) error
}

// inflightDelivery tracks one unacked delivery: its envelope, its AMQP
// delivery tag, and the visibility timer that releases it back to the queue.
type inflightDelivery struct {
	msg   *broker.Message
	tag   uint64
	timer *time.Timer
}

// Broker is a RabbitMQ-backed queue broker.
type Broker struct {
	client        AMQPClient
	logger        *slog.Logger
	waitKey       string
	prefetchCount int

	mu         sync.Mutex
	deliveries <-chan amqp.Delivery
	inflight   map[string]*inflightDelivery
}

var _ broker.Broker = (*Broker)(nil)

// Config holds adapter settings on top of the shared client.
type Config struct {
	WaitRoutingKey string
	PrefetchCount  int
}

// New creates a broker over an already-connected RabbitMQ client.
func New(client AMQPClient, cfg *Config, logger *slog.Logger) *Broker {
	prefetch := cfg.PrefetchCount
	if prefetch <= 0 {
		prefetch = 1
	}
	return &Broker{
		client:        client,
		logger:        logger,
		waitKey:       cfg.WaitRoutingKey,
		prefetchCount: prefetch,
		inflight:      make(map[string]*inflightDelivery),
	}
}

// Enqueue publishes the envelope. A delay routes it through the wait queue.
func (b *Broker) Enqueue(ctx context.Context, msg *broker.Message, opts broker.EnqueueOptions) (string, error) {
	m := *msg
	if m.ID == "" {
		m.ID = uuid.New().String()
	}

	body, err := json.Marshal(&m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message envelope: %w", err)
	}

	if err := b.publish(ctx, body, opts.Delay); err != nil {
		return "", err
	}

	return m.ID, nil
}

func (b *Broker) publish(ctx context.Context, body []byte, delay time.Duration) error {
	if !b.client.IsConnected() {
		return broker.ErrUnavailable
	}

	var err error
	if delay > 0 && b.waitKey != "" {
		err = b.client.PublishWithRetry(ctx, b.waitKey, body, delay)
	} else {
		err = b.client.PublishWithRetry(ctx, "", body, 0)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", broker.ErrUnavailable, err)
	}
	return nil
}

// Dequeue returns the next delivered envelope and starts its visibility
// timer. A delivery neither acked nor requeued within visibilityTimeout is
// nacked back onto the work queue so other consumers can pick it up.
func (b *Broker) Dequeue(ctx context.Context, visibilityTimeout time.Duration) (*broker.Message, error) {
	deliveries, err := b.ensureConsumer()
	if err != nil {
		return nil, err
	}

	for {
		select {
		case <-ctx.Done():
			return nil, nil
		case delivery, ok := <-deliveries:
			if !ok {
				return nil, broker.ErrUnavailable
			}

			var msg broker.Message
			if err := json.Unmarshal(delivery.Body, &msg); err != nil {
				b.logger.Error("Failed to parse message envelope, dropping",
					slog.Any("error", err),
					slog.String("body", string(delivery.Body)),
				)
				// Malformed envelopes are unrecoverable; do not requeue.
				_ = delivery.Nack(false, false)
				continue
			}

			d := &inflightDelivery{msg: &msg, tag: delivery.DeliveryTag}
			if visibilityTimeout > 0 {
				id := msg.ID
				d.timer = time.AfterFunc(visibilityTimeout, func() {
					b.expire(id)
				})
			}

			b.mu.Lock()
			b.inflight[msg.ID] = d
			b.mu.Unlock()

			return &msg, nil
		}
	}
}

// expire releases a delivery whose visibility window passed without an ack.
func (b *Broker) expire(messageID string) {
	tag, ok := b.forget(messageID)
	if !ok {
		return
	}

	b.logger.Warn("Visibility timeout expired, releasing delivery for redelivery",
		slog.String("message_id", messageID),
	)
	if err := b.client.Nack(tag, true); err != nil {
		b.logger.Error("Failed to NACK expired delivery",
			slog.String("message_id", messageID),
			slog.Any("error", err),
		)
	}
}

func (b *Broker) ensureConsumer() (<-chan amqp.Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.deliveries != nil {
		return b.deliveries, nil
	}

	deliveries, err := b.client.Consume(uuid.New().String(), b.prefetchCount)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", broker.ErrUnavailable, err)
	}
	b.deliveries = deliveries
	return deliveries, nil
}

// Ack acknowledges and forgets the delivery.
func (b *Broker) Ack(_ context.Context, messageID string) error {
	tag, ok := b.forget(messageID)
	if !ok {
		return broker.ErrMessageNotFound
	}

	if err := b.client.Ack(tag); err != nil {
		return fmt.Errorf("%w: %v", broker.ErrUnavailable, err)
	}
	return nil
}

// Requeue publishes a copy with the attempt count incremented through the
// wait queue, then acknowledges the original delivery. Once the attempt
// budget is spent the original is acknowledged without republishing.
func (b *Broker) Requeue(ctx context.Context, messageID string, delay time.Duration) error {
	b.mu.Lock()
	d, ok := b.inflight[messageID]
	b.mu.Unlock()
	if !ok {
		return broker.ErrMessageNotFound
	}

	if d.msg.AttemptsMade+1 >= d.msg.MaxAttempts {
		if err := b.Ack(ctx, messageID); err != nil {
			return err
		}
		return broker.ErrAttemptsExhausted
	}

	next := *d.msg
	next.AttemptsMade++

	body, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("failed to marshal message envelope: %w", err)
	}

	if err := b.publish(ctx, body, delay); err != nil {
		return err
	}

	return b.Ack(ctx, messageID)
}

// Ping reports whether the AMQP connection is still open.
func (b *Broker) Ping(context.Context) error {
	if !b.client.IsConnected() {
		return broker.ErrUnavailable
	}
	return nil
}

// forget removes the delivery from the in-flight set and stops its
// visibility timer. Returns the AMQP delivery tag.
func (b *Broker) forget(messageID string) (uint64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	d, ok := b.inflight[messageID]
	if !ok {
		return 0, false
	}
	delete(b.inflight, messageID)
	if d.timer != nil {
		d.timer.Stop()
	}
	return d.tag, true
}
