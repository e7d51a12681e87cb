// Package memory provides an in-process Broker with the full delivery
// contract: delayed visibility, visibility timeouts with redelivery, and a
// bounded retry budget. It backs tests and the `broker.kind: memory`
// configuration, where the engine runs without external infrastructure.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/jobqueue-be/internal/broker"
)

// entry tracks one message and its scheduling state.
type entry struct {
	msg *broker.Message

	// visibleAt is when the message (re)enters the deliverable set.
	visibleAt time.Time

	// inflightUntil is the visibility deadline of an unacked delivery.
	// Zero when the message is not in flight.
	inflightUntil time.Time
}

// Broker is an in-memory queue. Safe for concurrent use.
type Broker struct {
	mu      sync.Mutex
	entries map[string]*entry

	// pollInterval bounds how long Dequeue sleeps between scans.
	pollInterval time.Duration

	// now is swappable for tests.
	now func() time.Time
}

var _ broker.Broker = (*Broker)(nil)

// New creates an empty in-memory broker.
func New() *Broker {
	return &Broker{
		entries:      make(map[string]*entry),
		pollInterval: 10 * time.Millisecond,
		now:          time.Now,
	}
}

// Enqueue stores the message and makes it visible after opts.Delay.
func (b *Broker) Enqueue(_ context.Context, msg *broker.Message, opts broker.EnqueueOptions) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	m := *msg
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	b.entries[m.ID] = &entry{
		msg:       &m,
		visibleAt: b.now().Add(opts.Delay),
	}
	return m.ID, nil
}

// Dequeue returns the next visible message, blocking until one is available
// or the context ends. Expired in-flight messages are reaped back into the
// visible set on every scan, which is what makes delivery at-least-once.
func (b *Broker) Dequeue(ctx context.Context, visibilityTimeout time.Duration) (*broker.Message, error) {
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		if msg := b.claimNext(visibilityTimeout); msg != nil {
			return msg, nil
		}
		select {
		case <-ctx.Done():
			return nil, nil
		case <-ticker.C:
		}
	}
}

func (b *Broker) claimNext(visibilityTimeout time.Duration) *broker.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	var oldest *entry
	for _, e := range b.entries {
		if !e.inflightUntil.IsZero() {
			if now.Before(e.inflightUntil) {
				continue
			}
			// Visibility timeout elapsed without an ack: redeliver.
			e.inflightUntil = time.Time{}
		}
		if now.Before(e.visibleAt) {
			continue
		}
		if oldest == nil || e.visibleAt.Before(oldest.visibleAt) {
			oldest = e
		}
	}
	if oldest == nil {
		return nil
	}

	oldest.inflightUntil = now.Add(visibilityTimeout)
	m := *oldest.msg
	return &m
}

// Ack permanently removes the message.
func (b *Broker) Ack(_ context.Context, messageID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.entries[messageID]; !ok {
		return broker.ErrMessageNotFound
	}
	delete(b.entries, messageID)
	return nil
}

// Requeue schedules the message for redelivery after delay with the attempt
// count incremented, or removes it and reports exhaustion once the budget
// is spent.
func (b *Broker) Requeue(_ context.Context, messageID string, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[messageID]
	if !ok {
		return broker.ErrMessageNotFound
	}

	if e.msg.AttemptsMade+1 >= e.msg.MaxAttempts {
		delete(b.entries, messageID)
		return broker.ErrAttemptsExhausted
	}

	e.msg.AttemptsMade++
	e.visibleAt = b.now().Add(delay)
	e.inflightUntil = time.Time{}
	return nil
}

// Ping always succeeds; the backend lives in-process.
func (b *Broker) Ping(context.Context) error { return nil }

// Len reports how many messages the broker currently tracks, in flight
// included.
func (b *Broker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
