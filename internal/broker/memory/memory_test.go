package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/jobqueue-be/internal/broker"
)

func newTestBroker(t *testing.T) (*Broker, *time.Time) {
	t.Helper()
	b := New()
	now := time.Now()
	b.now = func() time.Time { return now }
	return b, &now
}

func enqueue(t *testing.T, b *Broker, opts broker.EnqueueOptions) string {
	t.Helper()
	id, err := b.Enqueue(context.Background(), broker.NewMessage("job-1", "email", opts), opts)
	require.NoError(t, err)
	return id
}

func TestEnqueueDequeue_RoundTrip(t *testing.T) {
	b, _ := newTestBroker(t)
	id := enqueue(t, b, broker.EnqueueOptions{})

	msg, err := b.Dequeue(context.Background(), time.Minute)
	require.NoError(t, err)
	require.NotNil(t, msg)

	assert.Equal(t, id, msg.ID)
	assert.Equal(t, "job-1", msg.JobID)
	assert.Equal(t, "email", msg.JobType)
	assert.Equal(t, broker.DefaultMaxAttempts, msg.MaxAttempts)
	assert.Zero(t, msg.AttemptsMade)
}

func TestDequeue_ContextDone(t *testing.T) {
	b, _ := newTestBroker(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	msg, err := b.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestDelayedMessage_InvisibleUntilDue(t *testing.T) {
	b, now := newTestBroker(t)
	enqueue(t, b, broker.EnqueueOptions{Delay: 10 * time.Second})

	assert.Nil(t, b.claimNext(time.Minute), "delayed message must not be visible")

	*now = now.Add(11 * time.Second)
	assert.NotNil(t, b.claimNext(time.Minute), "message must be visible after its delay")
}

func TestInflightMessage_HiddenFromOtherConsumers(t *testing.T) {
	b, _ := newTestBroker(t)
	enqueue(t, b, broker.EnqueueOptions{})

	require.NotNil(t, b.claimNext(time.Minute))
	assert.Nil(t, b.claimNext(time.Minute), "in-flight message must be invisible")
}

func TestVisibilityTimeout_Redelivery(t *testing.T) {
	b, now := newTestBroker(t)
	id := enqueue(t, b, broker.EnqueueOptions{})

	first := b.claimNext(10 * time.Second)
	require.NotNil(t, first)

	// Not acknowledged: after the visibility timeout the message comes back.
	*now = now.Add(11 * time.Second)
	second := b.claimNext(10 * time.Second)
	require.NotNil(t, second)
	assert.Equal(t, id, second.ID)
}

func TestAck_RemovesPermanently(t *testing.T) {
	b, now := newTestBroker(t)
	id := enqueue(t, b, broker.EnqueueOptions{})

	require.NotNil(t, b.claimNext(10*time.Second))
	require.NoError(t, b.Ack(context.Background(), id))

	*now = now.Add(time.Hour)
	assert.Nil(t, b.claimNext(10*time.Second), "acked message must never redeliver")
	assert.Zero(t, b.Len())
}

func TestAck_UnknownMessage(t *testing.T) {
	b, _ := newTestBroker(t)
	assert.ErrorIs(t, b.Ack(context.Background(), "missing"), broker.ErrMessageNotFound)
}

func TestRequeue_IncrementsAttemptsAndDelays(t *testing.T) {
	b, now := newTestBroker(t)
	id := enqueue(t, b, broker.EnqueueOptions{MaxAttempts: 3})

	require.NotNil(t, b.claimNext(time.Minute))
	require.NoError(t, b.Requeue(context.Background(), id, 5*time.Second))

	assert.Nil(t, b.claimNext(time.Minute), "requeued message must wait out its delay")

	*now = now.Add(6 * time.Second)
	msg := b.claimNext(time.Minute)
	require.NotNil(t, msg)
	assert.Equal(t, 1, msg.AttemptsMade)
}

func TestRequeue_AttemptsExhausted(t *testing.T) {
	b, now := newTestBroker(t)
	id := enqueue(t, b, broker.EnqueueOptions{MaxAttempts: 2})

	require.NotNil(t, b.claimNext(time.Minute))
	require.NoError(t, b.Requeue(context.Background(), id, 0))

	*now = now.Add(time.Second)
	require.NotNil(t, b.claimNext(time.Minute))

	// Second failure spends the budget: removed, not rescheduled.
	err := b.Requeue(context.Background(), id, 0)
	assert.ErrorIs(t, err, broker.ErrAttemptsExhausted)
	assert.Zero(t, b.Len())

	*now = now.Add(time.Hour)
	assert.Nil(t, b.claimNext(time.Minute))
}

func TestRequeue_UnknownMessage(t *testing.T) {
	b, _ := newTestBroker(t)
	assert.ErrorIs(t, b.Requeue(context.Background(), "missing", 0), broker.ErrMessageNotFound)
}

func TestDequeue_OldestFirst(t *testing.T) {
	b, now := newTestBroker(t)

	first := enqueue(t, b, broker.EnqueueOptions{})
	*now = now.Add(time.Second)
	enqueue(t, b, broker.EnqueueOptions{})

	msg := b.claimNext(time.Minute)
	require.NotNil(t, msg)
	assert.Equal(t, first, msg.ID)
}
