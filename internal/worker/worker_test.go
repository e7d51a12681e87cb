package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/jobqueue-be/internal/broker"
	"github.com/cuongbtq/jobqueue-be/internal/broker/memory"
	"github.com/cuongbtq/jobqueue-be/internal/domain"
	"github.com/cuongbtq/jobqueue-be/internal/registry"
	"github.com/cuongbtq/jobqueue-be/internal/store"
)

// memStore is a worker.Store backed by a map, enforcing the same status
// machine as the real store.
type memStore struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[string]*domain.Job)}
}

func (s *memStore) add(job *domain.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *job
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = time.Now()
	}
	copied.UpdatedAt = copied.CreatedAt
	s.jobs[job.JobID] = &copied
}

func (s *memStore) get(jobID string) *domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[jobID]; ok {
		copied := *job
		return &copied
	}
	return nil
}

func (s *memStore) ClaimJob(_ context.Context, jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if job.Status != domain.JobStatusPending {
		return nil, domain.ErrJobAlreadyClaimed
	}

	job.Status = domain.JobStatusProcessing
	job.UpdatedAt = time.Now()
	copied := *job
	return &copied, nil
}

func (s *memStore) UpdateStatus(_ context.Context, jobID, status string, opts store.UpdateOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if !domain.CanTransition(job.Status, status) {
		return domain.ErrInvalidTransition
	}
	if status == domain.JobStatusPending && job.CompletedAt != nil {
		return domain.ErrInvalidTransition
	}

	job.Status = status
	job.Result = opts.Result
	job.ErrorMessage = opts.ErrorMessage
	job.UpdatedAt = time.Now()

	terminal := status == domain.JobStatusCompleted ||
		(status == domain.JobStatusFailed && opts.Terminal)
	if terminal && job.CompletedAt == nil {
		now := time.Now()
		job.CompletedAt = &now
	}
	return nil
}

func testPool(t *testing.T, s Store, b broker.Broker, r *registry.Registry) *Pool {
	t.Helper()
	return NewPool(&Config{
		Logger:            slog.New(slog.DiscardHandler),
		Store:             s,
		Broker:            b,
		Registry:          r,
		Concurrency:       1,
		JobTimeout:        time.Second,
		VisibilityTimeout: time.Minute,
	})
}

func seedJob(t *testing.T, s *memStore, b *memory.Broker, jobType string, payload []byte, opts broker.EnqueueOptions) string {
	t.Helper()

	jobID := "11111111-1111-1111-1111-111111111111"
	s.add(&domain.Job{
		JobID:   jobID,
		JobType: jobType,
		Status:  domain.JobStatusPending,
		Payload: payload,
	})

	_, err := b.Enqueue(context.Background(), broker.NewMessage(jobID, jobType, opts), opts)
	require.NoError(t, err)
	return jobID
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestPool_SuccessScenario(t *testing.T) {
	s := newMemStore()
	b := memory.New()

	r := registry.New()
	r.Register("email", func(_ context.Context, payload []byte) ([]byte, error) {
		return []byte(`{"delivered":true}`), nil
	})

	jobID := seedJob(t, s, b, "email", []byte(`{"to":"a@b.com"}`), broker.EnqueueOptions{})

	p := testPool(t, s, b, r)
	p.Start(context.Background())
	defer p.Stop()

	waitFor(t, 2*time.Second, func() bool {
		job := s.get(jobID)
		return job != nil && job.Status == domain.JobStatusCompleted
	})

	job := s.get(jobID)
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.JSONEq(t, `{"delivered":true}`, string(job.Result))
	assert.NotNil(t, job.CompletedAt, "completed_at must be stamped")
	assert.Empty(t, job.ErrorMessage)

	waitFor(t, time.Second, func() bool { return b.Len() == 0 })
}

func TestPool_RetryExhaustion(t *testing.T) {
	s := newMemStore()
	b := memory.New()

	var executions atomic.Int32
	r := registry.New()
	r.Register("email", func(context.Context, []byte) ([]byte, error) {
		executions.Add(1)
		return nil, errors.New("smtp down")
	})

	jobID := seedJob(t, s, b, "email", []byte(`{}`), broker.EnqueueOptions{
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
	})

	p := testPool(t, s, b, r)
	p.Start(context.Background())
	defer p.Stop()

	waitFor(t, 5*time.Second, func() bool {
		job := s.get(jobID)
		return job != nil &&
			job.Status == domain.JobStatusFailed &&
			job.CompletedAt != nil &&
			b.Len() == 0
	})

	assert.Equal(t, int32(3), executions.Load(), "a failing handler runs exactly max_attempts times")

	job := s.get(jobID)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.NotEmpty(t, job.ErrorMessage)

	// Terminal: the message is gone, the status never changes again.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(3), executions.Load())
	assert.Zero(t, b.Len())
}

func TestProcessMessage_DuplicateDelivery(t *testing.T) {
	s := newMemStore()
	b := memory.New()

	var executions atomic.Int32
	r := registry.New()
	r.Register("email", func(context.Context, []byte) ([]byte, error) {
		executions.Add(1)
		return nil, nil
	})

	jobID := seedJob(t, s, b, "email", []byte(`{}`), broker.EnqueueOptions{})
	p := testPool(t, s, b, r)

	ctx := context.Background()
	msg, err := b.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, msg)

	p.processMessage(ctx, msg)
	require.Equal(t, int32(1), executions.Load())
	require.Equal(t, domain.JobStatusCompleted, s.get(jobID).Status)

	// Simulate the same envelope arriving again after completion.
	dup := *msg
	_, err = b.Enqueue(ctx, &dup, broker.EnqueueOptions{})
	require.NoError(t, err)
	redelivered, err := b.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, redelivered)

	p.processMessage(ctx, redelivered)

	assert.Equal(t, int32(1), executions.Load(), "duplicate delivery must not re-execute the handler")
	assert.Equal(t, domain.JobStatusCompleted, s.get(jobID).Status)
	assert.Zero(t, b.Len(), "duplicate must be acknowledged")
}

func TestProcessMessage_CompletedResultNeverChanges(t *testing.T) {
	s := newMemStore()
	b := memory.New()

	r := registry.New()
	r.Register("email", func(context.Context, []byte) ([]byte, error) {
		return []byte(`{"n":1}`), nil
	})

	jobID := seedJob(t, s, b, "email", []byte(`{}`), broker.EnqueueOptions{})
	p := testPool(t, s, b, r)

	ctx := context.Background()
	msg, err := b.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	p.processMessage(ctx, msg)

	before := s.get(jobID)
	require.Equal(t, domain.JobStatusCompleted, before.Status)

	// A stray update attempt against a terminal job is rejected.
	err = s.UpdateStatus(ctx, jobID, domain.JobStatusPending, store.UpdateOptions{})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	after := s.get(jobID)
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, string(before.Result), string(after.Result))
}

func TestProcessMessage_PanicIsolated(t *testing.T) {
	s := newMemStore()
	b := memory.New()

	r := registry.New()
	r.Register("email", func(context.Context, []byte) ([]byte, error) {
		panic("payload exploded")
	})

	jobID := seedJob(t, s, b, "email", []byte(`{}`), broker.EnqueueOptions{MaxAttempts: 1})
	p := testPool(t, s, b, r)

	ctx := context.Background()
	msg, err := b.Dequeue(ctx, time.Minute)
	require.NoError(t, err)

	// Must not panic the caller.
	p.processMessage(ctx, msg)

	job := s.get(jobID)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "handler panicked")
	assert.NotNil(t, job.CompletedAt)
	assert.Zero(t, b.Len())
}

func TestProcessMessage_OrphanMessageDropped(t *testing.T) {
	s := newMemStore()
	b := memory.New()
	r := registry.New()
	r.Register("email", func(context.Context, []byte) ([]byte, error) { return nil, nil })

	opts := broker.EnqueueOptions{}
	_, err := b.Enqueue(context.Background(), broker.NewMessage("22222222-2222-2222-2222-222222222222", "email", opts), opts)
	require.NoError(t, err)

	p := testPool(t, s, b, r)
	msg, err := b.Dequeue(context.Background(), time.Minute)
	require.NoError(t, err)

	p.processMessage(context.Background(), msg)
	assert.Zero(t, b.Len(), "orphan envelope must be acknowledged and dropped")
}

func TestPool_GracefulStop(t *testing.T) {
	s := newMemStore()
	b := memory.New()
	r := registry.New()
	r.Register("email", func(context.Context, []byte) ([]byte, error) { return nil, nil })

	p := testPool(t, s, b, r)
	p.Start(context.Background())

	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}
