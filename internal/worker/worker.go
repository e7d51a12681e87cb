package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cuongbtq/jobqueue-be/internal/broker"
	"github.com/cuongbtq/jobqueue-be/internal/domain"
	"github.com/cuongbtq/jobqueue-be/internal/registry"
	"github.com/cuongbtq/jobqueue-be/internal/store"
)

// Store is the slice of the job store the worker needs.
type Store interface {
	ClaimJob(ctx context.Context, jobID string) (*domain.Job, error)
	UpdateStatus(ctx context.Context, jobID, status string, opts store.UpdateOptions) error
}

// Config holds worker pool configuration
type Config struct {
	Logger   *slog.Logger
	Store    Store
	Broker   broker.Broker
	Registry *registry.Registry

	// Concurrency is the number of consumer loops.
	Concurrency int

	// JobTimeout bounds a single handler execution.
	JobTimeout time.Duration

	// VisibilityTimeout must exceed the worst expected handler time, or
	// messages redeliver while their job is still running.
	VisibilityTimeout time.Duration

	// DequeueRate caps pool-wide dequeues per second. Zero disables
	// rate limiting.
	DequeueRate float64
}

// Pool runs N independent consumer loops over the broker. Each loop holds
// at most one in-flight message; the store and broker are shared and must
// be safe for concurrent use.
type Pool struct {
	logger            *slog.Logger
	store             Store
	broker            broker.Broker
	registry          *registry.Registry
	concurrency       int
	jobTimeout        time.Duration
	visibilityTimeout time.Duration
	limiter           *rate.Limiter

	wg       sync.WaitGroup
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// NewPool creates a worker pool instance
func NewPool(cfg *Config) *Pool {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	var limiter *rate.Limiter
	if cfg.DequeueRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.DequeueRate), 1)
	}

	return &Pool{
		logger:            cfg.Logger,
		store:             cfg.Store,
		broker:            cfg.Broker,
		registry:          cfg.Registry,
		concurrency:       concurrency,
		jobTimeout:        cfg.JobTimeout,
		visibilityTimeout: cfg.VisibilityTimeout,
		limiter:           limiter,
	}
}

// Start spawns the consumer loops. It returns immediately; use Stop for a
// graceful shutdown.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	p.logger.Info("Starting worker pool",
		slog.Int("concurrency", p.concurrency),
		slog.Duration("job_timeout", p.jobTimeout),
		slog.Duration("visibility_timeout", p.visibilityTimeout),
	)

	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.consumerLoop(ctx, i)
	}
}

// Stop stops dequeuing and waits for in-flight handler executions to
// finish. Messages abandoned mid-flight become redeliverable after their
// visibility timeout, which is safe because handlers are idempotent.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.logger.Info("Stopping worker pool...")
		if p.cancel != nil {
			p.cancel()
		}
		p.wg.Wait()
		p.logger.Info("Worker pool stopped")
	})
}
