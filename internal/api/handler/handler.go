package handler

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/jobqueue-be/internal/domain"
	"github.com/cuongbtq/jobqueue-be/internal/store"
)

// Submitter is the dispatcher surface the API consumes.
type Submitter interface {
	Submit(ctx context.Context, jobType string, payload []byte) (string, error)
}

// Querier is the read-only job store surface the API consumes.
type Querier interface {
	GetJobByID(ctx context.Context, jobID string) (*domain.Job, error)
	ListJobs(ctx context.Context, filter store.Filter) ([]domain.Job, error)
}

// HealthChecker reports backend connectivity for the health endpoint.
type HealthChecker func(ctx context.Context) error

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger       *slog.Logger
	Submitter    Submitter
	Querier      Querier
	StoreHealth  HealthChecker
	BrokerHealth HealthChecker
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger    *slog.Logger
	submitter Submitter
	querier   Querier
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:    deps.Logger,
		submitter: deps.Submitter,
		querier:   deps.Querier,
	}
}
