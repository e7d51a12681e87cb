// Package store implements the durable job store on PostgreSQL. Every write
// is a single-row atomic statement; status changes are guarded by the
// domain transition table so a concurrency bug surfaces as a rejected
// update instead of a corrupted row.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/cuongbtq/jobqueue-be/internal/domain"
)

// Storage handles all database operations on the jobs table
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

// CreateJob inserts a new PENDING job row
func (s *Storage) CreateJob(ctx context.Context, job *domain.Job) error {
	query := `
		INSERT INTO jobs (
			job_id, job_type, status, payload,
			error_message, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			'', NOW(), NOW()
		)
	`

	_, err := s.db.ExecContext(ctx, query,
		job.JobID,
		job.JobType,
		domain.JobStatusPending,
		job.Payload,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateJobID, job.JobID)
		}
		return fmt.Errorf("failed to create job: %w", err)
	}

	s.logger.Debug("Job created",
		slog.String("job_id", job.JobID),
		slog.String("job_type", job.JobType),
	)

	return nil
}

// UpdateOptions carries the optional fields of a status update.
type UpdateOptions struct {
	// Result is stored on completion.
	Result []byte

	// ErrorMessage is stored on failure. An empty message clears the
	// column, which is what the FAILED -> PENDING retry release does.
	ErrorMessage string

	// Terminal marks a FAILED update as final (retry budget spent), which
	// stamps completed_at.
	Terminal bool
}

// UpdateStatus transitions a job to the given status. The update only
// applies when the current status is a legal predecessor; otherwise the row
// is untouched and ErrInvalidTransition is returned. completed_at is
// stamped exactly once, on first entry to COMPLETED or terminal FAILED.
func (s *Storage) UpdateStatus(ctx context.Context, jobID, status string, opts UpdateOptions) error {
	if !domain.ValidStatus(status) {
		return fmt.Errorf("%w: unknown status %q", domain.ErrInvalidTransition, status)
	}

	sources := domain.TransitionSources(status)
	if len(sources) == 0 {
		return fmt.Errorf("%w: no transition leads to %q", domain.ErrInvalidTransition, status)
	}

	terminal := status == domain.JobStatusCompleted ||
		(status == domain.JobStatusFailed && opts.Terminal)

	query := `
		UPDATE jobs
		SET status = $1,
			result = $2,
			error_message = $3,
			completed_at = CASE
				WHEN $4 THEN COALESCE(completed_at, NOW())
				ELSE completed_at
			END,
			updated_at = NOW()
		WHERE job_id = $5
		  AND status = ANY($6)
	`
	if status == domain.JobStatusPending {
		// A terminally failed row has completed_at stamped and never
		// returns to the queue.
		query += ` AND completed_at IS NULL`
	}

	res, err := s.db.ExecContext(ctx, query,
		status,
		opts.Result,
		opts.ErrorMessage,
		terminal,
		jobID,
		pq.Array(sources),
	)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		current, lookupErr := s.currentStatus(ctx, jobID)
		if lookupErr != nil {
			return lookupErr
		}
		return fmt.Errorf("%w: %s -> %s for job %s",
			domain.ErrInvalidTransition, current, status, jobID)
	}

	s.logger.Info("Job status updated",
		slog.String("job_id", jobID),
		slog.String("status", status),
		slog.Bool("terminal", terminal),
	)

	return nil
}

// ClaimJob atomically transitions a job PENDING -> PROCESSING and returns
// the row. A duplicate delivery finds the row already PROCESSING (or
// terminal) and gets ErrJobAlreadyClaimed.
func (s *Storage) ClaimJob(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `
		UPDATE jobs
		SET status = $1,
			updated_at = NOW()
		WHERE job_id = $2
		  AND status = $3
		RETURNING job_id, job_type, status, payload, result,
		          error_message, created_at, updated_at, completed_at
	`

	var job domain.Job
	err := s.db.GetContext(ctx, &job, query, domain.JobStatusProcessing, jobID, domain.JobStatusPending)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if _, lookupErr := s.currentStatus(ctx, jobID); lookupErr != nil {
				return nil, lookupErr
			}
			s.logger.Warn("Failed to claim job - already claimed",
				slog.String("job_id", jobID),
			)
			return nil, domain.ErrJobAlreadyClaimed
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	s.logger.Info("Job claimed successfully",
		slog.String("job_id", jobID),
		slog.String("job_type", job.JobType),
	)

	return &job, nil
}

// GetJobByID retrieves a job by its ID
func (s *Storage) GetJobByID(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `
		SELECT job_id, job_type, status, payload, result,
		       error_message, created_at, updated_at, completed_at
		FROM jobs
		WHERE job_id = $1
	`

	var job domain.Job
	err := s.db.GetContext(ctx, &job, query, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

// Filter narrows a job listing.
type Filter struct {
	Status  string
	JobType string
	Limit   int
	Offset  int
}

// ListJobs returns jobs matching the filter, newest created_at first.
func (s *Storage) ListJobs(ctx context.Context, filter Filter) ([]domain.Job, error) {
	query := `
		SELECT job_id, job_type, status, payload, result,
		       error_message, created_at, updated_at, completed_at
		FROM jobs
		WHERE 1=1
	`
	args := []interface{}{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.JobType != "" {
		query += fmt.Sprintf(" AND job_type = $%d", argIdx)
		args = append(args, filter.JobType)
		argIdx++
	}

	// Secondary order on job_id keeps pages stable when created_at ties.
	query += " ORDER BY created_at DESC, job_id DESC"
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, filter.Limit, filter.Offset)

	jobs := []domain.Job{}
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return jobs, nil
}

// currentStatus returns the status of a job or ErrJobNotFound.
func (s *Storage) currentStatus(ctx context.Context, jobID string) (string, error) {
	var status string
	err := s.db.GetContext(ctx, &status, "SELECT status FROM jobs WHERE job_id = $1", jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", domain.ErrJobNotFound
		}
		return "", fmt.Errorf("failed to look up job status: %w", err)
	}
	return status, nil
}
