package store

import (
	"context"
	"fmt"
)

// schema is the jobs table owned by this service. The status, job_type, and
// descending created_at indexes back the list query.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		job_id        UUID PRIMARY KEY,
		job_type      TEXT NOT NULL,
		status        TEXT NOT NULL,
		payload       JSONB,
		result        JSONB,
		error_message TEXT NOT NULL DEFAULT '',
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		completed_at  TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs (status)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_job_type ON jobs (job_type)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs (created_at DESC)`,
}

// EnsureSchema applies the jobs table schema. Safe to run on every startup.
func (s *Storage) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	s.logger.Info("Jobs schema ensured")
	return nil
}
