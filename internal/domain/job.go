package domain

import "time"

// Job statuses. A job always enters the system as PENDING and ends as
// COMPLETED or (after the retry budget is spent) FAILED.
const (
	JobStatusPending    = "PENDING"
	JobStatusProcessing = "PROCESSING"
	JobStatusCompleted  = "COMPLETED"
	JobStatusFailed     = "FAILED"
)

// Job is the durable record of a single unit of work. The jobs table row is
// the source of truth for job state; broker messages only reference it.
type Job struct {
	JobID        string     `db:"job_id" json:"job_id"`
	JobType      string     `db:"job_type" json:"job_type"`
	Status       string     `db:"status" json:"status"`
	Payload      []byte     `db:"payload" json:"payload,omitempty"`
	Result       []byte     `db:"result" json:"result,omitempty"`
	ErrorMessage string     `db:"error_message" json:"error_message,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
	CompletedAt  *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// allowedTransitions is the job status machine. FAILED -> PENDING is the
// retry release; everything else advances monotonically.
var allowedTransitions = map[string][]string{
	JobStatusPending:    {JobStatusProcessing},
	JobStatusProcessing: {JobStatusCompleted, JobStatusFailed},
	JobStatusFailed:     {JobStatusPending},
	JobStatusCompleted:  {},
}

// ValidStatus reports whether s is a known job status.
func ValidStatus(s string) bool {
	_, ok := allowedTransitions[s]
	return ok
}

// CanTransition reports whether the status machine allows from -> to.
func CanTransition(from, to string) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionSources returns the statuses a job may hold immediately before
// moving to the given status. Used by the store to build conditional updates.
func TransitionSources(to string) []string {
	var sources []string
	for from, targets := range allowedTransitions {
		for _, next := range targets {
			if next == to {
				sources = append(sources, from)
			}
		}
	}
	return sources
}
