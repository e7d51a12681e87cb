package domain

import "errors"

var (
	// ErrJobNotFound is returned when a job cannot be found in the database.
	ErrJobNotFound = errors.New("job not found")

	// ErrDuplicateJobID is returned when inserting a job whose ID already
	// exists. Job IDs are generated once by the dispatcher, so a collision
	// is a bug and is always surfaced.
	ErrDuplicateJobID = errors.New("duplicate job id")

	// ErrJobAlreadyClaimed is returned when attempting to claim a job that
	// is not in PENDING status. Duplicate broker deliveries land here.
	ErrJobAlreadyClaimed = errors.New("job already claimed or not in PENDING status")

	// ErrInvalidTransition is returned when a status update violates the
	// job status machine. Indicates a concurrency bug or a mishandled
	// duplicate delivery; the offending update is rejected, not applied.
	ErrInvalidTransition = errors.New("invalid job status transition")

	// ErrUnknownJobType is returned when a job type has no registered
	// handler. Client-visible validation error.
	ErrUnknownJobType = errors.New("unknown job type")

	// ErrInvalidPayload is returned when a job payload is not valid JSON.
	ErrInvalidPayload = errors.New("invalid job payload")
)
