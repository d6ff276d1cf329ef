package jobstore

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no job has the requested ID.
	ErrNotFound = errors.New("replay job not found")

	// ErrAlreadyExists is returned by Insert when the ID is taken.
	ErrAlreadyExists = errors.New("replay job already exists")

	// ErrVersionConflict means another owner wrote the job since it was read.
	// Callers stop; they do not retry with a fresh read.
	ErrVersionConflict = errors.New("replay job version conflict")
)

// Store persists replay jobs.
type Store interface {
	// Query returns the job with id or ErrNotFound.
	Query(ctx context.Context, id string) (*Job, error)

	// Insert stores a new job and sets job.VersionToken.
	Insert(ctx context.Context, job *Job) error

	// Replace overwrites the job if its stored version token equals expectedVersion.
	// The new token is returned and recorded on job.
	Replace(ctx context.Context, job *Job, expectedVersion string) (string, error)

	// PopNextItem claims one due, incomplete job by pushing its visibility
	// leaseDuration into the future. Returns (nil, nil) when nothing is due.
	PopNextItem(ctx context.Context, leaseDuration time.Duration) (*Job, error)
}
