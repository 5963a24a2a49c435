package queue

import (
	"context"
	"time"
)

// Store is the durable, shared source of truth for jobs. Every method must be
// safe for concurrent use by workers in this and other processes; claiming
// and transitions are atomic.
type Store interface {
	// Insert persists a new waiting job. It returns ErrDuplicateJob when the
	// queue already holds a job with the same external id.
	Insert(ctx context.Context, job *Job) error

	// Get returns the job with the given id or ErrJobNotFound.
	Get(ctx context.Context, id string) (*Job, error)

	// GetByExternalID returns the job with the given external id in queue or
	// ErrJobNotFound.
	GetByExternalID(ctx context.Context, queue, externalID string) (*Job, error)

	// Claim atomically takes the waiting job in queue with the lowest priority
	// value whose RunAt is not after now, oldest submission first. The job
	// becomes active under token, its attempts are incremented, its heartbeat
	// is set to now, and ProcessedAt is stamped on the first claim only.
	// It returns ErrNoJob when nothing is ready.
	Claim(ctx context.Context, queue, token string, now time.Time) (*Job, error)

	// Heartbeat refreshes the liveness timestamp of an active job. It returns
	// ErrLockLost when token no longer owns the job.
	Heartbeat(ctx context.Context, id, token string, at time.Time) error

	// Transition applies t as a compare-and-set and returns the updated job.
	Transition(ctx context.Context, id string, t Transition) (*Job, error)

	// ListStalled returns active jobs in queue whose heartbeat is older than
	// deadline, plus jobs already marked stalled whose recovery was interrupted.
	ListStalled(ctx context.Context, queue string, deadline time.Time) ([]*Job, error)

	// CountByState returns the number of jobs per state in queue.
	CountByState(ctx context.Context, queue string) (Stats, error)

	// Purge deletes terminal jobs in queue selected by rule and returns how
	// many were removed.
	Purge(ctx context.Context, queue string, rule PurgeRule) (int, error)
}
