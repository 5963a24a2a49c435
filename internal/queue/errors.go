package queue

import (
	"errors"
	"fmt"
)

// Common errors returned by the Engine and Store implementations
var (
	// ErrUnknownJobType is returned when a job type has no registered handler
	// or is not part of the closed set of job types.
	ErrUnknownJobType = errors.New("unknown job type")

	// ErrInvalidPayload is returned when a payload cannot be decoded or fails validation.
	ErrInvalidPayload = errors.New("invalid job payload")

	// ErrInvalidOption is returned when a submit option is out of range.
	ErrInvalidOption = errors.New("invalid submit option")

	// ErrJobNotFound is returned when no job matches the requested identifier.
	ErrJobNotFound = errors.New("job not found")

	// ErrDuplicateJob is returned when a job with the same external id already
	// exists in the queue.
	ErrDuplicateJob = errors.New("job already exists")

	// ErrJobIDConflict is returned by Store.Insert when the generated job id
	// is already taken, which happens when two processes share a node id.
	ErrJobIDConflict = errors.New("job id already in use")

	// ErrNoJob is returned by Store.Claim when no waiting job is ready.
	ErrNoJob = errors.New("no job ready")

	// ErrInvalidTransition is returned for state changes outside the job state machine.
	ErrInvalidTransition = errors.New("invalid job state transition")

	// ErrStateConflict is returned when a compare-and-set transition finds the
	// job in a different state than expected.
	ErrStateConflict = errors.New("job state changed concurrently")

	// ErrLockLost is returned when a worker presents a lock token that no
	// longer owns the job, typically because the job was reclaimed after a stall.
	ErrLockLost = errors.New("job lock lost")

	// ErrEngineStarted is returned by Start when the engine is already running.
	ErrEngineStarted = errors.New("engine already started")
)

// permanentError marks a handler failure that retrying cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so that RetryTransient treats it as non-retriable.
// A nil err returns nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Permanentf is shorthand for Permanent(fmt.Errorf(format, args...)).
func Permanentf(format string, args ...any) error {
	return Permanent(fmt.Errorf(format, args...))
}

// IsPermanent reports whether err, or any error it wraps, was marked with Permanent.
func IsPermanent(err error) bool {
	var perr *permanentError
	return errors.As(err, &perr)
}

// RetryPredicate decides whether a failed attempt may be retried. It is only
// consulted while attempts remain.
type RetryPredicate func(err error) bool

// AlwaysRetry retries every failure uniformly. It is the Engine default.
func AlwaysRetry(error) bool { return true }

// RetryTransient retries everything except errors marked with Permanent,
// which fail the job immediately.
func RetryTransient(err error) bool { return !IsPermanent(err) }

// isStoreConflict reports whether err is a definitive answer from the store
// that retrying the same call cannot change.
func isStoreConflict(err error) bool {
	return errors.Is(err, ErrLockLost) ||
		errors.Is(err, ErrStateConflict) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrJobNotFound)
}
