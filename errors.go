package jobs

import (
	"errors"
	"fmt"

	"github.com/UniQw/uniqw-jobs/internal/store"
)

// Store errors. They are shared with the internal store so errors.Is works
// across package boundaries.
var (
	// ErrStoreUnavailable wraps every transport-level failure talking to Redis.
	ErrStoreUnavailable = store.ErrStoreUnavailable
	// ErrNotActive is returned when a job is not in the active state for the
	// caller's attempt (already finalized, reclaimed, or never claimed).
	ErrNotActive = store.ErrNotActive
	// ErrInvalidProgress is returned for progress outside [0,100] or lower than
	// the last value reported in the same attempt.
	ErrInvalidProgress = store.ErrInvalidProgress
	// ErrLogFull is returned by Reporter.Log once the per-job log cap is reached.
	ErrLogFull = store.ErrLogFull
	// ErrJobNotFound is returned when a job with the specified ID is not found.
	ErrJobNotFound = store.ErrJobNotFound
	// ErrDuplicateJob is returned when Submit is called with an ID that already exists.
	ErrDuplicateJob = store.ErrDuplicateJob
	// ErrActiveState is returned when an operation is not allowed on an active job.
	ErrActiveState = store.ErrActiveState
	// ErrNotFailed is returned by RetryFailed for jobs that are not in the failed state.
	ErrNotFailed = store.ErrNotFailed
	// ErrUnknownState is returned when an invalid state is used.
	ErrUnknownState = store.ErrUnknownState
)

// ErrDuplicateHandler is returned when a (queue, type) pair is registered twice.
var ErrDuplicateHandler = errors.New("jobs: duplicate handler")

// ErrUnregisteredJobType is returned when no handler exists for a (queue, type) pair.
var ErrUnregisteredJobType = errors.New("jobs: unregistered job type")

// ErrRegistrySealed is returned when registering after a Server using the registry started.
var ErrRegistrySealed = errors.New("jobs: registry sealed")

// ConfigurationError describes a setup problem such as a missing handler.
// Jobs failing with it are never retried.
type ConfigurationError struct {
	Queue string
	Type  string
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: queue=%s type=%s: %v", e.Queue, e.Type, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// ValidationError reports a payload a handler could not accept.
// It is retried like any handler error unless wrapped with Permanent.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable: the job fails on this attempt
// regardless of the remaining attempts. Permanent(nil) returns nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or any error it wraps, was marked Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
