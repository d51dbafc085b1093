package migration

import (
	"fmt"

	"github.com/buildpulse/crmsync/internal/errors"
)

var (
	// ErrJobConflict is returned when a job of the object type is already running
	ErrJobConflict = errors.NewStd("migration job already running")
	// ErrInvalidTransition is returned when pause or resume does not apply to the job's status
	ErrInvalidTransition = errors.NewStd("invalid migration job transition")
	// ErrThresholdExceeded is recorded when the failure ratio pauses a job
	ErrThresholdExceeded = errors.NewStd("failure threshold exceeded")
	// ErrNoJob is returned when an object type has never been migrated
	ErrNoJob = errors.NewStd("no migration job")
	// ErrShuttingDown is returned when work is requested after Shutdown
	ErrShuttingDown = errors.NewStd("orchestrator is shutting down")
)

// BatchWriteError reports a failed batch commit. The batch's successes were recounted as failures.
type BatchWriteError struct {
	ObjectType string
	BatchIndex int
	Records    int
	Err        error
}

func (e *BatchWriteError) Error() string {
	return fmt.Sprintf("%s batch %d: writing %d records failed: %v", e.ObjectType, e.BatchIndex, e.Records, e.Err)
}

func (e *BatchWriteError) Unwrap() error {
	return e.Err
}

// ErrorCategory groups batch write failures for telemetry
func (e *BatchWriteError) ErrorCategory() errors.ErrorCategory {
	return errors.CategoryBatchWrite
}

func conflictError(objectType string) error {
	return errors.New(ErrJobConflict).
		Category(errors.CategoryConflict).
		Context("object_type", objectType).
		Build()
}

func transitionError(objectType, from, operation string) error {
	return errors.New(fmt.Errorf("%w: cannot %s a %s job", ErrInvalidTransition, operation, from)).
		Category(errors.CategoryState).
		Context("object_type", objectType).
		Context("operation", operation).
		Build()
}

func noJobError(objectType string) error {
	return errors.New(fmt.Errorf("%w for %s", ErrNoJob, objectType)).
		Category(errors.CategoryNotFound).
		Context("object_type", objectType).
		Build()
}

func validationError(format string, args ...any) error {
	return errors.Newf(format, args...).
		Category(errors.CategoryValidation).
		Build()
}
