package lifecycle

import (
	"errors"
	"fmt"

	"github.com/therealutkarshpriyadarshi/encodejobs/pkg/models"
)

// Error kinds returned by the manager and by Store implementations.
// Every error the manager returns wraps exactly one of them.
var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("job not found")
	ErrConflict   = errors.New("job state conflict")
	ErrStore      = errors.New("job store error")

	ErrActiveJobExists = fmt.Errorf("%w: video already has an active job", ErrConflict)
)

// Error records the operation and job an error happened on
type Error struct {
	Op    string
	JobID string
	Err   error
}

func (e *Error) Error() string {
	if e.JobID == "" {
		return fmt.Sprintf("lifecycle: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("lifecycle: %s %s: %v", e.Op, e.JobID, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// opError wraps err unless it is nil. Errors that carry none of the
// sentinels came from a store that does not classify its failures, so they
// are treated as store errors.
func opError(op, jobID string, err error) error {
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrValidation) && !errors.Is(err, ErrNotFound) &&
		!errors.Is(err, ErrConflict) && !errors.Is(err, ErrStore) {
		err = fmt.Errorf("%w: %w", ErrStore, err)
	}
	return &Error{Op: op, JobID: jobID, Err: err}
}

// ConflictError builds the error a Store returns when a conditional update
// matched the job but not its guard.
func ConflictError(jobID string, current models.JobStatus) error {
	return fmt.Errorf("%w: job %s is %s", ErrConflict, jobID, current)
}

// Kind names the sentinel an error wraps; used for metrics and HTTP mapping.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	default:
		return "store"
	}
}
