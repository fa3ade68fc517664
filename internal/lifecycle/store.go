package lifecycle

import (
	"context"
	"time"

	"github.com/therealutkarshpriyadarshi/encodejobs/pkg/models"
)

// Store is the persistence contract the manager relies on. Every mutating
// method is a single conditional update: it either applies atomically and
// returns the new row, or returns an error wrapping ErrNotFound (no such
// job) or ErrConflict (the job exists but its current state does not match
// the guard). Anything else is wrapped with ErrStore.
type Store interface {
	// Insert stores a new queued job. With exclusive set, the insert fails
	// with ErrActiveJobExists when the video already has an active job,
	// checked atomically with the insert.
	Insert(ctx context.Context, job *models.EncodingJob, exclusive bool) error
	Get(ctx context.Context, id string) (*models.EncodingJob, error)

	// Claim moves a queued job to processing for workerID.
	Claim(ctx context.Context, id, workerID string, now time.Time) (*models.EncodingJob, error)
	// ClaimNext claims the oldest queued job, returning nil when none is queued.
	ClaimNext(ctx context.Context, workerID string, now time.Time) (*models.EncodingJob, error)
	// UpdateProgress applies a progress report. A queued job moves to
	// processing; a processing job only accepts reports from its own worker
	// or when either side is anonymous. Progress never decreases while
	// processing.
	UpdateProgress(ctx context.Context, id string, progress int, workerID string, now time.Time) (*models.EncodingJob, error)
	// Complete moves a queued or processing job to completed.
	Complete(ctx context.Context, id string, out Output, now time.Time) (*models.EncodingJob, error)
	// RecordFailure moves a queued or processing job to failed, guarded on
	// the attempt count the failure was computed from.
	RecordFailure(ctx context.Context, id string, f Failure) (*models.EncodingJob, error)
	// Cancel moves a queued, processing or failed job to cancelled.
	Cancel(ctx context.Context, id string, now time.Time) (*models.EncodingJob, error)
	// MarkAlertSent flags a non-terminal job as alerted.
	MarkAlertSent(ctx context.Context, id string, now time.Time) (*models.EncodingJob, error)
	// Requeue moves a retry-eligible failed job (nextRetryAt <= now and
	// attempts remaining) back to queued and resets its alert flag.
	Requeue(ctx context.Context, id string, now time.Time) (*models.EncodingJob, error)

	ListByStatus(ctx context.Context, status models.JobStatus, limit int) ([]*models.EncodingJob, error)
	ActiveForVideo(ctx context.Context, videoID string) (*models.EncodingJob, error)
	ReadyForRetry(ctx context.Context, now time.Time, limit int) ([]*models.EncodingJob, error)
	Stale(ctx context.Context, cutoff time.Time, limit int) ([]*models.EncodingJob, error)
	AlertPending(ctx context.Context, limit int) ([]*models.EncodingJob, error)
	Stats(ctx context.Context, staleCutoff time.Time) (*models.JobStats, error)
}

// Output is what a worker reports on success
type Output struct {
	ManifestURL   string
	OutputKey     string
	Renditions    models.Renditions
	ThumbnailURLs models.StringList
}

// Failure is one failed attempt, computed from the job as last read
type Failure struct {
	ExpectedAttempts int
	Entry            models.ErrorEntry
	NextRetryAt      *time.Time
	Now              time.Time
	// StaleBefore, when set, additionally requires the job not to have been
	// updated since the cutoff. The watchdog uses it so a late heartbeat
	// wins over the timeout.
	StaleBefore *time.Time
}
