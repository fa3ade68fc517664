// Package lifecycle implements the encoding job state machine: creation,
// claiming, progress, completion, failure with bounded retry, cancellation
// and alert de-duplication. All state lives in the Store; the manager holds
// no locks and is safe to run in any number of processes.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/therealutkarshpriyadarshi/encodejobs/internal/config"
	"github.com/therealutkarshpriyadarshi/encodejobs/internal/logging"
	"github.com/therealutkarshpriyadarshi/encodejobs/internal/metrics"
	"github.com/therealutkarshpriyadarshi/encodejobs/pkg/models"
)

const (
	// DefaultMaxAttempts is the retry ceiling when none is configured
	DefaultMaxAttempts = 3

	// ErrorCodeWorkerTimeout is recorded when the watchdog fails a job
	ErrorCodeWorkerTimeout = "WORKER_TIMEOUT"

	// failRetries bounds how often a failure is recomputed when the row
	// changes between the read and the conditional write.
	failRetries = 3
)

// JobCache is an optional read-through cache for Get. SetJob must not
// overwrite a snapshot older than the last InvalidateJob for that job.
type JobCache interface {
	GetJob(ctx context.Context, jobID string) (*models.EncodingJob, error)
	SetJob(ctx context.Context, job *models.EncodingJob, ttl time.Duration) error
	InvalidateJob(ctx context.Context, job *models.EncodingJob, ttl time.Duration) error
}

// EventPublisher announces transitions to workers and other listeners
type EventPublisher interface {
	PublishJobEvent(ctx context.Context, event models.JobEvent) error
}

// OutputVerifier checks that a reported output object exists
type OutputVerifier interface {
	VerifyOutput(ctx context.Context, bucket, key string) error
}

// Notifier delivers the job's own webhook on terminal transitions
type Notifier interface {
	NotifyJob(ctx context.Context, event string, job *models.EncodingJob)
}

// Manager is the job lifecycle manager
type Manager struct {
	store       Store
	policy      BackoffPolicy
	maxAttempts int
	exclusive   bool
	cacheTTL    time.Duration

	cache     JobCache
	publisher EventPublisher
	verifier  OutputVerifier
	notifier  Notifier

	logger *logging.Logger
	now    func() time.Time
	newID  func() string
}

// Option configures optional collaborators
type Option func(*Manager)

// WithCache enables the read-through job cache
func WithCache(cache JobCache) Option {
	return func(m *Manager) { m.cache = cache }
}

// WithPublisher enables lifecycle event publishing
func WithPublisher(p EventPublisher) Option {
	return func(m *Manager) { m.publisher = p }
}

// WithVerifier enables output verification on Complete
func WithVerifier(v OutputVerifier) Option {
	return func(m *Manager) { m.verifier = v }
}

// WithNotifier enables per-job webhooks
func WithNotifier(n Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

// WithBackoff overrides the policy derived from config
func WithBackoff(p BackoffPolicy) Option {
	return func(m *Manager) { m.policy = p }
}

// WithClock overrides time.Now, mainly for tests
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithIDGenerator overrides job id generation
func WithIDGenerator(newID func() string) Option {
	return func(m *Manager) { m.newID = newID }
}

// NewManager creates a new lifecycle manager
func NewManager(store Store, cfg config.LifecycleConfig, logger *logging.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = logging.Nop()
	}

	m := &Manager{
		store:       store,
		policy:      PolicyFromConfig(cfg),
		maxAttempts: cfg.MaxAttempts,
		exclusive:   cfg.SingleActivePerVideo,
		cacheTTL:    cfg.CacheTTL,
		logger:      logger.WithComponent("lifecycle"),
		now:         func() time.Time { return time.Now().UTC() },
		newID:       func() string { return uuid.New().String() },
	}
	if m.maxAttempts < 1 {
		m.maxAttempts = DefaultMaxAttempts
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// CreateParams describes a new job
type CreateParams struct {
	VideoID      string
	InputFileURL string
	OutputBucket string
	WebhookURL   string
	// MaxAttempts overrides the configured ceiling when positive
	MaxAttempts int
}

// Create stores a new queued job. Unless single-active-per-video is
// configured, it does not check for an existing active job; callers that
// need that must consult ActiveJobForVideo first.
func (m *Manager) Create(ctx context.Context, p CreateParams) (*models.EncodingJob, error) {
	const op = "create"

	videoID := strings.TrimSpace(p.VideoID)
	inputURL := strings.TrimSpace(p.InputFileURL)
	if videoID == "" {
		return nil, opError(op, "", fmt.Errorf("%w: videoId is required", ErrValidation))
	}
	if inputURL == "" {
		return nil, opError(op, "", fmt.Errorf("%w: inputFileUrl is required", ErrValidation))
	}
	if p.MaxAttempts < 0 {
		return nil, opError(op, "", fmt.Errorf("%w: maxAttempts must be positive", ErrValidation))
	}

	maxAttempts := m.maxAttempts
	if p.MaxAttempts > 0 {
		maxAttempts = p.MaxAttempts
	}

	now := m.now()
	job := &models.EncodingJob{
		ID:            m.newID(),
		VideoID:       videoID,
		Status:        models.JobStatusQueued,
		InputFileURL:  inputURL,
		OutputBucket:  strings.TrimSpace(p.OutputBucket),
		WebhookURL:    strings.TrimSpace(p.WebhookURL),
		Renditions:    models.Renditions{},
		ThumbnailURLs: models.StringList{},
		MaxAttempts:   maxAttempts,
		ErrorHistory:  models.ErrorHistory{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := m.store.Insert(ctx, job, m.exclusive); err != nil {
		return nil, m.failed(op, job.ID, err)
	}

	metrics.RecordJobCreated()
	m.logger.LogJobEvent("created", job, nil)
	m.publish(ctx, models.JobEventQueued, job)

	return job, nil
}

// ClaimResult is the outcome of a claim attempt. Losing a race is not an
// error: Claimed is false and Job is nil.
type ClaimResult struct {
	Claimed bool
	Job     *models.EncodingJob
}

// Claim atomically takes ownership of a queued job for workerID
func (m *Manager) Claim(ctx context.Context, jobID, workerID string) (ClaimResult, error) {
	const op = "claim"

	if strings.TrimSpace(workerID) == "" {
		return ClaimResult{}, opError(op, jobID, fmt.Errorf("%w: workerId is required", ErrValidation))
	}

	job, err := m.store.Claim(ctx, jobID, workerID, m.now())
	if errors.Is(err, ErrConflict) {
		metrics.RecordClaim("taken")
		m.logger.WithJobID(jobID).WithWorkerID(workerID).Debug("Job not claimable")
		return ClaimResult{}, nil
	}
	if err != nil {
		return ClaimResult{}, m.failed(op, jobID, err)
	}

	metrics.RecordClaim("claimed")
	m.afterMutation(ctx, "claimed", models.JobEventClaimed, job, nil)
	return ClaimResult{Claimed: true, Job: job}, nil
}

// ClaimNext claims the oldest queued job, if any
func (m *Manager) ClaimNext(ctx context.Context, workerID string) (ClaimResult, error) {
	const op = "claim_next"

	if strings.TrimSpace(workerID) == "" {
		return ClaimResult{}, opError(op, "", fmt.Errorf("%w: workerId is required", ErrValidation))
	}

	job, err := m.store.ClaimNext(ctx, workerID, m.now())
	if err != nil {
		return ClaimResult{}, m.failed(op, "", err)
	}
	if job == nil {
		metrics.RecordClaim("empty")
		return ClaimResult{}, nil
	}

	metrics.RecordClaim("claimed")
	m.afterMutation(ctx, "claimed", models.JobEventClaimed, job, nil)
	return ClaimResult{Claimed: true, Job: job}, nil
}

// ClampProgress bounds a progress report to [0, 100]
func ClampProgress(progress int) int {
	if progress < 0 {
		return 0
	}
	if progress > 100 {
		return 100
	}
	return progress
}

// ReportProgress records a progress report. The first report on a queued job
// claims it. An empty workerID keeps the current worker.
func (m *Manager) ReportProgress(ctx context.Context, jobID string, progress int, workerID string) (*models.EncodingJob, error) {
	const op = "report_progress"

	job, err := m.store.UpdateProgress(ctx, jobID, ClampProgress(progress), strings.TrimSpace(workerID), m.now())
	if err != nil {
		return nil, m.failed(op, jobID, err)
	}

	m.afterMutation(ctx, "progress", "", job, nil)
	return job, nil
}

// CompleteParams is a worker's success report
type CompleteParams struct {
	OutputManifestURL string
	OutputKey         string
	Renditions        []models.Rendition
	ThumbnailURLs     []string
}

// Complete records a successful encode. A second completion is a conflict.
func (m *Manager) Complete(ctx context.Context, jobID string, p CompleteParams) (*models.EncodingJob, error) {
	const op = "complete"

	manifest := strings.TrimSpace(p.OutputManifestURL)
	if manifest == "" {
		return nil, opError(op, jobID, fmt.Errorf("%w: outputManifestUrl is required", ErrValidation))
	}

	if m.verifier != nil && p.OutputKey != "" {
		current, err := m.store.Get(ctx, jobID)
		if err != nil {
			return nil, m.failed(op, jobID, err)
		}
		if current.OutputBucket != "" {
			if err := m.verifier.VerifyOutput(ctx, current.OutputBucket, p.OutputKey); err != nil {
				return nil, m.failed(op, jobID, err)
			}
		}
	}

	out := Output{
		ManifestURL:   manifest,
		OutputKey:     p.OutputKey,
		Renditions:    models.Renditions(p.Renditions),
		ThumbnailURLs: models.StringList(p.ThumbnailURLs),
	}
	if out.Renditions == nil {
		out.Renditions = models.Renditions{}
	}
	if out.ThumbnailURLs == nil {
		out.ThumbnailURLs = models.StringList{}
	}

	job, err := m.store.Complete(ctx, jobID, out, m.now())
	if err != nil {
		return nil, m.failed(op, jobID, err)
	}

	if job.StartedAt != nil && job.CompletedAt != nil {
		metrics.RecordJobDuration(job.CompletedAt.Sub(*job.StartedAt).Seconds())
	}
	m.afterMutation(ctx, "completed", models.JobEventCompleted, job, map[string]interface{}{
		"renditions": len(job.Renditions),
	})
	m.notify(ctx, models.JobEventCompleted, job)

	return job, nil
}

// Fail records a failed attempt and schedules the retry, if any remain
func (m *Manager) Fail(ctx context.Context, jobID, message, code string) (*models.EncodingJob, error) {
	return m.fail(ctx, "fail", jobID, message, code, nil)
}

// FailStale fails a processing job whose last update is older than cutoff.
// A job that reported in the meantime is left alone with a conflict.
func (m *Manager) FailStale(ctx context.Context, jobID string, cutoff time.Time) (*models.EncodingJob, error) {
	msg := fmt.Sprintf("no progress reported since %s", cutoff.Format(time.RFC3339))
	return m.fail(ctx, "fail_stale", jobID, msg, ErrorCodeWorkerTimeout, &cutoff)
}

func (m *Manager) fail(ctx context.Context, op, jobID, message, code string, staleBefore *time.Time) (*models.EncodingJob, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		code = models.DefaultErrorCode
	}

	for i := 0; i < failRetries; i++ {
		current, err := m.store.Get(ctx, jobID)
		if err != nil {
			return nil, m.failed(op, jobID, err)
		}
		if current.Status != models.JobStatusQueued && current.Status != models.JobStatusProcessing {
			return nil, m.failed(op, jobID, ConflictError(jobID, current.Status))
		}
		if staleBefore != nil && !current.UpdatedAt.Before(*staleBefore) {
			return nil, m.failed(op, jobID, fmt.Errorf("%w: job %s reported at %s", ErrConflict, jobID, current.UpdatedAt.Format(time.RFC3339)))
		}

		now := m.now()
		attempt := current.AttemptCount + 1
		f := Failure{
			ExpectedAttempts: current.AttemptCount,
			Entry: models.ErrorEntry{
				Timestamp: now,
				Attempt:   attempt,
				Code:      code,
				Message:   message,
			},
			NextRetryAt: NextRetryAt(m.policy, now, attempt, current.MaxAttempts),
			Now:         now,
			StaleBefore: staleBefore,
		}

		job, err := m.store.RecordFailure(ctx, jobID, f)
		if errors.Is(err, ErrConflict) {
			// the row moved between read and write; recompute from the new state
			continue
		}
		if err != nil {
			return nil, m.failed(op, jobID, err)
		}

		exhausted := job.NextRetryAt == nil
		metrics.RecordJobFailure(code, exhausted)

		event, busEvent := "failed", models.JobEventFailed
		if exhausted {
			event, busEvent = "exhausted", models.JobEventExhausted
		}
		m.afterMutation(ctx, event, busEvent, job, map[string]interface{}{
			"code":  code,
			"error": message,
		})
		if exhausted {
			m.notify(ctx, models.JobEventFailed, job)
		}

		return job, nil
	}

	return nil, m.failed(op, jobID, fmt.Errorf("%w: job %s changed concurrently while recording failure", ErrConflict, jobID))
}

// Cancel stops a non-terminal job. A failed job with no attempts left is
// terminal and is rejected so its operator alert still fires. Cancel cannot
// interrupt a worker already transcoding; that worker's later reports are
// rejected as conflicts.
func (m *Manager) Cancel(ctx context.Context, jobID string) (*models.EncodingJob, error) {
	const op = "cancel"

	job, err := m.store.Cancel(ctx, jobID, m.now())
	if err != nil {
		return nil, m.failed(op, jobID, err)
	}

	m.afterMutation(ctx, "cancelled", models.JobEventCancelled, job, nil)
	m.notify(ctx, models.JobEventCancelled, job)
	return job, nil
}

// MarkAlertSent records that an operator alert fired for the job's current
// failure streak.
func (m *Manager) MarkAlertSent(ctx context.Context, jobID string) error {
	const op = "mark_alert_sent"

	job, err := m.store.MarkAlertSent(ctx, jobID, m.now())
	if err != nil {
		return m.failed(op, jobID, err)
	}

	m.afterMutation(ctx, "alert_sent", "", job, nil)
	return nil
}

// RequeueForRetry moves a retry-eligible failed job back to queued. The
// eligibility check and the update are one conditional write, so concurrent
// sweeps requeue a job at most once; the loser gets ErrConflict.
func (m *Manager) RequeueForRetry(ctx context.Context, jobID string) (*models.EncodingJob, error) {
	const op = "requeue"

	job, err := m.store.Requeue(ctx, jobID, m.now())
	if err != nil {
		return nil, m.failed(op, jobID, err)
	}

	m.afterMutation(ctx, "requeued", models.JobEventRequeued, job, nil)
	return job, nil
}

// Get returns a job by id, reading through the cache when configured
func (m *Manager) Get(ctx context.Context, jobID string) (*models.EncodingJob, error) {
	const op = "get"

	if strings.TrimSpace(jobID) == "" {
		return nil, opError(op, "", fmt.Errorf("%w: job id is required", ErrValidation))
	}

	if m.cache != nil {
		cached, err := m.cache.GetJob(ctx, jobID)
		if err != nil {
			m.logger.WithJobID(jobID).WithError(err).Warn("Job cache read failed")
		}
		if cached != nil {
			metrics.RecordCacheAccess("job", true)
			return cached, nil
		}
		metrics.RecordCacheAccess("job", false)
	}

	job, err := m.store.Get(ctx, jobID)
	if err != nil {
		return nil, m.failed(op, jobID, err)
	}

	if m.cache != nil && m.cacheTTL > 0 {
		if err := m.cache.SetJob(ctx, job, m.cacheTTL); err != nil {
			m.logger.WithJobID(jobID).WithError(err).Warn("Job cache write failed")
		}
	}

	return job, nil
}

// ListByStatus returns jobs in the given state, newest first. A limit of
// zero returns all of them.
func (m *Manager) ListByStatus(ctx context.Context, status models.JobStatus, limit int) ([]*models.EncodingJob, error) {
	if _, err := models.ParseJobStatus(string(status)); err != nil {
		return nil, opError("list_by_status", "", fmt.Errorf("%w: %v", ErrValidation, err))
	}
	jobs, err := m.store.ListByStatus(ctx, status, limit)
	if err != nil {
		return nil, m.failed("list_by_status", "", err)
	}
	return jobs, nil
}

// ActiveJobForVideo returns the most recent job for the video that is not
// completed or cancelled. It returns ErrNotFound when there is none.
func (m *Manager) ActiveJobForVideo(ctx context.Context, videoID string) (*models.EncodingJob, error) {
	if strings.TrimSpace(videoID) == "" {
		return nil, opError("active_for_video", "", fmt.Errorf("%w: videoId is required", ErrValidation))
	}
	job, err := m.store.ActiveForVideo(ctx, videoID)
	if err != nil {
		return nil, m.failed("active_for_video", "", err)
	}
	return job, nil
}

// ReadyForRetry returns failed jobs whose retry time has passed and that
// have attempts left, oldest retry time first. This is the retry sweep's
// work queue.
func (m *Manager) ReadyForRetry(ctx context.Context, now time.Time, limit int) ([]*models.EncodingJob, error) {
	jobs, err := m.store.ReadyForRetry(ctx, now, limit)
	if err != nil {
		return nil, m.failed("ready_for_retry", "", err)
	}
	return jobs, nil
}

// Stale returns processing jobs not updated since cutoff
func (m *Manager) Stale(ctx context.Context, cutoff time.Time, limit int) ([]*models.EncodingJob, error) {
	jobs, err := m.store.Stale(ctx, cutoff, limit)
	if err != nil {
		return nil, m.failed("stale", "", err)
	}
	return jobs, nil
}

// AlertPending returns exhausted failures no alert has been sent for
func (m *Manager) AlertPending(ctx context.Context, limit int) ([]*models.EncodingJob, error) {
	jobs, err := m.store.AlertPending(ctx, limit)
	if err != nil {
		return nil, m.failed("alert_pending", "", err)
	}
	return jobs, nil
}

// Stats summarises the job table and refreshes the status gauges
func (m *Manager) Stats(ctx context.Context, staleAfter time.Duration) (*models.JobStats, error) {
	stats, err := m.store.Stats(ctx, m.now().Add(-staleAfter))
	if err != nil {
		return nil, m.failed("stats", "", err)
	}
	metrics.UpdateJobGauges(stats)
	return stats, nil
}

// Now exposes the manager's clock so sweeps share it
func (m *Manager) Now() time.Time {
	return m.now()
}

func (m *Manager) failed(op, jobID string, err error) error {
	wrapped := opError(op, jobID, err)
	metrics.RecordError("lifecycle", Kind(wrapped))
	return wrapped
}

func (m *Manager) afterMutation(ctx context.Context, event, busEvent string, job *models.EncodingJob, details map[string]interface{}) {
	if m.cache != nil {
		if err := m.cache.InvalidateJob(ctx, job, m.cacheTTL); err != nil {
			m.logger.WithJobID(job.ID).WithError(err).Warn("Job cache invalidation failed")
		}
	}

	metrics.RecordJobTransition(event)
	m.logger.LogJobEvent(event, job, details)

	if busEvent != "" {
		m.publish(ctx, busEvent, job)
	}
}

func (m *Manager) publish(ctx context.Context, eventType string, job *models.EncodingJob) {
	if m.publisher == nil {
		return
	}
	if err := m.publisher.PublishJobEvent(ctx, models.NewJobEvent(eventType, job, m.now())); err != nil {
		metrics.RecordError("publisher", "publish")
		m.logger.WithJobID(job.ID).WithError(err).Warnf("Failed to publish %s", eventType)
	}
}

func (m *Manager) notify(ctx context.Context, event string, job *models.EncodingJob) {
	if m.notifier == nil || job.WebhookURL == "" {
		return
	}
	m.notifier.NotifyJob(ctx, event, job)
}
