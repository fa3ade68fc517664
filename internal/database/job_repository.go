package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/therealutkarshpriyadarshi/encodejobs/internal/lifecycle"
	"github.com/therealutkarshpriyadarshi/encodejobs/internal/metrics"
	"github.com/therealutkarshpriyadarshi/encodejobs/pkg/models"
)

const jobColumns = `id, video_id, status, progress, input_file_url, output_manifest_url,
	output_bucket, output_key, webhook_url, renditions, thumbnail_urls, attempt_count,
	max_attempts, next_retry_at, last_error, error_history, alert_sent, worker_id,
	started_at, completed_at, created_at, updated_at`

// JobRepository is the Postgres implementation of lifecycle.Store. Each
// transition is one UPDATE guarded in its WHERE clause; when no row comes
// back a second read tells a missing job from a guard mismatch.
type JobRepository struct {
	db *DB
}

var _ lifecycle.Store = (*JobRepository)(nil)

// NewJobRepository creates a new job repository
func NewJobRepository(db *DB) *JobRepository {
	return &JobRepository{db: db}
}

func scanJob(row pgx.Row) (*models.EncodingJob, error) {
	var job models.EncodingJob
	err := row.Scan(
		&job.ID, &job.VideoID, &job.Status, &job.Progress, &job.InputFileURL,
		&job.OutputManifestURL, &job.OutputBucket, &job.OutputKey, &job.WebhookURL,
		&job.Renditions, &job.ThumbnailURLs, &job.AttemptCount, &job.MaxAttempts,
		&job.NextRetryAt, &job.LastError, &job.ErrorHistory, &job.AlertSent,
		&job.WorkerID, &job.StartedAt, &job.CompletedAt, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func storeError(action string, err error) error {
	return fmt.Errorf("%w: failed to %s: %w", lifecycle.ErrStore, action, err)
}

func observe(op string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = lifecycle.Kind(err)
	}
	metrics.RecordDatabaseOperation(op, status, time.Since(start).Seconds())
}

// limitArg maps a non-positive limit to NULL, which Postgres treats as no limit
func limitArg(limit int) interface{} {
	if limit <= 0 {
		return nil
	}
	return limit
}

func marshalJSON(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to encode json: %w", lifecycle.ErrStore, err)
	}
	return data, nil
}

// Insert creates a new job record
func (r *JobRepository) Insert(ctx context.Context, job *models.EncodingJob, exclusive bool) (err error) {
	defer func(start time.Time) { observe("insert", start, err) }(time.Now())

	renditions, err := marshalJSON(job.Renditions)
	if err != nil {
		return err
	}
	thumbnails, err := marshalJSON(job.ThumbnailURLs)
	if err != nil {
		return err
	}
	history, err := marshalJSON(job.ErrorHistory)
	if err != nil {
		return err
	}

	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return storeError("begin transaction", err)
	}
	defer tx.Rollback(ctx)

	if exclusive {
		// serialises creates per video for the rest of the transaction
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, job.VideoID); err != nil {
			return storeError("lock video", err)
		}

		var exists bool
		err := tx.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM encoding_jobs
				WHERE video_id = $1
				  AND (status IN ('queued', 'processing')
				       OR (status = 'failed' AND attempt_count < max_attempts))
			)`, job.VideoID).Scan(&exists)
		if err != nil {
			return storeError("check active job", err)
		}
		if exists {
			return lifecycle.ErrActiveJobExists
		}
	}

	query := `
		INSERT INTO encoding_jobs (
			id, video_id, status, progress, input_file_url, output_bucket, webhook_url,
			renditions, thumbnail_urls, attempt_count, max_attempts, error_history,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9::jsonb, $10, $11, $12::jsonb, $13, $14)
	`

	_, err = tx.Exec(ctx, query,
		job.ID, job.VideoID, string(job.Status), job.Progress, job.InputFileURL,
		job.OutputBucket, job.WebhookURL, renditions, thumbnails, job.AttemptCount,
		job.MaxAttempts, history, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return storeError("create job", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return storeError("commit job", err)
	}
	return nil
}

// Get retrieves a job by ID
func (r *JobRepository) Get(ctx context.Context, id string) (job *models.EncodingJob, err error) {
	defer func(start time.Time) { observe("get", start, err) }(time.Now())

	job, err = scanJob(r.db.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM encoding_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", lifecycle.ErrNotFound, id)
	}
	if err != nil {
		return nil, storeError("get job", err)
	}
	return job, nil
}

// classify explains why a guarded update matched no row
func (r *JobRepository) classify(ctx context.Context, id string) error {
	var status models.JobStatus
	err := r.db.Pool.QueryRow(ctx, `SELECT status FROM encoding_jobs WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", lifecycle.ErrNotFound, id)
	}
	if err != nil {
		return storeError("read job status", err)
	}
	return lifecycle.ConflictError(id, status)
}

// transition runs a guarded UPDATE ... RETURNING for a single job
func (r *JobRepository) transition(ctx context.Context, op, id, query string, args ...interface{}) (job *models.EncodingJob, err error) {
	defer func(start time.Time) { observe(op, start, err) }(time.Now())

	job, err = scanJob(r.db.Pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, r.classify(ctx, id)
	}
	if err != nil {
		return nil, storeError(op+" job", err)
	}
	return job, nil
}

// Claim moves a queued job to processing
func (r *JobRepository) Claim(ctx context.Context, id, workerID string, now time.Time) (*models.EncodingJob, error) {
	query := `
		UPDATE encoding_jobs
		SET status = 'processing', worker_id = $2,
		    started_at = COALESCE(started_at, $3), updated_at = $3
		WHERE id = $1 AND status = 'queued'
		RETURNING ` + jobColumns

	return r.transition(ctx, "claim", id, query, id, workerID, now)
}

// ClaimNext claims the oldest queued job. Rows locked by a concurrent
// claimer are skipped rather than waited on.
func (r *JobRepository) ClaimNext(ctx context.Context, workerID string, now time.Time) (job *models.EncodingJob, err error) {
	defer func(start time.Time) { observe("claim_next", start, err) }(time.Now())

	query := `
		UPDATE encoding_jobs
		SET status = 'processing', worker_id = $1,
		    started_at = COALESCE(started_at, $2), updated_at = $2
		WHERE id = (
			SELECT id FROM encoding_jobs
			WHERE status = 'queued'
			ORDER BY created_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	job, err = scanJob(r.db.Pool.QueryRow(ctx, query, workerID, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeError("claim next job", err)
	}
	return job, nil
}

// UpdateProgress applies a worker progress report
func (r *JobRepository) UpdateProgress(ctx context.Context, id string, progress int, workerID string, now time.Time) (*models.EncodingJob, error) {
	query := `
		UPDATE encoding_jobs
		SET status = 'processing',
		    progress = CASE WHEN status = 'queued' THEN $2::int ELSE GREATEST(progress, $2::int) END,
		    worker_id = CASE WHEN $3::text = '' THEN worker_id ELSE $3::text END,
		    started_at = COALESCE(started_at, $4::timestamptz),
		    updated_at = $4::timestamptz
		WHERE id = $1
		  AND (status = 'queued'
		       OR (status = 'processing' AND ($3::text = '' OR worker_id = '' OR worker_id = $3::text)))
		RETURNING ` + jobColumns

	return r.transition(ctx, "update_progress", id, query, id, progress, workerID, now)
}

// Complete records a successful encode
func (r *JobRepository) Complete(ctx context.Context, id string, out lifecycle.Output, now time.Time) (*models.EncodingJob, error) {
	renditions, err := marshalJSON(out.Renditions)
	if err != nil {
		return nil, err
	}
	thumbnails, err := marshalJSON(out.ThumbnailURLs)
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE encoding_jobs
		SET status = 'completed', progress = 100, output_manifest_url = $2,
		    output_key = CASE WHEN $3::text = '' THEN output_key ELSE $3::text END,
		    renditions = $4::jsonb, thumbnail_urls = $5::jsonb,
		    next_retry_at = NULL, alert_sent = FALSE,
		    completed_at = COALESCE(completed_at, $6::timestamptz), updated_at = $6::timestamptz
		WHERE id = $1 AND status IN ('queued', 'processing')
		RETURNING ` + jobColumns

	return r.transition(ctx, "complete", id, query, id, out.ManifestURL, out.OutputKey, renditions, thumbnails, now)
}

// RecordFailure appends a failure and schedules the retry
func (r *JobRepository) RecordFailure(ctx context.Context, id string, f lifecycle.Failure) (*models.EncodingJob, error) {
	entry, err := marshalJSON([]models.ErrorEntry{f.Entry})
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE encoding_jobs
		SET status = 'failed', attempt_count = attempt_count + 1, last_error = $3,
		    error_history = error_history || $4::jsonb,
		    next_retry_at = $5::timestamptz, updated_at = $6::timestamptz
		WHERE id = $1 AND status IN ('queued', 'processing') AND attempt_count = $2
		  AND ($7::timestamptz IS NULL OR updated_at < $7::timestamptz)
		RETURNING ` + jobColumns

	return r.transition(ctx, "record_failure", id, query,
		id, f.ExpectedAttempts, f.Entry.Message, entry, f.NextRetryAt, f.Now, f.StaleBefore)
}

// Cancel moves a non-terminal job to cancelled. A failed job with no
// attempts left is terminal and stays failed for the alert sweep.
func (r *JobRepository) Cancel(ctx context.Context, id string, now time.Time) (*models.EncodingJob, error) {
	query := `
		UPDATE encoding_jobs
		SET status = 'cancelled', next_retry_at = NULL, updated_at = $2
		WHERE id = $1
		  AND (status IN ('queued', 'processing')
		       OR (status = 'failed' AND attempt_count < max_attempts))
		RETURNING ` + jobColumns

	return r.transition(ctx, "cancel", id, query, id, now)
}

// MarkAlertSent flags a job as alerted
func (r *JobRepository) MarkAlertSent(ctx context.Context, id string, now time.Time) (*models.EncodingJob, error) {
	query := `
		UPDATE encoding_jobs
		SET alert_sent = TRUE, updated_at = $2
		WHERE id = $1 AND status IN ('queued', 'processing', 'failed')
		RETURNING ` + jobColumns

	return r.transition(ctx, "mark_alert_sent", id, query, id, now)
}

// Requeue moves a retry-eligible failed job back to queued
func (r *JobRepository) Requeue(ctx context.Context, id string, now time.Time) (*models.EncodingJob, error) {
	query := `
		UPDATE encoding_jobs
		SET status = 'queued', progress = 0, next_retry_at = NULL, worker_id = '',
		    alert_sent = FALSE, updated_at = $2
		WHERE id = $1 AND status = 'failed'
		  AND next_retry_at <= $2 AND attempt_count < max_attempts
		RETURNING ` + jobColumns

	return r.transition(ctx, "requeue", id, query, id, now)
}

func (r *JobRepository) list(ctx context.Context, op, query string, args ...interface{}) (jobs []*models.EncodingJob, err error) {
	defer func(start time.Time) { observe(op, start, err) }(time.Now())

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, storeError(op, err)
	}
	defer rows.Close()

	jobs = make([]*models.EncodingJob, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, storeError("scan job", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError(op, err)
	}

	return jobs, nil
}

// ListByStatus returns jobs in a status, newest first
func (r *JobRepository) ListByStatus(ctx context.Context, status models.JobStatus, limit int) ([]*models.EncodingJob, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM encoding_jobs
		WHERE status = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`
	return r.list(ctx, "list_by_status", query, string(status), limitArg(limit))
}

// ActiveForVideo returns the newest job for the video that is neither
// completed nor cancelled
func (r *JobRepository) ActiveForVideo(ctx context.Context, videoID string) (job *models.EncodingJob, err error) {
	defer func(start time.Time) { observe("active_for_video", start, err) }(time.Now())

	query := `
		SELECT ` + jobColumns + `
		FROM encoding_jobs
		WHERE video_id = $1 AND status NOT IN ('completed', 'cancelled')
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`

	job, err = scanJob(r.db.Pool.QueryRow(ctx, query, videoID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: no active job for video %s", lifecycle.ErrNotFound, videoID)
	}
	if err != nil {
		return nil, storeError("get active job", err)
	}
	return job, nil
}

// ReadyForRetry returns failed jobs due for another attempt
func (r *JobRepository) ReadyForRetry(ctx context.Context, now time.Time, limit int) ([]*models.EncodingJob, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM encoding_jobs
		WHERE status = 'failed' AND next_retry_at <= $1 AND attempt_count < max_attempts
		ORDER BY next_retry_at ASC, id
		LIMIT $2
	`
	return r.list(ctx, "ready_for_retry", query, now, limitArg(limit))
}

// Stale returns processing jobs not updated since cutoff
func (r *JobRepository) Stale(ctx context.Context, cutoff time.Time, limit int) ([]*models.EncodingJob, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM encoding_jobs
		WHERE status = 'processing' AND updated_at < $1
		ORDER BY updated_at ASC, id
		LIMIT $2
	`
	return r.list(ctx, "stale", query, cutoff, limitArg(limit))
}

// AlertPending returns exhausted failures that have not been alerted on
func (r *JobRepository) AlertPending(ctx context.Context, limit int) ([]*models.EncodingJob, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM encoding_jobs
		WHERE status = 'failed' AND attempt_count >= max_attempts AND NOT alert_sent
		ORDER BY updated_at ASC, id
		LIMIT $1
	`
	return r.list(ctx, "alert_pending", query, limitArg(limit))
}

// Stats aggregates job counts
func (r *JobRepository) Stats(ctx context.Context, staleCutoff time.Time) (stats *models.JobStats, err error) {
	defer func(start time.Time) { observe("stats", start, err) }(time.Now())

	stats = &models.JobStats{ByStatus: make(map[models.JobStatus]int64)}
	for _, status := range models.AllJobStatuses {
		stats.ByStatus[status] = 0
	}

	rows, err := r.db.Pool.Query(ctx, `SELECT status, COUNT(*) FROM encoding_jobs GROUP BY status`)
	if err != nil {
		return nil, storeError("count jobs", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status models.JobStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, storeError("scan job count", err)
		}
		stats.ByStatus[status] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("count jobs", err)
	}

	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'failed' AND attempt_count < max_attempts),
			COUNT(*) FILTER (WHERE status = 'failed' AND attempt_count >= max_attempts),
			COUNT(*) FILTER (WHERE status = 'failed' AND attempt_count >= max_attempts AND NOT alert_sent),
			COUNT(*) FILTER (WHERE status = 'processing' AND updated_at < $1)
		FROM encoding_jobs
	`
	err = r.db.Pool.QueryRow(ctx, query, staleCutoff).Scan(
		&stats.RetryPending, &stats.Exhausted, &stats.AlertPending, &stats.Stale,
	)
	if err != nil {
		return nil, storeError("aggregate job stats", err)
	}

	return stats, nil
}
