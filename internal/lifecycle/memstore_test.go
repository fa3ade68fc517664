package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/encodejobs/pkg/models"
)

// memStore is an in-memory Store with the same guards as the Postgres
// repository. Every method holds the mutex for its whole check-and-set.
type memStore struct {
	mu   sync.Mutex
	jobs map[string]*models.EncodingJob
	seq  map[string]int
	next int

	// err, when set, is returned by every call
	err error
	// beforeFailure runs between the manager's read and the failure write
	beforeFailure func()
}

var _ Store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		jobs: make(map[string]*models.EncodingJob),
		seq:  make(map[string]int),
	}
}

func cloneJob(j *models.EncodingJob) *models.EncodingJob {
	c := *j
	c.Renditions = append(models.Renditions{}, j.Renditions...)
	c.ThumbnailURLs = append(models.StringList{}, j.ThumbnailURLs...)
	c.ErrorHistory = append(models.ErrorHistory{}, j.ErrorHistory...)
	c.NextRetryAt = cloneTime(j.NextRetryAt)
	c.StartedAt = cloneTime(j.StartedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// put stores a job as-is, bypassing the guards
func (s *memStore) put(j *models.EncodingJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	s.seq[j.ID] = s.next
	s.jobs[j.ID] = cloneJob(j)
}

func (s *memStore) lookup(id string) (*models.EncodingJob, error) {
	if s.err != nil {
		return nil, s.err
	}
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return j, nil
}

func (s *memStore) Insert(_ context.Context, job *models.EncodingJob, exclusive bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if exclusive {
		for _, j := range s.jobs {
			if j.VideoID == job.VideoID && j.Active() {
				return ErrActiveJobExists
			}
		}
	}
	s.next++
	s.seq[job.ID] = s.next
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *memStore) Get(_ context.Context, id string) (*models.EncodingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	c := cloneJob(j)
	if s.beforeFailure != nil {
		hook := s.beforeFailure
		s.beforeFailure = nil
		s.mu.Unlock()
		hook()
		s.mu.Lock()
	}
	return c, nil
}

func (s *memStore) claimLocked(j *models.EncodingJob, workerID string, now time.Time) {
	j.Status = models.JobStatusProcessing
	j.WorkerID = workerID
	if j.StartedAt == nil {
		t := now
		j.StartedAt = &t
	}
	j.UpdatedAt = now
}

func (s *memStore) Claim(_ context.Context, id, workerID string, now time.Time) (*models.EncodingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	if j.Status != models.JobStatusQueued {
		return nil, ConflictError(id, j.Status)
	}
	s.claimLocked(j, workerID, now)
	return cloneJob(j), nil
}

func (s *memStore) ClaimNext(_ context.Context, workerID string, now time.Time) (*models.EncodingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	queued := s.filter(func(j *models.EncodingJob) bool { return j.Status == models.JobStatusQueued })
	if len(queued) == 0 {
		return nil, nil
	}
	s.sortOldestFirst(queued)
	j := s.jobs[queued[0].ID]
	s.claimLocked(j, workerID, now)
	return cloneJob(j), nil
}

func (s *memStore) UpdateProgress(_ context.Context, id string, progress int, workerID string, now time.Time) (*models.EncodingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	switch j.Status {
	case models.JobStatusQueued:
		j.Status = models.JobStatusProcessing
		j.Progress = progress
	case models.JobStatusProcessing:
		if workerID != "" && j.WorkerID != "" && workerID != j.WorkerID {
			return nil, fmt.Errorf("%w: job %s is owned by worker %s", ErrConflict, id, j.WorkerID)
		}
		if progress > j.Progress {
			j.Progress = progress
		}
	default:
		return nil, ConflictError(id, j.Status)
	}
	if workerID != "" {
		j.WorkerID = workerID
	}
	if j.StartedAt == nil {
		t := now
		j.StartedAt = &t
	}
	j.UpdatedAt = now
	return cloneJob(j), nil
}

func (s *memStore) Complete(_ context.Context, id string, out Output, now time.Time) (*models.EncodingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	if j.Status != models.JobStatusQueued && j.Status != models.JobStatusProcessing {
		return nil, ConflictError(id, j.Status)
	}
	j.Status = models.JobStatusCompleted
	j.Progress = 100
	j.OutputManifestURL = out.ManifestURL
	if out.OutputKey != "" {
		j.OutputKey = out.OutputKey
	}
	j.Renditions = append(models.Renditions{}, out.Renditions...)
	j.ThumbnailURLs = append(models.StringList{}, out.ThumbnailURLs...)
	j.NextRetryAt = nil
	j.AlertSent = false
	if j.CompletedAt == nil {
		t := now
		j.CompletedAt = &t
	}
	j.UpdatedAt = now
	return cloneJob(j), nil
}

func (s *memStore) RecordFailure(_ context.Context, id string, f Failure) (*models.EncodingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	if j.Status != models.JobStatusQueued && j.Status != models.JobStatusProcessing {
		return nil, ConflictError(id, j.Status)
	}
	if j.AttemptCount != f.ExpectedAttempts {
		return nil, fmt.Errorf("%w: job %s attempt count changed", ErrConflict, id)
	}
	if f.StaleBefore != nil && !j.UpdatedAt.Before(*f.StaleBefore) {
		return nil, fmt.Errorf("%w: job %s updated since cutoff", ErrConflict, id)
	}
	j.Status = models.JobStatusFailed
	j.AttemptCount = f.ExpectedAttempts + 1
	j.LastError = f.Entry.Message
	j.ErrorHistory = append(j.ErrorHistory, f.Entry)
	j.NextRetryAt = cloneTime(f.NextRetryAt)
	j.UpdatedAt = f.Now
	return cloneJob(j), nil
}

func (s *memStore) Cancel(_ context.Context, id string, now time.Time) (*models.EncodingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	if j.Status.IsTerminal() || j.Exhausted() {
		return nil, ConflictError(id, j.Status)
	}
	j.Status = models.JobStatusCancelled
	j.NextRetryAt = nil
	j.UpdatedAt = now
	return cloneJob(j), nil
}

func (s *memStore) MarkAlertSent(_ context.Context, id string, now time.Time) (*models.EncodingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	if j.Status.IsTerminal() {
		return nil, ConflictError(id, j.Status)
	}
	j.AlertSent = true
	j.UpdatedAt = now
	return cloneJob(j), nil
}

func (s *memStore) Requeue(_ context.Context, id string, now time.Time) (*models.EncodingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	if !retryReady(j, now) {
		return nil, ConflictError(id, j.Status)
	}
	j.Status = models.JobStatusQueued
	j.Progress = 0
	j.NextRetryAt = nil
	j.WorkerID = ""
	j.AlertSent = false
	j.UpdatedAt = now
	return cloneJob(j), nil
}

func retryReady(j *models.EncodingJob, now time.Time) bool {
	return j.Status == models.JobStatusFailed && j.NextRetryAt != nil &&
		!j.NextRetryAt.After(now) && j.AttemptCount < j.MaxAttempts
}

func (s *memStore) filter(keep func(*models.EncodingJob) bool) []*models.EncodingJob {
	var out []*models.EncodingJob
	for _, j := range s.jobs {
		if keep(j) {
			out = append(out, cloneJob(j))
		}
	}
	return out
}

func (s *memStore) sortOldestFirst(jobs []*models.EncodingJob) {
	sort.Slice(jobs, func(a, b int) bool {
		if !jobs[a].CreatedAt.Equal(jobs[b].CreatedAt) {
			return jobs[a].CreatedAt.Before(jobs[b].CreatedAt)
		}
		return s.seq[jobs[a].ID] < s.seq[jobs[b].ID]
	})
}

func (s *memStore) sortNewestFirst(jobs []*models.EncodingJob) {
	sort.Slice(jobs, func(a, b int) bool {
		if !jobs[a].CreatedAt.Equal(jobs[b].CreatedAt) {
			return jobs[a].CreatedAt.After(jobs[b].CreatedAt)
		}
		return s.seq[jobs[a].ID] > s.seq[jobs[b].ID]
	})
}

func limitJobs(jobs []*models.EncodingJob, limit int) []*models.EncodingJob {
	if limit > 0 && len(jobs) > limit {
		return jobs[:limit]
	}
	return jobs
}

func (s *memStore) ListByStatus(_ context.Context, status models.JobStatus, limit int) ([]*models.EncodingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	jobs := s.filter(func(j *models.EncodingJob) bool { return j.Status == status })
	s.sortNewestFirst(jobs)
	return limitJobs(jobs, limit), nil
}

func (s *memStore) ActiveForVideo(_ context.Context, videoID string) (*models.EncodingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	jobs := s.filter(func(j *models.EncodingJob) bool {
		return j.VideoID == videoID && !j.Status.IsTerminal()
	})
	if len(jobs) == 0 {
		return nil, fmt.Errorf("%w: no active job for video %s", ErrNotFound, videoID)
	}
	s.sortNewestFirst(jobs)
	return jobs[0], nil
}

func (s *memStore) ReadyForRetry(_ context.Context, now time.Time, limit int) ([]*models.EncodingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	jobs := s.filter(func(j *models.EncodingJob) bool { return retryReady(j, now) })
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].NextRetryAt.Before(*jobs[b].NextRetryAt) })
	return limitJobs(jobs, limit), nil
}

func (s *memStore) Stale(_ context.Context, cutoff time.Time, limit int) ([]*models.EncodingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	jobs := s.filter(func(j *models.EncodingJob) bool {
		return j.Status == models.JobStatusProcessing && j.UpdatedAt.Before(cutoff)
	})
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].UpdatedAt.Before(jobs[b].UpdatedAt) })
	return limitJobs(jobs, limit), nil
}

func (s *memStore) AlertPending(_ context.Context, limit int) ([]*models.EncodingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	jobs := s.filter(func(j *models.EncodingJob) bool { return j.Exhausted() && !j.AlertSent })
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].UpdatedAt.Before(jobs[b].UpdatedAt) })
	return limitJobs(jobs, limit), nil
}

func (s *memStore) Stats(_ context.Context, staleCutoff time.Time) (*models.JobStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	stats := &models.JobStats{ByStatus: make(map[models.JobStatus]int64)}
	for _, st := range models.AllJobStatuses {
		stats.ByStatus[st] = 0
	}
	for _, j := range s.jobs {
		stats.ByStatus[j.Status]++
		stats.Total++
		if j.RetryPending() {
			stats.RetryPending++
		}
		if j.Exhausted() {
			stats.Exhausted++
			if !j.AlertSent {
				stats.AlertPending++
			}
		}
		if j.Status == models.JobStatusProcessing && j.UpdatedAt.Before(staleCutoff) {
			stats.Stale++
		}
	}
	return stats, nil
}
