package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/therealutkarshpriyadarshi/encodejobs/pkg/models"
)

func setupTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}

	cache, err := NewCache(mr.Host(), mr.Server().Addr().Port, "", 0)
	if err != nil {
		mr.Close()
		t.Fatalf("Failed to create cache: %v", err)
	}

	return cache, mr
}

func TestNewCache(t *testing.T) {
	cache, mr := setupTestCache(t)
	defer mr.Close()
	defer cache.Close()

	if err := cache.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestNewCache_Unreachable(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	host, port := mr.Host(), mr.Server().Addr().Port
	mr.Close()

	if _, err := NewCache(host, port, "", 0); err == nil {
		t.Error("Expected connection error")
	}
}

func TestCache_JobOperations(t *testing.T) {
	cache, mr := setupTestCache(t)
	defer mr.Close()
	defer cache.Close()

	ctx := context.Background()
	retryAt := time.Date(2024, 3, 1, 10, 5, 0, 0, time.UTC)

	job := &models.EncodingJob{
		ID:           "job-1",
		VideoID:      "video-1",
		Status:       models.JobStatusFailed,
		AttemptCount: 1,
		MaxAttempts:  3,
		NextRetryAt:  &retryAt,
		ErrorHistory: models.ErrorHistory{{Attempt: 1, Code: "CODEC_ERR", Message: "decode error"}},
		Renditions:   models.Renditions{{Name: "720p", URL: "s3://out/720p.m3u8"}},
	}

	if err := cache.SetJob(ctx, job, 5*time.Minute); err != nil {
		t.Fatalf("SetJob failed: %v", err)
	}

	if !mr.Exists("job:job-1") {
		t.Fatal("Expected job:job-1 key")
	}
	if ttl := mr.TTL("job:job-1"); ttl != 5*time.Minute {
		t.Errorf("Expected TTL 5m, got %v", ttl)
	}

	retrieved, err := cache.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if retrieved == nil {
		t.Fatal("Retrieved job should not be nil")
	}
	if retrieved.Status != models.JobStatusFailed {
		t.Errorf("Expected status failed, got %s", retrieved.Status)
	}
	if retrieved.NextRetryAt == nil || !retrieved.NextRetryAt.Equal(retryAt) {
		t.Errorf("Expected next retry %v, got %v", retryAt, retrieved.NextRetryAt)
	}
	if len(retrieved.ErrorHistory) != 1 || retrieved.ErrorHistory[0].Code != "CODEC_ERR" {
		t.Errorf("Unexpected error history: %+v", retrieved.ErrorHistory)
	}

	if err := cache.DeleteJob(ctx, job.ID); err != nil {
		t.Fatalf("DeleteJob failed: %v", err)
	}

	retrieved, err = cache.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob after delete failed: %v", err)
	}
	if retrieved != nil {
		t.Error("Expected cache miss after delete")
	}
}

func TestCache_JobExpires(t *testing.T) {
	cache, mr := setupTestCache(t)
	defer mr.Close()
	defer cache.Close()

	ctx := context.Background()
	if err := cache.SetJob(ctx, &models.EncodingJob{ID: "job-2"}, time.Second); err != nil {
		t.Fatalf("SetJob failed: %v", err)
	}

	mr.FastForward(2 * time.Second)

	job, err := cache.GetJob(ctx, "job-2")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job != nil {
		t.Error("Expected expired job to be a miss")
	}
}

func TestCache_GetJobCorrupt(t *testing.T) {
	cache, mr := setupTestCache(t)
	defer mr.Close()
	defer cache.Close()

	if err := mr.Set("job:bad", "{not json"); err != nil {
		t.Fatalf("Failed to seed key: %v", err)
	}

	if _, err := cache.GetJob(context.Background(), "bad"); err == nil {
		t.Error("Expected unmarshal error")
	}
}

func TestCache_Locking(t *testing.T) {
	cache, mr := setupTestCache(t)
	defer mr.Close()
	defer cache.Close()

	ctx := context.Background()
	resource := "sweep:retry"

	lock, err := cache.AcquireLock(ctx, resource, time.Minute)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	if lock == nil {
		t.Fatal("First lock acquisition should succeed")
	}

	second, err := cache.AcquireLock(ctx, resource, time.Minute)
	if err != nil {
		t.Fatalf("Second AcquireLock failed: %v", err)
	}
	if second != nil {
		t.Error("Second lock acquisition should fail")
	}

	if err := lock.Release(ctx); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	lock, err = cache.AcquireLock(ctx, resource, time.Minute)
	if err != nil {
		t.Fatalf("AcquireLock after release failed: %v", err)
	}
	if lock == nil {
		t.Error("Lock acquisition after release should succeed")
	}
}

func TestCache_ReleaseExpiredLock(t *testing.T) {
	cache, mr := setupTestCache(t)
	defer mr.Close()
	defer cache.Close()

	ctx := context.Background()

	stale, err := cache.AcquireLock(ctx, "sweep:alert", time.Second)
	if err != nil || stale == nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}

	mr.FastForward(2 * time.Second)

	current, err := cache.AcquireLock(ctx, "sweep:alert", time.Minute)
	if err != nil || current == nil {
		t.Fatalf("AcquireLock after expiry failed: %v", err)
	}

	// the expired holder must not free the new holder's lock
	if err := stale.Release(ctx); !errors.Is(err, ErrLockNotHeld) {
		t.Errorf("Expected ErrLockNotHeld, got %v", err)
	}
	if !mr.Exists("lock:sweep:alert") {
		t.Error("Current holder's lock was removed")
	}
}

func TestCache_TryLock(t *testing.T) {
	cache, mr := setupTestCache(t)
	defer mr.Close()
	defer cache.Close()

	ctx := context.Background()

	release, ok, err := cache.TryLock(ctx, "sweep:watchdog", time.Minute)
	if err != nil || !ok {
		t.Fatalf("TryLock failed: ok=%v err=%v", ok, err)
	}

	if _, ok, _ := cache.TryLock(ctx, "sweep:watchdog", time.Minute); ok {
		t.Error("Expected lock to be held")
	}

	if err := release(ctx); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if _, ok, _ := cache.TryLock(ctx, "sweep:watchdog", time.Minute); !ok {
		t.Error("Expected lock to be free after release")
	}
}

func TestCache_InvalidateJobFencesStaleSnapshots(t *testing.T) {
	cache, mr := setupTestCache(t)
	defer mr.Close()
	defer cache.Close()

	ctx := context.Background()
	readAt := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	stale := &models.EncodingJob{ID: "job-3", Status: models.JobStatusQueued, UpdatedAt: readAt}
	cancelled := &models.EncodingJob{ID: "job-3", Status: models.JobStatusCancelled, UpdatedAt: readAt.Add(time.Second)}

	if err := cache.InvalidateJob(ctx, cancelled, time.Minute); err != nil {
		t.Fatalf("InvalidateJob failed: %v", err)
	}
	if !mr.Exists("job:job-3:invalidated") {
		t.Fatal("Expected invalidation marker")
	}

	if err := cache.SetJob(ctx, stale, time.Minute); err != nil {
		t.Fatalf("SetJob failed: %v", err)
	}
	if got, _ := cache.GetJob(ctx, "job-3"); got != nil {
		t.Errorf("Snapshot older than the invalidation was cached: %s", got.Status)
	}

	if err := cache.SetJob(ctx, cancelled, time.Minute); err != nil {
		t.Fatalf("SetJob failed: %v", err)
	}
	got, err := cache.GetJob(ctx, "job-3")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got == nil || got.Status != models.JobStatusCancelled {
		t.Errorf("Expected current snapshot to be cached, got %+v", got)
	}
}

func TestCache_InvalidateJobWithoutTTL(t *testing.T) {
	cache, mr := setupTestCache(t)
	defer mr.Close()
	defer cache.Close()

	ctx := context.Background()
	job := &models.EncodingJob{ID: "job-4", UpdatedAt: time.Now()}
	if err := cache.SetJob(ctx, job, time.Minute); err != nil {
		t.Fatalf("SetJob failed: %v", err)
	}

	if err := cache.InvalidateJob(ctx, job, 0); err != nil {
		t.Fatalf("InvalidateJob failed: %v", err)
	}
	if mr.Exists("job:job-4") || mr.Exists("job:job-4:invalidated") {
		t.Error("Expected snapshot removed and no marker left behind")
	}
}

func BenchmarkCache_SetJob(b *testing.B) {
	mr, err := miniredis.Run()
	if err != nil {
		b.Fatalf("Failed to start miniredis: %v", err)
	}
	defer mr.Close()

	cache, err := NewCache(mr.Host(), mr.Server().Addr().Port, "", 0)
	if err != nil {
		b.Fatalf("Failed to create cache: %v", err)
	}
	defer cache.Close()

	ctx := context.Background()
	job := &models.EncodingJob{ID: "bench", VideoID: "video", Status: models.JobStatusQueued}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = cache.SetJob(ctx, job, time.Minute)
	}
}
