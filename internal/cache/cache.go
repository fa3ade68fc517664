package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/therealutkarshpriyadarshi/encodejobs/pkg/models"
)

// releaseScript deletes a lock only while it still holds our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// fillScript caches a job snapshot unless an invalidation newer than the
// snapshot has been recorded for it
var fillScript = redis.NewScript(`
local marker = redis.call("GET", KEYS[2])
if marker and tonumber(marker) > tonumber(ARGV[2]) then
	return 0
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[3])
return 1
`)

// ErrLockNotHeld is returned when releasing a lock that expired or was taken over
var ErrLockNotHeld = errors.New("lock not held")

// Cache provides caching functionality using Redis
type Cache struct {
	client *redis.Client
}

// NewCache creates a new cache instance
func NewCache(host string, port int, password string, db int) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Cache{client: client}, nil
}

// Close closes the Redis connection
func (c *Cache) Close() error {
	return c.client.Close()
}

func jobKey(jobID string) string {
	return fmt.Sprintf("job:%s", jobID)
}

func invalidatedKey(jobID string) string {
	return fmt.Sprintf("job:%s:invalidated", jobID)
}

// Job Cache Operations

// SetJob caches a job snapshot read from the store. The write is skipped
// when InvalidateJob has since recorded a newer version of the row, so a
// slow reader cannot put back a snapshot a mutation already replaced.
func (c *Cache) SetJob(ctx context.Context, job *models.EncodingJob, ttl time.Duration) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	keys := []string{jobKey(job.ID), invalidatedKey(job.ID)}
	if err := fillScript.Run(ctx, c.client, keys, data, job.UpdatedAt.UnixMicro(), ttl.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("failed to cache job: %w", err)
	}
	return nil
}

// GetJob retrieves a job snapshot. A miss returns nil, nil.
func (c *Cache) GetJob(ctx context.Context, jobID string) (*models.EncodingJob, error) {
	data, err := c.client.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil // Cache miss
		}
		return nil, fmt.Errorf("failed to get job from cache: %w", err)
	}

	var job models.EncodingJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	return &job, nil
}

// DeleteJob removes job from cache
func (c *Cache) DeleteJob(ctx context.Context, jobID string) error {
	return c.client.Del(ctx, jobKey(jobID)).Err()
}

// InvalidateJob drops the cached snapshot of a job that was just mutated and
// remembers the mutated row's version for ttl, fencing out older snapshots.
func (c *Cache) InvalidateJob(ctx context.Context, job *models.EncodingJob, ttl time.Duration) error {
	if ttl <= 0 {
		return c.DeleteJob(ctx, job.ID)
	}

	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, jobKey(job.ID))
		pipe.Set(ctx, invalidatedKey(job.ID), job.UpdatedAt.UnixMicro(), ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to invalidate job: %w", err)
	}
	return nil
}

// Locking Operations for Distributed Systems

// Lock is a held distributed lock
type Lock struct {
	client *redis.Client
	key    string
	token  string
}

// AcquireLock attempts to acquire a distributed lock. It returns nil, nil
// when another holder has it.
func (c *Cache) AcquireLock(ctx context.Context, resource string, ttl time.Duration) (*Lock, error) {
	key := fmt.Sprintf("lock:%s", resource)
	token := uuid.New().String()

	ok, err := c.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", resource, err)
	}
	if !ok {
		return nil, nil
	}

	return &Lock{client: c.client, key: key, token: token}, nil
}

// Release frees the lock if it is still ours
func (l *Lock) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// TryLock adapts AcquireLock to the sweeper's locker contract
func (c *Cache) TryLock(ctx context.Context, resource string, ttl time.Duration) (func(context.Context) error, bool, error) {
	lock, err := c.AcquireLock(ctx, resource, ttl)
	if err != nil || lock == nil {
		return nil, false, err
	}
	return lock.Release, true, nil
}

// Ping checks the connection
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
