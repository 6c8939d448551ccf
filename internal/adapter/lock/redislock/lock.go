// Package redislock implements the per-platform distributed mutex.
//
// One key per platform holds the owner token with a TTL:
//
//	lock:platform:<platform>   owner token, TTL-bound
//	lock:running:<platform>    observational mirror of the active job id
//
// Release and Heartbeat are check-and-act Lua scripts keyed on the holder
// token so a worker that lost its lock after a TTL expiry cannot release or
// extend a re-acquirer's lock.
package redislock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/commercewatch/prodscan/internal/domain"
)

const (
	lockKeyPrefix    = "lock:platform:"
	runningKeyPrefix = "lock:running:"
)

// releaseScript deletes the lock only when the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// heartbeatScript extends the TTL only when the caller still owns the lock.
var heartbeatScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Lock implements domain.PlatformLock on top of go-redis.
type Lock struct {
	rdb *redis.Client
}

// New constructs a Lock.
func New(rdb *redis.Client) *Lock {
	return &Lock{rdb: rdb}
}

func lockKey(p domain.Platform) string    { return lockKeyPrefix + string(p) }
func runningKey(p domain.Platform) string { return runningKeyPrefix + string(p) }

// Acquire performs a set-if-absent with TTL and reports whether the caller
// now holds the lock.
func (l *Lock) Acquire(ctx context.Context, p domain.Platform, holder string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	ok, err := l.rdb.SetNX(ctx, lockKey(p), holder, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("op=lock.acquire: %w: %v", domain.ErrQueueUnavailable, err)
	}
	return ok, nil
}

// Release deletes the lock only if the value equals holder. Releasing a
// lock held by someone else (or nobody) is a no-op.
func (l *Lock) Release(ctx context.Context, p domain.Platform, holder string) error {
	if err := releaseScript.Run(ctx, l.rdb, []string{lockKey(p)}, holder).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("op=lock.release: %w: %v", domain.ErrQueueUnavailable, err)
	}
	return nil
}

// Heartbeat extends the TTL while the holder is still the owner. Returns
// ErrLockLost when the lock expired or was taken over.
func (l *Lock) Heartbeat(ctx context.Context, p domain.Platform, holder string, ttl time.Duration) error {
	n, err := heartbeatScript.Run(ctx, l.rdb, []string{lockKey(p)}, holder, ttl.Milliseconds()).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("op=lock.heartbeat: %w: %v", domain.ErrQueueUnavailable, err)
	}
	if n == 0 {
		return fmt.Errorf("op=lock.heartbeat: %w: platform %s", domain.ErrLockLost, p)
	}
	return nil
}

// SetRunningJob maintains the observational mirror of the active job.
func (l *Lock) SetRunningJob(ctx context.Context, p domain.Platform, jobID string, ttl time.Duration) error {
	if err := l.rdb.Set(ctx, runningKey(p), jobID, ttl).Err(); err != nil {
		return fmt.Errorf("op=lock.set_running: %w: %v", domain.ErrQueueUnavailable, err)
	}
	return nil
}

// ClearRunningJob removes the mirror key.
func (l *Lock) ClearRunningJob(ctx context.Context, p domain.Platform) error {
	if err := l.rdb.Del(ctx, runningKey(p)).Err(); err != nil {
		return fmt.Errorf("op=lock.clear_running: %w: %v", domain.ErrQueueUnavailable, err)
	}
	return nil
}

// RunningJob reads the mirror key; empty string when no job is running.
func (l *Lock) RunningJob(ctx context.Context, p domain.Platform) (string, error) {
	id, err := l.rdb.Get(ctx, runningKey(p)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("op=lock.running_job: %w: %v", domain.ErrQueueUnavailable, err)
	}
	return id, nil
}
