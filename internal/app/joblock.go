/**
 * @description
 * Redis-backed leader lock for scheduled jobs. Deployments running more than
 * one process use it so that each job executes as a single logical instance
 * per trigger. The lock is advisory: a process that fails to acquire it
 * skips the run, and the last_reset_date / payout-claim guards keep even a
 * duplicate run harmless.
 *
 * Acquisition is SET NX with a TTL; release is a Lua compare-and-delete so a
 * holder whose lock already expired cannot delete a successor's lock.
 *
 * @dependencies
 * - github.com/redis/go-redis/v9: The Redis client library.
 */

package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

// JobLocker guards scheduled job runs. Acquire returns ok=false when another
// process holds the lock for the named job; the returned release function is
// always safe to call.
type JobLocker interface {
	Acquire(ctx context.Context, job string) (release func(), ok bool, err error)
}

// RedisJobLock implements JobLocker on Redis.
type RedisJobLock struct {
	client redis.UniversalClient
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisJobLock creates a job lock with the given TTL. The TTL bounds how
// long a crashed holder can block the next run.
func NewRedisJobLock(client redis.UniversalClient, ttl time.Duration, logger *slog.Logger) *RedisJobLock {
	return &RedisJobLock{client: client, ttl: ttl, logger: logger}
}

func (l *RedisJobLock) Acquire(ctx context.Context, job string) (func(), bool, error) {
	key := "credit_service:job_lock:" + job
	holder := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, holder, l.ttl).Result()
	if err != nil {
		return func() {}, false, err
	}
	if !ok {
		return func() {}, false, nil
	}

	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, l.client, []string{key}, holder).Err(); err != nil {
			l.logger.Warn("job lock release failed", "job", job, "error", err)
		}
	}
	return release, true, nil
}

// NoopJobLock always grants the lock. Used for single-process deployments
// where no Redis is configured.
type NoopJobLock struct{}

func (NoopJobLock) Acquire(ctx context.Context, job string) (func(), bool, error) {
	return func() {}, true, nil
}
