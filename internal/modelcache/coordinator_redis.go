package modelcache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCoordinator backs Coordinator with a Redis SET NX lock keyed by the
// model directory. Purely additive: Store defaults to the in-memory
// coordinator, and this one is only wired in when a caller opts in via
// WithCoordinator. The lock never makes another process wait (see TryLock),
// so processes sharing one cache root can still download the same files
// concurrently.
type RedisCoordinator struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCoordinator builds a RedisCoordinator against an already-configured
// client. ttl bounds how long a lock is held if a process crashes mid-download.
func NewRedisCoordinator(client *redis.Client, ttl time.Duration) *RedisCoordinator {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &RedisCoordinator{client: client, ttl: ttl}
}

// TryLock takes a SET NX EX lock keyed by the model directory path when it
// is free. When another process already holds it, TryLock does not wait: it
// lets the caller proceed at once with a no-op release, so a crashed holder
// can't wedge resolve; the cost is a possible redundant download. A Redis
// error likewise lets the caller proceed without the lock.
func (c *RedisCoordinator) TryLock(ctx context.Context, key string) (bool, func(), error) {
	lockKey := "ailoy:modelcache:lock:" + key
	ok, err := c.client.SetNX(ctx, lockKey, 1, c.ttl).Result()
	if err != nil {
		return false, func() {}, nil
	}
	if !ok {
		// Another process holds the lock; proceed at once rather than wait
		// on a node that may never release it.
		return true, func() {}, nil
	}
	release := func() {
		_ = c.client.Del(context.Background(), lockKey).Err()
	}
	return true, release, nil
}
