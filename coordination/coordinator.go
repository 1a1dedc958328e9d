// Package coordination provides the distributed lock/lease primitives
// the Watcher's leader election needs to run exactly one active sweep
// loop across a replicated deployment (spec.md §4.5). Grounded on
// control_plane/store/coordinator.go's interface and
// control_plane/store/redis.go's SETNX/Lua-script lock implementation.
package coordination

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ridgeline/triagecore/observability"
)

// Coordinator is the distributed lock/lease primitive the Watcher's
// leader election is built on.
type Coordinator interface {
	GetLockOwner(ctx context.Context, key string) (string, error)
	AcquireLease(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	RenewLease(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, key, value string) error
	ScanLocks(ctx context.Context, pattern string) ([]string, error)
}

// RedisCoordinator implements Coordinator against Redis using
// SET NX EX for acquisition and owner-checked Lua scripts for renew and
// release, so a lease can never be stolen or dropped by a non-owner.
type RedisCoordinator struct {
	client *redis.Client
}

func NewRedisCoordinator(client *redis.Client) *RedisCoordinator {
	return &RedisCoordinator{client: client}
}

func (c *RedisCoordinator) observe(start time.Time) {
	observability.RedisLatency.Observe(time.Since(start).Seconds())
}

func (c *RedisCoordinator) GetLockOwner(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}

func (c *RedisCoordinator) AcquireLease(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	start := time.Now()
	defer c.observe(start)
	return c.client.SetNX(ctx, key, value, ttl).Result()
}

const renewScript = `
local val = redis.call("get", KEYS[1])
if not val then
	return -1
end
if val == ARGV[1] then
	return redis.call("pexpire", KEYS[1], tonumber(ARGV[2]))
else
	return -2
end
`

func (c *RedisCoordinator) RenewLease(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	start := time.Now()
	defer c.observe(start)

	res, err := c.client.Eval(ctx, renewScript, []string{key}, value, int64(ttl/time.Millisecond)).Result()
	if err != nil {
		return false, err
	}
	n, ok := res.(int64)
	if !ok {
		return false, errors.New("coordination: unexpected renew script result type")
	}
	return n == 1, nil
}

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

func (c *RedisCoordinator) ReleaseLease(ctx context.Context, key, value string) error {
	start := time.Now()
	defer c.observe(start)
	_, err := c.client.Eval(ctx, releaseScript, []string{key}, value).Result()
	return err
}

func (c *RedisCoordinator) ScanLocks(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := c.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}
