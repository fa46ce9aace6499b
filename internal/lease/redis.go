package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "promptlab:lease:"

// acquireScript sets the lease when free or extends it for the same token.
var acquireScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
	return 1
end
if v == ARGV[1] then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
	return 1
end
return 0
`)

// renewScript extends the lease only for its holder.
var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
	return 1
end
return 0
`)

// releaseScript deletes the lease only for its holder.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisManager stores leases in Redis so every worker sees the same holder.
type RedisManager struct {
	client *redis.Client
}

// NewRedisManager creates a manager over client.
func NewRedisManager(client *redis.Client) *RedisManager {
	return &RedisManager{client: client}
}

func (r *RedisManager) Acquire(ctx context.Context, key, token string, ttl time.Duration) error {
	ok, err := acquireScript.Run(ctx, r.client, []string{keyPrefix + key}, token, ttlOrDefault(ttl).Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("lease acquire %s: %w", key, err)
	}
	if ok == 0 {
		return ErrHeld
	}
	return nil
}

func (r *RedisManager) Renew(ctx context.Context, key, token string, ttl time.Duration) error {
	ok, err := renewScript.Run(ctx, r.client, []string{keyPrefix + key}, token, ttlOrDefault(ttl).Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("lease renew %s: %w", key, err)
	}
	if ok == 0 {
		return ErrNotHeld
	}
	return nil
}

func (r *RedisManager) Check(ctx context.Context, key, token string) error {
	v, err := r.client.Get(ctx, keyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return ErrNotHeld
	}
	if err != nil {
		return fmt.Errorf("lease check %s: %w", key, err)
	}
	if v != token {
		return ErrNotHeld
	}
	return nil
}

func (r *RedisManager) Release(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, r.client, []string{keyPrefix + key}, token).Err(); err != nil {
		return fmt.Errorf("lease release %s: %w", key, err)
	}
	return nil
}
