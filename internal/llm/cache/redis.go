package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// hitOrLease atomically returns a cached value or takes a short fill lease so
// concurrent identical requests do not all reach the provider. Corrupt
// values are deleted and treated as misses.
//
// KEYS[1] = cache key
// KEYS[2] = lease key
// ARGV[1] = lease TTL in milliseconds
//
// Returns {1, value} on hit, {2, nil} when the lease was acquired, and
// {0, nil} when another caller holds the lease.
var hitOrLease = redis.NewScript(`
	local cached = redis.call('GET', KEYS[1])
	if cached then
		if string.len(cached) >= 2 and string.sub(cached, 1, 1) == '{' then
			return {1, cached}
		end
		redis.call('DEL', KEYS[1])
	end
	local leased = redis.call('SET', KEYS[2], '1', 'NX', 'PX', ARGV[1])
	if leased then return {2, false} end
	return {0, false}
`)

type leaseStatus int

const (
	leaseBusy     leaseStatus = 0
	leaseHit      leaseStatus = 1
	leaseAcquired leaseStatus = 2
)

// RedisStore keeps entries in Redis as JSON with a native expiry.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps client. Keys are namespaced with prefix.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) key(k string) string { return r.prefix + k }

// Get fetches and decodes the entry for key. Undecodable values are removed
// and reported as misses.
func (r *RedisStore) Get(ctx context.Context, key string) (*Entry, error) {
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		_ = r.client.Del(ctx, r.key(key)).Err()
		return nil, nil
	}
	return &e, nil
}

// Set stores e with ttl.
func (r *RedisStore) Set(ctx context.Context, key string, e Entry, ttl time.Duration) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	if err := r.client.Set(ctx, r.key(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// getOrLease implements the leasing fast path used by the middleware.
func (r *RedisStore) getOrLease(ctx context.Context, key string, leaseTTL time.Duration) (leaseStatus, *Entry, error) {
	res, err := hitOrLease.Run(ctx, r.client, []string{r.key(key), r.leaseKey(key)}, leaseTTL.Milliseconds()).Slice()
	if err != nil {
		return leaseBusy, nil, fmt.Errorf("hit-or-lease script: %w", err)
	}
	if len(res) != 2 {
		return leaseBusy, nil, fmt.Errorf("unexpected script result %v", res)
	}
	code, ok := res[0].(int64)
	if !ok {
		return leaseBusy, nil, fmt.Errorf("invalid status %T in script result", res[0])
	}

	switch leaseStatus(code) {
	case leaseHit:
		raw, ok := res[1].(string)
		if !ok {
			return leaseBusy, nil, fmt.Errorf("invalid cached data type %T", res[1])
		}
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return leaseBusy, nil, fmt.Errorf("cache entry unmarshal failed: %w", err)
		}
		return leaseHit, &e, nil
	case leaseAcquired:
		return leaseAcquired, nil, nil
	default:
		return leaseBusy, nil, nil
	}
}

func (r *RedisStore) releaseLease(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.leaseKey(key)).Err()
}

func (r *RedisStore) leaseKey(key string) string { return r.prefix + key + ":lease" }

// Stats exposes the client's connection pool counters.
func (r *RedisStore) Stats() *redis.PoolStats { return r.client.PoolStats() }
