//go:build integration

package cache

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-promptlab/internal/llm/transport"
)

// redisClient connects to PROMPTLAB_TEST_REDIS_ADDR, skipping when unset.
func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("PROMPTLAB_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("PROMPTLAB_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(t, client.Ping(context.Background()).Err())
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisStore_RoundTripAndCorruption(t *testing.T) {
	client := redisClient(t)
	ctx := context.Background()
	store := NewRedisStore(client, "test:"+uuid.NewString()+":")

	require.NoError(t, store.Set(ctx, "k", Entry{Text: "hi", Model: "m"}, time.Minute))
	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "hi", got.Text)

	require.NoError(t, client.Set(ctx, store.key("bad"), "not-json", time.Minute).Err())
	status, e, err := store.getOrLease(ctx, "bad", time.Second)
	require.NoError(t, err)
	assert.Equal(t, leaseAcquired, status)
	assert.Nil(t, e)
	assert.Equal(t, int64(0), client.Exists(ctx, store.key("bad")).Val())
	require.NoError(t, store.releaseLease(ctx, "bad"))
}

func TestRedisStore_ConcurrentFillCallsBackendOnce(t *testing.T) {
	client := redisClient(t)
	store := NewRedisStore(client, "test:"+uuid.NewString()+":")
	c := New(store, DefaultConfig())

	var calls atomic.Int64
	slow := transport.HandlerFunc(func(_ context.Context, req *transport.Request) (*transport.Response, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return &transport.Response{Text: "filled", Model: req.Model}, nil
	})
	h := transport.Chain(slow, c.Middleware())

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := h.Handle(context.Background(), chatRequest("openai", "same"))
			assert.NoError(t, err)
			assert.Equal(t, "filled", resp.Text)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), calls.Load())
}
