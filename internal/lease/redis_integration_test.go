//go:build integration

package lease

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisManager_Contract(t *testing.T) {
	addr := os.Getenv("PROMPTLAB_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("PROMPTLAB_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(t, client.Ping(context.Background()).Err())
	t.Cleanup(func() { _ = client.Close() })

	m := NewRedisManager(client)
	contract(t, m, IterationKey(uuid.NewString()))

	key := IterationKey(uuid.NewString())
	require.NoError(t, m.Acquire(context.Background(), key, "a", 50*time.Millisecond))
	assert.Eventually(t, func() bool {
		return m.Check(context.Background(), key, "a") != nil
	}, time.Second, 20*time.Millisecond)
}
