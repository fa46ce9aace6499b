//go:build integration

package progress

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-promptlab/internal/domain"
)

func TestRedisBroker(t *testing.T) {
	addr := os.Getenv("PROMPTLAB_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("PROMPTLAB_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(t, client.Ping(context.Background()).Err())
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	b := NewRedisBroker(client, nil)
	id := uuid.NewString()
	ch, cancel, err := b.Subscribe(ctx, id)
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, b.Append(ctx, envelope(t, domain.EventIterationFailed, id, map[string]string{"error": "boom"})))
	select {
	case e := <-ch:
		assert.Equal(t, domain.EventIterationFailed, e.Type)
		assert.True(t, Terminal(e))
		assert.JSONEq(t, `{"error":"boom"}`, string(e.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
}
