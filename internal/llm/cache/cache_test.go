package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	llmerrors "github.com/ahrav/go-promptlab/internal/llm/errors"
	"github.com/ahrav/go-promptlab/internal/llm/transport"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func countingBackend(calls *atomic.Int64, text string) transport.Handler {
	return transport.HandlerFunc(func(_ context.Context, req *transport.Request) (*transport.Response, error) {
		calls.Add(1)
		return &transport.Response{
			Text:  text,
			Model: req.Model,
			Usage: transport.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15, LatencyMs: 120},
		}, nil
	})
}

func chatRequest(provider, content string) *transport.Request {
	return &transport.Request{
		Provider: provider,
		Model:    "model-a",
		Messages: []transport.Message{{Role: transport.RoleUser, Content: content}},
		Params:   map[string]any{"temperature": 0},
	}
}

func TestCache_HitAfterMiss(t *testing.T) {
	var calls atomic.Int64
	c := New(NewMemoryStore(), DefaultConfig())
	h := transport.Chain(countingBackend(&calls, "answer"), c.Middleware())
	ctx := context.Background()

	first, err := h.Handle(ctx, chatRequest("openai", "hello"))
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := h.Handle(ctx, chatRequest("openai", "hello"))
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, "answer", second.Text)
	assert.Equal(t, int64(15), second.Usage.TotalTokens, "original usage is retained")
	assert.Zero(t, second.Usage.LatencyMs)

	assert.Equal(t, int64(1), calls.Load())
	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 0.5, stats.HitRate, 1e-9)
}

func TestCache_NoNormalization(t *testing.T) {
	var calls atomic.Int64
	c := New(NewMemoryStore(), DefaultConfig())
	h := transport.Chain(countingBackend(&calls, "x"), c.Middleware())
	ctx := context.Background()

	for _, content := range []string{"hello", "hello ", "Hello"} {
		resp, err := h.Handle(ctx, chatRequest("openai", content))
		require.NoError(t, err)
		assert.False(t, resp.Cached, "%q must not hit", content)
	}
	assert.Equal(t, int64(3), calls.Load())
}

func TestCache_TTLByProvider(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := NewMemoryStore()
	store.now = clock.Now

	var calls atomic.Int64
	c := New(store, DefaultConfig())
	c.now = clock.Now
	h := transport.Chain(countingBackend(&calls, "x"), c.Middleware())
	ctx := context.Background()

	assert.Equal(t, DefaultRemoteTTL, c.TTL("openai"))
	assert.Equal(t, DefaultLocalTTL, c.TTL("ollama"))

	_, err := h.Handle(ctx, chatRequest("ollama", "q"))
	require.NoError(t, err)
	_, err = h.Handle(ctx, chatRequest("openai", "q"))
	require.NoError(t, err)

	clock.Advance(6 * time.Minute)

	local, err := h.Handle(ctx, chatRequest("ollama", "q"))
	require.NoError(t, err)
	assert.False(t, local.Cached, "local entries expire after five minutes")

	remote, err := h.Handle(ctx, chatRequest("openai", "q"))
	require.NoError(t, err)
	assert.True(t, remote.Cached)

	clock.Advance(time.Hour)
	assert.Equal(t, 2, store.Purge())
	assert.Zero(t, store.Len())
}

func TestCache_ErrorsAreNotCached(t *testing.T) {
	var calls atomic.Int64
	failing := transport.HandlerFunc(func(context.Context, *transport.Request) (*transport.Response, error) {
		calls.Add(1)
		return nil, llmerrors.FromStatus("openai", 500, "", "boom", nil)
	})
	c := New(NewMemoryStore(), DefaultConfig())
	h := transport.Chain(failing, c.Middleware())

	for range 2 {
		_, err := h.Handle(context.Background(), chatRequest("openai", "q"))
		require.Error(t, err)
	}
	assert.Equal(t, int64(2), calls.Load())
}

type brokenStore struct{}

func (brokenStore) Get(context.Context, string) (*Entry, error) { return nil, errors.New("down") }
func (brokenStore) Set(context.Context, string, Entry, time.Duration) error {
	return errors.New("down")
}

func TestCache_StoreFailureDegrades(t *testing.T) {
	var calls atomic.Int64
	c := New(brokenStore{}, DefaultConfig())
	h := transport.Chain(countingBackend(&calls, "ok"), c.Middleware())

	resp, err := h.Handle(context.Background(), chatRequest("openai", "q"))
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
	assert.Equal(t, int64(2), c.Stats().Errors)
}

func TestCache_Disabled(t *testing.T) {
	var calls atomic.Int64
	cfg := DefaultConfig()
	cfg.Enabled = false
	c := New(NewMemoryStore(), cfg)
	h := transport.Chain(countingBackend(&calls, "ok"), c.Middleware())

	for range 2 {
		resp, err := h.Handle(context.Background(), chatRequest("openai", "q"))
		require.NoError(t, err)
		assert.False(t, resp.Cached)
	}
	assert.Equal(t, int64(2), calls.Load())
}
