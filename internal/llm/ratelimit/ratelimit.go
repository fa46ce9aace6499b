// Package ratelimit throttles gateway calls per provider and model.
//
// A local token bucket per provider:model key smooths bursts inside one
// process. An optional Redis fixed-window counter caps the aggregate rate
// across every worker. Unlike an error-returning limiter, both layers wait
// for capacity: a throttled call is delayed, never failed, so rate limiting
// cannot turn into a model-run failure. Redis failures switch the global
// layer into degraded mode and calls continue on the local limit alone.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/ahrav/go-promptlab/internal/llm/transport"
)

// DefaultRateLimit is used for keys with no configured rate.
const DefaultRateLimit = 10

// Limit is a token bucket rate.
type Limit struct {
	PerSecond float64 `yaml:"per_second" json:"per_second" validate:"gte=0"`
	Burst     int     `yaml:"burst" json:"burst" validate:"gte=0"`
}

// Config configures both layers.
type Config struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// Default applies to provider:model keys without a more specific entry.
	Default Limit `yaml:"default" json:"default"`
	// Providers holds per-provider overrides keyed by provider name.
	Providers map[string]Limit `yaml:"providers" json:"providers"`
	Global    GlobalConfig     `yaml:"global" json:"global"`
}

// GlobalConfig configures the Redis fixed-window layer.
type GlobalConfig struct {
	Enabled           bool `yaml:"enabled" json:"enabled"`
	RequestsPerSecond int  `yaml:"requests_per_second" json:"requests_per_second" validate:"gte=0"`
}

// DefaultConfig enables local limiting at DefaultRateLimit.
func DefaultConfig() Config {
	return Config{
		Enabled: true,
		Default: Limit{PerSecond: DefaultRateLimit, Burst: DefaultRateLimit},
	}
}

// Limiter holds the per-key buckets and the optional global window.
type Limiter struct {
	cfg Config

	mu       sync.RWMutex
	limiters map[string]*rate.Limiter

	global   *redis.Client
	degraded atomic.Bool

	waits  atomic.Int64
	logger *slog.Logger
}

// New creates a Limiter. client may be nil, which disables the global layer.
func New(cfg Config, client *redis.Client) (*Limiter, error) {
	if cfg.Default.PerSecond < 0 || cfg.Default.Burst < 0 || cfg.Global.RequestsPerSecond < 0 {
		return nil, fmt.Errorf("rate limits must be non-negative")
	}
	for p, l := range cfg.Providers {
		if l.PerSecond < 0 || l.Burst < 0 {
			return nil, fmt.Errorf("rate limit for %s must be non-negative", p)
		}
	}
	return &Limiter{
		cfg:      cfg,
		limiters: make(map[string]*rate.Limiter),
		global:   client,
		logger:   slog.Default().With("component", "ratelimit"),
	}, nil
}

// Key returns the bucket key for a request.
func Key(provider, model string) string { return provider + ":" + model }

// limiterFor returns the bucket for key, creating it on first use.
func (l *Limiter) limiterFor(provider, key string) *rate.Limiter {
	l.mu.RLock()
	lim, ok := l.limiters[key]
	l.mu.RUnlock()
	if ok {
		return lim
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.limiters[key]; ok {
		return lim
	}

	cfg := l.cfg.Default
	if pc, ok := l.cfg.Providers[provider]; ok {
		cfg = pc
	}
	limit := rate.Limit(cfg.PerSecond)
	if cfg.PerSecond == 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	lim = rate.NewLimiter(limit, burst)
	l.limiters[key] = lim
	return lim
}

// Wait blocks until both layers admit one call for provider/model, or ctx
// is done.
func (l *Limiter) Wait(ctx context.Context, provider, model string) error {
	if !l.cfg.Enabled {
		return nil
	}
	key := Key(provider, model)

	lim := l.limiterFor(provider, key)
	if r := lim.Reserve(); r.OK() {
		if d := r.Delay(); d > 0 {
			l.waits.Add(1)
			t := time.NewTimer(d)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				r.Cancel()
				return ctx.Err()
			}
		}
	} else if err := lim.Wait(ctx); err != nil {
		return err
	}

	return l.waitGlobal(ctx, key)
}

// Middleware applies Wait before each call.
func (l *Limiter) Middleware() transport.Middleware {
	return func(next transport.Handler) transport.Handler {
		return transport.HandlerFunc(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
			if err := l.Wait(ctx, req.Provider, req.Model); err != nil {
				return nil, fmt.Errorf("rate limit wait: %w", err)
			}
			return next.Handle(ctx, req)
		})
	}
}

// Stats reports limiter state.
type Stats struct {
	Keys     int   `json:"keys"`
	Waits    int64 `json:"waits"`
	Degraded bool  `json:"degraded"`
}

// Stats returns a snapshot of limiter state.
func (l *Limiter) Stats() Stats {
	l.mu.RLock()
	n := len(l.limiters)
	l.mu.RUnlock()
	return Stats{Keys: n, Waits: l.waits.Load(), Degraded: l.degraded.Load()}
}
