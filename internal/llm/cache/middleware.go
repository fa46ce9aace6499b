package cache

import (
	"context"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/ahrav/go-promptlab/internal/llm/transport"
)

const (
	// DefaultRemoteTTL applies to hosted providers.
	DefaultRemoteTTL = time.Hour
	// DefaultLocalTTL applies to providers running on local hardware.
	DefaultLocalTTL = 5 * time.Minute

	keyPrefix          = "promptlab:llm:"
	fillLeaseTTL       = 30 * time.Second
	leaseRetryInterval = 100 * time.Millisecond
	cleanupTimeout     = 5 * time.Second
)

// Config controls cache behavior.
type Config struct {
	Enabled        bool
	RemoteTTL      time.Duration
	LocalTTL       time.Duration
	LocalProviders []string
}

// DefaultConfig enables caching with the standard TTLs.
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		RemoteTTL:      DefaultRemoteTTL,
		LocalTTL:       DefaultLocalTTL,
		LocalProviders: []string{"ollama"},
	}
}

// leaser is implemented by stores that can coordinate concurrent fills.
type leaser interface {
	getOrLease(ctx context.Context, key string, leaseTTL time.Duration) (leaseStatus, *Entry, error)
	releaseLease(ctx context.Context, key string) error
}

// Cache wraps a Store as gateway middleware. Only successful responses are
// stored. Store failures degrade to uncached calls and never fail a request.
type Cache struct {
	store  Store
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	hits   atomic.Int64
	misses atomic.Int64
	errors atomic.Int64
}

// New creates a response cache over store.
func New(store Store, cfg Config) *Cache {
	if cfg.RemoteTTL <= 0 {
		cfg.RemoteTTL = DefaultRemoteTTL
	}
	if cfg.LocalTTL <= 0 {
		cfg.LocalTTL = DefaultLocalTTL
	}
	return &Cache{
		store:  store,
		cfg:    cfg,
		logger: slog.Default().With("component", "cache"),
		now:    time.Now,
	}
}

// TTL returns the expiry used for responses from provider.
func (c *Cache) TTL(provider string) time.Duration {
	if slices.Contains(c.cfg.LocalProviders, provider) {
		return c.cfg.LocalTTL
	}
	return c.cfg.RemoteTTL
}

// Middleware returns the transport middleware.
func (c *Cache) Middleware() transport.Middleware {
	return func(next transport.Handler) transport.Handler {
		return transport.HandlerFunc(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
			if !c.cfg.Enabled || c.store == nil {
				return next.Handle(ctx, req)
			}

			digest, err := transport.CacheKey(req)
			if err != nil {
				c.logger.Warn("cache key failed, bypassing cache", "error", err)
				return next.Handle(ctx, req)
			}
			key := keyPrefix + digest

			resp, release, err := c.lookup(ctx, key)
			if err != nil {
				return nil, err
			}
			if resp != nil {
				c.hits.Add(1)
				c.logger.Debug("cache hit", "provider", req.Provider, "model", req.Model)
				return resp, nil
			}
			c.misses.Add(1)
			defer release()

			resp, err = next.Handle(ctx, req)
			if err != nil {
				return nil, err
			}
			if setErr := c.store.Set(ctx, key, entryFromResponse(resp, c.now()), c.TTL(req.Provider)); setErr != nil {
				c.errors.Add(1)
				c.logger.Warn("cache set error", "error", setErr)
			}
			return resp, nil
		})
	}
}

// lookup returns a cached response or a release func for the fill lease.
// The only error it returns is context cancellation.
func (c *Cache) lookup(ctx context.Context, key string) (*transport.Response, func(), error) {
	noop := func() {}

	l, ok := c.store.(leaser)
	if !ok {
		e, err := c.store.Get(ctx, key)
		if err != nil {
			c.errors.Add(1)
			c.logger.Warn("cache get error", "error", err)
			return nil, noop, nil
		}
		if e != nil {
			return e.response(), noop, nil
		}
		return nil, noop, nil
	}

	status, e, err := l.getOrLease(ctx, key, fillLeaseTTL)
	if err != nil {
		c.errors.Add(1)
		c.logger.Warn("cache lease error", "error", err)
		return nil, noop, nil
	}

	switch status {
	case leaseHit:
		return e.response(), noop, nil
	case leaseAcquired:
		return nil, func() {
			// The request context may be cancelled; release regardless.
			cleanupCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
			defer cancel()
			if err := l.releaseLease(cleanupCtx, key); err != nil {
				c.logger.Warn("lease cleanup error", "error", err)
			}
		}, nil
	default:
		// Another caller is filling this key; wait once and re-check.
		select {
		case <-time.After(leaseRetryInterval):
		case <-ctx.Done():
			return nil, noop, ctx.Err()
		}
		if e, err := c.store.Get(ctx, key); err == nil && e != nil {
			return e.response(), noop, nil
		}
		return nil, noop, nil
	}
}

// Stats holds cache counters.
type Stats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Errors  int64   `json:"errors"`
	HitRate float64 `json:"hit_rate"`
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	hits, misses := c.hits.Load(), c.misses.Load()
	s := Stats{Hits: hits, Misses: misses, Errors: c.errors.Load()}
	if total := hits + misses; total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}
	return s
}
