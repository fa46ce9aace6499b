// Package worker builds the process runtime and registers the iteration
// workflow and stage activities with one Temporal worker per lane.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/ahrav/go-promptlab/internal/budget"
	"github.com/ahrav/go-promptlab/internal/config"
	"github.com/ahrav/go-promptlab/internal/lease"
	"github.com/ahrav/go-promptlab/internal/llm"
	"github.com/ahrav/go-promptlab/internal/llm/cache"
	"github.com/ahrav/go-promptlab/internal/llm/configuration"
	"github.com/ahrav/go-promptlab/internal/llm/pricing"
	"github.com/ahrav/go-promptlab/internal/llm/ratelimit"
	"github.com/ahrav/go-promptlab/internal/metrics"
	"github.com/ahrav/go-promptlab/internal/progress"
	"github.com/ahrav/go-promptlab/internal/store/sqlite"
	"github.com/ahrav/go-promptlab/internal/tracing"
)

// cacheKeyPrefix namespaces gateway cache entries in Redis.
const cacheKeyPrefix = "promptlab:cache:"

// Runtime holds the long-lived components shared by the API server and
// the stage workers. Build it once per process and Close it on exit.
type Runtime struct {
	Config   *config.Config
	Logger   *slog.Logger
	Store    *sqlite.Store
	Redis    *redis.Client
	Leases   lease.Manager
	Broker   progress.Broker
	Metrics  *metrics.Collector
	Tracing  *tracing.Provider
	Pricing  *pricing.Table
	Gateway  *llm.Gateway
	Budget   *budget.Enforcer
	Cache    *cache.MemoryStore
	closers  []func(context.Context) error
}

// InitializeRuntime opens the store and builds every shared component from
// cfg. Redis-backed components are used only when redis.addr is set.
func InitializeRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *Runtime, err error) {
	rt := &Runtime{Config: cfg, Logger: logger, Metrics: metrics.New()}
	defer func() {
		if err != nil {
			_ = rt.Close(context.WithoutCancel(ctx))
		}
	}()

	rt.Store, err = sqlite.Open(ctx, sqlite.Config{Path: cfg.Store.Path, BusyTimeout: cfg.Store.BusyTimeout})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	rt.closers = append(rt.closers, func(context.Context) error { return rt.Store.Close() })

	if cfg.Redis.Addr != "" {
		rt.Redis = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err := rt.Redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		rt.closers = append(rt.closers, func(context.Context) error { return rt.Redis.Close() })
	}

	rt.Tracing, err = tracing.New(ctx, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	rt.closers = append(rt.closers, rt.Tracing.Shutdown)

	switch cfg.Lease.Backend {
	case config.BackendRedis:
		rt.Leases = lease.NewRedisManager(rt.Redis)
	default:
		rt.Leases = lease.NewMemoryManager()
	}
	rt.Leases = lease.Instrument(rt.Leases, rt.Metrics)

	switch cfg.Progress.Backend {
	case config.BackendRedis:
		rt.Broker = progress.NewRedisBroker(rt.Redis, logger)
	default:
		rt.Broker = progress.NewMemoryBroker()
	}

	rt.Pricing = pricing.NewTable(cfg.Gateway.LocalProviders...)
	if path := cfg.Gateway.Pricing.OverridesFile; path != "" {
		if err := rt.Pricing.LoadFile(path); err != nil {
			return nil, fmt.Errorf("load pricing overrides: %w", err)
		}
	}

	gcache, err := rt.buildCache(cfg.Gateway)
	if err != nil {
		return nil, err
	}
	limiter, err := rt.buildLimiter(cfg.Gateway)
	if err != nil {
		return nil, err
	}

	rt.Gateway, err = llm.New(llm.Options{
		Config:      cfg.Gateway,
		Credentials: rt.Store,
		Pricing:     rt.Pricing,
		Cache:       gcache,
		Limiter:     limiter,
		Metrics:     rt.Metrics,
		Tracer:      rt.Tracing.Tracer(),
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build gateway: %w", err)
	}

	rt.Budget = budget.NewEnforcer(rt.Store, cfg.Budget, rt.Metrics)
	return rt, nil
}

func (rt *Runtime) buildCache(cfg configuration.Config) (*cache.Cache, error) {
	if !cfg.Cache.Enabled {
		return nil, nil
	}
	ccfg := cache.Config{
		Enabled:        true,
		RemoteTTL:      cfg.Cache.RemoteTTL,
		LocalTTL:       cfg.Cache.LocalTTL,
		LocalProviders: cfg.LocalProviders,
	}
	switch cfg.Cache.Backend {
	case configuration.CacheRedis:
		if rt.Redis == nil {
			return nil, errors.New("redis cache backend requires redis.addr")
		}
		return cache.New(cache.NewRedisStore(rt.Redis, cacheKeyPrefix), ccfg), nil
	default:
		rt.Cache = cache.NewMemoryStore()
		return cache.New(rt.Cache, ccfg), nil
	}
}

func (rt *Runtime) buildLimiter(cfg configuration.Config) (*ratelimit.Limiter, error) {
	if !cfg.RateLimit.Enabled {
		return nil, nil
	}
	l, err := ratelimit.New(cfg.RateLimit, rt.Redis)
	if err != nil {
		return nil, fmt.Errorf("build rate limiter: %w", err)
	}
	return l, nil
}

// WatchPricing hot-reloads the pricing overrides file until ctx ends. It
// returns immediately when watching is not configured.
func (rt *Runtime) WatchPricing(ctx context.Context) error {
	p := rt.Config.Gateway.Pricing
	if p.OverridesFile == "" || !p.Watch {
		return nil
	}
	return rt.Pricing.Watch(ctx, p.OverridesFile, 0, rt.Logger)
}

// Close releases resources in reverse order of acquisition.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
