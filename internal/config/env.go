package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ahrav/go-promptlab/internal/llm/configuration"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PROMPTLAB_"

// applyEnvOverrides applies PROMPTLAB_SECTION_FIELD variables. Malformed
// numbers and durations are errors rather than silently ignored.
func applyEnvOverrides(cfg *Config) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) {
		v, ok := os.LookupEnv(EnvPrefix + name)
		if !ok || v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = d
	}
	num := func(name string, dst *int) {
		v, ok := os.LookupEnv(EnvPrefix + name)
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = n
	}
	flag := func(name string, dst *bool) {
		v, ok := os.LookupEnv(EnvPrefix + name)
		if !ok || v == "" {
			return
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = b
	}
	backend := func(name string, dst *Backend) {
		var s string
		str(name, &s)
		if s != "" {
			*dst = Backend(s)
		}
	}

	str("SERVER_ADDR", &cfg.Server.Addr)
	dur("SERVER_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	str("TEMPORAL_HOST_PORT", &cfg.Temporal.HostPort)
	str("TEMPORAL_NAMESPACE", &cfg.Temporal.Namespace)

	str("STORE_PATH", &cfg.Store.Path)
	dur("STORE_BUSY_TIMEOUT", &cfg.Store.BusyTimeout)

	str("REDIS_ADDR", &cfg.Redis.Addr)
	str("REDIS_PASSWORD", &cfg.Redis.Password)
	num("REDIS_DB", &cfg.Redis.DB)

	backend("PROGRESS_BACKEND", &cfg.Progress.Backend)
	backend("LEASE_BACKEND", &cfg.Lease.Backend)
	dur("LEASE_TTL", &cfg.Lease.TTL)

	dur("GATEWAY_HTTP_TIMEOUT", &cfg.Gateway.HTTPTimeout)
	flag("GATEWAY_CACHE_ENABLED", &cfg.Gateway.Cache.Enabled)
	var cacheBackend string
	str("GATEWAY_CACHE_BACKEND", &cacheBackend)
	if cacheBackend != "" {
		cfg.Gateway.Cache.Backend = configuration.CacheBackend(cacheBackend)
	}
	str("GATEWAY_PRICING_OVERRIDES_FILE", &cfg.Gateway.Pricing.OverridesFile)
	flag("GATEWAY_PRICING_WATCH", &cfg.Gateway.Pricing.Watch)

	num("LANES_EXECUTE", &cfg.Lanes.Execute)
	num("LANES_DATAGEN", &cfg.Lanes.Datagen)
	num("LANES_STAGE", &cfg.Lanes.Stage)
	dur("LANES_STAGE_TIMEOUT", &cfg.Lanes.StageTimeout)
	num("LANES_GENERATE_CASES", &cfg.Lanes.GenerateCases)

	flag("TRACING_ENABLED", &cfg.Tracing.Enabled)
	str("TRACING_ENDPOINT", &cfg.Tracing.Endpoint)

	flag("METRICS_ENABLED", &cfg.Metrics.Enabled)

	str("LOGGING_LEVEL", &cfg.Logging.Level)
	str("LOGGING_FORMAT", &cfg.Logging.Format)

	flag("REAPER_ENABLED", &cfg.Reaper.Enabled)
	str("REAPER_SCHEDULE", &cfg.Reaper.Schedule)
	dur("REAPER_CEILING", &cfg.Reaper.Ceiling)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment override: %w", errors.Join(errs...))
	}
	return nil
}
