// Package config loads the promptlab process configuration.
//
// Loading runs in a fixed order: the YAML file is parsed, zero fields take
// their defaults, PROMPTLAB_* environment variables override the result,
// and the final struct is validated.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/ahrav/go-promptlab/internal/budget"
	"github.com/ahrav/go-promptlab/internal/llm/configuration"
	"github.com/ahrav/go-promptlab/internal/logging"
	"github.com/ahrav/go-promptlab/internal/tracing"
)

// Backend selects an in-process or Redis-backed implementation.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendRedis  Backend = "redis"
)

// Config is the root configuration.
type Config struct {
	Server   ServerConfig         `yaml:"server"`
	Temporal TemporalConfig       `yaml:"temporal"`
	Store    StoreConfig          `yaml:"store"`
	Redis    RedisConfig          `yaml:"redis"`
	Progress ProgressConfig       `yaml:"progress"`
	Lease    LeaseConfig          `yaml:"lease"`
	Gateway  configuration.Config `yaml:"gateway"`
	Budget   budget.Config        `yaml:"budget"`
	Lanes    LanesConfig          `yaml:"lanes"`
	Tracing  tracing.Config       `yaml:"tracing"`
	Metrics  MetricsConfig        `yaml:"metrics"`
	Logging  logging.Config       `yaml:"logging"`
	Reaper   ReaperConfig         `yaml:"reaper"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr              string        `yaml:"addr" validate:"required"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" validate:"gte=0"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
	KeepAlive         time.Duration `yaml:"keep_alive" validate:"gte=0"`
}

// TemporalConfig locates the Temporal frontend.
type TemporalConfig struct {
	HostPort  string `yaml:"host_port" validate:"required"`
	Namespace string `yaml:"namespace" validate:"required"`
}

// StoreConfig configures the SQLite store.
type StoreConfig struct {
	Path        string        `yaml:"path" validate:"required"`
	BusyTimeout time.Duration `yaml:"busy_timeout" validate:"gte=0"`
}

// RedisConfig configures the shared Redis client. An empty Addr disables
// every Redis-backed component.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
}

// ProgressConfig selects the event broker.
type ProgressConfig struct {
	Backend Backend `yaml:"backend" validate:"oneof=memory redis"`
}

// LeaseConfig selects the lease manager and the iteration lease TTL.
type LeaseConfig struct {
	Backend Backend       `yaml:"backend" validate:"oneof=memory redis"`
	TTL     time.Duration `yaml:"ttl" validate:"gte=0"`
}

// LanesConfig bounds worker concurrency per lane.
type LanesConfig struct {
	// Execute caps concurrent model runs per worker.
	Execute int `yaml:"execute" validate:"gte=1"`
	// Datagen caps concurrent dataset generations per worker.
	Datagen int `yaml:"datagen" validate:"gte=1"`
	// Stage caps the other stage lanes.
	Stage int `yaml:"stage" validate:"gte=1"`
	// RunConcurrency bounds in-flight cases within one model run.
	RunConcurrency int `yaml:"run_concurrency" validate:"gte=0"`
	// JudgeConcurrency bounds in-flight judge calls within one Judge stage.
	JudgeConcurrency int `yaml:"judge_concurrency" validate:"gte=0"`
	// BootstrapSamples is the resample count for confidence intervals.
	BootstrapSamples int `yaml:"bootstrap_samples" validate:"gte=0"`
	// StageTimeout bounds every stage except Execute, which uses the
	// experiment's run timeout.
	StageTimeout time.Duration `yaml:"stage_timeout" validate:"gte=0"`
	// GenerateCases is how many cases iterations launched by review generate
	// before executing. Zero skips generation.
	GenerateCases int `yaml:"generate_cases" validate:"gte=0,lte=500"`
}

// MetricsConfig toggles the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ReaperConfig schedules the stale-run sweep.
type ReaperConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule" validate:"required_if=Enabled true"`
	// Ceiling is how long a run may stay RUNNING before it is failed.
	Ceiling time.Duration `yaml:"ceiling" validate:"gte=0"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads path, applies defaults and environment overrides, and
// validates the result. An empty path loads defaults and overrides only.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
		}
	}

	ApplyDefaults(&cfg)
	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and cross-section requirements.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	if err := c.Gateway.Validate(); err != nil {
		return err
	}
	if c.Redis.Addr == "" {
		switch {
		case c.Progress.Backend == BackendRedis:
			return fmt.Errorf("configuration validation failed: progress backend redis requires redis.addr")
		case c.Lease.Backend == BackendRedis:
			return fmt.Errorf("configuration validation failed: lease backend redis requires redis.addr")
		case c.Gateway.Cache.Enabled && c.Gateway.Cache.Backend == configuration.CacheRedis:
			return fmt.Errorf("configuration validation failed: cache backend redis requires redis.addr")
		case c.Gateway.RateLimit.Global.Enabled:
			return fmt.Errorf("configuration validation failed: global rate limit requires redis.addr")
		}
	}
	return nil
}
