// Package configuration holds the model gateway's settings.
package configuration

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ahrav/go-promptlab/internal/llm/ratelimit"
)

// Defaults.
const (
	DefaultHTTPTimeout    = 120 * time.Second
	DefaultRemoteCacheTTL = time.Hour
	DefaultLocalCacheTTL  = 5 * time.Minute
	DefaultTokensPerSec   = 10
	DefaultBurstSize      = 20
)

// CacheBackend selects where cached responses live.
type CacheBackend string

const (
	CacheMemory CacheBackend = "memory"
	CacheRedis  CacheBackend = "redis"
)

// Config holds the gateway's settings.
type Config struct {
	// HTTPTimeout bounds one backend call, including reading the body.
	HTTPTimeout time.Duration             `yaml:"http_timeout" json:"http_timeout" validate:"gt=0"`
	Providers   map[string]ProviderConfig `yaml:"providers" json:"providers" validate:"dive"`
	RateLimit   ratelimit.Config          `yaml:"rate_limit" json:"rate_limit"`
	Cache       CacheConfig               `yaml:"cache" json:"cache"`
	Pricing     PricingConfig             `yaml:"pricing" json:"pricing"`
	// LocalProviders run on operator hardware: no credential, free, short cache TTL.
	LocalProviders []string `yaml:"local_providers" json:"local_providers"`
}

// ProviderConfig overrides a provider's endpoint and adds static headers.
type ProviderConfig struct {
	Endpoint string            `yaml:"endpoint" json:"endpoint" validate:"omitempty,url"`
	Timeout  time.Duration     `yaml:"timeout" json:"timeout" validate:"gte=0"`
	Headers  map[string]string `yaml:"headers" json:"headers"`
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	Enabled   bool          `yaml:"enabled" json:"enabled"`
	Backend   CacheBackend  `yaml:"backend" json:"backend" validate:"omitempty,oneof=memory redis"`
	RemoteTTL time.Duration `yaml:"remote_ttl" json:"remote_ttl" validate:"gte=0"`
	LocalTTL  time.Duration `yaml:"local_ttl" json:"local_ttl" validate:"gte=0"`
	// PurgeSchedule is the cron spec for sweeping expired in-memory entries.
	PurgeSchedule string `yaml:"purge_schedule" json:"purge_schedule"`
}

// PricingConfig points at an optional overrides file.
type PricingConfig struct {
	OverridesFile string `yaml:"overrides_file" json:"overrides_file"`
	// Watch reloads the overrides file whenever it changes.
	Watch bool `yaml:"watch" json:"watch"`
}

// DefaultConfig returns gateway defaults.
func DefaultConfig() Config {
	return Config{
		HTTPTimeout: DefaultHTTPTimeout,
		Providers:   map[string]ProviderConfig{},
		RateLimit: ratelimit.Config{
			Enabled: true,
			Default: ratelimit.Limit{PerSecond: DefaultTokensPerSec, Burst: DefaultBurstSize},
		},
		Cache: CacheConfig{
			Enabled:       true,
			Backend:       CacheMemory,
			RemoteTTL:     DefaultRemoteCacheTTL,
			LocalTTL:      DefaultLocalCacheTTL,
			PurgeSchedule: "@every 1m",
		},
		LocalProviders: []string{"ollama"},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid gateway config: %w", err)
	}
	return nil
}
