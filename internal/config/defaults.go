package config

import (
	"time"

	"github.com/ahrav/go-promptlab/internal/llm/configuration"
)

// Default values.
const (
	DefaultServerAddr        = ":8080"
	DefaultReadHeaderTimeout = 10 * time.Second
	DefaultShutdownTimeout   = 15 * time.Second
	DefaultKeepAlive         = 15 * time.Second
	DefaultTemporalHostPort  = "localhost:7233"
	DefaultTemporalNamespace = "default"
	DefaultStorePath         = "promptlab.db"
	DefaultLeaseTTL          = 2 * time.Minute
	DefaultExecuteLane       = 5
	DefaultDatagenLane       = 1
	DefaultStageLane         = 10
	DefaultStageTimeout      = 30 * time.Minute
	DefaultReaperSchedule    = "@every 5m"
	DefaultReaperCeiling     = time.Hour
)

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	ApplyDefaults(&cfg)
	return &cfg
}

// ApplyDefaults fills zero-valued fields. It is idempotent.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = DefaultServerAddr
	}
	if cfg.Server.ReadHeaderTimeout == 0 {
		cfg.Server.ReadHeaderTimeout = DefaultReadHeaderTimeout
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Server.KeepAlive == 0 {
		cfg.Server.KeepAlive = DefaultKeepAlive
	}

	if cfg.Temporal.HostPort == "" {
		cfg.Temporal.HostPort = DefaultTemporalHostPort
	}
	if cfg.Temporal.Namespace == "" {
		cfg.Temporal.Namespace = DefaultTemporalNamespace
	}

	if cfg.Store.Path == "" {
		cfg.Store.Path = DefaultStorePath
	}

	if cfg.Progress.Backend == "" {
		cfg.Progress.Backend = BackendMemory
	}
	if cfg.Lease.Backend == "" {
		cfg.Lease.Backend = BackendMemory
	}
	if cfg.Lease.TTL == 0 {
		cfg.Lease.TTL = DefaultLeaseTTL
	}

	applyGatewayDefaults(&cfg.Gateway)

	if cfg.Lanes.Execute == 0 {
		cfg.Lanes.Execute = DefaultExecuteLane
	}
	if cfg.Lanes.Datagen == 0 {
		cfg.Lanes.Datagen = DefaultDatagenLane
	}
	if cfg.Lanes.Stage == 0 {
		cfg.Lanes.Stage = DefaultStageLane
	}
	if cfg.Lanes.StageTimeout == 0 {
		cfg.Lanes.StageTimeout = DefaultStageTimeout
	}

	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "promptlab"
	}
	if cfg.Tracing.SampleRatio == 0 {
		cfg.Tracing.SampleRatio = 1
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Reaper.Schedule == "" {
		cfg.Reaper.Schedule = DefaultReaperSchedule
	}
	if cfg.Reaper.Ceiling == 0 {
		cfg.Reaper.Ceiling = DefaultReaperCeiling
	}
}

// applyGatewayDefaults fills the gateway section from its package defaults.
// Booleans cannot be told apart from "unset", so an absent gateway section
// takes the package defaults wholesale.
func applyGatewayDefaults(g *configuration.Config) {
	def := configuration.DefaultConfig()
	if g.HTTPTimeout == 0 && !g.RateLimit.Enabled && !g.Cache.Enabled {
		providers, local, pricingCfg := g.Providers, g.LocalProviders, g.Pricing
		*g = def
		if providers != nil {
			g.Providers = providers
		}
		if local != nil {
			g.LocalProviders = local
		}
		g.Pricing = pricingCfg
		return
	}
	if g.HTTPTimeout == 0 {
		g.HTTPTimeout = def.HTTPTimeout
	}
	if g.Providers == nil {
		g.Providers = map[string]configuration.ProviderConfig{}
	}
	if g.Cache.Backend == "" {
		g.Cache.Backend = def.Cache.Backend
	}
	if g.Cache.RemoteTTL == 0 {
		g.Cache.RemoteTTL = def.Cache.RemoteTTL
	}
	if g.Cache.LocalTTL == 0 {
		g.Cache.LocalTTL = def.Cache.LocalTTL
	}
	if g.Cache.PurgeSchedule == "" {
		g.Cache.PurgeSchedule = def.Cache.PurgeSchedule
	}
	if g.RateLimit.Enabled && g.RateLimit.Default.PerSecond == 0 {
		g.RateLimit.Default = def.RateLimit.Default
	}
	if g.LocalProviders == nil {
		g.LocalProviders = def.LocalProviders
	}
}
