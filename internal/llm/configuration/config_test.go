package configuration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, time.Hour, cfg.Cache.RemoteTTL)
	assert.Equal(t, 5*time.Minute, cfg.Cache.LocalTTL)
	assert.Contains(t, cfg.LocalProviders, "ollama")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "zero http timeout", mutate: func(c *Config) { c.HTTPTimeout = 0 }, wantErr: true},
		{name: "bad backend", mutate: func(c *Config) { c.Cache.Backend = "memcached" }, wantErr: true},
		{name: "bad endpoint", mutate: func(c *Config) {
			c.Providers["openai"] = ProviderConfig{Endpoint: "not a url"}
		}, wantErr: true},
		{name: "good endpoint", mutate: func(c *Config) {
			c.Providers["ollama"] = ProviderConfig{Endpoint: "http://gpu-box:11434"}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_YAML(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, yaml.Unmarshal([]byte(`
http_timeout: 45s
providers:
  openai:
    endpoint: https://proxy.internal/v1
    headers: {X-Team: evals}
rate_limit:
  enabled: true
  default: {per_second: 2, burst: 4}
  providers:
    anthropic: {per_second: 1, burst: 1}
cache:
  backend: redis
`), &cfg))

	assert.Equal(t, 45*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, "https://proxy.internal/v1", cfg.Providers["openai"].Endpoint)
	assert.Equal(t, "evals", cfg.Providers["openai"].Headers["X-Team"])
	assert.Equal(t, 1.0, cfg.RateLimit.Providers["anthropic"].PerSecond)
	assert.Equal(t, CacheRedis, cfg.Cache.Backend)
	assert.Equal(t, time.Hour, cfg.Cache.RemoteTTL, "unset fields keep defaults")
	require.NoError(t, cfg.Validate())
}
