package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "redis", cfg.Store.Backend)
	assert.Equal(t, "priority", cfg.Queue.Strategy)
	assert.Equal(t, []string{"8.8.8.8", "1.1.1.1", "208.67.222.222"}, cfg.DNS.Servers)
	assert.True(t, cfg.DNS.CacheEnabled)
	assert.Zero(t, cfg.DNS.CacheTTL)
	assert.Equal(t, 3, cfg.Proxy.EvictionThreshold)
	assert.InDelta(t, 20, cfg.Proxy.ScorePenalty, 0)
	assert.InDelta(t, 50, cfg.Proxy.ActiveMin, 0)
	assert.InDelta(t, 100, cfg.Proxy.ActiveMax, 0)
	assert.InDelta(t, 100, cfg.Proxy.InitialScore, 0)
	assert.Equal(t, "http://httpbin.org/ip", cfg.Proxy.ValidationURL)
	assert.Equal(t, 5*time.Second, cfg.Proxy.ValidationTimeout)
	assert.Equal(t, 8*time.Second, cfg.Proxy.FeedTimeout)
	assert.Equal(t, 2*time.Minute, cfg.Proxy.RefillTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Proxy.MaintenanceInterval)
	assert.Equal(t, "background", cfg.Proxy.RefillMode)
	assert.Equal(t, 10*time.Second, cfg.Sender.Timeout)
	assert.False(t, cfg.HandoffEnabled())
	assert.False(t, cfg.Tracing.Enabled)
	assert.Equal(t, "crawlgate", cfg.Tracing.ServiceName)
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
store:
  backend: memory
queue:
  key: jobs
  strategy: round-robin
dns:
  servers: ["9.9.9.9"]
  cache_ttl: 90s
proxy:
  eviction_threshold: 5
  refill_mode: sync
  prune_below_band: true
  sources:
    - name: geonode
      url: https://proxylist.example/api
      format: json
      skip_schemes: [socks5]
    - name: table
      url: https://free.example/
      format: html
      ip_column: 0
      port_column: 1
      protocol_column: 6
dispatch:
  workers: 12
  proxy_schemes:
    https: http
handoff:
  project_id: proj
  topic: ready
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "secret", cfg.Auth.APIKey)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, "round-robin", cfg.Queue.Strategy)
	assert.Equal(t, []string{"9.9.9.9"}, cfg.DNS.Servers)
	assert.Equal(t, 90*time.Second, cfg.DNS.CacheTTL)
	assert.Equal(t, 5, cfg.Proxy.EvictionThreshold)
	assert.True(t, cfg.Proxy.PruneBelowBand)
	require.Len(t, cfg.Proxy.Sources, 2)
	assert.Equal(t, []string{"socks5"}, cfg.Proxy.Sources[0].SkipSchemes)
	assert.Equal(t, 6, cfg.Proxy.Sources[1].ProtocolColumn)
	assert.Equal(t, 12, cfg.Dispatch.Workers)
	assert.Equal(t, map[string]string{"https": "http"}, cfg.Dispatch.ProxySchemes)
	assert.True(t, cfg.HandoffEnabled())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CRAWLGATE_STORE_ADDRESS", "redis.internal:6380")
	t.Setenv("CRAWLGATE_DISPATCH_WORKERS", "7")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "redis.internal:6380", cfg.Store.Address)
	assert.Equal(t, 7, cfg.Dispatch.Workers)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "invalid port", mutate: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "unknown backend", mutate: func(c *Config) { c.Store.Backend = "etcd" }, want: "store.backend"},
		{name: "redis without address", mutate: func(c *Config) { c.Store.Address = "" }, want: "store.address"},
		{name: "unknown strategy", mutate: func(c *Config) { c.Queue.Strategy = "lifo" }, want: "queue.strategy"},
		{name: "zero threshold", mutate: func(c *Config) { c.Proxy.EvictionThreshold = 0 }, want: "proxy.eviction_threshold"},
		{name: "empty band", mutate: func(c *Config) { c.Proxy.ActiveMin = 101 }, want: "proxy.active_min"},
		{name: "initial score out of band", mutate: func(c *Config) { c.Proxy.InitialScore = 40 }, want: "proxy.initial_score"},
		{name: "refill mode", mutate: func(c *Config) { c.Proxy.RefillMode = "eager" }, want: "proxy.refill_mode"},
		{
			name:   "source without url",
			mutate: func(c *Config) { c.Proxy.Sources = []SourceConfig{{Name: "x"}} },
			want:   "proxy.sources[0].url",
		},
		{name: "no workers", mutate: func(c *Config) { c.Dispatch.Workers = 0 }, want: "dispatch.workers"},
		{name: "handoff project", mutate: func(c *Config) { c.Handoff.Topic = "t" }, want: "handoff.project_id"},
		{name: "sample ratio", mutate: func(c *Config) { c.Tracing.SampleRatio = 2 }, want: "tracing.sample_ratio"},
		{name: "auth missing api key", mutate: func(c *Config) { c.Auth.Enabled = true }, want: "auth.api_key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			cfg.Proxy.Sources = nil
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
