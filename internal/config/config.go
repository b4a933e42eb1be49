// Package config loads and validates crawlgate configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Store    StoreConfig    `mapstructure:"store"`
	Queue    QueueConfig    `mapstructure:"queue"`
	DNS      DNSConfig      `mapstructure:"dns"`
	Proxy    ProxyConfig    `mapstructure:"proxy"`
	Offload  OffloadConfig  `mapstructure:"offload"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Sender   SenderConfig   `mapstructure:"sender"`
	Handoff  HandoffConfig  `mapstructure:"handoff"`
	Audit    AuditConfig    `mapstructure:"audit"`
	Progress ProgressConfig `mapstructure:"progress"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// ServerConfig controls the admin HTTP server.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// StoreConfig selects the shared store backend.
type StoreConfig struct {
	// Backend is "redis" or "memory". Memory does not coordinate processes.
	Backend  string `mapstructure:"backend"`
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// QueueConfig names the work queue.
type QueueConfig struct {
	Key      string `mapstructure:"key"`
	Strategy string `mapstructure:"strategy"`
}

// DNSConfig configures the resolver chain and cache.
type DNSConfig struct {
	Servers       []string      `mapstructure:"servers"`
	CacheEnabled  bool          `mapstructure:"cache_enabled"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl"`
	QueryTimeout  time.Duration `mapstructure:"query_timeout"`
	SystemTimeout time.Duration `mapstructure:"system_timeout"`
}

// ProxyConfig configures the scored proxy pool and its refill.
type ProxyConfig struct {
	Key                   string         `mapstructure:"key"`
	EvictionThreshold     int            `mapstructure:"eviction_threshold"`
	ScorePenalty          float64        `mapstructure:"score_penalty"`
	ActiveMin             float64        `mapstructure:"active_min"`
	ActiveMax             float64        `mapstructure:"active_max"`
	InitialScore          float64        `mapstructure:"initial_score"`
	FailureCapacity       int            `mapstructure:"failure_capacity"`
	ValidationURL         string         `mapstructure:"validation_url"`
	ValidationTimeout     time.Duration  `mapstructure:"validation_timeout"`
	ValidationConcurrency int            `mapstructure:"validation_concurrency"`
	FeedTimeout           time.Duration  `mapstructure:"feed_timeout"`
	RefillTimeout         time.Duration  `mapstructure:"refill_timeout"`
	RefillMode            string         `mapstructure:"refill_mode"`
	LowWaterMark          int            `mapstructure:"low_water_mark"`
	MaintenanceInterval   time.Duration  `mapstructure:"maintenance_interval"`
	RefillMinInterval     time.Duration  `mapstructure:"refill_min_interval"`
	PruneBelowBand        bool           `mapstructure:"prune_below_band"`
	Sources               []SourceConfig `mapstructure:"sources"`
}

// SourceConfig describes one proxy feed.
type SourceConfig struct {
	Name           string   `mapstructure:"name"`
	URL            string   `mapstructure:"url"`
	Format         string   `mapstructure:"format"`
	Scheme         string   `mapstructure:"scheme"`
	SkipSchemes    []string `mapstructure:"skip_schemes"`
	RowSelector    string   `mapstructure:"row_selector"`
	IPColumn       int      `mapstructure:"ip_column"`
	PortColumn     int      `mapstructure:"port_column"`
	ProtocolColumn int      `mapstructure:"protocol_column"`
}

// OffloadConfig bounds blocking network work.
type OffloadConfig struct {
	Size int `mapstructure:"size"`
}

// DispatchConfig governs the worker loop.
type DispatchConfig struct {
	Workers      int               `mapstructure:"workers"`
	CycleTimeout time.Duration     `mapstructure:"cycle_timeout"`
	PollInterval time.Duration     `mapstructure:"poll_interval"`
	ProxySchemes map[string]string `mapstructure:"proxy_schemes"`
}

// SenderConfig configures local sends.
type SenderConfig struct {
	UserAgent string        `mapstructure:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// HandoffConfig routes ready requests to Pub/Sub instead of sending locally.
type HandoffConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// AuditConfig controls the Postgres dispatch log.
type AuditConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// ProgressConfig tunes the event hub.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
	LogEvents      bool          `mapstructure:"log_events"`
}

// TracingConfig toggles OpenTelemetry spans.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("store.backend", "redis")
	v.SetDefault("store.address", "localhost:6379")
	v.SetDefault("store.db", 0)
	v.SetDefault("queue.key", "crawlgate:queue")
	v.SetDefault("queue.strategy", "priority")
	v.SetDefault("dns.servers", []string{"8.8.8.8", "1.1.1.1", "208.67.222.222"})
	v.SetDefault("dns.cache_enabled", true)
	v.SetDefault("dns.cache_ttl", "0s")
	v.SetDefault("dns.query_timeout", "2s")
	v.SetDefault("dns.system_timeout", "5s")
	v.SetDefault("proxy.key", "crawlgate:proxies")
	v.SetDefault("proxy.eviction_threshold", 3)
	v.SetDefault("proxy.score_penalty", 20)
	v.SetDefault("proxy.active_min", 50)
	v.SetDefault("proxy.active_max", 100)
	v.SetDefault("proxy.initial_score", 100)
	v.SetDefault("proxy.failure_capacity", 10000)
	v.SetDefault("proxy.validation_url", "http://httpbin.org/ip")
	v.SetDefault("proxy.validation_timeout", "5s")
	v.SetDefault("proxy.validation_concurrency", 16)
	v.SetDefault("proxy.feed_timeout", "8s")
	v.SetDefault("proxy.refill_timeout", "2m")
	v.SetDefault("proxy.refill_mode", "background")
	v.SetDefault("proxy.low_water_mark", 5)
	v.SetDefault("proxy.maintenance_interval", "10m")
	v.SetDefault("proxy.refill_min_interval", "30s")
	v.SetDefault("proxy.prune_below_band", false)
	v.SetDefault("offload.size", 64)
	v.SetDefault("dispatch.workers", 4)
	v.SetDefault("dispatch.cycle_timeout", "15s")
	v.SetDefault("dispatch.poll_interval", "500ms")
	v.SetDefault("sender.user_agent", "crawlgate/1.0")
	v.SetDefault("sender.timeout", "10s")
	v.SetDefault("audit.table", "dispatch_events")
	v.SetDefault("audit.max_conns", 4)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_events", 500)
	v.SetDefault("progress.max_batch_wait", "500ms")
	v.SetDefault("progress.sink_timeout", "10s")
	v.SetDefault("progress.log_events", true)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "crawlgate")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.Store.Backend {
	case "redis":
		if c.Store.Address == "" {
			return fmt.Errorf("store.address must be set for the redis backend")
		}
	case "memory":
	default:
		return fmt.Errorf("store.backend must be redis or memory, got %q", c.Store.Backend)
	}
	if c.Queue.Key == "" {
		return fmt.Errorf("queue.key must be set")
	}
	switch strings.ToLower(c.Queue.Strategy) {
	case "priority", "round-robin", "round_robin":
	default:
		return fmt.Errorf("queue.strategy must be priority or round-robin, got %q", c.Queue.Strategy)
	}
	if c.Proxy.EvictionThreshold <= 0 {
		return fmt.Errorf("proxy.eviction_threshold must be > 0")
	}
	if c.Proxy.ScorePenalty <= 0 {
		return fmt.Errorf("proxy.score_penalty must be > 0")
	}
	if c.Proxy.ActiveMin > c.Proxy.ActiveMax {
		return fmt.Errorf("proxy.active_min must be <= proxy.active_max")
	}
	if c.Proxy.InitialScore < c.Proxy.ActiveMin || c.Proxy.InitialScore > c.Proxy.ActiveMax {
		return fmt.Errorf("proxy.initial_score must lie within [proxy.active_min, proxy.active_max]")
	}
	switch c.Proxy.RefillMode {
	case "background", "sync":
	default:
		return fmt.Errorf("proxy.refill_mode must be background or sync, got %q", c.Proxy.RefillMode)
	}
	for i, src := range c.Proxy.Sources {
		if src.URL == "" {
			return fmt.Errorf("proxy.sources[%d].url must be set", i)
		}
	}
	if c.Offload.Size <= 0 {
		return fmt.Errorf("offload.size must be > 0")
	}
	if c.Dispatch.Workers <= 0 {
		return fmt.Errorf("dispatch.workers must be > 0")
	}
	if c.Sender.Timeout <= 0 {
		return fmt.Errorf("sender.timeout must be > 0")
	}
	if c.Handoff.Topic != "" && c.Handoff.ProjectID == "" {
		return fmt.Errorf("handoff.project_id must be set when handoff.topic is set")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0,1]")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// HandoffEnabled reports whether ready requests go to Pub/Sub.
func (c Config) HandoffEnabled() bool {
	return c.Handoff.Topic != ""
}
