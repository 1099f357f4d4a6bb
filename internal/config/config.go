// Package config loads the gateway configuration with viper. The
// configuration is read once at startup and passed explicitly to every
// component; nothing re-reads the environment per call.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g.
// SERVELANE_REGIONS_PRIMARY=eu-west-1.
const EnvPrefix = "servelane"

// Config is the complete gateway configuration.
type Config struct {
	Server    ServerConfig             `mapstructure:"server"`
	Log       LogConfig                `mapstructure:"log"`
	Regions   RegionsConfig            `mapstructure:"regions"`
	Versions  VersionsConfig           `mapstructure:"versions"`
	Backends  map[string]BackendConfig `mapstructure:"backends"`
	Cache     CacheConfig              `mapstructure:"cache"`
	Telemetry TelemetryConfig          `mapstructure:"telemetry"`
	Store     StoreConfig              `mapstructure:"store"`
	Fanout    FanoutConfig             `mapstructure:"fanout"`
	Health    HealthConfig             `mapstructure:"health"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr            string          `mapstructure:"addr"`
	ReadTimeout     time.Duration   `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration   `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration   `mapstructure:"shutdown_timeout"`
	RateLimit       RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig limits requests per client. RPS 0 disables limiting.
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// LogConfig selects the log level (debug, info, warn, error) and format
// (text or json).
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// RegionsConfig names the primary region and the known region set, which
// must include the primary.
type RegionsConfig struct {
	Primary string   `mapstructure:"primary"`
	Known   []string `mapstructure:"known"`
}

// VersionsConfig holds the protocol defaults used when the active version
// lookup fails, and the minimum app version per protocol.
type VersionsConfig struct {
	Current         string            `mapstructure:"current"`
	Fallback        string            `mapstructure:"fallback"`
	Minimums        map[string]string `mapstructure:"minimums"`
	LookupOperation string            `mapstructure:"lookup_operation"`
}

// BackendConfig describes one region's data service.
type BackendConfig struct {
	Kind    string        `mapstructure:"kind"` // http or postgres
	URL     string        `mapstructure:"url"`
	APIKey  string        `mapstructure:"api_key"`
	DSN     string        `mapstructure:"dsn"`
	Health  string        `mapstructure:"health_addr"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// CacheConfig enables the response cache for the listed read operations.
// Each overflow evicts EvictBatch of the oldest entries.
type CacheConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Capacity   int           `mapstructure:"capacity"`
	EvictBatch int           `mapstructure:"evict_batch"`
	TTL        time.Duration `mapstructure:"ttl"`
	Operations []string      `mapstructure:"operations"`
}

// TelemetryConfig selects where request metrics go and, with
// OTLPEndpoint set, where otel metrics are exported.
type TelemetryConfig struct {
	Sink           string        `mapstructure:"sink"` // sql, backend or none
	Budget         time.Duration `mapstructure:"budget"`
	OTLPEndpoint   string        `mapstructure:"otlp_endpoint"`
	ExportInterval time.Duration `mapstructure:"export_interval"`
}

// StoreConfig locates the fanout log and telemetry database.
type StoreConfig struct {
	Driver string `mapstructure:"driver"` // sqlite or postgres
	DSN    string `mapstructure:"dsn"`
}

// FanoutConfig selects the broadcast transport and its retry policy.
type FanoutConfig struct {
	Transport      string        `mapstructure:"transport"` // log, redis, amqp or kafka
	Codec          string        `mapstructure:"codec"`     // json or msgpack
	Prefix         string        `mapstructure:"prefix"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	Redis          RedisConfig   `mapstructure:"redis"`
	AMQP           AMQPConfig    `mapstructure:"amqp"`
	Kafka          KafkaConfig   `mapstructure:"kafka"`
}

// RedisConfig maps each region to its Redis address.
type RedisConfig struct {
	Password string            `mapstructure:"password"`
	Addrs    map[string]string `mapstructure:"addrs"`
}

// AMQPConfig maps each region to its broker URL.
type AMQPConfig struct {
	URLs map[string]string `mapstructure:"urls"`
}

// KafkaConfig maps each region to its seed brokers.
type KafkaConfig struct {
	Brokers map[string][]string `mapstructure:"brokers"`
}

// HealthConfig controls backend health probing.
type HealthConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// Load reads the optional file at path (YAML, TOML or JSON by extension),
// applies SERVELANE_ environment overrides and defaults, and validates the
// result. An empty path loads defaults and environment only.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
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

// Default returns the configuration Load produces with no file and no
// environment.
func Default() Config {
	cfg, err := Load("")
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.rate_limit.rps", 0)
	v.SetDefault("server.rate_limit.burst", 20)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("regions.primary", "us-east-1")
	v.SetDefault("regions.known", []string{"us-east-1", "us-west-2", "eu-west-1", "ap-southeast-1"})

	v.SetDefault("versions.current", "v2")
	v.SetDefault("versions.fallback", "v1")
	v.SetDefault("versions.minimums", map[string]string{"v1": "1.0.0", "v2": "1.2.0", "v3": "1.4.0"})
	v.SetDefault("versions.lookup_operation", "get_active_api_version")

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.capacity", 1000)
	v.SetDefault("cache.evict_batch", 100)
	v.SetDefault("cache.ttl", 5*time.Minute)
	v.SetDefault("cache.operations", []string{})

	v.SetDefault("telemetry.sink", "sql")
	v.SetDefault("telemetry.budget", 2*time.Second)
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.export_interval", 30*time.Second)

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "servelane.db")

	v.SetDefault("fanout.transport", "log")
	v.SetDefault("fanout.codec", "json")
	v.SetDefault("fanout.prefix", "realtime")
	v.SetDefault("fanout.attempt_timeout", 5*time.Second)
	v.SetDefault("fanout.base_delay", 200*time.Millisecond)
	v.SetDefault("fanout.max_attempts", 3)

	v.SetDefault("health.enabled", true)
	v.SetDefault("health.interval", 10*time.Second)
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	known := make(map[string]bool, len(c.Regions.Known))
	for _, r := range c.Regions.Known {
		known[r] = true
	}
	if c.Regions.Primary == "" {
		add("regions.primary is required")
	} else if !known[c.Regions.Primary] {
		add("regions.primary %q is not in regions.known", c.Regions.Primary)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		add("log.level %q must be debug, info, warn or error", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		add("log.format %q must be json or text", c.Log.Format)
	}

	for id, b := range c.Backends {
		if !known[id] {
			add("backends.%s: region is not in regions.known", id)
		}
		switch b.Kind {
		case "http":
			if b.URL == "" {
				add("backends.%s.url is required for http backends", id)
			}
		case "postgres":
			if b.DSN == "" {
				add("backends.%s.dsn is required for postgres backends", id)
			}
		default:
			add("backends.%s.kind %q must be http or postgres", id, b.Kind)
		}
	}

	switch c.Store.Driver {
	case "sqlite", "postgres":
		if c.Store.DSN == "" {
			add("store.dsn is required")
		}
	default:
		add("store.driver %q must be sqlite or postgres", c.Store.Driver)
	}

	switch c.Telemetry.Sink {
	case "sql", "backend", "none":
	default:
		add("telemetry.sink %q must be sql, backend or none", c.Telemetry.Sink)
	}

	switch c.Fanout.Transport {
	case "log":
	case "redis":
		if len(c.Fanout.Redis.Addrs) == 0 {
			add("fanout.redis.addrs is required for the redis transport")
		}
	case "amqp":
		if len(c.Fanout.AMQP.URLs) == 0 {
			add("fanout.amqp.urls is required for the amqp transport")
		}
	case "kafka":
		if len(c.Fanout.Kafka.Brokers) == 0 {
			add("fanout.kafka.brokers is required for the kafka transport")
		}
	default:
		add("fanout.transport %q must be log, redis, amqp or kafka", c.Fanout.Transport)
	}
	switch c.Fanout.Codec {
	case "json", "msgpack":
	default:
		add("fanout.codec %q must be json or msgpack", c.Fanout.Codec)
	}
	if c.Fanout.MaxAttempts < 1 {
		add("fanout.max_attempts must be at least 1")
	}

	positive := map[string]time.Duration{
		"server.read_timeout":     c.Server.ReadTimeout,
		"server.write_timeout":    c.Server.WriteTimeout,
		"server.shutdown_timeout": c.Server.ShutdownTimeout,
		"telemetry.budget":        c.Telemetry.Budget,
		"fanout.attempt_timeout":  c.Fanout.AttemptTimeout,
		"fanout.base_delay":       c.Fanout.BaseDelay,
		"health.interval":         c.Health.Interval,
	}
	for key, d := range positive {
		if d <= 0 {
			add("%s must be positive", key)
		}
	}
	if c.Cache.Enabled && (c.Cache.Capacity < 1 || c.Cache.TTL <= 0) {
		add("cache.capacity and cache.ttl must be positive when the cache is enabled")
	}
	if c.Cache.Enabled && (c.Cache.EvictBatch < 1 || c.Cache.EvictBatch > c.Cache.Capacity) {
		add("cache.evict_batch must be between 1 and cache.capacity")
	}
	if c.Server.RateLimit.RPS < 0 {
		add("server.rate_limit.rps must not be negative")
	}

	return errors.Join(errs...)
}
