// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Notification sink names.
const (
	SinkLog   = "log"
	SinkRedis = "redis"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Capability    CapabilityConfig    `yaml:"capability"`
	Directory     DirectoryConfig     `yaml:"directory"`
	Store         StoreConfig         `yaml:"store"`
	Notify        NotifyConfig        `yaml:"notify"`
	Redis         RedisConfig         `yaml:"redis"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Session       SessionConfig       `yaml:"session"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int             `yaml:"port"`
	ReadTimeout     time.Duration   `yaml:"read_timeout"`
	WriteTimeout    time.Duration   `yaml:"write_timeout"`
	HandlerTimeout  time.Duration   `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
	CORS            CORSConfig      `yaml:"cors"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// RateLimitConfig limits mutating requests per authenticated subject. A zero
// RequestsPerSecond disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// IdentityConfig describes JWT and identity provider settings.
type IdentityConfig struct {
	Issuer       string            `yaml:"issuer"`
	Audience     string            `yaml:"audience"`
	JWKSURL      string            `yaml:"jwks_url"`
	JWKSCacheTTL time.Duration     `yaml:"jwks_cache_ttl"`
	Algorithms   []string          `yaml:"algorithms"`
	ClaimPaths   map[string]string `yaml:"claim_paths"`
}

// CapabilityConfig describes authorization settings.
type CapabilityConfig struct {
	StaticPolicyFile string      `yaml:"static_policy_file"`
	Cache            CacheConfig `yaml:"cache"`
}

// CacheConfig describes cache settings.
type CacheConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

// DirectoryConfig describes where actor identities come from.
type DirectoryConfig struct {
	File  string      `yaml:"file"`
	Cache CacheConfig `yaml:"cache"`
}

// StoreConfig describes workflow persistence settings.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// ResolveDSN returns the configured DSN, falling back to the environment
// variable named by DSNEnv.
func (s StoreConfig) ResolveDSN() string {
	if s.DSN != "" {
		return s.DSN
	}
	if s.DSNEnv != "" {
		return os.Getenv(s.DSNEnv)
	}
	return ""
}

// NotifyConfig describes notification delivery.
type NotifyConfig struct {
	Sinks          []string      `yaml:"sinks"`
	Channel        string        `yaml:"channel"`
	QueueSize      int           `yaml:"queue_size"`
	Workers        int           `yaml:"workers"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
	Retry          RetryConfig   `yaml:"retry"`
	Breaker        BreakerConfig `yaml:"breaker"`
}

// RetryConfig describes exponential retry settings.
type RetryConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	MaxElapsedTime  time.Duration `yaml:"max_elapsed_time"`
}

// BreakerConfig describes circuit breaker settings for remote sinks.
type BreakerConfig struct {
	FailureThreshold uint32        `yaml:"failure_threshold"`
	MaxRequests      uint32        `yaml:"max_requests"`
	Interval         time.Duration `yaml:"interval"`
	Timeout          time.Duration `yaml:"timeout"`
}

// RedisConfig describes the shared Redis connection.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	AddrEnv  string `yaml:"addr_env"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// DialTimeout and DialerRetries bound one connection attempt of the
	// client. Publish retries are owned by notify.retry, so the client
	// dials only once per command by default.
	DialTimeout   time.Duration `yaml:"dial_timeout"`
	DialerRetries int           `yaml:"dialer_retries"`
}

// DialBudget is the longest a single command can spend dialing.
func (r RedisConfig) DialBudget() time.Duration {
	return r.DialTimeout * time.Duration(max(r.DialerRetries, 1))
}

// ResolveAddr returns the configured address, falling back to AddrEnv.
func (r RedisConfig) ResolveAddr() string {
	if r.Addr != "" {
		return r.Addr
	}
	if r.AddrEnv != "" {
		return os.Getenv(r.AddrEnv)
	}
	return ""
}

// IdempotencyConfig describes idempotency store settings.
type IdempotencyConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Driver    string        `yaml:"driver"`
	TTL       time.Duration `yaml:"ttl"`
	KeyPrefix string        `yaml:"key_prefix"`
}

// SessionConfig describes where revoked tokens are tracked.
type SessionConfig struct {
	Driver    string `yaml:"driver"`
	KeyPrefix string `yaml:"key_prefix"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type",
					"X-Correlation-Id", "X-Idempotency-Key"},
				MaxAge: 86400,
			},
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 10,
				Burst:             20,
			},
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"email":      "email",
				"name":       "name",
				"roles":      "roles",
			},
		},
		Capability: CapabilityConfig{
			Cache: CacheConfig{
				TTL:        5 * time.Minute,
				MaxEntries: 10000,
			},
		},
		Directory: DirectoryConfig{
			Cache: CacheConfig{
				TTL:        5 * time.Minute,
				MaxEntries: 10000,
			},
		},
		Store: StoreConfig{
			Driver:          StoreMemory,
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			AutoMigrate:     true,
		},
		Notify: NotifyConfig{
			Sinks:          []string{SinkLog},
			Channel:        "approvals:events",
			QueueSize:      1024,
			Workers:        4,
			PublishTimeout: 5 * time.Second,
			Retry: RetryConfig{
				InitialInterval: 100 * time.Millisecond,
				MaxInterval:     2 * time.Second,
				MaxElapsedTime:  10 * time.Second,
			},
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				MaxRequests:      1,
				Interval:         time.Minute,
				Timeout:          30 * time.Second,
			},
		},
		Redis: RedisConfig{
			DialTimeout:   2 * time.Second,
			DialerRetries: 1,
		},
		Idempotency: IdempotencyConfig{
			Enabled:   true,
			Driver:    "memory",
			TTL:       24 * time.Hour,
			KeyPrefix: "approvals:idem:",
		},
		Session: SessionConfig{
			Driver:    "memory",
			KeyPrefix: "approvals:revoked:",
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// UsesRedis reports whether any component is configured to talk to Redis.
func (c *Config) UsesRedis() bool {
	return slices.Contains(c.Notify.Sinks, SinkRedis) ||
		(c.Idempotency.Enabled && c.Idempotency.Driver == "redis") ||
		c.Session.Driver == "redis"
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Identity.Issuer == "" {
		errs = append(errs, "identity.issuer is required")
	}
	if c.Identity.JWKSURL == "" {
		errs = append(errs, "identity.jwks_url is required")
	}
	if c.Identity.Audience == "" {
		errs = append(errs, "identity.audience is required")
	}

	switch c.Store.Driver {
	case StoreMemory:
	case StoreSQLite, StorePostgres:
		if c.Store.ResolveDSN() == "" {
			errs = append(errs, "store.dsn (or store.dsn_env) is required for driver "+c.Store.Driver)
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not one of memory, sqlite, postgres", c.Store.Driver))
	}

	for _, s := range c.Notify.Sinks {
		if s != SinkLog && s != SinkRedis {
			errs = append(errs, fmt.Sprintf("notify.sinks: unknown sink %q", s))
		}
	}
	if c.Notify.QueueSize < 1 {
		errs = append(errs, "notify.queue_size must be at least 1")
	}
	if c.Notify.Workers < 1 {
		errs = append(errs, "notify.workers must be at least 1")
	}

	for name, driver := range map[string]string{
		"idempotency.driver": c.Idempotency.Driver,
		"session.driver":     c.Session.Driver,
	} {
		if driver != "memory" && driver != "redis" {
			errs = append(errs, fmt.Sprintf("%s %q is not one of memory, redis", name, driver))
		}
	}

	if c.UsesRedis() && c.Redis.ResolveAddr() == "" {
		errs = append(errs, "redis.addr (or redis.addr_env) is required when a redis-backed component is enabled")
	}
	if slices.Contains(c.Notify.Sinks, SinkRedis) && c.Notify.Retry.MaxElapsedTime > 0 && c.Notify.Retry.MaxElapsedTime <= c.Redis.DialBudget() {
		errs = append(errs, fmt.Sprintf("notify.retry.max_elapsed_time (%s) must exceed the redis dial budget (%s)",
			c.Notify.Retry.MaxElapsedTime, c.Redis.DialBudget()))
	}

	if len(errs) > 0 {
		slices.Sort(errs)
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads APPROVALS_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("APPROVALS_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("APPROVALS_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("APPROVALS_IDENTITY_JWKS_URL"); v != "" {
		cfg.Identity.JWKSURL = v
	}
	if v := os.Getenv("APPROVALS_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("APPROVALS_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("APPROVALS_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("APPROVALS_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("APPROVALS_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("APPROVALS_DIRECTORY_FILE"); v != "" {
		cfg.Directory.File = v
	}
}
