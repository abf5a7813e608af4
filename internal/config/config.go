// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for
// containers) or from a config.yaml file in the working directory.
// Environment variables take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// HTTPPort is the plaintext listener port (ACME challenges, optional
	// redirect to HTTPS). Default: 7777.
	HTTPPort int
	// HTTPSPort is the TLS listener port. Default: 7778.
	HTTPSPort int
	// HTTPSRedirect, when true, makes the plaintext listener answer every
	// non-ACME request with a 308 redirect to the HTTPS equivalent. Default:
	// false (useful for local development without certificates).
	HTTPSRedirect bool

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// DefaultCertPath, if set, points at a PEM file (chain + key concatenated)
	// used as the fallback certificate when no hostname-specific one can be
	// resolved. Optional.
	DefaultCertPath string

	// ArtifactCacheBytes is the total byte budget for the in-memory static
	// artifact cache. Default: 500 MiB.
	ArtifactCacheBytes int64
	// ArtifactMaxEntryBytes is the largest single static response admitted
	// to the artifact cache; larger ones stream directly. Default: 5 MiB.
	ArtifactMaxEntryBytes int64

	// ConfigTTL is how long a resolved hostname → deployment mapping is
	// considered fresh. Default: 5m.
	ConfigTTL time.Duration
	// NegativeConfigTTL is how long an unbound-hostname result is cached.
	// Default: 30s.
	NegativeConfigTTL time.Duration

	// CertCacheTTL is the default cache lifetime for a fetched TLS
	// certificate. Default: 24h.
	CertCacheTTL time.Duration
	// CertRefreshWindow controls the background sweeper: certificates
	// expiring within this window of now are eagerly refreshed. Default: 7d.
	CertRefreshWindow time.Duration

	// RunnerBaseURL is the base URL dynamic resources are proxied to, e.g.
	// "http://runner.internal:9000".
	RunnerBaseURL string
	// ControlBaseURL is the control plane's base URL, e.g.
	// "https://control.internal".
	ControlBaseURL string

	// Bucket holds the object store connection parameters.
	Bucket BucketConfig

	// RequestTimeoutStatic bounds a static resource dispatch end to end.
	// Default: 60s.
	RequestTimeoutStatic time.Duration
	// RequestTimeoutDynamic bounds a dynamic resource dispatch end to end.
	// Default: 65s.
	RequestTimeoutDynamic time.Duration

	// AcceptLimit caps in-flight accepted connections per listener.
	// Default: 4096.
	AcceptLimit int

	// Cache controls the optional cross-replica hostname resolution cache.
	Cache CacheConfig

	// CircuitBreaker controls per-deployment circuit breaker thresholds for
	// dynamic dispatch.
	CircuitBreaker CircuitBreakerConfig

	// AccessLogClickHouseDSN, if set, additionally persists access log
	// entries to ClickHouse. Optional; access logging to the structured
	// logger always happens regardless.
	AccessLogClickHouseDSN string

	// CORSOrigins is the list of allowed CORS origins for the gateway's own
	// meta endpoints (health, readiness, metrics) — never applied to proxied
	// deployment content. Use ["*"] to allow any origin (default).
	CORSOrigins []string
}

// BucketConfig holds the object-store connection parameters.
type BucketConfig struct {
	Name      string
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
}

// CacheConfig controls the optional shared hostname-resolution cache.
type CacheConfig struct {
	// Mode selects the resolve cache's sharing backend:
	//   "redis"  — share resolved descriptors across replicas via Redis.
	//   "memory" — in-process only, not shared. Default.
	Mode string
	// RedisURL is a redis:// or rediss:// URL. Required when Mode is "redis".
	RedisURL string
}

// CircuitBreakerConfig controls per-deployment circuit breaker settings for
// dynamic dispatch.
type CircuitBreakerConfig struct {
	// ErrorThreshold is the number of consecutive errors that trip the breaker.
	// Default: 5.
	ErrorThreshold int
	// TimeWindow is the rolling window over which errors are counted.
	// Default: 60s.
	TimeWindow time.Duration
	// HalfOpenTimeout is how long the breaker stays open before allowing a
	// single probe request. Default: 30s.
	HalfOpenTimeout time.Duration
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────
	v.SetDefault("HTTP_PORT", 7777)
	v.SetDefault("HTTPS_PORT", 7778)
	v.SetDefault("HTTPS_REDIRECT", false)
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("ARTIFACT_CACHE_BYTES", int64(500*1024*1024))
	v.SetDefault("ARTIFACT_MAX_ENTRY_BYTES", int64(5*1024*1024))

	v.SetDefault("CONFIG_TTL", "5m")
	v.SetDefault("NEGATIVE_CONFIG_TTL", "30s")

	v.SetDefault("CERT_CACHE_TTL", "24h")
	v.SetDefault("CERT_REFRESH_WINDOW", "168h")

	v.SetDefault("REQUEST_TIMEOUT_STATIC", "60s")
	v.SetDefault("REQUEST_TIMEOUT_DYNAMIC", "65s")

	v.SetDefault("ACCEPT_LIMIT", 4096)

	v.SetDefault("CACHE_MODE", "memory")

	v.SetDefault("CB_ERROR_THRESHOLD", 5)
	v.SetDefault("CB_TIME_WINDOW", "60s")
	v.SetDefault("CB_HALF_OPEN_TIMEOUT", "30s")

	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// ── Build config ──────────────────────────────────────────────────────
	cfg := &Config{
		HTTPPort:      v.GetInt("HTTP_PORT"),
		HTTPSPort:     v.GetInt("HTTPS_PORT"),
		HTTPSRedirect: v.GetBool("HTTPS_REDIRECT"),
		LogLevel:      strings.ToLower(v.GetString("LOG_LEVEL")),

		DefaultCertPath: v.GetString("DEFAULT_CERT_PATH"),

		ArtifactCacheBytes:    v.GetInt64("ARTIFACT_CACHE_BYTES"),
		ArtifactMaxEntryBytes: v.GetInt64("ARTIFACT_MAX_ENTRY_BYTES"),

		ConfigTTL:         v.GetDuration("CONFIG_TTL"),
		NegativeConfigTTL: v.GetDuration("NEGATIVE_CONFIG_TTL"),

		CertCacheTTL:      v.GetDuration("CERT_CACHE_TTL"),
		CertRefreshWindow: v.GetDuration("CERT_REFRESH_WINDOW"),

		RunnerBaseURL:  v.GetString("RUNNER_BASE_URL"),
		ControlBaseURL: v.GetString("CONTROL_BASE_URL"),

		Bucket: BucketConfig{
			Name:      v.GetString("BUCKET_NAME"),
			Endpoint:  v.GetString("BUCKET_ENDPOINT"),
			Region:    v.GetString("BUCKET_REGION"),
			AccessKey: v.GetString("BUCKET_ACCESS_KEY"),
			SecretKey: v.GetString("BUCKET_SECRET_KEY"),
		},

		RequestTimeoutStatic:  v.GetDuration("REQUEST_TIMEOUT_STATIC"),
		RequestTimeoutDynamic: v.GetDuration("REQUEST_TIMEOUT_DYNAMIC"),

		AcceptLimit: v.GetInt("ACCEPT_LIMIT"),

		Cache: CacheConfig{
			Mode:     strings.ToLower(v.GetString("CACHE_MODE")),
			RedisURL: v.GetString("REDIS_URL"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			ErrorThreshold:  v.GetInt("CB_ERROR_THRESHOLD"),
			TimeWindow:      v.GetDuration("CB_TIME_WINDOW"),
			HalfOpenTimeout: v.GetDuration("CB_HALF_OPEN_TIMEOUT"),
		},

		AccessLogClickHouseDSN: v.GetString("ACCESS_LOG_CLICKHOUSE_DSN"),

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.ControlBaseURL == "" {
		return fmt.Errorf("config: CONTROL_BASE_URL is required")
	}
	if c.RunnerBaseURL == "" {
		return fmt.Errorf("config: RUNNER_BASE_URL is required")
	}
	if c.Bucket.Name == "" {
		return fmt.Errorf("config: BUCKET_NAME is required")
	}

	switch c.Cache.Mode {
	case "redis", "memory":
	default:
		return fmt.Errorf("config: invalid CACHE_MODE %q; must be one of: redis, memory", c.Cache.Mode)
	}
	if c.Cache.Mode == "redis" && c.Cache.RedisURL == "" {
		return fmt.Errorf("config: REDIS_URL is required when CACHE_MODE=redis; set CACHE_MODE=memory to use the in-process cache")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	if c.CircuitBreaker.ErrorThreshold < 1 {
		return fmt.Errorf("config: CB_ERROR_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.ErrorThreshold)
	}
	if c.CircuitBreaker.TimeWindow <= 0 {
		return fmt.Errorf("config: CB_TIME_WINDOW must be a positive duration")
	}
	if c.ArtifactMaxEntryBytes > c.ArtifactCacheBytes {
		return fmt.Errorf("config: ARTIFACT_MAX_ENTRY_BYTES must not exceed ARTIFACT_CACHE_BYTES")
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
