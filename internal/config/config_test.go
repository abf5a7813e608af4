package config

import (
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("CONTROL_BASE_URL", "https://control.internal")
	t.Setenv("RUNNER_BASE_URL", "http://runner.internal:9000")
	t.Setenv("BUCKET_NAME", "deployments")
}

func TestLoad_DefaultsAppliedWhenOnlyRequiredFieldsSet(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 7777 {
		t.Errorf("expected default HTTPPort 7777, got %d", cfg.HTTPPort)
	}
	if cfg.HTTPSPort != 7778 {
		t.Errorf("expected default HTTPSPort 7778, got %d", cfg.HTTPSPort)
	}
	if cfg.HTTPSRedirect {
		t.Error("expected HTTPSRedirect to default to false")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected default LogLevel info, got %q", cfg.LogLevel)
	}
	if cfg.ArtifactCacheBytes != 500*1024*1024 {
		t.Errorf("expected default ArtifactCacheBytes 500MiB, got %d", cfg.ArtifactCacheBytes)
	}
	if cfg.ArtifactMaxEntryBytes != 5*1024*1024 {
		t.Errorf("expected default ArtifactMaxEntryBytes 5MiB, got %d", cfg.ArtifactMaxEntryBytes)
	}
	if cfg.ConfigTTL != 5*time.Minute {
		t.Errorf("expected default ConfigTTL 5m, got %s", cfg.ConfigTTL)
	}
	if cfg.NegativeConfigTTL != 30*time.Second {
		t.Errorf("expected default NegativeConfigTTL 30s, got %s", cfg.NegativeConfigTTL)
	}
	if cfg.CertCacheTTL != 24*time.Hour {
		t.Errorf("expected default CertCacheTTL 24h, got %s", cfg.CertCacheTTL)
	}
	if cfg.CertRefreshWindow != 168*time.Hour {
		t.Errorf("expected default CertRefreshWindow 168h, got %s", cfg.CertRefreshWindow)
	}
	if cfg.RequestTimeoutStatic != 60*time.Second {
		t.Errorf("expected default RequestTimeoutStatic 60s, got %s", cfg.RequestTimeoutStatic)
	}
	if cfg.RequestTimeoutDynamic != 65*time.Second {
		t.Errorf("expected default RequestTimeoutDynamic 65s, got %s", cfg.RequestTimeoutDynamic)
	}
	if cfg.AcceptLimit != 4096 {
		t.Errorf("expected default AcceptLimit 4096, got %d", cfg.AcceptLimit)
	}
	if cfg.Cache.Mode != "memory" {
		t.Errorf("expected default Cache.Mode memory, got %q", cfg.Cache.Mode)
	}
	if cfg.CircuitBreaker.ErrorThreshold != 5 {
		t.Errorf("expected default CB error threshold 5, got %d", cfg.CircuitBreaker.ErrorThreshold)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "*" {
		t.Errorf("expected default CORSOrigins [*], got %v", cfg.CORSOrigins)
	}
}

func TestLoad_MissingRequiredFieldsFail(t *testing.T) {
	if _, err := Load(); err == nil {
		t.Fatal("expected error when no required fields are set")
	}
}

func TestLoad_RedisModeRequiresRedisURL(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("CACHE_MODE", "redis")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when CACHE_MODE=redis without REDIS_URL")
	}

	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error with REDIS_URL set: %v", err)
	}
	if cfg.Cache.Mode != "redis" {
		t.Errorf("expected Cache.Mode redis, got %q", cfg.Cache.Mode)
	}
}

func TestValidate_InvalidCacheMode(t *testing.T) {
	cfg := baseValidConfig()
	cfg.Cache.Mode = "memcached"
	if err := cfg.validate(); err == nil {
		t.Fatal("expected error for invalid cache mode")
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := baseValidConfig()
	cfg.LogLevel = "verbose"
	if err := cfg.validate(); err == nil {
		t.Fatal("expected error for invalid log level")
	}
}

func TestValidate_ErrorThresholdMustBePositive(t *testing.T) {
	cfg := baseValidConfig()
	cfg.CircuitBreaker.ErrorThreshold = 0
	if err := cfg.validate(); err == nil {
		t.Fatal("expected error for zero error threshold")
	}
}

func TestValidate_TimeWindowMustBePositive(t *testing.T) {
	cfg := baseValidConfig()
	cfg.CircuitBreaker.TimeWindow = 0
	if err := cfg.validate(); err == nil {
		t.Fatal("expected error for zero time window")
	}
}

func TestValidate_ArtifactMaxEntryCannotExceedCacheSize(t *testing.T) {
	cfg := baseValidConfig()
	cfg.ArtifactCacheBytes = 1024
	cfg.ArtifactMaxEntryBytes = 2048
	if err := cfg.validate(); err == nil {
		t.Fatal("expected error when max entry bytes exceeds cache bytes")
	}
}

func TestValidate_AcceptsWellFormedConfig(t *testing.T) {
	cfg := baseValidConfig()
	if err := cfg.validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func baseValidConfig() *Config {
	return &Config{
		ControlBaseURL:        "https://control.internal",
		RunnerBaseURL:         "http://runner.internal:9000",
		Bucket:                BucketConfig{Name: "deployments"},
		LogLevel:              "info",
		Cache:                 CacheConfig{Mode: "memory"},
		ArtifactCacheBytes:    500 * 1024 * 1024,
		ArtifactMaxEntryBytes: 5 * 1024 * 1024,
		CircuitBreaker: CircuitBreakerConfig{
			ErrorThreshold: 5,
			TimeWindow:     time.Minute,
		},
	}
}

func TestLoadDotEnv_MissingFileIsNotAnError(t *testing.T) {
	if err := loadDotEnv("does-not-exist.env"); err != nil {
		t.Fatalf("expected nil error for a missing .env file, got %v", err)
	}
}

func TestLoadDotEnv_DirectoryIsAnError(t *testing.T) {
	if err := loadDotEnv(t.TempDir()); err == nil {
		t.Fatal("expected error when path is a directory")
	}
}
