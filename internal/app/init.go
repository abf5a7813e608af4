package app

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"

	"github.com/origanhq/gateway/internal/accesslog"
	"github.com/origanhq/gateway/internal/acmehandler"
	"github.com/origanhq/gateway/internal/artifactcache"
	"github.com/origanhq/gateway/internal/blob"
	"github.com/origanhq/gateway/internal/certcache"
	"github.com/origanhq/gateway/internal/control"
	"github.com/origanhq/gateway/internal/dynamichandler"
	"github.com/origanhq/gateway/internal/metrics"
	"github.com/origanhq/gateway/internal/pipeline"
	"github.com/origanhq/gateway/internal/resolvecache"
	"github.com/origanhq/gateway/internal/statichandler"
)

// initInfra establishes optional external connections. Redis is only
// required when CACHE_MODE=redis.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Cache.RedisURL)))

		rdb, err := connectRedis(ctx, a.cfg.Cache.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initBackends constructs the object store client and the control plane
// client that every cache in front of them depends on.
func (a *App) initBackends(ctx context.Context) error {
	blobClient, err := blob.New(ctx, blob.Config{
		Bucket:         a.cfg.Bucket.Name,
		Endpoint:       a.cfg.Bucket.Endpoint,
		Region:         a.cfg.Bucket.Region,
		AccessKey:      a.cfg.Bucket.AccessKey,
		SecretKey:      a.cfg.Bucket.SecretKey,
		ForcePathStyle: a.cfg.Bucket.Endpoint != "",
	})
	if err != nil {
		return fmt.Errorf("blob client: %w", err)
	}
	a.blobClient = blobClient

	a.ctrl = control.New(a.cfg.ControlBaseURL, a.log)

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	accessLog, err := accesslog.New(a.baseCtx, a.log, accesslog.WithClickHouse(a.cfg.AccessLogClickHouseDSN))
	if err != nil {
		return fmt.Errorf("access log: %w", err)
	}
	a.access = accessLog

	return nil
}

// initCaches builds the artifact, resolve, and certificate caches. The
// resolve cache is backed by Redis when CACHE_MODE=redis so a deployment's
// resolved descriptor is shared across replicas instead of each one paying
// its own cold-cache control-plane round trip.
func (a *App) initCaches(_ context.Context) error {
	a.artifacts = artifactcache.New(artifactcache.Config{
		MaxBytes:      a.cfg.ArtifactCacheBytes,
		MaxEntryBytes: a.cfg.ArtifactMaxEntryBytes,
	})

	var resolveOpts []resolvecache.Option
	if a.cfg.Cache.Mode == "redis" {
		resolveOpts = append(resolveOpts, resolvecache.WithSharedStore(resolvecache.NewRedisStore(a.rdb)))
	}
	a.resolve = resolvecache.New(a.ctrl, resolvecache.Config{
		PositiveTTL: a.cfg.ConfigTTL,
		NegativeTTL: a.cfg.NegativeConfigTTL,
	}, resolveOpts...)

	var fallback *tls.Certificate
	if a.cfg.DefaultCertPath != "" {
		cert, err := loadFallbackCertificate(a.cfg.DefaultCertPath)
		if err != nil {
			return fmt.Errorf("fallback certificate: %w", err)
		}
		fallback = cert
	}
	a.certs = certcache.New(a.blobClient, fallback, certcache.Config{
		TTL:           a.cfg.CertCacheTTL,
		RefreshWindow: a.cfg.CertRefreshWindow,
	})

	return nil
}

// initHandlers constructs the static, dynamic, and ACME challenge handlers.
func (a *App) initHandlers(_ context.Context) error {
	a.static = statichandler.New(a.blobClient, a.artifacts, a.cfg.ArtifactMaxEntryBytes)

	a.dynamic = dynamichandler.New(a.cfg.RunnerBaseURL, dynamichandler.Config{
		Breaker: dynamichandler.NewCircuitBreakerWithConfig(dynamichandler.CBConfig{
			ErrorThreshold:  a.cfg.CircuitBreaker.ErrorThreshold,
			TimeWindow:      a.cfg.CircuitBreaker.TimeWindow,
			HalfOpenTimeout: a.cfg.CircuitBreaker.HalfOpenTimeout,
		}),
	})

	a.acme = acmehandler.New(a.blobClient)

	return nil
}

// initPipeline wires every cache and handler into the request state machine
// and registers readiness probes for the backends it depends on.
func (a *App) initPipeline(_ context.Context) error {
	a.health = pipeline.NewHealthChecker()
	a.health.Register("blob", a.blobClient.Ping)
	a.health.Register("control", a.ctrl.Ping)
	if a.rdb != nil {
		a.health.Register("redis", redisPinger(a.rdb))
	}

	a.gw = pipeline.New(
		pipeline.Config{
			StaticTimeout:  a.cfg.RequestTimeoutStatic,
			DynamicTimeout: a.cfg.RequestTimeoutDynamic,
			AcceptLimit:    a.cfg.AcceptLimit,
			CORSOrigins:    a.cfg.CORSOrigins,
			HTTPSRedirect:  a.cfg.HTTPSRedirect,
		},
		a.blobClient,
		a.resolve,
		a.certs,
		a.static,
		a.dynamic,
		a.acme,
		pipeline.WithLogger(a.log),
		pipeline.WithMetrics(a.prom),
		pipeline.WithAccessLog(a.access),
		pipeline.WithHealthChecker(a.health),
	)

	return nil
}

// loadFallbackCertificate reads a PEM file containing a certificate chain
// followed by its private key, both in the same file, and parses it into a
// tls.Certificate suitable for certcache's fallback slot.
func loadFallbackCertificate(path string) (*tls.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	cert, err := tls.X509KeyPair(data, data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cert, nil
}
