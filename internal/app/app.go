// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra     — external connections (Redis, when CACHE_MODE=redis)
//  2. initBackends  — object store and control plane clients
//  3. initCaches    — artifact, resolve, and certificate caches
//  4. initHandlers  — static, dynamic, and ACME handlers
//  5. initPipeline  — the request state machine and its listeners
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/origanhq/gateway/internal/accesslog"
	"github.com/origanhq/gateway/internal/acmehandler"
	"github.com/origanhq/gateway/internal/artifactcache"
	"github.com/origanhq/gateway/internal/blob"
	"github.com/origanhq/gateway/internal/certcache"
	"github.com/origanhq/gateway/internal/config"
	"github.com/origanhq/gateway/internal/control"
	"github.com/origanhq/gateway/internal/dynamichandler"
	"github.com/origanhq/gateway/internal/metrics"
	"github.com/origanhq/gateway/internal/pipeline"
	"github.com/origanhq/gateway/internal/resolvecache"
	"github.com/origanhq/gateway/internal/statichandler"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb *redis.Client

	blobClient *blob.Client
	ctrl       *control.Client

	artifacts *artifactcache.Cache
	resolve   *resolvecache.Cache
	certs     *certcache.Cache

	static  *statichandler.Handler
	dynamic *dynamichandler.Handler
	acme    *acmehandler.Handler

	prom   *metrics.Registry
	access *accesslog.Logger
	health *pipeline.HealthChecker

	gw *pipeline.Gateway
}

// New initialises all subsystems and returns a ready-to-run App. All
// resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"backends", a.initBackends},
		{"caches", a.initCaches},
		{"handlers", a.initHandlers},
		{"pipeline", a.initPipeline},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts both listeners and the cache sweepers, blocking until ctx is
// cancelled or a listener errors. It closes the app gracefully when
// returning.
func (a *App) Run(ctx context.Context) error {
	httpAddr := fmt.Sprintf(":%d", a.cfg.HTTPPort)
	httpsAddr := fmt.Sprintf(":%d", a.cfg.HTTPSPort)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("http_addr", httpAddr),
		slog.String("https_addr", httpsAddr),
		slog.String("cache_mode", a.cfg.Cache.Mode),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.StartHTTP(httpAddr)
	})

	g.Go(func() error {
		return a.gw.StartHTTPS(httpsAddr)
	})

	g.Go(func() error {
		a.gw.RunSweepers(gctx, time.Minute)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.gw.Shutdown(shutdownCtx); err != nil {
			a.log.Error("shutdown error", slog.String("error", err.Error()))
		}
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times in sequence; calls are not synchronized, so concurrent calls race.
func (a *App) Close() {
	if a.access != nil {
		if err := a.access.Close(); err != nil {
			a.log.Error("access log close error", slog.String("error", err.Error()))
		}
		a.access = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// connectRedis parses the URL and verifies connectivity with a PING.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redisPinger returns a readiness probe reusing the existing client.
func redisPinger(rdb *redis.Client) pipeline.ReadinessProbe {
	return func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
