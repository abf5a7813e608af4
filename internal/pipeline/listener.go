package pipeline

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/http2"

	"github.com/origanhq/gateway/internal/gateway"
)

// semaphoreListener bounds the number of accepted-but-not-yet-closed
// connections, providing the accept-side backpressure the request pipeline
// relies on instead of letting an unbounded number of slow clients pile up
// goroutines.
type semaphoreListener struct {
	net.Listener
	sem chan struct{}
}

func newSemaphoreListener(inner net.Listener, limit int) net.Listener {
	if limit <= 0 {
		limit = 4096
	}
	return &semaphoreListener{Listener: inner, sem: make(chan struct{}, limit)}
}

func (l *semaphoreListener) Accept() (net.Conn, error) {
	l.sem <- struct{}{}
	conn, err := l.Listener.Accept()
	if err != nil {
		<-l.sem
		return nil, err
	}
	return &releasingConn{Conn: conn, release: func() { <-l.sem }}, nil
}

type releasingConn struct {
	net.Conn
	once    sync.Once
	release func()
}

func (c *releasingConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(c.release)
	return err
}

// buildRouter wires the meta endpoints and the catch-all request handler.
// CORS and security headers apply only to the meta endpoints: proxied
// deployment content must never carry headers that weren't part of its own
// manifest, per the gateway package's documented scope.
func (g *Gateway) buildRouter(serve fasthttp.RequestHandler) fasthttp.RequestHandler {
	r := router.New()

	meta := gateway.ApplyMiddleware
	cors := gateway.CORSHandler(g.cfg.CORSOrigins)
	r.GET("/health", meta(g.handleHealth, cors, gateway.SecurityHeaders))
	r.GET("/readiness", meta(g.handleReadiness, cors, gateway.SecurityHeaders))
	if g.metrics != nil {
		r.GET("/metrics", meta(g.metrics.Handler(), cors, gateway.SecurityHeaders))
	}
	r.ANY("/{path:*}", serve)

	return gateway.ApplyMiddleware(r.Handler, gateway.Recovery, gateway.RequestID, gateway.Timing)
}

// StartHTTP serves the plaintext listener (ACME challenges plus ordinary
// unencrypted traffic, or a 308 redirect to HTTPS for every non-ACME
// request when Config.HTTPSRedirect is set). The redirect setting is
// gateway-wide; there is no per-deployment choice. Blocks until the
// listener is closed.
func (g *Gateway) StartHTTP(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("pipeline: listen %s: %w", addr, err)
	}
	ln = newSemaphoreListener(ln, g.cfg.AcceptLimit)

	g.httpSrv = &fasthttp.Server{
		Handler:      g.buildRouter(g.ServeHTTP),
		ReadTimeout:  g.cfg.DynamicTimeout,
		WriteTimeout: g.cfg.DynamicTimeout,
	}
	return g.httpSrv.Serve(ln)
}

// StartHTTPS serves the TLS listener. The certificate cache's GetCertificate
// method is installed as the SNI callback directly, so the only blocking
// work the handshake path can ever do is the single-flighted blob fetch on a
// cold hostname.
func (g *Gateway) StartHTTPS(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("pipeline: listen %s: %w", addr, err)
	}
	ln = newSemaphoreListener(ln, g.cfg.AcceptLimit)

	tlsCfg := &tls.Config{
		GetCertificate: g.certs.GetCertificate,
		MinVersion:     tls.VersionTLS12,
		NextProtos:     []string{"h2", "http/1.1"},
	}

	g.httpsSrv = &fasthttp.Server{
		Handler:      g.buildRouter(g.ServeHTTPS),
		ReadTimeout:  g.cfg.DynamicTimeout,
		WriteTimeout: g.cfg.DynamicTimeout,
	}
	if err := http2.ConfigureServer(g.httpsSrv, http2.ServerConfig{}); err != nil {
		g.log.Warn("http2_configure_failed", slog.String("error", err.Error()))
	}

	return g.httpsSrv.Serve(tls.NewListener(ln, tlsCfg))
}

// Shutdown gracefully stops both listeners, letting in-flight requests drain
// until ctx is done.
func (g *Gateway) Shutdown(ctx context.Context) error {
	var firstErr error
	for _, srv := range []*fasthttp.Server{g.httpSrv, g.httpsSrv} {
		if srv == nil {
			continue
		}
		if err := srv.ShutdownWithContext(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RunSweepers runs the resolve and certificate cache sweepers on a ticker
// until ctx is canceled. The artifact cache needs no equivalent: its
// negative entries self-evict on next lookup and its positive entries are
// bounded by LRU eviction at insert time, so a background pass would have
// nothing additional to reclaim.
func (g *Gateway) RunSweepers(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.resolve.Sweep()
			g.certs.Sweep(ctx)
		}
	}
}
