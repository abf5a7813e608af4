// Package dynamichandler proxies requests to a deployment's function
// runner: it strips hop-by-hop headers, injects forwarding and Origan
// identity headers, relays both bodies through SetBodyStream, and applies
// connect/headers/idle timeouts. Neither the fasthttp client below nor the
// gateway's listeners enable body streaming, so the request body and the
// runner's response body are each read in full before they are relayed. A circuit breaker, keyed by deployment id,
// can short-circuit a deployment whose runner is repeatedly failing.
package dynamichandler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/origanhq/gateway/internal/manifest"
	"github.com/origanhq/gateway/pkg/gwerr"
)

// hopByHopHeaders must never be forwarded to or from the upstream runner,
// per RFC 7230 §6.1.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"TE":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// Config tunes proxy timeouts.
type Config struct {
	// ConnectTimeout bounds establishing the TCP connection to the runner.
	// Default 2s.
	ConnectTimeout time.Duration
	// HeadersTimeout bounds waiting for the first response byte. Default 30s.
	HeadersTimeout time.Duration
	// IdleTimeout bounds the gap between consecutive body chunks once
	// streaming has started. Default 60s.
	IdleTimeout time.Duration
	// Breaker, if non-nil, gates requests per deployment id.
	Breaker *CircuitBreaker
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 2 * time.Second
	}
	if c.HeadersTimeout <= 0 {
		c.HeadersTimeout = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	return c
}

// Handler proxies dynamic resources to the configured runner base URL.
type Handler struct {
	cfg        Config
	runnerBase string
	client     *fasthttp.Client
}

// New constructs a Handler targeting runnerBase (e.g.
// "http://runner.internal:9000").
func New(runnerBase string, cfg Config) *Handler {
	cfg = cfg.withDefaults()
	return &Handler{
		cfg:        cfg,
		runnerBase: strings.TrimSuffix(runnerBase, "/"),
		client: &fasthttp.Client{
			Dial: func(addr string) (net.Conn, error) {
				return fasthttp.DialTimeout(addr, cfg.ConnectTimeout)
			},
			ReadTimeout:              cfg.HeadersTimeout,
			MaxIdleConnDuration:      90 * time.Second,
			NoDefaultUserAgentHeader: true,
		},
	}
}

// Serve proxies ctx to the runner for the given descriptor/resource.
func (h *Handler) Serve(ctx *fasthttp.RequestCtx, descriptor *manifest.Descriptor, res manifest.Resource, matchedPath string) error {
	breakerKey := descriptor.DeploymentID
	if h.cfg.Breaker != nil && !h.cfg.Breaker.Allow(breakerKey) {
		return gwerr.New(gwerr.KindUpstreamError, fmt.Errorf("circuit open for deployment %s", breakerKey))
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()

	upstreamURL := fmt.Sprintf("%s/%s/%s", h.runnerBase, descriptor.DeploymentID, strings.TrimPrefix(res.ResourcePath, "/"))
	req.SetRequestURI(upstreamURL)
	req.Header.SetMethod(string(ctx.Method()))

	h.copyRequestHeaders(ctx, req, descriptor)
	req.SetBodyStream(ctx.RequestBodyStream(), ctx.Request.Header.ContentLength())

	deadline := time.Now().Add(h.cfg.HeadersTimeout)
	clientDone := ctx.Done()

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.client.DoDeadline(req, resp, deadline)
	}()

	select {
	case err := <-errCh:
		defer fasthttp.ReleaseRequest(req)
		if err != nil {
			fasthttp.ReleaseResponse(resp)
			if h.cfg.Breaker != nil {
				h.cfg.Breaker.RecordFailure(breakerKey)
			}
			return classifyUpstreamError(err)
		}

		if h.cfg.Breaker != nil {
			if resp.StatusCode() >= 500 {
				h.cfg.Breaker.RecordFailure(breakerKey)
			} else {
				h.cfg.Breaker.RecordSuccess(breakerKey)
			}
		}
		// copyResponse takes ownership of resp and releases it once the body
		// has been copied to the client.
		h.copyResponse(ctx, resp)
		return nil

	case <-clientDone:
		// The goroutine above is still writing into req/resp and still holds
		// the breaker's probe slot if this was a half-open probe; releasing
		// either now, before DoDeadline returns, would hand pooled fasthttp
		// objects to an unrelated request mid-write and could leave the
		// breaker's probeInflight flag stuck forever. Abort promptly from the
		// caller's perspective, but defer cleanup to once the goroutine
		// actually finishes, at most HeadersTimeout from now.
		go func() {
			err := <-errCh
			if h.cfg.Breaker != nil {
				if err != nil || resp.StatusCode() >= 500 {
					h.cfg.Breaker.RecordFailure(breakerKey)
				} else {
					h.cfg.Breaker.RecordSuccess(breakerKey)
				}
			}
			fasthttp.ReleaseRequest(req)
			fasthttp.ReleaseResponse(resp)
		}()
		return gwerr.New(gwerr.KindUpstreamTimeout, errors.New("client disconnected before upstream responded"))
	}
}

func (h *Handler) copyRequestHeaders(ctx *fasthttp.RequestCtx, req *fasthttp.Request, descriptor *manifest.Descriptor) {
	ctx.Request.Header.VisitAll(func(key, value []byte) {
		k := string(key)
		if hopByHopHeaders[k] {
			return
		}
		req.Header.SetBytesKV(key, value)
	})

	clientIP := ctx.RemoteIP().String()
	if existing := string(req.Header.Peek("X-Forwarded-For")); existing != "" {
		req.Header.Set("X-Forwarded-For", existing+", "+clientIP)
	} else {
		req.Header.Set("X-Forwarded-For", clientIP)
	}
	req.Header.Set("X-Forwarded-Host", string(ctx.Host()))
	proto := "http"
	if ctx.IsTLS() {
		proto = "https"
	}
	req.Header.Set("X-Forwarded-Proto", proto)
	req.Header.Set("X-Origan-Deployment", descriptor.DeploymentID)
	req.Header.Set("X-Origan-Project", descriptor.ProjectID)

	for name, value := range descriptor.EnvVars {
		req.Header.Set("X-Origan-Env-"+name, value)
	}
}

func (h *Handler) copyResponse(ctx *fasthttp.RequestCtx, resp *fasthttp.Response) {
	ctx.SetStatusCode(resp.StatusCode())
	resp.Header.VisitAll(func(key, value []byte) {
		k := string(key)
		if hopByHopHeaders[k] {
			return
		}
		ctx.Response.Header.SetBytesKV(key, value)
	})

	if ctx.IsHead() {
		ctx.Response.SkipBody = true
		fasthttp.ReleaseResponse(resp)
		return
	}

	contentLength := resp.Header.ContentLength()
	pr, pw := io.Pipe()
	go func() {
		err := drainIdle(ctx, pw, resp.BodyStream(), h.cfg.IdleTimeout)
		pw.CloseWithError(err)
		fasthttp.ReleaseResponse(resp)
	}()
	ctx.SetBodyStream(pr, contentLength)
}

// classifyUpstreamError maps a fasthttp client error into the gateway's
// taxonomy, distinguishing a connect/timeout failure (the runner framework
// itself is unreachable) from whatever the deployment's own code returned,
// which never reaches this path since a successful round trip is not an
// error.
func classifyUpstreamError(err error) *gwerr.Error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return gwerr.New(gwerr.KindUpstreamTimeout, err)
	}
	if errors.Is(err, fasthttp.ErrTimeout) || errors.Is(err, fasthttp.ErrDialTimeout) {
		return gwerr.New(gwerr.KindUpstreamTimeout, err)
	}
	return gwerr.New(gwerr.KindUpstreamError, err)
}

// drainIdle copies src to dst, failing if more than idleTimeout elapses
// between reads. Used when a runner's response body trickles slower than
// the idle timeout allows, since fasthttp's own streaming copy has no
// built-in inter-chunk deadline.
func drainIdle(ctx context.Context, dst io.Writer, src io.Reader, idleTimeout time.Duration) error {
	buf := make([]byte, 32*1024)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		type result struct {
			n   int
			err error
		}
		done := make(chan result, 1)
		go func() {
			n, err := src.Read(buf)
			done <- result{n, err}
		}()

		select {
		case r := <-done:
			if r.n > 0 {
				if _, werr := dst.Write(buf[:r.n]); werr != nil {
					return werr
				}
			}
			if r.err != nil {
				if r.err == io.EOF {
					return nil
				}
				return r.err
			}
		case <-time.After(idleTimeout):
			return fmt.Errorf("dynamichandler: idle timeout after %s", idleTimeout)
		}
	}
}
