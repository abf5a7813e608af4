// Package pipeline implements the request state machine that ties every
// other package together: accept, resolve the hostname to a deployment,
// route the path against its manifest, dispatch to the static or dynamic
// handler, and answer with the right error taxonomy kind at whichever stage
// fails. It is a single linear function per request with named phases,
// metrics and access-log instrumentation recorded once per request, following
// the teacher's dispatchChat shape: nil-safe optional dependencies, a single
// deferred finalizer, no blocking I/O on any phase beyond what its handler
// already bounds.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/origanhq/gateway/internal/acmehandler"
	"github.com/origanhq/gateway/internal/accesslog"
	"github.com/origanhq/gateway/internal/blob"
	"github.com/origanhq/gateway/internal/certcache"
	"github.com/origanhq/gateway/internal/dynamichandler"
	"github.com/origanhq/gateway/internal/manifest"
	"github.com/origanhq/gateway/internal/metrics"
	"github.com/origanhq/gateway/internal/resolvecache"
	"github.com/origanhq/gateway/internal/router"
	"github.com/origanhq/gateway/internal/statichandler"
	"github.com/origanhq/gateway/pkg/gwerr"
)

// errClientDisconnected marks cancellation that must never produce a
// response: the caller already went away.
var errClientDisconnected = errors.New("pipeline: client disconnected")

// BlobGetter is the subset of blob.Client the pipeline depends on directly,
// for fetching manifest-declared custom error pages.
type BlobGetter interface {
	Get(ctx context.Context, key string) (*blob.Object, error)
}

// Config tunes per-request deadlines and accept-side admission.
type Config struct {
	// StaticTimeout bounds a static resource dispatch end to end. Default 60s.
	StaticTimeout time.Duration
	// DynamicTimeout bounds a dynamic resource dispatch end to end. Default 65s.
	DynamicTimeout time.Duration
	// AcceptLimit caps in-flight accepted connections per listener. Default 4096.
	AcceptLimit int
	// CORSOrigins configures CORS for the gateway's own meta endpoints only.
	CORSOrigins []string
	// HTTPSRedirect, when true, makes the plaintext listener answer every
	// non-ACME request with a 308 redirect to the HTTPS equivalent instead
	// of serving it directly. Default false, so local development without
	// certificates still works.
	HTTPSRedirect bool
}

func (c Config) withDefaults() Config {
	if c.StaticTimeout <= 0 {
		c.StaticTimeout = 60 * time.Second
	}
	if c.DynamicTimeout <= 0 {
		c.DynamicTimeout = 65 * time.Second
	}
	if c.AcceptLimit <= 0 {
		c.AcceptLimit = 4096
	}
	return c
}

// Gateway owns every cache and handler a request touches and drives the
// state machine from ACCEPTED through DONE or a terminal error state.
type Gateway struct {
	cfg Config

	blob    BlobGetter
	resolve *resolvecache.Cache
	certs   *certcache.Cache
	static  *statichandler.Handler
	dynamic *dynamichandler.Handler
	acme    *acmehandler.Handler

	health *HealthChecker

	log     *slog.Logger
	metrics *metrics.Registry
	access  *accesslog.Logger

	httpSrv  *fasthttp.Server
	httpsSrv *fasthttp.Server
}

// Option configures optional Gateway dependencies.
type Option func(*Gateway)

// WithLogger sets the structured logger used for pipeline-level events.
// Individual handlers do their own logging; this covers resolve/routing
// failures that happen before any handler is reached.
func WithLogger(log *slog.Logger) Option {
	return func(g *Gateway) { g.log = log }
}

// WithMetrics wires a Prometheus registry. Nil is safe and disables all
// pipeline-level metrics recording.
func WithMetrics(m *metrics.Registry) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithAccessLog wires the async access logger. Nil is safe and disables
// per-request access log entries.
func WithAccessLog(a *accesslog.Logger) Option {
	return func(g *Gateway) { g.access = a }
}

// WithHealthChecker wires dependency probes for /readiness. Nil is safe:
// /readiness then always reports ok, matching a gateway with nothing to
// check.
func WithHealthChecker(h *HealthChecker) Option {
	return func(g *Gateway) { g.health = h }
}

// New constructs a Gateway from its required dependencies.
func New(
	cfg Config,
	blobClient BlobGetter,
	resolve *resolvecache.Cache,
	certs *certcache.Cache,
	static *statichandler.Handler,
	dynamic *dynamichandler.Handler,
	acme *acmehandler.Handler,
	opts ...Option,
) *Gateway {
	g := &Gateway{
		cfg:     cfg.withDefaults(),
		blob:    blobClient,
		resolve: resolve,
		certs:   certs,
		static:  static,
		dynamic: dynamic,
		acme:    acme,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ServeHTTP handles a request on the plaintext listener: ACME challenges are
// served here unconditionally (they must work before any certificate
// exists), everything else runs the normal resolve/route/dispatch chain.
func (g *Gateway) ServeHTTP(ctx *fasthttp.RequestCtx) {
	if acmehandler.Matches(string(ctx.Path())) {
		g.acme.Serve(ctx)
		return
	}
	if g.cfg.HTTPSRedirect {
		g.redirectToHTTPS(ctx)
		return
	}
	g.handle(ctx)
}

// redirectToHTTPS answers with a permanent redirect to the HTTPS equivalent
// of the request, assuming the standard 443 mapping at the edge.
func (g *Gateway) redirectToHTTPS(ctx *fasthttp.RequestCtx) {
	location := fmt.Sprintf("https://%s%s", ctx.Host(), ctx.RequestURI())
	ctx.Redirect(location, fasthttp.StatusPermanentRedirect)
}

// ServeHTTPS handles a request on the TLS listener, after the SNI
// certificate hook has already selected a certificate for the connection.
func (g *Gateway) ServeHTTPS(ctx *fasthttp.RequestCtx) {
	g.handle(ctx)
}

// handle runs HEADERS_READ through DONE (or a terminal error state) for one
// request. ACCEPTED and TLS_HANDSHAKE happen below the application layer, in
// the listener and the certcache-backed SNI callback respectively.
func (g *Gateway) handle(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	state := "headers_read"
	var deploymentID, projectID string

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics != nil {
			g.metrics.DecInFlight()
			g.metrics.ObserveRequest(state, ctx.Response.StatusCode(), time.Since(start))
		}
		if g.access != nil && state != "done_disconnected" {
			g.access.Log(accesslog.RequestLog{
				DeploymentID: deploymentID,
				ProjectID:    projectID,
				Host:         string(ctx.Host()),
				Path:         string(ctx.Path()),
				Status:       uint16(ctx.Response.StatusCode()),
				LatencyMs:    uint32(time.Since(start).Milliseconds()),
				CreatedAt:    start,
			})
		}
	}()

	host, err := validateHost(ctx)
	if err != nil {
		state = "bad_request"
		gwerr.Write(ctx, gwerr.KindBadRequest)
		return
	}

	desc, err := g.resolve.Resolve(ctx, host)
	if err != nil {
		switch {
		case errors.Is(err, resolvecache.ErrNotFound):
			state = "not_found_domain"
			gwerr.Write(ctx, gwerr.KindNotFoundDomain)
		default:
			state = "unavailable"
			gwerr.Write(ctx, gwerr.KindUnavailable)
		}
		return
	}
	deploymentID, projectID = desc.DeploymentID, desc.ProjectID
	state = "host_resolved"

	match, err := router.Resolve(desc, string(ctx.Path()))
	if err != nil {
		state = "not_found_path"
		g.writeWithCustomPage(ctx, desc, gwerr.KindNotFoundPath, "/404.html")
		return
	}
	state = "routed"

	deadline := g.cfg.StaticTimeout
	if match.Resource.Kind == manifest.Dynamic {
		deadline = g.cfg.DynamicTimeout
	}

	if err := g.dispatchWithDeadline(ctx, desc, match, deadline); err != nil {
		if errors.Is(err, errClientDisconnected) {
			state = "done_disconnected"
			return
		}
		kind := gwerr.KindOf(err)
		state = kind.String()
		switch kind {
		case gwerr.KindInternalManifestBroken:
			g.writeWithCustomPage(ctx, desc, kind, "/500.html")
		case gwerr.KindNotFoundPath:
			g.writeWithCustomPage(ctx, desc, kind, "/404.html")
		default:
			gwerr.Write(ctx, kind)
		}
		g.log.ErrorContext(ctx, "dispatch_failed",
			slog.String("deployment_id", desc.DeploymentID),
			slog.String("host", host),
			slog.String("path", string(ctx.Path())),
			slog.String("kind", kind.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	state = "done"
}

// dispatchWithDeadline runs the matched handler in its own goroutine so the
// pipeline can enforce the resource-kind deadline and react to client
// disconnect without the handler itself needing to know about either. The
// handler goroutine is not forcibly killed on timeout — it observes ctx's
// own cancellation the same way dynamichandler's upstream call does — but
// the client gets a timely 504 rather than waiting on it.
func (g *Gateway) dispatchWithDeadline(ctx *fasthttp.RequestCtx, desc *manifest.Descriptor, match *router.Match, deadline time.Duration) error {
	done := make(chan error, 1)
	go func() {
		if match.Resource.Kind == manifest.Dynamic {
			done <- g.dynamic.Serve(ctx, desc, match.Resource, match.MatchedPath)
			return
		}
		done <- g.static.Serve(ctx, desc.DeploymentID, match.Resource)
	}()

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return gwerr.New(gwerr.KindUpstreamTimeout, fmt.Errorf("pipeline: deadline of %s exceeded", deadline))
	case <-ctx.Done():
		return errClientDisconnected
	}
}

// writeWithCustomPage serves a deployment-supplied error page for kind when
// the manifest advertises one at wellKnownPath, falling back to the generic
// page on any failure to fetch it.
func (g *Gateway) writeWithCustomPage(ctx *fasthttp.RequestCtx, desc *manifest.Descriptor, kind gwerr.Kind, wellKnownPath string) {
	resourcePath, ok := desc.CustomErrorPage(wellKnownPath)
	if !ok {
		gwerr.Write(ctx, kind)
		return
	}

	obj, err := g.blob.Get(ctx, blob.StaticKey(desc.DeploymentID, resourcePath))
	if err != nil {
		gwerr.Write(ctx, kind)
		return
	}
	defer obj.Body.Close()

	body, err := io.ReadAll(obj.Body)
	if err != nil {
		gwerr.Write(ctx, kind)
		return
	}
	gwerr.WriteBody(ctx, kind, body)
}

// validateHost extracts and normalizes the request's Host header, rejecting
// a missing or malformed one per the BAD_REQUEST_400 transition.
func validateHost(ctx *fasthttp.RequestCtx) (string, error) {
	host := string(ctx.Host())
	if host == "" {
		return "", errors.New("pipeline: missing host header")
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "" || strings.ContainsAny(host, " \t\r\n/\\") {
		return "", errors.New("pipeline: invalid host header")
	}
	return host, nil
}
