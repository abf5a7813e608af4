package dynamichandler

import (
	"net"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/origanhq/gateway/internal/manifest"
	"github.com/origanhq/gateway/pkg/gwerr"
)

func startRunner(t *testing.T, handler fasthttp.RequestHandler) (*fasthttputil.InmemoryListener, func()) {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	srv := &fasthttp.Server{Handler: handler}
	go srv.Serve(ln)
	return ln, func() { srv.Shutdown() }
}

func dialerFor(ln *fasthttputil.InmemoryListener) func(addr string) (net.Conn, error) {
	return func(addr string) (net.Conn, error) { return ln.Dial() }
}

func TestHandler_ProxiesRequestAndInjectsHeaders(t *testing.T) {
	var gotDeployment, gotProject, gotForwardedHost string
	ln, closeSrv := startRunner(t, func(ctx *fasthttp.RequestCtx) {
		gotDeployment = string(ctx.Request.Header.Peek("X-Origan-Deployment"))
		gotProject = string(ctx.Request.Header.Peek("X-Origan-Project"))
		gotForwardedHost = string(ctx.Request.Header.Peek("X-Forwarded-Host"))
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("upstream-ok")
	})
	defer closeSrv()

	h := New("http://runner.internal", Config{})
	h.client.Dial = dialerFor(ln)

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod("GET")
	ctx.Request.SetRequestURI("/api/users")
	ctx.Request.Header.SetHost("example.com")

	desc := &manifest.Descriptor{DeploymentID: "dep1", ProjectID: "proj1"}
	res := manifest.Resource{Kind: manifest.Dynamic, URLPath: "/api", ResourcePath: "handler"}

	if err := h.Serve(ctx, desc, res, "/api/users"); err != nil {
		t.Fatal(err)
	}

	if gotDeployment != "dep1" {
		t.Errorf("expected X-Origan-Deployment dep1, got %q", gotDeployment)
	}
	if gotProject != "proj1" {
		t.Errorf("expected X-Origan-Project proj1, got %q", gotProject)
	}
	if gotForwardedHost != "example.com" {
		t.Errorf("expected X-Forwarded-Host example.com, got %q", gotForwardedHost)
	}
	if string(ctx.Response.Body()) != "upstream-ok" {
		t.Errorf("unexpected body: %s", ctx.Response.Body())
	}
}

func TestHandler_StripsHopByHopHeaders(t *testing.T) {
	var gotConnection string
	ln, closeSrv := startRunner(t, func(ctx *fasthttp.RequestCtx) {
		gotConnection = string(ctx.Request.Header.Peek("Connection"))
		ctx.SetStatusCode(fasthttp.StatusOK)
	})
	defer closeSrv()

	h := New("http://runner.internal", Config{})
	h.client.Dial = dialerFor(ln)

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod("GET")
	ctx.Request.SetRequestURI("/api")
	ctx.Request.Header.Set("Connection", "keep-alive")

	desc := &manifest.Descriptor{DeploymentID: "dep1"}
	res := manifest.Resource{Kind: manifest.Dynamic, ResourcePath: "handler"}
	if err := h.Serve(ctx, desc, res, "/api"); err != nil {
		t.Fatal(err)
	}

	if gotConnection != "" {
		t.Errorf("expected Connection header stripped, got %q", gotConnection)
	}
}

func TestHandler_ForwardsEnvVarsAsHeaders(t *testing.T) {
	var gotEnv string
	ln, closeSrv := startRunner(t, func(ctx *fasthttp.RequestCtx) {
		gotEnv = string(ctx.Request.Header.Peek("X-Origan-Env-FOO"))
		ctx.SetStatusCode(fasthttp.StatusOK)
	})
	defer closeSrv()

	h := New("http://runner.internal", Config{})
	h.client.Dial = dialerFor(ln)

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod("GET")
	ctx.Request.SetRequestURI("/api")

	desc := &manifest.Descriptor{DeploymentID: "dep1", EnvVars: map[string]string{"FOO": "bar"}}
	res := manifest.Resource{Kind: manifest.Dynamic, ResourcePath: "handler"}
	if err := h.Serve(ctx, desc, res, "/api"); err != nil {
		t.Fatal(err)
	}

	if gotEnv != "bar" {
		t.Errorf("expected X-Origan-Env-FOO=bar, got %q", gotEnv)
	}
}

func TestHandler_OpenCircuitRejectsImmediately(t *testing.T) {
	h := New("http://runner.internal", Config{Breaker: NewCircuitBreakerWithConfig(CBConfig{ErrorThreshold: 1})})
	h.cfg.Breaker.RecordFailure("dep1")

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod("GET")
	ctx.Request.SetRequestURI("/api")

	desc := &manifest.Descriptor{DeploymentID: "dep1"}
	res := manifest.Resource{Kind: manifest.Dynamic, ResourcePath: "handler"}

	err := h.Serve(ctx, desc, res, "/api")
	gerr, ok := gwerr.As(err)
	if !ok || gerr.Kind != gwerr.KindUpstreamError {
		t.Fatalf("expected KindUpstreamError for open circuit, got %v", err)
	}
}

func TestHandler_ConnectFailureClassifiedAsUpstreamError(t *testing.T) {
	h := New("http://runner.internal", Config{ConnectTimeout: 50 * time.Millisecond, HeadersTimeout: 100 * time.Millisecond})
	h.client.Dial = func(addr string) (net.Conn, error) {
		return nil, &net.OpError{Op: "dial", Err: net.UnknownNetworkError("refused")}
	}

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod("GET")
	ctx.Request.SetRequestURI("/api")

	desc := &manifest.Descriptor{DeploymentID: "dep1"}
	res := manifest.Resource{Kind: manifest.Dynamic, ResourcePath: "handler"}

	err := h.Serve(ctx, desc, res, "/api")
	if _, ok := gwerr.As(err); !ok {
		t.Fatalf("expected a classified gateway error, got %v", err)
	}
}
