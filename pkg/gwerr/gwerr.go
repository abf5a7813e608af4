// Package gwerr provides the gateway's structured error taxonomy and the
// HTTP responses that correspond to each kind. Handlers classify failures
// into a Kind and call Write; the body is always a generic page unless the
// caller supplies one from a deployment manifest.
package gwerr

import (
	"errors"

	"github.com/valyala/fasthttp"
)

// Kind is one of the terminal error classifications from the request
// pipeline's state machine.
type Kind int

const (
	// KindBadRequest covers missing/invalid Host headers and path traversal
	// attempts.
	KindBadRequest Kind = iota
	// KindNotFoundDomain means the control plane has no deployment bound to
	// the requested hostname.
	KindNotFoundDomain
	// KindNotFoundPath means the router found no manifest resource matching
	// the request path.
	KindNotFoundPath
	// KindNotFoundCert means the SNI hook found no certificate for an
	// unknown hostname and no fallback is configured.
	KindNotFoundCert
	// KindUnavailable means the control plane is transiently failing and no
	// stale entry could be served.
	KindUnavailable
	// KindUpstreamTimeout means the function runner did not respond within
	// the configured headers timeout.
	KindUpstreamTimeout
	// KindUpstreamError means the function runner refused the connection,
	// failed TLS, or returned a framework-level 5xx.
	KindUpstreamError
	// KindInternalManifestBroken means the manifest names a static blob
	// that no longer exists in object storage.
	KindInternalManifestBroken
	// KindInternal covers any uncaught internal error.
	KindInternal
)

// Error is the structured error type handlers return; it carries the
// taxonomy Kind and an underlying cause that is never shown to the client.
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// New wraps cause (which may be nil) as a gateway Error of the given kind.
func New(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// String returns a short machine-readable name for the kind, used in log
// fields and metrics labels.
func (k Kind) String() string {
	switch k {
	case KindBadRequest:
		return "bad_request"
	case KindNotFoundDomain:
		return "not_found_domain"
	case KindNotFoundPath:
		return "not_found_path"
	case KindNotFoundCert:
		return "not_found_cert"
	case KindUnavailable:
		return "unavailable"
	case KindUpstreamTimeout:
		return "upstream_timeout"
	case KindUpstreamError:
		return "upstream_error"
	case KindInternalManifestBroken:
		return "internal_manifest_broken"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Status returns the HTTP status code the client should see for this kind.
// KindNotFoundCert has no HTTP status — it fails the TLS handshake instead.
func (k Kind) Status() int {
	switch k {
	case KindBadRequest:
		return fasthttp.StatusBadRequest
	case KindNotFoundDomain, KindNotFoundPath:
		return fasthttp.StatusNotFound
	case KindUnavailable:
		return fasthttp.StatusServiceUnavailable
	case KindUpstreamTimeout:
		return fasthttp.StatusGatewayTimeout
	case KindUpstreamError:
		return fasthttp.StatusBadGateway
	case KindInternalManifestBroken, KindInternal:
		return fasthttp.StatusInternalServerError
	default:
		return fasthttp.StatusInternalServerError
	}
}

// genericBody is the HTML sent for every kind unless the deployment manifest
// supplies its own page. It never reveals upstream URLs, deployment ids, or
// stack traces.
func genericBody(k Kind) string {
	switch k {
	case KindNotFoundDomain, KindNotFoundPath:
		return `<!doctype html><html><head><title>404 Not Found</title></head><body><h1>404 Not Found</h1></body></html>`
	case KindUnavailable:
		return `<!doctype html><html><head><title>503 Service Unavailable</title></head><body><h1>503 Service Unavailable</h1></body></html>`
	case KindUpstreamTimeout:
		return `<!doctype html><html><head><title>504 Gateway Timeout</title></head><body><h1>504 Gateway Timeout</h1></body></html>`
	case KindUpstreamError:
		return `<!doctype html><html><head><title>502 Bad Gateway</title></head><body><h1>502 Bad Gateway</h1></body></html>`
	case KindBadRequest:
		return `<!doctype html><html><head><title>400 Bad Request</title></head><body><h1>400 Bad Request</h1></body></html>`
	default:
		return `<!doctype html><html><head><title>500 Internal Server Error</title></head><body><h1>500 Internal Server Error</h1></body></html>`
	}
}

// Write renders a generic error page for the given kind to ctx.
func Write(ctx *fasthttp.RequestCtx, k Kind) {
	WriteBody(ctx, k, nil)
}

// WriteBody renders kind's status with body, falling back to the generic
// page when body is nil — used when a deployment supplies a custom error
// page (e.g. a manifest-listed /404.html).
func WriteBody(ctx *fasthttp.RequestCtx, k Kind, body []byte) {
	ctx.ResetBody()
	ctx.SetStatusCode(k.Status())
	ctx.SetContentType("text/html; charset=utf-8")
	if k == KindUnavailable {
		ctx.Response.Header.Set("Retry-After", "5")
	}
	if body != nil {
		ctx.SetBody(body)
		return
	}
	ctx.SetBodyString(genericBody(k))
}

// As extracts a *Error from err, returning (nil, false) if err does not wrap
// one.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf classifies err into a Kind, defaulting to KindInternal when err
// does not wrap a gateway Error.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}
