// Package acmehandler serves HTTP-01 challenge responses for domains that
// have no deployment bound yet — the prerequisite for issuing their first
// certificate. It runs on the plaintext listener ahead of any
// hostname-to-deployment resolution.
package acmehandler

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/valyala/fasthttp"

	"github.com/origanhq/gateway/internal/blob"
)

const challengePrefix = "/.well-known/acme-challenge/"

// BlobGetter is the subset of blob.Client the handler depends on.
type BlobGetter interface {
	Get(ctx context.Context, key string) (*blob.Object, error)
}

// Handler serves ACME HTTP-01 challenge tokens from object storage.
type Handler struct {
	blob BlobGetter
}

// New constructs a Handler backed by blobClient.
func New(blobClient BlobGetter) *Handler {
	return &Handler{blob: blobClient}
}

// Matches reports whether path is an ACME challenge request this handler
// should serve.
func Matches(path string) bool {
	return strings.HasPrefix(path, challengePrefix) && len(path) > len(challengePrefix)
}

// Serve writes the key-authorization bytes for the token embedded in
// ctx's path, or a 404 if no such challenge has been published.
func (h *Handler) Serve(ctx *fasthttp.RequestCtx) {
	token := strings.TrimPrefix(string(ctx.Path()), challengePrefix)

	obj, err := h.blob.Get(ctx, blob.AcmeChallengeKey(token))
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			ctx.SetStatusCode(fasthttp.StatusNotFound)
			return
		}
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		return
	}
	defer obj.Body.Close()

	body, err := io.ReadAll(obj.Body)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		return
	}

	ctx.SetContentType("text/plain; charset=utf-8")
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBody(body)
}
