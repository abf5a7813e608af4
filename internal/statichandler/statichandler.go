// Package statichandler serves manifest-declared static resources: it
// decides whether a resource is small enough to buffer through the
// artifact cache or must stream directly from object storage, then applies
// content negotiation (conditional requests, single-range byte ranges,
// on-the-fly gzip) the way the teacher's streaming response path handles
// SSE framing — headers fully computed up front, body written last.
package statichandler

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/origanhq/gateway/internal/artifactcache"
	"github.com/origanhq/gateway/internal/blob"
	"github.com/origanhq/gateway/internal/manifest"
	"github.com/origanhq/gateway/pkg/gwerr"
)

// BlobGetter is the subset of blob.Client the handler depends on.
type BlobGetter interface {
	Get(ctx context.Context, key string) (*blob.Object, error)
	Stat(ctx context.Context, key string) (blob.Metadata, error)
}

// Handler serves static resources for resolved deployments.
type Handler struct {
	blob         BlobGetter
	artifacts    *artifactcache.Cache
	streamCutoff int64 // resources larger than this bypass the artifact cache
}

// New constructs a Handler. streamCutoff should match the artifact cache's
// MaxEntryBytes so admission decisions agree.
func New(blobClient BlobGetter, artifacts *artifactcache.Cache, streamCutoff int64) *Handler {
	if streamCutoff <= 0 {
		streamCutoff = 5 * 1024 * 1024
	}
	return &Handler{blob: blobClient, artifacts: artifacts, streamCutoff: streamCutoff}
}

// Serve writes the response for res to ctx, or returns a gwerr.Error.
func (h *Handler) Serve(ctx *fasthttp.RequestCtx, deploymentID string, res manifest.Resource) error {
	key := blob.StaticKey(deploymentID, res.ResourcePath)

	meta, err := h.blob.Stat(ctx, key)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return gwerr.New(gwerr.KindInternalManifestBroken, err)
		}
		return gwerr.New(gwerr.KindUnavailable, err)
	}

	if meta.ContentLength > h.streamCutoff {
		return h.serveStreamed(ctx, key, res, meta)
	}
	return h.serveBuffered(ctx, deploymentID, key, res)
}

func (h *Handler) serveBuffered(ctx *fasthttp.RequestCtx, deploymentID, key string, res manifest.Resource) error {
	art, notFound, err := h.artifacts.Get(ctx, deploymentID, res.ResourcePath, func(loadCtx context.Context) (*artifactcache.Artifact, bool, error) {
		obj, err := h.blob.Get(loadCtx, key)
		if err != nil {
			if errors.Is(err, blob.ErrNotFound) {
				return nil, true, nil
			}
			return nil, false, err
		}
		defer obj.Body.Close()

		body, err := io.ReadAll(obj.Body)
		if err != nil {
			return nil, false, err
		}
		sum := sha256.Sum256(body)
		return &artifactcache.Artifact{
			Bytes:        body,
			ContentType:  contentTypeFor(res.ResourcePath),
			ETag:         `"` + hex.EncodeToString(sum[:]) + `"`,
			LastModified: obj.Meta.LastModified,
		}, false, nil
	})
	if err != nil {
		return gwerr.New(gwerr.KindUnavailable, err)
	}
	if notFound {
		return gwerr.New(gwerr.KindInternalManifestBroken, fmt.Errorf("manifest references missing blob %s", key))
	}

	if notModified(ctx, art.ETag, art.LastModified) {
		writeCommonHeaders(ctx, art.ContentType, art.ETag, art.LastModified, res)
		ctx.SetStatusCode(fasthttp.StatusNotModified)
		return nil
	}

	body := art.Bytes
	gzipped := false
	if acceptsGzip(ctx) && isCompressible(art.ContentType) {
		if compressed, ok := gzipBytes(body); ok {
			body = compressed
			gzipped = true
		}
	}

	writeCommonHeaders(ctx, art.ContentType, art.ETag, art.LastModified, res)
	if gzipped {
		ctx.Response.Header.Set("Content-Encoding", "gzip")
		ctx.Response.Header.Set("Vary", "Accept-Encoding")
		writeFullBody(ctx, body)
		return nil
	}

	if rng, ok := parseRange(ctx, int64(len(body))); ok {
		ctx.SetStatusCode(fasthttp.StatusPartialContent)
		ctx.Response.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", rng.start, rng.end, len(body)))
		ctx.Response.Header.Set("Content-Length", strconv.FormatInt(rng.end-rng.start+1, 10))
		if ctx.IsHead() {
			ctx.Response.SkipBody = true
			return nil
		}
		ctx.SetBody(body[rng.start : rng.end+1])
		return nil
	}

	writeFullBody(ctx, body)
	return nil
}

func (h *Handler) serveStreamed(ctx *fasthttp.RequestCtx, key string, res manifest.Resource, meta blob.Metadata) error {
	obj, err := h.blob.Get(ctx, key)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return gwerr.New(gwerr.KindInternalManifestBroken, err)
		}
		return gwerr.New(gwerr.KindUnavailable, err)
	}

	contentType := contentTypeFor(res.ResourcePath)
	writeCommonHeaders(ctx, contentType, "", meta.LastModified, res)
	ctx.Response.Header.SetContentLength(int(meta.ContentLength))

	if ctx.IsHead() {
		ctx.Response.SkipBody = true
		return obj.Body.Close()
	}
	ctx.SetBodyStream(obj.Body, int(meta.ContentLength))
	return nil
}

func writeFullBody(ctx *fasthttp.RequestCtx, body []byte) {
	ctx.Response.Header.SetContentLength(len(body))
	if ctx.IsHead() {
		ctx.Response.SkipBody = true
		return
	}
	ctx.SetBody(body)
}

func writeCommonHeaders(ctx *fasthttp.RequestCtx, contentType, etag string, lastModified time.Time, res manifest.Resource) {
	ctx.SetContentType(contentType)
	if etag != "" {
		ctx.Response.Header.Set("ETag", etag)
	}
	if !lastModified.IsZero() {
		ctx.Response.Header.Set("Last-Modified", lastModified.UTC().Format(http.TimeFormat))
	}
	ctx.Response.Header.Set("Cache-Control", cacheControlFor(res))

	for k, v := range res.Headers {
		ctx.Response.Header.Set(k, v)
	}
}

func cacheControlFor(res manifest.Resource) string {
	if cc, ok := res.Headers["Cache-Control"]; ok {
		return cc
	}
	if looksHashed(res.ResourcePath) {
		return "public, max-age=31536000, immutable"
	}
	if extOf(res.ResourcePath) == ".html" || extOf(res.ResourcePath) == ".htm" {
		return "public, max-age=0, must-revalidate"
	}
	return "public, max-age=0, must-revalidate"
}

func notModified(ctx *fasthttp.RequestCtx, etag string, lastModified time.Time) bool {
	if inm := string(ctx.Request.Header.Peek("If-None-Match")); inm != "" {
		for _, candidate := range strings.Split(inm, ",") {
			if strings.TrimSpace(candidate) == etag {
				return true
			}
		}
		return false
	}
	if ims := string(ctx.Request.Header.Peek("If-Modified-Since")); ims != "" && !lastModified.IsZero() {
		t, err := time.Parse(http.TimeFormat, ims)
		if err == nil && !lastModified.After(t) {
			return true
		}
	}
	return false
}

func acceptsGzip(ctx *fasthttp.RequestCtx) bool {
	return strings.Contains(string(ctx.Request.Header.Peek("Accept-Encoding")), "gzip")
}

func gzipBytes(body []byte) ([]byte, bool) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(body); err != nil {
		return nil, false
	}
	if err := w.Close(); err != nil {
		return nil, false
	}
	return buf.Bytes(), true
}

type byteRange struct {
	start, end int64
}

// parseRange parses a single "bytes=start-end" Range header against a body
// of the given size. Multi-range and malformed headers are ignored (the
// caller falls back to a full 200 response), per the single-range-only
// contract for buffered entries.
func parseRange(ctx *fasthttp.RequestCtx, size int64) (byteRange, bool) {
	h := string(ctx.Request.Header.Peek("Range"))
	if h == "" || !strings.HasPrefix(h, "bytes=") || strings.Contains(h, ",") {
		return byteRange{}, false
	}
	spec := strings.TrimPrefix(h, "bytes=")
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return byteRange{}, false
	}

	var start, end int64
	var err error
	switch {
	case parts[0] == "" && parts[1] != "":
		// suffix range: last N bytes
		n, perr := strconv.ParseInt(parts[1], 10, 64)
		if perr != nil || n <= 0 {
			return byteRange{}, false
		}
		start = size - n
		if start < 0 {
			start = 0
		}
		end = size - 1
	case parts[1] == "":
		start, err = strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			return byteRange{}, false
		}
		end = size - 1
	default:
		start, err = strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			return byteRange{}, false
		}
		end, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return byteRange{}, false
		}
	}

	if start < 0 || end >= size || start > end {
		return byteRange{}, false
	}
	return byteRange{start: start, end: end}, true
}
