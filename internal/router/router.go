// Package router resolves a request path against a deployment's manifest,
// deciding whether it is served by the static handler (exact match) or the
// dynamic handler (longest-prefix match), following the precedence and
// tie-break rules that keep manifest ordering from causing routing
// surprises.
package router

import (
	"net/url"
	"strings"

	"github.com/origanhq/gateway/internal/manifest"
	"github.com/origanhq/gateway/pkg/gwerr"
)

// Match is the outcome of resolving a path against a manifest.
type Match struct {
	Resource manifest.Resource
	// MatchedPath is the normalized path actually used for the match (may
	// differ from the request path, e.g. with "index.html" appended).
	MatchedPath string
}

// NormalizePath collapses duplicate slashes, resolves "." and ".." segments,
// and percent-decodes the result for matching. It rejects paths that
// traverse above the root.
func NormalizePath(p string) (string, error) {
	decoded, err := url.PathUnescape(p)
	if err != nil {
		return "", gwerr.New(gwerr.KindBadRequest, err)
	}
	if decoded == "" {
		decoded = "/"
	}
	if !strings.HasPrefix(decoded, "/") {
		decoded = "/" + decoded
	}

	segments := strings.Split(decoded, "/")
	var stack []string
	for _, seg := range segments {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(stack) == 0 {
				return "", gwerr.New(gwerr.KindBadRequest, errTraversal)
			}
			stack = stack[:len(stack)-1]
		default:
			stack = append(stack, seg)
		}
	}

	trailingSlash := strings.HasSuffix(decoded, "/") && decoded != "/"
	normalized := "/" + strings.Join(stack, "/")
	if trailingSlash && normalized != "/" {
		normalized += "/"
	}
	return normalized, nil
}

var errTraversal = pathError("path escapes deployment root")

type pathError string

func (e pathError) Error() string { return string(e) }

// Resolve finds the resource in descriptor's manifest that serves path.
// Static exact match is tried first on the request path, then (if the path
// ends in "/") on the path with "index.html" appended, and only once both
// of those have missed does a dynamic prefix match get a chance — so a
// dynamic resource never shadows a deployment's index.html.
func Resolve(descriptor *manifest.Descriptor, path string) (*Match, error) {
	normalized, err := NormalizePath(path)
	if err != nil {
		return nil, err
	}

	if m, ok := resolveStaticExact(descriptor, normalized); ok {
		return m, nil
	}

	if strings.HasSuffix(normalized, "/") {
		indexPath := normalized + "index.html"
		if m, ok := resolveStaticExact(descriptor, indexPath); ok {
			return m, nil
		}
	}

	if m, ok := resolveDynamicPrefix(descriptor, normalized); ok {
		return m, nil
	}

	return nil, gwerr.New(gwerr.KindNotFoundPath, nil)
}

func resolveStaticExact(descriptor *manifest.Descriptor, path string) (*Match, bool) {
	for _, res := range descriptor.Manifest {
		if res.Kind == manifest.Static && res.URLPath == path {
			return &Match{Resource: res, MatchedPath: path}, true
		}
	}
	return nil, false
}

func resolveDynamicPrefix(descriptor *manifest.Descriptor, path string) (*Match, bool) {
	var best *manifest.Resource
	bestLen := -1
	for i, res := range descriptor.Manifest {
		if res.Kind != manifest.Dynamic {
			continue
		}
		if !strings.HasPrefix(path, res.URLPath) {
			continue
		}
		if len(res.URLPath) > bestLen {
			best = &descriptor.Manifest[i]
			bestLen = len(res.URLPath)
		}
		// Equal-length ties keep the first-listed candidate, which is
		// already guaranteed since we only overwrite on strictly greater
		// length.
	}
	if best != nil {
		return &Match{Resource: *best, MatchedPath: path}, true
	}
	return nil, false
}
