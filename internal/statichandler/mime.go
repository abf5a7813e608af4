package statichandler

import "strings"

// mimeTypes maps file extensions to content types. Anything not listed here
// falls back to application/octet-stream.
var mimeTypes = map[string]string{
	".html": "text/html; charset=utf-8",
	".htm":  "text/html; charset=utf-8",
	".css":  "text/css; charset=utf-8",
	".js":   "application/javascript; charset=utf-8",
	".json": "application/json; charset=utf-8",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".svg":  "image/svg+xml",
	".ico":  "image/x-icon",
	".wasm": "application/wasm",
	".map":  "application/json; charset=utf-8",
}

func contentTypeFor(resourcePath string) string {
	ext := extOf(resourcePath)
	if ct, ok := mimeTypes[ext]; ok {
		return ct
	}
	return "application/octet-stream"
}

func extOf(p string) string {
	if i := strings.LastIndexByte(p, '.'); i >= 0 {
		return strings.ToLower(p[i:])
	}
	return ""
}

var compressibleTypes = []string{
	"text/",
	"application/json",
	"application/javascript",
	"image/svg+xml",
}

func isCompressible(contentType string) bool {
	for _, prefix := range compressibleTypes {
		if strings.HasPrefix(contentType, prefix) {
			return true
		}
	}
	return false
}

// looksHashed heuristically detects a content-hashed filename such as
// "app.3f9a8c12.js" or "chunk-8f2e1d9a4b.css": an 8+ character
// alphanumeric segment sitting between separators, immediately before the
// extension.
func looksHashed(resourcePath string) bool {
	base := resourcePath
	if i := strings.LastIndexByte(base, '/'); i >= 0 {
		base = base[i+1:]
	}
	ext := extOf(base)
	stem := strings.TrimSuffix(base, ext)

	segments := strings.FieldsFunc(stem, func(r rune) bool {
		return r == '.' || r == '-' || r == '_'
	})
	if len(segments) < 2 {
		return false
	}
	last := segments[len(segments)-1]
	return len(last) >= 8 && isAlnum(last)
}

func isAlnum(s string) bool {
	for _, r := range s {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')) {
			return false
		}
	}
	return true
}
