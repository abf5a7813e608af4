// Package certcache implements the hostname-keyed TLS certificate cache
// backing the gateway's SNI callback. Certificates are fetched from the
// object store on a single-flighted miss, parsed once, and held until they
// approach expiry; a background sweeper eagerly refreshes certificates
// nearing their notAfter so the hot handshake path almost never blocks on a
// fetch.
package certcache

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/idna"

	"github.com/origanhq/gateway/internal/blob"
	"github.com/origanhq/gateway/internal/sfcache"
)

// ErrNoCertificate means no certificate is available for a hostname and no
// fallback certificate is configured.
var ErrNoCertificate = errors.New("certcache: no certificate")

type entryKind int

const (
	kindPositive entryKind = iota
	kindNegative
)

type entry struct {
	kind      entryKind
	cert      *tls.Certificate
	notAfter  time.Time
	expiresAt time.Time // cache-local TTL, independent of notAfter
}

// Config tunes cache TTLs and safety margins.
type Config struct {
	// TTL is the default cache lifetime for a freshly fetched certificate,
	// capped at NotAfter - SafetyMargin. Default 24h.
	TTL time.Duration
	// SafetyMargin is how far before NotAfter a cached certificate is
	// treated as unusable. Default 1h.
	SafetyMargin time.Duration
	// NegativeTTL is how long a "no certificate in the store" result is
	// cached. Default 60s.
	NegativeTTL time.Duration
	// RefreshWindow controls the background sweeper: certificates whose
	// NotAfter falls within this window of now are eagerly refreshed.
	// Default 7 days.
	RefreshWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = 24 * time.Hour
	}
	if c.SafetyMargin <= 0 {
		c.SafetyMargin = time.Hour
	}
	if c.NegativeTTL <= 0 {
		c.NegativeTTL = 60 * time.Second
	}
	if c.RefreshWindow <= 0 {
		c.RefreshWindow = 7 * 24 * time.Hour
	}
	return c
}

// BlobGetter is the subset of blob.Client the cache depends on.
type BlobGetter interface {
	Get(ctx context.Context, key string) (*blob.Object, error)
}

// Cache resolves hostnames to parsed TLS certificates.
type Cache struct {
	cfg      Config
	blob     BlobGetter
	fallback *tls.Certificate

	mu    sync.Mutex
	items map[string]*entry

	group sfcache.Group[*tls.Certificate]
}

// New constructs a Cache. fallback, if non-nil, is returned (rather than
// failing the handshake) when the store has no certificate for a hostname;
// a transient fetch error still fails the handshake.
func New(blobClient BlobGetter, fallback *tls.Certificate, cfg Config) *Cache {
	return &Cache{
		cfg:      cfg.withDefaults(),
		blob:     blobClient,
		fallback: fallback,
		items:    make(map[string]*entry),
	}
}

// NormalizeHostname lower-cases, strips a trailing dot, and IDN-converts a
// client-offered SNI hostname into the canonical cache key form.
func NormalizeHostname(host string) (string, error) {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", fmt.Errorf("certcache: normalize hostname %q: %w", host, err)
	}
	return ascii, nil
}

// GetCertificate implements tls.Config.GetCertificate. It must return within
// the handshake timeout and must not perform unbounded I/O; the single
// outbound fetch on a miss is the only blocking work on this path.
func (c *Cache) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	host, err := NormalizeHostname(hello.ServerName)
	if err != nil {
		if c.fallback != nil {
			return c.fallback, nil
		}
		return nil, err
	}

	ctx := context.Background()
	if hello.Context() != nil {
		ctx = hello.Context()
	}

	cert, err := c.resolve(ctx, host)
	if err != nil {
		if c.fallback != nil && errors.Is(err, ErrNoCertificate) {
			return c.fallback, nil
		}
		return nil, err
	}
	return cert, nil
}

func (c *Cache) resolve(ctx context.Context, host string) (*tls.Certificate, error) {
	now := time.Now()

	if e, ok := c.get(host); ok && now.Before(e.expiresAt) {
		if e.kind == kindNegative {
			return nil, ErrNoCertificate
		}
		if now.Before(e.notAfter.Add(-c.cfg.SafetyMargin)) {
			return e.cert, nil
		}
	}

	cert, _, err := c.group.Do(host, func() (*tls.Certificate, error) {
		return c.fetch(ctx, host)
	})
	return cert, err
}

func (c *Cache) fetch(ctx context.Context, host string) (*tls.Certificate, error) {
	chainObj, err := c.blob.Get(ctx, blob.CertChainKey(host))
	if err != nil {
		return nil, c.handleFetchError(host, err)
	}
	defer chainObj.Body.Close()
	chainPEM, err := io.ReadAll(chainObj.Body)
	if err != nil {
		return nil, fmt.Errorf("certcache: read chain for %s: %w", host, err)
	}

	keyObj, err := c.blob.Get(ctx, blob.CertKeyKey(host))
	if err != nil {
		return nil, c.handleFetchError(host, err)
	}
	defer keyObj.Body.Close()
	keyPEM, err := io.ReadAll(keyObj.Body)
	if err != nil {
		return nil, fmt.Errorf("certcache: read key for %s: %w", host, err)
	}

	tlsCert, err := tls.X509KeyPair(chainPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("certcache: parse keypair for %s: %w", host, err)
	}

	leaf, err := x509.ParseCertificate(tlsCert.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("certcache: parse leaf for %s: %w", host, err)
	}
	tlsCert.Leaf = leaf

	ttl := c.cfg.TTL
	if maxTTL := time.Until(leaf.NotAfter) - c.cfg.SafetyMargin; maxTTL < ttl {
		ttl = maxTTL
	}

	c.set(host, &entry{
		kind:      kindPositive,
		cert:      &tlsCert,
		notAfter:  leaf.NotAfter,
		expiresAt: time.Now().Add(ttl),
	})
	return &tlsCert, nil
}

// handleFetchError installs a negative entry on a definitive not-found and
// leaves the cache untouched on a transient error; the error is returned to
// the caller and no stale positive entry is served in its place.
func (c *Cache) handleFetchError(host string, err error) error {
	if errors.Is(err, blob.ErrNotFound) {
		c.set(host, &entry{kind: kindNegative, expiresAt: time.Now().Add(c.cfg.NegativeTTL)})
		return ErrNoCertificate
	}
	return fmt.Errorf("certcache: fetch %s: %w", host, err)
}

func (c *Cache) get(host string) (*entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items[host]
	return e, ok
}

func (c *Cache) set(host string, e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[host] = e
}

// Sweep refreshes certificates nearing expiry and evicts stale negative
// entries. Intended to run on a ticker from a background goroutine owned by
// the gateway.
func (c *Cache) Sweep(ctx context.Context) {
	now := time.Now()

	c.mu.Lock()
	var dueForRefresh []string
	for host, e := range c.items {
		if e.kind == kindNegative {
			if now.After(e.expiresAt) {
				delete(c.items, host)
			}
			continue
		}
		if now.After(e.notAfter.Add(-c.cfg.RefreshWindow)) {
			dueForRefresh = append(dueForRefresh, host)
		}
	}
	c.mu.Unlock()

	for _, host := range dueForRefresh {
		if _, err := c.fetch(ctx, host); err != nil {
			// Leave the existing entry in place; it will be retried on the
			// next sweep or naturally expire and fall back to on-demand fetch.
			continue
		}
	}
}

// Len reports the number of cached hostnames (for tests/metrics).
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
