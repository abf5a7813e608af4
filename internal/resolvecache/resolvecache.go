// Package resolvecache implements the TTL'd hostname → deployment descriptor
// cache sitting in front of the control client. It single-flights concurrent
// misses for the same hostname, caches negative results briefly to absorb
// lookups for unbound domains, and falls back to a stale positive entry
// when the control plane is transiently unavailable.
package resolvecache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/origanhq/gateway/internal/control"
	"github.com/origanhq/gateway/internal/manifest"
	"github.com/origanhq/gateway/internal/sfcache"
)

// ErrNotFound means the hostname has no deployment bound to it.
var ErrNotFound = errors.New("resolvecache: not found")

// ErrUnavailable means the control plane failed and no usable entry
// (fresh or stale) could be served.
var ErrUnavailable = errors.New("resolvecache: unavailable")

// Resolver is the subset of control.Client this cache depends on, so tests
// can substitute a fake without a live control plane.
type Resolver interface {
	ResolveDomain(ctx context.Context, hostname string) (*manifest.Descriptor, error)
}

type entryKind int

const (
	kindPositive entryKind = iota
	kindNegative
)

type entry struct {
	kind       entryKind
	descriptor *manifest.Descriptor
	expiresAt  time.Time
	staleUntil time.Time // only meaningful for positive entries
}

// Config tunes TTLs for the cache.
type Config struct {
	// PositiveTTL is how long a resolved descriptor is considered fresh.
	// Default 5m.
	PositiveTTL time.Duration
	// NegativeTTL is how long a "no deployment bound" result is cached.
	// Default 30s.
	NegativeTTL time.Duration
	// StaleMultiplier bounds how far past PositiveTTL a stale entry may
	// still be served when the control plane is unavailable. Default 10.
	StaleMultiplier int
}

func (c Config) withDefaults() Config {
	if c.PositiveTTL <= 0 {
		c.PositiveTTL = 5 * time.Minute
	}
	if c.NegativeTTL <= 0 {
		c.NegativeTTL = 30 * time.Second
	}
	if c.StaleMultiplier <= 0 {
		c.StaleMultiplier = 10
	}
	return c
}

// Cache resolves hostnames to deployment descriptors, caching the result.
type Cache struct {
	cfg      Config
	resolver Resolver
	shared   SharedStore

	mu    sync.Mutex
	items map[string]*entry

	group sfcache.Group[*manifest.Descriptor]
}

// Option configures optional Cache behavior.
type Option func(*Cache)

// WithSharedStore fans positive entries out to store so other gateway
// replicas can serve a hostname without their own control-plane call. Safe
// to omit; a Cache with no shared store is purely in-process.
func WithSharedStore(store SharedStore) Option {
	return func(c *Cache) { c.shared = store }
}

// New constructs a Cache backed by resolver.
func New(resolver Resolver, cfg Config, opts ...Option) *Cache {
	c := &Cache{
		cfg:      cfg.withDefaults(),
		resolver: resolver,
		items:    make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Resolve returns the deployment descriptor bound to hostname, consulting
// the cache first and the control plane on a miss or expiry. At most one
// control-plane call is in flight per hostname at any time.
func (c *Cache) Resolve(ctx context.Context, hostname string) (*manifest.Descriptor, error) {
	now := time.Now()

	if e, ok := c.get(hostname); ok {
		if now.Before(e.expiresAt) {
			if e.kind == kindNegative {
				return nil, ErrNotFound
			}
			return e.descriptor, nil
		}
	}

	if c.shared != nil {
		if desc, ok := c.shared.Get(ctx, hostname); ok {
			c.set(hostname, &entry{
				kind:       kindPositive,
				descriptor: desc,
				expiresAt:  now.Add(c.cfg.PositiveTTL),
				staleUntil: now.Add(c.cfg.PositiveTTL * time.Duration(c.cfg.StaleMultiplier)),
			})
			return desc, nil
		}
	}

	desc, _, err := c.group.Do(hostname, func() (*manifest.Descriptor, error) {
		return c.refresh(ctx, hostname)
	})
	if err != nil {
		return nil, err
	}
	return desc, nil
}

// refresh performs the actual control-plane call and updates the cache. It
// runs under the single-flight group so only one goroutine per hostname
// executes it concurrently.
func (c *Cache) refresh(ctx context.Context, hostname string) (*manifest.Descriptor, error) {
	desc, err := c.resolver.ResolveDomain(ctx, hostname)
	now := time.Now()

	if err == nil {
		c.set(hostname, &entry{
			kind:       kindPositive,
			descriptor: desc,
			expiresAt:  now.Add(c.cfg.PositiveTTL),
			staleUntil: now.Add(c.cfg.PositiveTTL * time.Duration(c.cfg.StaleMultiplier)),
		})
		if c.shared != nil {
			_ = c.shared.Set(ctx, hostname, desc, c.cfg.PositiveTTL)
		}
		return desc, nil
	}

	if errors.Is(err, control.ErrNotFound) {
		c.set(hostname, &entry{
			kind:      kindNegative,
			expiresAt: now.Add(c.cfg.NegativeTTL),
		})
		return nil, ErrNotFound
	}

	// Transient failure: never poison the cache. Serve a stale positive
	// entry if one exists and is still within the stale window; otherwise
	// report unavailable.
	if prev, ok := c.get(hostname); ok && prev.kind == kindPositive && now.Before(prev.staleUntil) {
		return prev.descriptor, nil
	}
	return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, hostname, err)
}

func (c *Cache) get(hostname string) (*entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items[hostname]
	return e, ok
}

func (c *Cache) set(hostname string, e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[hostname] = e
}

// Sweep evicts entries that are expired beyond any possible stale-serving
// window, keeping the map from growing unboundedly with one-off lookups for
// domains that are never requested again. Intended to run on a ticker from
// a background goroutine owned by the gateway.
func (c *Cache) Sweep() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for host, e := range c.items {
		bound := e.expiresAt
		if e.kind == kindPositive {
			bound = e.staleUntil
		}
		if now.After(bound) {
			delete(c.items, host)
		}
	}
}

// Len reports the number of cached hostnames (for tests/metrics).
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
