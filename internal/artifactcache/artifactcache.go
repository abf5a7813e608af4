// Package artifactcache implements the bounded-memory LRU of fully
// materialized static responses keyed by (deploymentId, resourcePath).
// Entries are content-addressed and therefore immutable: once admitted they
// are never updated, only evicted under memory pressure or aged out as a
// negative entry.
//
// The concurrency shape — short critical sections that never perform I/O,
// with loads coalesced through a single-flight group — follows the same
// discipline the teacher's in-process cache uses for its own lazy-expiry
// reads, generalized here with an LRU eviction order and a byte budget.
package artifactcache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/origanhq/gateway/internal/sfcache"
)

// Artifact is a fully buffered static response body.
type Artifact struct {
	Bytes        []byte
	ContentType  string
	ETag         string
	LastModified time.Time
	Gzipped      bool
}

// Loader fetches an Artifact for (deploymentID, resourcePath) on a cache
// miss. It must report notFound = true rather than an opaque error when the
// underlying blob genuinely does not exist, so the
// cache can install a short-lived negative entry instead of retrying every
// request.
type Loader func(ctx context.Context) (artifact *Artifact, notFound bool, err error)

type entryKind int

const (
	kindPositive entryKind = iota
	kindNegative
)

type entry struct {
	key       string
	kind      entryKind
	artifact  *Artifact
	size      int64
	expiresAt time.Time // only meaningful for negative entries
	elem      *list.Element
}

// Config tunes the cache's capacity and admission rules.
type Config struct {
	// MaxBytes is the total byte budget. Default 500 MiB.
	MaxBytes int64
	// MaxEntryBytes is the largest single artifact admitted to the cache;
	// larger responses bypass the cache and stream directly. Default 5 MiB.
	MaxEntryBytes int64
	// NegativeTTL is how long a "blob not found" result is cached to absorb
	// 404 storms. Default 30s.
	NegativeTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxBytes <= 0 {
		c.MaxBytes = 500 * 1024 * 1024
	}
	if c.MaxEntryBytes <= 0 {
		c.MaxEntryBytes = 5 * 1024 * 1024
	}
	if c.NegativeTTL <= 0 {
		c.NegativeTTL = 30 * time.Second
	}
	return c
}

// Cache is the bounded-memory, single-flight, LRU-evicted artifact store.
type Cache struct {
	cfg Config

	mu       sync.Mutex
	items    map[string]*entry
	order    *list.List // MRU at Front, LRU at Back
	curBytes int64

	group sfcache.Group[*Artifact]
}

// New constructs an empty Cache with the given configuration.
func New(cfg Config) *Cache {
	cfg = cfg.withDefaults()
	return &Cache{
		cfg:   cfg,
		items: make(map[string]*entry),
		order: list.New(),
	}
}

func key(deploymentID, resourcePath string) string {
	return deploymentID + "\x00" + resourcePath
}

// Get returns the cached artifact for (deploymentID, resourcePath),
// loading it via fn on a miss. Concurrent misses for the same key share one
// call to fn. notFound is true when a (possibly cached) negative result
// applies — callers MUST NOT treat this as a cache error.
func (c *Cache) Get(ctx context.Context, deploymentID, resourcePath string, fn Loader) (art *Artifact, notFound bool, err error) {
	k := key(deploymentID, resourcePath)

	if art, neg, ok := c.lookup(k); ok {
		return art, neg, nil
	}

	art, _, err = c.group.Do(k, func() (*Artifact, error) {
		// Re-check under no lock race: another goroutine may have installed
		// the entry between our lookup and taking the single-flight slot is
		// impossible since singleflight itself serializes same-key callers,
		// but a previous leader's result may already be cached.
		if art, neg, ok := c.lookup(k); ok {
			if neg {
				return nil, errNegative
			}
			return art, nil
		}

		loaded, nf, loadErr := fn(ctx)
		if loadErr != nil {
			return nil, loadErr
		}
		if nf {
			c.installNegative(k)
			return nil, errNegative
		}

		c.installPositive(k, loaded)
		return loaded, nil
	})

	if err == errNegative {
		return nil, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("artifactcache: load %s: %w", resourcePath, err)
	}
	return art, false, nil
}

var errNegative = fmt.Errorf("artifactcache: negative")

// lookup returns the cached result for k without triggering a load. ok is
// false on a true miss (no entry, or an expired negative entry).
func (c *Cache) lookup(k string) (art *Artifact, negative, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, found := c.items[k]
	if !found {
		return nil, false, false
	}

	if e.kind == kindNegative {
		if time.Now().After(e.expiresAt) {
			c.removeLocked(e)
			return nil, false, false
		}
		return nil, true, true
	}

	c.order.MoveToFront(e.elem)
	return e.artifact, false, true
}

func (c *Cache) installPositive(k string, art *Artifact) {
	size := int64(len(art.Bytes))
	if size > c.cfg.MaxEntryBytes {
		// Too large to admit; the static handler streams it directly.
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.items[k]; ok {
		c.removeLocked(old)
	}

	for c.curBytes+size > c.cfg.MaxBytes && c.order.Back() != nil {
		c.removeLocked(c.items[c.order.Back().Value.(string)])
	}

	e := &entry{key: k, kind: kindPositive, artifact: art, size: size}
	e.elem = c.order.PushFront(k)
	c.items[k] = e
	c.curBytes += size
}

func (c *Cache) installNegative(k string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.items[k]; ok {
		c.removeLocked(old)
	}

	e := &entry{key: k, kind: kindNegative, expiresAt: time.Now().Add(c.cfg.NegativeTTL)}
	e.elem = c.order.PushFront(k)
	c.items[k] = e
}

// removeLocked deletes e from both the map and the LRU order. Caller must
// hold c.mu.
func (c *Cache) removeLocked(e *entry) {
	if e == nil {
		return
	}
	delete(c.items, e.key)
	c.order.Remove(e.elem)
	c.curBytes -= e.size
}

// Len reports the number of entries currently held (positive and negative).
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// BytesUsed reports the sum of admitted artifact sizes.
func (c *Cache) BytesUsed() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.curBytes
}
