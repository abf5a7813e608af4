// Package sfcache provides a generic single-flight loader shared by the
// artifact cache, config cache, and cert cache so that at most one loader
// runs per key regardless of how many concurrent callers ask for it.
//
// It wraps golang.org/x/sync/singleflight.Group, which is keyed by string
// and returns an untyped result; Group[V] restores static typing on top of
// it so callers never juggle interface{} assertions.
package sfcache

import "golang.org/x/sync/singleflight"

// Group coalesces concurrent loads for the same key into a single call to
// the loader function. Waiters that arrive while a load is in flight block
// until the leader's call returns and share its result. Do takes no
// context: a waiter cannot leave early when its own context is done, and fn
// runs with whatever context the leader's closure captured, so a leader
// whose context is canceled mid-load passes that failure to every waiter.
type Group[V any] struct {
	sf singleflight.Group
}

// Do executes fn for key if no call is already in flight, otherwise waits
// for the in-flight call and shares its result. shared reports whether the
// result came from another caller's call.
func (g *Group[V]) Do(key string, fn func() (V, error)) (v V, shared bool, err error) {
	res, s, err := g.sf.Do(key, func() (any, error) {
		return fn()
	})
	if err != nil {
		var zero V
		return zero, s, err
	}
	return res.(V), s, nil
}

// Forget removes key from the in-flight map so the next Do call for key
// triggers a fresh load instead of joining a stale one.
func (g *Group[V]) Forget(key string) {
	g.sf.Forget(key)
}
