package resolvecache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/origanhq/gateway/internal/manifest"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestRedisStore_SetThenGet(t *testing.T) {
	store := NewRedisStore(newTestRedis(t))
	ctx := context.Background()

	desc := &manifest.Descriptor{DeploymentID: "dep-1", ProjectID: "proj-1"}
	if err := store.Set(ctx, "foo.example", desc, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, ok := store.Get(ctx, "foo.example")
	if !ok {
		t.Fatal("expected hit")
	}
	if got.DeploymentID != "dep-1" {
		t.Errorf("expected dep-1, got %s", got.DeploymentID)
	}
}

func TestRedisStore_MissReturnsFalse(t *testing.T) {
	store := NewRedisStore(newTestRedis(t))
	if _, ok := store.Get(context.Background(), "nope.example"); ok {
		t.Error("expected miss")
	}
}

func TestCache_ConsultsSharedStoreBeforeResolver(t *testing.T) {
	store := NewRedisStore(newTestRedis(t))
	ctx := context.Background()

	preloaded := &manifest.Descriptor{DeploymentID: "dep-shared"}
	if err := store.Set(ctx, "shared.example", preloaded, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}

	resolver := &fakeResolver{fn: func(hostname string) (*manifest.Descriptor, error) {
		t.Fatal("resolver should not be called when shared store has an entry")
		return nil, nil
	}}

	c := New(resolver, Config{}, WithSharedStore(store))
	desc, err := c.Resolve(ctx, "shared.example")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if desc.DeploymentID != "dep-shared" {
		t.Errorf("expected dep-shared, got %s", desc.DeploymentID)
	}
}

func TestCache_WritesThroughToSharedStoreOnResolve(t *testing.T) {
	store := NewRedisStore(newTestRedis(t))
	ctx := context.Background()

	resolver := &fakeResolver{fn: func(hostname string) (*manifest.Descriptor, error) {
		return &manifest.Descriptor{DeploymentID: "dep-new"}, nil
	}}

	c := New(resolver, Config{}, WithSharedStore(store))
	if _, err := c.Resolve(ctx, "new.example"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	got, ok := store.Get(ctx, "new.example")
	if !ok {
		t.Fatal("expected shared store to have been populated")
	}
	if got.DeploymentID != "dep-new" {
		t.Errorf("expected dep-new, got %s", got.DeploymentID)
	}
}
