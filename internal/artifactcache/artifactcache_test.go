package artifactcache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestCache_LoadsOnceUnderConcurrency(t *testing.T) {
	c := New(Config{})

	var calls int64
	loader := func(ctx context.Context) (*Artifact, bool, error) {
		atomic.AddInt64(&calls, 1)
		time.Sleep(10 * time.Millisecond)
		return &Artifact{Bytes: []byte("hello")}, false, nil
	}

	const n = 20
	done := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		go func() {
			art, notFound, err := c.Get(context.Background(), "dep1", "a.txt", loader)
			if err != nil || notFound || string(art.Bytes) != "hello" {
				t.Errorf("unexpected result: %+v %v %v", art, notFound, err)
			}
			done <- struct{}{}
		}()
	}
	for i := 0; i < n; i++ {
		<-done
	}

	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Errorf("expected exactly 1 loader call, got %d", got)
	}
}

func TestCache_NegativeEntryAbsorbsRepeats(t *testing.T) {
	c := New(Config{NegativeTTL: time.Minute})

	var calls int64
	loader := func(ctx context.Context) (*Artifact, bool, error) {
		atomic.AddInt64(&calls, 1)
		return nil, true, nil
	}

	for i := 0; i < 5; i++ {
		_, notFound, err := c.Get(context.Background(), "dep1", "missing.txt", loader)
		if err != nil || !notFound {
			t.Fatalf("expected cached not-found, got %v %v", notFound, err)
		}
	}

	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Errorf("expected exactly 1 loader call across repeats, got %d", got)
	}
}

func TestCache_LRUEviction(t *testing.T) {
	// Each entry is ~10 bytes; budget fits two.
	c := New(Config{MaxBytes: 20, MaxEntryBytes: 20})

	put := func(id string, body string) {
		_, _, err := c.Get(context.Background(), id, "f", func(ctx context.Context) (*Artifact, bool, error) {
			return &Artifact{Bytes: []byte(body)}, false, nil
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	touch := func(id string) {
		_, _, _ = c.Get(context.Background(), id, "f", func(ctx context.Context) (*Artifact, bool, error) {
			t.Fatal("should not reload a or b before c is inserted")
			return nil, false, nil
		})
	}

	put("a", "0123456789") // 10 bytes
	put("b", "0123456789") // 10 bytes, total 20 — at budget

	touch("a") // a becomes MRU, b becomes LRU

	put("c", "0123456789") // evicts LRU (b)

	if c.Len() != 2 {
		t.Fatalf("expected 2 entries after eviction, got %d", c.Len())
	}

	var reloadedB bool
	_, _, _ = c.Get(context.Background(), "b", "f", func(ctx context.Context) (*Artifact, bool, error) {
		reloadedB = true
		return &Artifact{Bytes: []byte("0123456789")}, false, nil
	})
	if !reloadedB {
		t.Error("expected b to have been evicted and require reload")
	}
}

func TestCache_RejectsOversizedEntry(t *testing.T) {
	c := New(Config{MaxBytes: 1000, MaxEntryBytes: 5})

	_, _, err := c.Get(context.Background(), "dep1", "big.bin", func(ctx context.Context) (*Artifact, bool, error) {
		return &Artifact{Bytes: make([]byte, 100)}, false, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if c.Len() != 0 {
		t.Errorf("oversized entry should not be admitted, got %d entries", c.Len())
	}
}
