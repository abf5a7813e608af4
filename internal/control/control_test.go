package control

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestResolveDomain_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("hostname") != "example.com" {
			t.Errorf("expected hostname=example.com, got %q", r.URL.Query().Get("hostname"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"deploymentId": "dep-1",
			"projectId": "proj-1",
			"manifest": {"version": 1, "resources": [{"kind": "static", "urlPath": "/", "resourcePath": "index.html"}]}
		}`))
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	desc, err := c.ResolveDomain(context.Background(), "example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if desc.DeploymentID != "dep-1" {
		t.Errorf("unexpected deployment id: %q", desc.DeploymentID)
	}
}

func TestResolveDomain_NotFoundIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	_, err := c.ResolveDomain(context.Background(), "missing.example.com")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("expected exactly one attempt for a definitive miss, got %d", calls)
	}
}

func TestResolveDomain_ServerErrorExhaustsRetriesAsUnavailable(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	_, err := c.ResolveDomain(context.Background(), "flaky.example.com")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if atomic.LoadInt32(&calls) != int32(len(backoff)+1) {
		t.Errorf("expected %d attempts, got %d", len(backoff)+1, calls)
	}
}

func TestResolveDomain_MalformedBodyIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{not-json`))
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.ResolveDomain(ctx, "broken.example.com")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable for malformed manifest body, got %v", err)
	}
}

func TestResolveDomain_ContextCanceledDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.ResolveDomain(ctx, "slow.example.com")
	if err == nil {
		t.Fatal("expected error when context is canceled mid-backoff")
	}
}

func TestPing_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("expected nil error for a reachable control plane, got %v", err)
	}
}

func TestPing_UnavailableIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	if err := c.Ping(context.Background()); err == nil {
		t.Fatal("expected error when control plane is unreachable")
	}
}
