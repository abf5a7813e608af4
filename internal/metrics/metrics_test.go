package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegistry_ObserveRequest(t *testing.T) {
	r := New()
	r.ObserveRequest("done", 200, 15*time.Millisecond)

	got := testutil.ToFloat64(r.requestsTotal.WithLabelValues("done", "200"))
	if got != 1 {
		t.Errorf("expected 1 request recorded, got %v", got)
	}
}

func TestRegistry_InFlightIncDec(t *testing.T) {
	r := New()
	r.IncInFlight()
	r.IncInFlight()
	r.DecInFlight()

	if got := testutil.ToFloat64(r.inFlight); got != 1 {
		t.Errorf("expected in-flight gauge of 1, got %v", got)
	}
}

func TestRegistry_ObserveCacheAndCoalesced(t *testing.T) {
	r := New()
	r.ObserveCache("artifact", "hit")
	r.ObserveCoalesced("artifact")

	if got := testutil.ToFloat64(r.cacheOps.WithLabelValues("artifact", "hit")); got != 1 {
		t.Errorf("expected 1 cache hit, got %v", got)
	}
	if got := testutil.ToFloat64(r.coalesced.WithLabelValues("artifact")); got != 1 {
		t.Errorf("expected 1 coalesced lookup, got %v", got)
	}
}

func TestRegistry_SetCircuitBreakerAndBuildInfo(t *testing.T) {
	r := New()
	r.SetCircuitBreaker("dep-1", 1)
	r.SetBuildInfo("1.2.3")

	if got := testutil.ToFloat64(r.circuitBreakerState.WithLabelValues("dep-1")); got != 1 {
		t.Errorf("expected circuit breaker state 1, got %v", got)
	}
	if got := testutil.ToFloat64(r.buildInfo.WithLabelValues("1.2.3")); got != 1 {
		t.Errorf("expected build info gauge set, got %v", got)
	}
}

func TestRegistry_GatherIncludesDispatchCounter(t *testing.T) {
	r := New()
	r.IncDispatch("static")

	families, err := r.PromRegistry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var found bool
	for _, f := range families {
		if strings.Contains(f.GetName(), "gateway_dispatch_total") {
			found = true
		}
	}
	if !found {
		t.Error("expected gateway_dispatch_total to be registered")
	}
}
