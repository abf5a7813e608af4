package pipeline

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/valyala/fasthttp"
)

// ReadinessProbe reports whether a dependency the gateway relies on is
// currently reachable. It must return quickly; /readiness is polled
// frequently by orchestrators and must never itself become a source of
// backpressure.
type ReadinessProbe func(ctx context.Context) error

// HealthChecker aggregates named readiness probes for the /readiness
// endpoint. It never backs /health, which per the external interface
// contract must not consult any external dependency.
type HealthChecker struct {
	mu     sync.Mutex
	probes map[string]ReadinessProbe
}

// NewHealthChecker returns an empty checker; register probes with Register.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{probes: make(map[string]ReadinessProbe)}
}

// Register adds or replaces the probe for name.
func (h *HealthChecker) Register(name string, probe ReadinessProbe) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probes[name] = probe
}

// Snapshot runs every registered probe and reports its outcome.
func (h *HealthChecker) Snapshot(ctx context.Context) map[string]string {
	h.mu.Lock()
	probes := make(map[string]ReadinessProbe, len(h.probes))
	for name, p := range h.probes {
		probes[name] = p
	}
	h.mu.Unlock()

	out := make(map[string]string, len(probes))
	for name, probe := range probes {
		if err := probe(ctx); err != nil {
			out[name] = "error: " + err.Error()
			continue
		}
		out[name] = "ok"
	}
	return out
}

// ReadinessOK reports whether every registered probe currently succeeds.
func (h *HealthChecker) ReadinessOK(ctx context.Context) bool {
	for _, status := range h.Snapshot(ctx) {
		if status != "ok" {
			return false
		}
	}
	return true
}

// handleHealth answers /health with a static body and no dependency checks,
// per the external interface contract.
func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]string{"status": "ok"})
}

// handleReadiness answers /readiness by snapshotting every registered probe.
// With no HealthChecker configured, readiness always reports ok.
func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.health == nil {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	snap := g.health.Snapshot(ctx)
	ok := true
	for _, status := range snap {
		if status != "ok" {
			ok = false
			break
		}
	}
	if !ok {
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	}
	writeJSON(ctx, snap)
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
