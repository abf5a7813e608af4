// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_requests_total{state,status}
	requestsTotal *prometheus.CounterVec

	// gateway_request_duration_seconds{state}
	requestDuration *prometheus.HistogramVec

	// gateway_cache_operations_total{cache,result}
	cacheOps *prometheus.CounterVec

	// gateway_singleflight_coalesced_total{cache}
	coalesced *prometheus.CounterVec

	// gateway_cert_cache_state{host} is intentionally omitted — per-host
	// gauges would grow unbounded with distinct hostnames; cache_operations
	// with cache="cert" covers hit/miss/refresh without a label explosion.

	// gateway_upstream_attempts_total{outcome}
	upstreamAttempts *prometheus.CounterVec

	// gateway_upstream_attempt_duration_seconds{outcome}
	upstreamDuration *prometheus.HistogramVec

	// gateway_blob_fetch_duration_seconds{op}
	blobFetchDuration *prometheus.HistogramVec

	// gateway_sni_handshake_duration_seconds
	sniHandshakeDuration prometheus.Histogram

	// gateway_dispatch_total{kind}
	dispatchTotal *prometheus.CounterVec

	// gateway_acme_challenges_total{result}
	acmeChallenges *prometheus.CounterVec

	// gateway_circuit_breaker_state{deployment} — 0=closed,1=open,2=half-open
	circuitBreakerState *prometheus.GaugeVec

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	latencyBuckets := []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60}

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight requests handled by the gateway",
		}),

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Total requests handled, labeled by the state machine state reached and final status",
			},
			[]string{"state", "status"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_request_duration_seconds",
				Help:    "End-to-end request duration in seconds, labeled by the state machine state reached",
				Buckets: latencyBuckets,
			},
			[]string{"state"},
		),

		cacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_cache_operations_total",
				Help: "Cache operations by cache type (artifact, resolve, cert) and result (hit, miss, negative, error)",
			},
			[]string{"cache", "result"},
		),

		coalesced: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_singleflight_coalesced_total",
				Help: "Concurrent lookups that were coalesced into a single in-flight fetch, by cache type",
			},
			[]string{"cache"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_attempts_total",
				Help: "Total function runner attempts by outcome",
			},
			[]string{"outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_upstream_attempt_duration_seconds",
				Help:    "Function runner round-trip duration in seconds, labeled by outcome",
				Buckets: latencyBuckets,
			},
			[]string{"outcome"},
		),

		blobFetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_blob_fetch_duration_seconds",
				Help:    "Object store fetch duration in seconds, labeled by operation (get, stat)",
				Buckets: latencyBuckets,
			},
			[]string{"op"},
		),

		sniHandshakeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_sni_handshake_duration_seconds",
			Help:    "Time spent in the TLS SNI certificate callback",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1, 5},
		}),

		dispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_dispatch_total",
				Help: "Requests dispatched, labeled by resource kind (static, dynamic)",
			},
			[]string{"kind"},
		),

		acmeChallenges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_acme_challenges_total",
				Help: "ACME HTTP-01 challenge requests served, labeled by result (ok, not_found, error)",
			},
			[]string{"result"},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_circuit_breaker_state",
				Help: "Circuit breaker state per deployment (0=closed,1=open,2=half-open)",
			},
			[]string{"deployment"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.requestsTotal,
		r.requestDuration,
		r.cacheOps,
		r.coalesced,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.blobFetchDuration,
		r.sniHandshakeDuration,
		r.dispatchTotal,
		r.acmeChallenges,
		r.circuitBreakerState,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveRequest records one completed request's terminal pipeline state,
// HTTP status, and total duration.
func (r *Registry) ObserveRequest(state string, status int, dur time.Duration) {
	r.requestsTotal.WithLabelValues(state, strconv.Itoa(status)).Inc()
	r.requestDuration.WithLabelValues(state).Observe(dur.Seconds())
}

// ObserveCache records a cache lookup outcome for the named cache.
func (r *Registry) ObserveCache(cache, result string) {
	r.cacheOps.WithLabelValues(cache, result).Inc()
}

// ObserveCoalesced records that a lookup against the named cache was served
// by an in-flight single-flight call rather than issuing its own fetch.
func (r *Registry) ObserveCoalesced(cache string) {
	r.coalesced.WithLabelValues(cache).Inc()
}

// ObserveUpstreamAttempt records one function runner round trip.
func (r *Registry) ObserveUpstreamAttempt(outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(outcome).Inc()
	r.upstreamDuration.WithLabelValues(outcome).Observe(dur.Seconds())
}

// ObserveBlobFetch records one object store operation's duration.
func (r *Registry) ObserveBlobFetch(op string, dur time.Duration) {
	r.blobFetchDuration.WithLabelValues(op).Observe(dur.Seconds())
}

// ObserveSNIHandshake records time spent in the TLS certificate callback.
func (r *Registry) ObserveSNIHandshake(dur time.Duration) {
	r.sniHandshakeDuration.Observe(dur.Seconds())
}

// IncDispatch records a request dispatched to the given resource kind.
func (r *Registry) IncDispatch(kind string) {
	r.dispatchTotal.WithLabelValues(kind).Inc()
}

// IncAcmeChallenge records one ACME HTTP-01 challenge request.
func (r *Registry) IncAcmeChallenge(result string) {
	r.acmeChallenges.WithLabelValues(result).Inc()
}

// SetCircuitBreaker sets the circuit breaker state gauge for a deployment.
func (r *Registry) SetCircuitBreaker(deploymentID string, state int64) {
	r.circuitBreakerState.WithLabelValues(deploymentID).Set(float64(state))
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
