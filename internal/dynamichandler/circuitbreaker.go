package dynamichandler

import (
	"sync"
	"time"
)

// Default circuit breaker tuning, used when a CBConfig field is left zero.
const (
	defaultErrorThreshold  = 5
	defaultTimeWindow      = 60 * time.Second
	defaultHalfOpenTimeout = 30 * time.Second
)

// cbState represents the operational state of a per-key circuit breaker.
//
//	cbClosed   — normal operation; all requests pass through.
//	cbOpen     — the key is failing; requests are rejected immediately.
//	cbHalfOpen — recovery probe; one request is allowed to test the upstream.
type cbState int

const (
	cbClosed   cbState = 0
	cbOpen     cbState = 1
	cbHalfOpen cbState = 2
)

// CBConfig holds circuit breaker tuning parameters. Zero values fall back to
// this package's defaults.
type CBConfig struct {
	// ErrorThreshold is the number of failures within TimeWindow that trips
	// the breaker. Default 5.
	ErrorThreshold int

	// TimeWindow is the rolling window for counting errors. Default 60s.
	TimeWindow time.Duration

	// HalfOpenTimeout is how long the breaker stays open before allowing a
	// single probe request. Default 30s.
	HalfOpenTimeout time.Duration
}

func (c CBConfig) errorThreshold() int {
	if c.ErrorThreshold > 0 {
		return c.ErrorThreshold
	}
	return defaultErrorThreshold
}

func (c CBConfig) timeWindow() time.Duration {
	if c.TimeWindow > 0 {
		return c.TimeWindow
	}
	return defaultTimeWindow
}

func (c CBConfig) halfOpenTimeout() time.Duration {
	if c.HalfOpenTimeout > 0 {
		return c.HalfOpenTimeout
	}
	return defaultHalfOpenTimeout
}

// keyCB holds per-key circuit breaker state.
type keyCB struct {
	mu sync.Mutex

	state         cbState
	errorCount    int
	windowStart   time.Time // start of the current error-counting window
	openedAt      time.Time // when the breaker was tripped (for half-open timer)
	probeInflight bool      // true while a half-open probe is in flight
}

// CircuitBreaker manages independent circuit breakers keyed by deployment id
// or upstream hostname, created lazily on first use rather than
// pre-populated from a fixed list. Safe for concurrent use.
type CircuitBreaker struct {
	mu       sync.Mutex
	breakers map[string]*keyCB
	cfg      CBConfig
}

// NewCircuitBreaker creates a CircuitBreaker with default settings.
func NewCircuitBreaker() *CircuitBreaker {
	return NewCircuitBreakerWithConfig(CBConfig{})
}

// NewCircuitBreakerWithConfig creates a CircuitBreaker with custom thresholds.
func NewCircuitBreakerWithConfig(cfg CBConfig) *CircuitBreaker {
	return &CircuitBreaker{
		breakers: make(map[string]*keyCB),
		cfg:      cfg,
	}
}

// Allow reports whether the next request for key should proceed.
//
//   - Closed  → always true.
//   - Open    → false, unless the half-open timeout has elapsed, in which case
//     the breaker transitions to HalfOpen and allows one probe.
//   - HalfOpen → true only if no probe is currently in flight.
func (cb *CircuitBreaker) Allow(key string) bool {
	kcb := cb.getOrCreate(key)

	kcb.mu.Lock()
	defer kcb.mu.Unlock()

	switch kcb.state {
	case cbClosed:
		return true

	case cbOpen:
		if time.Since(kcb.openedAt) >= cb.cfg.halfOpenTimeout() {
			kcb.state = cbHalfOpen
			kcb.probeInflight = true
			return true
		}
		return false

	case cbHalfOpen:
		if kcb.probeInflight {
			return false
		}
		kcb.probeInflight = true
		return true
	}

	return true
}

// RecordSuccess marks a successful response for key and resets the breaker
// to Closed regardless of its previous state.
func (cb *CircuitBreaker) RecordSuccess(key string) {
	kcb := cb.getOrCreate(key)

	kcb.mu.Lock()
	defer kcb.mu.Unlock()

	kcb.state = cbClosed
	kcb.errorCount = 0
	kcb.probeInflight = false
	kcb.windowStart = time.Now()
}

// RecordFailure increments the error counter for key. When the counter
// reaches ErrorThreshold within TimeWindow the breaker opens.
func (cb *CircuitBreaker) RecordFailure(key string) {
	kcb := cb.getOrCreate(key)

	kcb.mu.Lock()
	defer kcb.mu.Unlock()

	now := time.Now()

	if now.Sub(kcb.windowStart) > cb.cfg.timeWindow() {
		kcb.errorCount = 0
		kcb.windowStart = now
	}

	kcb.errorCount++
	kcb.probeInflight = false

	if kcb.errorCount >= cb.cfg.errorThreshold() {
		kcb.state = cbOpen
		kcb.openedAt = now
	}
}

// State returns the current cbState for key (useful for metrics export).
func (cb *CircuitBreaker) State(key string) cbState {
	kcb := cb.getExisting(key)
	if kcb == nil {
		return cbClosed
	}
	kcb.mu.Lock()
	defer kcb.mu.Unlock()
	return kcb.state
}

// StateLabel returns a human-readable state name: "closed", "open", or
// "half_open".
func (cb *CircuitBreaker) StateLabel(key string) string {
	switch cb.State(key) {
	case cbOpen:
		return "open"
	case cbHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

func (cb *CircuitBreaker) getOrCreate(key string) *keyCB {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	kcb, ok := cb.breakers[key]
	if !ok {
		kcb = &keyCB{state: cbClosed, windowStart: time.Now()}
		cb.breakers[key] = kcb
	}
	return kcb
}

func (cb *CircuitBreaker) getExisting(key string) *keyCB {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.breakers[key]
}
