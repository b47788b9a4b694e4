package dispatch

import (
	"sync"
	"time"
)

// cbState represents the operational state of a per-provider circuit breaker.
//
//	cbClosed   — normal operation; all requests pass through.
//	cbOpen     — provider is failing; requests are rejected immediately.
//	cbHalfOpen — recovery probe; one request is allowed to test the provider.
type cbState int

const (
	cbClosed cbState = iota
	cbOpen
	cbHalfOpen
)

// CBConfig holds circuit breaker tuning parameters. Zero values fall back to
// package defaults.
type CBConfig struct {
	// ErrorThreshold is the number of failures within TimeWindow that trips
	// the breaker. Default: 5.
	ErrorThreshold int

	// TimeWindow is the rolling window for counting errors. Default: 60s.
	TimeWindow time.Duration

	// HalfOpenTimeout is how long the breaker stays open before allowing a
	// single probe request. Default: 30s.
	HalfOpenTimeout time.Duration
}

const (
	defaultErrorThreshold  = 5
	defaultTimeWindow      = 60 * time.Second
	defaultHalfOpenTimeout = 30 * time.Second
)

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

// providerCB holds per-provider circuit breaker state.
type providerCB struct {
	mu sync.Mutex

	state         cbState
	errorCount    int
	windowStart   time.Time
	openedAt      time.Time
	probeInflight bool
}

// CircuitBreaker manages independent circuit breakers keyed by registry
// provider id. Unlike a static per-name table, breakers are created lazily
// the first time a provider id is seen — the registry's provider set can
// grow at runtime via admin CRUD.
type CircuitBreaker struct {
	mu       sync.Mutex
	breakers map[int64]*providerCB
	cfg      CBConfig
}

// NewCircuitBreaker creates a CircuitBreaker with the given thresholds.
func NewCircuitBreaker(cfg CBConfig) *CircuitBreaker {
	return &CircuitBreaker{breakers: make(map[int64]*providerCB), cfg: cfg}
}

func (cb *CircuitBreaker) get(providerID int64) *providerCB {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	pcb, ok := cb.breakers[providerID]
	if !ok {
		pcb = &providerCB{state: cbClosed, windowStart: time.Now()}
		cb.breakers[providerID] = pcb
	}
	return pcb
}

// Allow reports whether providerID should receive the next request.
func (cb *CircuitBreaker) Allow(providerID int64) bool {
	pcb := cb.get(providerID)

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	switch pcb.state {
	case cbClosed:
		return true
	case cbOpen:
		if time.Since(pcb.openedAt) >= cb.cfg.halfOpenTimeout() {
			pcb.state = cbHalfOpen
			pcb.probeInflight = true
			return true
		}
		return false
	case cbHalfOpen:
		if pcb.probeInflight {
			return false
		}
		pcb.probeInflight = true
		return true
	}
	return true
}

// RecordSuccess resets providerID's breaker to Closed.
func (cb *CircuitBreaker) RecordSuccess(providerID int64) {
	pcb := cb.get(providerID)
	pcb.mu.Lock()
	defer pcb.mu.Unlock()
	pcb.state = cbClosed
	pcb.errorCount = 0
	pcb.probeInflight = false
	pcb.windowStart = time.Now()
}

// RecordFailure increments providerID's error counter, opening the breaker
// once it reaches ErrorThreshold within TimeWindow.
func (cb *CircuitBreaker) RecordFailure(providerID int64) {
	pcb := cb.get(providerID)
	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	now := time.Now()
	if now.Sub(pcb.windowStart) > cb.cfg.timeWindow() {
		pcb.errorCount = 0
		pcb.windowStart = now
	}
	pcb.errorCount++
	pcb.probeInflight = false

	if pcb.errorCount >= cb.cfg.errorThreshold() {
		pcb.state = cbOpen
		pcb.openedAt = now
	}
}

// State returns the numeric state for providerID, for metrics export.
func (cb *CircuitBreaker) State(providerID int64) int64 {
	pcb := cb.get(providerID)
	pcb.mu.Lock()
	defer pcb.mu.Unlock()
	return int64(pcb.state)
}

// StateLabel returns a human-readable state name.
func (cb *CircuitBreaker) StateLabel(providerID int64) string {
	switch cb.State(providerID) {
	case int64(cbOpen):
		return "open"
	case int64(cbHalfOpen):
		return "half_open"
	default:
		return "closed"
	}
}
