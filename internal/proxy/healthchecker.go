package proxy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opengatellm/gateway/internal/metrics"
	"github.com/opengatellm/gateway/internal/registry"
)

const healthProbeInterval = 30 * time.Second
const healthProbeTimeout = 5 * time.Second

// componentStatus holds the last known health result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string // "ok" | "degraded" | "down"
}

func (s *componentStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return "unknown"
	}
	return s.status
}

// HealthChecker runs background probes and exposes the latest results.
// Unlike the teacher's static provider map, the probe set is rebuilt from
// the Model Registry on every tick, so providers added via admin CRUD start
// getting probed without a restart.
type HealthChecker struct {
	index      *registry.Index
	clients    ClientResolver
	cacheReady func() bool
	dbReady    func() bool
	baseCtx    context.Context
	metrics    *metrics.Registry

	mu               sync.Mutex
	providerStatuses map[string]*componentStatus
	cacheStatus      componentStatus
	dbStatus         componentStatus

	startTime time.Time
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewHealthChecker creates a HealthChecker and immediately starts background probes.
func NewHealthChecker(
	ctx context.Context,
	index *registry.Index,
	clients ClientResolver,
	cacheReady func() bool,
	met *metrics.Registry,
) *HealthChecker {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	hc := &HealthChecker{
		index:            index,
		clients:          clients,
		cacheReady:       cacheReady,
		providerStatuses: make(map[string]*componentStatus),
		startTime:        time.Now(),
		done:             make(chan struct{}),
		baseCtx:          ctx,
		metrics:          met,
	}

	// Run first probe synchronously so health is not "unknown" immediately.
	hc.probe()

	hc.wg.Add(1)
	go hc.run()

	return hc
}

// HealthSnapshot returns the current health state for all components.
type HealthSnapshot struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Providers     map[string]string `json:"providers"`
	Cache         string            `json:"cache"`
	Database      string            `json:"database"`
}

// Snapshot builds a snapshot from the latest probe results.
func (hc *HealthChecker) Snapshot() HealthSnapshot {
	overall := "ok"

	hc.mu.Lock()
	statuses := hc.providerStatuses
	hc.mu.Unlock()

	providers := make(map[string]string, len(statuses))
	for name, s := range statuses {
		st := s.get()
		providers[name] = st
		if st != "ok" {
			overall = "degraded"
		}
	}

	cache := hc.cacheStatus.get()
	db := hc.dbStatus.get()

	if db == "down" {
		overall = "degraded"
	}

	return HealthSnapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Providers:     providers,
		Cache:         cache,
		Database:      db,
	}
}

// ReadinessOK returns true when the database probe status is "ok" (used by
// GET /readiness for Kubernetes probes). The cache status is not consulted.
func (hc *HealthChecker) ReadinessOK() bool {
	return hc.dbStatus.get() == "ok"
}

// Close stops the background probe goroutine.
func (hc *HealthChecker) Close() {
	close(hc.done)
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.done:
			return
		}
	}
}

func (hc *HealthChecker) probe() {
	ctx, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	// Rebuild the probe set from the current registry snapshot so providers
	// added or removed via admin CRUD are picked up without a restart.
	statuses := make(map[string]*componentStatus)
	var targets []struct {
		key string
		p   *registry.Provider
	}
	if hc.index != nil {
		for _, router := range hc.index.Snapshot() {
			for i := range router.Providers {
				p := &router.Providers[i]
				key := fmt.Sprintf("%s:%d", router.Name, p.ID)
				statuses[key] = &componentStatus{status: "unknown"}
				targets = append(targets, struct {
					key string
					p   *registry.Provider
				}{key, p})
			}
		}
	}
	hc.mu.Lock()
	hc.providerStatuses = statuses
	hc.mu.Unlock()

	// Provider probes — run in parallel.
	var wg sync.WaitGroup
	for _, t := range targets {
		key, p := t.key, t.p
		s := statuses[key]
		wg.Add(1)
		go func() {
			defer wg.Done()
			cl, err := hc.clients.Get(ctx, p)
			if err != nil {
				s.set("degraded")
				if hc.metrics != nil {
					hc.metrics.SetProviderHealth(key, false)
				}
				return
			}
			if err := cl.HealthCheck(ctx); err != nil {
				s.set("degraded")
				if hc.metrics != nil {
					hc.metrics.SetProviderHealth(key, false)
				}
			} else {
				s.set("ok")
				if hc.metrics != nil {
					hc.metrics.SetProviderHealth(key, true)
				}
			}
		}()
	}

	// Cache probe — nil probe means "not configured" → ok.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if hc.cacheReady == nil || hc.cacheReady() {
			hc.cacheStatus.set("ok")
		} else {
			hc.cacheStatus.set("degraded")
		}
	}()

	// DB probe — nil probe means "not configured" → ok.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if hc.dbReady == nil || hc.dbReady() {
			hc.dbStatus.set("ok")
		} else {
			hc.dbStatus.set("down")
		}
	}()

	wg.Wait()
}
