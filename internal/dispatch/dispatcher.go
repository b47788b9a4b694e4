package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opengatellm/gateway/internal/metricstore"
	"github.com/opengatellm/gateway/internal/registry"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// Mode selects between direct (inline select+admit) and queued dispatch.
type Mode string

const (
	ModeDirect Mode = "direct"
	ModeQueued Mode = "queued"
)

// Config controls retry/timeout/priority behavior, mirroring the teacher's
// CBConfig-style "struct of tunables with sane zero-value defaults" shape.
type Config struct {
	Mode           Mode
	MaxRetries     int
	RetryCountdown time.Duration
	MaxPriority    int
	Workers        int
	CB             CBConfig
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryCountdown <= 0 {
		c.RetryCountdown = 500 * time.Millisecond
	}
	if c.MaxPriority <= 0 {
		c.MaxPriority = 10
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	return c
}

// OverloadedError signals exhausted retries in either mode. It carries the
// HTTP status the caller should surface: 503 for direct/queued retry
// exhaustion, 504 for submitter timeout.
type OverloadedError struct {
	Status int
	Detail string
}

func (e *OverloadedError) Error() string  { return e.Detail }
func (e *OverloadedError) HTTPStatus() int { return e.Status }

// task is the payload queued per submission.
type task struct {
	ID         string           `json:"id"`
	RouterName string           `json:"router_name"`
	Endpoint   registry.Endpoint `json:"endpoint"`
	Priority   int              `json:"priority"`
	EnqueuedAt int64            `json:"enqueued_at"`
}

type result struct {
	providerID int64
	err        error
}

// Dispatcher implements the Priority Queue / Dispatcher component (C7):
// direct mode inlines select+admit once; queued mode runs a worker pool per
// router, backed by a Redis sorted set acting as a priority queue (score
// encodes priority and submission order so ZPopMax pops highest-priority,
// then oldest, matching the FIFO-within-priority contract).
type Dispatcher struct {
	cfg     Config
	store   *metricstore.Store
	index   *registry.Index
	rdb     *redis.Client
	log     *slog.Logger
	cb      *CircuitBreaker

	mu      sync.Mutex
	queues  map[string]struct{} // lazily-declared queue names, for idempotent worker spawn
	pending sync.Map            // task ID -> chan result
}

// New creates a Dispatcher. rdb may be nil in direct mode.
func New(cfg Config, store *metricstore.Store, index *registry.Index, rdb *redis.Client, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		cfg:    cfg.withDefaults(),
		store:  store,
		index:  index,
		rdb:    rdb,
		log:    log,
		cb:     NewCircuitBreaker(cfg.CB),
		queues: make(map[string]struct{}),
	}
}

// CircuitBreaker exposes the per-provider breaker so the caller can record
// the outcome of the upstream call the dispatcher itself never makes.
func (d *Dispatcher) CircuitBreaker() *CircuitBreaker { return d.cb }

// Dispatch resolves a provider to serve (router, endpoint) for a caller with
// the given priority, per the configured mode.
func (d *Dispatcher) Dispatch(ctx context.Context, router *registry.Router, endpoint registry.Endpoint, priority int) (int64, error) {
	if d.cfg.Mode == ModeDirect {
		return d.attempt(ctx, router, endpoint, nil)
	}
	return d.dispatchQueued(ctx, router, endpoint, priority)
}

// DispatchExcluding behaves like Dispatch but skips the given provider IDs.
// Used to fail over to a different provider within the same router after an
// upstream call already failed once. Only direct mode supports exclusion —
// queued mode's worker pool doesn't retry against a caller-specified
// exclusion set, so it falls back to a plain Dispatch.
func (d *Dispatcher) DispatchExcluding(ctx context.Context, router *registry.Router, endpoint registry.Endpoint, priority int, exclude map[int64]bool) (int64, error) {
	if d.cfg.Mode == ModeDirect {
		return d.attempt(ctx, router, endpoint, exclude)
	}
	return d.dispatchQueued(ctx, router, endpoint, priority)
}

// attempt runs one select+admit pass. Returns an *OverloadedError (503) when
// no candidate is admitted.
func (d *Dispatcher) attempt(ctx context.Context, router *registry.Router, endpoint registry.Endpoint, exclude map[int64]bool) (int64, error) {
	all := registry.EligibleProviders(router, endpoint)
	if len(all) == 0 {
		return 0, &registry.NotFoundError{Name: router.Name}
	}

	candidates := make([]registry.Provider, 0, len(all))
	for _, p := range all {
		if exclude[p.ID] {
			continue
		}
		if d.cb.Allow(p.ID) {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return 0, &OverloadedError{Status: 503, Detail: "all providers circuit-open"}
	}

	pid, _ := Select(ctx, d.store, candidates, router.LoadBalancing, qosMetricFor(candidates))
	var chosen *registry.Provider
	for i := range candidates {
		if candidates[i].ID == pid {
			chosen = &candidates[i]
			break
		}
	}
	if chosen == nil {
		return 0, &OverloadedError{Status: 503, Detail: "no provider selected"}
	}

	if Admit(ctx, d.store, chosen.ID, chosen.QoSMetric, chosen.QoSLimit) {
		return chosen.ID, nil
	}
	return 0, &OverloadedError{Status: 503, Detail: "upstream overloaded"}
}

func qosMetricFor(candidates []registry.Provider) registry.QoSMetric {
	for _, c := range candidates {
		if c.QoSMetric != nil {
			return *c.QoSMetric
		}
	}
	return registry.QoSMetricLatency
}

// dispatchQueued enqueues a task on router's queue, spawning its worker pool
// on first use, and awaits the result with the mandated timeout.
func (d *Dispatcher) dispatchQueued(ctx context.Context, router *registry.Router, endpoint registry.Endpoint, priority int) (int64, error) {
	if priority > d.cfg.MaxPriority {
		priority = d.cfg.MaxPriority
	}
	d.ensureQueue(router.Name)

	t := task{
		ID:         uuid.NewString(),
		RouterName: router.Name,
		Endpoint:   endpoint,
		Priority:   priority,
		EnqueuedAt: time.Now().UnixNano(),
	}

	resultCh := make(chan result, 1)
	d.pending.Store(t.ID, resultCh)
	defer d.pending.Delete(t.ID)

	if err := d.enqueue(ctx, t); err != nil {
		return 0, fmt.Errorf("dispatch: enqueue: %w", err)
	}

	timeout := time.Duration(d.cfg.MaxRetries)*d.cfg.RetryCountdown + d.cfg.RetryCountdown
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-resultCh:
		return r.providerID, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-timer.C:
		return 0, &OverloadedError{Status: 504, Detail: "dispatch timeout"}
	}
}

func (d *Dispatcher) queueKey(routerName string) string { return "queue:" + routerName }

func (d *Dispatcher) enqueue(ctx context.Context, t task) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return err
	}
	// Higher priority first; within a priority, earlier EnqueuedAt first.
	score := float64(t.Priority)*1e15 - float64(t.EnqueuedAt%1_000_000_000_000_000)
	return d.rdb.ZAdd(ctx, d.queueKey(t.RouterName), redis.Z{Score: score, Member: payload}).Err()
}

// ensureQueue lazily declares the queue and spawns its worker pool exactly
// once per router name, matching the spec's "first submission declares the
// queue" rule.
func (d *Dispatcher) ensureQueue(routerName string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.queues[routerName]; ok {
		return
	}
	d.queues[routerName] = struct{}{}

	ctx := context.Background()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		g.Go(func() error {
			d.runWorker(gctx, routerName)
			return nil
		})
	}
}

// runWorker pops highest-priority tasks for routerName and runs the
// bounded-retry select/admit loop from §4.7.
func (d *Dispatcher) runWorker(ctx context.Context, routerName string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		z, err := d.rdb.ZPopMax(ctx, d.queueKey(routerName), 1).Result()
		if err != nil || len(z) == 0 {
			time.Sleep(50 * time.Millisecond)
			continue
		}

		var t task
		if err := json.Unmarshal([]byte(fmt.Sprint(z[0].Member)), &t); err != nil {
			d.log.Warn("dispatch: malformed queue task, discarding", "error", err)
			continue
		}

		ch, ok := d.pending.Load(t.ID)
		if !ok {
			// Submitter is gone (disconnected or already timed out); discard
			// without dispatching, per the cancellation contract.
			continue
		}

		router, err := d.index.Resolve(t.RouterName)
		if err != nil {
			ch.(chan result) <- result{err: err}
			continue
		}

		r := d.retryLoop(ctx, router, t.Endpoint)
		select {
		case ch.(chan result) <- r:
		default:
			// Submitter already timed out and stopped listening.
		}
	}
}

func (d *Dispatcher) retryLoop(ctx context.Context, router *registry.Router, endpoint registry.Endpoint) result {
	for attempt := 0; attempt < d.cfg.MaxRetries; attempt++ {
		pid, err := d.attempt(ctx, router, endpoint, nil)
		if err == nil {
			return result{providerID: pid}
		}
		select {
		case <-ctx.Done():
			return result{err: ctx.Err()}
		case <-time.After(d.cfg.RetryCountdown):
		}
	}
	return result{err: &OverloadedError{Status: 503, Detail: "max retries exceeded"}}
}
