// Package ratelimit implements per-(user, router) request and token window
// limiting using Redis sliding-window counters with atomic Lua scripts.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Kind identifies one of the four limit windows tracked per (user, router).
type Kind string

const (
	KindRPM Kind = "rpm" // requests per minute
	KindRPD Kind = "rpd" // requests per day
	KindTPM Kind = "tpm" // tokens per minute
	KindTPD Kind = "tpd" // tokens per day
)

func (k Kind) window() time.Duration {
	switch k {
	case KindRPM, KindTPM:
		return time.Minute
	default:
		return 24 * time.Hour
	}
}

// Policy selects the windowing algorithm backing hit/remaining.
type Policy int

const (
	// PolicySliding removes samples older than the window on every hit,
	// admitting a smooth, continuously-rolling count (the teacher's original
	// RPM script). This is the default.
	PolicySliding Policy = iota
	// PolicyFixed buckets hits into a window aligned to the epoch, reset
	// in one step when the bucket rolls over.
	PolicyFixed
)

// slidingWindowScript implements a sliding window counter over a sorted set.
// KEYS[1] = key
// ARGV[1] = now (ns)
// ARGV[2] = window (ns)
// ARGV[3] = limit
// ARGV[4] = cost
// Returns: 1 if admitted (and charges cost), 0 if it would exceed limit.
var slidingWindowScript = redis.NewScript(`
	local key    = KEYS[1]
	local now    = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])
	local limit  = tonumber(ARGV[3])
	local cost   = tonumber(ARGV[4])

	redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

	local count = redis.call('ZCARD', key)
	if count + cost > limit then
		return 0
	end

	for i = 1, cost do
		local member = tostring(now) .. '-' .. tostring(i) .. '-' .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
	end
	redis.call('PEXPIRE', key, math.ceil(window / 1000000))
	return 1
`)

// fixedWindowScript implements a fixed window counter over a plain string
// counter keyed by the epoch-aligned bucket.
// KEYS[1] = key (already bucket-suffixed by the caller)
// ARGV[1] = limit
// ARGV[2] = cost
// ARGV[3] = window_ms (used for TTL)
var fixedWindowScript = redis.NewScript(`
	local key    = KEYS[1]
	local limit  = tonumber(ARGV[1])
	local cost   = tonumber(ARGV[2])
	local ttl_ms = tonumber(ARGV[3])

	local current = tonumber(redis.call('GET', key) or '0')
	if current + cost > limit then
		return 0
	end
	redis.call('INCRBY', key, cost)
	redis.call('PEXPIRE', key, ttl_ms)
	return 1
`)

// Limiter enforces RPM/RPD/TPM/TPD windows per (user, router) over Redis.
// All operations degrade open: a Redis error allows the request through and
// is neither returned to the caller nor logged, matching the teacher's
// original RPMLimiter behavior.
type Limiter struct {
	rdb    *redis.Client
	policy Policy
}

// New creates a Limiter backed by rdb using the given policy.
func New(rdb *redis.Client, policy Policy) *Limiter {
	return &Limiter{rdb: rdb, policy: policy}
}

func key(kind Kind, userID, routerID int64) string {
	return fmt.Sprintf("ratelimit:%s:%d:%d", kind, userID, routerID)
}

// Hit atomically checks and, if allowed, charges cost against the window for
// (userID, routerID, kind). limit == nil means unlimited and always admits
// without charging (an unlimited window need not be tracked).
func (l *Limiter) Hit(ctx context.Context, userID, routerID int64, kind Kind, limit *int, cost int) (bool, error) {
	if limit == nil {
		return true, nil
	}
	if cost <= 0 {
		cost = 1
	}

	k := key(kind, userID, routerID)
	window := kind.window()

	var result int64
	var err error

	switch l.policy {
	case PolicyFixed:
		bucket := time.Now().UnixMilli() / window.Milliseconds()
		bucketKey := fmt.Sprintf("%s:%d", k, bucket)
		result, err = fixedWindowScript.Run(ctx, l.rdb,
			[]string{bucketKey}, *limit, cost, window.Milliseconds(),
		).Int64()
	default: // PolicySliding
		now := time.Now().UnixNano()
		result, err = slidingWindowScript.Run(ctx, l.rdb,
			[]string{k}, now, window.Nanoseconds(), *limit, cost,
		).Int64()
	}

	if err != nil {
		// Redis unavailable — degrade open.
		return true, nil
	}
	return result == 1, nil
}

// Remaining reports the remaining capacity for (userID, routerID, kind)
// against limit. Returns nil when limit is nil (unlimited) or the store is
// unreachable.
func (l *Limiter) Remaining(ctx context.Context, userID, routerID int64, kind Kind, limit *int) *int {
	if limit == nil {
		return nil
	}

	k := key(kind, userID, routerID)
	var used int64
	var err error

	switch l.policy {
	case PolicyFixed:
		bucket := time.Now().UnixMilli() / kind.window().Milliseconds()
		bucketKey := fmt.Sprintf("%s:%d", k, bucket)
		used, err = l.rdb.Get(ctx, bucketKey).Int64()
		if errors.Is(err, redis.Nil) {
			used, err = 0, nil
		}
	default:
		now := time.Now().UnixNano()
		window := kind.window().Nanoseconds()
		used, err = l.rdb.ZCount(ctx, k, strconv.FormatInt(now-window, 10), strconv.FormatInt(now, 10)).Result()
	}

	if err != nil {
		return nil
	}
	rem := *limit - int(used)
	if rem < 0 {
		rem = 0
	}
	return &rem
}

// Limits carries the four per-(user, router) budgets. A nil field means
// unlimited; a pointer to 0 means "not granted" — the caller must deny.
type Limits struct {
	RPM *int
	RPD *int
	TPM *int
	TPD *int
}

// DeniedError is returned by CheckUserLimits when a window was exceeded or a
// limit of exactly zero was configured.
type DeniedError struct {
	Kind      Kind
	Limit     int
	Remaining int
	Zero      bool // true when the limit itself is 0 ("not granted")
}

func (e *DeniedError) Error() string {
	if e.Zero {
		return fmt.Sprintf("ratelimit: %s not granted for this router", e.Kind)
	}
	return fmt.Sprintf("ratelimit: %d %s exceeded (remaining: %d)", e.Limit, e.Kind, e.Remaining)
}

// HTTPStatus implements the teacher's StatusCoder convention.
func (e *DeniedError) HTTPStatus() int {
	if e.Zero {
		return 403
	}
	return 429
}

// CheckUserLimits implements the spec's mandated check order: master bypass,
// then zero-limit denial, then RPM, RPD, TPM, TPD in that order so the
// caller-visible error is always the most specific violated bound.
func (l *Limiter) CheckUserLimits(ctx context.Context, userID, routerID int64, limits Limits, promptTokens *int) error {
	if userID == 0 {
		return nil // master bypass
	}

	for _, z := range []struct {
		kind Kind
		lim  *int
	}{
		{KindRPM, limits.RPM}, {KindRPD, limits.RPD}, {KindTPM, limits.TPM}, {KindTPD, limits.TPD},
	} {
		if z.lim != nil && *z.lim == 0 {
			return &DeniedError{Kind: z.kind, Zero: true}
		}
	}

	type step struct {
		kind  Kind
		limit *int
		cost  int
	}
	steps := []step{
		{KindRPM, limits.RPM, 1},
		{KindRPD, limits.RPD, 1},
	}
	if promptTokens != nil {
		steps = append(steps,
			step{KindTPM, limits.TPM, *promptTokens},
			step{KindTPD, limits.TPD, *promptTokens},
		)
	}

	for _, s := range steps {
		ok, err := l.Hit(ctx, userID, routerID, s.kind, s.limit, s.cost)
		if err != nil {
			return nil // degrade open
		}
		if !ok {
			rem := l.Remaining(ctx, userID, routerID, s.kind, s.limit)
			r := 0
			if rem != nil {
				r = *rem
			}
			return &DeniedError{Kind: s.kind, Limit: *s.limit, Remaining: r}
		}
	}
	return nil
}
