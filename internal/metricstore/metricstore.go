// Package metricstore implements the gauge and time-series substrate the
// load balancer and QoS gate read from: in-flight counters per provider and
// bounded windows of TTFT/latency/performance samples.
//
// All operations degrade open: a Redis failure is logged and treated as "no
// data" rather than failing the caller, since the metric store backs routing
// decisions, not correctness.
package metricstore

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	gaugePrefix = "metric:gauge:"
	tsPrefix    = "metric:ts:"

	// defaultRetention bounds how far back a time series keeps samples,
	// independent of the window requested by a given ts_window_avg call.
	defaultRetention = 10 * time.Minute
)

// tsAddScript appends a sample to a sorted-set-backed time series, trims it
// to the retention window, and replaces any existing sample at the same
// timestamp, so the last value written for a timestamp wins (members are
// "ts:value", so the old member is removed by score before the ZADD).
//
// KEYS[1] = series key
// ARGV[1] = timestamp_ms
// ARGV[2] = value
// ARGV[3] = retention_ms
var tsAddScript = redis.NewScript(`
	local key        = KEYS[1]
	local ts         = tonumber(ARGV[1])
	local value      = ARGV[2]
	local retention  = tonumber(ARGV[3])

	redis.call('ZREMRANGEBYSCORE', key, 0, ts - retention)
	redis.call('ZREMRANGEBYSCORE', key, ts, ts)
	redis.call('ZADD', key, ts, ts .. ':' .. value)
	redis.call('PEXPIRE', key, retention)
	return 1
`)

// Store is a Redis-backed implementation of the metric store contract: atomic
// counters for gauges, and sorted sets for bounded time series.
type Store struct {
	rdb       *redis.Client
	log       *slog.Logger
	retention time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithRetention overrides the default time-series retention window.
func WithRetention(d time.Duration) Option {
	return func(s *Store) { s.retention = d }
}

// WithLogger overrides the logger used for degrade-open warnings.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// New creates a Store backed by rdb.
func New(rdb *redis.Client, opts ...Option) *Store {
	s := &Store{
		rdb:       rdb,
		log:       slog.Default(),
		retention: defaultRetention,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// GaugeKey builds the canonical gauge key for name and providerID.
func GaugeKey(name string, providerID int64) string {
	return gaugePrefix + name + ":" + strconv.FormatInt(providerID, 10)
}

// SeriesKey builds the canonical time-series key for name and providerID.
func SeriesKey(name string, providerID int64) string {
	return tsPrefix + name + ":" + strconv.FormatInt(providerID, 10)
}

// Incr atomically increments the named gauge. Errors are logged and
// swallowed: a failed increment must never block the upstream call it
// guards, and the paired Decr on the caller's defer path is unconditional.
func (s *Store) Incr(ctx context.Context, key string) {
	if s.rdb == nil {
		return
	}
	if err := s.rdb.Incr(ctx, key).Err(); err != nil {
		s.log.WarnContext(ctx, "metricstore: incr failed", "key", key, "error", err)
	}
}

// Decr atomically decrements the named gauge. Same degrade-open posture as Incr.
func (s *Store) Decr(ctx context.Context, key string) {
	if s.rdb == nil {
		return
	}
	if err := s.rdb.Decr(ctx, key).Err(); err != nil {
		s.log.WarnContext(ctx, "metricstore: decr failed", "key", key, "error", err)
	}
}

// GaugeGet reads the current value of a gauge. ok is false when the key is
// absent or the store is unreachable — callers treat both as "no data".
func (s *Store) GaugeGet(ctx context.Context, key string) (value int64, ok bool) {
	if s.rdb == nil {
		return 0, false
	}
	v, err := s.rdb.Get(ctx, key).Int64()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.log.WarnContext(ctx, "metricstore: gauge_get failed", "key", key, "error", err)
		}
		return 0, false
	}
	return v, true
}

// TSAdd appends a sample to the named series at tsMS, trimming entries older
// than the configured retention window.
func (s *Store) TSAdd(ctx context.Context, key string, tsMS int64, value float64) {
	if s.rdb == nil {
		return
	}
	err := tsAddScript.Run(ctx, s.rdb,
		[]string{key},
		tsMS, strconv.FormatFloat(value, 'f', -1, 64), s.retention.Milliseconds(),
	).Err()
	if err != nil {
		s.log.WarnContext(ctx, "metricstore: ts_add failed", "key", key, "error", err)
	}
}

// TSWindowAvg returns the average of samples within windowMS of now, or
// ok=false if the series is empty or unreachable.
func (s *Store) TSWindowAvg(ctx context.Context, key string, windowMS int64) (avg float64, ok bool) {
	if s.rdb == nil {
		return 0, false
	}
	now := time.Now().UnixMilli()
	members, err := s.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: strconv.FormatInt(now-windowMS, 10),
		Max: strconv.FormatInt(now, 10),
	}).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.log.WarnContext(ctx, "metricstore: ts_window_avg failed", "key", key, "error", err)
		}
		return 0, false
	}
	if len(members) == 0 {
		return 0, false
	}

	var sum float64
	var n int
	for _, m := range members {
		idx := strings.IndexByte(m, ':')
		if idx < 0 {
			continue
		}
		v, perr := strconv.ParseFloat(m[idx+1:], 64)
		if perr != nil {
			continue
		}
		sum += v
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}
