// Package logger implements a non-blocking, batched request logger.
//
// Log entries are written to an internal buffered channel and flushed in
// batches by a background goroutine — so logging never blocks the proxy hot
// path. If the channel fills up (> 10 000 entries), new entries are dropped
// and counted in DroppedLogs.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

type RequestLog struct {
	ID           uuid.UUID
	Provider     string
	Model        string
	InputTokens  uint32
	OutputTokens uint32
	LatencyMs    uint16
	Status       uint16
	Cached       bool
	CreatedAt    time.Time

	// Usage accounting, populated by the proxy once a request finalizes.
	// Zero values mean "not computed for this entry" (e.g. a non-chat
	// endpoint with no carbon accounting).
	UserID       int64
	RouterID     int64
	RouterName   string
	Cost         float64
	CarbonKWhMin float64
	CarbonKWhMax float64
	CarbonKgMin  float64
	CarbonKgMax  float64
}

type Logger struct {
	ch        chan RequestLog
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedLogs  int64
	droppedUsage int64

	baseCtx context.Context
	log     *slog.Logger
	usage   driver.Conn
}

func New(ctx context.Context, slogger *slog.Logger) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	l := &Logger{
		ch:      make(chan RequestLog, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     slogger,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// WithUsageSink attaches a ClickHouse connection used to persist usage rows
// (cost, carbon, token counts) alongside the structured request log. A nil
// or unreachable sink degrades to "usage event dropped and counted" —
// ClickHouse availability never affects the response path.
func WithUsageSink(addr, database, username, password string) (driver.Conn, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: database,
			Username: username,
			Password: password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("logger: open clickhouse: %w", err)
	}
	return conn, nil
}

// AttachUsageSink wires a previously opened ClickHouse connection into l.
// Subsequent flushes best-effort insert usage rows into it.
func (l *Logger) AttachUsageSink(conn driver.Conn) {
	l.usage = conn
}

// DroppedUsage reports how many usage rows were dropped because the
// ClickHouse sink was absent or failed.
func (l *Logger) DroppedUsage() int64 {
	return atomic.LoadInt64(&l.droppedUsage)
}

func (l *Logger) Log(entry RequestLog) {
	select {
	case l.ch <- entry:
	default:
		atomic.AddInt64(&l.droppedLogs, 1)
	}
}

func (l *Logger) DroppedLogs() int64 {
	return atomic.LoadInt64(&l.droppedLogs)
}

func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]RequestLog, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		for _, e := range batch {
			l.log.InfoContext(ctx, "request",
				slog.String("id", e.ID.String()),
				slog.String("provider", e.Provider),
				slog.String("model", e.Model),
				slog.Uint64("input_tokens", uint64(e.InputTokens)),
				slog.Uint64("output_tokens", uint64(e.OutputTokens)),
				slog.Uint64("latency_ms", uint64(e.LatencyMs)),
				slog.Uint64("status", uint64(e.Status)),
				slog.Bool("cached", e.Cached),
				slog.Time("created_at", normalizeTime(e.CreatedAt)),
			)
		}
		l.flushUsage(ctx, batch)
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush(l.baseCtx)
					}
				default:
					flush(l.baseCtx)
					return
				}
			}
		}
	}
}

// flushUsage best-effort inserts batch into the ClickHouse usage sink. Any
// failure is logged and counted, never propagated — a usage row is an
// accounting nicety, not part of the request's correctness contract.
func (l *Logger) flushUsage(ctx context.Context, batch []RequestLog) {
	if l.usage == nil || len(batch) == 0 {
		return
	}

	b, err := l.usage.PrepareBatch(ctx, "INSERT INTO usage_events")
	if err != nil {
		atomic.AddInt64(&l.droppedUsage, int64(len(batch)))
		l.log.WarnContext(ctx, "logger: prepare usage batch", "error", err, "dropped", len(batch))
		return
	}

	for _, e := range batch {
		if appendErr := b.Append(
			e.ID.String(), e.CreatedAt.UTC(), e.UserID, e.RouterID, e.RouterName,
			e.Provider, e.Model, e.InputTokens, e.OutputTokens,
			e.Cost, e.CarbonKWhMin, e.CarbonKWhMax, e.CarbonKgMin, e.CarbonKgMax,
			e.LatencyMs, e.Status,
		); appendErr != nil {
			atomic.AddInt64(&l.droppedUsage, 1)
			l.log.WarnContext(ctx, "logger: append usage row", "error", appendErr)
		}
	}

	if err := b.Send(); err != nil {
		atomic.AddInt64(&l.droppedUsage, int64(len(batch)))
		l.log.WarnContext(ctx, "logger: send usage batch", "error", err, "dropped", len(batch))
	}
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
