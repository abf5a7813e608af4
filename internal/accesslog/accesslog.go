// Package accesslog implements a non-blocking, batched access logger.
//
// Log entries are written to an internal buffered channel and flushed in
// batches by a background goroutine — so logging never blocks the request
// pipeline's hot path. If the channel fills up (> 10 000 entries), new
// entries are dropped and counted in DroppedLogs. Every batch is always
// emitted to the structured logger; an optional ClickHouse sink additionally
// persists it for analytics querying.
package accesslog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// RequestLog is one served request, recorded once the pipeline reaches a
// terminal state.
type RequestLog struct {
	ID           uuid.UUID
	DeploymentID string
	ProjectID    string
	Host         string
	Path         string
	Status       uint16
	LatencyMs    uint32
	CacheResult  string
	CreatedAt    time.Time
}

// Logger batches and emits RequestLog entries without blocking the caller.
type Logger struct {
	ch        chan RequestLog
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedLogs int64

	baseCtx context.Context
	log     *slog.Logger
	sink    *clickhouseSink
}

// Option configures an optional Logger dependency.
type Option func(*Logger)

// WithClickHouse enables the ClickHouse sink at dsn. An empty dsn, or a
// connection failure, leaves the logger on slog-only emission — ClickHouse
// is an enrichment, never something a request's logging can fail on.
func WithClickHouse(dsn string) Option {
	return func(l *Logger) {
		if dsn == "" {
			return
		}
		sink, err := newClickhouseSink(dsn)
		if err != nil {
			l.log.Warn("accesslog_clickhouse_disabled", slog.String("error", err.Error()))
			return
		}
		l.sink = sink
	}
}

// New starts a Logger's background flush goroutine, owned by baseCtx's
// lifetime via Close.
func New(ctx context.Context, slogger *slog.Logger, opts ...Option) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("accesslog: context must not be nil")
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
	for _, opt := range opts {
		opt(l)
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Log enqueues entry for asynchronous emission. Never blocks: a full buffer
// drops the entry and counts it.
func (l *Logger) Log(entry RequestLog) {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	select {
	case l.ch <- entry:
	default:
		atomic.AddInt64(&l.droppedLogs, 1)
	}
}

func (l *Logger) DroppedLogs() int64 {
	return atomic.LoadInt64(&l.droppedLogs)
}

// Close stops accepting new entries, flushes whatever remains, and closes
// the ClickHouse sink if one is configured.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	if l.sink != nil {
		return l.sink.Close()
	}
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
			l.log.InfoContext(ctx, "access",
				slog.String("id", e.ID.String()),
				slog.String("deployment_id", e.DeploymentID),
				slog.String("project_id", e.ProjectID),
				slog.String("host", e.Host),
				slog.String("path", e.Path),
				slog.Uint64("status", uint64(e.Status)),
				slog.Uint64("latency_ms", uint64(e.LatencyMs)),
				slog.String("cache_result", e.CacheResult),
				slog.Time("created_at", normalizeTime(e.CreatedAt)),
			)
		}
		if l.sink != nil {
			if err := l.sink.write(ctx, batch); err != nil {
				l.log.WarnContext(ctx, "accesslog_clickhouse_write_failed", slog.String("error", err.Error()))
			}
		}
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

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
