// Package logger implements non-blocking, batched request logging.
//
// Completed requests are written to an internal buffered channel and flushed
// to the backing store in batches by a background goroutine, so logging never
// blocks the proxy hot path. If the channel fills up (> 10 000 entries), new
// entries are dropped and counted in DroppedLogs.
package logger

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

	appendTimeout = 5 * time.Second
)

// RequestLog is one completed (or failed) gateway request.
type RequestLog struct {
	ID               uuid.UUID
	KeyID            int64
	KeyName          string
	Model            string
	SourceID         int64 // 0 when no source was selected
	SourceName       string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Cost             float64
	LatencyMs        int64
	Status           int
	Stream           bool
	Error            string
	CreatedAt        time.Time
}

// DailyCost is one day's aggregated figures for a key.
type DailyCost struct {
	Day    time.Time
	Cost   float64
	Calls  int
	Tokens int
}

// Store persists request logs and serves the dashboard queries.
type Store interface {
	Append(ctx context.Context, entries []RequestLog) error

	// Recent returns one page of a key's logs, newest first, plus the total
	// record count for that key. page is 1-based.
	Recent(ctx context.Context, keyID int64, page, perPage int) ([]RequestLog, int, error)

	// DailyCosts aggregates a key's spend per UTC day over [start, end).
	DailyCosts(ctx context.Context, keyID int64, start, end time.Time) ([]DailyCost, error)

	Close() error
}

// Logger accepts entries without blocking and flushes them to a Store.
type Logger struct {
	ch        chan RequestLog
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedLogs int64

	store   Store
	baseCtx context.Context
	log     *slog.Logger
}

func New(ctx context.Context, store Store, slogger *slog.Logger) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("logger: store must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	l := &Logger{
		ch:      make(chan RequestLog, channelBuffer),
		done:    make(chan struct{}),
		store:   store,
		baseCtx: ctx,
		log:     slogger,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Log enqueues entry. Never blocks; over capacity the entry is dropped.
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

// Close drains pending entries, flushes them, and stops the worker.
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

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Flushes must survive shutdown: the final drain runs after the app
		// context is cancelled.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(l.baseCtx), appendTimeout)
		if err := l.store.Append(ctx, batch); err != nil {
			l.log.ErrorContext(ctx, "request_log_flush_failed",
				slog.Int("batch", len(batch)),
				slog.String("error", err.Error()),
			)
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}
