package audit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// AsyncLogger detaches delivery from the caller: Log only enqueues and a
// single worker hands records to the wrapped Logger.
type AsyncLogger struct {
	records   chan queued
	next      Logger
	wg        sync.WaitGroup
	logger    *slog.Logger
	closeOnce sync.Once
	// sendMu guards records against a send racing Close.
	sendMu sync.RWMutex
	closed bool

	// Config
	blockOnFull bool

	// Drop Strategy Metrics
	dropCount   uint64
	lastLogTime time.Time
	dropMu      sync.Mutex
}

type queued struct {
	ctx context.Context
	rec Record
}

func NewAsyncLogger(next Logger, bufferSize int, blockOnFull bool, logger *slog.Logger) *AsyncLogger {
	if next == nil {
		next = NewJSONLogger(os.Stdout)
	}
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}

	l := &AsyncLogger{
		records:     make(chan queued, bufferSize),
		next:        next,
		logger:      logger,
		blockOnFull: blockOnFull,
		lastLogTime: time.Now(),
	}

	l.wg.Add(1)
	go l.worker()

	return l
}

func (l *AsyncLogger) Log(ctx context.Context, rec Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	l.sendMu.RLock()
	defer l.sendMu.RUnlock()
	if l.closed {
		l.handleDrop(rec.Action + "_closed")
		return nil
	}

	// the worker outlives the caller's request
	item := queued{ctx: context.WithoutCancel(ctx), rec: rec}

	if l.blockOnFull {
		// Will block if buffer is full. Use with caution on high-throughput.
		select {
		case l.records <- item:
			return nil
		case <-ctx.Done():
			l.handleDrop(rec.Action + "_ctx_cancelled")
			return ctx.Err()
		}
	}

	select {
	case l.records <- item:
		return nil
	default:
		l.handleDrop(rec.Action)
		return nil
	}
}

func (l *AsyncLogger) handleDrop(action string) {
	recordsTotal.WithLabelValues("async", outcomeDropped).Inc()
	currentDrops := atomic.AddUint64(&l.dropCount, 1)

	l.dropMu.Lock()
	defer l.dropMu.Unlock()

	if time.Since(l.lastLogTime) >= 5*time.Second {
		l.logger.Warn("Audit buffer full, records dropped",
			"strategy", "drop_on_full",
			"total_dropped", currentDrops,
			"sample_action", action,
		)
		atomic.StoreUint64(&l.dropCount, 0)
		l.lastLogTime = time.Now()
	}
}

// Dropped returns the drops counted since the last drop warning.
func (l *AsyncLogger) Dropped() uint64 {
	return atomic.LoadUint64(&l.dropCount)
}

func (l *AsyncLogger) worker() {
	defer l.wg.Done()

	for item := range l.records {
		err := l.next.Log(item.ctx, item.rec)
		if errors.Is(err, ErrNoStore) {
			recordsTotal.WithLabelValues("async", outcomeSkipped).Inc()
			continue
		}
		if err != nil {
			recordsTotal.WithLabelValues("async", outcomeFailed).Inc()
			l.logger.WarnContext(item.ctx, "Audit record delivery failed",
				"action", item.rec.Action,
				"ref_path", item.rec.RefPath,
				"error", err,
			)
		}
	}
}

// Close stops accepting records and waits for the queue to drain.
func (l *AsyncLogger) Close() error {
	l.closeOnce.Do(func() {
		l.sendMu.Lock()
		l.closed = true
		close(l.records)
		l.sendMu.Unlock()
	})
	l.wg.Wait()
	return nil
}

// JSONLogger writes one JSON document per record.
type JSONLogger struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewJSONLogger(w io.Writer) *JSONLogger {
	if w == nil {
		w = os.Stdout
	}
	return &JSONLogger{enc: json.NewEncoder(w)}
}

func (l *JSONLogger) Log(ctx context.Context, rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enc.Encode(rec)
}

// MultiLogger delivers to every logger and joins their errors. ErrNoStore is
// only reported when no logger took the record.
type MultiLogger []Logger

func (m MultiLogger) Log(ctx context.Context, rec Record) error {
	var errs []error
	delivered, skipped := false, false
	for _, l := range m {
		err := l.Log(ctx, rec)
		switch {
		case err == nil:
			delivered = true
		case errors.Is(err, ErrNoStore):
			skipped = true
		default:
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 && skipped && !delivered {
		return ErrNoStore
	}
	return errors.Join(errs...)
}
