// Package querylog contains the asynchronous batched query log writer.
//
// The DNS handler enqueues entries without blocking; a single background
// goroutine accumulates them and flushes to the store in one transaction
// when a batch fills up or on a periodic tick.  Persistence is at most
// once:  a failed commit drops the batch with a warning, because dropping
// DNS queries is worse than dropping log rows.
package querylog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"

	"github.com/entdns/entdns/internal/metrics"
	"github.com/entdns/entdns/internal/storage"
)

// Batching parameters.
const (
	// batchSize is how many entries accumulate before a forced flush.
	batchSize = 100

	// flushInterval is the maximum time between flushes while the buffer
	// is non-empty.
	flushInterval = 1 * time.Second

	// channelCap bounds the ingress channel.  Entries that arrive while
	// it is full are dropped and counted; see the package comment.
	channelCap = 4096

	// flushTimeout bounds a single transactional flush.
	flushTimeout = 5 * time.Second
)

// Storage is the write interface the writer flushes through.
type Storage interface {
	// InsertQueryLogBatch writes all records in a single transaction.
	InsertQueryLogBatch(ctx context.Context, batch []storage.QueryLogRecord) (err error)
}

// Writer is the batched query log writer.
type Writer struct {
	logger *slog.Logger
	store  Storage
	ch     chan storage.QueryLogRecord
	done   chan struct{}

	// mu serializes Enqueue against Close so that no send can race the
	// channel close.
	mu     sync.RWMutex
	closed bool
}

// NewWriter returns a stopped writer flushing through store.  Call Start to
// begin draining.
func NewWriter(logger *slog.Logger, store Storage) (w *Writer) {
	return &Writer{
		logger: logger.With(slogutil.KeyPrefix, "querylog"),
		store:  store,
		ch:     make(chan storage.QueryLogRecord, channelCap),
		done:   make(chan struct{}),
	}
}

// Start spawns the background flushing goroutine.
func (w *Writer) Start() {
	go w.run()
}

// Enqueue hands rec to the background writer.  It never blocks; when the
// channel is full the entry is dropped and counted.
func (w *Writer) Enqueue(rec storage.QueryLogRecord) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		return
	}

	select {
	case w.ch <- rec:
	default:
		metrics.QueryLogDropped.Inc()
	}
}

// Close flushes the remaining entries and stops the background goroutine.
func (w *Writer) Close() (err error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()

		return nil
	}

	w.closed = true
	close(w.ch)
	w.mu.Unlock()

	<-w.done

	return nil
}

// run is the background goroutine body.
func (w *Writer) run() {
	defer close(w.done)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]storage.QueryLogRecord, 0, batchSize)
	for {
		select {
		case rec, ok := <-w.ch:
			if !ok {
				// Shutting down:  flush whatever is buffered.
				w.flush(&batch)

				return
			}

			batch = append(batch, rec)
			if len(batch) >= batchSize {
				w.flush(&batch)
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(&batch)
			}
		}
	}
}

// flush writes the batch in one transaction and clears it.  The batch is
// dropped on failure.
func (w *Writer) flush(batch *[]storage.QueryLogRecord) {
	if len(*batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	n := len(*batch)
	err := w.store.InsertQueryLogBatch(ctx, *batch)
	if err != nil {
		w.logger.WarnContext(ctx, "dropping batch", "entries", n, slogutil.KeyError, err)
	} else {
		w.logger.DebugContext(ctx, "flushed", "entries", n)
	}

	*batch = (*batch)[:0]
}
