package turnlog

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultWriteTimeout bounds a single Append issued by a [Writer].
const DefaultWriteTimeout = 5 * time.Second

// Writer appends entries to a Store from a background goroutine. Record never
// blocks; when the buffer is full the entry is dropped and counted.
type Writer struct {
	store   Store
	log     *slog.Logger
	ch      chan Entry
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewWriter starts a writer with room for size buffered entries.
func NewWriter(store Store, size int, logger *slog.Logger) *Writer {
	if size <= 0 {
		size = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &Writer{
		store: store,
		log:   logger,
		ch:    make(chan Entry, size),
		done:  make(chan struct{}),
	}
	go w.loop()
	return w
}

// Record queues e. A zero At is set to the current time.
func (w *Writer) Record(e Entry) {
	if w == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.dropped.Add(1)
		return
	}
	select {
	case w.ch <- e:
	default:
		w.dropped.Add(1)
	}
}

// Dropped returns the number of entries discarded because the buffer was
// full or the writer was closed.
func (w *Writer) Dropped() int64 { return w.dropped.Load() }

// Close flushes buffered entries and stops the writer.
func (w *Writer) Close() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.ch)
	}
	w.mu.Unlock()
	<-w.done
}

func (w *Writer) loop() {
	defer close(w.done)
	for e := range w.ch {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultWriteTimeout)
		if err := w.store.Append(ctx, e); err != nil {
			w.log.Warn("turnlog: append failed", "session_id", e.SessionID, "kind", e.Kind, "err", err)
		}
		cancel()
	}
}
