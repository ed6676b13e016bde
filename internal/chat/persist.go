package chat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"roomchat/internal/metrics"

	"github.com/rs/zerolog"
)

const writeTimeout = 5 * time.Second

type writeFunc func(ctx context.Context) error

// writer applies room snapshots to the store off the room goroutine.
// Pending writes coalesce per record, latest wins. Failures are logged and
// dropped; in-memory state is never rolled back.
type writer struct {
	mu       sync.Mutex
	pending  map[string]writeFunc
	order    []string
	seq      uint64
	done     uint64
	progress chan struct{}
	closed   bool

	wake    chan struct{}
	quit    chan struct{}
	stopped chan struct{}
	logger  zerolog.Logger
}

func newWriter(logger zerolog.Logger) *writer {
	return &writer{
		pending:  make(map[string]writeFunc),
		progress: make(chan struct{}),
		wake:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
		logger:   logger,
	}
}

func (w *writer) enqueue(record string, fn writeFunc) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		w.logger.Warn().Str("record", record).Msg("write dropped, writer closed")
		return
	}
	if _, ok := w.pending[record]; !ok {
		w.order = append(w.order, record)
	}
	w.pending[record] = fn
	w.seq++
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *writer) run() {
	defer close(w.stopped)
	for {
		select {
		case <-w.wake:
			w.drain()
		case <-w.quit:
			w.drain()
			return
		}
	}
}

func (w *writer) drain() {
	for {
		w.mu.Lock()
		if len(w.pending) == 0 {
			w.mu.Unlock()
			return
		}
		batch, order, upto := w.pending, w.order, w.seq
		w.pending = make(map[string]writeFunc)
		w.order = nil
		w.mu.Unlock()

		for _, record := range order {
			w.exec(record, batch[record])
		}

		w.mu.Lock()
		w.done = upto
		close(w.progress)
		w.progress = make(chan struct{})
		w.mu.Unlock()
	}
}

func (w *writer) exec(record string, fn writeFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			w.fail(record, fmt.Errorf("panic: %v", rec))
		}
	}()

	if err := fn(ctx); err != nil {
		w.fail(record, err)
	}
}

func (w *writer) fail(record string, err error) {
	metrics.PersistenceErrors.WithLabelValues(record).Inc()
	w.logger.Error().Err(err).Str("record", record).Msg("persist failed")
}

// Flush waits until every write enqueued before the call has been applied.
func (w *writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	target := w.seq
	w.mu.Unlock()

	for {
		w.mu.Lock()
		if w.done >= target {
			w.mu.Unlock()
			return nil
		}
		ch := w.progress
		w.mu.Unlock()

		select {
		case <-ch:
		case <-w.stopped:
			w.mu.Lock()
			ok := w.done >= target
			w.mu.Unlock()
			if !ok {
				return ErrRoomClosed
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close applies what is pending and stops the goroutine.
func (w *writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.quit)
	select {
	case <-w.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
