package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/receiptkit/pkg/logger"
	"github.com/dmitrymomot/receiptkit/pkg/requestid"
)

// BatchWriter persists a batch of events. It is only called from the drain goroutine.
type BatchWriter interface {
	StoreBatch(ctx context.Context, events []Event) error
}

// Options controls buffering and batching.
type Options struct {
	BufferSize     int           // events queued before new ones are dropped
	BatchSize      int           // events per StoreBatch call
	BatchTimeout   time.Duration // max wait for a partial batch
	StorageTimeout time.Duration // per-batch write timeout
	Logger         *slog.Logger
	Now            func() time.Time
}

// Emitter is a best-effort audit side channel. Emit never blocks on storage
// and never reports an error: a full queue drops the event and a failed write
// is logged. Safe for concurrent use.
type Emitter struct {
	writer  BatchWriter
	opts    Options
	log     *slog.Logger
	queue   chan Event
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	once    sync.Once
	dropped atomic.Int64
	failed  atomic.Int64
}

// NewEmitter starts the background drain goroutine. Call Close on shutdown.
func NewEmitter(w BatchWriter, opts Options) (*Emitter, error) {
	if w == nil {
		return nil, ErrNilWriter
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1000
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = 500 * time.Millisecond
	}
	if opts.StorageTimeout <= 0 {
		opts.StorageTimeout = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	e := &Emitter{
		writer: w,
		opts:   opts,
		log:    log.With(logger.Component("audit")),
		queue:  make(chan Event, opts.BufferSize),
		done:   make(chan struct{}),
	}
	e.wg.Add(1)
	go e.drain()
	return e, nil
}

// Emit enqueues an audit event. The request id is taken from ctx when present.
func (e *Emitter) Emit(ctx context.Context, action string, opts ...EventOption) {
	if e == nil {
		return
	}

	ev := Event{
		ID:         uuid.NewString(),
		Action:     action,
		Result:     ResultSuccess,
		OccurredAt: e.opts.Now().UTC(),
	}
	if ctx != nil {
		ev.RequestID = requestid.FromContext(ctx)
	}
	for _, opt := range opts {
		opt(&ev)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.dropped.Add(1)
		return
	}

	select {
	case e.queue <- ev:
	default:
		if n := e.dropped.Add(1); n == 1 || n%100 == 0 {
			e.log.Warn("audit queue full, dropping events", slog.Int64("dropped_total", n), slog.String("action", action))
		}
	}
}

// Dropped returns how many events were discarded because the queue was full or closed.
func (e *Emitter) Dropped() int64 { return e.dropped.Load() }

// Failed returns how many events were lost to writer errors.
func (e *Emitter) Failed() int64 { return e.failed.Load() }

func (e *Emitter) drain() {
	defer e.wg.Done()

	batch := make([]Event, 0, e.opts.BatchSize)
	ticker := time.NewTicker(e.opts.BatchTimeout)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Detached from request contexts so a finished request cannot cancel the write.
		ctx, cancel := context.WithTimeout(context.Background(), e.opts.StorageTimeout)
		defer cancel()

		if err := e.writer.StoreBatch(ctx, batch); err != nil {
			e.failed.Add(int64(len(batch)))
			e.log.Error("failed to store audit batch", logger.Error(err), slog.Int("batch_size", len(batch)))
		}
		clear(batch)
		batch = batch[:0]
	}

	for {
		select {
		case ev := <-e.queue:
			batch = append(batch, ev)
			if len(batch) >= e.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-e.done:
			for {
				select {
				case ev := <-e.queue:
					batch = append(batch, ev)
					if len(batch) >= e.opts.BatchSize {
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

// Close stops accepting events and flushes what is queued.
// Returns ctx.Err() if the flush does not finish in time.
func (e *Emitter) Close(ctx context.Context) error {
	e.once.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()
		close(e.done)
	})

	finished := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
