package backend

import (
	"context"
	"sync"
	"time"
)

// Sink is anything that can durably persist a batch of items. The stats
// aggregator (C13) and traffic logger (C14) each supply their own Sink
// implementation over their own row type and share this queue.
type Sink[T any] interface {
	WriteBatch(ctx context.Context, items []T) error
	Close() error
}

// AsyncQueue buffers items pushed by Push and flushes them to a Sink in
// batches, on its own goroutines, so a caller on the proxy's hot path never
// blocks on storage I/O. The queue is fire-and-forget: when it is full,
// Push discards the newest item rather than block or grow unbounded,
// matching the teacher's async traffic-store wrapper.
type AsyncQueue[T any] struct {
	sink        Sink[T]
	queue       chan T
	batchSize   int
	flushPeriod time.Duration
	workers     int
	metrics     Metrics

	wg       sync.WaitGroup
	stopChan chan struct{}
	stopped  bool
	mu       sync.RWMutex
}

// AsyncConfig configures an AsyncQueue.
type AsyncConfig struct {
	// QueueSize is the buffer size for pending items (default: 10000).
	QueueSize int

	// BatchSize is the number of items to batch before writing (default: 100).
	BatchSize int

	// FlushPeriod is how often to flush partial batches (default: 100ms).
	FlushPeriod time.Duration

	// Workers is the number of concurrent workers (default: 2).
	Workers int

	// Metrics for observability (optional).
	Metrics Metrics
}

// DefaultAsyncConfig returns default async configuration.
func DefaultAsyncConfig() *AsyncConfig {
	return &AsyncConfig{
		QueueSize:   10000,
		BatchSize:   100,
		FlushPeriod: 100 * time.Millisecond,
		Workers:     2,
	}
}

// NewAsyncQueue wraps a Sink with async, batched, overflow-discarding writes.
func NewAsyncQueue[T any](sink Sink[T], cfg *AsyncConfig) *AsyncQueue[T] {
	if cfg == nil {
		cfg = DefaultAsyncConfig()
	}

	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 10000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushPeriod <= 0 {
		cfg.FlushPeriod = 100 * time.Millisecond
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}

	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NoopMetrics{}
	}

	q := &AsyncQueue[T]{
		sink:        sink,
		queue:       make(chan T, cfg.QueueSize),
		batchSize:   cfg.BatchSize,
		flushPeriod: cfg.FlushPeriod,
		workers:     cfg.Workers,
		metrics:     metrics,
		stopChan:    make(chan struct{}),
	}

	for i := 0; i < cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}

	return q
}

// Push enqueues an item for async storage. Non-blocking: if the queue is
// full the item is dropped and counted as a store error.
func (q *AsyncQueue[T]) Push(item T) {
	q.mu.RLock()
	stopped := q.stopped
	q.mu.RUnlock()

	if stopped {
		return
	}

	select {
	case q.queue <- item:
		q.metrics.SetQueueDepth(len(q.queue))
	default:
		q.metrics.IncStoreError()
	}
}

// QueueDepth returns the current number of items waiting to be flushed.
func (q *AsyncQueue[T]) QueueDepth() int {
	return len(q.queue)
}

// Flush blocks until the queue drains or ctx is done.
func (q *AsyncQueue[T]) Flush(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if len(q.queue) == 0 {
				return nil
			}
		}
	}
}

// Close stops all workers, flushing any buffered items first.
func (q *AsyncQueue[T]) Close() error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil
	}
	q.stopped = true
	q.mu.Unlock()

	close(q.stopChan)
	q.wg.Wait()

	return q.sink.Close()
}

func (q *AsyncQueue[T]) worker() {
	defer q.wg.Done()

	batch := make([]T, 0, q.batchSize)
	ticker := time.NewTicker(q.flushPeriod)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}

		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := q.sink.WriteBatch(ctx, batch)
		cancel()

		if err != nil {
			q.metrics.IncStoreError()
		} else {
			for range batch {
				q.metrics.IncStoreSuccess()
			}
		}
		q.metrics.ObserveStoreDuration(time.Since(start))

		batch = batch[:0]
		q.metrics.SetQueueDepth(len(q.queue))
	}

	for {
		select {
		case item := <-q.queue:
			batch = append(batch, item)
			if len(batch) >= q.batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-q.stopChan:
			for {
				select {
				case item := <-q.queue:
					batch = append(batch, item)
					if len(batch) >= q.batchSize {
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
