package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/glitchtip/backend/internal/metrics"
)

// ErrQueueFull is returned by Enqueue when the bounded queue has no room;
// the HTTP layer maps it to 429.
var ErrQueueFull = errors.New("ingest: queue full")

// BatchProcessor consumes drained batches. Implemented by Processor.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, jobs []*Job)
}

// Batcher owns the bounded queue and the worker pool draining it. Each
// worker accumulates jobs until the batch size or the flush interval is
// reached, then hands the batch to the processor.
type Batcher struct {
	processor BatchProcessor
	metrics   *metrics.Metrics

	queue         chan *Job
	workers       int
	flushEvery    int
	flushInterval time.Duration

	// mu orders Enqueue sends against the queue close in Stop.
	mu       sync.RWMutex
	stopOnce sync.Once
	stopped  chan struct{}
	wg       sync.WaitGroup
	logger   *slog.Logger
}

func NewBatcher(p BatchProcessor, m *metrics.Metrics, queueSize, workers, flushEvery int, flushInterval time.Duration) *Batcher {
	return &Batcher{
		processor:     p,
		metrics:       m,
		queue:         make(chan *Job, queueSize),
		workers:       workers,
		flushEvery:    flushEvery,
		flushInterval: flushInterval,
		stopped:       make(chan struct{}),
		logger:        slog.With("component", "batcher"),
	}
}

// Start launches the workers.
func (b *Batcher) Start() {
	for i := 0; i < b.workers; i++ {
		b.wg.Add(1)
		go b.worker(i)
	}
	b.logger.Info("batch workers started", "workers", b.workers, "flush_every", b.flushEvery)
}

// Enqueue hands a job to the worker pool without blocking the request.
func (b *Batcher) Enqueue(j *Job) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	select {
	case <-b.stopped:
		return ErrQueueFull
	default:
	}
	select {
	case b.queue <- j:
		b.metrics.QueueDepth.Set(float64(len(b.queue)))
		return nil
	default:
		b.metrics.EventsDropped.Inc()
		return ErrQueueFull
	}
}

// Stop closes the queue and waits for workers to drain it. In-flight and
// queued events are flushed before return.
func (b *Batcher) Stop(ctx context.Context) error {
	b.stopOnce.Do(func() {
		close(b.stopped)
		// Waiting for in-flight Enqueue sends before closing the channel.
		b.mu.Lock()
		close(b.queue)
		b.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		b.logger.Info("batch workers drained")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Batcher) worker(id int) {
	defer b.wg.Done()

	batch := make([]*Job, 0, b.flushEvery)
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Flushes run to completion even during shutdown.
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		b.processor.ProcessBatch(ctx, batch)
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case j, ok := <-b.queue:
			if !ok {
				flush()
				return
			}
			b.metrics.QueueDepth.Set(float64(len(b.queue)))
			batch = append(batch, j)
			if len(batch) >= b.flushEvery {
				flush()
				ticker.Reset(b.flushInterval)
			}
		case <-ticker.C:
			flush()
		}
	}
}
