package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glitchtip/backend/internal/auth"
	"github.com/glitchtip/backend/internal/event"
	"github.com/glitchtip/backend/internal/metrics"
)

type captureProcessor struct {
	mu      sync.Mutex
	batches [][]*Job
}

func (c *captureProcessor) ProcessBatch(_ context.Context, jobs []*Job) {
	c.mu.Lock()
	defer c.mu.Unlock()
	batch := make([]*Job, len(jobs))
	copy(batch, jobs)
	c.batches = append(c.batches, batch)
}

func (c *captureProcessor) snapshot() [][]*Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]*Job, len(c.batches))
	copy(out, c.batches)
	return out
}

func testJob() *Job {
	return &Job{
		Event:   &event.Event{EventID: "e"},
		Project: &auth.ProjectInfo{ProjectID: 1, OrganizationID: 1},
	}
}

func testMetrics() *metrics.Metrics {
	return metrics.NewWithRegistry(prometheus.NewRegistry())
}

func TestBatcherFlushesOnSize(t *testing.T) {
	proc := &captureProcessor{}
	b := NewBatcher(proc, testMetrics(), 100, 1, 3, time.Hour)
	b.Start()

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Enqueue(testJob()))
	}

	require.Eventually(t, func() bool {
		batches := proc.snapshot()
		return len(batches) == 1 && len(batches[0]) == 3
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, b.Stop(context.Background()))
}

func TestBatcherFlushesOnInterval(t *testing.T) {
	proc := &captureProcessor{}
	b := NewBatcher(proc, testMetrics(), 100, 1, 1000, 50*time.Millisecond)
	b.Start()

	require.NoError(t, b.Enqueue(testJob()))

	require.Eventually(t, func() bool {
		batches := proc.snapshot()
		return len(batches) == 1 && len(batches[0]) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, b.Stop(context.Background()))
}

func TestBatcherDrainsOnStop(t *testing.T) {
	proc := &captureProcessor{}
	b := NewBatcher(proc, testMetrics(), 100, 2, 1000, time.Hour)
	b.Start()

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Enqueue(testJob()))
	}
	require.NoError(t, b.Stop(context.Background()))

	total := 0
	for _, batch := range proc.snapshot() {
		total += len(batch)
	}
	assert.Equal(t, 10, total)
}

func TestBatcherQueueFull(t *testing.T) {
	proc := &captureProcessor{}
	// Workers never started, so the queue fills.
	b := NewBatcher(proc, testMetrics(), 2, 0, 10, time.Hour)

	require.NoError(t, b.Enqueue(testJob()))
	require.NoError(t, b.Enqueue(testJob()))
	assert.ErrorIs(t, b.Enqueue(testJob()), ErrQueueFull)
}

func TestBatcherEnqueueDuringStop(t *testing.T) {
	proc := &captureProcessor{}
	b := NewBatcher(proc, testMetrics(), 100, 1, 10, time.Hour)
	b.Start()

	// Hammer Enqueue while Stop closes the queue. Every call must return
	// cleanly, either accepted or ErrQueueFull, with no panic.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if err := b.Enqueue(testJob()); err != nil {
					require.ErrorIs(t, err, ErrQueueFull)
				}
			}
		}()
	}
	require.NoError(t, b.Stop(context.Background()))
	wg.Wait()
}

func TestBatcherRejectsAfterStop(t *testing.T) {
	proc := &captureProcessor{}
	b := NewBatcher(proc, testMetrics(), 10, 1, 10, time.Hour)
	b.Start()
	require.NoError(t, b.Stop(context.Background()))

	assert.ErrorIs(t, b.Enqueue(testJob()), ErrQueueFull)
}
