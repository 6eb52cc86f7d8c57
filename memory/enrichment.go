package memory

import (
	"context"
	"sync"
	"time"
)

// enrichJob carries an STM note to the background LTM writer.
type enrichJob struct {
	key       UserKey
	note      MemoryNote
	embedding []float32
	queued    time.Time
}

// enrichQueue is a bounded job channel drained by a fixed worker pool.
// Enqueue blocks while the channel is full (backpressure).
type enrichQueue struct {
	jobs    chan enrichJob
	workers int
	handle  func(enrichJob)
	metrics *Metrics

	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

func newEnrichQueue(workers, size int, handle func(enrichJob), metrics *Metrics) *enrichQueue {
	return &enrichQueue{
		jobs:    make(chan enrichJob, size),
		workers: workers,
		handle:  handle,
		metrics: metrics,
	}
}

func (q *enrichQueue) start() {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
}

func (q *enrichQueue) worker() {
	defer q.wg.Done()
	for job := range q.jobs {
		q.metrics.queueDepth(-1)
		q.handle(job)
	}
}

// enqueue waits for a free slot until ctx ends.
func (q *enrichQueue) enqueue(ctx context.Context, job enrichJob) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.jobs <- job:
		q.metrics.queueDepth(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close stops accepting jobs and waits for workers to drain the queue or
// for ctx to end.
func (q *enrichQueue) close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *enrichQueue) depth() int { return len(q.jobs) }
