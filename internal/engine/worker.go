package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// PoolMetrics tracks worker pool operational metrics.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// WorkerPool is a bounded goroutine pool for background task runs.
type WorkerPool struct {
	sem      chan struct{}
	wg       sync.WaitGroup
	metrics  PoolMetrics
	mu       sync.Mutex
	done     chan struct{}
	closed   bool
	inflight map[string]*Job
}

// Job is a handle on keyed work submitted to the pool.
type Job struct {
	done chan struct{}
	err  error
}

// Done is closed when the job finishes.
func (j *Job) Done() <-chan struct{} { return j.done }

// Err is the job's result. Only valid after Done is closed.
func (j *Job) Err() error { return j.err }

// Wait blocks until the job finishes or ctx ends.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return j.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NewWorkerPool creates a pool with the given max concurrency.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		sem:      make(chan struct{}, size),
		done:     make(chan struct{}),
		inflight: make(map[string]*Job),
	}
}

// Submit enqueues work into the pool. It blocks if the pool is at capacity
// (backpressure) and respects context cancellation while waiting. Returns
// ErrPoolShutdown if the pool has been shut down.
func (p *WorkerPool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.mu.Unlock()

	// Acquire semaphore slot, respecting context cancellation and shutdown.
	select {
	case p.sem <- struct{}{}:
		// Slot acquired.
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolShutdown
	}

	// Re-check closed after acquiring the slot, in case Shutdown raced.
	// wg.Add(1) MUST be inside the lock to prevent race with Shutdown's wg.Wait().
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem // release slot
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	atomic.AddInt64(&p.metrics.Active, 1)
	p.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&p.metrics.Panics, 1)
				atomic.AddInt64(&p.metrics.Failed, 1)
			}
			atomic.AddInt64(&p.metrics.Active, -1)
			<-p.sem // release slot
			p.wg.Done()
		}()

		err := fn(ctx)
		if err != nil {
			atomic.AddInt64(&p.metrics.Failed, 1)
		} else {
			atomic.AddInt64(&p.metrics.Completed, 1)
		}
	}()

	return nil
}

// SubmitKeyed is Submit with a handle that Await can find by key. A newer
// submission for the same key replaces the older one in the lookup.
func (p *WorkerPool) SubmitKeyed(ctx context.Context, key string, fn func(ctx context.Context) error) (*Job, error) {
	job := &Job{done: make(chan struct{})}

	p.mu.Lock()
	p.inflight[key] = job
	p.mu.Unlock()

	err := p.Submit(ctx, func(ctx context.Context) error {
		defer p.finish(key, job)
		defer func() {
			if r := recover(); r != nil {
				job.err = fmt.Errorf("worker panic: %v", r)
				panic(r)
			}
		}()
		job.err = fn(ctx)
		return job.err
	})
	if err != nil {
		job.err = err
		p.finish(key, job)
		return nil, err
	}
	return job, nil
}

func (p *WorkerPool) finish(key string, job *Job) {
	p.mu.Lock()
	if p.inflight[key] == job {
		delete(p.inflight, key)
	}
	p.mu.Unlock()
	close(job.done)
}

// Await waits for the in-flight job submitted under key. It returns nil
// immediately when nothing is running for key.
func (p *WorkerPool) Await(ctx context.Context, key string) error {
	p.mu.Lock()
	job, ok := p.inflight[key]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return job.Wait(ctx)
}

// Wait blocks until all submitted work completes.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown gracefully stops the pool. It prevents new submissions and waits
// for all active work to complete.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

// Metrics returns a snapshot of the current pool metrics.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
	}
}

