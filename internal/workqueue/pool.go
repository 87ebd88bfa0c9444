// Package workqueue runs submitted jobs on a fixed set of goroutines fed by a
// bounded queue. With one worker, jobs run strictly in submission order.
package workqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrQueueFull is returned by Enqueue when the queue has no room.
	ErrQueueFull = errors.New("workqueue: queue is full")
	// ErrClosed is returned for jobs submitted after Drain.
	ErrClosed = errors.New("workqueue: pool is drained")
)

// job is the unit of work dispatched to a worker.
type job[T any] struct {
	payload T
	done    chan<- error
}

// Pool is a fixed-size goroutine pool with a bounded input queue.
type Pool[T any] struct {
	queue   chan job[T]
	process func(ctx context.Context, t T) error
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// New creates and starts a pool with n goroutines and queue capacity capacity.
// Workers stop when ctx is cancelled or the pool is drained.
func New[T any](ctx context.Context, n, capacity int, fn func(context.Context, T) error) *Pool[T] {
	if n < 1 {
		n = 1
	}
	if capacity < 0 {
		capacity = 0
	}
	p := &Pool[T]{
		queue:   make(chan job[T], capacity),
		process: fn,
	}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.run(ctx)
		}()
	}
	return p
}

func (p *Pool[T]) run(ctx context.Context) {
	for {
		select {
		case j, ok := <-p.queue:
			if !ok {
				return
			}
			err := p.safeProcess(ctx, j.payload)
			if j.done != nil {
				j.done <- err
			}
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pool[T]) safeProcess(ctx context.Context, t T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("workqueue: job panicked: %v", r)
		}
	}()
	return p.process(ctx, t)
}

// Submit enqueues a job without blocking (returns false if full or drained).
func (p *Pool[T]) Submit(t T) bool {
	return p.Enqueue(t) == nil
}

// Enqueue is Submit reporting why a job was refused.
func (p *Pool[T]) Enqueue(t T) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.queue <- job[T]{payload: t}:
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitWait enqueues a job, waiting for queue space, and then waits for the
// job to finish. It returns the job's error.
func (p *Pool[T]) SubmitWait(ctx context.Context, t T) error {
	done := make(chan error, 1)

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrClosed
	}
	select {
	case p.queue <- job[T]{payload: t, done: done}:
		p.mu.RUnlock()
	case <-ctx.Done():
		p.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain closes the queue and waits for all workers to finish the jobs
// already queued. It is safe to call more than once.
func (p *Pool[T]) Drain() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// QueueLen returns how many jobs are currently queued.
func (p *Pool[T]) QueueLen() int {
	return len(p.queue)
}

// QueueCap returns the total queue capacity.
func (p *Pool[T]) QueueCap() int {
	return cap(p.queue)
}
