package core

// Worker pool backing handler tasks. Every task runs to completion on one
// worker; blocking I/O is allowed, the pool is sized for it. Cancellation is
// cooperative through the context handed to each task.

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// DefaultWorkers sizes the pool when the configuration does not.
const DefaultWorkers = 32

type Pool struct {
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		sem:    semaphore.NewWeighted(int64(workers)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Go schedules a task. It blocks while all workers are busy and returns
// ErrClosed once the pool is shut down.
func (p *Pool) Go(task func(ctx context.Context)) error {
	if err := p.sem.Acquire(p.ctx, 1); err != nil {
		return ErrClosed
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		task(p.ctx)
	}()
	return nil
}

// After schedules a task to run once after the delay, unless the pool shuts
// down first.
func (p *Pool) After(d time.Duration, task func(ctx context.Context)) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
			task(p.ctx)
		case <-p.ctx.Done():
		}
	}()
}

// Every runs a task on a fixed period until the pool shuts down.
func (p *Pool) Every(d time.Duration, task func(ctx context.Context)) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		t := time.NewTicker(d)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				task(p.ctx)
			case <-p.ctx.Done():
				return
			}
		}
	}()
}

// Close cancels every task context and waits for completion.
func (p *Pool) Close() {
	p.cancel()
	p.wg.Wait()
}
