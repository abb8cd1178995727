// Package pool is a bounded worker pool. At most size tasks run at once and
// at most size+queue tasks are admitted; Submit blocks beyond that.
package pool

import (
	"context"
	"sync"

	"github.com/gammazero/workerpool"
)

type Pool struct {
	wp    *workerpool.WorkerPool
	slots chan struct{}

	mu      sync.Mutex
	stopped bool
}

func New(size, queue int) *Pool {
	if size <= 0 {
		size = 1
	}
	if queue < 0 {
		queue = 0
	}
	return &Pool{
		wp:    workerpool.New(size),
		slots: make(chan struct{}, size+queue),
	}
}

// Submit runs task on the pool, waiting for a free slot. It returns ctx.Err()
// when ctx is done first, or ErrStopped after Stop.
func (p *Pool) Submit(ctx context.Context, task func()) error {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		<-p.slots
		return ErrStopped
	}
	p.wp.Submit(func() {
		defer func() { <-p.slots }()
		task()
	})
	return nil
}

// Pending is the number of admitted tasks that have not finished.
func (p *Pool) Pending() int {
	return len(p.slots)
}

// Stop rejects new tasks and waits for admitted ones to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()
	p.wp.StopWait()
}
