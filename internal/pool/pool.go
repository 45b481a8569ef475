// Package pool implements the Pipeline Pool + Concurrency Limiter (spec.md
// C10): a fixed set of pre-initialized orchestrator instances guarded by a
// global weighted semaphore, generalizing the teacher's channel-based
// dispatch semaphore (internal/agent/engine.go's dispatchTools, now removed
// in favor of this package) into a bounded instance pool.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"agentrunner/internal/orchestrator"
)

// ErrClosed is returned by Acquire once Shutdown has been called.
var ErrClosed = errors.New("pool: closed")

// Factory builds one pool instance, including its own tool-manager
// connections, per spec.md §4.10 ("each with its own tool-manager
// connections and output formatter").
type Factory func() (*orchestrator.Orchestrator, error)

// Pool is the C10 component: acquire takes a semaphore slot first, then
// claims a free instance (blocking if none is free); release does the
// reverse, matching spec.md §4.10's ordering requirement.
type Pool struct {
	sem       *semaphore.Weighted
	free      chan int
	instances []*orchestrator.Orchestrator

	closed atomic.Bool

	mu     sync.Mutex
	active int
}

// New builds a pool of size pre-initialized instances via factory, guarded
// by a global semaphore of capacity maxConcurrent (spec.md requires
// maxConcurrent >= size).
func New(size int, maxConcurrent int64, factory Factory) (*Pool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("pool: size must be positive, got %d", size)
	}
	if maxConcurrent < int64(size) {
		maxConcurrent = int64(size)
	}
	instances := make([]*orchestrator.Orchestrator, size)
	for i := 0; i < size; i++ {
		o, err := factory()
		if err != nil {
			return nil, fmt.Errorf("pool: init instance %d: %w", i, err)
		}
		instances[i] = o
	}
	p := &Pool{
		sem:       semaphore.NewWeighted(maxConcurrent),
		free:      make(chan int, size),
		instances: instances,
	}
	for i := range instances {
		p.free <- i
	}
	return p, nil
}

// Lease is a claimed pool instance; the caller must call Release exactly
// once when done with it.
type Lease struct {
	pool         *Pool
	idx          int
	Orchestrator *orchestrator.Orchestrator
}

// Acquire blocks until a semaphore slot and a free instance are both
// available, or ctx is done, or the pool has been shut down.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	select {
	case idx, ok := <-p.free:
		if !ok {
			p.sem.Release(1)
			return nil, ErrClosed
		}
		p.mu.Lock()
		p.active++
		p.mu.Unlock()
		return &Lease{pool: p, idx: idx, Orchestrator: p.instances[idx]}, nil
	case <-ctx.Done():
		p.sem.Release(1)
		return nil, ctx.Err()
	}
}

// Release returns the leased instance and semaphore slot to the pool, in
// the reverse order they were acquired.
func (l *Lease) Release() {
	l.pool.mu.Lock()
	l.pool.active--
	l.pool.mu.Unlock()
	l.pool.free <- l.idx
	l.pool.sem.Release(1)
}

// Health reports the C10 health probe: current active leases and total
// pool size.
func (p *Pool) Health() (activeRequests, poolSize int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active, len(p.instances)
}

// Shutdown rejects new Acquire calls immediately, then waits up to grace
// for in-flight leases to drain. It returns an error if any lease is still
// outstanding once grace elapses; the caller is responsible for cancelling
// the per-task contexts of remaining tasks (spec.md §5 cancellation model —
// the pool itself holds no task contexts to cancel).
func (p *Pool) Shutdown(grace time.Duration) error {
	p.closed.Store(true)
	deadline := time.Now().Add(grace)
	for {
		p.mu.Lock()
		active := p.active
		p.mu.Unlock()
		if active == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("pool: shutdown grace period elapsed with %d active requests", active)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
