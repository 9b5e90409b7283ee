// Package concurrency provides bounded permit pools keyed by name. Model
// endpoints, subprocess fan-out, and tool-specific caps all share the same
// mechanism: acquire a permit before the operation, release after.
package concurrency

import (
	"context"
	"sync"
)

// Pool is a bounded permit set. Acquire blocks until a permit is free or
// the context is cancelled.
type Pool struct {
	permits chan struct{}
}

// NewPool creates a pool with the given size. Size <= 0 means 1.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{permits: make(chan struct{}, size)}
}

// Acquire takes a permit, blocking until one is available. The returned
// release function must be called exactly once.
func (p *Pool) Acquire(ctx context.Context) (release func(), err error) {
	select {
	case p.permits <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-p.permits }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Size returns the pool's capacity.
func (p *Pool) Size() int { return cap(p.permits) }

// InUse returns the number of permits currently held.
func (p *Pool) InUse() int { return len(p.permits) }

// registry of named pools, shared process-wide. Multiple Model instances
// pointing at the same endpoint resolve to the same pool through their
// connection key.
var (
	mu    sync.Mutex
	pools = map[string]*Pool{}
)

// Named returns the pool registered under name, creating it with the given
// size on first use. The size of an existing pool is never changed.
func Named(name string, size int) *Pool {
	mu.Lock()
	defer mu.Unlock()
	if p, ok := pools[name]; ok {
		return p
	}
	p := NewPool(size)
	pools[name] = p
	return p
}

// Reset drops all named pools. Test hook.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	pools = map[string]*Pool{}
}
