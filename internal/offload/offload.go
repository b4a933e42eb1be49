// Package offload bounds how many blocking network calls run at once.
package offload

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// DefaultSize is used when New receives a non-positive size.
const DefaultSize = 64

// Pool is a weighted semaphore shared by every component that performs
// blocking I/O on behalf of a dispatch cycle.
type Pool struct {
	sem  *semaphore.Weighted
	size int64
}

// New constructs a Pool allowing size concurrent calls.
func New(size int) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size)), size: int64(size)}
}

// Size reports the configured bound.
func (p *Pool) Size() int { return int(p.size) }

// Do runs fn on its own goroutine once a slot is free and waits for it or for
// ctx. The slot is held until fn returns, even if the caller has given up, so
// abandoned calls still count against the bound.
func Do[T any](ctx context.Context, p *Pool, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return zero, fmt.Errorf("offload acquire: %w", err)
	}

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer p.sem.Release(1)
		val, err := fn(ctx)
		done <- result{val: val, err: err}
	}()

	select {
	case <-ctx.Done():
		return zero, fmt.Errorf("offload wait: %w", ctx.Err())
	case r := <-done:
		return r.val, r.err
	}
}
