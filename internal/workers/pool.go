// Package workers provides a bounded pool for CPU-bound key operations.
//
// RSA wrap/unwrap and bulk re-encryption during rotation run here instead of
// on the caller's goroutine. The pool has a fixed number of slots and a
// bounded number of waiters; once both are exhausted new work is rejected
// with ErrPoolSaturated rather than queued without limit.
package workers

import (
	"context"
	"runtime"
	"sync/atomic"

	terrors "github.com/PolarWolf314/tresor/internal/errors"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// ErrPoolSaturated is returned when every slot is busy and the wait queue is full.
var ErrPoolSaturated = terrors.ErrPoolSaturated

// Config holds configuration for the worker pool
type Config struct {
	// Workers is the number of tasks that may run at once.
	// If 0, defaults to runtime.NumCPU()
	Workers int

	// QueueDepth is how many callers may wait for a slot.
	// If 0, defaults to Workers * 2
	QueueDepth int
}

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	Workers   int
	InFlight  int64
	Waiting   int64
	Completed int64
	Failed    int64
	Rejected  int64
}

// Pool runs functions on a bounded number of slots.
type Pool struct {
	config Config
	slots  *semaphore.Weighted

	inFlight  atomic.Int64
	waiting   atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
}

// NewPool creates a new worker pool with the given configuration
func NewPool(config Config) *Pool {
	if config.Workers <= 0 {
		config.Workers = runtime.NumCPU()
	}
	if config.QueueDepth <= 0 {
		config.QueueDepth = config.Workers * 2
	}
	return &Pool{
		config: config,
		slots:  semaphore.NewWeighted(int64(config.Workers)),
	}
}

// Workers returns the configured slot count.
func (p *Pool) Workers() int { return p.config.Workers }

// Do runs fn on a pool slot, waiting for one if necessary.
func (p *Pool) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if !p.slots.TryAcquire(1) {
		if p.waiting.Add(1) > int64(p.config.QueueDepth) {
			p.waiting.Add(-1)
			p.rejected.Add(1)
			return ErrPoolSaturated
		}
		err := p.slots.Acquire(ctx, 1)
		p.waiting.Add(-1)
		if err != nil {
			return err
		}
	}
	defer p.slots.Release(1)

	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)

	if err := fn(ctx); err != nil {
		p.failed.Add(1)
		return err
	}
	p.completed.Add(1)
	return nil
}

// Map runs fn for every index in [0, n) with at most Workers in flight.
// The first error cancels the remaining tasks and is returned.
func (p *Pool) Map(ctx context.Context, n int, fn func(ctx context.Context, i int) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.Workers)

	for i := 0; i < n; i++ {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			return p.Do(gctx, func(ctx context.Context) error {
				return fn(ctx, i)
			})
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// Stats returns the current pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:   p.config.Workers,
		InFlight:  p.inFlight.Load(),
		Waiting:   p.waiting.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}
