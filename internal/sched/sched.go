// Package sched is the "CPU": it enforces spec.md §5's single-CPU,
// cooperative-scheduling invariant ("no in-kernel concurrency") as a
// runtime guarantee instead of a comment, and supervises the set of
// per-environment goroutines that stand in for real execution contexts
// (SPEC_FULL.md §0).
//
// Grounded on golang.org/x/sync/semaphore (bounding "holding the CPU" to
// weight 1) and golang.org/x/sync/errgroup (joining the goroutines and
// propagating the first failure), exactly the pairing SPEC_FULL.md §11
// assigns these two packages.
package sched

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Scheduler owns the single-CPU token and the goroutine group running
// every live environment.
type Scheduler struct {
	cpu *semaphore.Weighted
	grp *errgroup.Group
	ctx context.Context
}

// New creates a scheduler bound to ctx; cancelling ctx (or a spawned
// environment returning an error) cancels the context every spawned
// function receives. Wait still returns only once every spawned function
// has returned.
func New(ctx context.Context) *Scheduler {
	grp, gctx := errgroup.WithContext(ctx)
	return &Scheduler{
		cpu: semaphore.NewWeighted(1),
		grp: grp,
		ctx: gctx,
	}
}

// Spawn runs fn as an environment's execution context. fn must call
// Acquire/Release (typically via Kernel.Yield) around any span where it
// is "running" rather than blocked in ipc_recv, matching spec §5's
// single-CPU invariant.
func (s *Scheduler) Spawn(fn func(ctx context.Context) error) {
	s.grp.Go(func() error { return fn(s.ctx) })
}

// Acquire claims the single CPU token, blocking until available or ctx
// is done.
func (s *Scheduler) Acquire(ctx context.Context) error {
	return s.cpu.Acquire(ctx, 1)
}

// Release gives up the CPU token, letting another runnable environment
// goroutine proceed — this is what backs sys_yield's "let someone else
// run" semantics.
func (s *Scheduler) Release() {
	s.cpu.Release(1)
}

// TryAcquire claims the CPU token without blocking, reporting whether it
// succeeded.
func (s *Scheduler) TryAcquire() bool {
	return s.cpu.TryAcquire(1)
}

// Wait blocks until every spawned environment goroutine has returned,
// returning the first non-nil error any of them produced.
func (s *Scheduler) Wait() error {
	return s.grp.Wait()
}

// Context returns the scheduler's run context, cancelled once the group
// is tearing down.
func (s *Scheduler) Context() context.Context { return s.ctx }
