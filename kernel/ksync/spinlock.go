// Package ksync provides the synchronization primitives used to guard the
// process-global state described by spec §5: the PID bitmap, the PMM
// bitmap, the kernel VMM and the heap free list are all mutated under one
// of the primitives in this package rather than a bare mutex, so that the
// single-CPU, interrupt-driven concurrency model stays explicit at every
// call site.
package ksync

import "sync/atomic"

// yieldFn is invoked by Spinlock.Acquire while it spins so that a
// cooperatively scheduled task waiting on a lock held by another ready task
// can make progress. It defaults to a no-op until the scheduler package
// installs a real implementation via SetYieldFunc — the teacher repo this
// package is adapted from left this exact seam as a TODO ("replace with
// real yield function when context-switching is implemented").
var yieldFn func()

// SetYieldFunc installs the function Spinlock.Acquire calls while spinning.
func SetYieldFunc(fn func()) {
	yieldFn = fn
}

// Spinlock implements a lock where a caller trying to acquire it busy-waits
// until the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired. Re-acquiring a lock already
// held by the caller deadlocks, as with any non-reentrant lock.
func (l *Spinlock) Acquire() {
	for !l.TryAcquire() {
		if yieldFn != nil {
			yieldFn()
		}
	}
}

// TryAcquire attempts to acquire the lock without blocking and reports
// whether it succeeded.
func (l *Spinlock) TryAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock. Calling Release on an already-free lock
// has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// IRQGuard models the "interrupts disabled" critical section spec §5
// requires around every mutation of process-global state. On real hardware
// this would be cli/sti; since interrupt control is out of this
// repository's scope (§1, external arch glue), the guard is backed by a
// Spinlock instead, which gives callers the same mutual-exclusion guarantee
// under test without requiring a real IDT.
type IRQGuard struct {
	lock Spinlock
}

// Begin enters the critical section.
func (g *IRQGuard) Begin() {
	g.lock.Acquire()
}

// End leaves the critical section.
func (g *IRQGuard) End() {
	g.lock.Release()
}
