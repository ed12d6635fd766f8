// Package sched implements the cooperative, round-robin task scheduler
// described by spec §4.7: a current-task pointer, a FIFO run queue of ready
// tasks, and the pick-next/schedule pair the architecture's timer/yield
// trampoline calls into. It fills in the ksync.Spinlock yield-function seam
// the teacher's spinlock.go leaves as an explicit TODO.
package sched

import (
	"corekernel/kernel"
	"corekernel/kernel/kfmt"
	"corekernel/kernel/ksync"
	"corekernel/kernel/mem/vmm"
	"corekernel/kernel/task"
)

var (
	guard       ksync.IRQGuard
	current     *task.Task
	idle        *task.Task
	queueHead   *task.Task
	queueTail   *task.Task
	canSwitch   bool
	initialized bool
)

// idleEntryPoint is the entry point Init records on the idle task's
// descriptor. It is 0: this module provides no idle loop routine for the
// idle task to run. The architecture glue that actually resumes execution
// at a task's entry point is out of this module's scope (§6, external
// collaborator).
const idleEntryPoint uintptr = 0

// Init creates the boot task (PID 0, whose kernel stack is the
// linker-defined boot stack range identified by bootStack/bootStackSize)
// and an idle task, per spec §4.7.
//
// The idle task is never itself inserted into the run queue's linked list:
// dequeueHead falls back to it only when the queue is genuinely empty, and
// it is never re-enqueued when displaced. This is what makes a run of real
// tasks cycle cleanly among themselves (A, B, boot-task, A, … — spec §8
// scenario 7) rather than idle reappearing in the rotation every time it
// has run once; idle exists purely as the fallback that keeps pick-next
// infallible before any task has been scheduled, not as a queue citizen
// competing for turns once real tasks exist.
func Init(kernelVMM *vmm.VirtualMemoryManager, alloc task.Allocator, bootStack uintptr, bootStackSize uintptr) {
	guard.Begin()
	defer guard.End()

	boot := task.CreateBootTask(kernelVMM, bootStack, bootStackSize)
	current = boot
	queueHead, queueTail = nil, nil

	idleTask, err := task.Create(idleEntryPoint, true, kernelVMM, alloc)
	if err != nil {
		kernel.Panic(err)
	}
	idle = idleTask

	canSwitch = true
	initialized = true

	ksync.SetYieldFunc(yield)
	kfmt.SwitchGuard = SetSwitching
}

// enqueue appends t to the run queue's tail. Caller must hold guard.
func enqueue(t *task.Task) {
	t.Next, t.Prev = nil, nil
	if queueTail == nil {
		queueHead, queueTail = t, t
		return
	}
	t.Prev = queueTail
	queueTail.Next = t
	queueTail = t
}

// dequeueHead pops and returns the run queue's head, falling back to the
// idle task if the queue is empty (pick-next's infallibility guarantee).
// Caller must hold guard.
func dequeueHead() *task.Task {
	t := queueHead
	if t == nil {
		return idle
	}
	queueHead = t.Next
	if queueHead == nil {
		queueTail = nil
	} else {
		queueHead.Prev = nil
	}
	t.Next, t.Prev = nil, nil
	return t
}

// Schedule appends task to the run queue's tail (spec §4.7 Schedule).
func Schedule(t *task.Task) {
	guard.Begin()
	defer guard.End()
	enqueue(t)
}

// Current returns the task currently running.
func Current() *task.Task {
	guard.Begin()
	defer guard.End()
	return current
}

// PickNext records the outgoing task's saved CPU state address and, if
// switching is currently enabled, rotates the run queue: the head becomes
// the new current task and the previously-current task is re-enqueued,
// reusing its own node rather than allocating one (spec §4.7 Pick-next).
// PickNext is infallible: dequeueHead always returns at least the idle
// task. The outgoing task is re-enqueued unless it is the idle task
// itself, which is never a queue citizen (see Init).
func PickNext(savedStateAddr uintptr) uintptr {
	guard.Begin()
	defer guard.End()

	current.StackPointer = savedStateAddr

	if !canSwitch {
		return current.StackPointer
	}

	next := dequeueHead()
	prev := current
	if prev != idle {
		enqueue(prev)
	}
	current = next
	return current.StackPointer
}

// SetSwitching enables or disables task switching (spec §4.7
// task_switching), used by kfmt's logging path and other short critical
// sections that must run without being preempted.
func SetSwitching(enabled bool) {
	guard.Begin()
	canSwitch = enabled
	guard.End()
}

// yield is installed as ksync's spinlock yield hook: it lets a ready task
// make progress while another task holds a contested lock, by running one
// round of the scheduler as if a timer interrupt had fired. It is a no-op
// until Init has run.
func yield() {
	if !initialized {
		return
	}
	sp := current.StackPointer
	PickNext(sp)
}
