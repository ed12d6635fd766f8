// Package task implements PID allocation, kernel/user stack lifecycle, the
// per-task VFS handle table, and ELF-driven task construction (spec §4.6).
// No pack repo ships a from-scratch, stack-switching task descriptor —
// biscuit's Proc_t/tinfo.Tnote_t instead ride on goroutines and the host Go
// runtime's own scheduler, which this package's cooperative model replaces
// — so the package layout and error/rollback idiom are grounded on the
// teacher's conventions throughout rather than on one specific file.
package task

import (
	"unsafe"

	"corekernel/kernel"
	"corekernel/kernel/kelf"
	"corekernel/kernel/ksync"
	"corekernel/kernel/mem"
	"corekernel/kernel/mem/bitmap"
	"corekernel/kernel/mem/vmm"
)

const (
	// MaxTasks bounds the global PID space; must be a power of two for
	// bitmap.Fixed.Init.
	MaxTasks = 4096

	// StackSize is the number of bytes allocated for a task's kernel (or
	// user) stack.
	StackSize = 16 * 1024

	// VFSHandlesPerProcess is the size of a task's VFS handle bitmap.
	VFSHandlesPerProcess = 65536
)

var (
	// ErrVFSHandleNotSet is returned by ClearHandle when the target
	// handle is not currently in use.
	ErrVFSHandleNotSet = &kernel.Error{Module: "task", Message: "vfs handle is not set"}

	// ErrSectionAllocation describes a failure allocating one ELF section's
	// backing pages. CreateFromELF does not return it: after rolling back
	// every prior section it returns the VMM's own error (for example
	// vmm.ErrAlreadyAllocated or vmm.ErrOutOfBounds).
	ErrSectionAllocation = &kernel.Error{Module: "task", Message: "failed to allocate elf section"}

	pidGuard ksync.IRQGuard
	pids     bitmap.Fixed[uint16]
	pidsInit bool
)

// allocatePID reserves the first free PID, panicking if the PID space is
// exhausted — a programmer error per spec §7.
func allocatePID() uint {
	pidGuard.Begin()
	defer pidGuard.End()

	if !pidsInit {
		if err := pids.Init(MaxTasks); err != nil {
			kernel.Panic(err)
		}
		// PID 0 belongs to the boot task from initialisation onwards.
		_ = pids.Set(0)
		pidsInit = true
	}

	pid, ok := pids.SetFirstFree()
	if !ok {
		kernel.Panic(&kernel.Error{Module: "task", Message: "pid space exhausted"})
	}
	return pid
}

// freePID releases pid, panicking if it was not reserved — a programmer
// error per spec §7.
func freePID(pid uint) {
	pidGuard.Begin()
	defer pidGuard.End()

	set, err := pids.IsSet(pid)
	if err != nil || !set {
		kernel.Panic(&kernel.Error{Module: "task", Message: "double free of pid"})
	}
	_ = pids.Clear(pid)
}

// reservePID0 marks PID 0 (the boot task) reserved at start-of-day, per
// spec §4.6.
func reservePID0() {
	pidGuard.Begin()
	defer pidGuard.End()
	if !pidsInit {
		if err := pids.Init(MaxTasks); err != nil {
			kernel.Panic(err)
		}
		pidsInit = true
	}
	_ = pids.Set(0)
}

// Allocator is the byte allocator task construction uses for stacks,
// typically backed by kernel/mem/heap.Heap.
type Allocator interface {
	Allocate(size, alignment, sizeAlignment uintptr) ([]byte, *kernel.Error)
	Free(buffer []byte)
}

// Node is an opaque VFS node reference; this package never interprets it.
type Node interface{}

// Task is a schedulable unit of execution (spec §3 Task).
type Task struct {
	PID uint

	KernelStack []byte
	UserStack   []byte

	StackPointer uintptr
	Kernel       bool

	VMM *vmm.VirtualMemoryManager

	handles    bitmap.Fixed[uint64]
	handlesMap map[uint]Node

	// Next/Prev support the scheduler's intrusive run-queue without a
	// separate container type (spec §4.7's reused-node requeue scheme).
	Next, Prev *Task
}

// bootStackStart, set once by the boot glue, identifies the linker-defined
// boot stack so Destroy never attempts to free it.
var bootStackStart uintptr

// SetBootStack records the boot stack's base address.
func SetBootStack(addr uintptr) { bootStackStart = addr }

// Create builds a new task with the given entry point, per spec §4.6.
// Every step rolls back everything acquired so far (task struct, PID,
// stacks) on a later failure, in LIFO order.
func Create(entryPoint uintptr, isKernel bool, taskVMM *vmm.VirtualMemoryManager, alloc Allocator) (*Task, *kernel.Error) {
	t := &Task{Kernel: isKernel, VMM: taskVMM, handlesMap: make(map[uint]Node)}
	if err := t.handles.Init(VFSHandlesPerProcess); err != nil {
		return nil, err
	}

	t.PID = allocatePID()

	kStack, err := alloc.Allocate(StackSize, uintptr(mem.BlockSize), 0)
	if err != nil {
		freePID(t.PID)
		return nil, err
	}
	t.KernelStack = kStack

	if !isKernel {
		uStack, err := alloc.Allocate(StackSize, uintptr(mem.BlockSize), 0)
		if err != nil {
			alloc.Free(t.KernelStack)
			freePID(t.PID)
			return nil, err
		}
		t.UserStack = uStack
	}

	t.StackPointer = stackTop(t.KernelStack)
	t.StackPointer = initContext(t.StackPointer, entryPoint, isKernel)

	return t, nil
}

// CreateBootTask constructs PID 0, whose kernel stack is the linker-defined
// boot stack rather than a heap allocation (spec §4.7 step 1).
func CreateBootTask(kernelVMM *vmm.VirtualMemoryManager, bootStack uintptr, bootStackSize uintptr) *Task {
	reservePID0()
	SetBootStack(bootStack)

	t := &Task{PID: 0, Kernel: true, VMM: kernelVMM, handlesMap: make(map[uint]Node)}
	if err := t.handles.Init(VFSHandlesPerProcess); err != nil {
		kernel.Panic(err)
	}
	t.KernelStack = bytesAt(bootStack, bootStackSize)
	t.StackPointer = stackTop(t.KernelStack)
	return t
}

// Destroy releases every resource owned by t: PID, kernel stack (unless it
// is the boot stack), user stack, and handle-table state (spec §4.6).
func (t *Task) Destroy(alloc Allocator) {
	freePID(t.PID)

	if len(t.KernelStack) > 0 {
		addr := uintptr(unsafe.Pointer(&t.KernelStack[0]))
		if addr != bootStackStart {
			alloc.Free(t.KernelStack)
		}
	}

	if !t.Kernel && len(t.UserStack) > 0 {
		alloc.Free(t.UserStack)
	}

	t.handlesMap = nil
}

// CreateFromELF builds a user task whose entry point and memory image come
// from elf, per spec §4.6. For each allocatable section, CreateFromELF
// reserves ceil(size/BlockSize) blocks at the section's virtual address in
// the task's VMM and copies the section's bytes in from the kernel VMM. A
// later section's failure rolls back every earlier section's allocation.
func CreateFromELF(elf kelf.Image, isKernel bool, taskVMM *vmm.VirtualMemoryManager, kernelVMM *vmm.VirtualMemoryManager, alloc Allocator) (*Task, *kernel.Error) {
	t, err := Create(elf.Header().EntryAddress, isKernel, taskVMM, alloc)
	if err != nil {
		return nil, err
	}

	var mapped []uintptr // starting virtual addresses of sections allocated so far

	rollbackSections := func() {
		for _, vaddr := range mapped {
			_ = taskVMM.Free(vaddr)
		}
	}

	headers := elf.SectionHeaders()
	for i, sh := range headers {
		if sh.Flags&kelf.Allocatable == 0 {
			continue
		}

		n := uint((sh.Size + uint64(mem.BlockSize) - 1) / uint64(mem.BlockSize))
		preferred := sh.VirtualAddress
		attrs := vmm.Attrs{
			Kernel:   isKernel,
			Writable: sh.Flags&kelf.Writable != 0,
			Cachable: true,
		}

		vaddr, verr := taskVMM.Alloc(n, &preferred, attrs)
		if verr != nil {
			rollbackSections()
			t.Destroy(alloc)
			return nil, verr
		}
		mapped = append(mapped, vaddr)

		data := elf.SectionData(i)
		if len(data) > 0 {
			if cerr := kernelVMM.CopyData(taskVMM, true, data, vaddr); cerr != nil {
				rollbackSections()
				t.Destroy(alloc)
				return nil, cerr
			}
		}
	}

	return t, nil
}

// AddHandle installs node under the first free handle slot, returning
// ok=false if the table is full.
func (t *Task) AddHandle(node Node) (handle uint, ok bool) {
	h, found := t.handles.SetFirstFree()
	if !found {
		return 0, false
	}
	t.handlesMap[h] = node
	return h, true
}

// GetHandle returns the node registered at handle.
func (t *Task) GetHandle(handle uint) (Node, *kernel.Error) {
	set, err := t.handles.IsSet(handle)
	if err != nil {
		return nil, err
	}
	if !set {
		return nil, ErrVFSHandleNotSet
	}
	return t.handlesMap[handle], nil
}

// HasHandle reports whether handle is currently in use.
func (t *Task) HasHandle(handle uint) (bool, *kernel.Error) {
	return t.handles.IsSet(handle)
}

// ClearHandle releases handle, failing with ErrVFSHandleNotSet if it is not
// currently set.
func (t *Task) ClearHandle(handle uint) *kernel.Error {
	set, err := t.handles.IsSet(handle)
	if err != nil {
		return err
	}
	if !set {
		return ErrVFSHandleNotSet
	}
	delete(t.handlesMap, handle)
	return t.handles.Clear(handle)
}
