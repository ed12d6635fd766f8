package task

import "unsafe"

// stackTop returns the address one past the end of stack — the initial
// stack pointer value before any frame is pushed, per spec §4.6 step 5.
func stackTop(stack []byte) uintptr {
	if len(stack) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&stack[0])) + uintptr(len(stack))
}

// bytesAt reinterprets [addr, addr+size) as a byte slice, used only for the
// boot task's linker-provided stack region which was never allocated
// through an Allocator.
func bytesAt(addr, size uintptr) []byte {
	if size == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}

// initContextFn is the architecture-specific hook that lays down an initial
// CPU context at the top of a task's kernel stack so the first switch-in
// resumes execution at entryPoint (spec §4.6 step 6). The default
// implementation is a pure-Go stand-in: no real CPU context exists to save,
// so it simply reports the stack top unchanged. A real x86 implementation
// would push a fabricated interrupt frame here, the way the teacher's boot
// glue primes the initial GDT/IDT state before leaving assembly.
var initContextFn func(stackTop, entryPoint uintptr, isKernel bool) uintptr = defaultInitContext

func defaultInitContext(stackTop, entryPoint uintptr, isKernel bool) uintptr {
	_ = entryPoint
	_ = isKernel
	return stackTop
}

// SetContextInit installs an architecture-specific initContextFn hook,
// replacing the no-op default. Called once during kernel start-of-day.
func SetContextInit(fn func(stackTop, entryPoint uintptr, isKernel bool) uintptr) {
	initContextFn = fn
}

func initContext(stackTop, entryPoint uintptr, isKernel bool) uintptr {
	return initContextFn(stackTop, entryPoint, isKernel)
}
