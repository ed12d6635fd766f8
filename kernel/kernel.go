// Package kernel provides the types shared by every subsystem in this
// repository: the allocation-free Error type used for every fallible
// operation and the Panic entry point used when an invariant is violated
// beyond recovery.
package kernel

import "corekernel/kernel/kfmt"

// Error describes a kernel-level failure. All kernel errors are declared as
// package-level variables that are pointers to this structure. This
// requirement stems from the fact that the Go allocator is not available
// before the PMM is up, so errors.New cannot be used.
type Error struct {
	// Module is the package where the error originated.
	Module string

	// Message is a short, human readable description of the failure.
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

var (
	// haltFn is swapped out by tests so Panic does not actually stop the
	// process; the architecture glue that implements a real CPU halt
	// loop is outside this repository's scope (see spec §1).
	haltFn = func() { select {} }

	errRuntimePanic = &Error{Module: "rt", Message: "unknown cause"}
)

// Panic prints the supplied error (if any) and halts. Calls to Panic never
// return control to their caller. It doubles as the target every
// precondition-violation described by this repository's error-handling
// design (§7) routes through: PID double-free, PID exhaustion, a mapper
// failing to unmap a range the VMM owns, etc.
func Panic(e interface{}) {
	var err *Error

	switch t := e.(type) {
	case *Error:
		err = t
	case string:
		errRuntimePanic.Message = t
		err = errRuntimePanic
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	case nil:
		err = nil
	default:
		errRuntimePanic.Message = "unrecognised panic value"
		err = errRuntimePanic
	}

	kfmt.Printf("\n-----------------------------------\n")
	if err != nil {
		kfmt.Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	kfmt.Printf("*** kernel panic: system halted ***\n")
	kfmt.Printf("-----------------------------------\n")

	haltFn()
}

// SetHaltFunc overrides the function invoked after Panic has finished
// reporting the failure. Tests use this to recover instead of blocking
// forever in the default halt loop.
func SetHaltFunc(fn func()) {
	haltFn = fn
}
