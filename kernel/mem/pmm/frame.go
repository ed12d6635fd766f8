// Package pmm implements the physical frame allocator described by spec
// §4.2: a bitmap-backed tracker of fixed-size physical memory blocks,
// bootstrapped from a memory profile's reserved ranges.
package pmm

import (
	"corekernel/kernel/mem"
	"math"
)

// Frame identifies a physical memory block by its base address divided by
// mem.BlockSize; adapted verbatim from the teacher's pmm.Frame type.
type Frame uintptr

// InvalidFrame is returned by allocators that fail to reserve a frame.
const InvalidFrame = Frame(math.MaxUint64)

// Valid reports whether f is a real, allocated frame.
func (f Frame) Valid() bool { return f != InvalidFrame }

// Address returns the physical address this frame represents.
func (f Frame) Address() uintptr { return uintptr(f) * uintptr(mem.BlockSize) }

// FrameFromAddress returns the frame that contains the given physical
// address.
func FrameFromAddress(addr uintptr) Frame {
	return Frame(addr / uintptr(mem.BlockSize))
}
