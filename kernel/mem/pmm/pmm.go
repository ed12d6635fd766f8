package pmm

import (
	"corekernel/kernel"
	"corekernel/kernel/kfmt"
	"corekernel/kernel/ksync"
	"corekernel/kernel/mem"
	"corekernel/kernel/mem/bitmap"
)

var (
	// ErrNotAllocated is returned by Free when the target frame is not
	// currently reserved — a programmer error per spec §7.
	ErrNotAllocated = &kernel.Error{Module: "pmm", Message: "frame is not allocated"}
)

// PMM is a physical frame allocator backed by a single bitmap spanning the
// memory profile's total page count. It is grounded on the teacher's
// bitmap_allocator.go reservation idiom (reserveKernelFrames /
// reserveEarlyAllocatorFrames), generalized from a per-region pool into one
// flat bitmap since spec §4.2 does not require per-pool tracking.
type PMM struct {
	guard  ksync.IRQGuard
	blocks *bitmap.Dynamic
}

// Init constructs a PMM covering profile.MemKB of physical memory and marks
// every physically reserved range (BIOS holes, kernel image, modules) as
// Reserved, after rounding each range outward to block boundaries. Ranges
// beyond the total memory limit are silently ignored by the underlying
// bitmap, which rejects out-of-bounds indices.
func (p *PMM) Init(profile mem.Profile) {
	totalBlocks := uint((profile.MemKB * 1024) / uint64(mem.BlockSize))
	p.blocks = bitmap.NewDynamic(totalBlocks)

	for _, r := range profile.PhysicalReserved {
		rounded := r.RoundOutward()
		startFrame := FrameFromAddress(rounded.Start)
		endFrame := FrameFromAddress(rounded.End)
		for f := startFrame; f < endFrame; f++ {
			_ = p.blocks.Set(uint(f))
		}
	}

	kfmt.Printf("[pmm] %d/%d blocks free after reserving boot ranges\n", p.blocks.NumFree(), p.blocks.NumEntries())
}

// Alloc reserves the first free frame and returns its base address, or
// ok=false if physical memory is exhausted. Alloc never panics on
// exhaustion; callers decide how to react.
func (p *PMM) Alloc() (addr uintptr, ok bool) {
	p.guard.Begin()
	defer p.guard.End()

	idx, found := p.blocks.SetFirstFree()
	if !found {
		return 0, false
	}
	return Frame(idx).Address(), true
}

// Free releases the frame at addr. It requires the frame to currently be
// Reserved, returning ErrNotAllocated otherwise (spec §4.2).
func (p *PMM) Free(addr uintptr) *kernel.Error {
	p.guard.Begin()
	defer p.guard.End()

	idx := uint(FrameFromAddress(addr))
	set, err := p.blocks.IsSet(idx)
	if err != nil {
		return err
	}
	if !set {
		return ErrNotAllocated
	}
	return p.blocks.Clear(idx)
}

// SetAddr marks the frame at addr as Reserved without going through Alloc,
// used by the VMM when it is handed an explicit physical range to adopt
// (spec §4.4 VMM.Set).
func (p *PMM) SetAddr(addr uintptr) *kernel.Error {
	p.guard.Begin()
	defer p.guard.End()
	return p.blocks.Set(uint(FrameFromAddress(addr)))
}

// IsSet reports whether the frame at addr is currently Reserved.
func (p *PMM) IsSet(addr uintptr) (bool, *kernel.Error) {
	p.guard.Begin()
	defer p.guard.End()
	return p.blocks.IsSet(uint(FrameFromAddress(addr)))
}

// BlocksFree returns the number of free frames.
func (p *PMM) BlocksFree() uint {
	p.guard.Begin()
	defer p.guard.End()
	return p.blocks.NumFree()
}
