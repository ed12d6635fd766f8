// Package vmm implements the virtual memory manager described by spec
// §4.4: a per-address-space region allocator built over a dynamic bitmap,
// coordinating with a physical frame allocator and an external, opaque
// Mapper that installs the actual page-table entries. This reshapes the
// teacher's concrete page-directory-table manager (kernel/mem/vmm/pdt.go,
// vmm.go) into the region/allocation abstraction the spec requires; the
// concrete page-table logic it used to own now lives behind the Mapper
// interface, implemented separately by kernel/arch/x86.
package vmm

import (
	"corekernel/kernel"
	"corekernel/kernel/ksync"
	"corekernel/kernel/mem"
	"corekernel/kernel/mem/bitmap"
)

var (
	// ErrAlreadyAllocated is returned by Alloc/Set when the target region
	// (or part of it) is not currently free.
	ErrAlreadyAllocated = &kernel.Error{Module: "vmm", Message: "virtual region already allocated"}

	// ErrNotAllocated is returned by Free when v_start does not key a
	// live VmmAllocation.
	ErrNotAllocated = &kernel.Error{Module: "vmm", Message: "virtual address is not allocated"}

	// ErrOutOfBounds is returned by Alloc when n blocks starting at the
	// preferred address (or anywhere, for an unconstrained search) would
	// not fit within [start, end).
	ErrOutOfBounds = &kernel.Error{Module: "vmm", Message: "region does not fit in this address space"}

	// ErrPhysicalVirtualMismatch is returned by Set when a physical range
	// is supplied whose size does not match the virtual range's.
	ErrPhysicalVirtualMismatch = &kernel.Error{Module: "vmm", Message: "physical range size does not match virtual range size"}

	// ErrInvalidVirtAddresses is returned when virtual.start > virtual.end.
	ErrInvalidVirtAddresses = &kernel.Error{Module: "vmm", Message: "invalid virtual address range"}

	// ErrInvalidPhysAddresses is returned when physical.start > physical.end.
	ErrInvalidPhysAddresses = &kernel.Error{Module: "vmm", Message: "invalid physical address range"}

	// ErrPhysicalAlreadyAllocated is returned by Set when the supplied
	// physical range overlaps a frame the PMM already has Reserved.
	ErrPhysicalAlreadyAllocated = &kernel.Error{Module: "vmm", Message: "physical range already allocated"}
)

// Attrs describes the protection and caching behaviour requested for a
// mapping; it is passed through unchanged to the Mapper.
type Attrs struct {
	Kernel   bool
	Writable bool
	Cachable bool
}

// FrameAllocator is the subset of pmm.PMM the VMM depends on. Kept as an
// interface (rather than importing pmm directly) so tests can substitute a
// fake allocator, mirroring the teacher's FrameAllocatorFn pattern.
type FrameAllocator interface {
	Alloc() (addr uintptr, ok bool)
	Free(addr uintptr) *kernel.Error
	SetAddr(addr uintptr) *kernel.Error
	IsSet(addr uintptr) (bool, *kernel.Error)
}

// Mapper installs or removes virtual-to-physical mappings in an opaque
// payload (spec §4.3). Implementations are architecture-specific; this
// package treats the interface as total over any address range a VMM that
// owns it may request.
type Mapper interface {
	// Map installs a single mapping from virtual to physical, honoring
	// attrs. Errors: InvalidVirtualAddress, InvalidPhysicalAddress,
	// MisalignedVirtualAddress, MisalignedPhysicalAddress.
	Map(payload uintptr, virtual, physical uintptr, attrs Attrs) *kernel.Error

	// Unmap removes the mapping for virtual. Errors: NotMapped,
	// InvalidVirtualAddress, AddressMismatch.
	Unmap(payload uintptr, virtual uintptr) *kernel.Error
}

// VmmAllocation records a single contiguous run of virtual blocks owned by
// a VirtualMemoryManager, keyed by the run's starting virtual address
// (spec §3 VmmAllocation).
type VmmAllocation struct {
	// Frames is the ordered list of physical frame addresses backing
	// this allocation, in the order they were allocated/recorded. It is
	// empty when the region was registered via Set with no physical
	// range.
	Frames []uintptr

	// Blocks is the number of contiguous virtual blocks this allocation
	// spans, starting at the allocation's key.
	Blocks uint
}

// VirtualMemoryManager manages a half-open virtual address range [Start,
// End) at block granularity, delegating actual page-table changes to a
// Mapper bound to an opaque payload identifying the target address space.
type VirtualMemoryManager struct {
	guard ksync.IRQGuard

	start, end uintptr
	blocks     *bitmap.Dynamic
	allocs     map[uintptr]*VmmAllocation

	pmm     FrameAllocator
	mapper  Mapper
	payload uintptr
}

// Init constructs a VMM covering [start, end) backed by pmm and mapper,
// using payload as the address-space identifier passed to every Mapper
// call. start and end must already be block-aligned.
func (v *VirtualMemoryManager) Init(start, end uintptr, pmmAlloc FrameAllocator, mapper Mapper, payload uintptr) {
	v.start, v.end = start, end
	v.blocks = bitmap.NewDynamic(uint((end - start) / uintptr(mem.BlockSize)))
	v.allocs = make(map[uintptr]*VmmAllocation)
	v.pmm = pmmAlloc
	v.mapper = mapper
	v.payload = payload
}

func (v *VirtualMemoryManager) blockIndex(addr uintptr) uint {
	return uint((addr - v.start) / uintptr(mem.BlockSize))
}

func (v *VirtualMemoryManager) blockAddr(idx uint) uintptr {
	return v.start + uintptr(idx)*uintptr(mem.BlockSize)
}

// Alloc reserves n contiguous virtual blocks, optionally starting at
// preferredAddr (pass nil for an unconstrained search), backs each block
// with a freshly-allocated physical frame (no contiguity required across
// frames), and maps each block individually. On any failure after the
// virtual run has been reserved, every already-performed step is rolled
// back (frames freed, blocks unmapped, bits cleared) before returning.
func (v *VirtualMemoryManager) Alloc(n uint, preferredAddr *uintptr, attrs Attrs) (uintptr, *kernel.Error) {
	v.guard.Begin()
	defer v.guard.End()

	var fromIdx *uint
	if preferredAddr != nil {
		if *preferredAddr < v.start || *preferredAddr >= v.end {
			return 0, ErrOutOfBounds
		}
		idx := v.blockIndex(*preferredAddr)
		fromIdx = &idx
	}

	startIdx, ok := v.blocks.SetContiguous(n, fromIdx)
	if !ok {
		if preferredAddr != nil {
			// Distinguish "taken" from "doesn't fit" the way spec
			// §4.6's ELF loader step depends on.
			if *preferredAddr+uintptr(n)*uintptr(mem.BlockSize) > v.end {
				return 0, ErrOutOfBounds
			}
			return 0, ErrAlreadyAllocated
		}
		return 0, ErrOutOfBounds
	}

	vStart := v.blockAddr(startIdx)
	alloc := &VmmAllocation{Blocks: n}

	rollback := func() {
		for _, f := range alloc.Frames {
			_ = v.pmm.Free(f)
		}
		for i := uint(0); i < n; i++ {
			_ = v.mapper.Unmap(v.payload, vStart+uintptr(i)*uintptr(mem.BlockSize))
		}
		for i := uint(0); i < n; i++ {
			_ = v.blocks.Clear(startIdx + i)
		}
	}

	for i := uint(0); i < n; i++ {
		frame, ok := v.pmm.Alloc()
		if !ok {
			rollback()
			return 0, ErrOutOfBounds
		}
		vaddr := vStart + uintptr(i)*uintptr(mem.BlockSize)
		if err := v.mapper.Map(v.payload, vaddr, frame, attrs); err != nil {
			_ = v.pmm.Free(frame)
			rollback()
			return 0, err
		}
		alloc.Frames = append(alloc.Frames, frame)
	}

	v.allocs[vStart] = alloc
	return vStart, nil
}

// Set pre-declares a known region, optionally backed by an explicit
// physical range, used for the kernel image, framebuffers, and other
// boot-reserved regions (spec §4.4 set).
func (v *VirtualMemoryManager) Set(virtual mem.Range, physical *mem.Range, attrs Attrs) *kernel.Error {
	v.guard.Begin()
	defer v.guard.End()

	if virtual.Start > virtual.End {
		return ErrInvalidVirtAddresses
	}
	n := uint(virtual.Size() / uintptr(mem.BlockSize))
	startIdx := v.blockIndex(virtual.Start)

	for i := uint(0); i < n; i++ {
		set, err := v.blocks.IsSet(startIdx + i)
		if err != nil {
			return ErrOutOfBounds
		}
		if set {
			return ErrAlreadyAllocated
		}
	}

	alloc := &VmmAllocation{Blocks: n}

	if physical != nil {
		if physical.Size() != virtual.Size() {
			return ErrPhysicalVirtualMismatch
		}
		if physical.Start > physical.End {
			return ErrInvalidPhysAddresses
		}

		frames := make([]uintptr, 0, n)
		for i := uint(0); i < n; i++ {
			faddr := physical.Start + uintptr(i)*uintptr(mem.BlockSize)
			set, err := v.pmm.IsSet(faddr)
			if err != nil || set {
				return ErrPhysicalAlreadyAllocated
			}
			frames = append(frames, faddr)
		}

		for i := uint(0); i < n; i++ {
			vaddr := virtual.Start + uintptr(i)*uintptr(mem.BlockSize)
			if err := v.mapper.Map(v.payload, vaddr, frames[i], attrs); err != nil {
				for j := uint(0); j < i; j++ {
					_ = v.mapper.Unmap(v.payload, virtual.Start+uintptr(j)*uintptr(mem.BlockSize))
				}
				return err
			}
		}
		for _, f := range frames {
			_ = v.pmm.SetAddr(f)
		}
		alloc.Frames = frames
	}

	for i := uint(0); i < n; i++ {
		_ = v.blocks.Set(startIdx + i)
	}
	v.allocs[virtual.Start] = alloc
	return nil
}

// Free releases the VmmAllocation keyed by vStart: every owned frame is
// PMM-freed, the corresponding bits cleared, and the whole virtual range
// unmapped with one Mapper.Unmap call per block. Unmap failure within a
// VMM-owned region is fatal and is reported through kernel.Panic; if the
// installed halt function returns (as in tests), the allocation record is
// dropped and the unmap error is returned.
func (v *VirtualMemoryManager) Free(vStart uintptr) *kernel.Error {
	v.guard.Begin()
	defer v.guard.End()

	alloc, ok := v.allocs[vStart]
	if !ok {
		return ErrNotAllocated
	}

	for _, f := range alloc.Frames {
		_ = v.pmm.Free(f)
	}

	startIdx := v.blockIndex(vStart)
	for i := uint(0); i < alloc.Blocks; i++ {
		_ = v.blocks.Clear(startIdx + i)
	}

	for i := uint(0); i < alloc.Blocks; i++ {
		if err := v.mapper.Unmap(v.payload, vStart+uintptr(i)*uintptr(mem.BlockSize)); err != nil {
			kernel.Panic(err)
			delete(v.allocs, vStart)
			return err
		}
	}

	delete(v.allocs, vStart)
	return nil
}

// IsSet reports whether the virtual block containing addr is currently
// allocated.
func (v *VirtualMemoryManager) IsSet(addr uintptr) (bool, *kernel.Error) {
	v.guard.Begin()
	defer v.guard.End()
	return v.blocks.IsSet(v.blockIndex(addr))
}

// Allocation returns the VmmAllocation keyed by vStart, if any.
func (v *VirtualMemoryManager) Allocation(vStart uintptr) (*VmmAllocation, bool) {
	v.guard.Begin()
	defer v.guard.End()
	a, ok := v.allocs[vStart]
	return a, ok
}
