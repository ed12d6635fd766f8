package vmm

import (
	"unsafe"

	"corekernel/kernel"
	"corekernel/kernel/mem"
)

// ErrNotTempMappable is returned by CopyData when the Mapper bound to one of
// the two address spaces involved cannot temporarily map a foreign frame.
var ErrNotTempMappable = &kernel.Error{Module: "vmm", Message: "mapper does not support temporary mappings"}

// TempMapper is an optional capability a Mapper may implement: mapping a
// single physical frame into a scratch virtual address so its contents can
// be read or written from code running in a different address space. It is
// grounded on the teacher's MapTemporary/unmapFn pair (kernel/mem/vmm/map.go),
// generalized into an interface so the VMM never depends on the concrete
// arch package.
type TempMapper interface {
	MapTemporary(physical uintptr) (virtual uintptr, err *kernel.Error)
	UnmapTemporary(virtual uintptr) *kernel.Error
}

// CopyData copies data between this VMM's address space and other's,
// honoring the direction requested by toOther: when true, data is read from
// the caller's own address space (via ordinary access, since the caller is
// assumed to be running with this VMM active) and written into other at
// otherVAddr; when false, the copy runs the other way. Frames on the
// non-local side are reached through other's Mapper via a temporary
// mapping, one VMM block at a time, since the two address spaces are not
// simultaneously active.
func (v *VirtualMemoryManager) CopyData(other *VirtualMemoryManager, toOther bool, data []byte, otherVAddr uintptr) *kernel.Error {
	tm, ok := other.mapper.(TempMapper)
	if !ok {
		return ErrNotTempMappable
	}

	blockSize := uintptr(mem.BlockSize)
	remaining := data
	addr := otherVAddr

	for len(remaining) > 0 {
		offsetInBlock := addr % blockSize
		chunk := blockSize - offsetInBlock
		if chunk > uintptr(len(remaining)) {
			chunk = uintptr(len(remaining))
		}

		blockStart := addr - offsetInBlock
		idx := other.blockIndex(blockStart)
		set, err := other.blocks.IsSet(idx)
		if err != nil || !set {
			return ErrNotAllocated
		}

		frame, err := other.frameForBlock(blockStart)
		if err != nil {
			return err
		}

		tmpVAddr, terr := tm.MapTemporary(frame)
		if terr != nil {
			return terr
		}

		dst := tmpVAddr + offsetInBlock
		localAddr := uintptr(unsafe.Pointer(&remaining[:chunk][0]))
		if toOther {
			mem.Memcopy(localAddr, dst, chunk)
		} else {
			mem.Memcopy(dst, localAddr, chunk)
		}

		if uerr := tm.UnmapTemporary(tmpVAddr); uerr != nil {
			return uerr
		}

		remaining = remaining[chunk:]
		addr += chunk
	}

	return nil
}

// frameForBlock returns the physical frame backing the VMM block starting
// at blockStart, by scanning the allocation whose run contains it.
func (v *VirtualMemoryManager) frameForBlock(blockStart uintptr) (uintptr, *kernel.Error) {
	for key, alloc := range v.allocs {
		if len(alloc.Frames) == 0 {
			continue
		}
		runEnd := key + uintptr(alloc.Blocks)*uintptr(mem.BlockSize)
		if blockStart >= key && blockStart < runEnd {
			blockOffset := (blockStart - key) / uintptr(mem.BlockSize)
			return alloc.Frames[blockOffset], nil
		}
	}
	return 0, ErrNotAllocated
}
