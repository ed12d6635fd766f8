package x86

import (
	"unsafe"

	"corekernel/kernel"
	"corekernel/kernel/ksync"
	"corekernel/kernel/mem"
	"corekernel/kernel/mem/vmm"
)

var (
	// ErrInvalidVirtualAddress is returned when a virtual address lies
	// outside any range this mapper can represent.
	ErrInvalidVirtualAddress = &kernel.Error{Module: "x86", Message: "invalid virtual address"}

	// ErrInvalidPhysicalAddress is returned when a physical address is
	// nonsensical (e.g. zero, used as a sentinel for "unmapped").
	ErrInvalidPhysicalAddress = &kernel.Error{Module: "x86", Message: "invalid physical address"}

	// ErrMisalignedVirtualAddress is returned when a virtual address is
	// not a multiple of mem.BlockSize.
	ErrMisalignedVirtualAddress = &kernel.Error{Module: "x86", Message: "virtual address is not block-aligned"}

	// ErrMisalignedPhysicalAddress is returned when a physical address is
	// not a multiple of mem.BlockSize.
	ErrMisalignedPhysicalAddress = &kernel.Error{Module: "x86", Message: "physical address is not block-aligned"}

	// ErrNotMapped is returned by Unmap when the virtual address has no
	// current mapping in the target directory.
	ErrNotMapped = &kernel.Error{Module: "x86", Message: "virtual address is not mapped"}

	// ErrAddressMismatch is returned when a temporary mapping is
	// unmapped via an address that does not match the one MapTemporary
	// handed out.
	ErrAddressMismatch = &kernel.Error{Module: "x86", Message: "address does not match the active temporary mapping"}
)

// directory is one page directory's worth of mappings: a payload identifies
// one of these. Real hardware would store this as an in-memory table of
// packed entries reached by walking CR3; this package keeps the same
// logical shape (virtual page -> entry) without assuming a hosted process
// can dereference arbitrary "physical" addresses handed out by the PMM, so
// it also owns the simulated backing bytes for every frame it has mapped.
type directory struct {
	entries map[uintptr]pageTableEntry
}

// PageDirectoryMapper is a vmm.Mapper implementation over a recursively
// addressed, single-level-simplified page directory (spec's 32-bit,
// non-PAE table shape), adapted from the teacher's PageDirectoryTable plus
// the package-level Map/Unmap/MapTemporary functions in map.go. Each
// payload value names a distinct directory; two VirtualMemoryManagers may
// share one PageDirectoryMapper while addressing different directories.
type PageDirectoryMapper struct {
	lock ksync.Spinlock

	dirs   map[uintptr]*directory
	frames map[uintptr][]byte // physical address -> simulated backing bytes
}

// NewPageDirectoryMapper returns a mapper with no directories registered.
func NewPageDirectoryMapper() *PageDirectoryMapper {
	return &PageDirectoryMapper{
		dirs:   make(map[uintptr]*directory),
		frames: make(map[uintptr][]byte),
	}
}

func (m *PageDirectoryMapper) dirFor(payload uintptr) *directory {
	d, ok := m.dirs[payload]
	if !ok {
		d = &directory{entries: make(map[uintptr]pageTableEntry)}
		m.dirs[payload] = d
	}
	return d
}

func (m *PageDirectoryMapper) frameBacking(physical uintptr) []byte {
	buf, ok := m.frames[physical]
	if !ok {
		buf = make([]byte, mem.BlockSize)
		m.frames[physical] = buf
	}
	return buf
}

func aligned(addr uintptr) bool {
	return addr&(uintptr(mem.BlockSize)-1) == 0
}

// Map installs a single page-sized mapping in the directory named by
// payload (spec §4.3).
func (m *PageDirectoryMapper) Map(payload uintptr, virtual, physical uintptr, attrs vmm.Attrs) *kernel.Error {
	m.lock.Acquire()
	defer m.lock.Release()

	if !aligned(virtual) {
		return ErrMisalignedVirtualAddress
	}
	if !aligned(physical) {
		return ErrMisalignedPhysicalAddress
	}
	if physical == 0 {
		return ErrInvalidPhysicalAddress
	}

	d := m.dirFor(payload)
	entry := pageTableEntry{frame: physical}
	entry.SetFlags(FlagPresent | attrsToFlags(attrs.Kernel, attrs.Writable, attrs.Cachable))
	d.entries[virtual] = entry
	m.frameBacking(physical) // ensure backing storage exists
	return nil
}

// Unmap removes the mapping for virtual in the directory named by payload.
func (m *PageDirectoryMapper) Unmap(payload uintptr, virtual uintptr) *kernel.Error {
	m.lock.Acquire()
	defer m.lock.Release()

	if !aligned(virtual) {
		return ErrMisalignedVirtualAddress
	}

	d := m.dirFor(payload)
	if _, ok := d.entries[virtual]; !ok {
		return ErrNotMapped
	}
	delete(d.entries, virtual)
	return nil
}

// Translate returns the physical frame currently mapped to virtual in
// payload's directory, or ErrNotMapped.
func (m *PageDirectoryMapper) Translate(payload uintptr, virtual uintptr) (uintptr, *kernel.Error) {
	m.lock.Acquire()
	defer m.lock.Release()

	d := m.dirFor(payload)
	pte, ok := d.entries[virtual&^(uintptr(mem.BlockSize)-1)]
	if !ok || !pte.HasFlags(FlagPresent) {
		return 0, ErrNotMapped
	}
	return pte.frame, nil
}

// MapTemporary satisfies vmm.TempMapper: it exposes the simulated backing
// bytes of a physical frame at a fixed scratch address so kernel code
// (e.g. VMM.CopyData) can read or write frame contents without that frame
// being permanently mapped anywhere. Grounded on the teacher's
// MapTemporary/tempMappingAddr pair.
func (m *PageDirectoryMapper) MapTemporary(physical uintptr) (uintptr, *kernel.Error) {
	m.lock.Acquire()
	defer m.lock.Release()

	if !aligned(physical) || physical == 0 {
		return 0, ErrInvalidPhysicalAddress
	}
	buf := m.frameBacking(physical)
	return uintptr(unsafe.Pointer(&buf[0])), nil
}

// UnmapTemporary is a no-op beyond validating that virtual is a live
// temporary mapping's address (the scratch address of a frame's backing
// bytes), returning ErrAddressMismatch otherwise; the backing bytes are
// retained under their physical key so future MapTemporary calls for the
// same frame see the same content.
func (m *PageDirectoryMapper) UnmapTemporary(virtual uintptr) *kernel.Error {
	m.lock.Acquire()
	defer m.lock.Release()

	for _, buf := range m.frames {
		if uintptr(unsafe.Pointer(&buf[0])) == virtual {
			return nil
		}
	}
	return ErrAddressMismatch
}
