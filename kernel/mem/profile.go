package mem

// Module describes a boot-loaded module (e.g. an init ramdisk) as reported
// by the external memory profile (spec §6).
type Module struct {
	Region Range
	Name   []byte
}

// VirtualReservation pre-declares a virtual range the VMM must carve out at
// start-of-day, optionally backed by a specific physical range (used for
// the kernel image and other boot-reserved regions).
type VirtualReservation struct {
	Virtual  Range
	Physical *Range
}

// Profile is the memory profile consumed by PMM.Init and VMM.Init (spec
// §6): the bootloader-reported layout of the address space this kernel
// core was handed. Decoding the bootloader's own format (multiboot, or
// otherwise) is out of this repository's scope; callers are expected to
// construct a Profile value directly.
type Profile struct {
	VAddrStart, VAddrEnd     uintptr
	PAddrStart, PAddrEnd     uintptr
	MemKB                    uint64
	VirtualReserved          []VirtualReservation
	PhysicalReserved         []Range
	Modules                  []Module
}
