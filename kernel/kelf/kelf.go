// Package kelf defines the ELF image shape the task loader consumes (spec
// §4.6 create_from_elf). Parsing an on-disk ELF byte layout is out of this
// module's scope — the flag-constant/visitor idiom mirrors the teacher's
// multiboot.ElfSectionFlag/VisitElfSections (src/gopheros/multiboot), here
// generalized from "callback per kernel image section" into an indexable
// Image interface any loader (multiboot, a ramdisk, a test fixture) can
// implement.
package kelf

// SectionFlag is an OR-able flag describing one ELF section's properties,
// adapted from the teacher's ElfSectionFlag.
type SectionFlag uint32

const (
	// Writable marks the section as writable once mapped.
	Writable SectionFlag = 1 << iota

	// Allocatable means the section must be allocated in memory when the
	// image is loaded (spec §4.6 step 2: "for each allocatable section").
	Allocatable

	// Executable marks the section as executable.
	Executable
)

// Header describes the ELF file header fields task construction needs.
type Header struct {
	EntryAddress uintptr
}

// SectionHeader describes one ELF section header.
type SectionHeader struct {
	Flags          SectionFlag
	VirtualAddress uintptr
	Size           uint64
}

// Image is the external ELF collaborator consumed by task.CreateFromELF
// (spec §6): a parsed header, its section headers, and a way to read each
// section's raw bytes. Implementations own the buffer's lifetime; per spec
// §6 it need only outlive the CreateFromELF call.
type Image interface {
	Header() Header
	SectionHeaders() []SectionHeader
	SectionData(i int) []byte
}

// InMemoryImage is a minimal Image backed by in-memory section buffers,
// used by tests and by any loader that has already staged section bytes
// (e.g. a boot module copied out of a multiboot-reported region).
type InMemoryImage struct {
	Hdr      Header
	Sections []SectionHeader
	Data     [][]byte
}

// Header returns the image's ELF header.
func (img *InMemoryImage) Header() Header { return img.Hdr }

// SectionHeaders returns the image's section headers.
func (img *InMemoryImage) SectionHeaders() []SectionHeader { return img.Sections }

// SectionData returns the raw bytes for section i.
func (img *InMemoryImage) SectionData(i int) []byte { return img.Data[i] }
