package task

import (
	"testing"
	"unsafe"

	"corekernel/kernel"
	"corekernel/kernel/kelf"
	"corekernel/kernel/mem"
	"corekernel/kernel/mem/heap"
	"corekernel/kernel/mem/pmm"
	"corekernel/kernel/mem/vmm"
)

// fakeMapper is a minimal vmm.Mapper that just records which virtual blocks
// are currently mapped, enough to drive VMM.Alloc/Free/CopyData in tests.
type fakeMapper struct {
	mapped  map[uintptr]uintptr
	backing map[uintptr][]byte
}

func newFakeMapper() *fakeMapper {
	return &fakeMapper{mapped: make(map[uintptr]uintptr), backing: make(map[uintptr][]byte)}
}

func (m *fakeMapper) Map(_ uintptr, virtual, physical uintptr, _ vmm.Attrs) *kernel.Error {
	m.mapped[virtual] = physical
	if _, ok := m.backing[physical]; !ok {
		m.backing[physical] = make([]byte, mem.BlockSize)
	}
	return nil
}

func (m *fakeMapper) Unmap(_ uintptr, virtual uintptr) *kernel.Error {
	delete(m.mapped, virtual)
	return nil
}

func (m *fakeMapper) MapTemporary(physical uintptr) (uintptr, *kernel.Error) {
	buf, ok := m.backing[physical]
	if !ok {
		buf = make([]byte, mem.BlockSize)
		m.backing[physical] = buf
	}
	return uintptr(unsafe.Pointer(&buf[0])), nil
}

func (m *fakeMapper) UnmapTemporary(uintptr) *kernel.Error { return nil }

func newTestVMM(blocks uint, mapper *fakeMapper) *vmm.VirtualMemoryManager {
	var p pmm.PMM
	p.Init(mem.Profile{MemKB: uint64(blocks) * uint64(mem.BlockSize) / 1024})

	var v vmm.VirtualMemoryManager
	v.Init(0, uintptr(blocks)*uintptr(mem.BlockSize), &p, mapper, 0xf00d)
	return &v
}

func newTestAllocator(t *testing.T, size int) *heap.Heap {
	t.Helper()
	buf := make([]byte, size)
	var h heap.Heap
	h.Init(uintptr(unsafe.Pointer(&buf[0])), uintptr(size))
	return &h
}

func TestCreateAndDestroyKernelTask(t *testing.T) {
	mapper := newFakeMapper()
	taskVMM := newTestVMM(32, mapper)
	alloc := newTestAllocator(t, 256*1024)

	task, err := Create(0x1000, true, taskVMM, alloc)
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	if task.PID == 0 {
		t.Fatal("expected a nonzero PID for a non-boot task")
	}
	if len(task.KernelStack) != StackSize {
		t.Fatalf("expected kernel stack of %d bytes, got %d", StackSize, len(task.KernelStack))
	}
	if len(task.UserStack) != 0 {
		t.Fatal("kernel task should not have a user stack")
	}

	pid := task.PID
	task.Destroy(alloc)

	set, err := pids.IsSet(pid)
	if err != nil || set {
		t.Fatalf("expected pid %d to be freed, set=%v err=%v", pid, set, err)
	}
}

func TestBootTaskKernelStackNeverFreed(t *testing.T) {
	mapper := newFakeMapper()
	kernelVMM := newTestVMM(32, mapper)
	alloc := newTestAllocator(t, 256*1024)

	bootStack := make([]byte, 4096)
	boot := CreateBootTask(kernelVMM, uintptr(unsafe.Pointer(&bootStack[0])), uintptr(len(bootStack)))
	if boot.PID != 0 {
		t.Fatalf("expected boot task PID 0, got %d", boot.PID)
	}

	// Destroy must not attempt to return the linker-defined boot stack to
	// the allocator; if it did, the allocator itself (a disjoint region)
	// would panic or corrupt state. Absence of a panic here is the test.
	boot.Destroy(alloc)

	set, err := pids.IsSet(0)
	if err != nil || set {
		t.Fatalf("expected pid 0 to be freed, set=%v err=%v", set, err)
	}
}

func TestVFSHandleTable(t *testing.T) {
	mapper := newFakeMapper()
	taskVMM := newTestVMM(32, mapper)
	alloc := newTestAllocator(t, 256*1024)

	task, err := Create(0x1000, true, taskVMM, alloc)
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	defer task.Destroy(alloc)

	h, ok := task.AddHandle("node-a")
	if !ok {
		t.Fatal("expected AddHandle to succeed")
	}
	node, err := task.GetHandle(h)
	if err != nil || node != "node-a" {
		t.Fatalf("expected to read back node-a, got %v err=%v", node, err)
	}

	if err := task.ClearHandle(h); err != nil {
		t.Fatalf("unexpected error clearing handle: %v", err)
	}
	if err := task.ClearHandle(h); err != ErrVFSHandleNotSet {
		t.Fatalf("expected ErrVFSHandleNotSet on double clear, got %v", err)
	}
}

// TestCreateFromELFAllocatesAndRollsBack implements spec scenario 6: one
// allocatable section yields exactly ceil(size/BlockSize) bits set at the
// section's virtual address with its bytes copied in, and a second,
// colliding allocatable section causes the first section's allocation to be
// rolled back.
func TestCreateFromELFAllocatesAndRollsBack(t *testing.T) {
	mapper := newFakeMapper()
	taskVMM := newTestVMM(64, mapper)
	kernelVMM := newTestVMM(64, mapper)
	alloc := newTestAllocator(t, 256*1024)

	payload := make([]byte, 10)
	for i := range payload {
		payload[i] = byte(i + 1)
	}

	img := &kelf.InMemoryImage{
		Hdr: kelf.Header{EntryAddress: 0x2000},
		Sections: []kelf.SectionHeader{
			{Flags: kelf.Allocatable | kelf.Writable, VirtualAddress: 4 * uintptr(mem.BlockSize), Size: uint64(len(payload))},
		},
		Data: [][]byte{payload},
	}

	task, err := CreateFromELF(img, false, taskVMM, kernelVMM, alloc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	set, verr := taskVMM.IsSet(4 * uintptr(mem.BlockSize))
	if verr != nil || !set {
		t.Fatalf("expected section's block to be allocated, set=%v err=%v", set, verr)
	}

	physical := mapper.mapped[4*uintptr(mem.BlockSize)]
	got := mapper.backing[physical][:len(payload)]
	for i := range payload {
		if got[i] != payload[i] {
			t.Fatalf("section bytes not copied at offset %d: got %d want %d", i, got[i], payload[i])
		}
	}

	task.Destroy(alloc)
}

func TestCreateFromELFRollsBackEarlierSectionOnCollision(t *testing.T) {
	mapper := newFakeMapper()
	taskVMM := newTestVMM(64, mapper)
	kernelVMM := newTestVMM(64, mapper)
	alloc := newTestAllocator(t, 256*1024)

	// Pre-allocate the block the second section will collide on.
	collideAddr := 8 * uintptr(mem.BlockSize)
	if _, err := taskVMM.Alloc(1, &collideAddr, vmm.Attrs{Writable: true}); err != nil {
		t.Fatalf("setup: unexpected error reserving collision block: %v", err)
	}

	img := &kelf.InMemoryImage{
		Hdr: kelf.Header{EntryAddress: 0x2000},
		Sections: []kelf.SectionHeader{
			{Flags: kelf.Allocatable, VirtualAddress: 4 * uintptr(mem.BlockSize), Size: uint64(mem.BlockSize)},
			{Flags: kelf.Allocatable, VirtualAddress: collideAddr, Size: uint64(mem.BlockSize)},
		},
		Data: [][]byte{nil, nil},
	}

	if _, err := CreateFromELF(img, false, taskVMM, kernelVMM, alloc); err == nil {
		t.Fatal("expected the second, colliding section to fail")
	}

	set, verr := taskVMM.IsSet(4 * uintptr(mem.BlockSize))
	if verr != nil || set {
		t.Fatalf("expected first section's allocation to be rolled back, set=%v err=%v", set, verr)
	}
}
