package pmm

import (
	"testing"

	"corekernel/kernel/mem"
)

// TestPMMIsolation implements spec scenario 2: with 32 blocks of memory and
// no reservations, every frame can be allocated exactly once, in ascending
// block-aligned order, and freeing a frame makes it immediately reusable.
func TestPMMIsolation(t *testing.T) {
	var p PMM
	p.Init(mem.Profile{MemKB: 32 * uint64(mem.BlockSize) / 1024})

	for i := uintptr(0); i < 32; i++ {
		addr, ok := p.Alloc()
		if !ok {
			t.Fatalf("alloc %d: expected success", i)
		}
		want := i * uintptr(mem.BlockSize)
		if addr != want {
			t.Fatalf("alloc %d: got addr %#x, want %#x", i, addr, want)
		}
	}

	if _, ok := p.Alloc(); ok {
		t.Fatal("expected the 33rd allocation to fail")
	}

	if err := p.Free(0); err != nil {
		t.Fatalf("unexpected error freeing frame 0: %v", err)
	}

	addr, ok := p.Alloc()
	if !ok || addr != 0 {
		t.Fatalf("expected frame 0 to be reusable, got (%#x, %v)", addr, ok)
	}
}

func TestPMMFreeNotAllocated(t *testing.T) {
	var p PMM
	p.Init(mem.Profile{MemKB: 8 * uint64(mem.BlockSize) / 1024})

	if err := p.Free(0); err != ErrNotAllocated {
		t.Fatalf("expected ErrNotAllocated, got %v", err)
	}
}

func TestPMMReservedRangesAreRoundedOutward(t *testing.T) {
	var p PMM
	p.Init(mem.Profile{
		MemKB: 8 * uint64(mem.BlockSize) / 1024,
		PhysicalReserved: []mem.Range{
			// Spans most of block 1 and a byte of block 2; both
			// must end up reserved.
			{Start: uintptr(mem.BlockSize) + 10, End: 2*uintptr(mem.BlockSize) + 1},
		},
	})

	for _, blk := range []uint{1, 2} {
		set, err := p.IsSet(uintptr(blk) * uintptr(mem.BlockSize))
		if err != nil || !set {
			t.Fatalf("expected block %d to be reserved, set=%v err=%v", blk, set, err)
		}
	}
	if p.BlocksFree() != 6 {
		t.Fatalf("expected 6 free blocks, got %d", p.BlocksFree())
	}
}
