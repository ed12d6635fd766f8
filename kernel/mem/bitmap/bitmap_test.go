package bitmap

import "testing"

func TestDynamicSetClearInvariant(t *testing.T) {
	b := NewDynamic(10)
	if b.NumFree() != 10 {
		t.Fatalf("expected 10 free entries, got %d", b.NumFree())
	}

	if err := b.Set(3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.NumFree() != 9 {
		t.Fatalf("expected 9 free entries after Set, got %d", b.NumFree())
	}
	// idempotent
	if err := b.Set(3); err != nil || b.NumFree() != 9 {
		t.Fatalf("Set on an already-set bit must be a no-op")
	}

	set, _ := b.IsSet(3)
	if !set {
		t.Fatal("expected bit 3 to be set")
	}

	if err := b.Clear(3); err != nil || b.NumFree() != 10 {
		t.Fatalf("expected Clear to restore free count, got %d err=%v", b.NumFree(), err)
	}
	// idempotent
	if err := b.Clear(3); err != nil || b.NumFree() != 10 {
		t.Fatalf("Clear on an already-clear bit must be a no-op")
	}
}

func TestDynamicOutOfBounds(t *testing.T) {
	b := NewDynamic(4)
	if err := b.Set(4); err != ErrOutOfBounds {
		t.Fatalf("expected ErrOutOfBounds, got %v", err)
	}
	if _, err := b.IsSet(100); err != ErrOutOfBounds {
		t.Fatalf("expected ErrOutOfBounds, got %v", err)
	}
}

func TestDynamicSetFirstFree(t *testing.T) {
	b := NewDynamic(4)
	for want := uint(0); want < 4; want++ {
		got, ok := b.SetFirstFree()
		if !ok || got != want {
			t.Fatalf("expected (%d, true), got (%d, %v)", want, got, ok)
		}
	}
	if _, ok := b.SetFirstFree(); ok {
		t.Fatal("expected SetFirstFree to fail once the bitmap is full")
	}
}

// TestFixedContiguousWithFromHint implements spec scenario 1: a u16-backed
// Fixed bitmap exercised through set_contiguous with and without a from
// hint.
func TestFixedContiguousWithFromHint(t *testing.T) {
	var b Fixed[uint16]
	if err := b.Init(16); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mustEqual := func(got uint, ok bool, wantOK bool, want uint) {
		t.Helper()
		if ok != wantOK || (ok && got != want) {
			t.Fatalf("got (%d, %v), want (%d, %v)", got, ok, want, wantOK)
		}
	}

	from0 := uint(0)
	got, ok := b.SetContiguous(3, &from0)
	mustEqual(got, ok, true, 0)

	from14 := uint(14)
	got, ok = b.SetContiguous(2, &from14)
	mustEqual(got, ok, true, 14)

	from12 := uint(12)
	got, ok = b.SetContiguous(3, &from12)
	mustEqual(got, ok, false, 0)

	got, ok = b.SetContiguous(3, nil)
	mustEqual(got, ok, true, 3)

	got, ok = b.SetContiguous(9, nil)
	mustEqual(got, ok, false, 0)

	got, ok = b.SetContiguous(8, nil)
	mustEqual(got, ok, true, 6)

	if b.NumFree() != 0 {
		t.Fatalf("expected the bitmap to be full, %d bits still free", b.NumFree())
	}

	got, ok = b.SetContiguous(1, nil)
	mustEqual(got, ok, false, 0)
}

func TestFixedInitRejectsNonPowerOfTwo(t *testing.T) {
	var b Fixed[uint8]
	if err := b.Init(3); err == nil {
		t.Fatal("expected an error for a non power-of-two entry count")
	}
}

func TestFixedInitRejectsTooManyEntries(t *testing.T) {
	var b Fixed[uint8]
	if err := b.Init(1 << 20); err == nil {
		t.Fatal("expected an error when the entry count exceeds capacity")
	}
}

func TestSetContiguousZeroReturnsNone(t *testing.T) {
	b := NewDynamic(16)
	if _, ok := b.SetContiguous(0, nil); ok {
		t.Fatal("expected SetContiguous(0, ...) to report none")
	}
}

func TestSetContiguousNeverLeavesPartialRunOnFailure(t *testing.T) {
	b := NewDynamic(8)
	// Reserve everything except a 2-bit gap that is too small for a 3-bit
	// request; SetContiguous must fail without touching any bit.
	for _, i := range []uint{0, 1, 4, 5, 6, 7} {
		_ = b.Set(i)
	}
	before := b.NumFree()
	if _, ok := b.SetContiguous(3, nil); ok {
		t.Fatal("expected SetContiguous to find no room")
	}
	if b.NumFree() != before {
		t.Fatalf("failed SetContiguous must not mutate state: free went from %d to %d", before, b.NumFree())
	}
}
