// Package heap implements a free-list byte allocator over a contiguous
// region reserved from the kernel VMM (spec §4.5). Its overall shape —
// header-in-front free nodes kept in an address-sorted singly-linked list,
// split on allocate, coalesce on free — mirrors the disk-backed allocator
// in the pack's cznic/lldb Allocator (same algorithm, different medium: raw
// memory instead of file offsets), since no pack repo ships an in-memory
// allocator of this exact shape.
package heap

import (
	"unsafe"

	"corekernel/kernel"
	"corekernel/kernel/ksync"
)

var (
	// ErrOutOfMemory is returned by Allocate and Resize when no free node
	// (primary or backup) can satisfy the request.
	ErrOutOfMemory = &kernel.Error{Module: "heap", Message: "out of memory"}
)

// Header is the in-place record fronting every free node; allocations
// handed to the caller carry no header of their own. size is
// the number of usable bytes that follow the header; next is the following
// free node in address order, or nil at the tail.
type Header struct {
	size uintptr
	next *Header
}

// headerSize is sizeof(Header) as the spec's algorithm repeatedly floors
// and compares against.
const headerSize = unsafe.Sizeof(Header{})

// headerAlign is the minimum alignment every allocation's own header must
// satisfy so that a later Free can safely reinterpret the bytes in front of
// the buffer as a *Header.
const headerAlign = unsafe.Alignof(Header{})

// Heap is a free-list byte allocator over [start, start+size).
type Heap struct {
	guard ksync.IRQGuard

	start, end uintptr
	free       *Header
}

func alignUp(x, align uintptr) uintptr {
	if align <= 1 {
		return x
	}
	return (x + align - 1) &^ (align - 1)
}

// Init reserves [start, start+size) as this heap's backing region. The
// region initially contains a single free header spanning size -
// sizeof(Header).
func (h *Heap) Init(start, size uintptr) {
	h.start, h.end = start, start+size

	root := (*Header)(unsafe.Pointer(start))
	root.size = size - headerSize
	root.next = nil
	h.free = root
}

func headerAt(addr uintptr) *Header {
	return (*Header)(unsafe.Pointer(addr))
}

func bytesAt(addr uintptr, size uintptr) []byte {
	if size == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}

// candidate records one free node considered during Allocate's scan,
// together with the split geometry Allocate would use if it is chosen.
type candidate struct {
	prev, node         *Header
	addr               uintptr
	padding, remainder uintptr
}

// findCandidate walks the free list looking for the first node that fits
// realSize at the given alignment with room to split cleanly on both sides
// (a primary candidate); if none exists, the first node that fits at all
// is kept as a backup, per spec §4.5.
func (h *Heap) findCandidate(realSize, align uintptr) *candidate {
	var prev *Header
	var backup *candidate

	for node := h.free; node != nil; node = node.next {
		addr := uintptr(unsafe.Pointer(node))
		// A free node's header bytes are only needed while it remains
		// free; an allocation that lands exactly on addr (no alignment
		// padding) consumes them as part of its own reported length,
		// so the whole span [addr, addr+headerSize+size) is available.
		alignedAddr := alignUp(addr, align)
		padding := alignedAddr - addr
		nodeEnd := addr + headerSize + node.size
		allocEnd := alignedAddr + realSize

		if allocEnd > nodeEnd {
			prev = node
			continue
		}

		remainder := nodeEnd - allocEnd
		leftOK := padding == 0 || padding >= headerSize
		rightOK := remainder == 0 || remainder >= headerSize

		c := &candidate{prev: prev, node: node, addr: addr, padding: padding, remainder: remainder}
		if leftOK && rightOK {
			return c
		}
		if backup == nil {
			backup = c
		}
		prev = node
	}

	return backup
}

// unlink removes c.node from the free list.
func (h *Heap) unlink(c *candidate) {
	if c.prev == nil {
		h.free = c.node.next
	} else {
		c.prev.next = c.node.next
	}
}

// insertFree inserts node into the free list in address order, merging
// with an address-adjacent predecessor and/or successor.
func (h *Heap) insertFree(node *Header) {
	nodeAddr := uintptr(unsafe.Pointer(node))
	nodeEnd := nodeAddr + headerSize + node.size

	var prev *Header
	cur := h.free
	for cur != nil && uintptr(unsafe.Pointer(cur)) < nodeAddr {
		prev = cur
		cur = cur.next
	}

	// Merge with successor if address-adjacent.
	if cur != nil && nodeEnd == uintptr(unsafe.Pointer(cur)) {
		node.size += headerSize + cur.size
		node.next = cur.next
	} else {
		node.next = cur
	}

	// Merge with predecessor if address-adjacent.
	if prev != nil {
		prevEnd := uintptr(unsafe.Pointer(prev)) + headerSize + prev.size
		if prevEnd == nodeAddr {
			prev.size += headerSize + node.size
			prev.next = node.next
			return
		}
	}

	if prev == nil {
		h.free = node
	} else {
		prev.next = node
	}
}

// Allocate reserves at least size bytes, aligned to alignment, reporting a
// length of align_up(size, sizeAlignment) to the caller (spec §4.5).
// alignment == 0 is treated as 1 (no constraint beyond header alignment).
func (h *Heap) Allocate(size, alignment, sizeAlignment uintptr) ([]byte, *kernel.Error) {
	h.guard.Begin()
	defer h.guard.End()

	align := alignment
	if align < headerAlign {
		align = headerAlign
	}

	realSize := alignUp(size, sizeAlignment)
	if realSize < headerSize {
		realSize = headerSize
	}

	chosen := h.findCandidate(realSize, align)
	if chosen == nil {
		return nil, ErrOutOfMemory
	}
	h.unlink(chosen)

	alignedAddr := alignUp(chosen.addr, align)
	allocEnd := alignedAddr + realSize
	nodeEnd := chosen.addr + headerSize + chosen.node.size

	// Used blocks carry no header of their own: the caller's returned
	// slice already remembers its length, the same way Free(buffer) and
	// Resize(buffer, ...) rely on len(buffer) rather than re-reading a
	// stored size. Any padding this node needed becomes a left free
	// node; any leftover donates a right free node.
	if chosen.padding >= headerSize {
		left := headerAt(chosen.addr)
		left.size = chosen.padding - headerSize
		left.next = nil
		h.insertFree(left)
	}
	if chosen.remainder >= headerSize {
		right := headerAt(allocEnd)
		right.size = nodeEnd - allocEnd - headerSize
		right.next = nil
		h.insertFree(right)
	}

	reported := alignUp(size, sizeAlignment)
	return bytesAt(alignedAddr, reported), nil
}

// Free returns buffer to the free list. A new header is installed at
// buffer's address with size = max(len(buffer), sizeof(Header)) -
// sizeof(Header), then inserted in address order, merging with any
// address-adjacent neighbours (spec §4.5).
func (h *Heap) Free(buffer []byte) {
	h.guard.Begin()
	defer h.guard.End()

	if len(buffer) == 0 {
		return
	}
	addr := uintptr(unsafe.Pointer(&buffer[0]))

	size := uintptr(len(buffer))
	if size < headerSize {
		size = headerSize
	}

	node := headerAt(addr)
	node.size = size - headerSize
	node.next = nil
	h.insertFree(node)
}

// Resize grows or shrinks buffer in place, returning the resized slice.
// Growing only succeeds by consuming the immediate right neighbour if it
// is free and large enough; shrinking installs a new free header in the
// freed tail only if that tail is at least sizeof(Header) (spec §4.5).
func (h *Heap) Resize(buffer []byte, newSize uintptr, sizeAlignment uintptr) ([]byte, *kernel.Error) {
	h.guard.Begin()
	defer h.guard.End()

	if newSize == 0 {
		if len(buffer) == 0 {
			return nil, nil
		}
		addr := uintptr(unsafe.Pointer(&buffer[0]))
		size := uintptr(len(buffer))
		if size < headerSize {
			size = headerSize
		}
		node := headerAt(addr)
		node.size = size - headerSize
		node.next = nil
		h.insertFree(node)
		return nil, nil
	}

	wantSize := alignUp(newSize, sizeAlignment)
	curLen := uintptr(len(buffer))
	if wantSize == curLen {
		return buffer, nil
	}

	addr := uintptr(unsafe.Pointer(&buffer[0]))

	if wantSize > curLen {
		if err := h.growInPlace(addr, curLen, wantSize); err != nil {
			return nil, err
		}
		return bytesAt(addr, wantSize), nil
	}

	// Shrinking: only worth installing a free header if the freed tail
	// can itself hold one.
	freed := curLen - wantSize
	if freed < headerSize {
		return buffer, nil
	}

	tailAddr := addr + wantSize
	tail := headerAt(tailAddr)
	tail.size = freed - headerSize
	tail.next = nil
	h.insertFree(tail)

	return bytesAt(addr, wantSize), nil
}

// growInPlace attempts to extend the allocation at addr (currently curLen
// bytes) up to wantSize bytes by consuming the free node immediately to
// its right, if one exists and is large enough.
func (h *Heap) growInPlace(addr, curLen, wantSize uintptr) *kernel.Error {
	rightAddr := addr + curLen
	needed := wantSize - curLen

	var prev *Header
	node := h.free
	for node != nil && uintptr(unsafe.Pointer(node)) != rightAddr {
		prev = node
		node = node.next
	}
	if node == nil {
		return ErrOutOfMemory
	}

	avail := headerSize + node.size
	if avail < needed {
		return ErrOutOfMemory
	}

	remainder := avail - needed
	if remainder > 0 && remainder < headerSize {
		return ErrOutOfMemory
	}

	// Unlink the consumed neighbour.
	if prev == nil {
		h.free = node.next
	} else {
		prev.next = node.next
	}

	if remainder >= headerSize {
		newRight := headerAt(rightAddr + needed)
		newRight.size = remainder - headerSize
		newRight.next = nil
		h.insertFree(newRight)
	}

	return nil
}
