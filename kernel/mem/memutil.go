package mem

import "unsafe"

// Memset sets size bytes starting at addr to value. Adapted from the
// teacher's kernel.Memset, updated to build a slice header via unsafe.Slice
// instead of reflect.SliceHeader.
func Memset(addr uintptr, value byte, size uintptr) {
	if size == 0 {
		return
	}
	target := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	target[0] = value
	for index := uintptr(1); index < size; index *= 2 {
		copy(target[index:], target[:index])
	}
}

// Memcopy copies size bytes from src to dst. Adapted from the teacher's
// kernel.Memcopy.
func Memcopy(src, dst uintptr, size uintptr) {
	if size == 0 {
		return
	}
	srcSlice := unsafe.Slice((*byte)(unsafe.Pointer(src)), size)
	dstSlice := unsafe.Slice((*byte)(unsafe.Pointer(dst)), size)
	copy(dstSlice, srcSlice)
}
