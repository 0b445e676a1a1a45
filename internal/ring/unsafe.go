package ring

import "unsafe"

// atomicPtr returns a pointer to the uint64 at byte offset off within mem.
// The header page is reserved exactly for this purpose and is always large
// enough and suitably aligned because it comes from an anonymous mmap
// (page-aligned by the kernel).
func atomicPtr(mem []byte, off int) unsafe.Pointer {
	return unsafe.Pointer(&mem[off])
}
