package mem

import "unsafe"

// Memset sets size bytes of physical memory starting at physAddr to the
// supplied value. Instead of using a byte-by-byte loop, the implementation
// sets the first byte and then performs log2(size) copy calls doubling the
// initialized prefix each time.
func Memset(physAddr uintptr, value byte, size Size) {
	if size == 0 {
		return
	}

	target := unsafe.Slice((*byte)(PhysPtrFn(physAddr, size)), int(size))

	target[0] = value
	for index := Size(1); index < size; index *= 2 {
		copy(target[index:], target[:index])
	}
}
