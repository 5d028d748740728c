package mem

import "unsafe"

// PhysPtrFn returns a pointer through which the size bytes of physical memory
// starting at physAddr can be accessed. The kernel runs identity-mapped so the
// default implementation returns the address itself. Tests and the host-side
// simulator replace it with a simulated physical memory.
var PhysPtrFn = func(physAddr uintptr, size Size) unsafe.Pointer {
	return unsafe.Pointer(physAddr)
}
