package irq

import "unsafe"

// stubTableAddr returns the address of the StubCount-entry table of
// trampoline addresses defined in trampolines_386.s.
func stubTableAddr() uintptr

// defaultStubAddr returns the address of the default trampoline.
func defaultStubAddr() uintptr

func stubAddresses() ([]uintptr, uintptr) {
	return unsafe.Slice((*uintptr)(unsafe.Pointer(stubTableAddr())), StubCount), defaultStubAddr()
}
