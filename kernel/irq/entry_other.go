//go:build !386

package irq

// The trampolines only exist in 386 builds. Host builds use synthetic entry
// points so the IDT can still be built and inspected.
const (
	hostStubBase   = uintptr(0x00100000)
	hostStubStride = uintptr(16)
)

var hostStubs = func() (stubs [StubCount]uintptr) {
	for vector := range stubs {
		stubs[vector] = hostStubBase + uintptr(vector)*hostStubStride
	}
	return stubs
}()

func stubAddresses() ([]uintptr, uintptr) {
	return hostStubs[:], hostStubBase + StubCount*hostStubStride
}
