//go:build !386

package cpu

// The kernel only runs on 386. The definitions below let the rest of the
// kernel packages build on the host so their tests can run there; every test
// that reaches hardware replaces these functions with mocks.

func EnableInterrupts()               {}
func DisableInterrupts()              {}
func Halt()                           {}
func WaitForInterrupt()               {}
func Flags() uint32                   { return 0 }
func CodeSegment() uint16             { return 0 }
func LoadIDT(_ uintptr)               {}
func FlushTLBEntry(_ uintptr)         {}
func SwitchPDT(_ uintptr)             {}
func ActivePDT() uintptr              { return 0 }
func ReadCR0() uint32                 { return 0 }
func WriteCR0(_ uint32)               {}
func ReadCR2() uint32                 { return 0 }
func PortWriteByte(_ uint16, _ uint8) {}
func PortReadByte(_ uint16) uint8     { return 0 }
