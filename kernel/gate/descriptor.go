// Package gate encodes the i386 interrupt descriptor table and loads it into
// the CPU.
package gate

import (
	"io"

	"protokern/kernel/kfmt"
)

// GateType describes the type field of a gate descriptor.
type GateType uint8

const (
	// InterruptGate is a 32-bit interrupt gate. The CPU clears the IF flag
	// when entering the handler.
	InterruptGate = GateType(0xe)

	// TrapGate is a 32-bit trap gate. The IF flag is left untouched.
	TrapGate = GateType(0xf)
)

const (
	flagPresent = 1 << 7
	dplShift    = 5
	dplMask     = 3
	typeMask    = 0xf
)

// Descriptor is the 8-byte binary image of a 32-bit gate descriptor as
// expected by the CPU:
//
//	bytes 0-1: handler offset bits 15:0
//	bytes 2-3: code segment selector
//	byte  4  : zero
//	byte  5  : present bit, DPL (bits 6:5) and gate type (bits 3:0)
//	bytes 6-7: handler offset bits 31:16
type Descriptor struct {
	offsetLow  uint16
	selector   uint16
	zero       uint8
	typeAttr   uint8
	offsetHigh uint16
}

// NewDescriptor returns a present gate descriptor that transfers control to
// the handler at offset using the supplied code segment selector.
func NewDescriptor(offset uint32, selector uint16, gateType GateType, dpl uint8) Descriptor {
	return Descriptor{
		offsetLow:  uint16(offset),
		selector:   selector,
		typeAttr:   flagPresent | (dpl&dplMask)<<dplShift | uint8(gateType)&typeMask,
		offsetHigh: uint16(offset >> 16),
	}
}

// Offset returns the handler address.
func (d Descriptor) Offset() uint32 {
	return uint32(d.offsetHigh)<<16 | uint32(d.offsetLow)
}

// Selector returns the code segment selector used when invoking the handler.
func (d Descriptor) Selector() uint16 {
	return d.selector
}

// Type returns the gate type.
func (d Descriptor) Type() GateType {
	return GateType(d.typeAttr & typeMask)
}

// DPL returns the descriptor privilege level.
func (d Descriptor) DPL() uint8 {
	return (d.typeAttr >> dplShift) & dplMask
}

// Present returns true if the present bit is set.
func (d Descriptor) Present() bool {
	return d.typeAttr&flagPresent != 0
}

// String implements fmt.Stringer for diagnostics.
func (t GateType) String() string {
	switch t {
	case InterruptGate:
		return "interrupt"
	case TrapGate:
		return "trap"
	default:
		return "invalid"
	}
}

// DumpTo outputs a human-readable version of the descriptor to w.
func (d Descriptor) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "offset: 0x%8x, selector: 0x%4x, type: %s, dpl: %d, present: %t",
		d.Offset(), d.Selector(), d.Type().String(), d.DPL(), d.Present(),
	)
}
