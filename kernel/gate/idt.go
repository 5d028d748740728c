package gate

import (
	"io"
	"unsafe"

	"protokern/kernel"
	"protokern/kernel/cpu"
	"protokern/kernel/kfmt"
)

// EntryCount is the number of descriptors in the interrupt descriptor table.
const EntryCount = 256

var (
	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	codeSegmentFn = cpu.CodeSegment
	loadIDTFn     = cpu.LoadIDT

	// ErrAlreadyInstalled is returned by IDT.Install when the table has
	// already been loaded.
	ErrAlreadyInstalled = &kernel.Error{Module: "gate", Message: "interrupt descriptor table already installed"}
)

// Table is an interrupt descriptor table with one gate per vector.
type Table [EntryCount]Descriptor

// Build fills every slot of the table with a present DPL 0 interrupt gate
// using the supplied code segment selector. Slot i points to stubs[i] when
// i < len(stubs); all remaining slots point to defaultStub.
func (t *Table) Build(selector uint16, stubs []uintptr, defaultStub uintptr) {
	for vector := range t {
		addr := defaultStub
		if vector < len(stubs) {
			addr = stubs[vector]
		}

		t[vector] = NewDescriptor(uint32(addr), selector, InterruptGate, 0)
	}
}

// DumpTo outputs one line per table slot to w.
func (t *Table) DumpTo(w io.Writer) {
	for vector := range t {
		kfmt.Fprintf(w, "[%3d] ", vector)
		t[vector].DumpTo(w)
		kfmt.Fprintf(w, "\n")
	}
}

// Pointer is the 6-byte operand of the LIDT instruction: a 16-bit table
// limit followed by the 32-bit linear address of the table.
type Pointer [6]byte

// NewPointer returns a Pointer for a table at base with the given limit.
func NewPointer(base uintptr, limit uint16) Pointer {
	return Pointer{
		byte(limit), byte(limit >> 8),
		byte(base), byte(base >> 8), byte(base >> 16), byte(base >> 24),
	}
}

// Limit returns the table size in bytes minus one.
func (p *Pointer) Limit() uint16 {
	return uint16(p[0]) | uint16(p[1])<<8
}

// Base returns the table address.
func (p *Pointer) Base() uint32 {
	return uint32(p[2]) | uint32(p[3])<<8 | uint32(p[4])<<16 | uint32(p[5])<<24
}

// IDT holds an interrupt descriptor table together with the IDTR image that
// points to it. The CPU keeps referencing both after Install returns, so IDT
// values must live in static storage.
type IDT struct {
	table     Table
	ptr       Pointer
	installed bool
}

// Install builds the table using the selector currently loaded in CS and
// loads it into the IDTR register. The table may only be installed once;
// subsequent calls return ErrAlreadyInstalled and leave the loaded table
// untouched.
func (idt *IDT) Install(stubs []uintptr, defaultStub uintptr) *kernel.Error {
	if idt.installed {
		return ErrAlreadyInstalled
	}

	idt.table.Build(codeSegmentFn(), stubs, defaultStub)
	idt.ptr = NewPointer(uintptr(unsafe.Pointer(&idt.table)), uint16(unsafe.Sizeof(idt.table)-1))
	loadIDTFn(uintptr(unsafe.Pointer(&idt.ptr)))
	idt.installed = true

	return nil
}

// Installed returns true if Install completed successfully.
func (idt *IDT) Installed() bool {
	return idt.installed
}

// Table returns the descriptor table.
func (idt *IDT) Table() *Table {
	return &idt.table
}

// Pointer returns the IDTR image passed to LIDT.
func (idt *IDT) Pointer() *Pointer {
	return &idt.ptr
}
