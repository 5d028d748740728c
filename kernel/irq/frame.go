package irq

import (
	"io"

	"protokern/kernel/kfmt"
)

// Frame describes the stack contents that every trampoline builds before
// calling into the dispatcher. The general purpose registers are stored in
// PUSHAL order (the lowest address holds EDI), followed by the vector and
// error code pushed by the trampoline and the return frame pushed by the CPU.
//
// ESP holds the stack pointer value before PUSHAL was executed and is
// ignored when the registers are restored.
type Frame struct {
	EDI uint32
	ESI uint32
	EBP uint32
	ESP uint32
	EBX uint32
	EDX uint32
	ECX uint32
	EAX uint32

	// Vector is the interrupt vector or UnhandledVector.
	Vector uint32

	// ErrorCode is the CPU-supplied error code or 0 for vectors that do
	// not supply one.
	ErrorCode uint32

	// The return frame used by IRETL
	EIP    uint32
	CS     uint32
	EFlags uint32
}

// DumpTo outputs the register contents to w.
func (f *Frame) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "EAX = %8x EBX = %8x\n", f.EAX, f.EBX)
	kfmt.Fprintf(w, "ECX = %8x EDX = %8x\n", f.ECX, f.EDX)
	kfmt.Fprintf(w, "ESI = %8x EDI = %8x\n", f.ESI, f.EDI)
	kfmt.Fprintf(w, "EBP = %8x ESP = %8x\n", f.EBP, f.ESP)
	kfmt.Fprintf(w, "EIP = %8x CS  = %8x\n", f.EIP, f.CS)
	kfmt.Fprintf(w, "EFL = %8x\n", f.EFlags)
}
