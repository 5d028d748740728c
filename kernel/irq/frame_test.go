package irq

import (
	"bytes"
	"testing"
	"unsafe"
)

func TestFrameLayout(t *testing.T) {
	var frame Frame

	specs := []struct {
		field string
		got   uintptr
		exp   uintptr
	}{
		{"EDI", unsafe.Offsetof(frame.EDI), 0},
		{"ESI", unsafe.Offsetof(frame.ESI), 4},
		{"EBP", unsafe.Offsetof(frame.EBP), 8},
		{"ESP", unsafe.Offsetof(frame.ESP), 12},
		{"EBX", unsafe.Offsetof(frame.EBX), 16},
		{"EDX", unsafe.Offsetof(frame.EDX), 20},
		{"ECX", unsafe.Offsetof(frame.ECX), 24},
		{"EAX", unsafe.Offsetof(frame.EAX), 28},
		{"Vector", unsafe.Offsetof(frame.Vector), 32},
		{"ErrorCode", unsafe.Offsetof(frame.ErrorCode), 36},
		{"EIP", unsafe.Offsetof(frame.EIP), 40},
		{"CS", unsafe.Offsetof(frame.CS), 44},
		{"EFlags", unsafe.Offsetof(frame.EFlags), 48},
		{"size", unsafe.Sizeof(frame), 52},
	}

	for specIndex, spec := range specs {
		if spec.got != spec.exp {
			t.Errorf("[spec %d] expected %s offset to be %d; got %d", specIndex, spec.field, spec.exp, spec.got)
		}
	}
}

// TestFrameFromStack lays out a stack image the way the trampolines do for
// every vector and checks that the dispatcher sees the same vector and error
// code regardless of whether the CPU pushed the error code.
func TestFrameFromStack(t *testing.T) {
	for vector := uint32(0); vector < StubCount; vector++ {
		var (
			stack     []uint32
			errorCode = uint32(0)
		)

		// CPU pushes EFlags, CS, EIP and optionally an error code.
		stack = append(stack, 0x202, 0x8, 0x101000)
		if HasErrorCode(vector) {
			errorCode = 0xbeef
		}
		// The trampoline pushes a zero error code if the CPU did not
		// push one, then the vector, then PUSHAL stores the registers.
		stack = append(stack, errorCode, vector)
		stack = append(stack, 1, 2, 3, 4, 5, 6, 7, 8) // EAX, ECX, EDX, EBX, ESP, EBP, ESI, EDI

		// Reverse to get memory order: the last push is at the lowest address.
		mem := make([]uint32, len(stack))
		for i := range stack {
			mem[i] = stack[len(stack)-1-i]
		}

		frame := (*Frame)(unsafe.Pointer(&mem[0]))
		if frame.Vector != vector {
			t.Errorf("[vector %d] expected frame vector %d; got %d", vector, vector, frame.Vector)
		}
		if frame.ErrorCode != errorCode {
			t.Errorf("[vector %d] expected error code 0x%x; got 0x%x", vector, errorCode, frame.ErrorCode)
		}
		if frame.EAX != 1 || frame.EDI != 8 || frame.EIP != 0x101000 || frame.EFlags != 0x202 {
			t.Errorf("[vector %d] unexpected register layout: %+v", vector, *frame)
		}
	}
}

func TestFrameDump(t *testing.T) {
	var buf bytes.Buffer

	frame := Frame{
		EDI: 1, ESI: 2, EBP: 3, ESP: 4, EBX: 5, EDX: 6, ECX: 7, EAX: 8,
		EIP: 0x10, CS: 0x8, EFlags: 0x202,
	}
	frame.DumpTo(&buf)

	exp := "EAX = 00000008 EBX = 00000005\nECX = 00000007 EDX = 00000006\nESI = 00000002 EDI = 00000001\nEBP = 00000003 ESP = 00000004\nEIP = 00000010 CS  = 00000008\nEFL = 00000202\n"

	if got := buf.String(); got != exp {
		t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
	}
}
