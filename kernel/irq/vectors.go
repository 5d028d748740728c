package irq

const (
	// IRQBase is the vector that hardware interrupt line 0 is remapped to.
	// Vectors below it are reserved for CPU exceptions.
	IRQBase = 32

	// IRQLines is the number of hardware interrupt lines served by the
	// cascaded interrupt controllers.
	IRQLines = 16

	// StubCount is the number of vectors that get a dedicated trampoline.
	StubCount = IRQBase + IRQLines

	// UnhandledVector is pushed by the default trampoline that serves every
	// vector without a dedicated trampoline.
	UnhandledVector = uint32(0xffffffff)
)

// Exception vectors that receive special treatment by the dispatcher.
const (
	// DivideByZero occurs when dividing any number by 0 using the DIV or
	// IDIV instruction.
	DivideByZero = uint32(0)

	// DoubleFault occurs when an exception is unhandled or when an
	// exception occurs while the CPU is trying to call an exception
	// handler.
	DoubleFault = uint32(8)

	// GPFException is raised when a general protection fault occurs.
	GPFException = uint32(13)

	// PageFaultException is raised when a page directory or page table
	// entry is not present or when a privilege and/or RW protection check
	// fails. CR2 holds the faulting address.
	PageFaultException = uint32(14)
)

var exceptionNames = [IRQBase]string{
	"divide error",
	"debug",
	"non-maskable interrupt",
	"breakpoint",
	"overflow",
	"bound range exceeded",
	"invalid opcode",
	"device not available",
	"double fault",
	"coprocessor segment overrun",
	"invalid TSS",
	"segment not present",
	"stack-segment fault",
	"general protection fault",
	"page fault",
	"reserved",
	"x87 floating-point exception",
	"alignment check",
	"machine check",
	"SIMD floating-point exception",
	"virtualization exception",
	"control protection exception",
	"reserved",
	"reserved",
	"reserved",
	"reserved",
	"reserved",
	"reserved",
	"hypervisor injection exception",
	"VMM communication exception",
	"security exception",
	"reserved",
}

// HasErrorCode returns true if the CPU pushes an error code on the stack
// before invoking the handler for vector. This table drives the trampoline
// generator.
func HasErrorCode(vector uint32) bool {
	switch vector {
	case 8, 10, 11, 12, 13, 14, 17, 21, 29, 30:
		return true
	default:
		return false
	}
}

// ExceptionName returns a human-readable name for an exception vector.
func ExceptionName(vector uint32) string {
	if vector >= IRQBase {
		return "not an exception"
	}
	return exceptionNames[vector]
}
