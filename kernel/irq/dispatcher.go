// Package irq routes CPU exceptions and hardware interrupts from the
// interrupt trampolines to the kernel.
package irq

import (
	"protokern/kernel"
	"protokern/kernel/cpu"
	"protokern/kernel/kfmt"
)

var (
	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	panicFn   = kfmt.Panic
	readCR2Fn = cpu.ReadCR2

	// ErrInvalidIRQLine is returned when an IRQ line outside [0, IRQLines)
	// is supplied.
	ErrInvalidIRQLine = &kernel.Error{Module: "irq", Message: "invalid IRQ line"}

	// ErrNoController is returned when an operation requires an interrupt
	// controller but none has been installed.
	ErrNoController = &kernel.Error{Module: "irq", Message: "no interrupt controller installed"}

	errUnhandledException = &kernel.Error{Module: "irq", Message: "unhandled exception"}
	errUnhandledVector    = &kernel.Error{Module: "irq", Message: "unhandled vector"}
)

// Handler is implemented by drivers that service a hardware interrupt line.
// HandleIRQ runs with interrupts disabled and must not block.
type Handler interface {
	HandleIRQ()
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func()

// HandleIRQ calls f.
func (f HandlerFunc) HandleIRQ() {
	f()
}

// Controller is implemented by programmable interrupt controllers.
type Controller interface {
	// Remap moves the controller's lines to the vectors starting at base
	// and masks all of them.
	Remap(base uint8)

	// Acknowledge signals the end of interrupt for line.
	Acknowledge(line uint8)

	// Mask stops the controller from raising interrupts for line.
	Mask(line uint8)

	// Unmask allows the controller to raise interrupts for line.
	Unmask(line uint8)
}

// Dispatcher receives every interrupt frame built by the trampolines.
// Exceptions are reported and halt the CPU; hardware interrupts invoke the
// handler registered for their line and are then acknowledged.
type Dispatcher struct {
	ctrl     Controller
	handlers [IRQLines]Handler

	// counts tracks the number of dispatched frames per vector. The last
	// slot counts frames for vectors without a dedicated trampoline.
	counts [StubCount + 1]uint32

	dumpWriter kfmt.PrefixWriter
}

// HandleIRQ registers h as the handler for line, replacing any previously
// registered handler. Passing a nil handler removes the registration.
func (d *Dispatcher) HandleIRQ(line uint8, h Handler) *kernel.Error {
	if line >= IRQLines {
		return ErrInvalidIRQLine
	}

	d.handlers[line] = h
	return nil
}

// Mask disables delivery of interrupts for line.
func (d *Dispatcher) Mask(line uint8) *kernel.Error {
	if line >= IRQLines {
		return ErrInvalidIRQLine
	}
	if d.ctrl == nil {
		return ErrNoController
	}

	d.ctrl.Mask(line)
	return nil
}

// Unmask enables delivery of interrupts for line.
func (d *Dispatcher) Unmask(line uint8) *kernel.Error {
	if line >= IRQLines {
		return ErrInvalidIRQLine
	}
	if d.ctrl == nil {
		return ErrNoController
	}

	d.ctrl.Unmask(line)
	return nil
}

// Count returns the number of frames dispatched for vector. All vectors
// without a dedicated trampoline share a single counter.
func (d *Dispatcher) Count(vector uint32) uint32 {
	if vector >= StubCount {
		return d.counts[StubCount]
	}
	return d.counts[vector]
}

// Dispatch routes frame according to its vector.
func (d *Dispatcher) Dispatch(frame *Frame) {
	vector := frame.Vector

	switch {
	case vector < IRQBase:
		d.counts[vector]++
		d.reportException(frame)
		panicFn(errUnhandledException)
	case vector < StubCount:
		d.counts[vector]++
		line := uint8(vector - IRQBase)
		if h := d.handlers[line]; h != nil {
			h.HandleIRQ()
		}

		// The controller will not raise this line again until it
		// receives the end of interrupt signal.
		if d.ctrl != nil {
			d.ctrl.Acknowledge(line)
		}
	default:
		d.counts[StubCount]++
		if vector == UnhandledVector {
			kfmt.Printf("[irq] unhandled vector\n")
		} else {
			kfmt.Printf("[irq] unhandled vector %d\n", vector)
		}
		d.dumpFrame(frame)
		panicFn(errUnhandledVector)
	}
}

func (d *Dispatcher) reportException(frame *Frame) {
	kfmt.Printf("[irq] exception %d (%s), error code: 0x%8x\n", frame.Vector, ExceptionName(frame.Vector), frame.ErrorCode)

	if frame.Vector == PageFaultException {
		reportPageFault(readCR2Fn(), frame.ErrorCode)
	}

	d.dumpFrame(frame)
}

// reportPageFault decodes the page fault error code.
func reportPageFault(faultAddr, errorCode uint32) {
	reason := "page not present"
	if errorCode&(1<<0) != 0 {
		reason = "protection violation"
	}

	access := "read"
	switch {
	case errorCode&(1<<4) != 0:
		access = "instruction fetch"
	case errorCode&(1<<1) != 0:
		access = "write"
	}

	mode := "supervisor"
	if errorCode&(1<<2) != 0 {
		mode = "user"
	}

	kfmt.Printf("[irq] page fault at 0x%8x: %s during %s in %s mode\n", faultAddr, reason, access, mode)
	if errorCode&(1<<3) != 0 {
		kfmt.Printf("[irq] reserved bit set in paging structure entry\n")
	}
}

func (d *Dispatcher) dumpFrame(frame *Frame) {
	d.dumpWriter.Sink = kfmt.Output()
	d.dumpWriter.Prefix = framePrefix
	frame.DumpTo(&d.dumpWriter)
}

var framePrefix = []byte("[irq]   ")
