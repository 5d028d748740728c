package irq

import (
	"protokern/kernel"
	"protokern/kernel/gate"
	"protokern/kernel/kfmt"
)

var (
	// idt is loaded into the CPU and must outlive Install.
	idt gate.IDT

	// active is the dispatcher invoked by the trampolines.
	active *Dispatcher

	// installIDTFn is mocked by tests.
	installIDTFn = installIDT
)

func installIDT(stubs []uintptr, defaultStub uintptr) *kernel.Error {
	return idt.Install(stubs, defaultStub)
}

// Install loads an interrupt descriptor table whose first StubCount vectors
// point to their dedicated trampoline and all other vectors to the default
// trampoline, remaps ctrl so that its lines start at IRQBase with every line
// masked and makes d the target of all trampolines. It must be called with
// interrupts disabled. The table can only be installed once.
func (d *Dispatcher) Install(ctrl Controller) *kernel.Error {
	if ctrl == nil {
		return ErrNoController
	}

	stubs, defaultStub := stubAddresses()
	if err := installIDTFn(stubs, defaultStub); err != nil {
		return err
	}

	d.ctrl = ctrl
	ctrl.Remap(IRQBase)
	active = d

	kfmt.Printf("[irq] installed %d trampolines; hardware interrupts start at vector %d\n", StubCount, IRQBase)
	return nil
}

// StubAddress returns the entry point that the IDT uses for vector.
func StubAddress(vector uint32) uintptr {
	stubs, defaultStub := stubAddresses()
	if vector < uint32(len(stubs)) {
		return stubs[vector]
	}
	return defaultStub
}

// dispatchEntry is called by the common trampoline with a pointer to the
// frame it built on the interrupted stack.
//
//go:nosplit
func dispatchEntry(frame *Frame) {
	if active == nil {
		panicFn(ErrNoController)
		return
	}

	active.Dispatch(frame)
}
