package kfmt

import (
	"protokern/kernel"
	"protokern/kernel/cpu"
)

var (
	// Mocked by tests.
	disableInterruptsFn = cpu.DisableInterrupts
	cpuHaltFn           = cpu.Halt

	// errHalt carries the cause of a Panic call whose argument is not a
	// *kernel.Error. It is static because Panic must work without the Go
	// allocator.
	errHalt = &kernel.Error{Module: "kernel"}
)

// Panic stops the kernel. Interrupts are disabled first so that no handler
// output is interleaved with the report, then the cause is printed to the
// active output sink (or the early buffer) and the CPU is halted.
//
// e may be a *kernel.Error, an error or a string; anything else, including
// nil, is reported as an unknown cause.
func Panic(e interface{}) {
	disableInterruptsFn()

	err := errHalt
	switch t := e.(type) {
	case *kernel.Error:
		if t != nil {
			err = t
		} else {
			errHalt.Message = "unknown cause"
		}
	case error:
		errHalt.Message = t.Error()
	case string:
		errHalt.Message = t
	default:
		errHalt.Message = "unknown cause"
	}

	Printf("\n[%s] fatal: %s\n", err.Module, err.Message)
	Printf("[%s] kernel halted\n", err.Module)

	cpuHaltFn()
}
