// Package sync provides the mutual exclusion primitive available to a
// single-core ring 0 kernel: masking interrupts around a critical section.
package sync

import "protokern/kernel/cpu"

var (
	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	interruptsEnabledFn = cpu.InterruptsEnabled
	disableInterruptsFn = cpu.DisableInterrupts
	enableInterruptsFn  = cpu.EnableInterrupts
)

// IRQGuard serializes access to state shared between regular kernel code and
// interrupt handlers. Acquire masks interrupts and Release restores the
// interrupt state that was active when Acquire was called, so guards nest.
//
// An IRQGuard must not be copied while held.
type IRQGuard struct {
	restoreInterrupts bool
}

// Acquire disables interrupts and records whether they were enabled.
func (g *IRQGuard) Acquire() {
	enabled := interruptsEnabledFn()
	disableInterruptsFn()
	g.restoreInterrupts = enabled
}

// Release re-enables interrupts if they were enabled when the guard was
// acquired.
func (g *IRQGuard) Release() {
	if g.restoreInterrupts {
		g.restoreInterrupts = false
		enableInterruptsFn()
	}
}
