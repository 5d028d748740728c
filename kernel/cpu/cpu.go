// Package cpu exposes the privileged i386 instructions used by the kernel.
// Every function in this package is implemented in assembly so the compiler
// can neither reorder nor elide the hardware access it performs.
package cpu

const (
	// FlagInterruptEnable is the IF bit of the EFLAGS register.
	FlagInterruptEnable = uint32(1 << 9)

	// CR0Paging is the PG bit of the CR0 register. Setting it enables
	// virtual address translation through the page directory loaded in CR3.
	CR0Paging = uint32(1 << 31)

	// CR0WriteProtect makes read-only pages read-only for ring 0 as well.
	CR0WriteProtect = uint32(1 << 16)
)

var (
	flagsFn = Flags
)

// InterruptsEnabled returns true if the IF flag is set.
func InterruptsEnabled() bool {
	return flagsFn()&FlagInterruptEnable != 0
}
