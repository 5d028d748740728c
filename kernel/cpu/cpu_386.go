package cpu

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// Halt disables interrupts and stops instruction execution. Calls to Halt
// never return.
func Halt()

// WaitForInterrupt enables interrupts and suspends execution until the next
// interrupt has been serviced.
func WaitForInterrupt()

// Flags returns the contents of the EFLAGS register.
func Flags() uint32

// CodeSegment returns the selector currently loaded in the CS register.
func CodeSegment() uint16

// LoadIDT loads the IDT pointer stored at idtrAddr into the IDTR register.
func LoadIDT(idtrAddr uintptr)

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr

// ReadCR0 returns the value stored in the CR0 register.
func ReadCR0() uint32

// WriteCR0 stores val in the CR0 register.
func WriteCR0(val uint32)

// ReadCR2 returns the value stored in the CR2 register.
func ReadCR2() uint32

// PortWriteByte writes a uint8 value to the requested port.
func PortWriteByte(port uint16, val uint8)

// PortReadByte reads a uint8 value from the requested port.
func PortReadByte(port uint16) uint8
