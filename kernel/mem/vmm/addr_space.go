// Package vmm builds and activates the 32-bit two-level page tables that
// translate kernel virtual addresses.
package vmm

import (
	"protokern/kernel"
	"protokern/kernel/cpu"
	"protokern/kernel/kfmt"
	"protokern/kernel/mem"
	"protokern/kernel/mem/pmm"
)

var (
	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	flushTLBEntryFn = cpu.FlushTLBEntry
	switchPDTFn     = cpu.SwitchPDT
	activePDTFn     = cpu.ActivePDT
	readCR0Fn       = cpu.ReadCR0
	writeCR0Fn      = cpu.WriteCR0

	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	// ErrOutOfTableFrames is returned when the frame allocator cannot
	// supply a frame for a page directory or page table.
	ErrOutOfTableFrames = &kernel.Error{Module: "vmm", Message: "unable to allocate frame for page table"}

	// ErrSpanTooSmall is returned when an identity mapped region does not
	// cover memory that must stay reachable once paging is enabled.
	ErrSpanTooSmall = &kernel.Error{Module: "vmm", Message: "identity span does not cover memory used after paging is enabled"}

	// ErrNotInitialized is returned when using an address space whose
	// page directory has not been allocated.
	ErrNotInitialized = &kernel.Error{Module: "vmm", Message: "address space has no page directory"}

	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
)

// FrameAllocatorFn is a function that can allocate physical frames.
type FrameAllocatorFn func() (pmm.Frame, *kernel.Error)

// AddressSpace describes a virtual address space rooted at a page directory.
// The kernel embeds AddressSpace values in its own state; none of its methods
// allocate from the Go heap.
type AddressSpace struct {
	pdtFrame pmm.Frame
	allocFn  FrameAllocatorFn

	// tableFrames counts the frames allocated for the page directory and
	// all page tables.
	tableFrames uint32

	// tableEnd is one past the highest frame holding a table.
	tableEnd pmm.Frame
}

// Init allocates and clears a page directory for the address space. Frames
// for page tables are requested from allocFn as mappings are added.
func (as *AddressSpace) Init(allocFn FrameAllocatorFn) *kernel.Error {
	as.allocFn = allocFn
	as.tableFrames = 0
	as.tableEnd = 0
	as.pdtFrame = pmm.InvalidFrame

	frame, err := as.allocTable()
	if err != nil {
		return err
	}

	as.pdtFrame = frame
	return nil
}

// allocTable obtains a frame from the allocator and zeroes it so that every
// entry starts out as not present.
func (as *AddressSpace) allocTable() (pmm.Frame, *kernel.Error) {
	frame, err := as.allocFn()
	if err != nil {
		kfmt.Printf("[vmm] page table allocation failed: %s\n", err)
		return pmm.InvalidFrame, ErrOutOfTableFrames
	}

	mem.Memset(frame.Address(), 0, mem.PageSize)
	as.tableFrames++
	if frame >= as.tableEnd {
		as.tableEnd = frame + 1
	}
	return frame, nil
}

// PDTFrame returns the frame that holds the page directory.
func (as *AddressSpace) PDTFrame() pmm.Frame {
	return as.pdtFrame
}

// TableFrames returns the number of frames used by the page directory and
// the page tables of this address space.
func (as *AddressSpace) TableFrames() uint32 {
	return as.tableFrames
}

// TableEnd returns the physical address one past the highest frame used by
// the page directory or a page table.
func (as *AddressSpace) TableEnd() uint64 {
	return uint64(as.tableEnd) << mem.PageShift
}

// IsActive returns true if the CPU currently translates addresses through
// this address space.
func (as *AddressSpace) IsActive() bool {
	return as.pdtFrame.Valid() && activePDTFn() == as.pdtFrame.Address()
}

// Activate loads the page directory into CR3 and sets the PG bit in CR0.
// Every address that the kernel touches after this call, including the
// instruction following it, must be mapped.
func (as *AddressSpace) Activate() *kernel.Error {
	if !as.pdtFrame.Valid() {
		return ErrNotInitialized
	}

	switchPDTFn(as.pdtFrame.Address())
	writeCR0Fn(readCR0Fn() | cpu.CR0Paging)
	return nil
}

// Map establishes a mapping between a virtual page and a physical memory
// frame. Missing page tables are allocated and cleared on demand. If the
// address space is active, the TLB entry for the page is flushed.
func (as *AddressSpace) Map(page Page, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	if !as.pdtFrame.Valid() {
		return ErrNotInitialized
	}

	var err *kernel.Error

	walk(as.pdtFrame, page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		// If we reached the last level all we need to do is to map the
		// frame in place and flag it as present
		if pteLevel == pageLevels-1 {
			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(FlagPresent | flags)
			return true
		}

		if pte.HasFlags(FlagPresent | FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		// Next table does not yet exist; we need to allocate a
		// physical frame for it.
		if !pte.HasFlags(FlagPresent) {
			var newTableFrame pmm.Frame
			if newTableFrame, err = as.allocTable(); err != nil {
				return false
			}

			*pte = 0
			pte.SetFrame(newTableFrame)
			pte.SetFlags(FlagPresent | FlagRW)
		}

		return true
	})

	if err == nil && as.IsActive() {
		flushTLBEntryFn(page.Address())
	}

	return err
}

// Unmap removes a mapping previously installed via a call to Map.
func (as *AddressSpace) Unmap(page Page) *kernel.Error {
	if !as.pdtFrame.Valid() {
		return ErrNotInitialized
	}

	var err *kernel.Error

	walk(as.pdtFrame, page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		if pteLevel == pageLevels-1 {
			pte.ClearFlags(FlagPresent)
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		return true
	})

	if err == nil && as.IsActive() {
		flushTLBEntryFn(page.Address())
	}

	return err
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address. The lookup walks the tables in
// software and works whether or not the address space is active.
func (as *AddressSpace) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	if !as.pdtFrame.Valid() {
		return 0, ErrNotInitialized
	}

	var entry *pageTableEntry

	walk(as.pdtFrame, virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) || pte.HasFlags(FlagHugePage) {
			return false
		}

		if pteLevel == pageLevels-1 {
			entry = pte
		}
		return true
	})

	if entry == nil {
		return 0, ErrInvalidMapping
	}

	// Calculate the physical address by taking the physical frame address and
	// appending the offset from the virtual address
	return entry.Frame().Address() + PageOffset(virtAddr), nil
}

// EntryFlags returns the flags of the page table entry that maps virtAddr.
func (as *AddressSpace) EntryFlags(virtAddr uintptr) (PageTableEntryFlag, *kernel.Error) {
	if !as.pdtFrame.Valid() {
		return 0, ErrNotInitialized
	}

	var entry *pageTableEntry

	walk(as.pdtFrame, virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			return false
		}
		if pteLevel == pageLevels-1 {
			entry = pte
		}
		return true
	})

	if entry == nil {
		return 0, ErrInvalidMapping
	}
	return PageTableEntryFlag(uint32(*entry) &^ ptePhysPageMask), nil
}
