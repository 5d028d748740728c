package vmm

import "protokern/kernel/mem"

const (
	// pageLevels indicates the number of page levels supported by the
	// 32-bit non-PAE paging mode: a page directory and page tables.
	pageLevels = 2

	// entriesPerTable is the number of 4-byte entries in a page directory
	// or page table.
	entriesPerTable = 1024

	// ptePhysPageMask is a mask that allows us to extract the physical memory
	// address pointed to by a page table entry.
	ptePhysPageMask = uint32(0xfffff000)

	// TableSpan is the amount of virtual memory covered by one page table.
	TableSpan = 4 * mem.Mb
)

var (
	// pageLevelBits defines the number of virtual address bits that
	// correspond to each page level. The directory and the tables each
	// consume 10 bits; the remaining 12 bits index the page.
	pageLevelBits = [pageLevels]uint8{
		10,
		10,
	}

	// pageLevelShifts defines the shift required to access each page table
	// component of a virtual address.
	pageLevelShifts = [pageLevels]uint8{
		22,
		12,
	}
)

const (
	// FlagPresent is set when the page is available in memory and not swapped out.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this page. If
	// not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and write-back
	// caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set when a page directory entry maps a 4 MiB page
	// instead of pointing to a page table.
	FlagHugePage

	// FlagGlobal if set, prevents the TLB from flushing the cached memory address
	// for this page when swapping page tables by updating the CR3 register.
	FlagGlobal
)
