package vmm

import "protokern/kernel/mem/pmm"

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments. If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// walk performs a page table walk for the given virtual address starting at
// the page directory stored in pdtFrame. It calls the supplied walkFn with the
// entry that corresponds to each page table level. The table for the next
// level is read from the entry after walkFn returns, so walkFn may install a
// missing table before the walk descends into it.
func walk(pdtFrame pmm.Frame, virtAddr uintptr, walkFn pageTableWalker) {
	var (
		table      = pdtFrame
		entryIndex uintptr
	)

	for level := uint8(0); level < pageLevels; level++ {
		// Extract the bits from virtual address that correspond to the
		// index in this level's page table
		entryIndex = (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)

		pte := &tableAt(table)[entryIndex]
		if !walkFn(level, pte) {
			return
		}

		table = pte.Frame()
	}
}
