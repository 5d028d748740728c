// Package memsim emulates identity-mapped physical memory for host-side tests
// and the kcoresim tool. It is never linked into the kernel image.
package memsim

import (
	"unsafe"

	"protokern/kernel/mem"

	"github.com/google/btree"
)

// block is a contiguous run of simulated RAM starting at a physical address.
// Blocks never overlap.
type block struct {
	start uintptr
	data  []byte
}

func (b *block) end() uintptr {
	return b.start + uintptr(len(b.data))
}

func (b *block) contains(physAddr uintptr, size mem.Size) bool {
	if physAddr < b.start {
		return false
	}

	offset := uint64(physAddr - b.start)
	return offset < uint64(len(b.data)) && offset+uint64(size) <= uint64(len(b.data))
}

func blockLess(a, b *block) bool {
	return a.start < b.start
}

// Memory is a sparse physical memory made of page-aligned blocks ordered by
// their start address. Blocks are allocated on first access and zero-filled,
// like freshly initialized RAM in a virtual machine. An access that spans
// several blocks or untouched memory next to a block merges them into one
// block that keeps the contents of every merged block.
//
// Merging moves the backing storage: pointers returned for a merged block
// before the merge no longer alias the simulated memory.
type Memory struct {
	blocks *btree.BTreeG[*block]
}

// New returns an empty simulated physical memory.
func New() *Memory {
	return &Memory{blocks: btree.NewG(8, blockLess)}
}

// Ptr implements the mem.PhysPtrFn contract.
func (m *Memory) Ptr(physAddr uintptr, size mem.Size) unsafe.Pointer {
	var found *block
	m.blocks.DescendLessOrEqual(&block{start: physAddr}, func(b *block) bool {
		if b.contains(physAddr, size) {
			found = b
		}
		return false
	})

	if found == nil {
		found = m.merge(physAddr, size)
	}

	return unsafe.Pointer(&found.data[physAddr-found.start])
}

// merge replaces every block that overlaps the pages touched by
// [physAddr, physAddr+size) with a single block covering all of them.
func (m *Memory) merge(physAddr uintptr, size mem.Size) *block {
	if size == 0 {
		size = 1
	}

	lo := uintptr(mem.PageAlignDown(uint64(physAddr)))
	hi := uintptr(mem.PageAlignUp(uint64(physAddr) + uint64(size)))

	var overlapping []*block
	m.blocks.DescendLessOrEqual(&block{start: hi - 1}, func(b *block) bool {
		if b.end() <= lo {
			return false
		}
		overlapping = append(overlapping, b)
		return true
	})

	for _, b := range overlapping {
		lo = min(lo, b.start)
		hi = max(hi, b.end())
	}

	merged := &block{start: lo, data: make([]byte, hi-lo)}
	for _, b := range overlapping {
		copy(merged.data[b.start-lo:], b.data)
		m.blocks.Delete(b)
	}
	m.blocks.ReplaceOrInsert(merged)

	return merged
}

// Install makes m the physical memory seen by the pmm and vmm packages and
// returns a function that restores the previous accessor.
func (m *Memory) Install() func() {
	orig := mem.PhysPtrFn
	mem.PhysPtrFn = m.Ptr
	return func() {
		mem.PhysPtrFn = orig
	}
}

// Blocks returns the start addresses of all touched blocks in ascending order.
func (m *Memory) Blocks() []uintptr {
	addrs := make([]uintptr, 0, m.blocks.Len())
	m.blocks.Ascend(func(b *block) bool {
		addrs = append(addrs, b.start)
		return true
	})
	return addrs
}
