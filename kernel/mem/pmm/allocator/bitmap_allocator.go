// Package allocator implements the kernel's physical frame allocator.
package allocator

import (
	"math"
	"math/bits"
	"unsafe"

	"protokern/kernel"
	"protokern/kernel/kfmt"
	"protokern/kernel/mem"
	"protokern/kernel/mem/pmm"
	"protokern/kernel/sync"
)

const (
	// MaxPhysicalMemory is the highest amount of physical memory that the
	// allocator can track. Memory above this limit is never handed out.
	MaxPhysicalMemory = 128 * mem.Mb

	// LowMemoryLimit marks the end of the region that holds the real-mode
	// IVT, the BIOS data areas, the VGA memory and the option ROMs. Frames
	// below it are never handed out regardless of the memory map.
	LowMemoryLimit = 1 * mem.Mb

	bitsPerWord = 32
	wordSize    = 4
)

var (
	// ErrNoUsableMemory is returned by Init when the memory map does not
	// leave a single allocatable frame.
	ErrNoUsableMemory = &kernel.Error{Module: "pmm", Message: "memory map contains no usable memory"}

	// ErrNoBitmapStorage is returned by Init when the memory following the
	// kernel image cannot hold the allocator bitmaps.
	ErrNoBitmapStorage = &kernel.Error{Module: "pmm", Message: "no usable memory after the kernel image for the frame bitmap"}

	// ErrInvalidKernelImage is returned by Init when the kernel image end
	// precedes its start.
	ErrInvalidKernelImage = &kernel.Error{Module: "pmm", Message: "invalid kernel image extent"}

	// ErrOutOfMemory is returned by AllocFrame when every tracked frame is
	// allocated. It is not fatal by itself; callers decide how to react.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

	// ErrFrameOutOfRange is returned by FreeFrame for frames outside the
	// tracked range.
	ErrFrameOutOfRange = &kernel.Error{Module: "pmm", Message: "frame outside the tracked range"}

	// ErrDoubleFree is returned by FreeFrame for frames that are not allocated.
	ErrDoubleFree = &kernel.Error{Module: "pmm", Message: "frame is already free"}

	// ErrReservedFrame is returned by FreeFrame for frames that are
	// permanently reserved (kernel image, bitmap storage, low memory or
	// memory not reported as usable).
	ErrReservedFrame = &kernel.Error{Module: "pmm", Message: "frame is permanently reserved"}
)

// BitmapAllocator implements a physical frame allocator that tracks every
// frame below a fixed ceiling with one bit. Two bitmaps share one storage
// block placed right after the kernel image:
//   - allocated: a set bit marks a frame that is in use.
//   - reserved: a set bit marks a frame that can never be freed.
//
// Every reserved frame is also allocated, so the number of clear bits in the
// allocated bitmap always equals freeFrames.
type BitmapAllocator struct {
	// totalFrames is the number of frames below the ceiling.
	totalFrames uint32

	// freeFrames tracks the number of clear bits in the allocated bitmap.
	freeFrames uint32

	// nextFree is a scan hint; no frame below it is free.
	nextFree uint32

	allocated []uint32
	reserved  []uint32

	// The frame ranges [start, end) occupied by the kernel image and the
	// bitmap storage.
	kernelStart, kernelEnd   pmm.Frame
	storageStart, storageEnd pmm.Frame

	guard sync.IRQGuard
}

// Init sets up the allocator state. Frames are considered free only when they
// are covered by a usable region, lie below ceiling and do not overlap a
// reserved region, low memory, the kernel image [kernelStart, kernelEnd) or
// the bitmap storage.
// A ceiling of 0 or above MaxPhysicalMemory is clamped to MaxPhysicalMemory;
// regions extending beyond the ceiling are truncated.
func (alloc *BitmapAllocator) Init(regions []pmm.Region, kernelStart, kernelEnd uintptr, ceiling mem.Size) *kernel.Error {
	if kernelEnd < kernelStart {
		return ErrInvalidKernelImage
	}

	if ceiling == 0 || ceiling > MaxPhysicalMemory {
		ceiling = MaxPhysicalMemory
	}
	ceiling = mem.Size(mem.PageAlignDown(uint64(ceiling)))

	alloc.totalFrames = uint32(ceiling >> mem.PageShift)
	alloc.freeFrames = 0
	alloc.nextFree = 0
	alloc.kernelStart = pmm.Frame(mem.PageAlignDown(uint64(kernelStart)) >> mem.PageShift)
	alloc.kernelEnd = pmm.Frame(mem.PageAlignUp(uint64(kernelEnd)) >> mem.PageShift)

	// Both bitmaps live in a single block that starts at the page
	// following the kernel image.
	words := (alloc.totalFrames + bitsPerWord - 1) / bitsPerWord
	storageAddr := mem.PageAlignUp(uint64(kernelEnd))
	storageSize := mem.Size(2 * words * wordSize)
	if storageAddr+uint64(storageSize) > uint64(ceiling) || !usableCovers(regions, storageAddr, storageAddr+uint64(storageSize)) {
		return ErrNoBitmapStorage
	}
	alloc.storageStart = pmm.Frame(storageAddr >> mem.PageShift)
	alloc.storageEnd = alloc.storageStart + pmm.Frame(storageSize.Pages())

	storage := unsafe.Slice((*uint32)(mem.PhysPtrFn(uintptr(storageAddr), storageSize)), 2*words)
	alloc.allocated = storage[:words:words]
	alloc.reserved = storage[words:]
	for i := range storage {
		storage[i] = math.MaxUint32
	}

	for _, region := range regions {
		if !region.Usable {
			continue
		}

		// Reported addresses may not be page-aligned; round the start
		// up and the end down so partial frames are never used.
		start, end := mem.PageAlignUp(region.Base), mem.PageAlignDown(region.End())
		if end > uint64(ceiling) {
			end = uint64(ceiling)
		}
		if start >= end {
			continue
		}

		alloc.markRange(pmm.Frame(start>>mem.PageShift), pmm.Frame(end>>mem.PageShift), false)
	}

	// Reserved regions win over usable ones regardless of their order in
	// the memory map. They are rounded outward so that a frame partially
	// claimed by firmware is never handed out.
	for _, region := range regions {
		if region.Usable {
			continue
		}

		start, end := mem.PageAlignDown(region.Base), mem.PageAlignUp(region.End())
		if start >= uint64(ceiling) || start >= end {
			continue
		}
		if end > uint64(ceiling) {
			end = uint64(ceiling)
		}

		alloc.markRange(pmm.Frame(start>>mem.PageShift), pmm.Frame(end>>mem.PageShift), true)
	}

	alloc.markRange(0, pmm.Frame(LowMemoryLimit>>mem.PageShift), true)
	alloc.markRange(alloc.kernelStart, alloc.kernelEnd, true)
	alloc.markRange(alloc.storageStart, alloc.storageEnd, true)

	for _, word := range alloc.allocated {
		alloc.freeFrames += uint32(bits.OnesCount32(^word))
	}

	if alloc.freeFrames == 0 {
		return ErrNoUsableMemory
	}

	return nil
}

// markRange sets (reserve = true) or clears the allocated and reserved bits
// for all frames in [start, end). Frames beyond the tracked range are ignored.
func (alloc *BitmapAllocator) markRange(start, end pmm.Frame, reserve bool) {
	if end > pmm.Frame(alloc.totalFrames) {
		end = pmm.Frame(alloc.totalFrames)
	}

	for frame := start; frame < end; frame++ {
		word, mask := frame/bitsPerWord, uint32(1)<<(frame%bitsPerWord)
		if reserve {
			alloc.allocated[word] |= mask
			alloc.reserved[word] |= mask
		} else {
			alloc.allocated[word] &^= mask
			alloc.reserved[word] &^= mask
		}
	}
}

// usableCovers returns true if a single usable region contains [start, end)
// and no reserved region overlaps it.
func usableCovers(regions []pmm.Region, start, end uint64) bool {
	covered := false
	for _, region := range regions {
		switch {
		case region.Usable && region.Base <= start && region.End() >= end:
			covered = true
		case !region.Usable && region.Base < end && region.End() > start:
			return false
		}
	}
	return covered
}

// AllocFrame reserves the lowest-numbered free frame. It returns
// pmm.InvalidFrame and ErrOutOfMemory if no free frames remain.
func (alloc *BitmapAllocator) AllocFrame() (pmm.Frame, *kernel.Error) {
	alloc.guard.Acquire()
	frame := alloc.scan()
	alloc.guard.Release()

	if !frame.Valid() {
		return pmm.InvalidFrame, ErrOutOfMemory
	}
	return frame, nil
}

// scan performs a linear first-fit search starting at the word containing
// the nextFree hint.
func (alloc *BitmapAllocator) scan() pmm.Frame {
	if alloc.freeFrames == 0 {
		return pmm.InvalidFrame
	}

	for word := alloc.nextFree / bitsPerWord; word < uint32(len(alloc.allocated)); word++ {
		if alloc.allocated[word] == math.MaxUint32 {
			continue
		}

		bit := uint32(bits.TrailingZeros32(^alloc.allocated[word]))
		index := word*bitsPerWord + bit
		if index >= alloc.totalFrames {
			break
		}

		alloc.allocated[word] |= 1 << bit
		alloc.freeFrames--
		alloc.nextFree = index + 1
		return pmm.Frame(index)
	}

	return pmm.InvalidFrame
}

// FreeFrame returns a frame obtained by AllocFrame to the allocator. Frames
// outside the tracked range, frames that are already free and permanently
// reserved frames are rejected without modifying the allocator state.
func (alloc *BitmapAllocator) FreeFrame(frame pmm.Frame) *kernel.Error {
	if uint32(frame) >= alloc.totalFrames {
		kfmt.Printf("[pmm] rejected free of frame 0x%x: %s\n", uint32(frame), ErrFrameOutOfRange.Message)
		return ErrFrameOutOfRange
	}

	var (
		err  *kernel.Error
		word = frame / bitsPerWord
		mask = uint32(1) << (frame % bitsPerWord)
	)

	alloc.guard.Acquire()
	switch {
	case alloc.reserved[word]&mask != 0:
		err = ErrReservedFrame
	case alloc.allocated[word]&mask == 0:
		err = ErrDoubleFree
	default:
		alloc.allocated[word] &^= mask
		alloc.freeFrames++
		if uint32(frame) < alloc.nextFree {
			alloc.nextFree = uint32(frame)
		}
	}
	alloc.guard.Release()

	if err != nil {
		kfmt.Printf("[pmm] rejected free of frame 0x%x: %s\n", uint32(frame), err.Message)
	}
	return err
}

// IsAllocated returns true if frame is in use or outside the tracked range.
func (alloc *BitmapAllocator) IsAllocated(frame pmm.Frame) bool {
	if uint32(frame) >= alloc.totalFrames {
		return true
	}
	return alloc.allocated[frame/bitsPerWord]&(1<<(frame%bitsPerWord)) != 0
}

// TotalFrames returns the number of frames below the ceiling.
func (alloc *BitmapAllocator) TotalFrames() uint32 {
	return alloc.totalFrames
}

// FreeFrames returns the number of frames that AllocFrame can still hand out.
func (alloc *BitmapAllocator) FreeFrames() uint32 {
	return alloc.freeFrames
}

// KernelImage returns the frame range [start, end) occupied by the kernel image.
func (alloc *BitmapAllocator) KernelImage() (pmm.Frame, pmm.Frame) {
	return alloc.kernelStart, alloc.kernelEnd
}

// BitmapStorage returns the frame range [start, end) that holds the bitmaps.
func (alloc *BitmapAllocator) BitmapStorage() (pmm.Frame, pmm.Frame) {
	return alloc.storageStart, alloc.storageEnd
}

// PrintMemoryMap outputs the memory map reported by the boot environment.
func PrintMemoryMap(regions []pmm.Region) {
	var usable mem.Size

	kfmt.Printf("[pmm] system memory map:\n")
	for _, region := range regions {
		kind := "reserved"
		if region.Usable {
			kind = "available"
			usable += mem.Size(region.Length)
		}
		kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n", region.Base, region.End(), region.Length, kind)
	}
	kfmt.Printf("[pmm] available memory: %dKb\n", uint64(usable/mem.Kb))
}

// PrintStats outputs the allocator frame counters.
func (alloc *BitmapAllocator) PrintStats() {
	kfmt.Printf("[pmm] kernel image frames: [0x%x - 0x%x), bitmap frames: [0x%x - 0x%x)\n",
		uint32(alloc.kernelStart), uint32(alloc.kernelEnd),
		uint32(alloc.storageStart), uint32(alloc.storageEnd),
	)
	kfmt.Printf("[pmm] tracked frames: %d, free frames: %d\n", alloc.totalFrames, alloc.freeFrames)
}
