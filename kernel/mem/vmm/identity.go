package vmm

import (
	"protokern/kernel"
	"protokern/kernel/kfmt"
	"protokern/kernel/mem"
	"protokern/kernel/mem/pmm"
)

const (
	// VgaTextAddr is the physical address of the VGA text mode buffer.
	VgaTextAddr = uintptr(0xb8000)

	// VgaTextSize is the size of an 80x25 text mode buffer with one
	// attribute byte per character.
	VgaTextSize = mem.Size(80 * 25 * 2)
)

// EnableIdentityPaging initializes as with a page directory and page tables
// that map every page in [0, span) to the frame with the same address, maps
// the VGA text buffer even if it lies outside span and then activates the
// address space. The span is rounded up to a page boundary and clamped to
// the 4 GiB address space.
//
// Page tables are allocated on demand, so an identity span of N bytes uses
// one directory frame plus one table frame per started 4 MiB. If any of those
// frames lies beyond the span, ErrSpanTooSmall is returned and paging stays
// disabled.
func EnableIdentityPaging(as *AddressSpace, allocFn FrameAllocatorFn, span mem.Size) *kernel.Error {
	if span > mem.MaxAddressable {
		span = mem.MaxAddressable
	}

	if err := as.Init(allocFn); err != nil {
		return err
	}

	var (
		pageCount = span.Pages()
		err       *kernel.Error
	)

	for page := Page(0); page < Page(pageCount); page++ {
		if err = as.Map(page, pmm.Frame(page), FlagPresent|FlagRW); err != nil {
			return err
		}
	}

	vgaStart := PageFromAddress(VgaTextAddr)
	vgaEnd := vgaStart + Page(VgaTextSize.Pages())
	for page := vgaStart; page < vgaEnd; page++ {
		if err = as.Map(page, pmm.Frame(page), FlagPresent|FlagRW|FlagDoNotCache); err != nil {
			return err
		}
	}

	// The CPU walks the tables through their physical addresses and Map
	// keeps writing to them after activation; both need them mapped.
	if spanEnd := uint64(pageCount) << mem.PageShift; as.TableEnd() > spanEnd {
		kfmt.Printf("[vmm] identity span ends at 0x%x but page tables extend to 0x%x\n", spanEnd, as.TableEnd())
		return ErrSpanTooSmall
	}

	kfmt.Printf("[vmm] identity mapped %dKb using %d table frames\n", uint64(span/mem.Kb), as.TableFrames())

	return as.Activate()
}
