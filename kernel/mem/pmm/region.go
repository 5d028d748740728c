package pmm

// Region describes a physical memory range reported by the boot environment.
// Regions are only consumed while seeding an allocator and are not retained.
type Region struct {
	// The physical address where this region begins.
	Base uint64

	// The region length in bytes.
	Length uint64

	// Usable is set for RAM that the kernel may allocate from.
	Usable bool
}

// End returns the first physical address past the end of the region.
func (r Region) End() uint64 {
	return r.Base + r.Length
}
