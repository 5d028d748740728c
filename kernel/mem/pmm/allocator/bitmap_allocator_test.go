package allocator

import (
	"bytes"
	"math/bits"
	"math/rand"
	"strings"
	"testing"

	"protokern/kernel"
	"protokern/kernel/kfmt"
	"protokern/kernel/mem"
	"protokern/kernel/mem/memsim"
	"protokern/kernel/mem/pmm"

	"github.com/google/go-cmp/cmp"
)

const (
	testKernelStart = 0x100000
	testKernelEnd   = 0x110000
)

// The memory map reported by qemu when running with 128M RAM.
var qemuMemoryMap = []pmm.Region{
	{Base: 0x0, Length: 0x9fc00, Usable: true},
	{Base: 0x9fc00, Length: 0x400},
	{Base: 0xf0000, Length: 0x10000},
	{Base: 0x100000, Length: 0x7ee0000, Usable: true},
	{Base: 0x7fe0000, Length: 0x20000},
	{Base: 0xfffc0000, Length: 0x40000},
}

func setupAllocator(t *testing.T, regions []pmm.Region, kernelStart, kernelEnd uintptr, ceiling mem.Size) (*BitmapAllocator, func()) {
	t.Helper()

	restore := memsim.New().Install()
	alloc := new(BitmapAllocator)
	if err := alloc.Init(regions, kernelStart, kernelEnd, ceiling); err != nil {
		restore()
		t.Fatalf("unexpected init error: %v", err)
	}

	return alloc, restore
}

// assertCounters checks that the free counter matches the number of clear
// bits in the allocated bitmap.
func assertCounters(t *testing.T, alloc *BitmapAllocator) {
	t.Helper()

	var used uint32
	for frame := pmm.Frame(0); uint32(frame) < alloc.totalFrames; frame++ {
		if alloc.IsAllocated(frame) {
			used++
		}
	}

	if got := alloc.FreeFrames() + used; got != alloc.TotalFrames() {
		t.Fatalf("expected free (%d) + used (%d) to equal total frames (%d)", alloc.FreeFrames(), used, alloc.TotalFrames())
	}

	for frame := pmm.Frame(0); uint32(frame) < alloc.nextFree; frame++ {
		if !alloc.IsAllocated(frame) {
			t.Fatalf("expected no free frames below the scan hint %d; frame %d is free", alloc.nextFree, frame)
		}
	}
}

func TestInitSingleRegion(t *testing.T) {
	regions := []pmm.Region{
		{Base: 0x100000, Length: 0x1F00000, Usable: true},
	}

	alloc, restore := setupAllocator(t, regions, testKernelStart, testKernelEnd, MaxPhysicalMemory)
	defer restore()

	if exp, got := uint32(32768), alloc.TotalFrames(); got != exp {
		t.Fatalf("expected total frames to be %d; got %d", exp, got)
	}

	// 7936 usable frames minus 16 kernel frames minus 2 bitmap frames.
	if exp, got := uint32(7918), alloc.FreeFrames(); got != exp {
		t.Fatalf("expected free frames to be %d; got %d", exp, got)
	}

	start, end := alloc.BitmapStorage()
	if start != 0x110 || end != 0x112 {
		t.Fatalf("expected bitmap storage to occupy frames [0x110, 0x112); got [0x%x, 0x%x)", start, end)
	}

	specs := []struct {
		frame     pmm.Frame
		allocated bool
	}{
		{0, true},
		{0xff, true},
		{0x100, true},
		{0x10f, true},
		{0x110, true},
		{0x111, true},
		{0x112, false},
		{0x1fff, false},
		{0x2000, true},
		{0x7fff, true},
		{0x8000, true},
	}

	for specIndex, spec := range specs {
		if got := alloc.IsAllocated(spec.frame); got != spec.allocated {
			t.Errorf("[spec %d] expected IsAllocated(0x%x) to return %t; got %t", specIndex, spec.frame, spec.allocated, got)
		}
	}

	assertCounters(t, alloc)
}

func TestInitQemuMemoryMap(t *testing.T) {
	alloc, restore := setupAllocator(t, qemuMemoryMap, testKernelStart, testKernelEnd, 0)
	defer restore()

	// Usable frames above 1M: [0x100, 0x7fe0) minus 16 kernel frames and
	// 2 bitmap frames. Low memory is never handed out.
	if exp, got := uint32(0x7fe0-0x100-16-2), alloc.FreeFrames(); got != exp {
		t.Fatalf("expected free frames to be %d; got %d", exp, got)
	}

	for frame := pmm.Frame(0); frame < 0x100; frame++ {
		if !alloc.IsAllocated(frame) {
			t.Fatalf("expected low memory frame 0x%x to be reserved", frame)
		}
	}

	assertCounters(t, alloc)
}

func TestInitCeilingTruncation(t *testing.T) {
	regions := []pmm.Region{
		{Base: 0x100000, Length: uint64(256*mem.Mb) - 0x100000, Usable: true},
	}

	specs := []struct {
		ceiling     mem.Size
		totalFrames uint32
	}{
		{0, 32768},
		{MaxPhysicalMemory, 32768},
		{512 * mem.Mb, 32768},
		{64 * mem.Mb, 16384},
		{64*mem.Mb + 123, 16384},
	}

	for specIndex, spec := range specs {
		alloc, restore := setupAllocator(t, regions, testKernelStart, testKernelEnd, spec.ceiling)

		if got := alloc.TotalFrames(); got != spec.totalFrames {
			t.Errorf("[spec %d] expected total frames to be %d; got %d", specIndex, spec.totalFrames, got)
		}

		start, end := alloc.BitmapStorage()
		expFree := spec.totalFrames - 0x100 - 16 - uint32(end-start)
		if got := alloc.FreeFrames(); got != expFree {
			t.Errorf("[spec %d] expected free frames to be %d; got %d", specIndex, expFree, got)
		}

		assertCounters(t, alloc)
		restore()
	}
}

func TestInitUnalignedRegions(t *testing.T) {
	regions := []pmm.Region{
		{Base: 0x100000, Length: 0x100000, Usable: true},
		// Only frames 0x201 and 0x202 are fully covered.
		{Base: 0x200800, Length: 0x2a00, Usable: true},
	}

	alloc, restore := setupAllocator(t, regions, testKernelStart, testKernelEnd, MaxPhysicalMemory)
	defer restore()

	specs := []struct {
		frame     pmm.Frame
		allocated bool
	}{
		{0x1ff, false},
		{0x200, true},
		{0x201, false},
		{0x202, false},
		{0x203, true},
	}

	for specIndex, spec := range specs {
		if got := alloc.IsAllocated(spec.frame); got != spec.allocated {
			t.Errorf("[spec %d] expected IsAllocated(0x%x) to return %t; got %t", specIndex, spec.frame, spec.allocated, got)
		}
	}

	assertCounters(t, alloc)
}

func TestInitReservedRegions(t *testing.T) {
	regions := []pmm.Region{
		// Firmware data reported before the usable region that contains it.
		{Base: 0x200000, Length: 0x1000},
		// Partially covered frames are reserved as a whole.
		{Base: 0x300800, Length: 0x1000},
		{Base: 0x100000, Length: 0x1F00000, Usable: true},
		// Listed after the usable region.
		{Base: 0x400000, Length: 0x2000},
		// Straddles the ceiling.
		{Base: 0x7ff000, Length: 0x10000},
	}

	alloc, restore := setupAllocator(t, regions, testKernelStart, testKernelEnd, 8*mem.Mb)
	defer restore()

	specs := []struct {
		frame     pmm.Frame
		allocated bool
	}{
		{0x1ff, false},
		{0x200, true},
		{0x201, false},
		{0x2ff, false},
		{0x300, true},
		{0x301, true},
		{0x302, false},
		{0x3ff, false},
		{0x400, true},
		{0x401, true},
		{0x402, false},
		{0x7fe, false},
		{0x7ff, true},
	}

	for specIndex, spec := range specs {
		if got := alloc.IsAllocated(spec.frame); got != spec.allocated {
			t.Errorf("[spec %d] expected IsAllocated(0x%x) to return %t; got %t", specIndex, spec.frame, spec.allocated, got)
		}
	}

	// 0x700 frames between 1M and the ceiling minus the kernel image, the
	// bitmap and the 6 reserved frames.
	start, end := alloc.BitmapStorage()
	if exp, got := uint32(0x700-16-6)-uint32(end-start), alloc.FreeFrames(); got != exp {
		t.Fatalf("expected free frames to be %d; got %d", exp, got)
	}

	// Reserved frames are never handed out and cannot be freed.
	for {
		frame, err := alloc.AllocFrame()
		if err == ErrOutOfMemory {
			break
		}
		for _, reserved := range []pmm.Frame{0x200, 0x300, 0x301, 0x400, 0x401, 0x7ff} {
			if frame == reserved {
				t.Fatalf("reserved frame 0x%x was handed out", frame)
			}
		}
	}

	if err := alloc.FreeFrame(0x200); err != ErrReservedFrame {
		t.Fatalf("expected ErrReservedFrame; got %v", err)
	}

	assertCounters(t, alloc)
}

func TestInitErrors(t *testing.T) {
	defer memsim.New().Install()()

	specs := []struct {
		regions     []pmm.Region
		kernelStart uintptr
		kernelEnd   uintptr
		expErr      *kernel.Error
	}{
		{
			nil,
			testKernelStart, testKernelEnd,
			ErrNoBitmapStorage,
		},
		{
			// No usable memory follows the kernel image.
			[]pmm.Region{{Base: 0x0, Length: 0x110000, Usable: true}},
			testKernelStart, testKernelEnd,
			ErrNoBitmapStorage,
		},
		{
			// Bitmap storage would overlap a reserved region.
			[]pmm.Region{
				{Base: 0x110800, Length: 0x100},
				{Base: 0x100000, Length: 0x1F00000, Usable: true},
			},
			testKernelStart, testKernelEnd,
			ErrNoBitmapStorage,
		},
		{
			// The bitmap storage and the kernel image consume every usable frame.
			[]pmm.Region{{Base: 0x100000, Length: 0x12000, Usable: true}},
			testKernelStart, testKernelEnd,
			ErrNoUsableMemory,
		},
		{
			// Usable memory below 1M is never handed out.
			[]pmm.Region{
				{Base: 0x0, Length: 0x9fc00, Usable: true},
				{Base: 0x110000, Length: 0x2000, Usable: true},
			},
			testKernelStart, testKernelEnd,
			ErrNoUsableMemory,
		},
		{
			// The kernel image lies beyond the ceiling.
			[]pmm.Region{{Base: 0x100000, Length: 0x1F00000, Usable: true}},
			uintptr(MaxPhysicalMemory), uintptr(MaxPhysicalMemory + mem.Mb),
			ErrNoBitmapStorage,
		},
		{
			[]pmm.Region{{Base: 0x100000, Length: 0x1F00000, Usable: true}},
			testKernelEnd, testKernelStart,
			ErrInvalidKernelImage,
		},
	}

	for specIndex, spec := range specs {
		var alloc BitmapAllocator
		if err := alloc.Init(spec.regions, spec.kernelStart, spec.kernelEnd, MaxPhysicalMemory); err != spec.expErr {
			t.Errorf("[spec %d] expected to get error %v; got %v", specIndex, spec.expErr, err)
		}
	}
}

func TestAllocFrameOrder(t *testing.T) {
	regions := []pmm.Region{
		{Base: 0x100000, Length: 0x1F00000, Usable: true},
	}

	alloc, restore := setupAllocator(t, regions, testKernelStart, testKernelEnd, MaxPhysicalMemory)
	defer restore()

	var got []pmm.Frame
	for i := 0; i < 4; i++ {
		frame, err := alloc.AllocFrame()
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, frame)
	}

	exp := []pmm.Frame{0x112, 0x113, 0x114, 0x115}
	if diff := cmp.Diff(exp, got); diff != "" {
		t.Fatalf("unexpected allocation order (-want +got):\n%s", diff)
	}

	// Freeing a frame below the scan hint makes it the next candidate.
	if err := alloc.FreeFrame(0x113); err != nil {
		t.Fatal(err)
	}

	frame, err := alloc.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}
	if frame != 0x113 {
		t.Fatalf("expected the freed frame 0x113 to be reallocated; got 0x%x", frame)
	}

	assertCounters(t, alloc)
}

func TestAllocFreeRoundTrip(t *testing.T) {
	alloc, restore := setupAllocator(t, qemuMemoryMap, testKernelStart, testKernelEnd, MaxPhysicalMemory)
	defer restore()

	freeBefore := alloc.FreeFrames()

	frame, err := alloc.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}

	if exp, got := freeBefore-1, alloc.FreeFrames(); got != exp {
		t.Fatalf("expected free frames to be %d after allocation; got %d", exp, got)
	}

	if err = alloc.FreeFrame(frame); err != nil {
		t.Fatal(err)
	}

	if got := alloc.FreeFrames(); got != freeBefore {
		t.Fatalf("expected free frames to be restored to %d; got %d", freeBefore, got)
	}

	assertCounters(t, alloc)
}

func TestAllocFrameExhaustion(t *testing.T) {
	regions := []pmm.Region{
		{Base: 0x100000, Length: 0x200000, Usable: true},
		{Base: 0x400000, Length: 0x10000, Usable: true},
	}

	alloc, restore := setupAllocator(t, regions, testKernelStart, testKernelEnd, MaxPhysicalMemory)
	defer restore()

	storageStart, storageEnd := alloc.BitmapStorage()
	freeCount := alloc.FreeFrames()
	seen := make(map[pmm.Frame]struct{}, freeCount)

	for i := uint32(0); i < freeCount; i++ {
		frame, err := alloc.AllocFrame()
		if err != nil {
			t.Fatalf("allocation %d failed: %v", i, err)
		}

		if _, dup := seen[frame]; dup {
			t.Fatalf("frame 0x%x was handed out twice", frame)
		}
		seen[frame] = struct{}{}

		switch {
		case frame < 0x100:
			t.Fatalf("low memory frame 0x%x was handed out", frame)
		case frame >= 0x100 && frame < 0x110:
			t.Fatalf("kernel frame 0x%x was handed out", frame)
		case frame >= storageStart && frame < storageEnd:
			t.Fatalf("bitmap frame 0x%x was handed out", frame)
		case frame >= 0x300 && frame < 0x400, frame >= 0x410:
			t.Fatalf("frame 0x%x outside the usable regions was handed out", frame)
		}
	}

	frame, err := alloc.AllocFrame()
	if err != ErrOutOfMemory {
		t.Fatalf("expected to get ErrOutOfMemory; got %v", err)
	}
	if frame.Valid() {
		t.Fatalf("expected to get an invalid frame; got 0x%x", frame)
	}

	if got := alloc.FreeFrames(); got != 0 {
		t.Fatalf("expected free frames to be 0; got %d", got)
	}

	assertCounters(t, alloc)
}

func TestFreeFrameErrors(t *testing.T) {
	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)
	defer kfmt.SetOutputSink(nil)

	regions := []pmm.Region{
		{Base: 0x100000, Length: 0x1F00000, Usable: true},
	}

	alloc, restore := setupAllocator(t, regions, testKernelStart, testKernelEnd, MaxPhysicalMemory)
	defer restore()

	allocated, err := alloc.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}

	specs := []struct {
		frame  pmm.Frame
		expErr *kernel.Error
	}{
		{0x8000, ErrFrameOutOfRange},
		{pmm.InvalidFrame, ErrFrameOutOfRange},
		{allocated + 1, ErrDoubleFree},
		{0, ErrReservedFrame},
		{0x100, ErrReservedFrame},
		{0x110, ErrReservedFrame},
		{0x2000, ErrReservedFrame},
	}

	for specIndex, spec := range specs {
		buf.Reset()
		freeBefore := alloc.FreeFrames()

		if err := alloc.FreeFrame(spec.frame); err != spec.expErr {
			t.Errorf("[spec %d] expected to get error %v; got %v", specIndex, spec.expErr, err)
			continue
		}

		if got := alloc.FreeFrames(); got != freeBefore {
			t.Errorf("[spec %d] expected rejected free to leave free count at %d; got %d", specIndex, freeBefore, got)
		}

		if !strings.Contains(buf.String(), "[pmm] rejected free") {
			t.Errorf("[spec %d] expected a diagnostic to be printed; got %q", specIndex, buf.String())
		}
	}

	// A double free of a previously allocated frame.
	if err = alloc.FreeFrame(allocated); err != nil {
		t.Fatal(err)
	}
	if err = alloc.FreeFrame(allocated); err != ErrDoubleFree {
		t.Fatalf("expected to get ErrDoubleFree; got %v", err)
	}

	assertCounters(t, alloc)
}

func TestRandomAllocFreeKeepsCounters(t *testing.T) {
	regions := []pmm.Region{
		{Base: 0x100000, Length: 0x400000, Usable: true},
		{Base: 0x800000, Length: 0x100000, Usable: true},
	}

	alloc, restore := setupAllocator(t, regions, testKernelStart, testKernelEnd, 16*mem.Mb)
	defer restore()

	var (
		rng  = rand.New(rand.NewSource(42))
		live []pmm.Frame
	)

	for i := 0; i < 5000; i++ {
		if len(live) == 0 || rng.Intn(3) != 0 {
			frame, err := alloc.AllocFrame()
			if err == ErrOutOfMemory {
				continue
			}
			if err != nil {
				t.Fatal(err)
			}
			live = append(live, frame)
			continue
		}

		index := rng.Intn(len(live))
		if err := alloc.FreeFrame(live[index]); err != nil {
			t.Fatalf("free of live frame 0x%x failed: %v", live[index], err)
		}
		live = append(live[:index], live[index+1:]...)
	}

	assertCounters(t, alloc)

	var clearBits uint32
	for _, word := range alloc.allocated {
		clearBits += uint32(bits.OnesCount32(^word))
	}
	if clearBits != alloc.FreeFrames() {
		t.Fatalf("expected %d clear bitmap bits; got %d", alloc.FreeFrames(), clearBits)
	}
}

func TestPrintMemoryMap(t *testing.T) {
	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)
	defer kfmt.SetOutputSink(nil)

	PrintMemoryMap(qemuMemoryMap)

	out := buf.String()
	for _, exp := range []string{
		"[pmm] system memory map:",
		"type: available",
		"type: reserved",
		"[pmm] available memory: 130559Kb",
	} {
		if !strings.Contains(out, exp) {
			t.Errorf("expected output to contain %q; got:\n%s", exp, out)
		}
	}
}
