package main

import (
	"fmt"
	"sync"

	"protokern/device/pit"
	"protokern/kernel/gate"
	"protokern/kernel/irq"
	"protokern/kernel/kfmt"
	"protokern/kernel/mem"
	"protokern/kernel/mem/memsim"
	"protokern/kernel/mem/pmm"
	"protokern/kernel/mem/pmm/allocator"
	"protokern/kernel/mem/vmm"

	"github.com/sirupsen/logrus"
)

// captureKernelOutput forwards kfmt diagnostics to the debug level of logger
// and returns a function that detaches it again.
func captureKernelOutput(logger *logrus.Logger) func() {
	w := logger.WriterLevel(logrus.DebugLevel)
	kfmt.SetOutputSink(w)
	return func() {
		kfmt.SetOutputSink(nil)
		w.Close()
	}
}

// memmapReport summarizes an allocator exhaustion run.
type memmapReport struct {
	TotalFrames  uint32
	FreeFrames   uint32
	Allocated    uint32
	StorageStart pmm.Frame
	StorageEnd   pmm.Frame
}

// runMemmap seeds a frame allocator from the scenario, allocates every free
// frame and releases them again, checking that no reserved frame is ever
// handed out and that the free counter is restored.
func runMemmap(sc *Scenario) (*memmapReport, error) {
	defer memsim.New().Install()()

	var (
		alloc   allocator.BitmapAllocator
		regions = sc.MemoryMap()
	)

	allocator.PrintMemoryMap(regions)
	if err := alloc.Init(regions, uintptr(sc.Kernel.Start), uintptr(sc.Kernel.End), mem.Size(sc.Ceiling)); err != nil {
		return nil, fmt.Errorf("seeding allocator: %w", err)
	}

	rep := &memmapReport{
		TotalFrames: alloc.TotalFrames(),
		FreeFrames:  alloc.FreeFrames(),
	}
	rep.StorageStart, rep.StorageEnd = alloc.BitmapStorage()

	var (
		kernelStart = pmm.FrameFromAddress(uintptr(sc.Kernel.Start))
		kernelEnd   = pmm.FrameFromAddress(uintptr(mem.PageAlignUp(sc.Kernel.End)))
		lowLimit    = pmm.FrameFromAddress(uintptr(allocator.LowMemoryLimit))
		frames      = make([]pmm.Frame, 0, rep.FreeFrames)
	)

	for {
		frame, err := alloc.AllocFrame()
		if err == allocator.ErrOutOfMemory {
			break
		} else if err != nil {
			return nil, err
		}

		switch {
		case frame < lowLimit:
			return nil, fmt.Errorf("frame 0x%x lies in low memory", uint32(frame))
		case frame >= kernelStart && frame < kernelEnd:
			return nil, fmt.Errorf("frame 0x%x overlaps the kernel image", uint32(frame))
		case frame >= rep.StorageStart && frame < rep.StorageEnd:
			return nil, fmt.Errorf("frame 0x%x overlaps the allocator bitmap", uint32(frame))
		case uint32(frame) >= rep.TotalFrames:
			return nil, fmt.Errorf("frame 0x%x lies above the ceiling", uint32(frame))
		case overlapsReserved(regions, frame):
			return nil, fmt.Errorf("frame 0x%x overlaps a reserved region", uint32(frame))
		}
		frames = append(frames, frame)
	}
	rep.Allocated = uint32(len(frames))

	if rep.Allocated != rep.FreeFrames {
		return nil, fmt.Errorf("allocated %d frames but %d were reported free", rep.Allocated, rep.FreeFrames)
	}

	for _, frame := range frames {
		if err := alloc.FreeFrame(frame); err != nil {
			return nil, fmt.Errorf("freeing frame 0x%x: %w", uint32(frame), err)
		}
	}

	if got := alloc.FreeFrames(); got != rep.FreeFrames {
		return nil, fmt.Errorf("expected %d free frames after releasing all frames; got %d", rep.FreeFrames, got)
	}

	alloc.PrintStats()
	return rep, nil
}

// overlapsReserved returns true if any byte of frame lies in a region that is
// not usable.
func overlapsReserved(regions []pmm.Region, frame pmm.Frame) bool {
	start := uint64(frame.Address())
	end := start + uint64(mem.PageSize)
	for _, region := range regions {
		if !region.Usable && region.Base < end && region.End() > start {
			return true
		}
	}
	return false
}

// idtReport summarizes the descriptor table built for the trampolines.
type idtReport struct {
	Present     int
	Dedicated   int
	DefaultStub uintptr
	Table       gate.Table
}

// runIDT builds the interrupt descriptor table for the trampoline addresses
// and checks that every slot holds a present ring 0 interrupt gate pointing
// at the right stub.
func runIDT(selector uint16) (*idtReport, error) {
	stubs := make([]uintptr, irq.StubCount)
	for vector := range stubs {
		stubs[vector] = irq.StubAddress(uint32(vector))
	}

	rep := &idtReport{DefaultStub: irq.StubAddress(irq.UnhandledVector)}
	rep.Table.Build(selector, stubs, rep.DefaultStub)

	seen := make(map[uint32]int, len(stubs))
	for vector, desc := range rep.Table {
		switch {
		case !desc.Present():
			return nil, fmt.Errorf("vector %d: gate not present", vector)
		case desc.Type() != gate.InterruptGate || desc.DPL() != 0:
			return nil, fmt.Errorf("vector %d: expected a DPL 0 interrupt gate; got %s with DPL %d", vector, desc.Type(), desc.DPL())
		case desc.Selector() != selector:
			return nil, fmt.Errorf("vector %d: expected selector 0x%x; got 0x%x", vector, selector, desc.Selector())
		}
		rep.Present++

		if vector >= irq.StubCount {
			if desc.Offset() != uint32(rep.DefaultStub) {
				return nil, fmt.Errorf("vector %d: expected the default stub", vector)
			}
			continue
		}

		if prev, dup := seen[desc.Offset()]; dup {
			return nil, fmt.Errorf("vectors %d and %d share stub 0x%x", prev, vector, desc.Offset())
		}
		seen[desc.Offset()] = vector
		rep.Dedicated++
	}

	return rep, nil
}

// pagingReport summarizes an identity paging run.
type pagingReport struct {
	Span           mem.Size
	TableFrames    uint32
	ExpectedTables uint32
	Translated     uint32
}

// runPaging seeds a frame allocator, identity maps the scenario span and
// translates every mapped page back to its own address.
func runPaging(sc *Scenario) (*pagingReport, error) {
	defer memsim.New().Install()()

	var (
		alloc allocator.BitmapAllocator
		as    vmm.AddressSpace
	)

	if err := alloc.Init(sc.MemoryMap(), uintptr(sc.Kernel.Start), uintptr(sc.Kernel.End), mem.Size(sc.Ceiling)); err != nil {
		return nil, fmt.Errorf("seeding allocator: %w", err)
	}

	freeBefore := alloc.FreeFrames()
	span := mem.Size(mem.PageAlignUp(sc.PagingSpan))

	_, imageEnd := alloc.KernelImage()
	_, storageEnd := alloc.BitmapStorage()
	if reach := max(imageEnd, storageEnd).Address(); uint64(span) < uint64(reach) {
		return nil, fmt.Errorf("span 0x%x ends below the kernel image and bitmap end 0x%x: %w", uint64(span), reach, vmm.ErrSpanTooSmall)
	}
	if err := vmm.EnableIdentityPaging(&as, alloc.AllocFrame, span); err != nil {
		return nil, fmt.Errorf("enabling paging: %w", err)
	}

	if span > mem.MaxAddressable {
		span = mem.MaxAddressable
	}

	spanTables := uint32((span + vmm.TableSpan - 1) / vmm.TableSpan)
	rep := &pagingReport{
		Span:           span,
		TableFrames:    as.TableFrames(),
		ExpectedTables: 1 + spanTables,
	}
	if uint64(vmm.VgaTextAddr) >= uint64(spanTables)*uint64(vmm.TableSpan) {
		rep.ExpectedTables++
	}

	if used := freeBefore - alloc.FreeFrames(); used != rep.TableFrames {
		return nil, fmt.Errorf("address space reports %d table frames but %d frames were allocated", rep.TableFrames, used)
	}

	if rep.TableFrames != rep.ExpectedTables {
		return nil, fmt.Errorf("expected %d table frames; got %d", rep.ExpectedTables, rep.TableFrames)
	}

	for addr := uint64(0); addr < uint64(span); addr += uint64(mem.PageSize) {
		virt := uintptr(addr) + uintptr(addr>>mem.PageShift)&0xfff
		phys, err := as.Translate(virt)
		if err != nil {
			return nil, fmt.Errorf("translating 0x%x: %w", virt, err)
		}
		if phys != virt {
			return nil, fmt.Errorf("expected 0x%x to be identity mapped; got 0x%x", virt, phys)
		}
		rep.Translated++
	}

	if _, err := as.Translate(vmm.VgaTextAddr); err != nil {
		return nil, fmt.Errorf("translating the VGA text buffer: %w", err)
	}

	return rep, nil
}

// countingController is the interrupt controller seen by the simulated
// dispatcher.
type countingController struct {
	acks   [irq.IRQLines]uint32
	masked uint16
	remaps int
}

func (c *countingController) Remap(_ uint8)          { c.remaps++; c.masked = 0xffff }
func (c *countingController) Acknowledge(line uint8) { c.acks[line]++ }
func (c *countingController) Mask(line uint8)        { c.masked |= 1 << line }
func (c *countingController) Unmask(line uint8)      { c.masked &^= 1 << line }

var (
	// The interrupt descriptor table can only be installed once, so all
	// tick runs share a dispatcher.
	simDispatcher irq.Dispatcher
	simController countingController
	installOnce   sync.Once
	installErr    error
)

// ticksReport summarizes a timer run.
type ticksReport struct {
	Hz              uint32
	Seconds         uint32
	Ticks           uint64
	Acknowledgments uint32
	Dispatched      uint32
}

// runTicks programs a timer, routes IRQ 0 to it and delivers one interrupt
// per timer period for the scenario duration. Each delivered interrupt must
// produce exactly one tick and one acknowledgment.
func runTicks(sc *Scenario) (*ticksReport, error) {
	installOnce.Do(func() {
		if err := simDispatcher.Install(&simController); err != nil {
			installErr = err
		}
	})
	if installErr != nil {
		return nil, fmt.Errorf("installing interrupts: %w", installErr)
	}

	var timer pit.Timer
	rep := &ticksReport{
		Hz:      timer.SetFrequency(sc.Timer.Hz),
		Seconds: sc.Timer.Seconds,
	}

	if err := simDispatcher.HandleIRQ(0, &timer); err != nil {
		return nil, err
	}
	if err := simDispatcher.Unmask(0); err != nil {
		return nil, err
	}
	defer func() {
		simDispatcher.Mask(0)
		simDispatcher.HandleIRQ(0, nil)
	}()

	var (
		vector     = uint32(irq.IRQBase)
		acksBefore = simController.acks[0]
		dispBefore = simDispatcher.Count(vector)
		frame      = irq.Frame{Vector: vector}
		interrupts = uint64(rep.Hz) * uint64(rep.Seconds)
	)

	for i := uint64(0); i < interrupts; i++ {
		if simController.masked&1 != 0 {
			return nil, fmt.Errorf("timer line masked after %d interrupts", i)
		}
		simDispatcher.Dispatch(&frame)
	}

	rep.Ticks = timer.Ticks()
	rep.Acknowledgments = simController.acks[0] - acksBefore
	rep.Dispatched = simDispatcher.Count(vector) - dispBefore

	if rep.Ticks != interrupts {
		return nil, fmt.Errorf("expected %d ticks; got %d", interrupts, rep.Ticks)
	}
	if uint64(rep.Acknowledgments) != interrupts {
		return nil, fmt.Errorf("expected %d acknowledgments; got %d", interrupts, rep.Acknowledgments)
	}

	return rep, nil
}
