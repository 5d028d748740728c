// Package kmain contains the kernel entry point and the boot sequence that
// brings up interrupts, physical memory, paging and the system timer.
package kmain

import (
	"protokern/device"
	"protokern/device/pic"
	"protokern/device/pit"
	"protokern/device/video/console"
	"protokern/kernel"
	"protokern/kernel/cpu"
	"protokern/kernel/hal/multiboot"
	"protokern/kernel/irq"
	"protokern/kernel/kfmt"
	"protokern/kernel/mem"
	"protokern/kernel/mem/pmm"
	"protokern/kernel/mem/pmm/allocator"
	"protokern/kernel/mem/vmm"
)

const (
	// IdentitySpan is the amount of physical memory that is identity
	// mapped when paging is enabled.
	IdentitySpan = 128 * mem.Mb

	// TimerHz is the rate of the system timer interrupt.
	TimerHz = 100

	// timerLine is the IRQ line wired to PIT channel 0.
	timerLine = 0

	maxRegions = 32
)

var (
	// ErrBootOrder is returned when a boot stage is invoked before the
	// stage it depends on has completed.
	ErrBootOrder = &kernel.Error{Module: "kmain", Message: "boot stage invoked out of order"}

	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	enableInterruptsFn  = cpu.EnableInterrupts
	disableInterruptsFn = cpu.DisableInterrupts
	waitForInterruptFn  = cpu.WaitForInterrupt

	// The kernel and its devices live in static storage as the Go
	// allocator is not available.
	kern      Kernel
	picCtrl   pic.Controller
	vgaText   console.VgaText
	regionBuf [maxRegions]pmm.Region

	// owner is the kernel whose allocator backs AllocFrame and FreeFrame.
	owner *Kernel
)

// Stage identifies the last completed step of the boot sequence.
type Stage uint8

// The boot stages in the order they must complete.
const (
	StageReset Stage = iota
	StageInterrupts
	StageMemory
	StagePaging
	StageRunning
	StageHalted
)

// String implements fmt.Stringer for Stage.
func (s Stage) String() string {
	switch s {
	case StageReset:
		return "reset"
	case StageInterrupts:
		return "interrupts"
	case StageMemory:
		return "memory"
	case StagePaging:
		return "paging"
	case StageRunning:
		return "running"
	case StageHalted:
		return "halted"
	default:
		return "unknown"
	}
}

// Kernel owns the core subsystems and tracks the progress of the boot
// sequence.
type Kernel struct {
	stage Stage

	dispatcher irq.Dispatcher
	frames     allocator.BitmapAllocator
	addrSpace  vmm.AddressSpace
	timer      pit.Timer

	uptime uint64
}

// Stage returns the last completed boot stage.
func (k *Kernel) Stage() Stage {
	return k.stage
}

// InstallInterrupts loads the interrupt descriptor table and remaps ctrl so
// that hardware interrupts are delivered to the dispatcher. All controller
// lines are left masked.
func (k *Kernel) InstallInterrupts(ctrl irq.Controller) *kernel.Error {
	if k.stage != StageReset {
		return ErrBootOrder
	}

	disableInterruptsFn()
	if err := k.dispatcher.Install(ctrl); err != nil {
		return err
	}

	k.stage = StageInterrupts
	return nil
}

// InitMemory seeds the frame allocator from the supplied memory map. Frames
// overlapping the kernel image, the first megabyte and anything at or above
// ceiling are never handed out.
func (k *Kernel) InitMemory(regions []pmm.Region, kernelStart, kernelEnd uintptr, ceiling mem.Size) *kernel.Error {
	if k.stage != StageInterrupts {
		return ErrBootOrder
	}

	allocator.PrintMemoryMap(regions)
	if err := k.frames.Init(regions, kernelStart, kernelEnd, ceiling); err != nil {
		return err
	}
	k.frames.PrintStats()

	owner = k
	k.stage = StageMemory
	return nil
}

// EnablePaging identity maps the first span bytes of physical memory using
// page tables drawn from the frame allocator and turns on paging.
func (k *Kernel) EnablePaging(span mem.Size) *kernel.Error {
	if k.stage != StageMemory {
		return ErrBootOrder
	}

	// The kernel keeps running from its image and keeps updating the
	// frame bitmap once paging is on.
	_, imageEnd := k.frames.KernelImage()
	_, storageEnd := k.frames.BitmapStorage()
	if reach := mem.Size(max(imageEnd, storageEnd)) << mem.PageShift; span < reach {
		kfmt.Printf("[kmain] identity span 0x%x does not reach the end of the kernel and frame bitmap at 0x%x\n", uint64(span), uint64(reach))
		return vmm.ErrSpanTooSmall
	}

	if err := vmm.EnableIdentityPaging(&k.addrSpace, AllocFrame, span); err != nil {
		return err
	}

	k.stage = StagePaging
	return nil
}

// StartTimer programs the system timer to fire hz times per second, routes
// its interrupt line to the timer and enables interrupts.
func (k *Kernel) StartTimer(hz uint32) *kernel.Error {
	if k.stage != StagePaging {
		return ErrBootOrder
	}

	if err := device.InitAll(nil, &k.timer); err != nil {
		return err
	}

	actual := k.timer.SetFrequency(hz)
	k.timer.SetTickFn(tick)
	if err := k.dispatcher.HandleIRQ(timerLine, &k.timer); err != nil {
		return err
	}
	if err := k.dispatcher.Unmask(timerLine); err != nil {
		return err
	}

	kfmt.Printf("[kmain] timer running at %d Hz\n", actual)

	k.stage = StageRunning
	enableInterruptsFn()
	return nil
}

// Idle waits for interrupts until Shutdown is called.
func (k *Kernel) Idle() {
	for k.stage == StageRunning {
		waitForInterruptFn()
	}
}

// Shutdown masks the timer line, disables interrupts and makes Idle return.
func (k *Kernel) Shutdown() {
	disableInterruptsFn()
	if k.stage == StageRunning {
		k.dispatcher.Mask(timerLine)
	}
	k.stage = StageHalted
}

// Ticks returns the number of timer interrupts serviced so far.
func (k *Kernel) Ticks() uint64 {
	return k.timer.Ticks()
}

// Uptime returns the number of whole seconds elapsed since the timer started.
func (k *Kernel) Uptime() uint64 {
	return k.uptime
}

// Dispatcher returns the interrupt dispatcher owned by the kernel.
func (k *Kernel) Dispatcher() *irq.Dispatcher {
	return &k.dispatcher
}

// AddressSpace returns the identity mapped address space.
func (k *Kernel) AddressSpace() *vmm.AddressSpace {
	return &k.addrSpace
}

// Frames returns the physical frame allocator.
func (k *Kernel) Frames() *allocator.BitmapAllocator {
	return &k.frames
}

// tick is invoked by the timer on every interrupt.
func tick(ticks uint64) {
	if owner == nil || ticks%uint64(owner.timer.Frequency()) != 0 {
		return
	}
	owner.uptime++
}

// AllocFrame reserves a physical frame from the allocator seeded by
// InitMemory.
func AllocFrame() (pmm.Frame, *kernel.Error) {
	if owner == nil {
		return pmm.InvalidFrame, ErrBootOrder
	}
	return owner.frames.AllocFrame()
}

// FreeFrame returns a frame obtained by AllocFrame to the allocator.
func FreeFrame(frame pmm.Frame) *kernel.Error {
	if owner == nil {
		return ErrBootOrder
	}
	return owner.frames.FreeFrame(frame)
}

// attachConsole initializes the text console reported by the boot loader
// and redirects kfmt output to it.
func attachConsole() {
	fbAddr := console.VgaTextAddr
	if fbInfo := multiboot.GetFramebufferInfo(); fbInfo != nil && fbInfo.Type == multiboot.FramebufferTypeEGA {
		fbAddr = uintptr(fbInfo.PhysAddr)
	}

	vgaText.Init(fbAddr)
	device.InitAll(nil, &vgaText)
	kfmt.SetOutputSink(&vgaText)
}

// Kmain is the only Go symbol that is visible (exported) from the rt0 initialization
// code. This function is invoked by the rt0 assembly code after setting up the GDT
// and setting up a a minimal g0 struct that allows Go code using the 4K stack
// allocated by the assembly code.
//
// The rt0 code passes the address of the multiboot info payload provided by the
// bootloader as well as the physical addresses for the kernel start/end.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)
	attachConsole()
	kfmt.Printf("[kmain] booted by %s\n", multiboot.BootLoaderName())

	regionCount := multiboot.Regions(regionBuf[:])

	var err *kernel.Error
	if err = device.InitAll(nil, &picCtrl); err != nil {
		kfmt.Panic(err)
	} else if err = kern.InstallInterrupts(&picCtrl); err != nil {
		kfmt.Panic(err)
	} else if err = kern.InitMemory(regionBuf[:regionCount], kernelStart, kernelEnd, allocator.MaxPhysicalMemory); err != nil {
		kfmt.Panic(err)
	} else if err = kern.EnablePaging(IdentitySpan); err != nil {
		kfmt.Panic(err)
	} else if err = kern.StartTimer(TimerHz); err != nil {
		kfmt.Panic(err)
	}

	kern.Idle()

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating kfmt.Panic as dead-code and eliminating it.
	kfmt.Panic(errKmainReturned)
}
