// Package pit drives channel 0 of the 8254 programmable interval timer.
package pit

import (
	"io"

	"protokern/kernel"
	"protokern/kernel/cpu"
	"protokern/kernel/kfmt"
	"protokern/kernel/sync"
)

const (
	// BaseFrequency is the input clock of the timer in Hz.
	BaseFrequency = 1193182

	// MaxDivisor is the largest reload value accepted by SetFrequency.
	MaxDivisor = 65535

	channel0Port = 0x40
	commandPort  = 0x43

	// Channel 0, lobyte/hibyte access, mode 3 (square wave), binary.
	cmdChannel0SquareWave = 0x36
)

var (
	// portWriteByteFn is mocked by tests and is automatically inlined by
	// the compiler.
	portWriteByteFn = cpu.PortWriteByte
)

// TickFn is invoked on every timer interrupt with the updated tick count.
type TickFn func(ticks uint64)

// Timer counts the interrupts raised by channel 0. It implements the
// irq.Handler interface so it can be registered for IRQ line 0.
type Timer struct {
	divisor uint16
	ticks   uint64
	onTick  TickFn
	guard   sync.IRQGuard
}

// SetFrequency programs channel 0 to fire at approximately hz interrupts per
// second and returns the actual frequency. The reload divisor is clamped to
// [1, MaxDivisor]; a zero hz selects the slowest rate.
func (t *Timer) SetFrequency(hz uint32) uint32 {
	divisor := uint32(MaxDivisor)
	if hz != 0 {
		divisor = BaseFrequency / hz
	}

	switch {
	case divisor < 1:
		divisor = 1
	case divisor > MaxDivisor:
		divisor = MaxDivisor
	}

	t.divisor = uint16(divisor)
	portWriteByteFn(commandPort, cmdChannel0SquareWave)
	portWriteByteFn(channel0Port, uint8(divisor))
	portWriteByteFn(channel0Port, uint8(divisor>>8))

	return t.Frequency()
}

// Frequency returns the programmed interrupt rate in Hz or 0 if
// SetFrequency has not been called.
func (t *Timer) Frequency() uint32 {
	if t.divisor == 0 {
		return 0
	}
	return BaseFrequency / uint32(t.divisor)
}

// Divisor returns the programmed reload value.
func (t *Timer) Divisor() uint16 {
	return t.divisor
}

// SetTickFn registers fn to be called after every tick. Passing nil removes
// the callback.
func (t *Timer) SetTickFn(fn TickFn) {
	t.onTick = fn
}

// Tick increments the tick counter and invokes the registered callback.
func (t *Timer) Tick() {
	t.ticks++
	if t.onTick != nil {
		t.onTick(t.ticks)
	}
}

// HandleIRQ implements irq.Handler.
func (t *Timer) HandleIRQ() {
	t.Tick()
}

// Ticks returns the number of ticks counted so far. The counter is read with
// interrupts disabled as 64-bit loads are not atomic on i386.
func (t *Timer) Ticks() uint64 {
	t.guard.Acquire()
	ticks := t.ticks
	t.guard.Release()
	return ticks
}

// DriverName returns the name of this driver.
func (t *Timer) DriverName() string {
	return "pit8254"
}

// DriverVersion returns the version of this driver.
func (t *Timer) DriverVersion() (uint16, uint16, uint16) {
	return 0, 0, 1
}

// DriverInit resets the tick counter.
func (t *Timer) DriverInit(w io.Writer) *kernel.Error {
	t.ticks = 0
	kfmt.Fprintf(w, "[pit] base frequency %d Hz\n", uint32(BaseFrequency))
	return nil
}
