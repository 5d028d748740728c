// Package pic drives the pair of cascaded 8259A programmable interrupt
// controllers found on PC compatible machines.
package pic

import (
	"io"

	"protokern/kernel"
	"protokern/kernel/cpu"
	"protokern/kernel/kfmt"
)

const (
	masterCmdPort  = 0x20
	masterDataPort = 0x21
	slaveCmdPort   = 0xa0
	slaveDataPort  = 0xa1

	// ioWaitPort is an unused port; writing to it gives the controllers
	// time to settle between initialization words.
	ioWaitPort = 0x80

	icw1Init     = 0x10
	icw1NeedICW4 = 0x01
	icw4Mode8086 = 0x01

	ocw2EOI     = 0x20
	ocw3ReadISR = 0x0b

	// cascadeLine is the master line that the slave controller is wired to.
	cascadeLine = 2

	linesPerChip = 8

	// Lines is the number of lines served by both controllers.
	Lines = 2 * linesPerChip
)

var (
	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	portWriteByteFn = cpu.PortWriteByte
	portReadByteFn  = cpu.PortReadByte
)

// Controller drives the master and slave 8259A controllers.
type Controller struct {
	base uint8

	// spurious counts interrupts on lines 7 and 15 that were not
	// acknowledged because the in-service bit was clear.
	spurious uint32
}

// Remap reprograms both controllers so that master lines start at vector
// base and slave lines at base+8 and then masks every line.
func (c *Controller) Remap(base uint8) {
	c.base = base

	portWriteByteFn(masterCmdPort, icw1Init|icw1NeedICW4)
	ioWait()
	portWriteByteFn(slaveCmdPort, icw1Init|icw1NeedICW4)
	ioWait()

	// ICW2: vector offsets
	portWriteByteFn(masterDataPort, base)
	ioWait()
	portWriteByteFn(slaveDataPort, base+linesPerChip)
	ioWait()

	// ICW3: the master learns which line the slave is cascaded to while
	// the slave learns its cascade identity.
	portWriteByteFn(masterDataPort, 1<<cascadeLine)
	ioWait()
	portWriteByteFn(slaveDataPort, cascadeLine)
	ioWait()

	// ICW4
	portWriteByteFn(masterDataPort, icw4Mode8086)
	ioWait()
	portWriteByteFn(slaveDataPort, icw4Mode8086)
	ioWait()

	portWriteByteFn(masterDataPort, 0xff)
	portWriteByteFn(slaveDataPort, 0xff)
}

// Acknowledge sends an end of interrupt signal for line. Lines served by the
// slave controller require an EOI to both controllers. Spurious interrupts on
// lines 7 and 15 are detected by reading the in-service register; these must
// not be acknowledged by the controller that raised them.
func (c *Controller) Acknowledge(line uint8) {
	switch line {
	case 7:
		if !c.inService(masterCmdPort, 7) {
			c.spurious++
			return
		}
	case 15:
		if !c.inService(slaveCmdPort, 7) {
			// The master still saw a real interrupt on the cascade line.
			c.spurious++
			portWriteByteFn(masterCmdPort, ocw2EOI)
			return
		}
	}

	if line >= linesPerChip {
		portWriteByteFn(slaveCmdPort, ocw2EOI)
	}
	portWriteByteFn(masterCmdPort, ocw2EOI)
}

// Mask prevents the controller from raising interrupts for line.
func (c *Controller) Mask(line uint8) {
	port, bit := lineToPort(line)
	portWriteByteFn(port, portReadByteFn(port)|1<<bit)
}

// Unmask allows the controller to raise interrupts for line. Unmasking a
// slave line also unmasks the cascade line on the master.
func (c *Controller) Unmask(line uint8) {
	port, bit := lineToPort(line)
	portWriteByteFn(port, portReadByteFn(port)&^(1<<bit))

	if line >= linesPerChip {
		portWriteByteFn(masterDataPort, portReadByteFn(masterDataPort)&^(1<<cascadeLine))
	}
}

// Spurious returns the number of spurious interrupts detected so far.
func (c *Controller) Spurious() uint32 {
	return c.spurious
}

func (c *Controller) inService(cmdPort uint16, bit uint8) bool {
	portWriteByteFn(cmdPort, ocw3ReadISR)
	return portReadByteFn(cmdPort)&(1<<bit) != 0
}

func lineToPort(line uint8) (uint16, uint8) {
	if line >= linesPerChip {
		return slaveDataPort, (line - linesPerChip) % linesPerChip
	}
	return masterDataPort, line
}

func ioWait() {
	portWriteByteFn(ioWaitPort, 0)
}

// DriverName returns the name of this driver.
func (c *Controller) DriverName() string {
	return "pic8259"
}

// DriverVersion returns the version of this driver.
func (c *Controller) DriverVersion() (uint16, uint16, uint16) {
	return 0, 0, 1
}

// DriverInit masks every line until the controllers are remapped.
func (c *Controller) DriverInit(w io.Writer) *kernel.Error {
	portWriteByteFn(masterDataPort, 0xff)
	portWriteByteFn(slaveDataPort, 0xff)
	kfmt.Fprintf(w, "[pic] masked all %d lines\n", Lines)
	return nil
}
