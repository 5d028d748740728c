// Package device defines the interface shared by the kernel's hardware
// drivers.
package device

import (
	"io"

	"protokern/kernel"
	"protokern/kernel/kfmt"
)

// Driver is an interface implemented by all drivers.
type Driver interface {
	// DriverName returns the name of the driver.
	DriverName() string

	// DriverVersion returns the driver version.
	DriverVersion() (major uint16, minor uint16, patch uint16)

	// DriverInit initializes the device driver. If the driver init code
	// needs to log some output, it can use the supplied io.Writer in
	// conjunction with a call to kfmt.Fprintf.
	DriverInit(io.Writer) *kernel.Error
}

// InitAll initializes each driver in order, logging their name and version
// to w. It stops at the first driver that fails to initialize and returns
// its error.
func InitAll(w io.Writer, drivers ...Driver) *kernel.Error {
	for _, drv := range drivers {
		major, minor, patch := drv.DriverVersion()
		kfmt.Fprintf(w, "[device] %s %d.%d.%d\n", drv.DriverName(), major, minor, patch)

		if err := drv.DriverInit(w); err != nil {
			kfmt.Fprintf(w, "[device] %s init failed: %s\n", drv.DriverName(), err)
			return err
		}
	}

	return nil
}
