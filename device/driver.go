package device

import (
	"io"

	"github.com/AbleOS/sovos/kernel"
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

// ProbeFn is a function that scans for the presence of a particular
// piece of hardware and returns a driver for it.
type ProbeFn func() Driver

// Probe runs each probe function in order and returns the first driver that
// is detected and initializes successfully. Initialization failures are
// reported to w.
func Probe(w io.Writer, probes []ProbeFn) Driver {
	for _, probeFn := range probes {
		drv := probeFn()
		if drv == nil {
			continue
		}

		if err := drv.DriverInit(w); err != nil {
			continue
		}

		return drv
	}

	return nil
}
