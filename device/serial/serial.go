// Package serial drives legacy 16550-compatible UARTs through port I/O.
package serial

import (
	"io"

	"github.com/AbleOS/sovos/device"
	"github.com/AbleOS/sovos/kernel"
	"github.com/AbleOS/sovos/kernel/cpu"
	"github.com/AbleOS/sovos/kernel/kfmt"
)

// Well-known base ports.
const (
	COM1 uint16 = 0x3f8
	COM2 uint16 = 0x2f8
)

// Register offsets from the base port.
const (
	regData        = 0 // DLAB=0
	regIntEnable   = 1 // DLAB=0
	regDivisorLo   = 0 // DLAB=1
	regDivisorHi   = 1 // DLAB=1
	regFIFOControl = 2
	regLineControl = 3
	regModemCtrl   = 4
	regLineStatus  = 5
	regScratch     = 7
)

const (
	lineControlDLAB = 0x80
	lineControl8N1  = 0x03
	fifoEnableClear = 0xc7
	modemLoopback   = 0x1e
	modemNormal     = 0x0f
	lineStatusTHRE  = 0x20

	// divisor for 115200 baud
	baudDivisor = 1

	loopbackProbe = 0xae
	scratchProbe  = 0x5a

	// maxTxSpins bounds the wait for the transmit register so that a dead
	// UART cannot stall the boot.
	maxTxSpins = 1 << 16
)

var (
	// The following functions are mocked by tests.
	portWriteByteFn = cpu.PortWriteByte
	portReadByteFn  = cpu.PortReadByte

	errLoopbackFailed = &kernel.Error{Module: "serial", Message: "UART loopback test failed"}
)

// Port is a 16550 UART at a fixed I/O port base.
type Port struct {
	Base uint16
}

// DriverName implements device.Driver.
func (p *Port) DriverName() string { return "serial_16550" }

// DriverVersion implements device.Driver.
func (p *Port) DriverVersion() (uint16, uint16, uint16) { return 0, 1, 0 }

// DriverInit programs the UART for 115200 8N1 with FIFOs enabled and checks
// that it echoes a byte in loopback mode.
func (p *Port) DriverInit(w io.Writer) *kernel.Error {
	p.out(regIntEnable, 0)
	p.out(regLineControl, lineControlDLAB)
	p.out(regDivisorLo, baudDivisor&0xff)
	p.out(regDivisorHi, baudDivisor>>8)
	p.out(regLineControl, lineControl8N1)
	p.out(regFIFOControl, fifoEnableClear)

	p.out(regModemCtrl, modemLoopback)
	p.out(regData, loopbackProbe)
	if p.in(regData) != loopbackProbe {
		return errLoopbackFailed
	}
	p.out(regModemCtrl, modemNormal)

	kfmt.Fprintf(w, "[serial] UART at port 0x%x: 115200 8N1\n", p.Base)
	return nil
}

// Write implements io.Writer. Line feeds are expanded to CR LF. Bytes are
// dropped if the transmitter never becomes ready.
func (p *Port) Write(b []byte) (int, error) {
	for _, ch := range b {
		if ch == '\n' {
			p.writeByte('\r')
		}
		p.writeByte(ch)
	}
	return len(b), nil
}

func (p *Port) writeByte(ch byte) {
	for spins := 0; p.in(regLineStatus)&lineStatusTHRE == 0; spins++ {
		if spins == maxTxSpins {
			return
		}
	}
	p.out(regData, ch)
}

func (p *Port) out(reg uint16, v uint8) { portWriteByteFn(p.Base+reg, v) }

func (p *Port) in(reg uint16) uint8 { return portReadByteFn(p.Base + reg) }

// present checks for a UART by round-tripping a value through the scratch
// register.
func present(base uint16) bool {
	portWriteByteFn(base+regScratch, scratchProbe)
	return portReadByteFn(base+regScratch) == scratchProbe
}

// ProbeAt returns a probe function for a UART at the given base port.
func ProbeAt(base uint16) device.ProbeFn {
	return func() device.Driver {
		if !present(base) {
			return nil
		}
		return &Port{Base: base}
	}
}

// HWProbes returns the probe functions for the standard COM ports.
func HWProbes() []device.ProbeFn {
	return []device.ProbeFn{
		ProbeAt(COM1),
		ProbeAt(COM2),
	}
}
