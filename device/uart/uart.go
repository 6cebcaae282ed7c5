// Package uart drives the 16550-compatible serial port the kernel logs to.
package uart

import (
	"io"

	"kestrel/device"
	"kestrel/kernel"
	"kestrel/kernel/cpu"
)

// COM1 is the I/O port base of the first serial port.
const COM1 = uint16(0x3f8)

// Register offsets from the port base.
const (
	regData         = 0 // read/write data, divisor low byte while DLAB is set
	regInterruptEna = 1 // interrupt enable, divisor high byte while DLAB is set
	regFIFOControl  = 2
	regLineControl  = 3
	regModemControl = 4
	regLineStatus   = 5
)

const (
	lineControlDLAB = 0x80
	lineControl8N1  = 0x03

	// divisor38400 programs the 115200 baud clock down to 38400 baud.
	divisor38400 = 3

	// fifoEnableAndClear enables the FIFOs, clears them and sets a
	// 14-byte receive trigger level.
	fifoEnableAndClear = 0xc7

	// modemLoopback puts the UART into loopback mode for the self test.
	modemLoopback = 0x1e

	// modemReady is the normal operation mode: DTR|RTS|OUT1|OUT2.
	modemReady = 0x0f

	// lineStatusTxEmpty is set when the transmit holding register can
	// accept another byte.
	lineStatusTxEmpty = 0x20
)

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	portWriteFn = cpu.PortWriteByte
	portReadFn  = cpu.PortReadByte
)

// Device drives one serial port.
type Device struct {
	port uint16
}

// DriverName returns the name of the driver.
func (dev *Device) DriverName() string { return "uart" }

// DriverVersion returns the driver version.
func (dev *Device) DriverVersion() (uint16, uint16, uint16) { return 0, 1, 0 }

// DriverInit programs the UART to 38400 baud, 8 data bits, no parity, one
// stop bit, with FIFOs enabled. A loopback self test verifies the transmit
// path before the port switches to normal operation.
func (dev *Device) DriverInit(_ io.Writer) *kernel.Error {
	// Mask UART interrupts; the kernel polls the line status instead.
	portWriteFn(dev.port+regInterruptEna, 0x00)

	// Program the divisor with DLAB set, then lock in 8N1 framing.
	portWriteFn(dev.port+regLineControl, lineControlDLAB)
	portWriteFn(dev.port+regData, divisor38400)
	portWriteFn(dev.port+regInterruptEna, 0x00)
	portWriteFn(dev.port+regLineControl, lineControl8N1)

	portWriteFn(dev.port+regFIFOControl, fifoEnableAndClear)

	// Round-trip one byte in loopback mode to catch a dead port, then
	// leave loopback off for normal operation.
	portWriteFn(dev.port+regModemControl, modemLoopback)
	portWriteFn(dev.port+regData, 0xae)
	if got := portReadFn(dev.port + regData); got != 0xae {
		return errSelfTestFailed
	}

	portWriteFn(dev.port+regModemControl, modemReady)
	return nil
}

var errSelfTestFailed = &kernel.Error{Module: "uart", Message: "loopback self test failed"}

// Write sends p out the serial port, blocking on the transmit holding
// register between bytes. It never fails; the returned error is always nil.
func (dev *Device) Write(p []byte) (int, error) {
	for _, b := range p {
		for portReadFn(dev.port+regLineStatus)&lineStatusTxEmpty == 0 {
		}
		portWriteFn(dev.port+regData, b)
	}
	return len(p), nil
}

// probeForCOM1 returns a driver for the first serial port. The port is
// assumed present; a broken transmit path is caught by the DriverInit self
// test.
func probeForCOM1() device.Driver {
	return &Device{port: COM1}
}

// HWProbes returns the probe functions exported by this package.
func HWProbes() []device.ProbeFn {
	return []device.ProbeFn{probeForCOM1}
}
