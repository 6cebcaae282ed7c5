// Package hal probes the hardware the kernel depends on and wires the first
// discovered console into the logging path.
package hal

import (
	"io"
	"sort"

	"kestrel/device"
	"kestrel/device/uart"
	"kestrel/kernel/kfmt"
)

// managedDevices contains the devices discovered by the HAL.
type managedDevices struct {
	activeConsole io.Writer

	// activeDrivers tracks all initialized device drivers.
	activeDrivers []device.Driver
}

var devices managedDevices

func init() {
	for _, probe := range uart.HWProbes() {
		device.RegisterDriver(&device.DriverInfo{Order: device.DetectOrderEarly, Probe: probe})
	}
}

// DetectHardware probes for hardware devices and initializes the appropriate
// drivers.
func DetectHardware() {
	drivers := device.DriverList()
	sort.Sort(drivers)

	probe(drivers)
}

// probe executes the probe function for each driver and routes each
// successfully initialized console into the logging path.
func probe(driverInfoList device.DriverInfoList) {
	for _, info := range driverInfoList {
		drv := info.Probe()
		if drv == nil {
			continue
		}

		if err := drv.DriverInit(kfmt.GetOutputSink()); err != nil {
			kfmt.Error("[hal] %s: init failed: %s", drv.DriverName(), err.Message)
			continue
		}

		devices.activeDrivers = append(devices.activeDrivers, drv)
		if console, ok := drv.(io.Writer); ok {
			onConsoleInit(console)
		}

		major, minor, patch := drv.DriverVersion()
		kfmt.Info("[hal] %s(%d.%d.%d): initialized", drv.DriverName(), major, minor, patch)
	}
}

// onConsoleInit is invoked whenever a console-capable driver is initialized.
// The first one becomes the log sink; record prefixing and interrupt masking
// happen inside kfmt on the way to it.
func onConsoleInit(console io.Writer) {
	if devices.activeConsole != nil {
		return
	}

	devices.activeConsole = console
	kfmt.SetOutputSink(console)
}

// ActiveConsole returns the io.Writer log records are routed to, or nil when
// no console has been initialized yet.
func ActiveConsole() io.Writer {
	return devices.activeConsole
}
