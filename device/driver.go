// Package device defines the driver model used by the kernel's hardware
// abstraction layer.
package device

import (
	"io"

	"kestrel/kernel"
)

// Driver is an interface implemented by all drivers.
type Driver interface {
	// DriverName returns the name of the driver.
	DriverName() string

	// DriverVersion returns the driver version.
	DriverVersion() (major uint16, minor uint16, patch uint16)

	// DriverInit initializes the device driver. Diagnostic output should
	// be written to w.
	DriverInit(w io.Writer) *kernel.Error
}

// ProbeFn checks for the presence of a particular piece of hardware and
// returns a Driver for it, or nil when the hardware is absent.
type ProbeFn func() Driver

// DetectOrder controls the order in which the HAL invokes driver probes.
type DetectOrder int

const (
	// DetectOrderEarly drivers are probed before anything else. The
	// serial console belongs here so diagnostics reach the operator as
	// soon as possible.
	DetectOrderEarly DetectOrder = -128

	// DetectOrderBeforeACPI drivers are probed before ACPI enumeration.
	DetectOrderBeforeACPI DetectOrder = -64

	// DetectOrderACPI is the default probe order.
	DetectOrderACPI DetectOrder = 0

	// DetectOrderLast drivers are probed after everything else.
	DetectOrderLast DetectOrder = 127
)

// DriverInfo describes a driver probe and the order it should run at.
type DriverInfo struct {
	Order DetectOrder
	Probe ProbeFn
}

// DriverInfoList is a sortable list of DriverInfo entries.
type DriverInfoList []*DriverInfo

// Len returns the number of entries in the list.
func (l DriverInfoList) Len() int { return len(l) }

// Swap exchanges two list entries.
func (l DriverInfoList) Swap(i, j int) { l[i], l[j] = l[j], l[i] }

// Less reports whether entry i should be probed before entry j.
func (l DriverInfoList) Less(i, j int) bool { return l[i].Order < l[j].Order }

var registeredDrivers DriverInfoList

// RegisterDriver adds info to the list of drivers probed by the HAL.
func RegisterDriver(info *DriverInfo) {
	registeredDrivers = append(registeredDrivers, info)
}

// DriverList returns the list of registered drivers.
func DriverList() DriverInfoList {
	return registeredDrivers
}
