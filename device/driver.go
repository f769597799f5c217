package device

import (
	"io"

	"github.com/shiiinji/wasabi/kernel"
	"github.com/shiiinji/wasabi/kernel/config"
)

// Driver is an interface implemented by all drivers.
type Driver interface {
	// DriverName returns the name of the driver.
	DriverName() string

	// DriverVersion returns the driver version.
	DriverVersion() (major uint16, minor uint16, patch uint16)

	// DriverInit initializes the device driver. If the driver init code
	// needs to log some output, it can use the supplied io.Writer in
	// conjunction with a call to kfmt.Fprint.
	DriverInit(io.Writer) *kernel.Error
}

// ProbeFn is a function that scans for the presence of a particular
// piece of hardware and returns a driver for it. The hosted machine is
// described by the boot configuration, so probe functions receive it.
type ProbeFn func(cfg *config.Config) Driver

// DetectOrder specifies when each driver's probe function will be invoked
// by the hal package.
type DetectOrder int8

const (
	// DetectOrderEarly specifies that the driver's probe function should
	// be executed at the beginning of the HW detection phase.
	DetectOrderEarly DetectOrder = -128

	// DetectOrderClock specifies that the driver's probe function should
	// be executed once the early drivers have been probed. Timer drivers
	// use this order.
	DetectOrderClock DetectOrder = -64

	// DetectOrderNIC specifies that the driver's probe function should be
	// executed after the clock sources have been probed.
	DetectOrderNIC DetectOrder = 0

	// DetectOrderLast specifies that the driver's probe function should
	// be executed at the end of the HW detection phase.
	DetectOrderLast DetectOrder = 127
)

// DriverInfo is used to register a driver with the device package.
type DriverInfo struct {
	// Order specifies at which stage of the HW detection step should
	// the probe function be invoked.
	Order DetectOrder

	// Probe is a function that checks for the presence of a particular
	// piece of hardware and returns back a driver for it.
	Probe ProbeFn
}

// DriverInfoList is a list of registered drivers that implements
// sort.Interface.
type DriverInfoList []*DriverInfo

// Len returns the length of the driver info list.
func (l DriverInfoList) Len() int { return len(l) }

// Swap exchanges 2 elements in the driver info list.
func (l DriverInfoList) Swap(i, j int) { l[i], l[j] = l[j], l[i] }

// Less compares 2 elements of the driver info list.
func (l DriverInfoList) Less(i, j int) bool { return l[i].Order < l[j].Order }

var (
	// registeredDrivers tracks the drivers registered via a call to
	// RegisterDriver.
	registeredDrivers DriverInfoList
)

// RegisterDriver adds the supplied driver info object to the list of
// registered drivers. The list can be retrieved by a call to DriverList.
func RegisterDriver(info *DriverInfo) {
	registeredDrivers = append(registeredDrivers, info)
}

// DriverList returns the list of registered drivers.
func DriverList() DriverInfoList {
	return registeredDrivers
}
