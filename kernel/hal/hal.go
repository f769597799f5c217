// Package hal detects the devices of the machine and keeps track of the
// drivers that were successfully initialized.
package hal

import (
	"bytes"
	"sort"

	"github.com/shiiinji/wasabi/device"
	"github.com/shiiinji/wasabi/kernel/config"
	"github.com/shiiinji/wasabi/kernel/kfmt"
	"github.com/shiiinji/wasabi/kernel/net/netdev"
)

// Timer is implemented by drivers that provide the periodic tick.
type Timer interface {
	device.Driver

	// Frequency returns the tick rate in Hz.
	Frequency() uint32

	// Start begins raising the timer IRQ.
	Start()

	// Stop halts the timer.
	Stop()
}

// closer is implemented by drivers that hold host resources.
type closer interface {
	Close()
}

// managedDevices contains the devices discovered by the HAL.
type managedDevices struct {
	activeNIC   netdev.Device
	activeTimer Timer

	// activeDrivers tracks all initialized device drivers.
	activeDrivers []device.Driver
}

var (
	devices managedDevices
	strBuf  bytes.Buffer
)

// ActiveNIC returns the network device selected at boot or nil if no NIC
// was detected.
func ActiveNIC() netdev.Device {
	return devices.activeNIC
}

// ActiveTimer returns the timer selected at boot or nil if no timer was
// detected.
func ActiveTimer() Timer {
	return devices.activeTimer
}

// ActiveDrivers returns the initialized drivers in detection order.
func ActiveDrivers() []device.Driver {
	return devices.activeDrivers
}

// DetectHardware probes for hardware devices and initializes the appropriate
// drivers.
func DetectHardware(cfg *config.Config) {
	// Get driver list and sort by detection priority
	drivers := device.DriverList()
	sort.Sort(drivers)

	probe(drivers, cfg)
}

// Shutdown stops the active timer and releases the host resources held by
// the active drivers in reverse detection order.
func Shutdown() {
	if devices.activeTimer != nil {
		devices.activeTimer.Stop()
	}

	for i := len(devices.activeDrivers) - 1; i >= 0; i-- {
		if c, ok := devices.activeDrivers[i].(closer); ok {
			c.Close()
		}
	}

	devices = managedDevices{}
}

// probe executes the probe function for each driver and invokes
// onDriverInit for each successfully initialized driver.
func probe(driverInfoList device.DriverInfoList, cfg *config.Config) {
	var w = kfmt.PrefixWriter{Sink: kfmt.Output()}

	for _, info := range driverInfoList {
		drv := info.Probe(cfg)
		if drv == nil {
			continue
		}

		strBuf.Reset()
		major, minor, patch := drv.DriverVersion()
		kfmt.Fprintf(&strBuf, "[hal] %s(%d.%d.%d): ", drv.DriverName(), major, minor, patch)
		w.Prefix = strBuf.Bytes()

		if err := drv.DriverInit(&w); err != nil {
			kfmt.Fprintf(&w, "init failed: %s\n", err.Message)
			continue
		}

		kfmt.Fprintf(&w, "initialized\n")
		onDriverInit(drv)
		devices.activeDrivers = append(devices.activeDrivers, drv)
	}
}

// onDriverInit is invoked by probe() whenever a piece of hardware is detected
// and successfully initialized. The first NIC and the first timer become the
// active ones.
func onDriverInit(drv device.Driver) {
	switch drvImpl := drv.(type) {
	case netdev.Device:
		if devices.activeNIC == nil {
			devices.activeNIC = drvImpl
		}
	case Timer:
		if devices.activeTimer == nil {
			devices.activeTimer = drvImpl
		}
	}
}
