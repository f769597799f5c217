// Package timer provides the periodic interval timer of the hosted machine.
// The timer runs on its own goroutine and latches IRQ 0 once per period.
package timer

import (
	"io"
	"sync/atomic"
	"time"

	"github.com/shiiinji/wasabi/device"
	"github.com/shiiinji/wasabi/kernel"
	"github.com/shiiinji/wasabi/kernel/config"
	"github.com/shiiinji/wasabi/kernel/cpu"
	"github.com/shiiinji/wasabi/kernel/gate"
	"github.com/shiiinji/wasabi/kernel/kfmt"
	"github.com/shiiinji/wasabi/kernel/sync"
)

// MaxFrequency is the highest supported tick rate.
const MaxFrequency = 10000

// irqLine is the interrupt controller line of the timer.
const irqLine = uint8(gate.TimerIRQ - gate.IRQBase)

var errBadFrequency = &kernel.Error{Module: "timer", Message: "timer frequency must be between 1 and 10000 Hz"}

// Device is a programmable interval timer.
type Device struct {
	hz    uint32
	ticks uint64

	lock sync.Spinlock
	stop chan struct{}
	done chan struct{}

	raiseFn func(line uint8)
}

// New returns a timer that fires hz times per second once started.
func New(hz uint32) *Device {
	return &Device{hz: hz, raiseFn: cpu.RaiseIRQ}
}

// Frequency returns the configured tick rate.
func (d *Device) Frequency() uint32 {
	return d.hz
}

// Period returns the time between two ticks.
func (d *Device) Period() time.Duration {
	return time.Second / time.Duration(d.hz)
}

// Start begins raising IRQ 0. Calling Start on a running timer has no
// effect.
func (d *Device) Start() {
	d.lock.Acquire()
	defer d.lock.Release()

	if d.stop != nil {
		return
	}

	d.stop, d.done = make(chan struct{}), make(chan struct{})
	go d.run(d.stop, d.done)
}

// Stop halts the timer and waits for its goroutine to exit.
func (d *Device) Stop() {
	d.lock.Acquire()
	stop, done := d.stop, d.done
	d.stop, d.done = nil, nil
	d.lock.Release()

	if stop == nil {
		return
	}

	close(stop)
	<-done
}

// Ticks returns the number of IRQs raised so far.
func (d *Device) Ticks() uint64 {
	return atomic.LoadUint64(&d.ticks)
}

func (d *Device) run(stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(d.Period())
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			atomic.AddUint64(&d.ticks, 1)
			d.raiseFn(irqLine)
		}
	}
}

// DriverName implements device.Driver.
func (d *Device) DriverName() string {
	return "pit"
}

// DriverVersion implements device.Driver.
func (d *Device) DriverVersion() (uint16, uint16, uint16) {
	return 0, 1, 0
}

// DriverInit implements device.Driver. The timer does not fire until
// Start is called.
func (d *Device) DriverInit(w io.Writer) *kernel.Error {
	if d.hz == 0 || d.hz > MaxFrequency {
		return errBadFrequency
	}

	kfmt.Fprintf(w, "%d Hz on irq %d\n", d.hz, irqLine)
	return nil
}

func probeForTimer(cfg *config.Config) device.Driver {
	return New(cfg.Timer.FrequencyHz)
}

func init() {
	device.RegisterDriver(&device.DriverInfo{
		Order: device.DetectOrderClock,
		Probe: probeForTimer,
	})
}
