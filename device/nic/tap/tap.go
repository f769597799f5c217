// Package tap drives a host TAP interface as the NIC of the machine.
//
// Frames travel through two descriptor rings. A receive goroutine reads
// frames from the TAP file descriptor into the receive ring and raises the
// device interrupt; a transmit goroutine drains the transmit ring into the
// descriptor. The stack only ever touches the rings.
package tap

import (
	"io"
	"sync/atomic"
	"time"

	"github.com/shiiinji/wasabi/device"
	"github.com/shiiinji/wasabi/kernel"
	"github.com/shiiinji/wasabi/kernel/config"
	"github.com/shiiinji/wasabi/kernel/kfmt"
	"github.com/shiiinji/wasabi/kernel/net"
	"github.com/shiiinji/wasabi/kernel/net/netdev"
	"github.com/shiiinji/wasabi/kernel/sync"
)

// pollInterval bounds how long the receive goroutine waits for a frame
// before it checks whether the device was closed.
const pollInterval = 100 * time.Millisecond

var (
	errNotOpen    = &kernel.Error{Module: "tap", Message: "device is not open"}
	errReadFailed = &kernel.Error{Module: "tap", Message: "read from TAP descriptor failed"}
)

// The following functions are implemented per host OS and mocked by tests.
var (
	// openFn attaches to the named TAP interface and returns its
	// descriptor.
	openFn func(name string) (int, *kernel.Error)

	// readFn reads one frame. It returns 0 if no frame arrived within
	// pollInterval.
	readFn func(fd int, buf []byte) (int, *kernel.Error)

	// writeFn writes one frame. It returns netdev.ErrTxRingFull if the
	// host queue is full.
	writeFn func(fd int, frame []byte) *kernel.Error

	closeFn func(fd int)
)

// Device is a TAP-backed NIC.
type Device struct {
	name string
	mac  net.HardwareAddr
	mtu  int
	fd   int

	rx *netdev.Ring
	tx *netdev.Ring

	lock       sync.Spinlock
	irqHandler func()
	txKick     chan struct{}
	stop       chan struct{}
	done       chan struct{}

	rxFrames  uint64
	rxDropped uint64
	txFrames  uint64
	txErrors  uint64
}

// New returns a device bound to the named TAP interface. The interface is
// opened by DriverInit.
func New(name string, mac net.HardwareAddr, rxRing, txRing int) *Device {
	return &Device{
		name:   name,
		mac:    mac,
		mtu:    netdev.DefaultMTU,
		fd:     -1,
		rx:     netdev.NewRing(rxRing),
		tx:     netdev.NewRing(txRing),
		txKick: make(chan struct{}, 1),
	}
}

// Send implements netdev.Device.
func (d *Device) Send(frame []byte) *kernel.Error {
	if len(frame) > d.mtu+14 {
		return netdev.ErrFrameTooLarge
	}
	if d.stop == nil {
		return errNotOpen
	}

	if !d.tx.Push(frame) {
		return netdev.ErrTxRingFull
	}

	select {
	case d.txKick <- struct{}{}:
	default:
	}
	return nil
}

// PollReceive implements netdev.Device.
func (d *Device) PollReceive() ([]byte, bool) {
	return d.rx.Pop()
}

// HardwareAddr implements netdev.Device.
func (d *Device) HardwareAddr() net.HardwareAddr {
	return d.mac
}

// MTU implements netdev.Device.
func (d *Device) MTU() int {
	return d.mtu
}

// SetInterruptHandler implements netdev.Device.
func (d *Device) SetInterruptHandler(fn func()) {
	d.lock.Acquire()
	d.irqHandler = fn
	d.lock.Release()
}

// RxFrames returns the number of frames placed into the receive ring.
func (d *Device) RxFrames() uint64 {
	return atomic.LoadUint64(&d.rxFrames)
}

// RxDropped returns the number of frames dropped because the receive ring
// was full.
func (d *Device) RxDropped() uint64 {
	return atomic.LoadUint64(&d.rxDropped)
}

// TxFrames returns the number of frames written to the TAP interface.
func (d *Device) TxFrames() uint64 {
	return atomic.LoadUint64(&d.txFrames)
}

// DriverName implements device.Driver.
func (d *Device) DriverName() string {
	return "tap"
}

// DriverVersion implements device.Driver.
func (d *Device) DriverVersion() (uint16, uint16, uint16) {
	return 0, 1, 0
}

// DriverInit implements device.Driver. It attaches to the TAP interface and
// starts the ring goroutines.
func (d *Device) DriverInit(w io.Writer) *kernel.Error {
	fd, err := openFn(d.name)
	if err != nil {
		return err
	}

	d.fd = fd
	d.stop, d.done = make(chan struct{}), make(chan struct{}, 2)
	go d.receive()
	go d.transmit()

	kfmt.Fprintf(w, "%s mac %s, mtu %d, rings %d/%d\n", d.name, d.mac.String(), d.mtu, d.rx.Cap(), d.tx.Cap())
	return nil
}

// Close stops the ring goroutines and releases the TAP descriptor. The
// device can not send frames once closed. Closing a closed device is a
// no-op.
func (d *Device) Close() {
	if d.stop == nil {
		return
	}

	close(d.stop)
	<-d.done
	<-d.done
	d.stop, d.done = nil, nil

	closeFn(d.fd)
	d.fd = -1
}

func (d *Device) receive() {
	defer func() { d.done <- struct{}{} }()

	buf := make([]byte, d.mtu+14)
	for {
		select {
		case <-d.stop:
			return
		default:
		}

		n, err := readFn(d.fd, buf)
		if err != nil {
			kfmt.Fprintf(logWriter(), "%s: %s\n", d.name, err.Message)
			return
		}
		if n == 0 {
			continue
		}

		frame := make([]byte, n)
		copy(frame, buf[:n])
		if !d.rx.Push(frame) {
			atomic.AddUint64(&d.rxDropped, 1)
			continue
		}
		atomic.AddUint64(&d.rxFrames, 1)

		d.lock.Acquire()
		handler := d.irqHandler
		d.lock.Release()
		if handler != nil {
			handler()
		}
	}
}

func (d *Device) transmit() {
	defer func() { d.done <- struct{}{} }()

	for {
		select {
		case <-d.stop:
			return
		case <-d.txKick:
		}

		for {
			frame, ok := d.tx.Pop()
			if !ok {
				break
			}

			if err := writeFn(d.fd, frame); err != nil {
				atomic.AddUint64(&d.txErrors, 1)
				continue
			}
			atomic.AddUint64(&d.txFrames, 1)
		}
	}
}

func logWriter() *kfmt.PrefixWriter {
	return kfmt.NewPrefixWriter("tap")
}

func probeForTap(cfg *config.Config) device.Driver {
	if cfg.NIC.Driver != config.NICDriverTap {
		return nil
	}

	mac, err := cfg.HardwareAddr()
	if err != nil {
		return nil
	}

	return New(cfg.NIC.Device, mac, cfg.NIC.RxRing, cfg.NIC.TxRing)
}

func init() {
	device.RegisterDriver(&device.DriverInfo{
		Order: device.DetectOrderNIC,
		Probe: probeForTap,
	})
}
