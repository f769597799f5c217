// Package pipe provides an in-memory NIC. Devices are created in pairs and
// every frame sent by one end is placed into the receive ring of the other.
package pipe

import (
	"io"

	"github.com/shiiinji/wasabi/device"
	"github.com/shiiinji/wasabi/kernel"
	"github.com/shiiinji/wasabi/kernel/config"
	"github.com/shiiinji/wasabi/kernel/kfmt"
	"github.com/shiiinji/wasabi/kernel/net"
	"github.com/shiiinji/wasabi/kernel/net/netdev"
)

// WireHook inspects frames while they cross the wire. It may modify the
// frame in place; returning false drops it.
type WireHook func(frame []byte) bool

// Device is one end of a pipe.
type Device struct {
	mac  net.HardwareAddr
	mtu  int
	rx   *netdev.Ring
	peer *Device

	irqHandler func()
	wireHook   WireHook

	txFrames  uint64
	txDropped uint64
}

// NewPair returns two connected devices. Each end has a receive ring with
// room for ringSize frames.
func NewPair(macA, macB net.HardwareAddr, ringSize int) (*Device, *Device) {
	a := &Device{mac: macA, mtu: netdev.DefaultMTU, rx: netdev.NewRing(ringSize)}
	b := &Device{mac: macB, mtu: netdev.DefaultMTU, rx: netdev.NewRing(ringSize)}
	a.peer, b.peer = b, a
	return a, b
}

// Peer returns the other end of the pipe.
func (d *Device) Peer() *Device {
	return d.peer
}

// SetWireHook installs a hook that sees every frame sent by this end.
func (d *Device) SetWireHook(hook WireHook) {
	d.wireHook = hook
}

// Send implements netdev.Device.
func (d *Device) Send(frame []byte) *kernel.Error {
	if len(frame) > d.mtu+14 {
		return netdev.ErrFrameTooLarge
	}

	if d.wireHook != nil && !d.wireHook(frame) {
		d.txDropped++
		return nil
	}

	if !d.peer.rx.Push(frame) {
		return netdev.ErrTxRingFull
	}

	d.txFrames++
	if d.peer.irqHandler != nil {
		d.peer.irqHandler()
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
	d.irqHandler = fn
}

// TxFrames returns the number of frames delivered to the peer.
func (d *Device) TxFrames() uint64 {
	return d.txFrames
}

// TxDropped returns the number of frames dropped by the wire hook.
func (d *Device) TxDropped() uint64 {
	return d.txDropped
}

// DriverName implements device.Driver.
func (d *Device) DriverName() string {
	return "pipe"
}

// DriverVersion implements device.Driver.
func (d *Device) DriverVersion() (uint16, uint16, uint16) {
	return 0, 1, 0
}

// DriverInit implements device.Driver.
func (d *Device) DriverInit(w io.Writer) *kernel.Error {
	kfmt.Fprintf(w, "mac %s, peer %s, mtu %d\n", d.mac.String(), d.peer.mac.String(), d.mtu)
	return nil
}

// peerHardwareAddr is the MAC address of the far end of a probed pipe.
var peerHardwareAddr = net.HardwareAddr{0x52, 0x55, 0x0a, 0x00, 0x02, 0x02}

func probeForPipe(cfg *config.Config) device.Driver {
	if cfg.NIC.Driver != config.NICDriverPipe {
		return nil
	}

	mac, err := cfg.HardwareAddr()
	if err != nil {
		return nil
	}

	local, _ := NewPair(mac, peerHardwareAddr, cfg.NIC.RxRing)
	return local
}

func init() {
	device.RegisterDriver(&device.DriverInfo{
		Order: device.DetectOrderNIC,
		Probe: probeForPipe,
	})
}
