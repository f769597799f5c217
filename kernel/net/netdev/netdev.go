// Package netdev defines the contract between the network stack and NIC
// drivers.
package netdev

import (
	"github.com/shiiinji/wasabi/kernel"
	"github.com/shiiinji/wasabi/kernel/net"
)

// DefaultMTU is the largest Ethernet payload accepted by the stack.
const DefaultMTU = 1500

var (
	// ErrTxRingFull is returned by Send when the transmit ring has no free
	// descriptor. The caller may retry once the device drained the ring.
	ErrTxRingFull = &kernel.Error{Module: "netdev", Message: "transmit ring full"}

	// ErrFrameTooLarge is returned by Send for frames that exceed the MTU.
	ErrFrameTooLarge = &kernel.Error{Module: "netdev", Message: "frame exceeds device MTU"}
)

// Device is implemented by NIC drivers. The device is process-wide state;
// the stack serializes its calls by masking interrupts.
type Device interface {
	// Send queues a complete Ethernet frame for transmission. The device
	// takes ownership of frame.
	Send(frame []byte) *kernel.Error

	// PollReceive returns the next received frame, if one is available.
	// It never blocks.
	PollReceive() ([]byte, bool)

	// HardwareAddr returns the MAC address of the device.
	HardwareAddr() net.HardwareAddr

	// MTU returns the largest payload the device can carry in one frame.
	MTU() int

	// SetInterruptHandler registers the function that the device side
	// calls whenever it places a frame into the receive ring. The
	// function runs outside of the CPU context and must only latch an
	// IRQ line.
	SetInterruptHandler(fn func())
}

// MaxFrameLen returns the length of the largest frame, header included,
// that dev accepts.
func MaxFrameLen(dev Device) int {
	return dev.MTU() + 14
}
