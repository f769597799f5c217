// Package ethernet implements Ethernet II framing on top of a netdev.Device.
package ethernet

import (
	"encoding/binary"

	"github.com/shiiinji/wasabi/kernel"
	"github.com/shiiinji/wasabi/kernel/net"
	"github.com/shiiinji/wasabi/kernel/net/netdev"
)

// EtherType identifies the protocol carried by a frame.
type EtherType uint16

const (
	// TypeIPv4 is the EtherType of IPv4 packets.
	TypeIPv4 = EtherType(0x0800)

	// TypeARP is the EtherType of ARP packets.
	TypeARP = EtherType(0x0806)
)

const (
	// HeaderLen is the length of the Ethernet II header.
	HeaderLen = 14

	// minFrameLen is the shortest frame, excluding the FCS, that may be
	// put on the wire. Shorter frames are zero padded.
	minFrameLen = 60

	maxHandlers = 4
)

var (
	errPayloadTooLarge = &kernel.Error{Module: "ethernet", Message: "payload exceeds link MTU"}
)

// Header is a decoded Ethernet II header.
type Header struct {
	Dst  net.HardwareAddr
	Src  net.HardwareAddr
	Type EtherType
}

// ParseHeader decodes the header at the start of frame. It returns false if
// frame is too short to contain a header.
func ParseHeader(frame []byte) (Header, bool) {
	var hdr Header
	if len(frame) < HeaderLen {
		return hdr, false
	}

	copy(hdr.Dst[:], frame[0:6])
	copy(hdr.Src[:], frame[6:12])
	hdr.Type = EtherType(binary.BigEndian.Uint16(frame[12:14]))
	return hdr, true
}

// Marshal encodes the header into the first HeaderLen bytes of b.
func (hdr *Header) Marshal(b []byte) {
	copy(b[0:6], hdr.Dst[:])
	copy(b[6:12], hdr.Src[:])
	binary.BigEndian.PutUint16(b[12:14], uint16(hdr.Type))
}

// Handler processes the payload of a frame whose EtherType it registered
// for. The payload slice is only valid for the duration of the call.
type Handler func(src net.HardwareAddr, payload []byte)

// Stats holds the link layer counters.
type Stats struct {
	RxFrames      uint64
	RxShort       uint64
	RxUnknownType uint64
	RxNotForUs    uint64
	TxFrames      uint64
	TxErrors      uint64
}

type registration struct {
	etherType EtherType
	handler   Handler
}

// Link demultiplexes received frames by EtherType and frames outgoing
// payloads for a single device.
type Link struct {
	dev      netdev.Device
	addr     net.HardwareAddr
	handlers [maxHandlers]registration
	stats    Stats
}

// NewLink returns a Link that sends and receives frames through dev.
func NewLink(dev netdev.Device) *Link {
	return &Link{
		dev:  dev,
		addr: dev.HardwareAddr(),
	}
}

// Device returns the device that backs the link.
func (l *Link) Device() netdev.Device {
	return l.dev
}

// HardwareAddr returns the MAC address of the link.
func (l *Link) HardwareAddr() net.HardwareAddr {
	return l.addr
}

// MTU returns the largest payload that Output accepts.
func (l *Link) MTU() int {
	return l.dev.MTU()
}

// Stats returns a snapshot of the link counters.
func (l *Link) Stats() Stats {
	return l.stats
}

// Register installs the handler for frames carrying etherType. Registering
// a nil handler removes it.
func (l *Link) Register(etherType EtherType, handler Handler) {
	free := -1
	for i := range l.handlers {
		switch {
		case l.handlers[i].handler != nil && l.handlers[i].etherType == etherType:
			l.handlers[i].handler = handler
			return
		case l.handlers[i].handler == nil && free == -1:
			free = i
		}
	}

	if handler != nil && free != -1 {
		l.handlers[free] = registration{etherType: etherType, handler: handler}
	}
}

// Input processes a frame received by the device. Frames that are too short,
// not addressed to this link or that carry an unknown EtherType are dropped
// and counted.
func (l *Link) Input(frame []byte) {
	hdr, ok := ParseHeader(frame)
	if !ok {
		l.stats.RxShort++
		return
	}

	if hdr.Dst != l.addr && hdr.Dst != net.BroadcastHardwareAddr {
		l.stats.RxNotForUs++
		return
	}

	for i := range l.handlers {
		if reg := l.handlers[i]; reg.handler != nil && reg.etherType == hdr.Type {
			l.stats.RxFrames++
			reg.handler(hdr.Src, frame[HeaderLen:])
			return
		}
	}

	l.stats.RxUnknownType++
}

// Output frames payload and hands it to the device.
func (l *Link) Output(dst net.HardwareAddr, etherType EtherType, payload []byte) *kernel.Error {
	if len(payload) > l.dev.MTU() {
		l.stats.TxErrors++
		return errPayloadTooLarge
	}

	frameLen := HeaderLen + len(payload)
	if frameLen < minFrameLen {
		frameLen = minFrameLen
	}

	frame := make([]byte, frameLen)
	hdr := Header{Dst: dst, Src: l.addr, Type: etherType}
	hdr.Marshal(frame)
	copy(frame[HeaderLen:], payload)

	if err := l.dev.Send(frame); err != nil {
		l.stats.TxErrors++
		return err
	}

	l.stats.TxFrames++
	return nil
}
