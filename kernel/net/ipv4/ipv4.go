// Package ipv4 implements the IPv4 layer of the network stack.
//
// Only option-less, unfragmented packets are supported. Anything else is
// dropped and counted, as are packets with a bad header checksum.
package ipv4

import (
	"encoding/binary"

	"github.com/shiiinji/wasabi/kernel"
	"github.com/shiiinji/wasabi/kernel/net"
	"github.com/shiiinji/wasabi/kernel/net/arp"
)

// Protocol numbers.
const (
	ProtoICMP = uint8(1)
	ProtoTCP  = uint8(6)
	ProtoUDP  = uint8(17)
)

const (
	// HeaderLen is the length of an IPv4 header without options.
	HeaderLen = 20

	defaultTTL = 64

	flagMoreFragments = 0x2000
	fragOffsetMask    = 0x1fff

	maxHandlers = 4
)

var (
	errPayloadTooLarge = &kernel.Error{Module: "ipv4", Message: "payload does not fit in a single packet"}
	errNoRoute         = &kernel.Error{Module: "ipv4", Message: "no route to host"}
)

// Header is a decoded IPv4 header.
type Header struct {
	TOS      uint8
	TotalLen uint16
	ID       uint16
	FragOff  uint16
	TTL      uint8
	Protocol uint8
	Checksum uint16
	Src      net.IPv4Addr
	Dst      net.IPv4Addr
}

// Marshal encodes the header into the first HeaderLen bytes of b and fills
// in its checksum.
func (h *Header) Marshal(b []byte) {
	b[0] = 0x45
	b[1] = h.TOS
	binary.BigEndian.PutUint16(b[2:4], h.TotalLen)
	binary.BigEndian.PutUint16(b[4:6], h.ID)
	binary.BigEndian.PutUint16(b[6:8], h.FragOff)
	b[8] = h.TTL
	b[9] = h.Protocol
	b[10], b[11] = 0, 0
	copy(b[12:16], h.Src[:])
	copy(b[16:20], h.Dst[:])

	h.Checksum = net.Checksum(0, b[:HeaderLen])
	binary.BigEndian.PutUint16(b[10:12], h.Checksum)
}

// Handler processes the payload of a packet carrying a registered protocol.
// The payload slice is only valid for the duration of the call.
type Handler func(hdr *Header, payload []byte)

// Stats holds the IP layer counters.
type Stats struct {
	RxPackets      uint64
	RxMalformed    uint64
	RxBadChecksum  uint64
	RxOptions      uint64
	RxFragments    uint64
	RxNotForUs     uint64
	RxUnknownProto uint64
	TxPackets      uint64
	TxErrors       uint64
}

type registration struct {
	proto   uint8
	handler Handler
}

// Layer is the IP layer of one interface.
type Layer struct {
	iface    *net.Interface
	resolver *arp.Resolver
	mtu      int
	handlers [maxHandlers]registration
	nextID   uint16
	stats    Stats
}

// NewLayer returns an IP layer that routes packets for iface and resolves
// next hops through resolver. Packets never exceed mtu bytes.
func NewLayer(iface *net.Interface, resolver *arp.Resolver, mtu int) *Layer {
	return &Layer{
		iface:    iface,
		resolver: resolver,
		mtu:      mtu,
		nextID:   1,
	}
}

// Interface returns the addressing of the layer.
func (l *Layer) Interface() *net.Interface {
	return l.iface
}

// MTU returns the largest packet the layer emits.
func (l *Layer) MTU() int {
	return l.mtu
}

// Stats returns a snapshot of the IP counters.
func (l *Layer) Stats() Stats {
	return l.stats
}

// Register installs the handler for packets carrying proto.
func (l *Layer) Register(proto uint8, handler Handler) {
	free := -1
	for i := range l.handlers {
		switch {
		case l.handlers[i].handler != nil && l.handlers[i].proto == proto:
			l.handlers[i].handler = handler
			return
		case l.handlers[i].handler == nil && free == -1:
			free = i
		}
	}

	if handler != nil && free != -1 {
		l.handlers[free] = registration{proto: proto, handler: handler}
	}
}

// Input validates a packet received by the link and hands its payload to
// the handler registered for its protocol. Until the interface has been
// configured every packet is accepted so that address configuration
// replies can be received.
func (l *Layer) Input(_ net.HardwareAddr, packet []byte) {
	if len(packet) < HeaderLen || packet[0]>>4 != 4 {
		l.stats.RxMalformed++
		return
	}

	ihl := int(packet[0]&0x0f) * 4
	switch {
	case ihl < HeaderLen:
		l.stats.RxMalformed++
		return
	case ihl > HeaderLen:
		l.stats.RxOptions++
		return
	}

	hdr := Header{
		TOS:      packet[1],
		TotalLen: binary.BigEndian.Uint16(packet[2:4]),
		ID:       binary.BigEndian.Uint16(packet[4:6]),
		FragOff:  binary.BigEndian.Uint16(packet[6:8]),
		TTL:      packet[8],
		Protocol: packet[9],
		Checksum: binary.BigEndian.Uint16(packet[10:12]),
	}
	copy(hdr.Src[:], packet[12:16])
	copy(hdr.Dst[:], packet[16:20])

	if int(hdr.TotalLen) < HeaderLen || int(hdr.TotalLen) > len(packet) {
		l.stats.RxMalformed++
		return
	}

	if net.Checksum(0, packet[:HeaderLen]) != 0 {
		l.stats.RxBadChecksum++
		return
	}

	if hdr.FragOff&(flagMoreFragments|fragOffsetMask) != 0 {
		l.stats.RxFragments++
		return
	}

	if l.iface.Configured() && !l.iface.IsLocal(hdr.Dst) && !l.iface.IsBroadcast(hdr.Dst) {
		l.stats.RxNotForUs++
		return
	}

	for i := range l.handlers {
		if reg := l.handlers[i]; reg.handler != nil && reg.proto == hdr.Protocol {
			l.stats.RxPackets++
			reg.handler(&hdr, packet[HeaderLen:hdr.TotalLen])
			return
		}
	}

	l.stats.RxUnknownProto++
}

// Output sends payload to dst. A zero src selects the primary address of
// the interface. The packet goes straight to dst if it is on the attached
// subnet and through the gateway otherwise. onFail is invoked if the next
// hop cannot be resolved.
func (l *Layer) Output(proto uint8, src, dst net.IPv4Addr, payload []byte, onFail func()) *kernel.Error {
	if HeaderLen+len(payload) > l.mtu {
		l.stats.TxErrors++
		return errPayloadTooLarge
	}

	if dst.IsZero() {
		l.stats.TxErrors++
		return errNoRoute
	}

	if src.IsZero() {
		src = l.iface.Addr
	}

	packet := make([]byte, HeaderLen+len(payload))
	hdr := Header{
		TotalLen: uint16(len(packet)),
		ID:       l.nextID,
		TTL:      defaultTTL,
		Protocol: proto,
		Src:      src,
		Dst:      dst,
	}
	hdr.Marshal(packet)
	copy(packet[HeaderLen:], payload)
	l.nextID++

	if err := l.resolver.Output(l.iface.NextHop(dst), packet, onFail); err != nil {
		l.stats.TxErrors++
		return err
	}

	l.stats.TxPackets++
	return nil
}
