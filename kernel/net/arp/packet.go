package arp

import (
	"encoding/binary"

	"github.com/shiiinji/wasabi/kernel/net"
	"github.com/shiiinji/wasabi/kernel/net/ethernet"
)

// Operation codes.
const (
	OpRequest = uint16(1)
	OpReply   = uint16(2)
)

const (
	hwTypeEthernet = 1

	// PacketLen is the length of an ARP packet for IPv4 over Ethernet.
	PacketLen = 28
)

// Packet is an ARP packet for IPv4 over Ethernet.
type Packet struct {
	Op       uint16
	SenderHW net.HardwareAddr
	SenderIP net.IPv4Addr
	TargetHW net.HardwareAddr
	TargetIP net.IPv4Addr
}

// ParsePacket decodes an ARP packet. It returns false if b is too short or
// describes an address mapping other than IPv4 over Ethernet.
func ParsePacket(b []byte) (Packet, bool) {
	var p Packet
	if len(b) < PacketLen {
		return p, false
	}

	if binary.BigEndian.Uint16(b[0:2]) != hwTypeEthernet ||
		binary.BigEndian.Uint16(b[2:4]) != uint16(ethernet.TypeIPv4) ||
		b[4] != 6 || b[5] != 4 {
		return p, false
	}

	p.Op = binary.BigEndian.Uint16(b[6:8])
	copy(p.SenderHW[:], b[8:14])
	copy(p.SenderIP[:], b[14:18])
	copy(p.TargetHW[:], b[18:24])
	copy(p.TargetIP[:], b[24:28])
	return p, true
}

// Marshal encodes the packet.
func (p *Packet) Marshal() []byte {
	b := make([]byte, PacketLen)
	binary.BigEndian.PutUint16(b[0:2], hwTypeEthernet)
	binary.BigEndian.PutUint16(b[2:4], uint16(ethernet.TypeIPv4))
	b[4], b[5] = 6, 4
	binary.BigEndian.PutUint16(b[6:8], p.Op)
	copy(b[8:14], p.SenderHW[:])
	copy(b[14:18], p.SenderIP[:])
	copy(b[18:24], p.TargetHW[:])
	copy(b[24:28], p.TargetIP[:])
	return b
}
