package dhcp

import (
	"encoding/binary"

	"github.com/shiiinji/wasabi/kernel/net"
)

// Message types (option 53).
const (
	MsgDiscover = uint8(1)
	MsgOffer    = uint8(2)
	MsgRequest  = uint8(3)
	MsgDecline  = uint8(4)
	MsgAck      = uint8(5)
	MsgNak      = uint8(6)
)

const (
	opBootRequest = 1
	opBootReply   = 2

	htypeEthernet = 1
	flagBroadcast = 0x8000
	magicCookie   = 0x63825363

	// fixedLen is the length of the BOOTP fields that precede the magic
	// cookie.
	fixedLen = 236

	optPad          = 0
	optSubnetMask   = 1
	optRouter       = 3
	optDNS          = 6
	optRequestedIP  = 50
	optLeaseTime    = 51
	optMessageType  = 53
	optServerID     = 54
	optParamRequest = 55
	optEnd          = 255
)

// Message is a decoded DHCP message. Only the options the client uses are
// kept.
type Message struct {
	Op     uint8
	XID    uint32
	Flags  uint16
	CIAddr net.IPv4Addr
	YIAddr net.IPv4Addr
	SIAddr net.IPv4Addr
	GIAddr net.IPv4Addr
	CHAddr net.HardwareAddr

	Type        uint8
	ServerID    net.IPv4Addr
	RequestedIP net.IPv4Addr
	SubnetMask  net.IPv4Addr
	Router      net.IPv4Addr
	DNS         net.IPv4Addr
	LeaseTime   uint32
}

// Marshal encodes the message. Options with a zero value are omitted.
func (m *Message) Marshal() []byte {
	b := make([]byte, fixedLen+4, fixedLen+64)
	b[0] = m.Op
	b[1] = htypeEthernet
	b[2] = 6
	binary.BigEndian.PutUint32(b[4:8], m.XID)
	binary.BigEndian.PutUint16(b[10:12], m.Flags)
	copy(b[12:16], m.CIAddr[:])
	copy(b[16:20], m.YIAddr[:])
	copy(b[20:24], m.SIAddr[:])
	copy(b[24:28], m.GIAddr[:])
	copy(b[28:34], m.CHAddr[:])
	binary.BigEndian.PutUint32(b[fixedLen:fixedLen+4], magicCookie)

	b = append(b, optMessageType, 1, m.Type)
	for _, opt := range []struct {
		code uint8
		addr net.IPv4Addr
	}{
		{optServerID, m.ServerID},
		{optRequestedIP, m.RequestedIP},
		{optSubnetMask, m.SubnetMask},
		{optRouter, m.Router},
		{optDNS, m.DNS},
	} {
		if !opt.addr.IsZero() {
			b = append(b, opt.code, 4)
			b = append(b, opt.addr[:]...)
		}
	}

	if m.LeaseTime != 0 {
		b = append(b, optLeaseTime, 4, 0, 0, 0, 0)
		binary.BigEndian.PutUint32(b[len(b)-4:], m.LeaseTime)
	}

	if m.Op == opBootRequest {
		b = append(b, optParamRequest, 3, optSubnetMask, optRouter, optDNS)
	}

	return append(b, optEnd)
}

// ParseMessage decodes a DHCP message. It returns false for truncated
// messages, messages without the magic cookie or without a message type.
func ParseMessage(b []byte) (Message, bool) {
	var m Message
	if len(b) < fixedLen+4 || binary.BigEndian.Uint32(b[fixedLen:fixedLen+4]) != magicCookie {
		return m, false
	}

	m.Op = b[0]
	m.XID = binary.BigEndian.Uint32(b[4:8])
	m.Flags = binary.BigEndian.Uint16(b[10:12])
	copy(m.CIAddr[:], b[12:16])
	copy(m.YIAddr[:], b[16:20])
	copy(m.SIAddr[:], b[20:24])
	copy(m.GIAddr[:], b[24:28])
	copy(m.CHAddr[:], b[28:34])

	opts := b[fixedLen+4:]
	for len(opts) > 0 {
		code := opts[0]
		if code == optEnd {
			break
		}
		if code == optPad {
			opts = opts[1:]
			continue
		}

		if len(opts) < 2 || int(opts[1]) > len(opts)-2 {
			return m, false
		}
		data := opts[2 : 2+opts[1]]
		opts = opts[2+opts[1]:]

		switch {
		case code == optMessageType && len(data) == 1:
			m.Type = data[0]
		case code == optLeaseTime && len(data) == 4:
			m.LeaseTime = binary.BigEndian.Uint32(data)
		case len(data) < 4:
		case code == optServerID:
			copy(m.ServerID[:], data)
		case code == optRequestedIP:
			copy(m.RequestedIP[:], data)
		case code == optSubnetMask:
			copy(m.SubnetMask[:], data)
		case code == optRouter:
			// Only the first router is used.
			copy(m.Router[:], data)
		case code == optDNS:
			copy(m.DNS[:], data)
		}
	}

	return m, m.Type != 0
}
