package tcp

import (
	"encoding/binary"

	"github.com/shiiinji/wasabi/kernel/net"
	"github.com/shiiinji/wasabi/kernel/net/ipv4"
	"github.com/shiiinji/wasabi/kernel/net/tcp/seqnum"
)

// Segment flags.
const (
	FlagFIN = uint8(1 << iota)
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
	FlagURG
)

const (
	// HeaderLen is the length of a TCP header without options.
	HeaderLen = 20

	optEnd    = 0
	optNOP    = 1
	optMSS    = 2
	optMSSLen = 4

	maxWindow = 65535
)

// header is a decoded TCP header.
type header struct {
	srcPort uint16
	dstPort uint16
	seq     seqnum.Value
	ack     seqnum.Value
	flags   uint8
	window  uint16

	// mss is the value of the MSS option or zero if the option is absent.
	mss uint16
}

func (h *header) has(flags uint8) bool {
	return h.flags&flags == flags
}

// parseHeader decodes the header of seg and returns it together with the
// segment payload.
func parseHeader(seg []byte) (header, []byte, bool) {
	var h header
	if len(seg) < HeaderLen {
		return h, nil, false
	}

	dataOff := int(seg[12]>>4) * 4
	if dataOff < HeaderLen || dataOff > len(seg) {
		return h, nil, false
	}

	h.srcPort = binary.BigEndian.Uint16(seg[0:2])
	h.dstPort = binary.BigEndian.Uint16(seg[2:4])
	h.seq = seqnum.Value(binary.BigEndian.Uint32(seg[4:8]))
	h.ack = seqnum.Value(binary.BigEndian.Uint32(seg[8:12]))
	h.flags = seg[13] & 0x3f
	h.window = binary.BigEndian.Uint16(seg[14:16])

	opts := seg[HeaderLen:dataOff]
	for len(opts) > 0 {
		kind := opts[0]
		if kind == optEnd {
			break
		}
		if kind == optNOP {
			opts = opts[1:]
			continue
		}

		if len(opts) < 2 || int(opts[1]) < 2 || int(opts[1]) > len(opts) {
			return h, nil, false
		}

		if kind == optMSS && opts[1] == optMSSLen {
			h.mss = binary.BigEndian.Uint16(opts[2:4])
		}
		opts = opts[opts[1]:]
	}

	return h, seg[dataOff:], true
}

// marshal encodes a segment carrying payload and computes its checksum
// for the given addresses.
func (h *header) marshal(src, dst net.IPv4Addr, payload []byte) []byte {
	hdrLen := HeaderLen
	if h.mss != 0 {
		hdrLen += optMSSLen
	}

	seg := make([]byte, hdrLen+len(payload))
	binary.BigEndian.PutUint16(seg[0:2], h.srcPort)
	binary.BigEndian.PutUint16(seg[2:4], h.dstPort)
	binary.BigEndian.PutUint32(seg[4:8], uint32(h.seq))
	binary.BigEndian.PutUint32(seg[8:12], uint32(h.ack))
	seg[12] = uint8(hdrLen/4) << 4
	seg[13] = h.flags
	binary.BigEndian.PutUint16(seg[14:16], h.window)

	if h.mss != 0 {
		seg[20], seg[21] = optMSS, optMSSLen
		binary.BigEndian.PutUint16(seg[22:24], h.mss)
	}
	copy(seg[hdrLen:], payload)

	sum := net.Checksum(net.PseudoHeaderSum(src, dst, ipv4.ProtoTCP, len(seg)), seg)
	binary.BigEndian.PutUint16(seg[16:18], sum)
	return seg
}

// verifyChecksum returns true if the checksum of seg is valid.
func verifyChecksum(src, dst net.IPv4Addr, seg []byte) bool {
	return net.Checksum(net.PseudoHeaderSum(src, dst, ipv4.ProtoTCP, len(seg)), seg) == 0
}
