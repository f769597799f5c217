// Package icmp answers ICMP echo requests and sends echo requests on behalf
// of the kernel.
package icmp

import (
	"encoding/binary"

	"github.com/shiiinji/wasabi/kernel"
	"github.com/shiiinji/wasabi/kernel/net"
	"github.com/shiiinji/wasabi/kernel/net/ipv4"
)

// Message types.
const (
	TypeEchoReply       = uint8(0)
	TypeDestUnreachable = uint8(3)
	TypeEchoRequest     = uint8(8)
)

const (
	headerLen           = 8
	codePortUnreachable = uint8(3)
	maxUnreachableQuote = ipv4.HeaderLen + 8
)

// Stats holds the ICMP counters.
type Stats struct {
	RxEchoRequests uint64
	RxEchoReplies  uint64
	RxMalformed    uint64
	RxBadChecksum  uint64
	RxOther        uint64
	TxEchoRequests uint64
	TxEchoReplies  uint64
	TxUnreachable  uint64
}

// EchoHandler receives the echo replies addressed to this host.
type EchoHandler func(src net.IPv4Addr, id, seq uint16, data []byte)

// Responder implements the ICMP layer.
type Responder struct {
	ip      *ipv4.Layer
	onReply EchoHandler
	stats   Stats
}

// NewResponder returns an ICMP responder that sends through ip. The caller
// registers Input with the IP layer.
func NewResponder(ip *ipv4.Layer) *Responder {
	return &Responder{ip: ip}
}

// Stats returns a snapshot of the ICMP counters.
func (r *Responder) Stats() Stats {
	return r.stats
}

// OnEchoReply registers the function invoked for incoming echo replies.
func (r *Responder) OnEchoReply(fn EchoHandler) {
	r.onReply = fn
}

// Input processes an ICMP message.
func (r *Responder) Input(hdr *ipv4.Header, msg []byte) {
	if len(msg) < headerLen {
		r.stats.RxMalformed++
		return
	}

	if net.Checksum(0, msg) != 0 {
		r.stats.RxBadChecksum++
		return
	}

	id := binary.BigEndian.Uint16(msg[4:6])
	seq := binary.BigEndian.Uint16(msg[6:8])

	switch msg[0] {
	case TypeEchoRequest:
		r.stats.RxEchoRequests++
		if !r.ip.Interface().IsLocal(hdr.Dst) {
			return
		}

		if r.send(TypeEchoReply, 0, hdr.Dst, hdr.Src, msg[4:8], msg[headerLen:]) == nil {
			r.stats.TxEchoReplies++
		}
	case TypeEchoReply:
		r.stats.RxEchoReplies++
		if r.onReply != nil {
			r.onReply(hdr.Src, id, seq, msg[headerLen:])
		}
	default:
		r.stats.RxOther++
	}
}

// SendEcho sends an echo request to dst.
func (r *Responder) SendEcho(dst net.IPv4Addr, id, seq uint16, data []byte) *kernel.Error {
	var rest [4]byte
	binary.BigEndian.PutUint16(rest[0:2], id)
	binary.BigEndian.PutUint16(rest[2:4], seq)

	if err := r.send(TypeEchoRequest, 0, net.IPv4Zero, dst, rest[:], data); err != nil {
		return err
	}

	r.stats.TxEchoRequests++
	return nil
}

// SendPortUnreachable reports that the datagram described by hdr and
// payload was addressed to a port nobody listens on.
func (r *Responder) SendPortUnreachable(hdr *ipv4.Header, payload []byte) {
	if !r.ip.Interface().IsLocal(hdr.Dst) {
		return
	}

	quote := make([]byte, ipv4.HeaderLen, maxUnreachableQuote)
	orig := *hdr
	orig.Marshal(quote)
	if len(payload) > 8 {
		payload = payload[:8]
	}
	quote = append(quote, payload...)

	if r.send(TypeDestUnreachable, codePortUnreachable, hdr.Dst, hdr.Src, make([]byte, 4), quote) == nil {
		r.stats.TxUnreachable++
	}
}

func (r *Responder) send(msgType, code uint8, src, dst net.IPv4Addr, rest, data []byte) *kernel.Error {
	msg := make([]byte, headerLen+len(data))
	msg[0] = msgType
	msg[1] = code
	copy(msg[4:8], rest)
	copy(msg[headerLen:], data)
	binary.BigEndian.PutUint16(msg[2:4], net.Checksum(0, msg))

	return r.ip.Output(ipv4.ProtoICMP, src, dst, msg, nil)
}
