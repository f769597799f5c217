// Package udp implements the user datagram protocol.
//
// Received datagrams are queued on the endpoint bound to their destination
// port. Datagrams for unbound ports, and datagrams that arrive while the
// queue of their endpoint is full, are dropped and counted.
package udp

import (
	"encoding/binary"

	"github.com/shiiinji/wasabi/kernel"
	"github.com/shiiinji/wasabi/kernel/net"
	"github.com/shiiinji/wasabi/kernel/net/ipv4"
)

const (
	// HeaderLen is the length of the UDP header.
	HeaderLen = 8

	// MaxEndpoints is the number of endpoints that can be bound at once.
	MaxEndpoints = 16

	firstEphemeralPort = 49152
)

// NoSocket marks an endpoint that is not attached to a socket.
const NoSocket = -1

var (
	// ErrPortInUse is returned by Bind when another endpoint owns the
	// requested port.
	ErrPortInUse = &kernel.Error{Module: "udp", Message: "port already in use"}

	// ErrTooManyEndpoints is returned by Bind when the endpoint table is
	// full.
	ErrTooManyEndpoints = &kernel.Error{Module: "udp", Message: "too many endpoints"}

	// ErrBadEndpoint is returned for operations on an endpoint id that is
	// not bound.
	ErrBadEndpoint = &kernel.Error{Module: "udp", Message: "endpoint is not bound"}

	errPayloadTooLarge = &kernel.Error{Module: "udp", Message: "datagram does not fit in a single packet"}
)

// EndpointID identifies a bound endpoint.
type EndpointID int

// Datagram is a received datagram.
type Datagram struct {
	Src     net.IPv4Addr
	SrcPort uint16
	Data    []byte
}

// Stats holds the UDP counters.
type Stats struct {
	RxDatagrams   uint64
	RxMalformed   uint64
	RxBadChecksum uint64
	RxNoPort      uint64
	RxQueueFull   uint64
	TxDatagrams   uint64
	TxErrors      uint64
}

type endpoint struct {
	bound    bool
	port     uint16
	socketID int
	queue    []Datagram
}

// Layer implements UDP on top of an IP layer.
type Layer struct {
	ip         *ipv4.Layer
	queueLimit int
	endpoints  [MaxEndpoints]endpoint
	nextPort   uint16
	stats      Stats

	notifyFn      func(socketID int)
	unreachableFn func(hdr *ipv4.Header, payload []byte)
}

// NewLayer returns a UDP layer that sends through ip. Each endpoint queues
// at most queueLimit datagrams. The caller registers Input with the IP
// layer.
func NewLayer(ip *ipv4.Layer, queueLimit int) *Layer {
	return &Layer{
		ip:         ip,
		queueLimit: queueLimit,
		nextPort:   firstEphemeralPort,
	}
}

// Stats returns a snapshot of the UDP counters.
func (l *Layer) Stats() Stats {
	return l.stats
}

// SetNotifier registers the function invoked with the socket id of an
// endpoint whenever a datagram is queued on it.
func (l *Layer) SetNotifier(fn func(socketID int)) {
	l.notifyFn = fn
}

// SetUnreachableHandler registers the function invoked for datagrams that
// are addressed to an unbound port.
func (l *Layer) SetUnreachableHandler(fn func(hdr *ipv4.Header, payload []byte)) {
	l.unreachableFn = fn
}

// Bind creates an endpoint for port. Port 0 selects a free ephemeral port.
func (l *Layer) Bind(port uint16) (EndpointID, *kernel.Error) {
	if port == 0 {
		port = l.ephemeralPort()
		if port == 0 {
			return 0, ErrPortInUse
		}
	} else if l.lookup(port) >= 0 {
		return 0, ErrPortInUse
	}

	for i := range l.endpoints {
		if !l.endpoints[i].bound {
			l.endpoints[i] = endpoint{bound: true, port: port, socketID: NoSocket}
			return EndpointID(i), nil
		}
	}

	return 0, ErrTooManyEndpoints
}

func (l *Layer) ephemeralPort() uint16 {
	for tries := 0; tries < 65536-firstEphemeralPort; tries++ {
		port := l.nextPort
		if l.nextPort == 65535 {
			l.nextPort = firstEphemeralPort
		} else {
			l.nextPort++
		}

		if l.lookup(port) < 0 {
			return port
		}
	}
	return 0
}

func (l *Layer) lookup(port uint16) int {
	for i := range l.endpoints {
		if l.endpoints[i].bound && l.endpoints[i].port == port {
			return i
		}
	}
	return -1
}

func (l *Layer) endpoint(id EndpointID) *endpoint {
	if id < 0 || int(id) >= MaxEndpoints || !l.endpoints[id].bound {
		return nil
	}
	return &l.endpoints[id]
}

// Attach records the socket that owns the endpoint.
func (l *Layer) Attach(id EndpointID, socketID int) {
	if ep := l.endpoint(id); ep != nil {
		ep.socketID = socketID
	}
}

// LocalPort returns the port of an endpoint.
func (l *Layer) LocalPort(id EndpointID) uint16 {
	if ep := l.endpoint(id); ep != nil {
		return ep.port
	}
	return 0
}

// Pending returns the number of datagrams queued on an endpoint.
func (l *Layer) Pending(id EndpointID) int {
	if ep := l.endpoint(id); ep != nil {
		return len(ep.queue)
	}
	return 0
}

// Close unbinds an endpoint and discards its queued datagrams.
func (l *Layer) Close(id EndpointID) {
	if ep := l.endpoint(id); ep != nil {
		*ep = endpoint{}
	}
}

// RecvFrom dequeues the oldest datagram of an endpoint.
func (l *Layer) RecvFrom(id EndpointID) (Datagram, bool) {
	ep := l.endpoint(id)
	if ep == nil || len(ep.queue) == 0 {
		return Datagram{}, false
	}

	d := ep.queue[0]
	ep.queue[0] = Datagram{}
	ep.queue = ep.queue[1:]
	return d, true
}

// SendTo sends data from an endpoint to dst:dstPort.
func (l *Layer) SendTo(id EndpointID, dst net.IPv4Addr, dstPort uint16, data []byte) *kernel.Error {
	ep := l.endpoint(id)
	if ep == nil {
		return ErrBadEndpoint
	}

	if HeaderLen+len(data) > l.ip.MTU()-ipv4.HeaderLen {
		l.stats.TxErrors++
		return errPayloadTooLarge
	}

	src := l.ip.Interface().Addr
	seg := make([]byte, HeaderLen+len(data))
	binary.BigEndian.PutUint16(seg[0:2], ep.port)
	binary.BigEndian.PutUint16(seg[2:4], dstPort)
	binary.BigEndian.PutUint16(seg[4:6], uint16(len(seg)))
	copy(seg[HeaderLen:], data)

	sum := net.Checksum(net.PseudoHeaderSum(src, dst, ipv4.ProtoUDP, len(seg)), seg)
	if sum == 0 {
		sum = 0xffff
	}
	binary.BigEndian.PutUint16(seg[6:8], sum)

	if err := l.ip.Output(ipv4.ProtoUDP, src, dst, seg, nil); err != nil {
		l.stats.TxErrors++
		return err
	}

	l.stats.TxDatagrams++
	return nil
}

// Input processes a UDP datagram received by the IP layer.
func (l *Layer) Input(hdr *ipv4.Header, seg []byte) {
	if len(seg) < HeaderLen {
		l.stats.RxMalformed++
		return
	}

	length := int(binary.BigEndian.Uint16(seg[4:6]))
	if length < HeaderLen || length > len(seg) {
		l.stats.RxMalformed++
		return
	}
	seg = seg[:length]

	if binary.BigEndian.Uint16(seg[6:8]) != 0 &&
		net.Checksum(net.PseudoHeaderSum(hdr.Src, hdr.Dst, ipv4.ProtoUDP, length), seg) != 0 {
		l.stats.RxBadChecksum++
		return
	}

	dstPort := binary.BigEndian.Uint16(seg[2:4])
	i := l.lookup(dstPort)
	if i < 0 {
		l.stats.RxNoPort++
		if l.unreachableFn != nil {
			l.unreachableFn(hdr, seg)
		}
		return
	}

	ep := &l.endpoints[i]
	if len(ep.queue) >= l.queueLimit {
		l.stats.RxQueueFull++
		return
	}

	ep.queue = append(ep.queue, Datagram{
		Src:     hdr.Src,
		SrcPort: binary.BigEndian.Uint16(seg[0:2]),
		Data:    append([]byte(nil), seg[HeaderLen:]...),
	})
	l.stats.RxDatagrams++

	if l.notifyFn != nil && ep.socketID != NoSocket {
		l.notifyFn(ep.socketID)
	}
}
