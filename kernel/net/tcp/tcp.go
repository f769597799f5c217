// Package tcp implements the transmission control protocol.
//
// Connections live in a fixed table and are referred to by their slot
// index. The application side (the socket layer) drives them through
// Connect, Listen, Accept, Send, Recv, Close and Abort; none of these
// block. Instead, the layer invokes the notifier registered with
// SetNotifier whenever a connection that is attached to a socket changes
// in a way its owner may be waiting for.
//
// Time is measured in timer ticks and advanced by Tick, which also runs the
// retransmission, persist and TIME_WAIT deadlines. Each connection has a
// single retransmission timer that protects the oldest unacknowledged
// sequence number; it backs off exponentially up to MaxRTO and the
// connection is reset once it expires MaxRetransmits+1 times in a row.
// Segments that arrive ahead of the next expected one are kept (up to
// OOOSegments of them) and reassembled in order.
package tcp

import (
	"io"

	"github.com/shiiinji/wasabi/kernel"
	"github.com/shiiinji/wasabi/kernel/kfmt"
	"github.com/shiiinji/wasabi/kernel/net"
	"github.com/shiiinji/wasabi/kernel/net/ipv4"
	"github.com/shiiinji/wasabi/kernel/net/tcp/seqnum"
)

const firstEphemeralPort = 49152

var (
	// ErrConnRefused is reported when the peer answers a SYN with a RST.
	ErrConnRefused = &kernel.Error{Module: "tcp", Message: "connection refused"}

	// ErrConnReset is reported when the peer resets the connection or the
	// retransmission limit is exceeded.
	ErrConnReset = &kernel.Error{Module: "tcp", Message: "connection reset"}

	// ErrHostUnreachable is reported when the SYN of an active open could
	// not be delivered because the next hop never answered ARP.
	ErrHostUnreachable = &kernel.Error{Module: "tcp", Message: "host unreachable"}

	// ErrWouldBlock is returned by Accept, Send and Recv when the
	// operation cannot make progress yet.
	ErrWouldBlock = &kernel.Error{Module: "tcp", Message: "operation would block"}

	// ErrEOF is returned by Recv once the peer closed its side and every
	// received byte has been read.
	ErrEOF = &kernel.Error{Module: "tcp", Message: "end of stream"}

	// ErrNotConnected is returned for data transfer on a connection that
	// is not (or no longer) synchronized.
	ErrNotConnected = &kernel.Error{Module: "tcp", Message: "connection not established"}

	// ErrClosing is returned by Send after Close.
	ErrClosing = &kernel.Error{Module: "tcp", Message: "connection closing"}

	// ErrPortInUse is returned by Listen if the port is already used by a
	// listening connection.
	ErrPortInUse = &kernel.Error{Module: "tcp", Message: "port already in use"}

	// ErrTooManyConns is returned when the connection table is full.
	ErrTooManyConns = &kernel.Error{Module: "tcp", Message: "too many connections"}

	// ErrBadConn is returned for operations on a free table slot.
	ErrBadConn = &kernel.Error{Module: "tcp", Message: "bad connection id"}

	errNotListening = &kernel.Error{Module: "tcp", Message: "connection is not listening"}
	errNoPorts      = &kernel.Error{Module: "tcp", Message: "no free ephemeral ports"}

	// issSalt spreads the initial sequence numbers of connections opened
	// within the same tick.
	issSalt uint32

	// issFn selects the initial send sequence number. It is mocked by
	// tests.
	issFn = func(now uint64) seqnum.Value {
		issSalt += 64000
		return seqnum.Value(uint32(now)*250 + issSalt)
	}
)

// Config holds the protocol parameters. Durations are expressed in timer
// ticks.
type Config struct {
	MSS            int
	SendBuffer     int
	RecvBuffer     int
	InitialRTO     uint64
	MaxRTO         uint64
	MaxRetransmits int
	TimeWait       uint64
	OOOSegments    int
	Backlog        int
	MaxConns       int
}

// Stats holds the TCP counters.
type Stats struct {
	RxSegments      uint64
	RxMalformed     uint64
	RxBadChecksum   uint64
	RxNoConn        uint64
	RxOutOfWindow   uint64
	RxOOOQueued     uint64
	RxOOODropped    uint64
	RxBacklogFull   uint64
	TxSegments      uint64
	TxErrors        uint64
	TxResets        uint64
	Retransmits     uint64
	FastRetransmits uint64
	Timeouts        uint64
	ActiveOpens     uint64
	PassiveOpens    uint64
}

// ConnInfo is a snapshot of the state of a connection.
type ConnInfo struct {
	State       State
	LocalAddr   net.IPv4Addr
	LocalPort   uint16
	RemoteAddr  net.IPv4Addr
	RemotePort  uint16
	SndUna      seqnum.Value
	SndNxt      seqnum.Value
	RcvNxt      seqnum.Value
	SndWnd      uint32
	RcvWnd      uint32
	Cwnd        int
	RTO         uint64
	Retransmits int
	SendQueued  int
	RecvQueued  int
	OOOSegments int
}

// StateObserver is invoked for every state transition of a connection.
type StateObserver func(id ConnID, from, to State)

// Layer implements TCP on top of an IP layer.
type Layer struct {
	ip       *ipv4.Layer
	cfg      Config
	conns    []conn
	now      uint64
	nextPort uint16
	stats    Stats

	notifyFn   func(socketID int)
	observerFn StateObserver
}

// NewLayer returns a TCP layer that sends through ip. The caller registers
// Input with the IP layer.
func NewLayer(ip *ipv4.Layer, cfg Config) *Layer {
	l := &Layer{
		ip:       ip,
		cfg:      cfg,
		conns:    make([]conn, cfg.MaxConns),
		nextPort: firstEphemeralPort,
	}

	for i := range l.conns {
		l.conns[i].id = ConnID(i)
	}
	return l
}

// Stats returns a snapshot of the TCP counters.
func (l *Layer) Stats() Stats {
	return l.stats
}

// SetNotifier registers the function invoked with the socket id of a
// connection whenever its owner may be able to make progress.
func (l *Layer) SetNotifier(fn func(socketID int)) {
	l.notifyFn = fn
}

// SetStateObserver registers a function that sees every state transition.
func (l *Layer) SetStateObserver(fn StateObserver) {
	l.observerFn = fn
}

func (l *Layer) conn(id ConnID) *conn {
	if id < 0 || int(id) >= len(l.conns) || !l.conns[id].inUse {
		return nil
	}
	return &l.conns[id]
}

func (l *Layer) alloc() *conn {
	for i := range l.conns {
		c := &l.conns[i]
		if c.inUse {
			continue
		}

		*c = conn{
			id:       c.id,
			gen:      c.gen + 1,
			inUse:    true,
			socketID: NoSocket,
			listener: NoConn,
			mss:      l.cfg.MSS,
			rto:      l.cfg.InitialRTO,
			ssthresh: maxWindow,
		}
		return c
	}
	return nil
}

// initBuffers sets up the sequence spaces and buffers of a connection that
// leaves LISTEN or CLOSED.
func (l *Layer) initBuffers(c *conn) {
	c.iss = issFn(l.now)
	c.sndUna = c.iss
	c.sndNxt = c.iss.Add(1)
	c.sndMax = c.sndNxt
	c.bufStart = c.iss.Add(1)
	c.sndBuf = newBuffer(l.cfg.SendBuffer)
	c.rcvBuf = newBuffer(l.cfg.RecvBuffer)
	c.cwnd = 2 * c.mss
}

func (l *Layer) free(c *conn) {
	gen := c.gen
	*c = conn{id: c.id, gen: gen}
}

// maybeFree releases the slot of a closed connection once nobody refers to
// it anymore.
func (l *Layer) maybeFree(c *conn) {
	if c.state != Closed || !c.inUse {
		return
	}

	if c.listener != NoConn {
		if parent := l.conn(c.listener); parent != nil {
			parent.removeChild(c)
		}
		c.listener = NoConn
	}

	if c.socketID == NoSocket {
		l.free(c)
	}
}

func (c *conn) removeChild(child *conn) {
	for i, id := range c.acceptQ {
		if id == child.id {
			c.acceptQ = append(c.acceptQ[:i], c.acceptQ[i+1:]...)
			return
		}
	}

	if child.state == SynReceived || child.state == Closed {
		c.pending--
	}
}

func (l *Layer) setState(c *conn, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to

	kfmt.Fprintf(logWriter(), "%s:%d -> %s:%d: %s -> %s\n",
		c.localAddr.String(), c.localPort, c.remoteAddr.String(), c.remotePort, from.String(), to.String())

	if l.observerFn != nil {
		l.observerFn(c.id, from, to)
	}

	if to == Closed {
		c.timer = timerOff
		c.ooo = nil
		if c.sndBuf != nil {
			c.sndBuf.Reset()
		}
	}
}

// close moves the connection to CLOSED, records err for its owner and
// releases the slot if possible.
func (l *Layer) close(c *conn, err *kernel.Error) {
	if err != nil && c.err == nil {
		c.err = err
	}
	if err != nil && c.rcvBuf != nil {
		c.rcvBuf.Reset()
	}

	l.setState(c, Closed)
	l.notify(c)
	l.maybeFree(c)
}

func (l *Layer) notify(c *conn) {
	if l.notifyFn == nil {
		return
	}

	if c.socketID != NoSocket {
		l.notifyFn(c.socketID)
		return
	}

	if parent := l.conn(c.listener); parent != nil && parent.socketID != NoSocket {
		l.notifyFn(parent.socketID)
	}
}

func (l *Layer) ephemeralPort() uint16 {
	for tries := 0; tries < 65536-firstEphemeralPort; tries++ {
		port := l.nextPort
		if l.nextPort == 65535 {
			l.nextPort = firstEphemeralPort
		} else {
			l.nextPort++
		}

		if !l.portUsed(port) {
			return port
		}
	}
	return 0
}

func (l *Layer) portUsed(port uint16) bool {
	for i := range l.conns {
		if c := &l.conns[i]; c.inUse && c.localPort == port {
			return true
		}
	}
	return false
}

// Connect starts an active open towards dst:port.
func (l *Layer) Connect(dst net.IPv4Addr, port uint16) (ConnID, *kernel.Error) {
	c := l.alloc()
	if c == nil {
		return NoConn, ErrTooManyConns
	}

	localPort := l.ephemeralPort()
	if localPort == 0 {
		l.free(c)
		return NoConn, errNoPorts
	}

	c.localAddr = l.ip.Interface().Addr
	c.localPort = localPort
	c.remoteAddr = dst
	c.remotePort = port
	l.initBuffers(c)

	l.stats.ActiveOpens++
	l.setState(c, SynSent)
	l.sendSYN(c)
	return c.id, nil
}

// Listen creates a connection that accepts incoming connections on port.
// A non-positive backlog selects the configured default.
func (l *Layer) Listen(port uint16, backlog int) (ConnID, *kernel.Error) {
	for i := range l.conns {
		if c := &l.conns[i]; c.inUse && c.state == Listen && c.localPort == port {
			return NoConn, ErrPortInUse
		}
	}

	c := l.alloc()
	if c == nil {
		return NoConn, ErrTooManyConns
	}

	if backlog <= 0 {
		backlog = l.cfg.Backlog
	}

	c.localPort = port
	c.backlog = backlog
	l.setState(c, Listen)
	return c.id, nil
}

// Accept returns the oldest established connection of a listener.
func (l *Layer) Accept(id ConnID) (ConnID, *kernel.Error) {
	c := l.conn(id)
	switch {
	case c == nil:
		return NoConn, ErrBadConn
	case c.state != Listen:
		return NoConn, errNotListening
	case len(c.acceptQ) == 0:
		return NoConn, ErrWouldBlock
	}

	child := l.conn(c.acceptQ[0])
	c.acceptQ = c.acceptQ[1:]
	child.listener = NoConn
	return child.id, nil
}

// Attach records the socket that owns the connection.
func (l *Layer) Attach(id ConnID, socketID int) {
	if c := l.conn(id); c != nil {
		c.socketID = socketID
	}
}

// Detach drops the socket reference of a connection. A closed connection
// is released; any other connection keeps running until it closes.
func (l *Layer) Detach(id ConnID) {
	c := l.conn(id)
	if c == nil {
		return
	}

	c.socketID = NoSocket
	if c.state == Listen {
		l.closeListener(c)
		return
	}
	l.maybeFree(c)
}

// State returns the state of a connection. Free slots report Closed.
func (l *Layer) State(id ConnID) State {
	if c := l.conn(id); c != nil {
		return c.state
	}
	return Closed
}

// Err returns the error that terminated the connection, if any.
func (l *Layer) Err(id ConnID) *kernel.Error {
	if c := l.conn(id); c != nil {
		return c.err
	}
	return ErrBadConn
}

// Info returns a snapshot of a connection.
func (l *Layer) Info(id ConnID) (ConnInfo, bool) {
	c := l.conn(id)
	if c == nil {
		return ConnInfo{}, false
	}

	info := ConnInfo{
		State:       c.state,
		LocalAddr:   c.localAddr,
		LocalPort:   c.localPort,
		RemoteAddr:  c.remoteAddr,
		RemotePort:  c.remotePort,
		SndUna:      c.sndUna,
		SndNxt:      c.sndNxt,
		RcvNxt:      c.rcvNxt,
		SndWnd:      c.sndWnd,
		Cwnd:        c.cwnd,
		RTO:         c.rto,
		Retransmits: c.retransmits,
		OOOSegments: len(c.ooo),
	}

	if c.sndBuf != nil {
		info.SendQueued = c.sndBuf.Len()
		info.RecvQueued = c.rcvBuf.Len()
		info.RcvWnd = c.rcvWnd()
	}
	return info, true
}

// Send queues as much of data as fits in the send buffer and returns the
// number of queued bytes.
func (l *Layer) Send(id ConnID, data []byte) (int, *kernel.Error) {
	c := l.conn(id)
	if c == nil {
		return 0, ErrBadConn
	}

	switch {
	case c.err != nil:
		return 0, c.err
	case c.finQueued:
		return 0, ErrClosing
	case c.state != SynSent && c.state != SynReceived && c.state != Established && c.state != CloseWait:
		return 0, ErrNotConnected
	}

	n := c.sndBuf.Write(data)
	if n == 0 && len(data) > 0 {
		return 0, ErrWouldBlock
	}

	l.output(c)
	return n, nil
}

// Recv moves received bytes into p.
func (l *Layer) Recv(id ConnID, p []byte) (int, *kernel.Error) {
	c := l.conn(id)
	if c == nil {
		return 0, ErrBadConn
	}

	if c.rcvBuf != nil && c.rcvBuf.Len() > 0 {
		before := c.rcvWnd()
		n := c.rcvBuf.Read(p)

		// Tell the peer once the window opens up by at least a segment.
		if before < uint32(c.mss) && c.rcvWnd() >= uint32(c.mss) && c.state.synchronized() {
			l.sendACK(c)
		}
		return n, nil
	}

	switch {
	case c.peerFin:
		return 0, ErrEOF
	case c.err != nil:
		return 0, c.err
	case c.state == Closed || c.state == Listen:
		return 0, ErrNotConnected
	}
	return 0, ErrWouldBlock
}

// Close closes the sending side of a connection. Buffered data is sent
// before the FIN.
func (l *Layer) Close(id ConnID) *kernel.Error {
	c := l.conn(id)
	if c == nil {
		return ErrBadConn
	}

	switch c.state {
	case Listen:
		l.closeListener(c)
	case SynSent:
		l.close(c, nil)
	case SynReceived:
		// The FIN follows once the handshake completes.
		c.finQueued = true
	case Established:
		c.finQueued = true
		l.setState(c, FinWait1)
		l.output(c)
	case CloseWait:
		c.finQueued = true
		l.setState(c, LastAck)
		l.output(c)
	}
	return nil
}

// Abort resets a connection.
func (l *Layer) Abort(id ConnID) {
	c := l.conn(id)
	if c == nil {
		return
	}

	switch {
	case c.state == Listen:
		l.closeListener(c)
	case c.state == SynReceived || c.state.synchronized():
		l.sendRST(c.localAddr, c.remoteAddr, c.localPort, c.remotePort, c.sndNxt, 0, false)
		l.close(c, ErrConnReset)
	case c.state != Closed:
		l.close(c, ErrConnReset)
	}
}

// closeListener stops a listening connection and resets the connections
// it spawned that the application has not accepted.
func (l *Layer) closeListener(c *conn) {
	for i := range l.conns {
		if child := &l.conns[i]; child.inUse && child.listener == c.id {
			child.listener = NoConn
			l.sendRST(child.localAddr, child.remoteAddr, child.localPort, child.remotePort, child.sndNxt, 0, false)
			l.setState(child, Closed)
			l.maybeFree(child)
		}
	}

	c.acceptQ = nil
	c.pending = 0
	l.setState(c, Closed)
	l.maybeFree(c)
}

// Dump writes a line per connection to w.
func (l *Layer) Dump(w io.Writer) {
	for i := range l.conns {
		c := &l.conns[i]
		if !c.inUse {
			continue
		}

		kfmt.Fprintf(w, "%2d %-12s %s:%d -> %s:%d socket %d\n",
			c.id, c.state.String(), c.localAddr.String(), c.localPort,
			c.remoteAddr.String(), c.remotePort, c.socketID)
	}
}

func logWriter() *kfmt.PrefixWriter {
	return kfmt.NewPrefixWriter("tcp")
}
