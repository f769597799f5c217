package tcp

import (
	"github.com/shiiinji/wasabi/kernel"
	"github.com/shiiinji/wasabi/kernel/net"
	"github.com/shiiinji/wasabi/kernel/net/tcp/seqnum"
)

// State is the state of a connection.
type State uint8

// Connection states, as named by RFC 793.
const (
	Closed State = iota
	Listen
	SynSent
	SynReceived
	Established
	FinWait1
	FinWait2
	CloseWait
	Closing
	LastAck
	TimeWait
)

var stateNames = [...]string{
	"CLOSED",
	"LISTEN",
	"SYN_SENT",
	"SYN_RECEIVED",
	"ESTABLISHED",
	"FIN_WAIT_1",
	"FIN_WAIT_2",
	"CLOSE_WAIT",
	"CLOSING",
	"LAST_ACK",
	"TIME_WAIT",
}

// String implements fmt.Stringer for State.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

// synchronized returns true for the states reached after the handshake.
func (s State) synchronized() bool {
	return s >= Established
}

// ConnID identifies a slot of the connection table.
type ConnID int

// NoConn is returned by operations that fail to produce a connection.
const NoConn = ConnID(-1)

// NoSocket marks a connection that is not attached to a socket.
const NoSocket = -1

// timer kinds
const (
	timerOff = iota
	timerRetransmit
	timerPersist
)

// oooSegment is a segment received ahead of rcvNxt.
type oooSegment struct {
	seq  seqnum.Value
	data []byte
	fin  bool
}

// conn is a transmission control block.
type conn struct {
	id    ConnID
	gen   uint32
	inUse bool
	state State

	localAddr  net.IPv4Addr
	remoteAddr net.IPv4Addr
	localPort  uint16
	remotePort uint16

	socketID int

	// listener is the listening connection that spawned this one, until
	// the application accepts it.
	listener ConnID
	acceptQ  []ConnID
	pending  int
	backlog  int

	// send sequence space
	iss      seqnum.Value
	sndUna   seqnum.Value
	sndNxt   seqnum.Value
	sndMax   seqnum.Value
	sndWnd   uint32
	sndWl1   seqnum.Value
	sndWl2   seqnum.Value
	bufStart seqnum.Value
	sndBuf   *buffer

	// finQueued is set once the application closed its side. The FIN
	// goes out after the buffered data.
	finQueued bool

	// receive sequence space
	irs     seqnum.Value
	rcvNxt  seqnum.Value
	rcvBuf  *buffer
	peerFin bool
	ooo     []oooSegment

	mss      int
	cwnd     int
	ssthresh int
	dupAcks  int

	// retransmission and persist timer
	timer       int
	deadline    uint64
	rto         uint64
	retransmits int

	// round-trip estimation, in ticks
	srtt     uint64
	rttvar   uint64
	rttTimed bool
	rttSeq   seqnum.Value
	rttStart uint64

	timeWaitDeadline uint64

	// err is reported to the application once the connection failed.
	err *kernel.Error
}

// dataEnd returns the sequence number that follows the last buffered byte.
func (c *conn) dataEnd() seqnum.Value {
	return c.bufStart.Add(seqnum.Size(c.sndBuf.Len()))
}

// finSent returns true if the FIN occupies sequence space.
func (c *conn) finSent() bool {
	return c.finQueued && c.sndNxt == c.dataEnd().Add(1)
}

// finAcked returns true if the peer acknowledged our FIN.
func (c *conn) finAcked() bool {
	return c.finQueued && c.sndUna == c.dataEnd().Add(1)
}

// advance moves sndNxt forward by n sequence numbers.
func (c *conn) advance(n int) {
	c.sndNxt.UpdateForward(seqnum.Size(n))
	c.sndMax = seqnum.Max(c.sndMax, c.sndNxt)
}

// inFlight returns the number of sequence numbers sent but not yet
// acknowledged.
func (c *conn) inFlight() int {
	return int(c.sndUna.Size(c.sndNxt))
}

// rcvWnd returns the receive window to advertise.
func (c *conn) rcvWnd() uint32 {
	wnd := c.rcvBuf.Free()
	if c.discarding() {
		wnd = c.rcvBuf.Cap()
	}

	if wnd > maxWindow {
		wnd = maxWindow
	}
	return uint32(wnd)
}

// discarding returns true once the application closed its side and gave
// up the connection. Data that still arrives is acknowledged and dropped.
func (c *conn) discarding() bool {
	return c.finQueued && c.socketID == NoSocket && c.listener == NoConn
}
