// Package socket implements the task-visible handles of the network stack.
//
// A Table maps small integer handles to TCP connections, TCP listeners and
// UDP endpoints of a stack. Operations that cannot complete right away
// block the calling task on the wait queue of the socket; the protocol
// layers notify the table whenever the state of a connection or endpoint
// changes and the table wakes the waiters, which then re-check their
// condition.
//
// All operations mask interrupts while they touch the stack so they never
// interleave with the netd task.
package socket

import (
	"io"

	"github.com/shiiinji/wasabi/kernel"
	"github.com/shiiinji/wasabi/kernel/cpu"
	"github.com/shiiinji/wasabi/kernel/kfmt"
	"github.com/shiiinji/wasabi/kernel/net"
	"github.com/shiiinji/wasabi/kernel/net/stack"
	"github.com/shiiinji/wasabi/kernel/net/tcp"
	"github.com/shiiinji/wasabi/kernel/net/udp"
	"github.com/shiiinji/wasabi/kernel/sched"
)

// MaxSockets is the size of the handle table.
const MaxSockets = 64

// Handle identifies an open socket.
type Handle int

// InvalidHandle is returned by operations that fail to open a socket.
const InvalidHandle = Handle(-1)

// Kind describes what a socket is bound to.
type Kind uint8

// The supported socket kinds.
const (
	KindFree Kind = iota
	KindTCP
	KindListener
	KindUDP
)

var kindNames = [...]string{"free", "tcp", "listener", "udp"}

// String implements fmt.Stringer for Kind.
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

var (
	// ErrBadHandle is returned for handles that are not open.
	ErrBadHandle = &kernel.Error{Module: "socket", Message: "bad socket handle"}

	// ErrClosed is returned to tasks that were blocked on a socket when
	// it was closed.
	ErrClosed = &kernel.Error{Module: "socket", Message: "socket closed"}

	// ErrTooManySockets is returned when the handle table is full.
	ErrTooManySockets = &kernel.Error{Module: "socket", Message: "too many open sockets"}

	// ErrWrongKind is returned for operations that the socket kind does
	// not support.
	ErrWrongKind = &kernel.Error{Module: "socket", Message: "operation not supported by socket"}
)

type socket struct {
	kind    Kind
	gen     uint32
	owner   sched.TaskID
	closing bool

	conn tcp.ConnID
	ep   udp.EndpointID

	waiters sched.WaitQueue
}

// Info is a snapshot of an open socket.
type Info struct {
	Kind      Kind
	Owner     sched.TaskID
	LocalPort uint16

	// State is the state of the TCP connection or listener; UDP
	// sockets report tcp.Closed.
	State tcp.State
}

// Table holds the sockets of a stack.
type Table struct {
	stack   *stack.Stack
	sockets [MaxSockets]socket
}

// New returns the socket table of s. It registers with the notifiers of
// the TCP and UDP layers and with the exit hooks of the scheduler so the
// sockets of a terminated task are closed. The scheduler must be
// initialized first.
func New(s *stack.Stack) *Table {
	t := &Table{stack: s}

	s.TCP().SetNotifier(t.notify)
	s.UDP().SetNotifier(t.notify)
	sched.OnExit(t.closeOwned)

	return t
}

// alloc reserves a free slot for the running task.
func (t *Table) alloc(kind Kind) (Handle, *socket, *kernel.Error) {
	for i := range t.sockets {
		s := &t.sockets[i]
		if s.kind != KindFree {
			continue
		}

		*s = socket{
			kind: kind,
			gen:  s.gen + 1,
			conn: tcp.NoConn,
		}
		if cur := sched.Current(); cur != nil {
			s.owner = cur.ID()
		}
		return Handle(i), s, nil
	}

	return InvalidHandle, nil, ErrTooManySockets
}

// get returns the open socket behind h.
func (t *Table) get(h Handle) (*socket, *kernel.Error) {
	if h < 0 || int(h) >= MaxSockets {
		return nil, ErrBadHandle
	}

	s := &t.sockets[h]
	if s.kind == KindFree || s.closing {
		return nil, ErrBadHandle
	}
	return s, nil
}

// release detaches the socket from the stack and frees its slot. Tasks
// still blocked on the socket are woken with a closed signal.
func (t *Table) release(s *socket) {
	switch s.kind {
	case KindTCP, KindListener:
		t.stack.TCP().Detach(s.conn)
	case KindUDP:
		t.stack.UDP().Close(s.ep)
	}

	s.kind = KindFree
	s.closing = false
	s.conn = tcp.NoConn
	s.waiters.WakeAll(sched.WakeClosed)
}

// finished returns true once a closing connection no longer needs its
// socket.
func finished(state tcp.State) bool {
	return state == tcp.Closed || state == tcp.TimeWait
}

// notify is invoked by the protocol layers whenever something happened to
// the connection or endpoint of the socket with the given id.
func (t *Table) notify(socketID int) {
	if socketID < 0 || socketID >= MaxSockets {
		return
	}

	s := &t.sockets[socketID]
	switch {
	case s.kind == KindFree:
	case s.closing:
		if finished(t.stack.TCP().State(s.conn)) {
			t.release(s)
		}
	default:
		s.waiters.WakeAll(sched.WakeEvent)
	}
}

// wait blocks the running task until the socket is notified. It must be
// called with interrupts masked and returns ErrClosed if the socket was
// closed while the task was blocked.
func (t *Table) wait(s *socket, reason string) *kernel.Error {
	gen := s.gen
	if sched.Block(&s.waiters, reason) == sched.WakeClosed || s.gen != gen || s.kind == KindFree || s.closing {
		return ErrClosed
	}
	return nil
}

// OpenTCP connects to dst:port. It blocks until the connection is
// established or fails.
func (t *Table) OpenTCP(dst net.IPv4Addr, port uint16) (Handle, *kernel.Error) {
	cpu.DisableInterrupts()
	defer cpu.EnableInterrupts()

	h, s, err := t.alloc(KindTCP)
	if err != nil {
		return InvalidHandle, err
	}

	l := t.stack.TCP()
	if s.conn, err = l.Connect(dst, port); err != nil {
		s.kind = KindFree
		return InvalidHandle, err
	}
	l.Attach(s.conn, int(h))

	for {
		switch l.State(s.conn) {
		case tcp.SynSent, tcp.SynReceived:
		case tcp.Closed:
			if err = l.Err(s.conn); err == nil {
				err = tcp.ErrConnRefused
			}
			t.release(s)
			return InvalidHandle, err
		default:
			return h, nil
		}

		if err = t.wait(s, "connect"); err != nil {
			return InvalidHandle, err
		}
	}
}

// ListenTCP opens a listener on port.
func (t *Table) ListenTCP(port uint16) (Handle, *kernel.Error) {
	cpu.DisableInterrupts()
	defer cpu.EnableInterrupts()

	h, s, err := t.alloc(KindListener)
	if err != nil {
		return InvalidHandle, err
	}

	if s.conn, err = t.stack.TCP().Listen(port, 0); err != nil {
		s.kind = KindFree
		return InvalidHandle, err
	}
	t.stack.TCP().Attach(s.conn, int(h))

	return h, nil
}

// Accept blocks until the listener h has an established connection and
// returns a new socket for it. The new socket is owned by the running task.
func (t *Table) Accept(h Handle) (Handle, *kernel.Error) {
	cpu.DisableInterrupts()
	defer cpu.EnableInterrupts()

	s, err := t.get(h)
	if err != nil {
		return InvalidHandle, err
	}
	if s.kind != KindListener {
		return InvalidHandle, ErrWrongKind
	}

	l := t.stack.TCP()
	for {
		id, err := l.Accept(s.conn)
		switch err {
		case nil:
			ch, cs, err := t.alloc(KindTCP)
			if err != nil {
				l.Abort(id)
				return InvalidHandle, err
			}
			cs.conn = id
			l.Attach(id, int(ch))
			return ch, nil
		case tcp.ErrWouldBlock:
		default:
			return InvalidHandle, err
		}

		if err = t.wait(s, "accept"); err != nil {
			return InvalidHandle, err
		}
	}
}

// Send queues data on the connection of h and returns the number of bytes
// accepted. It blocks only while the send buffer is full; once there is
// room it accepts as much as fits.
func (t *Table) Send(h Handle, data []byte) (int, *kernel.Error) {
	cpu.DisableInterrupts()
	defer cpu.EnableInterrupts()

	s, err := t.get(h)
	if err != nil {
		return 0, err
	}
	if s.kind != KindTCP {
		return 0, ErrWrongKind
	}
	if len(data) == 0 {
		return 0, nil
	}

	for {
		n, err := t.stack.TCP().Send(s.conn, data)
		if err != tcp.ErrWouldBlock {
			return n, err
		}

		if err = t.wait(s, "send"); err != nil {
			return 0, err
		}
	}
}

// Recv copies received data into p. It blocks while the receive buffer is
// empty and the connection is open, and returns tcp.ErrEOF once the peer
// closed its side and every byte has been read.
func (t *Table) Recv(h Handle, p []byte) (int, *kernel.Error) {
	cpu.DisableInterrupts()
	defer cpu.EnableInterrupts()

	s, err := t.get(h)
	if err != nil {
		return 0, err
	}
	if s.kind != KindTCP {
		return 0, ErrWrongKind
	}
	if len(p) == 0 {
		return 0, nil
	}

	for {
		n, err := t.stack.TCP().Recv(s.conn, p)
		if err != tcp.ErrWouldBlock {
			return n, err
		}

		if err = t.wait(s, "recv"); err != nil {
			return 0, err
		}
	}
}

// OpenUDP binds a UDP socket to port. Port 0 selects an ephemeral port.
func (t *Table) OpenUDP(port uint16) (Handle, *kernel.Error) {
	cpu.DisableInterrupts()
	defer cpu.EnableInterrupts()

	h, s, err := t.alloc(KindUDP)
	if err != nil {
		return InvalidHandle, err
	}

	if s.ep, err = t.stack.UDP().Bind(port); err != nil {
		s.kind = KindFree
		return InvalidHandle, err
	}
	t.stack.UDP().Attach(s.ep, int(h))

	return h, nil
}

// SendTo sends a datagram from the UDP socket h to dst:port.
func (t *Table) SendTo(h Handle, dst net.IPv4Addr, port uint16, data []byte) *kernel.Error {
	cpu.DisableInterrupts()
	defer cpu.EnableInterrupts()

	s, err := t.get(h)
	if err != nil {
		return err
	}
	if s.kind != KindUDP {
		return ErrWrongKind
	}

	return t.stack.UDP().SendTo(s.ep, dst, port, data)
}

// RecvFrom blocks until a datagram is queued on the UDP socket h and copies
// it into p. Datagrams longer than p are truncated. It returns the number
// of copied bytes and the address of the sender.
func (t *Table) RecvFrom(h Handle, p []byte) (int, net.IPv4Addr, uint16, *kernel.Error) {
	cpu.DisableInterrupts()
	defer cpu.EnableInterrupts()

	s, err := t.get(h)
	if err != nil {
		return 0, net.IPv4Addr{}, 0, err
	}
	if s.kind != KindUDP {
		return 0, net.IPv4Addr{}, 0, ErrWrongKind
	}

	for {
		if d, ok := t.stack.UDP().RecvFrom(s.ep); ok {
			return copy(p, d.Data), d.Src, d.SrcPort, nil
		}

		if err = t.wait(s, "recvfrom"); err != nil {
			return 0, net.IPv4Addr{}, 0, err
		}
	}
}

// Close starts closing the socket h and invalidates the handle. Tasks
// blocked on the socket are woken with a closed signal. A TCP connection
// keeps its slot until it reaches CLOSED or TIME_WAIT.
func (t *Table) Close(h Handle) *kernel.Error {
	cpu.DisableInterrupts()
	defer cpu.EnableInterrupts()

	s, err := t.get(h)
	if err != nil {
		return err
	}

	t.shutdown(s, false)
	return nil
}

// shutdown closes s gracefully or, if abort is set, resets its connection.
func (t *Table) shutdown(s *socket, abort bool) {
	if s.kind == KindUDP {
		t.release(s)
		return
	}

	// The notifier releases the slot if the connection finishes while
	// it is being closed.
	s.closing = true
	s.waiters.WakeAll(sched.WakeClosed)

	l := t.stack.TCP()
	if abort {
		l.Abort(s.conn)
	} else {
		l.Close(s.conn)
	}

	if s.kind != KindFree && finished(l.State(s.conn)) {
		t.release(s)
	}
}

// closeOwned resets the sockets of a terminated task.
func (t *Table) closeOwned(id sched.TaskID) {
	cpu.DisableInterrupts()
	defer cpu.EnableInterrupts()

	for i := range t.sockets {
		s := &t.sockets[i]
		if s.kind == KindFree || s.closing || s.owner != id {
			continue
		}

		kfmt.Fprintf(logWriter(), "closing socket %d of task %d\n", i, id)
		t.shutdown(s, true)
	}
}

// Info returns a snapshot of the socket h.
func (t *Table) Info(h Handle) (Info, *kernel.Error) {
	cpu.DisableInterrupts()
	defer cpu.EnableInterrupts()

	s, err := t.get(h)
	if err != nil {
		return Info{}, err
	}

	info := Info{Kind: s.kind, Owner: s.owner, State: tcp.Closed}
	switch s.kind {
	case KindUDP:
		info.LocalPort = t.stack.UDP().LocalPort(s.ep)
	default:
		info.State = t.stack.TCP().State(s.conn)
		if ci, ok := t.stack.TCP().Info(s.conn); ok {
			info.LocalPort = ci.LocalPort
		}
	}
	return info, nil
}

// InUse returns the number of occupied slots, including sockets that are
// still closing.
func (t *Table) InUse() int {
	var n int
	for i := range t.sockets {
		if t.sockets[i].kind != KindFree {
			n++
		}
	}
	return n
}

// Dump writes a line for every occupied slot to w.
func (t *Table) Dump(w io.Writer) {
	for i := range t.sockets {
		s := &t.sockets[i]
		if s.kind == KindFree {
			continue
		}

		state := "open"
		if s.closing {
			state = "closing"
		}
		kfmt.Fprintf(w, "%2d %-8s owner %d %s waiters %d\n", i, s.kind.String(), s.owner, state, s.waiters.Len())
	}
}

func logWriter() *kfmt.PrefixWriter {
	return kfmt.NewPrefixWriter("socket")
}
