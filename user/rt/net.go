package rt

import (
	"encoding/binary"
	"io"

	"github.com/shiiinji/wasabi/kernel/mm/vmm"
	"github.com/shiiinji/wasabi/kernel/net"
	"github.com/shiiinji/wasabi/kernel/syscall"
)

// Conn is a TCP connection.
type Conn struct {
	handle uint64
	closed bool
}

// DialTCP connects to the specified address and port. It blocks until the
// handshake completes or fails.
func DialTCP(addr net.IPv4Addr, port uint16) (*Conn, error) {
	h, err := Syscall(syscall.SysOpenTCP, syscall.PackIPv4(addr), uint64(port))
	if err != nil {
		return nil, err
	}
	return &Conn{handle: h}, nil
}

// Read implements io.Reader. It returns io.EOF once the peer closed its
// side of the connection and all data was consumed.
func (c *Conn) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	buf := chunk(p)
	n, err := Syscall(syscall.SysRecv, c.handle, uint64(bounceBase), uint64(len(buf)))
	switch {
	case err != nil:
		return 0, err
	case n == 0:
		return 0, io.EOF
	}

	load(p, int(n))
	return int(n), nil
}

// Write implements io.Writer. It blocks until all of p was queued.
func (c *Conn) Write(p []byte) (int, error) {
	var written int
	for len(p) > 0 {
		buf := chunk(p)
		n, err := Syscall(syscall.SysSend, c.handle, store(buf), uint64(len(buf)))
		if err != nil {
			return written, err
		}
		written += int(n)
		p = p[n:]
	}
	return written, nil
}

// Close implements io.Closer. Closing a closed connection is a no-op.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}

	c.closed = true
	_, err := Syscall(syscall.SysClose, c.handle)
	return err
}

// Listener accepts TCP connections on a local port.
type Listener struct {
	handle uint64
}

// ListenTCP opens a listener on the specified port.
func ListenTCP(port uint16) (*Listener, error) {
	h, err := Syscall(syscall.SysListenTCP, uint64(port))
	if err != nil {
		return nil, err
	}
	return &Listener{handle: h}, nil
}

// Accept blocks until a connection is established.
func (l *Listener) Accept() (*Conn, error) {
	h, err := Syscall(syscall.SysAccept, l.handle)
	if err != nil {
		return nil, err
	}
	return &Conn{handle: h}, nil
}

// Close stops listening.
func (l *Listener) Close() error {
	_, err := Syscall(syscall.SysClose, l.handle)
	return err
}

// UDPConn is a bound UDP socket.
type UDPConn struct {
	handle uint64
}

// ListenUDP binds a UDP socket to port. Port 0 selects an ephemeral port.
func ListenUDP(port uint16) (*UDPConn, error) {
	h, err := Syscall(syscall.SysOpenUDP, uint64(port))
	if err != nil {
		return nil, err
	}
	return &UDPConn{handle: h}, nil
}

// WriteTo sends p as a single datagram.
func (c *UDPConn) WriteTo(p []byte, addr net.IPv4Addr, port uint16) (int, error) {
	if len(p) > syscall.MaxTransfer {
		return 0, syscall.EINVAL
	}

	n, err := Syscall(syscall.SysSendTo, c.handle, store(p), uint64(len(p)), syscall.PackIPv4(addr)<<16|uint64(port))
	return int(n), err
}

// ReadFrom blocks until a datagram arrives and copies it into p. Datagrams
// larger than p are truncated.
func (c *UDPConn) ReadFrom(p []byte) (int, net.IPv4Addr, uint16, error) {
	var src net.IPv4Addr

	buf := chunk(p)
	n, err := Syscall(syscall.SysRecvFrom, c.handle, uint64(bounceBase), uint64(len(buf)), uint64(addrBase))
	if err != nil {
		return 0, src, 0, err
	}
	load(p, int(n))

	var addr [syscall.AddrLen]byte
	vmm.ActiveSpace().Read(addrBase, addr[:], vmm.AccessUser)
	copy(src[:], addr[:4])
	return int(n), src, binary.BigEndian.Uint16(addr[4:]), nil
}

// Close releases the socket.
func (c *UDPConn) Close() error {
	_, err := Syscall(syscall.SysClose, c.handle)
	return err
}
