// Package dhcp implements a DHCP client that configures the network
// interface at boot.
//
// The client runs the DISCOVER, OFFER, REQUEST, ACK exchange over UDP and
// applies the leased address, netmask, router and DNS server to the
// interface. Unanswered messages are retransmitted from Tick; once the
// retry budget is exhausted the client gives up and reports failure.
// Leases are not renewed.
package dhcp

import (
	"github.com/shiiinji/wasabi/kernel"
	"github.com/shiiinji/wasabi/kernel/kfmt"
	"github.com/shiiinji/wasabi/kernel/net"
	"github.com/shiiinji/wasabi/kernel/net/udp"
)

// UDP ports used by DHCP.
const (
	ClientPort = uint16(68)
	ServerPort = uint16(67)
)

// State is the state of the client.
type State uint8

// Client states.
const (
	Init State = iota
	Selecting
	Requesting
	Bound
	Failed
)

var (
	// ErrNoLease is reported when no server answered within the retry
	// budget.
	ErrNoLease = &kernel.Error{Module: "dhcp", Message: "no DHCP lease obtained"}

	errAlreadyStarted = &kernel.Error{Module: "dhcp", Message: "client already started"}

	// xidFn returns the transaction id of a new exchange. It is mocked by
	// tests.
	xidFn = func(now uint64, mac net.HardwareAddr) uint32 {
		return uint32(mac[2])<<24 | uint32(mac[3])<<16 | uint32(mac[4])<<8 | uint32(mac[5]) ^ uint32(now)
	}
)

// Config holds the retransmission parameters. RetryInterval is expressed in
// timer ticks.
type Config struct {
	Retries       int
	RetryInterval uint64
}

// Lease describes the configuration handed out by the server.
type Lease struct {
	Addr      net.IPv4Addr
	Netmask   net.IPv4Addr
	Router    net.IPv4Addr
	DNS       net.IPv4Addr
	Server    net.IPv4Addr
	LeaseTime uint32
}

// Client is a DHCP client bound to one interface.
type Client struct {
	udp   *udp.Layer
	iface *net.Interface
	mac   net.HardwareAddr
	cfg   Config

	ep      udp.EndpointID
	state   State
	xid     uint32
	now     uint64
	retries int
	nextTx  uint64
	offer   Message
	lease   Lease

	doneFn func(*kernel.Error)
}

// NewClient returns a client that configures iface. Start begins the
// exchange.
func NewClient(u *udp.Layer, iface *net.Interface, mac net.HardwareAddr, cfg Config) *Client {
	return &Client{
		udp:   u,
		iface: iface,
		mac:   mac,
		cfg:   cfg,
		ep:    -1,
	}
}

// State returns the state of the client.
func (c *Client) State() State {
	return c.state
}

// Lease returns the lease obtained by the client. It is only valid once the
// client is Bound.
func (c *Client) Lease() Lease {
	return c.lease
}

// OnDone registers a function that is invoked once the client is bound
// (with a nil error) or gives up.
func (c *Client) OnDone(fn func(*kernel.Error)) {
	c.doneFn = fn
}

// Start binds the client port and broadcasts a DISCOVER.
func (c *Client) Start() *kernel.Error {
	if c.state != Init {
		return errAlreadyStarted
	}

	ep, err := c.udp.Bind(ClientPort)
	if err != nil {
		return err
	}
	c.ep = ep

	c.discover()
	return nil
}

func (c *Client) discover() {
	c.state = Selecting
	c.xid = xidFn(c.now, c.mac)
	c.send(&Message{Type: MsgDiscover})
}

func (c *Client) request() {
	c.state = Requesting
	c.send(&Message{
		Type:        MsgRequest,
		ServerID:    c.offer.ServerID,
		RequestedIP: c.offer.YIAddr,
	})
}

// send broadcasts a client message and schedules its retransmission.
func (c *Client) send(m *Message) {
	m.Op = opBootRequest
	m.XID = c.xid
	m.Flags = flagBroadcast
	m.CHAddr = c.mac

	if err := c.udp.SendTo(c.ep, net.IPv4Broadcast, ServerPort, m.Marshal()); err != nil {
		kfmt.Fprintf(logWriter(), "send failed: %s\n", err.Error())
	}
	c.nextTx = c.now + c.cfg.RetryInterval
}

// Poll processes the server messages queued on the client port.
func (c *Client) Poll() {
	if c.ep < 0 {
		return
	}

	for {
		dgram, ok := c.udp.RecvFrom(c.ep)
		if !ok {
			return
		}
		c.input(dgram.Data)
	}
}

func (c *Client) input(b []byte) {
	m, ok := ParseMessage(b)
	if !ok || m.Op != opBootReply || m.XID != c.xid || m.CHAddr != c.mac {
		return
	}

	switch {
	case c.state == Selecting && m.Type == MsgOffer:
		kfmt.Fprintf(logWriter(), "offer of %s from %s\n", m.YIAddr.String(), m.ServerID.String())
		c.offer = m
		c.retries = 0
		c.request()
	case c.state == Requesting && m.Type == MsgAck:
		c.bind(&m)
	case c.state == Requesting && m.Type == MsgNak:
		kfmt.Fprintf(logWriter(), "request for %s declined by %s\n", c.offer.YIAddr.String(), m.ServerID.String())
		c.discover()
	}
}

func (c *Client) bind(m *Message) {
	mask := m.SubnetMask
	if mask.IsZero() {
		mask = c.offer.SubnetMask
	}

	c.lease = Lease{
		Addr:      m.YIAddr,
		Netmask:   mask,
		Router:    m.Router,
		DNS:       m.DNS,
		Server:    m.ServerID,
		LeaseTime: m.LeaseTime,
	}
	c.iface.Configure(c.lease.Addr, c.lease.Netmask, c.lease.Router, c.lease.DNS)
	c.state = Bound
	c.udp.Close(c.ep)
	c.ep = -1

	kfmt.Fprintf(logWriter(), "bound to %s (netmask %s, router %s, dns %s)\n",
		c.lease.Addr.String(), c.lease.Netmask.String(), c.lease.Router.String(), c.lease.DNS.String())

	if c.doneFn != nil {
		c.doneFn(nil)
	}
}

// Tick retransmits the pending message when its deadline passed.
func (c *Client) Tick(now uint64) {
	c.now = now
	if (c.state != Selecting && c.state != Requesting) || now < c.nextTx {
		return
	}

	if c.retries >= c.cfg.Retries {
		c.state = Failed
		c.udp.Close(c.ep)
		c.ep = -1

		kfmt.Fprintf(logWriter(), "no answer after %d retries\n", c.retries)
		if c.doneFn != nil {
			c.doneFn(ErrNoLease)
		}
		return
	}

	c.retries++
	if c.state == Selecting {
		c.discover()
		return
	}
	c.request()
}

func logWriter() *kfmt.PrefixWriter {
	return kfmt.NewPrefixWriter("dhcp")
}
