package dhcp

import (
	"testing"

	"github.com/shiiinji/wasabi/device/nic/pipe"
	"github.com/shiiinji/wasabi/kernel"
	"github.com/shiiinji/wasabi/kernel/net"
	"github.com/shiiinji/wasabi/kernel/net/ipv4"
	"github.com/shiiinji/wasabi/kernel/net/nettest"
	"github.com/shiiinji/wasabi/kernel/net/udp"
)

var (
	leasedIP = net.IPv4Addr{10, 0, 2, 15}
	dnsIP    = net.IPv4Addr{10, 0, 2, 3}
)

// testServer answers DHCP requests from the server end of the wire.
type testServer struct {
	udp *udp.Layer
	ep  udp.EndpointID

	// silent drops every request.
	silent bool
	// nak declines the first REQUEST.
	nak bool

	seen []uint8
}

func (s *testServer) serve(t *testing.T) {
	for {
		dgram, ok := s.udp.RecvFrom(s.ep)
		if !ok {
			return
		}

		req, ok := ParseMessage(dgram.Data)
		if !ok || req.Op != opBootRequest {
			t.Errorf("server received malformed message")
			continue
		}
		s.seen = append(s.seen, req.Type)
		if s.silent {
			continue
		}

		reply := Message{
			Op:         opBootReply,
			XID:        req.XID,
			YIAddr:     leasedIP,
			CHAddr:     req.CHAddr,
			ServerID:   nettest.ServerIP,
			SubnetMask: nettest.Netmask,
			Router:     nettest.ServerIP,
			DNS:        dnsIP,
			LeaseTime:  86400,
		}

		switch req.Type {
		case MsgDiscover:
			reply.Type = MsgOffer
		case MsgRequest:
			if req.RequestedIP != leasedIP || req.ServerID != nettest.ServerIP {
				t.Errorf("unexpected REQUEST: %+v", req)
			}
			reply.Type = MsgAck
			if s.nak {
				s.nak = false
				reply.Type = MsgNak
			}
		}

		if err := s.udp.SendTo(s.ep, net.IPv4Broadcast, ClientPort, reply.Marshal()); err != nil {
			t.Errorf("server send: %v", err)
		}
	}
}

type testNet struct {
	client *Client
	server *testServer
	hosts  []*nettest.Host
	iface  *net.Interface
}

func newTestNet(t *testing.T) *testNet {
	devC, devS := pipe.NewPair(nettest.ClientMAC, nettest.ServerMAC, 64)
	c := nettest.NewHost(devC, net.IPv4Zero, net.IPv4Zero)
	s := nettest.NewHost(devS, nettest.ServerIP, net.IPv4Zero)

	cu, su := udp.NewLayer(c.IP, 4), udp.NewLayer(s.IP, 4)
	c.IP.Register(ipv4.ProtoUDP, cu.Input)
	s.IP.Register(ipv4.ProtoUDP, su.Input)

	ep, err := su.Bind(ServerPort)
	if err != nil {
		t.Fatal(err)
	}

	return &testNet{
		client: NewClient(cu, c.Iface, nettest.ClientMAC, Config{Retries: 2, RetryInterval: 10}),
		server: &testServer{udp: su, ep: ep},
		hosts:  []*nettest.Host{c, s},
		iface:  c.Iface,
	}
}

// run delivers traffic until both ends are idle.
func (n *testNet) run(t *testing.T) {
	for i := 0; i < 8; i++ {
		nettest.Pump(n.hosts...)
		n.server.serve(t)
		nettest.Pump(n.hosts...)
		n.client.Poll()
	}
}

func TestMessage(t *testing.T) {
	m := Message{
		Op:          opBootRequest,
		XID:         0xdeadbeef,
		Flags:       flagBroadcast,
		CHAddr:      nettest.ClientMAC,
		Type:        MsgRequest,
		ServerID:    nettest.ServerIP,
		RequestedIP: leasedIP,
		LeaseTime:   3600,
	}

	b := m.Marshal()
	got, ok := ParseMessage(b)
	if !ok || got != m {
		t.Fatalf("expected %+v; got %+v (ok %t)", m, got, ok)
	}

	specs := []struct {
		data []byte
	}{
		{b[:fixedLen]},
		// bad magic cookie
		{append(append([]byte(nil), b[:fixedLen]...), 1, 2, 3, 4, optEnd)},
		// option overruns the message
		{append(append([]byte(nil), b[:fixedLen+4]...), optRouter, 8, 1, 2)},
		// no message type
		{append(append([]byte(nil), b[:fixedLen+4]...), optPad, optEnd)},
	}

	for specIndex, spec := range specs {
		if _, ok := ParseMessage(spec.data); ok {
			t.Errorf("[spec %d] expected message to be rejected", specIndex)
		}
	}
}

func TestLease(t *testing.T) {
	defer func(orig func(uint64, net.HardwareAddr) uint32) { xidFn = orig }(xidFn)
	xidFn = func(_ uint64, _ net.HardwareAddr) uint32 { return 42 }

	n := newTestNet(t)

	var (
		done    bool
		doneErr *kernel.Error
	)
	n.client.OnDone(func(err *kernel.Error) { done, doneErr = true, err })

	if err := n.client.Start(); err != nil {
		t.Fatal(err)
	}

	if err := n.client.Start(); err != errAlreadyStarted {
		t.Fatalf("expected errAlreadyStarted; got %v", err)
	}
	n.run(t)

	if got := n.client.State(); got != Bound {
		t.Fatalf("expected client to be bound; got state %d", got)
	}

	if !done || doneErr != nil {
		t.Fatalf("expected completion callback with no error; got %t, %v", done, doneErr)
	}

	if n.iface.Addr != leasedIP || n.iface.Netmask != nettest.Netmask || n.iface.Gateway != nettest.ServerIP || n.iface.DNS != dnsIP {
		t.Fatalf("expected interface to be configured from the lease; got %+v", *n.iface)
	}

	if lease := n.client.Lease(); lease.Server != nettest.ServerIP || lease.LeaseTime != 86400 {
		t.Fatalf("unexpected lease: %+v", lease)
	}

	exp := []uint8{MsgDiscover, MsgRequest}
	if len(n.server.seen) != len(exp) || n.server.seen[0] != exp[0] || n.server.seen[1] != exp[1] {
		t.Fatalf("expected server to see %v; got %v", exp, n.server.seen)
	}
}

func TestNakRestartsExchange(t *testing.T) {
	defer func(orig func(uint64, net.HardwareAddr) uint32) { xidFn = orig }(xidFn)
	xidFn = func(_ uint64, _ net.HardwareAddr) uint32 { return 7 }

	n := newTestNet(t)
	n.server.nak = true

	n.client.Start()
	n.run(t)

	if got := n.client.State(); got != Bound {
		t.Fatalf("expected client to be bound after a NAK; got state %d", got)
	}

	exp := []uint8{MsgDiscover, MsgRequest, MsgDiscover, MsgRequest}
	if len(n.server.seen) != len(exp) {
		t.Fatalf("expected server to see %v; got %v", exp, n.server.seen)
	}
}

func TestRetriesExhausted(t *testing.T) {
	n := newTestNet(t)
	n.server.silent = true

	var doneErr *kernel.Error
	n.client.OnDone(func(err *kernel.Error) { doneErr = err })
	n.client.Start()

	// Retransmissions at 10 and 20, failure at 30.
	for now := uint64(1); now <= 30; now++ {
		n.client.Tick(now)
		n.run(t)

		if now < 30 && n.client.State() != Selecting {
			t.Fatalf("expected client to keep selecting at tick %d; got state %d", now, n.client.State())
		}
	}

	if got := n.client.State(); got != Failed || doneErr != ErrNoLease {
		t.Fatalf("expected client to fail with ErrNoLease; got state %d, %v", got, doneErr)
	}

	if len(n.server.seen) != 3 {
		t.Fatalf("expected 3 DISCOVER messages; got %d", len(n.server.seen))
	}

	if n.iface.Configured() {
		t.Fatal("expected interface to remain unconfigured")
	}
}
