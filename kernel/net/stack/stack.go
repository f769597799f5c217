// Package stack assembles the protocol layers of one network interface.
//
// A Stack owns the Ethernet link, the ARP resolver, the IPv4, ICMP, UDP and
// TCP layers and, when enabled, the DHCP client. It is driven by Poll, which
// drains the receive ring of the device, and Tick, which runs the deadline
// sweeps of every layer. Neither blocks; the netd task (see Start) calls
// them in response to NIC interrupts and timer ticks.
package stack

import (
	"io"

	"github.com/shiiinji/wasabi/kernel"
	"github.com/shiiinji/wasabi/kernel/config"
	"github.com/shiiinji/wasabi/kernel/kfmt"
	"github.com/shiiinji/wasabi/kernel/net"
	"github.com/shiiinji/wasabi/kernel/net/arp"
	"github.com/shiiinji/wasabi/kernel/net/dhcp"
	"github.com/shiiinji/wasabi/kernel/net/ethernet"
	"github.com/shiiinji/wasabi/kernel/net/icmp"
	"github.com/shiiinji/wasabi/kernel/net/ipv4"
	"github.com/shiiinji/wasabi/kernel/net/netdev"
	"github.com/shiiinji/wasabi/kernel/net/tcp"
	"github.com/shiiinji/wasabi/kernel/net/udp"
)

// DefaultPollBudget is the number of frames processed by a single Poll call
// of the netd task before it yields to other work.
const DefaultPollBudget = 32

// Counters is a snapshot of the counters of every layer.
type Counters struct {
	Polls    uint64
	Frames   uint64
	Ticks    uint64
	Ethernet ethernet.Stats
	ARP      arp.Stats
	IPv4     ipv4.Stats
	ICMP     icmp.Stats
	UDP      udp.Stats
	TCP      tcp.Stats
}

// Stack is the protocol stack of one interface.
type Stack struct {
	dev   netdev.Device
	iface net.Interface

	link *ethernet.Link
	arp  *arp.Resolver
	ip   *ipv4.Layer
	icmp *icmp.Responder
	udp  *udp.Layer
	tcp  *tcp.Layer
	dhcp *dhcp.Client

	polls  uint64
	frames uint64
	ticks  uint64
}

// New builds a stack on top of dev using the limits and addressing of cfg.
// Durations in cfg are converted to timer ticks.
func New(dev netdev.Device, cfg *config.Config) (*Stack, *kernel.Error) {
	s := &Stack{dev: dev}

	if !cfg.Network.DHCP {
		if err := s.configureStatic(&cfg.Network); err != nil {
			return nil, err
		}
	}

	s.link = ethernet.NewLink(dev)
	s.arp = arp.NewResolver(s.link, &s.iface, ARPConfig(cfg))
	s.ip = ipv4.NewLayer(&s.iface, s.arp, dev.MTU())
	s.icmp = icmp.NewResponder(s.ip)
	s.udp = udp.NewLayer(s.ip, cfg.UDP.RecvQueue)
	s.tcp = tcp.NewLayer(s.ip, TCPConfig(cfg))

	s.link.Register(ethernet.TypeARP, s.arp.Input)
	s.link.Register(ethernet.TypeIPv4, s.ip.Input)
	s.ip.Register(ipv4.ProtoICMP, s.icmp.Input)
	s.ip.Register(ipv4.ProtoUDP, s.udp.Input)
	s.ip.Register(ipv4.ProtoTCP, s.tcp.Input)
	s.udp.SetUnreachableHandler(s.icmp.SendPortUnreachable)

	if cfg.Network.DHCP {
		s.dhcp = dhcp.NewClient(s.udp, &s.iface, dev.HardwareAddr(), dhcp.Config{
			Retries:       cfg.Network.DHCPRetries,
			RetryInterval: cfg.Ticks(cfg.Network.DHCPRetryIntervalMs),
		})
	}

	kfmt.Fprintf(logWriter(), "interface %s mtu %d: %s\n", dev.HardwareAddr().String(), dev.MTU(), s.addressing())
	return s, nil
}

func (s *Stack) configureStatic(nc *config.Network) *kernel.Error {
	var addrs [4]net.IPv4Addr
	for i, str := range []string{nc.Address, nc.Netmask, nc.Gateway, nc.DNS} {
		addr, err := net.ParseIPv4(str)
		if err != nil {
			return err
		}
		addrs[i] = addr
	}
	s.iface.Configure(addrs[0], addrs[1], addrs[2], addrs[3])

	for _, str := range nc.Aliases {
		addr, err := net.ParseIPv4(str)
		if err != nil {
			return err
		}
		if !s.iface.AddAlias(addr) {
			kfmt.Fprintf(logWriter(), "ignoring alias %s: too many addresses\n", str)
		}
	}
	return nil
}

func (s *Stack) addressing() string {
	if s.dhcp != nil {
		return "waiting for DHCP"
	}
	if !s.iface.Configured() {
		return "unconfigured"
	}
	return s.iface.Addr.String() + " netmask " + s.iface.Netmask.String() + " gateway " + s.iface.Gateway.String()
}

// ARPConfig converts the ARP settings of cfg.
func ARPConfig(cfg *config.Config) arp.Config {
	return arp.Config{
		CacheSize:     cfg.ARP.CacheSize,
		EntryTimeout:  cfg.Ticks(cfg.ARP.EntryTimeoutMs),
		Retries:       cfg.ARP.Retries,
		RetryInterval: cfg.Ticks(cfg.ARP.RetryIntervalMs),
		PendingLimit:  cfg.ARP.PendingLimit,
	}
}

// TCPConfig converts the TCP settings of cfg.
func TCPConfig(cfg *config.Config) tcp.Config {
	return tcp.Config{
		MSS:            cfg.TCP.MSS,
		SendBuffer:     cfg.TCP.SendBuffer,
		RecvBuffer:     cfg.TCP.RecvBuffer,
		InitialRTO:     cfg.Ticks(cfg.TCP.InitialRTOMs),
		MaxRTO:         cfg.Ticks(cfg.TCP.MaxRTOMs),
		MaxRetransmits: cfg.TCP.MaxRetransmits,
		TimeWait:       cfg.Ticks(cfg.TCP.TimeWaitMs),
		OOOSegments:    cfg.TCP.OOOSegments,
		Backlog:        cfg.TCP.Backlog,
		MaxConns:       cfg.TCP.MaxConns,
	}
}

// Device returns the network device of the stack.
func (s *Stack) Device() netdev.Device { return s.dev }

// Interface returns the addressing of the interface.
func (s *Stack) Interface() *net.Interface { return &s.iface }

// Link returns the Ethernet link.
func (s *Stack) Link() *ethernet.Link { return s.link }

// ARP returns the address resolver.
func (s *Stack) ARP() *arp.Resolver { return s.arp }

// IP returns the IPv4 layer.
func (s *Stack) IP() *ipv4.Layer { return s.ip }

// ICMP returns the ICMP responder.
func (s *Stack) ICMP() *icmp.Responder { return s.icmp }

// UDP returns the UDP layer.
func (s *Stack) UDP() *udp.Layer { return s.udp }

// TCP returns the TCP layer.
func (s *Stack) TCP() *tcp.Layer { return s.tcp }

// DHCP returns the DHCP client or nil if the interface is configured
// statically.
func (s *Stack) DHCP() *dhcp.Client { return s.dhcp }

// StartDHCP starts address configuration if the stack uses DHCP. done is
// invoked once the client is bound or gives up.
func (s *Stack) StartDHCP(done func(*kernel.Error)) *kernel.Error {
	if s.dhcp == nil {
		if done != nil {
			done(nil)
		}
		return nil
	}

	s.dhcp.OnDone(done)
	return s.dhcp.Start()
}

// Poll processes up to budget received frames. It returns the number of
// processed frames and whether more frames are waiting.
func (s *Stack) Poll(budget int) (int, bool) {
	s.polls++

	var n int
	for ; n < budget; n++ {
		frame, ok := s.dev.PollReceive()
		if !ok {
			break
		}
		s.link.Input(frame)
	}
	s.frames += uint64(n)

	if s.dhcp != nil {
		s.dhcp.Poll()
	}

	if n < budget {
		return n, false
	}

	// The budget ran out; the ring may hold more frames.
	return n, true
}

// Tick runs the deadline sweeps of every layer.
func (s *Stack) Tick(now uint64) {
	s.ticks++

	s.arp.Tick(now)
	s.tcp.Tick(now)
	if s.dhcp != nil {
		s.dhcp.Tick(now)
	}
}

// Counters returns a snapshot of the counters of every layer.
func (s *Stack) Counters() Counters {
	return Counters{
		Polls:    s.polls,
		Frames:   s.frames,
		Ticks:    s.ticks,
		Ethernet: s.link.Stats(),
		ARP:      s.arp.Stats(),
		IPv4:     s.ip.Stats(),
		ICMP:     s.icmp.Stats(),
		UDP:      s.udp.Stats(),
		TCP:      s.tcp.Stats(),
	}
}

// Dump writes the counters, the ARP cache and the TCP connections to w.
func (s *Stack) Dump(w io.Writer) {
	c := s.Counters()
	kfmt.Fprintf(w, "polls %d frames %d ticks %d\n", c.Polls, c.Frames, c.Ticks)
	kfmt.Fprintf(w, "ethernet %+v\n", c.Ethernet)
	kfmt.Fprintf(w, "arp %+v\n", c.ARP)
	kfmt.Fprintf(w, "ipv4 %+v\n", c.IPv4)
	kfmt.Fprintf(w, "icmp %+v\n", c.ICMP)
	kfmt.Fprintf(w, "udp %+v\n", c.UDP)
	kfmt.Fprintf(w, "tcp %+v\n", c.TCP)

	for _, e := range s.arp.Entries() {
		kfmt.Fprintf(w, "arp %s at %s\n", e.IP.String(), e.HW.String())
	}
	s.tcp.Dump(w)
}

func logWriter() *kfmt.PrefixWriter {
	return kfmt.NewPrefixWriter("net")
}
