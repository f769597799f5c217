// Package nettest wires pairs of IP hosts over an in-memory wire for use by
// the protocol tests.
package nettest

import (
	"github.com/shiiinji/wasabi/device/nic/pipe"
	"github.com/shiiinji/wasabi/kernel/net"
	"github.com/shiiinji/wasabi/kernel/net/arp"
	"github.com/shiiinji/wasabi/kernel/net/ethernet"
	"github.com/shiiinji/wasabi/kernel/net/ipv4"
)

// Addresses used by NewPair. The client reaches the remote address through
// the server, which acts as its gateway.
var (
	ClientMAC = net.HardwareAddr{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}
	ServerMAC = net.HardwareAddr{0x52, 0x55, 0x0a, 0x00, 0x02, 0x02}
	ClientIP  = net.IPv4Addr{10, 0, 2, 15}
	ServerIP  = net.IPv4Addr{10, 0, 2, 2}
	RemoteIP  = net.IPv4Addr{93, 184, 216, 34}
	Netmask   = net.IPv4Addr{255, 255, 255, 0}
	ARPConfig = arp.Config{CacheSize: 8, EntryTimeout: 30000, Retries: 3, RetryInterval: 100, PendingLimit: 16}
)

const ringFrames = 256

// Host is one end of the wire.
type Host struct {
	Dev   *pipe.Device
	Link  *ethernet.Link
	Iface *net.Interface
	ARP   *arp.Resolver
	IP    *ipv4.Layer
}

// NewHost builds the link, ARP and IP layers on top of dev.
func NewHost(dev *pipe.Device, addr, gateway net.IPv4Addr) *Host {
	h := &Host{
		Dev:   dev,
		Link:  ethernet.NewLink(dev),
		Iface: &net.Interface{},
	}

	if !addr.IsZero() {
		h.Iface.Configure(addr, Netmask, gateway, net.IPv4Zero)
	}
	h.ARP = arp.NewResolver(h.Link, h.Iface, ARPConfig)
	h.IP = ipv4.NewLayer(h.Iface, h.ARP, dev.MTU())
	h.Link.Register(ethernet.TypeARP, h.ARP.Input)
	h.Link.Register(ethernet.TypeIPv4, h.IP.Input)
	return h
}

// NewPair returns a client at ClientIP whose gateway is a server at
// ServerIP. The server also owns RemoteIP.
func NewPair() (client, server *Host) {
	devC, devS := pipe.NewPair(ClientMAC, ServerMAC, ringFrames)
	client = NewHost(devC, ClientIP, ServerIP)
	server = NewHost(devS, ServerIP, net.IPv4Zero)
	server.Iface.AddAlias(RemoteIP)
	return client, server
}

// Poll delivers the frames waiting in the receive ring of h and returns
// their number.
func (h *Host) Poll() int {
	var n int
	for {
		frame, ok := h.Dev.PollReceive()
		if !ok {
			return n
		}
		h.Link.Input(frame)
		n++
	}
}

// Tick advances the deadline sweeps of h.
func (h *Host) Tick(now uint64) {
	h.ARP.Tick(now)
}

// Pump polls the hosts until no frames are left in flight.
func Pump(hosts ...*Host) {
	for {
		var n int
		for _, h := range hosts {
			n += h.Poll()
		}
		if n == 0 {
			return
		}
	}
}
