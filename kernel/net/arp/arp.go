// Package arp resolves IPv4 addresses to Ethernet addresses.
//
// Resolved mappings live in a fixed-size cache. When it is full, the oldest
// mapping is evicted. Packets addressed to a host without a mapping are
// parked in a bounded pending queue until the host replies or the request
// is retried too many times, in which case the packets are dropped and their
// senders notified.
package arp

import (
	"github.com/shiiinji/wasabi/kernel"
	"github.com/shiiinji/wasabi/kernel/kfmt"
	"github.com/shiiinji/wasabi/kernel/net"
	"github.com/shiiinji/wasabi/kernel/net/ethernet"
)

var (
	// ErrPendingFull is returned by Output when the pending queue cannot
	// hold another unresolved packet.
	ErrPendingFull = &kernel.Error{Module: "arp", Message: "too many packets waiting for address resolution"}
)

// Config holds the resolver limits. Durations are expressed in timer ticks.
type Config struct {
	CacheSize     int
	EntryTimeout  uint64
	Retries       int
	RetryInterval uint64
	PendingLimit  int
}

// Stats holds the resolver counters.
type Stats struct {
	RxMalformed     uint64
	RequestsSent    uint64
	RepliesSent     uint64
	Resolved        uint64
	Expired         uint64
	Evicted         uint64
	PendingDropped  uint64
	ResolveFailures uint64
}

// Entry is a resolved address mapping.
type Entry struct {
	IP      net.IPv4Addr
	HW      net.HardwareAddr
	Expires uint64
}

type pendingPacket struct {
	nextHop net.IPv4Addr
	payload []byte
	onFail  func()
}

type request struct {
	ip        net.IPv4Addr
	retries   int
	nextRetry uint64
}

// Resolver maintains the ARP cache of a link.
type Resolver struct {
	link  *ethernet.Link
	iface *net.Interface
	cfg   Config

	// cache is kept in insertion order.
	cache    []Entry
	pending  []pendingPacket
	requests []request

	now   uint64
	stats Stats
}

// NewResolver returns a resolver for link. It answers requests for any
// address assigned to iface. The caller registers Input with the link.
func NewResolver(link *ethernet.Link, iface *net.Interface, cfg Config) *Resolver {
	return &Resolver{
		link:  link,
		iface: iface,
		cfg:   cfg,
		cache: make([]Entry, 0, cfg.CacheSize),
	}
}

// Stats returns a snapshot of the resolver counters.
func (r *Resolver) Stats() Stats {
	return r.stats
}

// Entries returns a copy of the cache contents, oldest first.
func (r *Resolver) Entries() []Entry {
	return append([]Entry(nil), r.cache...)
}

// Pending returns the number of packets waiting for resolution.
func (r *Resolver) Pending() int {
	return len(r.pending)
}

// Lookup returns the hardware address cached for ip.
func (r *Resolver) Lookup(ip net.IPv4Addr) (net.HardwareAddr, bool) {
	if i := r.find(ip); i >= 0 {
		return r.cache[i].HW, true
	}
	return net.HardwareAddr{}, false
}

func (r *Resolver) find(ip net.IPv4Addr) int {
	for i := range r.cache {
		if r.cache[i].IP == ip {
			return i
		}
	}
	return -1
}

// Insert adds or refreshes the mapping for ip. A refreshed mapping keeps
// its position in the eviction order.
func (r *Resolver) Insert(ip net.IPv4Addr, hw net.HardwareAddr) {
	if r.cfg.CacheSize <= 0 {
		return
	}

	expires := r.now + r.cfg.EntryTimeout
	if i := r.find(ip); i >= 0 {
		r.cache[i].HW = hw
		r.cache[i].Expires = expires
		return
	}

	if len(r.cache) == r.cfg.CacheSize {
		r.stats.Evicted++
		r.cache = append(r.cache[:0], r.cache[1:]...)
	}
	r.cache = append(r.cache, Entry{IP: ip, HW: hw, Expires: expires})
}

// Output sends an IPv4 packet to nextHop. If the hardware address of the
// next hop is unknown the packet is queued and a request is broadcast.
// onFail, if not nil, is invoked if the packet is dropped because the next
// hop never answered.
func (r *Resolver) Output(nextHop net.IPv4Addr, payload []byte, onFail func()) *kernel.Error {
	if r.iface.IsBroadcast(nextHop) {
		return r.link.Output(net.BroadcastHardwareAddr, ethernet.TypeIPv4, payload)
	}

	if hw, ok := r.Lookup(nextHop); ok {
		return r.link.Output(hw, ethernet.TypeIPv4, payload)
	}

	if len(r.pending) == r.cfg.PendingLimit {
		r.stats.PendingDropped++
		return ErrPendingFull
	}

	r.pending = append(r.pending, pendingPacket{
		nextHop: nextHop,
		payload: append([]byte(nil), payload...),
		onFail:  onFail,
	})

	for _, req := range r.requests {
		if req.ip == nextHop {
			return nil
		}
	}

	r.requests = append(r.requests, request{ip: nextHop, nextRetry: r.now + r.cfg.RetryInterval})
	r.sendRequest(nextHop)
	return nil
}

// Input processes an ARP packet received by the link.
func (r *Resolver) Input(_ net.HardwareAddr, payload []byte) {
	p, ok := ParsePacket(payload)
	if !ok || (p.Op != OpRequest && p.Op != OpReply) {
		r.stats.RxMalformed++
		return
	}

	if p.SenderIP.IsZero() {
		// Address probes carry no mapping worth learning.
		if p.Op == OpRequest && r.iface.IsLocal(p.TargetIP) {
			r.reply(&p)
		}
		return
	}

	forUs := r.iface.IsLocal(p.TargetIP)
	if i := r.find(p.SenderIP); i >= 0 || forUs || r.awaiting(p.SenderIP) {
		r.Insert(p.SenderIP, p.SenderHW)
		r.resolved(p.SenderIP, p.SenderHW)
	}

	if p.Op == OpRequest && forUs {
		r.reply(&p)
	}
}

func (r *Resolver) awaiting(ip net.IPv4Addr) bool {
	for _, req := range r.requests {
		if req.ip == ip {
			return true
		}
	}
	return false
}

// resolved flushes the packets queued for ip.
func (r *Resolver) resolved(ip net.IPv4Addr, hw net.HardwareAddr) {
	for i := 0; i < len(r.requests); i++ {
		if r.requests[i].ip == ip {
			r.requests = append(r.requests[:i], r.requests[i+1:]...)
			r.stats.Resolved++
			break
		}
	}

	kept := r.pending[:0]
	var ready []pendingPacket
	for _, pkt := range r.pending {
		if pkt.nextHop == ip {
			ready = append(ready, pkt)
			continue
		}
		kept = append(kept, pkt)
	}
	r.pending = kept

	for _, pkt := range ready {
		if err := r.link.Output(hw, ethernet.TypeIPv4, pkt.payload); err != nil && pkt.onFail != nil {
			pkt.onFail()
		}
	}
}

func (r *Resolver) reply(req *Packet) {
	p := Packet{
		Op:       OpReply,
		SenderHW: r.link.HardwareAddr(),
		SenderIP: req.TargetIP,
		TargetHW: req.SenderHW,
		TargetIP: req.SenderIP,
	}

	if r.link.Output(req.SenderHW, ethernet.TypeARP, p.Marshal()) == nil {
		r.stats.RepliesSent++
	}
}

func (r *Resolver) sendRequest(ip net.IPv4Addr) {
	p := Packet{
		Op:       OpRequest,
		SenderHW: r.link.HardwareAddr(),
		SenderIP: r.iface.Addr,
		TargetIP: ip,
	}

	if r.link.Output(net.BroadcastHardwareAddr, ethernet.TypeARP, p.Marshal()) == nil {
		r.stats.RequestsSent++
	}
}

// Tick expires stale cache entries and retries outstanding requests. Once a
// request has been retried the configured number of times without an
// answer, the packets waiting for it are dropped and their senders are
// notified.
func (r *Resolver) Tick(now uint64) {
	r.now = now

	kept := r.cache[:0]
	for _, e := range r.cache {
		if e.Expires <= now {
			r.stats.Expired++
			continue
		}
		kept = append(kept, e)
	}
	r.cache = kept

	for i := 0; i < len(r.requests); {
		req := &r.requests[i]
		if req.nextRetry > now {
			i++
			continue
		}

		if req.retries < r.cfg.Retries {
			req.retries++
			req.nextRetry = now + r.cfg.RetryInterval
			r.sendRequest(req.ip)
			i++
			continue
		}

		ip := req.ip
		r.requests = append(r.requests[:i], r.requests[i+1:]...)
		r.fail(ip)
	}
}

// fail drops the packets queued for ip and notifies their senders.
func (r *Resolver) fail(ip net.IPv4Addr) {
	r.stats.ResolveFailures++

	kept := r.pending[:0]
	var failed []pendingPacket
	for _, pkt := range r.pending {
		if pkt.nextHop == ip {
			failed = append(failed, pkt)
			continue
		}
		kept = append(kept, pkt)
	}
	r.pending = kept
	r.stats.PendingDropped += uint64(len(failed))

	kfmt.Fprintf(logWriter(), "no reply from %s after %d retries; dropped %d packets\n", ip.String(), r.cfg.Retries, len(failed))

	for _, pkt := range failed {
		if pkt.onFail != nil {
			pkt.onFail()
		}
	}
}

func logWriter() *kfmt.PrefixWriter {
	return kfmt.NewPrefixWriter("arp")
}
