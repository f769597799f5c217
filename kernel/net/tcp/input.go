package tcp

import (
	"github.com/shiiinji/wasabi/kernel/net/ipv4"
	"github.com/shiiinji/wasabi/kernel/net/tcp/seqnum"
)

// defaultMSS is assumed for peers that do not send the MSS option.
const defaultMSS = 536

// Input processes a segment handed up by the IP layer. Segments with a bad
// checksum are dropped before they reach any connection.
func (l *Layer) Input(ip *ipv4.Header, seg []byte) {
	if len(seg) < HeaderLen {
		l.stats.RxMalformed++
		return
	}

	if !verifyChecksum(ip.Src, ip.Dst, seg) {
		l.stats.RxBadChecksum++
		return
	}

	h, payload, ok := parseHeader(seg)
	if !ok {
		l.stats.RxMalformed++
		return
	}
	l.stats.RxSegments++

	c := l.lookup(ip, &h)
	if c == nil {
		l.stats.RxNoConn++
		l.resetUnknown(ip, &h, len(payload))
		return
	}

	switch c.state {
	case Listen:
		l.inputListen(c, ip, &h)
	case SynSent:
		l.inputSynSent(c, &h, payload)
	default:
		l.inputSynchronized(c, &h, payload)
	}
}

// lookup returns the connection a segment belongs to. Fully specified
// connections take precedence over listeners.
func (l *Layer) lookup(ip *ipv4.Header, h *header) *conn {
	var listener *conn

	for i := range l.conns {
		c := &l.conns[i]
		if !c.inUse || c.state == Closed || c.localPort != h.dstPort {
			continue
		}

		if c.state == Listen {
			listener = c
			continue
		}

		if c.remotePort == h.srcPort && c.remoteAddr == ip.Src && c.localAddr == ip.Dst {
			return c
		}
	}

	return listener
}

// segLen returns the sequence space occupied by a segment.
func segLen(h *header, payloadLen int) seqnum.Size {
	n := seqnum.Size(payloadLen)
	if h.has(FlagSYN) {
		n++
	}
	if h.has(FlagFIN) {
		n++
	}
	return n
}

// resetUnknown answers a segment that does not belong to any connection
// with a reset, following RFC 793.
func (l *Layer) resetUnknown(ip *ipv4.Header, h *header, payloadLen int) {
	if h.has(FlagRST) || l.ip.Interface().IsBroadcast(ip.Dst) {
		return
	}

	if h.has(FlagACK) {
		l.sendRST(ip.Dst, ip.Src, h.dstPort, h.srcPort, h.ack, 0, false)
		return
	}

	l.sendRST(ip.Dst, ip.Src, h.dstPort, h.srcPort, 0, h.seq.Add(segLen(h, payloadLen)), true)
}

func (l *Layer) peerMSS(h *header) int {
	mss := defaultMSS
	if h.mss != 0 {
		mss = int(h.mss)
	}
	if mss > l.cfg.MSS {
		mss = l.cfg.MSS
	}
	return mss
}

func (l *Layer) inputListen(lc *conn, ip *ipv4.Header, h *header) {
	switch {
	case h.has(FlagRST):
		return
	case h.has(FlagACK):
		l.sendRST(ip.Dst, ip.Src, h.dstPort, h.srcPort, h.ack, 0, false)
		return
	case !h.has(FlagSYN):
		return
	}

	if lc.pending+len(lc.acceptQ) >= lc.backlog {
		l.stats.RxBacklogFull++
		return
	}

	c := l.alloc()
	if c == nil {
		l.stats.RxBacklogFull++
		return
	}

	c.localAddr = ip.Dst
	c.localPort = lc.localPort
	c.remoteAddr = ip.Src
	c.remotePort = h.srcPort
	c.listener = lc.id
	c.mss = l.peerMSS(h)
	l.initBuffers(c)
	lc.pending++

	c.irs = h.seq
	c.rcvNxt = h.seq.Add(1)
	c.sndWnd = uint32(h.window)
	c.sndWl1 = h.seq

	l.stats.PassiveOpens++
	l.setState(c, SynReceived)
	l.sendSYN(c)
}

func (l *Layer) inputSynSent(c *conn, h *header, payload []byte) {
	if h.has(FlagACK) && !h.ack.InRange(c.iss.Add(1), c.sndNxt.Add(1)) {
		if !h.has(FlagRST) {
			l.sendRST(c.localAddr, c.remoteAddr, c.localPort, c.remotePort, h.ack, 0, false)
		}
		return
	}

	if h.has(FlagRST) {
		if h.has(FlagACK) {
			l.close(c, ErrConnRefused)
		}
		return
	}

	if !h.has(FlagSYN) {
		return
	}

	c.irs = h.seq
	c.rcvNxt = h.seq.Add(1)
	c.mss = l.peerMSS(h)
	c.cwnd = 2 * c.mss

	if !h.has(FlagACK) {
		// Simultaneous open.
		l.setState(c, SynReceived)
		c.timer = timerOff
		l.sendSYN(c)
		return
	}

	if c.retransmits == 0 {
		l.updateRTO(c, l.now-(c.deadline-c.rto))
	}

	c.sndUna = h.ack
	c.sndWnd = uint32(h.window)
	c.sndWl1 = h.seq
	c.sndWl2 = h.ack
	c.timer = timerOff
	c.retransmits = 0

	l.setState(c, Established)
	if len(payload) > 0 || h.has(FlagFIN) {
		// Data and FIN carried by the SYN+ACK follow the SYN.
		l.receive(c, h.seq.Add(1), payload, h.has(FlagFIN))
	} else {
		l.sendACK(c)
	}
	l.notify(c)
	l.output(c)
}

// acceptable implements the RFC 793 segment acceptance test.
func (c *conn) acceptable(seq seqnum.Value, n seqnum.Size) bool {
	wnd := seqnum.Size(c.rcvWnd())

	switch {
	case n == 0 && wnd == 0:
		return seq == c.rcvNxt
	case n == 0:
		return seq.InWindow(c.rcvNxt, wnd)
	case wnd == 0:
		return false
	}

	return seq.InWindow(c.rcvNxt, wnd) || seq.Add(n-1).InWindow(c.rcvNxt, wnd)
}

func (l *Layer) inputSynchronized(c *conn, h *header, payload []byte) {
	if !c.acceptable(h.seq, segLen(h, len(payload))) {
		l.stats.RxOutOfWindow++
		if h.has(FlagRST) {
			return
		}

		// A retransmitted FIN restarts the quiet period.
		if c.state == TimeWait && h.has(FlagFIN) {
			c.timeWaitDeadline = l.now + l.cfg.TimeWait
		}
		l.sendACK(c)
		return
	}

	if h.has(FlagRST) {
		l.inputReset(c)
		return
	}

	if h.has(FlagSYN) {
		l.sendRST(c.localAddr, c.remoteAddr, c.localPort, c.remotePort, c.sndNxt, 0, false)
		l.close(c, ErrConnReset)
		return
	}

	if !h.has(FlagACK) {
		return
	}

	if c.state == SynReceived {
		if !h.ack.InRange(c.sndUna.Add(1), c.sndMax.Add(1)) {
			l.sendRST(c.localAddr, c.remoteAddr, c.localPort, c.remotePort, h.ack, 0, false)
			return
		}
		l.establish(c, h)
	}

	if !l.inputACK(c, h, len(payload)) {
		return
	}

	switch c.state {
	case Established, FinWait1, FinWait2:
		if len(payload) > 0 || h.has(FlagFIN) {
			l.receive(c, h.seq, payload, h.has(FlagFIN))
		}
	case TimeWait:
		if h.has(FlagFIN) {
			c.timeWaitDeadline = l.now + l.cfg.TimeWait
			l.sendACK(c)
		}
	}

	if c.inUse && c.state != Closed {
		l.output(c)
	}
}

func (l *Layer) inputReset(c *conn) {
	switch c.state {
	case SynReceived:
		if c.listener != NoConn {
			// Passive opens fall back to the listener, which simply
			// forgets about the connection.
			l.close(c, nil)
			return
		}
		l.close(c, ErrConnRefused)
	case Established, FinWait1, FinWait2, CloseWait:
		l.close(c, ErrConnReset)
	default:
		l.close(c, nil)
	}
}

// establish completes a passive or simultaneous open.
func (l *Layer) establish(c *conn, h *header) {
	c.sndWnd = uint32(h.window)
	c.sndWl1 = h.seq
	c.sndWl2 = h.ack
	l.setState(c, Established)

	if parent := l.conn(c.listener); parent != nil {
		parent.pending--
		parent.acceptQ = append(parent.acceptQ, c.id)
	}
	l.notify(c)

	if c.finQueued {
		l.setState(c, FinWait1)
	}
}

// inputACK processes the acknowledgment of a segment. It returns false if
// the segment must not be processed any further.
func (l *Layer) inputACK(c *conn, h *header, payloadLen int) bool {
	if c.sndMax.LessThan(h.ack) {
		l.sendACK(c)
		return false
	}

	switch {
	case h.ack == c.sndUna:
		if payloadLen == 0 && !h.has(FlagFIN) && c.sndWnd != 0 && uint32(h.window) == c.sndWnd && c.inFlight() > 0 {
			l.duplicateACK(c)
		}
	case c.sndUna.LessThan(h.ack):
		l.newACK(c, h.ack)
	}

	// Window update (RFC 793, with the checks of RFC 1122 4.2.2.20).
	if c.sndWl1.LessThan(h.seq) || (c.sndWl1 == h.seq && c.sndWl2.LessThanEq(h.ack)) {
		reopened := c.sndWnd == 0 && h.window != 0
		c.sndWnd = uint32(h.window)
		c.sndWl1 = h.seq
		c.sndWl2 = h.ack

		switch {
		case c.sndWnd == 0:
			// The peer is alive, it just cannot take more data.
			c.retransmits = 0
		case reopened:
			// Window probes past the closed window were dropped.
			c.sndNxt = c.sndUna
			c.timer = timerOff
		}
	}

	if !c.finAcked() {
		return true
	}

	switch c.state {
	case FinWait1:
		l.setState(c, FinWait2)
	case Closing:
		l.enterTimeWait(c)
	case LastAck:
		l.close(c, nil)
		return false
	}
	return true
}

func (l *Layer) duplicateACK(c *conn) {
	c.dupAcks++

	switch {
	case c.dupAcks == 3:
		ssthresh := c.inFlight() / 2
		if ssthresh < 2*c.mss {
			ssthresh = 2 * c.mss
		}
		c.ssthresh = ssthresh
		c.cwnd = ssthresh + 3*c.mss
		c.rttTimed = false

		l.stats.FastRetransmits++
		l.retransmitFirst(c)
	case c.dupAcks > 3:
		c.cwnd += c.mss
	}
}

// retransmitFirst resends the segment at sndUna.
func (l *Layer) retransmitFirst(c *conn) {
	off := int(c.bufStart.Size(c.sndUna))
	n := c.sndBuf.Len() - off
	if n > c.mss {
		n = c.mss
	}

	flags := FlagACK
	if c.finQueued && off+n == c.sndBuf.Len() {
		flags |= FlagFIN
	}
	if n <= 0 && flags&FlagFIN == 0 {
		return
	}
	if n < 0 {
		n = 0
	}

	payload := make([]byte, n)
	c.sndBuf.Peek(off, payload)
	l.transmit(c, c.sndUna, flags, payload, 0)
}

// newACK handles an acknowledgment that covers new data.
func (l *Layer) newACK(c *conn, ack seqnum.Value) {
	if c.rttTimed && c.rttSeq.LessThanEq(ack) {
		l.updateRTO(c, l.now-c.rttStart)
		c.rttTimed = false
	}

	var acked int
	if c.bufStart.LessThan(ack) {
		acked = int(c.bufStart.Size(ack))
		if acked > c.sndBuf.Len() {
			acked = c.sndBuf.Len()
		}
		c.sndBuf.Discard(acked)
		c.bufStart.UpdateForward(seqnum.Size(acked))
	}

	c.sndUna = ack
	if c.sndNxt.LessThan(ack) {
		c.sndNxt = ack
	}

	switch {
	case c.dupAcks >= 3:
		c.cwnd = c.ssthresh
	case acked == 0:
	case c.cwnd < c.ssthresh:
		if acked > c.mss {
			acked = c.mss
		}
		c.cwnd += acked
	default:
		inc := c.mss * c.mss / c.cwnd
		if inc == 0 {
			inc = 1
		}
		c.cwnd += inc
	}
	c.dupAcks = 0
	c.retransmits = 0

	if c.sndUna == c.sndMax {
		c.timer = timerOff
	} else {
		l.armTimer(c, timerRetransmit)
	}

	l.notify(c)
}

// receive delivers the text of an acceptable segment. Segments that start
// beyond rcvNxt are queued and reassembled once the gap fills.
func (l *Layer) receive(c *conn, seq seqnum.Value, data []byte, fin bool) {
	if seq.LessThan(c.rcvNxt) {
		cut := int(seq.Size(c.rcvNxt))
		if cut > len(data) {
			cut = len(data)
			fin = false
		}
		data = data[cut:]
		seq = c.rcvNxt
	}

	space := int(c.rcvWnd()) - int(c.rcvNxt.Size(seq))
	if space < 0 {
		space = 0
	}
	if len(data) > space {
		data = data[:space]
		fin = false
	}

	if len(data) == 0 && !fin {
		l.sendACK(c)
		return
	}

	if seq != c.rcvNxt {
		l.queueOOO(c, seq, data, fin)
		l.sendACK(c)
		return
	}

	delivered := l.deliver(c, data, fin)
	for len(c.ooo) > 0 && !c.peerFin {
		next := c.ooo[0]
		if c.rcvNxt.LessThan(next.seq) {
			break
		}
		c.ooo = c.ooo[1:]

		cut := int(next.seq.Size(c.rcvNxt))
		if cut > len(next.data) {
			continue
		}
		if l.deliver(c, next.data[cut:], next.fin) {
			delivered = true
		}
	}

	l.sendACK(c)
	if delivered {
		l.notify(c)
	}
}

// deliver appends in-order data to the receive buffer and processes the
// FIN that follows it.
func (l *Layer) deliver(c *conn, data []byte, fin bool) bool {
	if !c.discarding() {
		if n := c.rcvBuf.Write(data); n < len(data) {
			data = data[:n]
			fin = false
		}
	}
	c.rcvNxt.UpdateForward(seqnum.Size(len(data)))

	if !fin {
		return len(data) > 0
	}

	c.rcvNxt.UpdateForward(1)
	c.peerFin = true
	c.ooo = nil

	switch c.state {
	case Established:
		l.setState(c, CloseWait)
	case FinWait1:
		if c.finAcked() {
			l.enterTimeWait(c)
		} else {
			l.setState(c, Closing)
		}
	case FinWait2:
		l.enterTimeWait(c)
	}
	return true
}

func (l *Layer) queueOOO(c *conn, seq seqnum.Value, data []byte, fin bool) {
	i := 0
	for ; i < len(c.ooo); i++ {
		if c.ooo[i].seq == seq && len(c.ooo[i].data) >= len(data) {
			return
		}
		if seq.LessThan(c.ooo[i].seq) {
			break
		}
	}

	if len(c.ooo) >= l.cfg.OOOSegments {
		l.stats.RxOOODropped++
		return
	}

	seg := oooSegment{seq: seq, data: append([]byte(nil), data...), fin: fin}
	c.ooo = append(c.ooo, oooSegment{})
	copy(c.ooo[i+1:], c.ooo[i:])
	c.ooo[i] = seg
	l.stats.RxOOOQueued++
}

func (l *Layer) enterTimeWait(c *conn) {
	l.setState(c, TimeWait)
	c.timer = timerOff
	c.timeWaitDeadline = l.now + l.cfg.TimeWait
	l.notify(c)
}
