package tcp

import (
	"github.com/shiiinji/wasabi/kernel/kfmt"
	"github.com/shiiinji/wasabi/kernel/net"
	"github.com/shiiinji/wasabi/kernel/net/ipv4"
	"github.com/shiiinji/wasabi/kernel/net/tcp/seqnum"
)

// transmit sends a segment of c. The acknowledgment field is filled in for
// every segment that carries the ACK flag.
func (l *Layer) transmit(c *conn, seq seqnum.Value, flags uint8, payload []byte, mss uint16) {
	h := header{
		srcPort: c.localPort,
		dstPort: c.remotePort,
		seq:     seq,
		flags:   flags,
		window:  uint16(c.rcvWnd()),
		mss:     mss,
	}
	if flags&FlagACK != 0 {
		h.ack = c.rcvNxt
	}

	id, gen := c.id, c.gen
	onFail := func() { l.unreachable(id, gen) }

	seg := h.marshal(c.localAddr, c.remoteAddr, payload)
	if err := l.ip.Output(ipv4.ProtoTCP, c.localAddr, c.remoteAddr, seg, onFail); err != nil {
		l.stats.TxErrors++
		return
	}
	l.stats.TxSegments++
}

// unreachable is invoked when the next hop towards a connection peer never
// answered ARP. Only an active open fails right away; established
// connections keep retransmitting until their retry limit.
func (l *Layer) unreachable(id ConnID, gen uint32) {
	c := l.conn(id)
	if c == nil || c.gen != gen || c.state != SynSent {
		return
	}

	l.close(c, ErrHostUnreachable)
}

// sendSYN sends the SYN (SYN_SENT) or SYN+ACK (SYN_RECEIVED) of c and arms
// the retransmission timer.
func (l *Layer) sendSYN(c *conn) {
	flags := FlagSYN
	if c.state == SynReceived {
		flags |= FlagACK
	}

	l.transmit(c, c.iss, flags, nil, uint16(l.cfg.MSS))
	c.sndNxt = c.iss
	c.advance(1)
	if c.timer != timerRetransmit {
		l.armTimer(c, timerRetransmit)
	}
}

func (l *Layer) sendACK(c *conn) {
	l.transmit(c, c.sndNxt, FlagACK, nil, 0)
}

// sendRST sends a reset that does not belong to any connection state.
func (l *Layer) sendRST(src, dst net.IPv4Addr, srcPort, dstPort uint16, seq, ack seqnum.Value, withAck bool) {
	h := header{
		srcPort: srcPort,
		dstPort: dstPort,
		seq:     seq,
		flags:   FlagRST,
	}
	if withAck {
		h.ack = ack
		h.flags |= FlagACK
	}

	seg := h.marshal(src, dst, nil)
	if err := l.ip.Output(ipv4.ProtoTCP, src, dst, seg, nil); err != nil {
		l.stats.TxErrors++
		return
	}
	l.stats.TxSegments++
	l.stats.TxResets++
}

func (l *Layer) armTimer(c *conn, kind int) {
	c.timer = kind
	c.deadline = l.now + c.rto
}

// output sends the buffered data that fits in the usable window, followed
// by the FIN once the application closed its side.
func (l *Layer) output(c *conn) {
	switch c.state {
	case Established, CloseWait, FinWait1, Closing, LastAck:
	default:
		return
	}

	wnd := int(c.sndWnd)
	if c.cwnd < wnd {
		wnd = c.cwnd
	}

	for !c.finSent() {
		off := int(c.bufStart.Size(c.sndNxt))
		avail := c.sndBuf.Len() - off

		n := wnd - c.inFlight()
		if n > avail {
			n = avail
		}
		if n > c.mss {
			n = c.mss
		}
		if n < 0 {
			n = 0
		}

		fin := c.finQueued && n == avail
		if n == 0 && !fin {
			break
		}

		flags := FlagACK
		if n > 0 && n == avail {
			flags |= FlagPSH
		}
		if fin {
			flags |= FlagFIN
		}

		payload := make([]byte, n)
		c.sndBuf.Peek(off, payload)
		l.transmit(c, c.sndNxt, flags, payload, 0)

		// Retransmitted data is never timed (Karn).
		if !c.rttTimed && n > 0 && c.sndNxt == c.sndMax {
			c.rttTimed = true
			c.rttSeq = c.sndNxt.Add(seqnum.Size(n))
			c.rttStart = l.now
		}

		if fin {
			c.advance(n + 1)
		} else {
			c.advance(n)
		}

		if c.timer != timerRetransmit {
			l.armTimer(c, timerRetransmit)
		}
	}

	// The peer closed its window and nothing is in flight that would
	// bring a window update back. Probe it.
	if c.inFlight() == 0 && c.sndWnd == 0 && c.timer == timerOff &&
		(c.sndBuf.Len() > 0 || (c.finQueued && !c.finSent())) {
		l.armTimer(c, timerPersist)
	}
}

// onRetransmitTimeout retransmits the oldest unacknowledged segment or
// aborts the connection once the retry limit is reached.
func (l *Layer) onRetransmitTimeout(c *conn) {
	l.stats.Timeouts++

	if c.retransmits >= l.cfg.MaxRetransmits {
		l.logf("%s:%d: giving up after %d retransmissions\n", c.remoteAddr.String(), c.remotePort, c.retransmits)
		if c.state == SynReceived || c.state.synchronized() {
			l.sendRST(c.localAddr, c.remoteAddr, c.localPort, c.remotePort, c.sndNxt, 0, false)
		}
		l.close(c, ErrConnReset)
		return
	}

	c.retransmits++
	l.stats.Retransmits++

	ssthresh := c.inFlight() / 2
	if ssthresh < 2*c.mss {
		ssthresh = 2 * c.mss
	}
	c.ssthresh = ssthresh
	c.cwnd = c.mss
	c.dupAcks = 0
	c.rttTimed = false

	c.rto *= 2
	if c.rto > l.cfg.MaxRTO {
		c.rto = l.cfg.MaxRTO
	}

	c.timer = timerOff
	if c.state == SynSent || c.state == SynReceived {
		l.sendSYN(c)
		return
	}

	c.sndNxt = c.sndUna
	l.output(c)
}

// onPersistTimeout sends a window probe carrying a single byte (or the
// pending FIN) past the closed window.
func (l *Layer) onPersistTimeout(c *conn) {
	c.timer = timerOff
	if c.sndWnd != 0 || c.inFlight() != 0 {
		l.output(c)
		return
	}

	off := int(c.bufStart.Size(c.sndNxt))
	if c.sndBuf.Len()-off > 0 {
		var probe [1]byte
		c.sndBuf.Peek(off, probe[:])
		l.transmit(c, c.sndNxt, FlagACK, probe[:], 0)
		c.advance(1)
	} else if c.finQueued && !c.finSent() {
		l.transmit(c, c.sndNxt, FlagACK|FlagFIN, nil, 0)
		c.advance(1)
	}

	// The probe is protected like any other data. Until the window opens
	// the retransmissions keep probing with backoff.
	l.armTimer(c, timerRetransmit)
}

// updateRTO folds a round-trip sample into the smoothed estimate
// (RFC 6298) and recomputes the retransmission timeout.
func (l *Layer) updateRTO(c *conn, sample uint64) {
	if c.srtt == 0 && c.rttvar == 0 {
		c.srtt = sample
		c.rttvar = sample / 2
	} else {
		delta := c.srtt - sample
		if sample > c.srtt {
			delta = sample - c.srtt
		}
		c.rttvar = (3*c.rttvar + delta) / 4
		c.srtt = (7*c.srtt + sample) / 8
	}

	rto := c.srtt + 4*c.rttvar
	switch {
	case rto < l.cfg.InitialRTO:
		rto = l.cfg.InitialRTO
	case rto > l.cfg.MaxRTO:
		rto = l.cfg.MaxRTO
	}
	c.rto = rto
}

// Tick advances the clock of the layer and runs the deadlines that are
// due.
func (l *Layer) Tick(now uint64) {
	l.now = now

	for i := range l.conns {
		c := &l.conns[i]
		if !c.inUse {
			continue
		}

		if c.state == TimeWait {
			if now >= c.timeWaitDeadline {
				l.close(c, nil)
			}
			continue
		}

		if c.timer == timerOff || now < c.deadline {
			continue
		}

		switch c.timer {
		case timerRetransmit:
			l.onRetransmitTimeout(c)
		case timerPersist:
			l.onPersistTimeout(c)
		}
	}
}

func (l *Layer) logf(format string, args ...interface{}) {
	kfmt.Fprintf(logWriter(), format, args...)
}
