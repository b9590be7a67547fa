package tcp

import (
	"time"

	"github.com/chobot2014/JSOS-sub007/pkg/header"
	"github.com/chobot2014/JSOS-sub007/pkg/logging"
	"github.com/chobot2014/JSOS-sub007/pkg/ring"
	"github.com/chobot2014/JSOS-sub007/pkg/seqnum"
)

// State is the TCP connection state.
type State int

// TCP states per the standard transition table.
const (
	StateClosed State = iota
	StateListen
	StateSynSent
	StateSynRcvd
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateCloseWait
	StateClosing
	StateLastAck
	StateTimeWait
)

var stateNames = map[State]string{
	StateClosed:      "CLOSED",
	StateListen:      "LISTEN",
	StateSynSent:     "SYN_SENT",
	StateSynRcvd:     "SYN_RECEIVED",
	StateEstablished: "ESTABLISHED",
	StateFinWait1:    "FIN_WAIT_1",
	StateFinWait2:    "FIN_WAIT_2",
	StateCloseWait:   "CLOSE_WAIT",
	StateClosing:     "CLOSING",
	StateLastAck:     "LAST_ACK",
	StateTimeWait:    "TIME_WAIT",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "UNKNOWN"
}

// oooSegment is one out-of-order byte range held for reassembly, sorted by
// sequence number and merged with neighbors as data arrives.
type oooSegment struct {
	seq  seqnum.Value
	data []byte
}

// conn is one TCP connection. All fields are guarded by the owning stack's
// mutex; segment processing for a connection never runs concurrently with
// itself, matching the one-tick-at-a-time execution model.
type conn struct {
	id    int
	stack *Stack
	tuple fourTuple
	state State

	mss int

	iss seqnum.Value // our initial sequence number
	irs seqnum.Value // peer's initial sequence number

	sndUna seqnum.Value
	sndNxt seqnum.Value
	sndWnd uint32
	rcvNxt seqnum.Value

	sendBuf *ring.Buffer
	recvBuf *ring.Buffer

	rtxQueue []pendingSegment
	cc       *congestionControl

	ooo      []oooSegment
	oooBytes int

	// deadline bookkeeping lives on the segments; the stack's timer heap
	// only wakes us up, it is not authoritative.
	deadlines map[seqnum.Value]time.Time

	peerFinSeen  bool // peer FIN consumed; reads drain then return EOF
	finSent      bool
	finSeq       seqnum.Value
	closePending bool
	pushPending  bool
	localClosed  bool // Close called; reads and writes now fail

	timeWaitUntil time.Time
	probeAt       time.Time // next zero-window probe, zero when not probing

	fatalErr error

	readWaiter    chan struct{}
	writeWaiter   chan struct{}
	connectWaiter chan struct{}

	onAccept func(*Socket)
	onData   func()
	onClose  func()
	onError  func(error)
}

func (c *conn) advertisedWindow() uint16 {
	free := c.recvBuf.Free()
	if free > 65535 {
		free = 65535
	}
	return uint16(free)
}

// inFlight returns the sequence distance between snd.una and snd.nxt,
// SYN/FIN included.
func (c *conn) inFlight() int {
	return int(c.sndUna.Size(c.sndNxt))
}

// handleSegment runs the state machine for one inbound segment. The stack
// has already validated the checksum and matched the 4-tuple.
func (c *conn) handleSegment(now time.Time, seg header.TCP) {
	flags := seg.Flags()
	seq := seqnum.Value(seg.SequenceNumber())
	payload := seg.Payload()

	if flags&header.FlagRST != 0 {
		c.handleRst(seg)
		return
	}

	switch c.state {
	case StateSynSent:
		c.handleSynSent(now, seg)
		return
	case StateSynRcvd:
		if flags&header.FlagSYN != 0 {
			// Retransmitted SYN; answer with another SYN-ACK.
			c.resendHandshake(now)
			return
		}
		if flags&header.FlagACK == 0 {
			return
		}
		if seqnum.Value(seg.AckNumber()) != c.iss.Add(1) {
			c.stack.sendRst(c.tuple, seqnum.Value(seg.AckNumber()), 0, header.FlagRST)
			return
		}
		c.completeHandshake(now, seg)
		// The ACK completing the handshake may carry data; fall through.
	case StateClosed, StateListen:
		return
	}

	// Sequence acceptability: anything fully outside the receive window is
	// dropped and answered with a pure ACK carrying rcv.nxt.
	if !c.segmentAcceptable(seq, len(payload)) {
		c.stack.countWindowDrop()
		c.sendAck()
		return
	}

	if flags&header.FlagACK != 0 {
		if !c.processAck(now, seg) {
			return
		}
	}

	if c.state == StateClosed {
		return
	}

	if len(payload) > 0 {
		switch c.state {
		case StateEstablished, StateFinWait1, StateFinWait2:
			c.receiveData(seq, payload)
		default:
			// Data after close is ignored; re-ACK so the peer stops.
			c.sendAck()
		}
	}

	if flags&header.FlagFIN != 0 {
		finSeq := seq.Add(seqnum.Size(len(payload)))
		c.handleFin(now, finSeq)
	}

	c.maybeSend(now)
}

func (c *conn) handleRst(seg header.TCP) {
	switch c.state {
	case StateClosed, StateListen:
		return
	case StateSynSent:
		// Only meaningful if it acknowledges our SYN.
		if seg.Flags()&header.FlagACK != 0 && seqnum.Value(seg.AckNumber()) == c.iss.Add(1) {
			c.abort(ErrConnectionRefused)
		}
	default:
		c.abort(ErrConnectionReset)
	}
}

func (c *conn) handleSynSent(now time.Time, seg header.TCP) {
	flags := seg.Flags()
	if flags&header.FlagSYN == 0 {
		return
	}
	seq := seqnum.Value(seg.SequenceNumber())

	if flags&header.FlagACK != 0 {
		if seqnum.Value(seg.AckNumber()) != c.iss.Add(1) {
			c.stack.sendRst(c.tuple, seqnum.Value(seg.AckNumber()), 0, header.FlagRST)
			return
		}
		c.irs = seq
		c.rcvNxt = seq.Add(1)
		c.completeHandshake(now, seg)
		c.sendAck()
		c.maybeSend(now)
		return
	}

	// Simultaneous open: both sides sent SYN.
	c.irs = seq
	c.rcvNxt = seq.Add(1)
	c.state = StateSynRcvd
	c.resendHandshake(now)
}

// completeHandshake moves SYN_SENT/SYN_RECEIVED to ESTABLISHED once the
// peer has acknowledged our SYN.
func (c *conn) completeHandshake(now time.Time, seg header.TCP) {
	if mss := header.ParseMSSOption(seg.Options()); mss > 0 && int(mss) < c.mss {
		c.mss = int(mss)
		c.cc.mss = c.mss
	}
	c.sndUna = c.iss.Add(1)
	c.sndWnd = uint32(seg.WindowSize())
	c.dropAcked(now, c.sndUna)

	wasSynRcvd := c.state == StateSynRcvd
	c.state = StateEstablished
	logging.Debugf("tcp %s: established snd.nxt=%d rcv.nxt=%d mss=%d",
		c.tuple, uint32(c.sndNxt), uint32(c.rcvNxt), c.mss)

	c.resumeConnectWaiter()
	if wasSynRcvd {
		c.stack.notifyAccept(c)
	}
}

// segmentAcceptable implements the standard receive-window test.
func (c *conn) segmentAcceptable(seq seqnum.Value, payloadLen int) bool {
	rcvWnd := seqnum.Size(c.recvBuf.Free())
	if payloadLen == 0 {
		if rcvWnd == 0 {
			return seq == c.rcvNxt
		}
		return seq.InWindow(c.rcvNxt, rcvWnd) || seq == c.rcvNxt
	}
	if rcvWnd == 0 {
		return false
	}
	return seqnum.Overlap(seq, seqnum.Size(payloadLen), c.rcvNxt, rcvWnd)
}

// processAck handles the ACK portion of a segment. Returns false when the
// segment should not be processed further.
func (c *conn) processAck(now time.Time, seg header.TCP) bool {
	ack := seqnum.Value(seg.AckNumber())
	prevWnd := c.sndWnd
	c.sndWnd = uint32(seg.WindowSize())

	switch {
	case c.sndUna.LessThan(ack) && ack.LessThanEq(c.sndNxt):
		c.acknowledge(now, ack)
	case ack == c.sndUna:
		// Duplicate ACK only when it repeats snd.una with no payload, no
		// window change, and there is outstanding data to be lost.
		if len(seg.Payload()) == 0 && uint32(seg.WindowSize()) == prevWnd &&
			c.sndUna != c.sndNxt {
			if c.cc.OnDuplicateAck() {
				c.fastRetransmit(now)
			}
		}
	case c.sndNxt.LessThan(ack):
		// Acknowledges data we never sent.
		c.sendAck()
		return false
	}

	if prevWnd == 0 && c.sndWnd > 0 {
		c.resumeWriteWaiter()
	}
	return true
}

// acknowledge advances snd.una to ack, releases covered retransmission
// entries and feeds the congestion controller.
func (c *conn) acknowledge(now time.Time, ack seqnum.Value) {
	acked := int(c.sndUna.Size(ack))

	dataBytes := acked
	if c.sndUna == c.iss {
		dataBytes-- // SYN consumed one sequence number
	}
	finAcked := c.finSent && c.finSeq.LessThan(ack)
	if finAcked {
		dataBytes--
	}

	c.dropAcked(now, ack)
	if dataBytes > 0 {
		c.sendBuf.Skip(dataBytes)
		c.stack.countBytesSentAcked(dataBytes)
	}
	c.sndUna = ack
	c.cc.OnNewAck(dataBytes)
	c.resumeWriteWaiter()

	if finAcked {
		switch c.state {
		case StateFinWait1:
			c.state = StateFinWait2
		case StateClosing:
			c.enterTimeWait(now)
		case StateLastAck:
			c.release(nil)
		}
	}
}

// dropAcked removes fully covered retransmission entries and samples RTT
// from the earliest segment that was never retransmitted (Karn's rule).
func (c *conn) dropAcked(now time.Time, ack seqnum.Value) {
	sampled := false
	for len(c.rtxQueue) > 0 {
		p := &c.rtxQueue[0]
		if !p.end().LessThanEq(ack) {
			break
		}
		if !sampled && !p.rtx {
			c.cc.SampleRTT(now.Sub(p.sentAt))
			sampled = true
		}
		delete(c.deadlines, p.seq)
		c.rtxQueue = c.rtxQueue[1:]
	}
}

// receiveData files payload bytes starting at seq into the receive ring or
// the reassembly list, ACKing in both cases.
func (c *conn) receiveData(seq seqnum.Value, payload []byte) {
	// Trim bytes we already have.
	if seq.LessThan(c.rcvNxt) {
		trim := int(seq.Size(c.rcvNxt))
		if trim >= len(payload) {
			c.sendAck()
			return
		}
		payload = payload[trim:]
		seq = c.rcvNxt
	}

	if seq == c.rcvNxt {
		accepted := c.recvBuf.Write(payload)
		c.rcvNxt = c.rcvNxt.Add(seqnum.Size(accepted))
		c.stack.countBytesReceived(accepted)
		if accepted > 0 {
			c.drainReassembly()
			c.resumeReadWaiter()
			c.stack.queueDataCallback(c)
		}
	} else {
		// Future in-window data: hold for reassembly and ask for a
		// retransmit of the gap via a duplicate ACK.
		c.insertReassembly(seq, payload)
	}
	c.sendAck()
}

// insertReassembly merges [seq, seq+len) into the sorted out-of-order list.
func (c *conn) insertReassembly(seq seqnum.Value, payload []byte) {
	if c.oooBytes+len(payload) > c.recvBuf.Cap() {
		// Reassembly cap reached; drop and let the peer retransmit.
		return
	}
	cp := append([]byte(nil), payload...)
	end := seq.Add(seqnum.Size(len(cp)))

	for i := 0; i < len(c.ooo); i++ {
		s := &c.ooo[i]
		sEnd := s.seq.Add(seqnum.Size(len(s.data)))
		if end.LessThan(s.seq) {
			c.ooo = append(c.ooo[:i], append([]oooSegment{{seq: seq, data: cp}}, c.ooo[i:]...)...)
			c.oooBytes += len(cp)
			return
		}
		if seq.LessThanEq(sEnd) && s.seq.LessThanEq(end) {
			// Overlapping or adjacent: merge into s, then fold followers.
			start := s.seq
			if seq.LessThan(start) {
				start = seq
			}
			last := sEnd
			if last.LessThan(end) {
				last = end
			}
			merged := make([]byte, int(start.Size(last)))
			copy(merged[int(start.Size(s.seq)):], s.data)
			copy(merged[int(start.Size(seq)):], cp)
			c.oooBytes += len(merged) - len(s.data)
			s.seq = start
			s.data = merged
			for i+1 < len(c.ooo) {
				next := c.ooo[i+1]
				if s.seq.Add(seqnum.Size(len(s.data))).LessThan(next.seq) {
					break
				}
				nextEnd := next.seq.Add(seqnum.Size(len(next.data)))
				if s.seq.Add(seqnum.Size(len(s.data))).LessThan(nextEnd) {
					grown := make([]byte, int(s.seq.Size(nextEnd)))
					copy(grown, s.data)
					c.oooBytes += len(grown) - len(s.data)
					s.data = grown
				}
				copy(s.data[int(s.seq.Size(next.seq)):], next.data)
				c.oooBytes -= len(next.data)
				c.ooo = append(c.ooo[:i+1], c.ooo[i+2:]...)
			}
			return
		}
	}
	c.ooo = append(c.ooo, oooSegment{seq: seq, data: cp})
	c.oooBytes += len(cp)
}

// drainReassembly moves now-contiguous held segments into the receive ring.
func (c *conn) drainReassembly() {
	for len(c.ooo) > 0 {
		s := c.ooo[0]
		sEnd := s.seq.Add(seqnum.Size(len(s.data)))
		if c.rcvNxt.LessThan(s.seq) {
			break
		}
		if sEnd.LessThanEq(c.rcvNxt) {
			// Entirely stale.
			c.ooo = c.ooo[1:]
			c.oooBytes -= len(s.data)
			continue
		}
		data := s.data[int(s.seq.Size(c.rcvNxt)):]
		accepted := c.recvBuf.Write(data)
		c.rcvNxt = c.rcvNxt.Add(seqnum.Size(accepted))
		c.stack.countBytesReceived(accepted)
		if accepted < len(data) {
			// Ring full; keep the tail for later.
			break
		}
		c.ooo = c.ooo[1:]
		c.oooBytes -= len(s.data)
	}
}

func (c *conn) handleFin(now time.Time, finSeq seqnum.Value) {
	if c.peerFinSeen {
		c.sendAck()
		return
	}
	if finSeq != c.rcvNxt {
		// FIN beyond a gap; the retransmitted data will carry it again.
		return
	}
	c.rcvNxt = c.rcvNxt.Add(1)
	c.peerFinSeen = true
	c.sendAck()
	c.resumeReadWaiter()

	switch c.state {
	case StateEstablished:
		c.state = StateCloseWait
	case StateFinWait1:
		if c.finSent && c.finSeq.LessThan(c.sndUna) {
			c.enterTimeWait(now)
		} else {
			c.state = StateClosing
		}
	case StateFinWait2:
		c.enterTimeWait(now)
	case StateTimeWait:
		// Re-ACKed above.
	}
	c.stack.queueCloseCallback(c)
}

func (c *conn) enterTimeWait(now time.Time) {
	c.state = StateTimeWait
	c.timeWaitUntil = now.Add(c.stack.cfg.TimeWaitDuration)
}

// maybeSend is the segment send decision, run on ticks, flushes and ACK
// arrivals: emit while usable window remains, full-MSS segments by
// preference, short ones only under the Nagle exception.
func (c *conn) maybeSend(now time.Time) {
	if c.fatalErr != nil {
		return
	}
	switch c.state {
	case StateEstablished, StateCloseWait, StateFinWait1, StateClosing, StateLastAck:
	default:
		return
	}

	for !c.finSent {
		inFlight := c.inFlight()
		usable := int(c.sndWnd)
		if cw := c.cc.Cwnd(); cw < usable {
			usable = cw
		}
		usable -= inFlight
		if usable <= 0 {
			break
		}

		unsent := c.sendBuf.Len() - inFlight
		if unsent <= 0 {
			break
		}

		n := unsent
		if n > c.mss {
			n = c.mss
		}
		if n > usable {
			n = usable
		}

		// Nagle: short segments only when nothing is outstanding or the
		// application asked for a push.
		if n < c.mss && inFlight > 0 && !c.pushPending {
			break
		}

		payload := make([]byte, n)
		c.sendBuf.Peek(payload, inFlight)

		seq := c.sndNxt
		c.appendPending(now, pendingSegment{seq: seq, length: n, sentAt: now})
		c.sndNxt = c.sndNxt.Add(seqnum.Size(n))
		c.stack.sendSegment(c, header.FlagACK|header.FlagPSH, seq, payload, false)
	}
	c.pushPending = false

	// FIN goes out once the send buffer has fully drained.
	if c.closePending && !c.finSent && c.sendBuf.Len() == c.inFlight() {
		c.finSent = true
		c.finSeq = c.sndNxt
		c.appendPending(now, pendingSegment{seq: c.sndNxt, fin: true, sentAt: now})
		c.sndNxt = c.sndNxt.Add(1)
		c.stack.sendSegment(c, header.FlagACK|header.FlagFIN, c.finSeq, nil, false)
	}

	c.maybeProbeWindow(now)
}

// maybeProbeWindow keeps a zero-window connection alive. With nothing in
// flight no retransmission timer is armed, so a lost window-reopening ACK
// would stall the sender forever. A pure ACK one byte below rcv.nxt is
// unacceptable to the peer and elicits an ACK carrying its current window.
func (c *conn) maybeProbeWindow(now time.Time) {
	if c.sndWnd != 0 || c.finSent || c.inFlight() != 0 || c.sendBuf.Len() == 0 {
		c.probeAt = time.Time{}
		return
	}
	if c.probeAt.IsZero() {
		c.probeAt = now.Add(c.cc.RTO())
		return
	}
	if now.Before(c.probeAt) {
		return
	}
	logging.Debugf("tcp %s: zero-window probe seq=%d", c.tuple, uint32(c.sndNxt-1))
	c.stack.sendSegment(c, header.FlagACK, c.sndNxt-1, nil, false)
	c.probeAt = now.Add(c.cc.RTO())
}

func (c *conn) appendPending(now time.Time, p pendingSegment) {
	c.rtxQueue = append(c.rtxQueue, p)
	deadline := now.Add(c.cc.RTO())
	c.deadlines[p.seq] = deadline
	c.stack.timers.Schedule(deadline, timerRef{connID: c.id, seq: p.seq})
}

// sendAck emits a pure ACK carrying rcv.nxt and the current window.
func (c *conn) sendAck() {
	c.stack.sendSegment(c, header.FlagACK, c.sndNxt, nil, false)
}

// fastRetransmit resends the oldest unacknowledged segment without waiting
// for its timer. The congestion controller has already halved ssthresh.
func (c *conn) fastRetransmit(now time.Time) {
	if len(c.rtxQueue) == 0 {
		return
	}
	logging.Debugf("tcp %s: fast retransmit seq=%d cwnd=%d ssthresh=%d",
		c.tuple, uint32(c.rtxQueue[0].seq), c.cc.Cwnd(), c.cc.Ssthresh())
	c.resend(now, &c.rtxQueue[0])
}

// onTimerExpiry services one due retransmission deadline. Stale heap
// entries (acknowledged or rescheduled segments) are ignored.
func (c *conn) onTimerExpiry(now time.Time, seq seqnum.Value) {
	deadline, ok := c.deadlines[seq]
	if !ok || deadline.After(now) {
		return
	}
	idx := -1
	for i := range c.rtxQueue {
		if c.rtxQueue[i].seq == seq {
			idx = i
			break
		}
	}
	if idx < 0 {
		delete(c.deadlines, seq)
		return
	}

	p := &c.rtxQueue[idx]
	if p.retries >= c.stack.cfg.MaxRetries {
		logging.Warnf("tcp %s: retransmit limit reached (seq=%d retries=%d)",
			c.tuple, uint32(p.seq), p.retries)
		c.abort(ErrConnectionTimeout)
		return
	}

	c.cc.OnTimeout()
	logging.Debugf("tcp %s: RTO expiry seq=%d retry=%d rto=%v",
		c.tuple, uint32(p.seq), p.retries+1, c.cc.RTO())
	c.resend(now, p)
}

// resend retransmits one pending segment, re-arming its deadline with the
// current (possibly backed-off) RTO.
func (c *conn) resend(now time.Time, p *pendingSegment) {
	p.retries++
	p.rtx = true
	p.sentAt = now

	var flags uint8
	var payload []byte
	switch {
	case c.state == StateSynSent:
		flags = header.FlagSYN
	case c.state == StateSynRcvd:
		flags = header.FlagSYN | header.FlagACK
	case p.fin:
		flags = header.FlagACK | header.FlagFIN
	default:
		flags = header.FlagACK | header.FlagPSH
		payload = make([]byte, p.length)
		off := int(c.sndUna.Size(p.seq))
		c.sendBuf.Peek(payload, off)
	}

	deadline := now.Add(c.cc.RTO())
	c.deadlines[p.seq] = deadline
	c.stack.timers.Schedule(deadline, timerRef{connID: c.id, seq: p.seq})
	c.stack.countRetransmit()
	c.stack.sendSegment(c, flags, p.seq, payload, flags&header.FlagSYN != 0)
}

// resendHandshake re-emits SYN or SYN-ACK without touching congestion state.
func (c *conn) resendHandshake(now time.Time) {
	flags := uint8(header.FlagSYN)
	if c.state == StateSynRcvd {
		flags |= header.FlagACK
	}
	c.stack.sendSegment(c, flags, c.iss, nil, true)
}

// abort tears the connection down and latches err as the single fatal error
// surfaced to the socket.
func (c *conn) abort(err error) {
	if c.state == StateClosed {
		return
	}
	logging.Warnf("tcp %s: aborted in %s: %v", c.tuple, c.state, err)
	c.stack.countReset()
	c.release(err)
}

// release frees the connection record and resumes any suspended task.
func (c *conn) release(err error) {
	if c.state == StateClosed {
		return
	}
	c.state = StateClosed
	if err != nil && c.fatalErr == nil {
		c.fatalErr = err
		c.stack.queueErrorCallback(c, err)
	}
	c.rtxQueue = nil
	c.deadlines = map[seqnum.Value]time.Time{}
	c.ooo = nil
	c.oooBytes = 0
	c.resumeReadWaiter()
	c.resumeWriteWaiter()
	c.resumeConnectWaiter()
	c.stack.remove(c)
}

func (c *conn) resumeReadWaiter() {
	if c.readWaiter != nil {
		close(c.readWaiter)
		c.readWaiter = nil
	}
}

func (c *conn) resumeWriteWaiter() {
	if c.writeWaiter != nil {
		close(c.writeWaiter)
		c.writeWaiter = nil
	}
}

func (c *conn) resumeConnectWaiter() {
	if c.connectWaiter != nil {
		close(c.connectWaiter)
		c.connectWaiter = nil
	}
}
