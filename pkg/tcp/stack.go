// Package tcp implements the TCP connection state machine, congestion
// control and retransmission for the stack, along with the socket façade
// exposed to consumers.
package tcp

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chobot2014/JSOS-sub007/pkg/config"
	"github.com/chobot2014/JSOS-sub007/pkg/core"
	"github.com/chobot2014/JSOS-sub007/pkg/header"
	"github.com/chobot2014/JSOS-sub007/pkg/logging"
	"github.com/chobot2014/JSOS-sub007/pkg/ring"
	"github.com/chobot2014/JSOS-sub007/pkg/seqnum"
)

type fourTuple = core.FourTuple

const firstEphemeralPort = 49152

// listener accepts inbound connections on one local port.
type listener struct {
	port         uint16
	onConnection func(*Socket)
}

// Stack is one instance of the transport layer: a connection table, the
// process-wide retransmission timer heap and the link to the IP layer.
//
// Connection records live in an arena indexed by a stable integer handle;
// mutation happens only under mu, and one Tick completes fully before the
// next begins, so per-tick state transitions are atomic.
type Stack struct {
	mu sync.Mutex

	cfg     config.StackConfig
	localIP [4]byte
	link    core.SegmentLink

	conns     []*conn
	freeIDs   []int
	byTuple   map[fourTuple]int
	ports     map[uint16]int // local port -> connection/listener count
	listeners map[uint16]*listener

	timers *timerManager

	nextPort uint16
	rng      *rand.Rand

	// callbacks queued during locked processing, run after unlock.
	pendingCallbacks []func()

	now func() time.Time

	metrics core.StackMetrics
}

// NewStack creates a stack for the given local IP on top of link.
func NewStack(localIP [4]byte, link core.SegmentLink, cfg config.StackConfig) *Stack {
	def := config.DefaultConfig().Stack
	if cfg.MSS <= 0 {
		cfg.MSS = def.MSS
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.RingCapacity <= 0 {
		cfg.RingCapacity = def.RingCapacity
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	if cfg.RTOMin <= 0 {
		cfg.RTOMin = def.RTOMin
	}
	if cfg.RTOMax <= 0 {
		cfg.RTOMax = def.RTOMax
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.TimeWaitDuration <= 0 {
		cfg.TimeWaitDuration = def.TimeWaitDuration
	}

	core.SetDebugMode(cfg.Debug)
	logging.Infof("tcp stack: local=%d.%d.%d.%d mss=%d window=%d maxConns=%d",
		localIP[0], localIP[1], localIP[2], localIP[3],
		cfg.MSS, cfg.WindowSize, cfg.MaxConnections)

	return &Stack{
		cfg:       cfg,
		localIP:   localIP,
		link:      link,
		byTuple:   make(map[fourTuple]int),
		ports:     make(map[uint16]int),
		listeners: make(map[uint16]*listener),
		timers:    newTimerManager(),
		nextPort:  firstEphemeralPort,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		now:       time.Now,
	}
}

// Metrics returns a snapshot of the stack counters.
func (s *Stack) Metrics() core.StackMetrics {
	return s.metrics.Snapshot()
}

// MetricsRef exposes the live counters for exporters.
func (s *Stack) MetricsRef() *core.StackMetrics {
	return &s.metrics
}

// Connect opens a connection to remote, blocking the calling task until the
// handshake completes.
func (s *Stack) Connect(remote core.Addr) (*Socket, error) {
	return s.ConnectTimeout(remote, 0)
}

// ConnectTimeout is Connect with a caller-supplied handshake timeout.
// Zero means wait for the retransmission machinery to give up on its own.
func (s *Stack) ConnectTimeout(remote core.Addr, timeout time.Duration) (*Socket, error) {
	s.mu.Lock()
	c, err := s.startConnect(remote)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	waiter := make(chan struct{})
	c.connectWaiter = waiter
	cbs := s.takeCallbacks()
	s.mu.Unlock()
	runCallbacks(cbs)

	if timeout > 0 {
		select {
		case <-waiter:
		case <-time.After(timeout):
		}
	} else {
		<-waiter
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c.state == StateEstablished {
		return &Socket{stack: s, conn: c}, nil
	}
	err = c.fatalErr
	if err == nil {
		err = ErrConnectionTimeout
		c.release(err)
	}
	return nil, err
}

// startConnect allocates the connection record and sends the SYN.
// Called with mu held.
func (s *Stack) startConnect(remote core.Addr) (*conn, error) {
	if s.liveConns() >= s.cfg.MaxConnections {
		return nil, ErrTooManyConnections
	}
	port, err := s.allocPort()
	if err != nil {
		return nil, err
	}
	tuple := fourTuple{
		Local:  core.Addr{IP: s.localIP, Port: port},
		Remote: remote,
	}
	c := s.newConn(tuple)
	c.state = StateSynSent
	now := s.now()
	c.appendPending(now, pendingSegment{seq: c.iss, syn: true, sentAt: now})
	c.sndNxt = c.iss.Add(1)
	s.sendSegment(c, header.FlagSYN, c.iss, nil, true)
	return c, nil
}

// Listen registers an accept callback for inbound connections on port.
func (s *Stack) Listen(port uint16, onConnection func(*Socket)) error {
	if onConnection == nil {
		return ErrInvalidState
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.listeners[port]; ok {
		return ErrPortInUse
	}
	if s.ports[port] > 0 {
		return ErrPortInUse
	}
	s.listeners[port] = &listener{port: port, onConnection: onConnection}
	logging.Infof("tcp stack: listening on port %d", port)
	return nil
}

// CloseListener removes the listener on port. Existing connections live on.
func (s *Stack) CloseListener(port uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listeners, port)
}

// DeliverSegment is the entry point from the IP layer: one TCP segment
// addressed to this host. Malformed or corrupt segments are dropped here.
func (s *Stack) DeliverSegment(src, dst core.Addr, segment []byte) {
	s.mu.Lock()
	atomic.AddUint64(&s.metrics.SegmentsReceived, 1)

	seg := header.TCP(segment)
	if !seg.WellFormed() {
		logging.Debugf("tcp stack: malformed segment from %s (%d bytes)", src, len(segment))
		s.unlockAndRun()
		return
	}
	if !header.ChecksumValid(src, dst, segment) {
		atomic.AddUint64(&s.metrics.ChecksumDrops, 1)
		s.unlockAndRun()
		return
	}

	tuple := fourTuple{Local: dst, Remote: src}
	if id, ok := s.byTuple[tuple]; ok {
		s.conns[id].handleSegment(s.now(), seg)
		s.unlockAndRun()
		return
	}

	flags := seg.Flags()
	if l, ok := s.listeners[dst.Port]; ok && flags&header.FlagSYN != 0 && flags&header.FlagACK == 0 {
		s.acceptSyn(l, tuple, seg)
		s.unlockAndRun()
		return
	}

	// No matching connection: answer with RST per the standard rules,
	// unless the stray segment was itself a RST.
	if flags&header.FlagRST == 0 {
		if flags&header.FlagACK != 0 {
			s.sendRst(tuple, seqnum.Value(seg.AckNumber()), 0, header.FlagRST)
		} else {
			segLen := seqnum.Size(len(seg.Payload()))
			if flags&header.FlagSYN != 0 {
				segLen++
			}
			if flags&header.FlagFIN != 0 {
				segLen++
			}
			ack := seqnum.Value(seg.SequenceNumber()).Add(segLen)
			s.sendRst(tuple, 0, ack, header.FlagRST|header.FlagACK)
		}
	}
	s.unlockAndRun()
}

// acceptSyn creates a SYN_RECEIVED connection for an inbound SYN.
// Called with mu held.
func (s *Stack) acceptSyn(l *listener, tuple fourTuple, seg header.TCP) {
	if s.liveConns() >= s.cfg.MaxConnections {
		atomic.AddUint64(&s.metrics.Errors, 1)
		s.sendRst(tuple, 0, seqnum.Value(seg.SequenceNumber()).Add(1), header.FlagRST|header.FlagACK)
		return
	}

	c := s.newConn(tuple)
	c.state = StateSynRcvd
	c.irs = seqnum.Value(seg.SequenceNumber())
	c.rcvNxt = c.irs.Add(1)
	c.sndWnd = uint32(seg.WindowSize())
	if mss := header.ParseMSSOption(seg.Options()); mss > 0 && int(mss) < c.mss {
		c.mss = int(mss)
		c.cc.mss = c.mss
	}
	c.onAccept = l.onConnection

	now := s.now()
	c.appendPending(now, pendingSegment{seq: c.iss, syn: true, sentAt: now})
	c.sndNxt = c.iss.Add(1)
	s.sendSegment(c, header.FlagSYN|header.FlagACK, c.iss, nil, true)
}

// Tick services due retransmission timers, sweeps TIME_WAIT connections and
// gives every connection a send opportunity. One call per scheduler tick.
func (s *Stack) Tick(now time.Time) {
	s.mu.Lock()

	for _, ref := range s.timers.ExpireDue(now) {
		if ref.connID < len(s.conns) && s.conns[ref.connID] != nil {
			s.conns[ref.connID].onTimerExpiry(now, ref.seq)
		}
	}

	for _, c := range s.conns {
		if c == nil {
			continue
		}
		if c.state == StateTimeWait && !now.Before(c.timeWaitUntil) {
			c.release(nil)
			continue
		}
		c.maybeSend(now)
	}

	s.unlockAndRun()
}

// NextDeadline returns the earliest retransmission deadline, letting a
// scheduler sleep precisely between ticks.
func (s *Stack) NextDeadline() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timers.NextDeadline()
}

// newConn allocates a connection record in the arena. Called with mu held.
func (s *Stack) newConn(tuple fourTuple) *conn {
	c := &conn{
		stack:     s,
		tuple:     tuple,
		state:     StateClosed,
		mss:       s.cfg.MSS,
		iss:       seqnum.Value(s.rng.Uint32()),
		sendBuf:   ring.New(s.cfg.RingCapacity),
		recvBuf:   ring.New(s.cfg.RingCapacity),
		deadlines: make(map[seqnum.Value]time.Time),
		cc:        newCongestionControl(s.cfg.MSS, s.cfg.RTOMin, s.cfg.RTOMax),
	}
	c.sndUna = c.iss
	c.sndNxt = c.iss

	if len(s.freeIDs) > 0 {
		c.id = s.freeIDs[len(s.freeIDs)-1]
		s.freeIDs = s.freeIDs[:len(s.freeIDs)-1]
		s.conns[c.id] = c
	} else {
		c.id = len(s.conns)
		s.conns = append(s.conns, c)
	}
	s.byTuple[tuple] = c.id
	s.ports[tuple.Local.Port]++
	atomic.AddUint64(&s.metrics.ConnectionsCreated, 1)
	return c
}

// remove frees the arena slot for a released connection. Called with mu held.
func (s *Stack) remove(c *conn) {
	if id, ok := s.byTuple[c.tuple]; ok && id == c.id {
		delete(s.byTuple, c.tuple)
	}
	if s.conns[c.id] == c {
		s.conns[c.id] = nil
		s.freeIDs = append(s.freeIDs, c.id)
	}
	if s.ports[c.tuple.Local.Port] > 0 {
		s.ports[c.tuple.Local.Port]--
		if s.ports[c.tuple.Local.Port] == 0 {
			delete(s.ports, c.tuple.Local.Port)
		}
	}
	atomic.AddUint64(&s.metrics.ConnectionsClosed, 1)
}

func (s *Stack) liveConns() int {
	return len(s.byTuple)
}

// allocPort picks a free ephemeral port. Called with mu held.
func (s *Stack) allocPort() (uint16, error) {
	for i := 0; i < 65536-firstEphemeralPort; i++ {
		port := s.nextPort
		s.nextPort++
		if s.nextPort == 0 {
			s.nextPort = firstEphemeralPort
		}
		if s.ports[port] == 0 {
			if _, listening := s.listeners[port]; !listening {
				return port, nil
			}
		}
	}
	return 0, ErrTooManyConnections
}

// sendSegment frames and transmits one segment for a connection.
// Called with mu held.
func (s *Stack) sendSegment(c *conn, flags uint8, seq seqnum.Value, payload []byte, withMSS bool) {
	var opts []byte
	if withMSS {
		opts = header.EncodeMSSOption(uint16(s.cfg.MSS))
	}
	hdrLen := header.MinimumSize + len(opts)
	buf := make([]byte, hdrLen+len(payload))

	var ack uint32
	if flags&header.FlagACK != 0 {
		ack = uint32(c.rcvNxt)
	}
	seg := header.TCP(buf)
	seg.Encode(&header.Fields{
		SrcPort:    c.tuple.Local.Port,
		DstPort:    c.tuple.Remote.Port,
		SeqNum:     uint32(seq),
		AckNum:     ack,
		DataOffset: uint8(hdrLen),
		Flags:      flags,
		WindowSize: c.advertisedWindow(),
	})
	copy(buf[header.MinimumSize:], opts)
	copy(buf[hdrLen:], payload)
	seg.SetChecksum(header.SegmentChecksum(c.tuple.Local, c.tuple.Remote, buf))

	atomic.AddUint64(&s.metrics.SegmentsSent, 1)
	if core.IsDebugMode() {
		logging.Debugf("tcp %s: send flags=%#x seq=%d ack=%d len=%d wnd=%d",
			c.tuple, flags, uint32(seq), ack, len(payload), seg.WindowSize())
	}
	if err := s.link.SendSegment(c.tuple.Local, c.tuple.Remote, buf); err != nil {
		// Treat a drop like loss: retransmission covers data segments.
		logging.Debugf("tcp %s: link dropped segment: %v", c.tuple, err)
	}
}

// sendRst emits a bare RST (or RST|ACK) for a tuple with no connection.
// Called with mu held.
func (s *Stack) sendRst(tuple fourTuple, seq, ack seqnum.Value, flags uint8) {
	buf := make([]byte, header.MinimumSize)
	seg := header.TCP(buf)
	seg.Encode(&header.Fields{
		SrcPort:    tuple.Local.Port,
		DstPort:    tuple.Remote.Port,
		SeqNum:     uint32(seq),
		AckNum:     uint32(ack),
		DataOffset: header.MinimumSize,
		Flags:      flags,
	})
	seg.SetChecksum(header.SegmentChecksum(tuple.Local, tuple.Remote, buf))
	atomic.AddUint64(&s.metrics.SegmentsSent, 1)
	atomic.AddUint64(&s.metrics.Resets, 1)
	_ = s.link.SendSegment(tuple.Local, tuple.Remote, buf)
}

// notifyAccept hands a freshly established passive connection to its
// listener. Called with mu held; the callback itself runs after unlock.
func (s *Stack) notifyAccept(c *conn) {
	accept := c.onAccept
	if accept == nil {
		return
	}
	sock := &Socket{stack: s, conn: c}
	s.pendingCallbacks = append(s.pendingCallbacks, func() { accept(sock) })
}

func (s *Stack) queueDataCallback(c *conn) {
	if c.onData != nil {
		cb := c.onData
		s.pendingCallbacks = append(s.pendingCallbacks, cb)
	}
}

func (s *Stack) queueCloseCallback(c *conn) {
	if c.onClose != nil {
		cb := c.onClose
		s.pendingCallbacks = append(s.pendingCallbacks, cb)
	}
}

func (s *Stack) queueErrorCallback(c *conn, err error) {
	atomic.AddUint64(&s.metrics.Errors, 1)
	if c.onError != nil {
		cb := c.onError
		s.pendingCallbacks = append(s.pendingCallbacks, func() { cb(err) })
	}
}

func (s *Stack) takeCallbacks() []func() {
	cbs := s.pendingCallbacks
	s.pendingCallbacks = nil
	return cbs
}

// unlockAndRun releases mu and runs callbacks queued during processing,
// so user code never runs under the stack lock.
func (s *Stack) unlockAndRun() {
	cbs := s.takeCallbacks()
	s.mu.Unlock()
	runCallbacks(cbs)
}

func runCallbacks(cbs []func()) {
	for _, cb := range cbs {
		cb()
	}
}

func (s *Stack) countWindowDrop()  { atomic.AddUint64(&s.metrics.WindowDrops, 1) }
func (s *Stack) countRetransmit()  { atomic.AddUint64(&s.metrics.Retransmits, 1) }
func (s *Stack) countReset()       { atomic.AddUint64(&s.metrics.Resets, 1) }
func (s *Stack) countBytesReceived(n int) {
	atomic.AddUint64(&s.metrics.BytesReceived, uint64(n))
}
func (s *Stack) countBytesSentAcked(n int) {
	atomic.AddUint64(&s.metrics.BytesSent, uint64(n))
}
