package tcp

import (
	"io"

	"github.com/chobot2014/JSOS-sub007/pkg/core"
)

// Socket is the caller-visible façade over one connection: stream reads and
// writes with suspension, close, and event callbacks. It has no lifecycle of
// its own beyond the underlying connection.
//
// Suspension follows the single-waiter model: at most one task may be
// suspended per direction at a time. Closing the socket resumes suspended
// tasks immediately with ErrConnectionClosed.
type Socket struct {
	stack *Stack
	conn  *conn
}

// LocalAddr returns the local endpoint.
func (s *Socket) LocalAddr() core.Addr { return s.conn.tuple.Local }

// RemoteAddr returns the remote endpoint.
func (s *Socket) RemoteAddr() core.Addr { return s.conn.tuple.Remote }

// State returns the connection state.
func (s *Socket) State() State {
	s.stack.mu.Lock()
	defer s.stack.mu.Unlock()
	return s.conn.state
}

// OnData registers a callback invoked when new in-order bytes arrive.
func (s *Socket) OnData(fn func()) {
	s.stack.mu.Lock()
	defer s.stack.mu.Unlock()
	s.conn.onData = fn
}

// OnClose registers a callback invoked when the peer closes its direction.
func (s *Socket) OnClose(fn func()) {
	s.stack.mu.Lock()
	defer s.stack.mu.Unlock()
	s.conn.onClose = fn
}

// OnError registers a callback for the single fatal error of the connection.
func (s *Socket) OnError(fn func(error)) {
	s.stack.mu.Lock()
	defer s.stack.mu.Unlock()
	s.conn.onError = fn
}

// Read fills p with available stream bytes, suspending the calling task
// while none are buffered. It returns io.EOF once the peer has closed and
// the buffer has drained.
func (s *Socket) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		s.stack.mu.Lock()
		n, err, wait := s.readLocked(p)
		if wait == nil {
			s.stack.unlockAndRun()
			return n, err
		}
		s.stack.mu.Unlock()
		<-wait
	}
}

// TryRead is the non-suspending variant: it returns 0 immediately when no
// bytes are buffered.
func (s *Socket) TryRead(p []byte) (int, error) {
	s.stack.mu.Lock()
	n, err, _ := s.readLocked(p)
	s.stack.unlockAndRun()
	if err == nil && n == 0 {
		return 0, nil
	}
	return n, err
}

// readLocked performs one read attempt. It returns a non-nil wait channel
// when the caller should suspend and retry. Called with the stack locked.
func (s *Socket) readLocked(p []byte) (int, error, chan struct{}) {
	c := s.conn
	if c.recvBuf.Len() > 0 {
		wasStarved := c.recvBuf.Free() < c.mss
		n := c.recvBuf.Read(p)
		// Reading frees window; let the peer know when it was pinched.
		if wasStarved && c.state != StateClosed {
			c.sendAck()
		}
		return n, nil, nil
	}
	if c.localClosed {
		return 0, ErrConnectionClosed, nil
	}
	if c.fatalErr != nil {
		return 0, c.fatalErr, nil
	}
	if c.peerFinSeen || c.state == StateClosed {
		return 0, io.EOF, nil
	}
	if c.readWaiter == nil {
		c.readWaiter = make(chan struct{})
	}
	return 0, nil, c.readWaiter
}

// Write queues p on the send buffer, suspending while the buffer is full,
// and returns once every byte is accepted. Transmission and retransmission
// proceed asynchronously under window control.
func (s *Socket) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		s.stack.mu.Lock()
		n, err, wait := s.writeLocked(p[written:])
		written += n
		if err != nil {
			s.stack.unlockAndRun()
			return written, err
		}
		if wait == nil {
			s.stack.unlockAndRun()
			continue
		}
		s.stack.mu.Unlock()
		<-wait
	}
	return written, nil
}

// TryWrite accepts as many bytes as fit in the send buffer and returns the
// short count immediately, never suspending.
func (s *Socket) TryWrite(p []byte) (int, error) {
	s.stack.mu.Lock()
	n, err, _ := s.writeLocked(p)
	s.stack.unlockAndRun()
	return n, err
}

// writeLocked performs one write attempt. Called with the stack locked.
func (s *Socket) writeLocked(p []byte) (int, error, chan struct{}) {
	c := s.conn
	if c.fatalErr != nil {
		return 0, c.fatalErr, nil
	}
	if c.localClosed || c.closePending {
		return 0, ErrConnectionClosed, nil
	}
	switch c.state {
	case StateEstablished, StateCloseWait:
	case StateSynSent, StateSynRcvd:
		// Queue ahead of the handshake; it drains once established.
	default:
		return 0, ErrInvalidState, nil
	}

	n := c.sendBuf.Write(p)
	if n > 0 {
		c.maybeSend(s.stack.now())
		return n, nil, nil
	}
	if c.writeWaiter == nil {
		c.writeWaiter = make(chan struct{})
	}
	return 0, nil, c.writeWaiter
}

// Flush forces out any coalesced short segment without waiting for Nagle.
func (s *Socket) Flush() {
	s.stack.mu.Lock()
	c := s.conn
	if c.state != StateClosed {
		c.pushPending = true
		c.maybeSend(s.stack.now())
	}
	s.stack.unlockAndRun()
}

// Close starts the FIN sequence. Any task suspended on Read or Write is
// resumed immediately with ErrConnectionClosed.
func (s *Socket) Close() error {
	s.stack.mu.Lock()
	c := s.conn

	if c.state == StateClosed {
		s.stack.unlockAndRun()
		return nil
	}
	c.localClosed = true
	c.resumeReadWaiter()
	c.resumeWriteWaiter()

	switch c.state {
	case StateSynSent, StateSynRcvd:
		c.release(ErrConnectionClosed)
	case StateEstablished:
		c.closePending = true
		c.state = StateFinWait1
		c.maybeSend(s.stack.now())
	case StateCloseWait:
		c.closePending = true
		c.state = StateLastAck
		c.maybeSend(s.stack.now())
	default:
		// Already closing.
	}
	s.stack.unlockAndRun()
	return nil
}

// Buffered returns the number of unread received bytes.
func (s *Socket) Buffered() int {
	s.stack.mu.Lock()
	defer s.stack.mu.Unlock()
	return s.conn.recvBuf.Len()
}
