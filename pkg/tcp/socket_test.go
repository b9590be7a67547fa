package tcp

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chobot2014/JSOS-sub007/pkg/core"
)

type pumpFrame struct {
	src, dst core.Addr
	seg      []byte
}

// pumpLink is a lossless one-way cable: segments are forwarded to the
// opposite stack in order on a dedicated goroutine, so a stack never
// re-enters itself while holding its lock.
type pumpLink struct {
	ch   chan pumpFrame
	sink core.SegmentSink
}

func newPumpLink() *pumpLink {
	l := &pumpLink{ch: make(chan pumpFrame, 256)}
	go func() {
		for f := range l.ch {
			l.sink.DeliverSegment(f.src, f.dst, f.seg)
		}
	}()
	return l
}

func (l *pumpLink) SendSegment(src, dst core.Addr, segment []byte) error {
	cp := append([]byte(nil), segment...)
	l.ch <- pumpFrame{src: src, dst: dst, seg: cp}
	return nil
}

// blackholeLink swallows every segment.
type blackholeLink struct{}

func (blackholeLink) SendSegment(src, dst core.Addr, segment []byte) error { return nil }

func newStackPair(t *testing.T) (*Stack, *Stack) {
	t.Helper()
	la := newPumpLink()
	lb := newPumpLink()
	a := NewStack([4]byte{10, 0, 0, 1}, la, testStackConfig())
	b := NewStack([4]byte{10, 0, 0, 2}, lb, testStackConfig())
	la.sink = b
	lb.sink = a
	return a, b
}

func acceptOne(t *testing.T, s *Stack, port uint16) chan *Socket {
	t.Helper()
	accepted := make(chan *Socket, 1)
	require.NoError(t, s.Listen(port, func(sk *Socket) { accepted <- sk }))
	return accepted
}

func waitAccepted(t *testing.T, ch chan *Socket) *Socket {
	t.Helper()
	select {
	case sk := <-ch:
		return sk
	case <-time.After(2 * time.Second):
		t.Fatal("no inbound connection accepted")
		return nil
	}
}

func TestConnectAndEcho(t *testing.T) {
	a, b := newStackPair(t)
	accepted := acceptOne(t, b, 7)

	sock, err := a.ConnectTimeout(core.Addr{IP: [4]byte{10, 0, 0, 2}, Port: 7}, 2*time.Second)
	require.NoError(t, err)
	ssock := waitAccepted(t, accepted)

	assert.Equal(t, StateEstablished, sock.State())
	assert.Equal(t, StateEstablished, ssock.State())
	assert.Equal(t, sock.LocalAddr(), ssock.RemoteAddr())
	assert.Equal(t, sock.RemoteAddr(), ssock.LocalAddr())

	_, err = sock.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 16)
	n, err := ssock.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))

	_, err = ssock.Write([]byte("pong"))
	require.NoError(t, err)

	n, err = sock.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf[:n]))
}

func TestConnectRefusedByClosedPort(t *testing.T) {
	a, _ := newStackPair(t)

	_, err := a.ConnectTimeout(core.Addr{IP: [4]byte{10, 0, 0, 2}, Port: 9}, 2*time.Second)
	assert.ErrorIs(t, err, ErrConnectionRefused)
	assert.Zero(t, a.liveConns())
}

func TestConnectTimesOutOnSilence(t *testing.T) {
	s := NewStack([4]byte{10, 0, 0, 1}, blackholeLink{}, testStackConfig())

	_, err := s.ConnectTimeout(core.Addr{IP: [4]byte{10, 0, 0, 2}, Port: 9}, 200*time.Millisecond)
	assert.ErrorIs(t, err, ErrConnectionTimeout)
	assert.Zero(t, s.liveConns())
}

func TestCloseResumesSuspendedReader(t *testing.T) {
	a, b := newStackPair(t)
	accepted := acceptOne(t, b, 7)

	sock, err := a.ConnectTimeout(core.Addr{IP: [4]byte{10, 0, 0, 2}, Port: 7}, 2*time.Second)
	require.NoError(t, err)
	waitAccepted(t, accepted)

	errs := make(chan error, 1)
	go func() {
		_, err := sock.Read(make([]byte, 8))
		errs <- err
	}()

	time.Sleep(50 * time.Millisecond) // let the reader suspend
	require.NoError(t, sock.Close())

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrConnectionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("suspended reader was not resumed by close")
	}
}

func TestWriterSuspendsUntilBufferDrains(t *testing.T) {
	cfg := testStackConfig()
	cfg.RingCapacity = 8 // force multiple suspension rounds
	la := newPumpLink()
	lb := newPumpLink()
	a := NewStack([4]byte{10, 0, 0, 1}, la, cfg)
	b := NewStack([4]byte{10, 0, 0, 2}, lb, testStackConfig())
	la.sink = b
	lb.sink = a

	accepted := acceptOne(t, b, 7)
	sock, err := a.ConnectTimeout(core.Addr{IP: [4]byte{10, 0, 0, 2}, Port: 7}, 2*time.Second)
	require.NoError(t, err)
	ssock := waitAccepted(t, accepted)

	msg := []byte("the quick brown fox jumps over the lazy dog")
	done := make(chan error, 1)
	go func() {
		n, err := sock.Write(msg)
		if err == nil && n != len(msg) {
			err = io.ErrShortWrite
		}
		done <- err
	}()

	got := make([]byte, 0, len(msg))
	buf := make([]byte, 16)
	for len(got) < len(msg) {
		n, err := ssock.Read(buf)
		require.NoError(t, err)
		got = append(got, buf[:n]...)
	}
	assert.Equal(t, string(msg), string(got))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("writer never finished")
	}
}

func TestGracefulShutdownBothSides(t *testing.T) {
	a, b := newStackPair(t)
	accepted := acceptOne(t, b, 7)

	sock, err := a.ConnectTimeout(core.Addr{IP: [4]byte{10, 0, 0, 2}, Port: 7}, 2*time.Second)
	require.NoError(t, err)
	ssock := waitAccepted(t, accepted)

	_, err = sock.Write([]byte("bye"))
	require.NoError(t, err)
	require.NoError(t, sock.Close())

	buf := make([]byte, 8)
	n, err := ssock.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "bye", string(buf[:n]))

	_, err = ssock.Read(buf)
	assert.ErrorIs(t, err, io.EOF)

	require.NoError(t, ssock.Close())

	// Active closer holds the quiet period; passive side fully releases.
	assert.Eventually(t, func() bool { return sock.State() == StateTimeWait },
		2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return ssock.State() == StateClosed },
		2*time.Second, 10*time.Millisecond)

	// Writes after close fail fast on both ends.
	_, err = sock.TryWrite([]byte("x"))
	assert.Error(t, err)
	_, err = ssock.TryWrite([]byte("x"))
	assert.Error(t, err)
}

func TestFlushPushesHeldTail(t *testing.T) {
	a, b := newStackPair(t)
	accepted := acceptOne(t, b, 7)

	sock, err := a.ConnectTimeout(core.Addr{IP: [4]byte{10, 0, 0, 2}, Port: 7}, 2*time.Second)
	require.NoError(t, err)
	ssock := waitAccepted(t, accepted)

	// Two short writes back to back: the second may be held while the first
	// is in flight; Flush must not be needed for progress, but it must not
	// stall anything either.
	_, err = sock.Write([]byte("ab"))
	require.NoError(t, err)
	_, err = sock.Write([]byte("cd"))
	require.NoError(t, err)
	sock.Flush()

	got := make([]byte, 0, 4)
	buf := make([]byte, 8)
	for len(got) < 4 {
		n, err := ssock.Read(buf)
		require.NoError(t, err)
		got = append(got, buf[:n]...)
	}
	assert.Equal(t, "abcd", string(got))
}

func TestOnDataCallbackFires(t *testing.T) {
	a, b := newStackPair(t)
	accepted := acceptOne(t, b, 7)

	sock, err := a.ConnectTimeout(core.Addr{IP: [4]byte{10, 0, 0, 2}, Port: 7}, 2*time.Second)
	require.NoError(t, err)
	ssock := waitAccepted(t, accepted)

	dataReady := make(chan struct{}, 4)
	ssock.OnData(func() { dataReady <- struct{}{} })

	_, err = sock.Write([]byte("hello"))
	require.NoError(t, err)

	select {
	case <-dataReady:
	case <-time.After(2 * time.Second):
		t.Fatal("data callback never fired")
	}

	n, err := ssock.TryRead(make([]byte, 8))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}
