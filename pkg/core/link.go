// Package core defines the interfaces shared between the transport stack and
// the layers above and below it.
package core

import (
	"fmt"
	"sync/atomic"
)

// Addr identifies one end of a TCP connection.
type Addr struct {
	IP   [4]byte
	Port uint16
}

func (a Addr) String() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d", a.IP[0], a.IP[1], a.IP[2], a.IP[3], a.Port)
}

// FourTuple identifies a connection by its local and remote endpoints.
type FourTuple struct {
	Local  Addr
	Remote Addr
}

func (t FourTuple) String() string {
	return t.Local.String() + "-" + t.Remote.String()
}

// Reversed returns the tuple as seen from the remote side.
func (t FourTuple) Reversed() FourTuple {
	return FourTuple{Local: t.Remote, Remote: t.Local}
}

// SegmentLink is the interface to the IP layer below the stack. The stack
// hands it fully framed TCP segments (header plus payload); IP/Ethernet
// encapsulation, ARP and physical transmission live behind it.
type SegmentLink interface {
	// SendSegment transmits one TCP segment from src to dst. It returns an
	// error when the frame was dropped; the stack treats a drop like loss
	// and relies on retransmission.
	SendSegment(src, dst Addr, segment []byte) error
}

// SegmentSink is implemented by the stack: the IP layer calls DeliverSegment
// for every TCP segment addressed to a local port. Interrupt handlers never
// call this directly; they enqueue frames and the scheduler delivers them on
// its own tick.
type SegmentSink interface {
	DeliverSegment(src, dst Addr, segment []byte)
}

// LinkFunc adapts a function to the SegmentLink interface.
type LinkFunc func(src, dst Addr, segment []byte) error

func (f LinkFunc) SendSegment(src, dst Addr, segment []byte) error {
	return f(src, dst, segment)
}

// Global debug flag set from configuration.
var debugMode uint32

// SetDebugMode toggles verbose segment tracing in the stack.
func SetDebugMode(enabled bool) {
	if enabled {
		atomic.StoreUint32(&debugMode, 1)
	} else {
		atomic.StoreUint32(&debugMode, 0)
	}
}

// IsDebugMode returns whether debug mode is enabled.
func IsDebugMode() bool {
	return atomic.LoadUint32(&debugMode) == 1
}
