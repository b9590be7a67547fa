package main

import (
	"github.com/chobot2014/JSOS-sub007/pkg/core"
	"github.com/chobot2014/JSOS-sub007/pkg/logging"
)

type frame struct {
	src, dst core.Addr
	segment  []byte
}

// memoryLink is one direction of an in-process segment cable. Frames are
// forwarded in order on a dedicated goroutine so neither stack re-enters
// itself while delivering.
type memoryLink struct {
	ch   chan frame
	sink core.SegmentSink
}

func newMemoryLink() *memoryLink {
	return &memoryLink{ch: make(chan frame, 1024)}
}

// attach sets the receiving stack and starts the pump. Call before traffic.
func (l *memoryLink) attach(sink core.SegmentSink) {
	l.sink = sink
	go func() {
		for f := range l.ch {
			l.sink.DeliverSegment(f.src, f.dst, f.segment)
		}
	}()
}

func (l *memoryLink) SendSegment(src, dst core.Addr, segment []byte) error {
	cp := append([]byte(nil), segment...)
	select {
	case l.ch <- frame{src: src, dst: dst, segment: cp}:
	default:
		// A full queue behaves like a congested wire: the segment is lost
		// and retransmission recovers it.
		logging.Debugf("link: queue full, dropping %d bytes %s -> %s", len(segment), src, dst)
	}
	return nil
}
