package tcp

import (
	"container/heap"
	"time"

	"github.com/chobot2014/JSOS-sub007/pkg/seqnum"
)

// pendingSegment is one unacknowledged byte range in a connection's
// retransmission queue. The payload itself stays in the send ring; the
// range is re-read with Peek on retransmit.
type pendingSegment struct {
	seq     seqnum.Value
	length  int  // payload bytes; 0 for a bare SYN or FIN
	syn     bool // segment carries SYN
	fin     bool // segment carries FIN
	sentAt  time.Time
	retries int
	rtx     bool // retransmitted at least once (Karn: no RTT sample)
}

func (p *pendingSegment) end() seqnum.Value {
	n := seqnum.Size(p.length)
	if p.syn {
		n++
	}
	if p.fin {
		n++
	}
	return p.seq.Add(n)
}

// timerRef names one scheduled deadline: the connection handle plus the
// sequence number of the segment it was armed for. Entries are not removed
// when a segment is acknowledged early; the connection discards stale
// expiries by checking its own queue.
type timerRef struct {
	connID int
	seq    seqnum.Value
}

type timerEntry struct {
	deadline time.Time
	ref      timerRef
}

type timerHeap []timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x interface{}) { *h = append(*h, x.(timerEntry)) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// timerManager is the process-wide min-ordered collection of retransmission
// deadlines, swept once per scheduler tick.
type timerManager struct {
	h timerHeap
}

func newTimerManager() *timerManager {
	tm := &timerManager{}
	heap.Init(&tm.h)
	return tm
}

// Schedule arms a deadline for the given connection/segment.
func (tm *timerManager) Schedule(deadline time.Time, ref timerRef) {
	heap.Push(&tm.h, timerEntry{deadline: deadline, ref: ref})
}

// NextDeadline returns the earliest pending deadline, if any.
func (tm *timerManager) NextDeadline() (time.Time, bool) {
	if len(tm.h) == 0 {
		return time.Time{}, false
	}
	return tm.h[0].deadline, true
}

// ExpireDue pops and returns every entry whose deadline is at or before now.
func (tm *timerManager) ExpireDue(now time.Time) []timerRef {
	var due []timerRef
	for len(tm.h) > 0 && !tm.h[0].deadline.After(now) {
		e := heap.Pop(&tm.h).(timerEntry)
		due = append(due, e.ref)
	}
	return due
}

// Len returns the number of scheduled entries, stale ones included.
func (tm *timerManager) Len() int { return len(tm.h) }
