package tcp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/chobot2014/JSOS-sub007/pkg/seqnum"
)

func TestTimerManagerOrdersByDeadline(t *testing.T) {
	tm := newTimerManager()
	base := time.Now()

	tm.Schedule(base.Add(3*time.Second), timerRef{connID: 3, seq: 30})
	tm.Schedule(base.Add(1*time.Second), timerRef{connID: 1, seq: 10})
	tm.Schedule(base.Add(2*time.Second), timerRef{connID: 2, seq: 20})

	next, ok := tm.NextDeadline()
	assert.True(t, ok)
	assert.Equal(t, base.Add(time.Second), next)

	due := tm.ExpireDue(base.Add(2 * time.Second))
	assert.Equal(t, []timerRef{{connID: 1, seq: 10}, {connID: 2, seq: 20}}, due)
	assert.Equal(t, 1, tm.Len())

	// Nothing more until the last deadline.
	assert.Empty(t, tm.ExpireDue(base.Add(2500*time.Millisecond)))
	assert.Equal(t, []timerRef{{connID: 3, seq: 30}}, tm.ExpireDue(base.Add(3*time.Second)))

	_, ok = tm.NextDeadline()
	assert.False(t, ok)
}

func TestTimerManagerDeadlineBoundaryIsDue(t *testing.T) {
	tm := newTimerManager()
	at := time.Now()
	tm.Schedule(at, timerRef{connID: 0, seq: 1})
	assert.Len(t, tm.ExpireDue(at), 1)
}

func TestPendingSegmentEndAccountsForSynAndFin(t *testing.T) {
	data := pendingSegment{seq: 100, length: 10}
	assert.Equal(t, seqnum.Value(110), data.end())

	syn := pendingSegment{seq: 100, syn: true}
	assert.Equal(t, seqnum.Value(101), syn.end())

	fin := pendingSegment{seq: 200, length: 5, fin: true}
	assert.Equal(t, seqnum.Value(206), fin.end())
}
