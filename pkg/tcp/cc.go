package tcp

import "time"

// congestionControl owns the congestion window, slow-start threshold,
// duplicate-ACK counter and RTT estimator for one connection. It is pure
// state and arithmetic; the connection decides when to actually send.
//
// All window accounting is in bytes. The RTT estimator follows RFC 6298
// with the usual integer shifts (srtt = 7/8*srtt + 1/8*sample,
// rttvar = 3/4*rttvar + 1/4*|srtt-sample|) on nanosecond counts, so results
// are deterministic across platforms.
type congestionControl struct {
	mss      int
	cwnd     int
	ssthresh int

	dupAckCount int

	srtt   time.Duration
	rttvar time.Duration
	rto    time.Duration

	rtoMin time.Duration
	rtoMax time.Duration
}

const defaultSsthresh = 64 * 1024

func newCongestionControl(mss int, rtoMin, rtoMax time.Duration) *congestionControl {
	if mss <= 0 {
		mss = 1460
	}
	return &congestionControl{
		mss:      mss,
		cwnd:     2 * mss,
		ssthresh: defaultSsthresh,
		rto:      1 * time.Second, // RFC 6298 initial RTO before any sample
		rtoMin:   rtoMin,
		rtoMax:   rtoMax,
	}
}

// Cwnd returns the congestion window in bytes.
func (c *congestionControl) Cwnd() int { return c.cwnd }

// Ssthresh returns the slow-start threshold in bytes.
func (c *congestionControl) Ssthresh() int { return c.ssthresh }

// RTO returns the current retransmission timeout.
func (c *congestionControl) RTO() time.Duration { return c.rto }

// OnNewAck grows the window for an ACK covering acked new bytes and resets
// the duplicate-ACK counter.
func (c *congestionControl) OnNewAck(acked int) {
	c.dupAckCount = 0
	if acked <= 0 {
		return
	}
	if c.cwnd < c.ssthresh {
		// Slow start: one MSS per new-data ACK.
		c.cwnd += c.mss
		return
	}
	// Congestion avoidance: MSS*MSS/cwnd per ACK, roughly one MSS per RTT.
	inc := c.mss * c.mss / c.cwnd
	if inc < 1 {
		inc = 1
	}
	c.cwnd += inc
}

// OnDuplicateAck counts a duplicate ACK and returns true when the third one
// arrives: the connection must fast-retransmit the oldest unacked segment.
// The window is already adjusted (ssthresh = cwnd/2, cwnd = ssthresh+3*MSS)
// when it returns true.
func (c *congestionControl) OnDuplicateAck() bool {
	c.dupAckCount++
	if c.dupAckCount != 3 {
		return false
	}
	c.ssthresh = c.halfCwnd()
	c.cwnd = c.ssthresh + 3*c.mss
	return true
}

// OnTimeout applies the RTO reaction: collapse to one MSS, halve ssthresh
// and double the timeout for the next attempt.
func (c *congestionControl) OnTimeout() {
	c.ssthresh = c.halfCwnd()
	c.cwnd = c.mss
	c.dupAckCount = 0

	c.rto *= 2
	if c.rto > c.rtoMax {
		c.rto = c.rtoMax
	}
}

// SampleRTT feeds one measurement into the estimator. Callers must honor
// Karn's rule and never pass samples taken from retransmitted segments.
func (c *congestionControl) SampleRTT(sample time.Duration) {
	if sample <= 0 {
		return
	}
	if c.srtt == 0 {
		c.srtt = sample
		c.rttvar = sample / 2
	} else {
		err := c.srtt - sample
		if err < 0 {
			err = -err
		}
		c.rttvar = (3*c.rttvar + err) / 4
		c.srtt = (7*c.srtt + sample) / 8
	}

	rto := c.srtt + 4*c.rttvar
	if rto < c.rtoMin {
		rto = c.rtoMin
	}
	if rto > c.rtoMax {
		rto = c.rtoMax
	}
	c.rto = rto
}

func (c *congestionControl) halfCwnd() int {
	half := c.cwnd / 2
	if half < 2*c.mss {
		half = 2 * c.mss
	}
	return half
}
