package core

import "sync/atomic"

// StackMetrics contains counters for a transport stack instance. All fields
// are updated atomically and may be read concurrently.
type StackMetrics struct {
	// ConnectionsCreated is the number of connections created.
	ConnectionsCreated uint64

	// ConnectionsClosed is the number of connections closed.
	ConnectionsClosed uint64

	// SegmentsSent is the number of TCP segments handed to the link.
	SegmentsSent uint64

	// SegmentsReceived is the number of TCP segments delivered by the link.
	SegmentsReceived uint64

	// BytesSent is the number of payload bytes sent.
	BytesSent uint64

	// BytesReceived is the number of payload bytes received in order.
	BytesReceived uint64

	// Retransmits is the number of segments retransmitted (RTO or fast).
	Retransmits uint64

	// ChecksumDrops is the number of segments dropped for bad checksums.
	ChecksumDrops uint64

	// WindowDrops is the number of out-of-window segments dropped.
	WindowDrops uint64

	// Resets is the number of connections aborted by RST (sent or received).
	Resets uint64

	// HandshakesCompleted is the number of TLS handshakes completed.
	HandshakesCompleted uint64

	// HandshakesFailed is the number of TLS handshakes aborted.
	HandshakesFailed uint64

	// Errors is the number of errors surfaced to sockets.
	Errors uint64
}

// Snapshot returns a copy of the metrics read atomically field by field.
func (m *StackMetrics) Snapshot() StackMetrics {
	return StackMetrics{
		ConnectionsCreated:  atomic.LoadUint64(&m.ConnectionsCreated),
		ConnectionsClosed:   atomic.LoadUint64(&m.ConnectionsClosed),
		SegmentsSent:        atomic.LoadUint64(&m.SegmentsSent),
		SegmentsReceived:    atomic.LoadUint64(&m.SegmentsReceived),
		BytesSent:           atomic.LoadUint64(&m.BytesSent),
		BytesReceived:       atomic.LoadUint64(&m.BytesReceived),
		Retransmits:         atomic.LoadUint64(&m.Retransmits),
		ChecksumDrops:       atomic.LoadUint64(&m.ChecksumDrops),
		WindowDrops:         atomic.LoadUint64(&m.WindowDrops),
		Resets:              atomic.LoadUint64(&m.Resets),
		HandshakesCompleted: atomic.LoadUint64(&m.HandshakesCompleted),
		HandshakesFailed:    atomic.LoadUint64(&m.HandshakesFailed),
		Errors:              atomic.LoadUint64(&m.Errors),
	}
}
