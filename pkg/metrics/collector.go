// Package metrics exports the stack counters in Prometheus format and
// serves them over HTTP alongside a health endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/chobot2014/JSOS-sub007/pkg/core"
)

// StackCollector adapts a live core.StackMetrics to the Prometheus
// collector interface. Counters are read atomically at scrape time.
type StackCollector struct {
	source *core.StackMetrics
	labels prometheus.Labels

	connectionsCreated  *prometheus.Desc
	connectionsClosed   *prometheus.Desc
	segmentsSent        *prometheus.Desc
	segmentsReceived    *prometheus.Desc
	bytesSent           *prometheus.Desc
	bytesReceived       *prometheus.Desc
	retransmits         *prometheus.Desc
	checksumDrops       *prometheus.Desc
	windowDrops         *prometheus.Desc
	resets              *prometheus.Desc
	handshakesCompleted *prometheus.Desc
	handshakesFailed    *prometheus.Desc
	errors              *prometheus.Desc
}

// NewStackCollector builds a collector over source. The stack label
// distinguishes multiple stack instances in one process.
func NewStackCollector(source *core.StackMetrics, stackName string) *StackCollector {
	labels := prometheus.Labels{"stack": stackName}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("netstack_"+name, help, nil, labels)
	}
	return &StackCollector{
		source:              source,
		labels:              labels,
		connectionsCreated:  desc("connections_created_total", "Connections allocated in the connection table."),
		connectionsClosed:   desc("connections_closed_total", "Connections released from the connection table."),
		segmentsSent:        desc("segments_sent_total", "TCP segments handed to the link."),
		segmentsReceived:    desc("segments_received_total", "TCP segments delivered by the link."),
		bytesSent:           desc("bytes_sent_total", "Stream bytes acknowledged by peers."),
		bytesReceived:       desc("bytes_received_total", "Stream bytes accepted in order."),
		retransmits:         desc("retransmits_total", "Segments retransmitted after loss."),
		checksumDrops:       desc("checksum_drops_total", "Inbound segments dropped for bad checksums."),
		windowDrops:         desc("window_drops_total", "Inbound segments dropped outside the receive window."),
		resets:              desc("resets_total", "RST segments sent or connections aborted."),
		handshakesCompleted: desc("tls_handshakes_completed_total", "TLS 1.3 handshakes completed."),
		handshakesFailed:    desc("tls_handshakes_failed_total", "TLS 1.3 handshakes failed."),
		errors:              desc("errors_total", "Fatal connection errors surfaced to sockets."),
	}
}

// Describe implements prometheus.Collector.
func (c *StackCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.connectionsCreated
	ch <- c.connectionsClosed
	ch <- c.segmentsSent
	ch <- c.segmentsReceived
	ch <- c.bytesSent
	ch <- c.bytesReceived
	ch <- c.retransmits
	ch <- c.checksumDrops
	ch <- c.windowDrops
	ch <- c.resets
	ch <- c.handshakesCompleted
	ch <- c.handshakesFailed
	ch <- c.errors
}

// Collect implements prometheus.Collector.
func (c *StackCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.source.Snapshot()
	counter := func(desc *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v))
	}
	counter(c.connectionsCreated, snap.ConnectionsCreated)
	counter(c.connectionsClosed, snap.ConnectionsClosed)
	counter(c.segmentsSent, snap.SegmentsSent)
	counter(c.segmentsReceived, snap.SegmentsReceived)
	counter(c.bytesSent, snap.BytesSent)
	counter(c.bytesReceived, snap.BytesReceived)
	counter(c.retransmits, snap.Retransmits)
	counter(c.checksumDrops, snap.ChecksumDrops)
	counter(c.windowDrops, snap.WindowDrops)
	counter(c.resets, snap.Resets)
	counter(c.handshakesCompleted, snap.HandshakesCompleted)
	counter(c.handshakesFailed, snap.HandshakesFailed)
	counter(c.errors, snap.Errors)
}
