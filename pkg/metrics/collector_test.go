package metrics

import (
	"strings"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chobot2014/JSOS-sub007/pkg/core"
)

func TestStackCollectorReportsCounters(t *testing.T) {
	var src core.StackMetrics
	atomic.StoreUint64(&src.SegmentsSent, 7)
	atomic.StoreUint64(&src.Retransmits, 2)
	atomic.StoreUint64(&src.BytesReceived, 1024)

	c := NewStackCollector(&src, "test")
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(c))

	expected := strings.NewReader(`
# HELP netstack_segments_sent_total TCP segments handed to the link.
# TYPE netstack_segments_sent_total counter
netstack_segments_sent_total{stack="test"} 7
# HELP netstack_retransmits_total Segments retransmitted after loss.
# TYPE netstack_retransmits_total counter
netstack_retransmits_total{stack="test"} 2
# HELP netstack_bytes_received_total Stream bytes accepted in order.
# TYPE netstack_bytes_received_total counter
netstack_bytes_received_total{stack="test"} 1024
`)
	err := testutil.GatherAndCompare(reg, expected,
		"netstack_segments_sent_total",
		"netstack_retransmits_total",
		"netstack_bytes_received_total")
	assert.NoError(t, err)
}

func TestStackCollectorScrapesLiveValues(t *testing.T) {
	var src core.StackMetrics
	c := NewStackCollector(&src, "live")
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(c))

	assert.Equal(t, float64(0), testutil.ToFloat64(collectOne(t, c, "netstack_errors_total")))

	atomic.AddUint64(&src.Errors, 3)
	assert.Equal(t, float64(3), testutil.ToFloat64(collectOne(t, c, "netstack_errors_total")))
}

// collectOne gathers a single metric family from the collector.
func collectOne(t *testing.T, c prometheus.Collector, name string) prometheus.Collector {
	t.Helper()
	return &filtered{inner: c, name: name}
}

// filtered narrows a collector to one metric name so testutil.ToFloat64 sees
// exactly one sample.
type filtered struct {
	inner prometheus.Collector
	name  string
}

func (f *filtered) Describe(ch chan<- *prometheus.Desc) {
	inner := make(chan *prometheus.Desc, 64)
	f.inner.Describe(inner)
	close(inner)
	for d := range inner {
		if strings.Contains(d.String(), f.name) {
			ch <- d
		}
	}
}

func (f *filtered) Collect(ch chan<- prometheus.Metric) {
	inner := make(chan prometheus.Metric, 64)
	f.inner.Collect(inner)
	close(inner)
	for m := range inner {
		if strings.Contains(m.Desc().String(), f.name) {
			ch <- m
		}
	}
}
