package main

import (
	"context"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/chobot2014/JSOS-sub007/pkg/logging"
	"github.com/chobot2014/JSOS-sub007/pkg/tcp"
)

// runMetricsReporter logs a counter snapshot for both stacks on a timer.
// METRICS_INTERVAL overrides the default 30s period.
func runMetricsReporter(ctx context.Context, client, server *tcp.Stack) {
	interval := 30 * time.Second
	if iv := strings.TrimSpace(os.Getenv("METRICS_INTERVAL")); iv != "" {
		if d, err := time.ParseDuration(iv); err == nil {
			interval = d
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dumpStack("client", client)
			dumpStack("server", server)

			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)
			logging.Infof("metrics: runtime heap=%dKiB goroutines=%d gc=%d",
				ms.HeapAlloc/1024, runtime.NumGoroutine(), ms.NumGC)
		}
	}
}

func dumpStack(name string, s *tcp.Stack) {
	m := s.Metrics()
	logging.Infof("metrics[%s]: conns=%d/%d segs=%d/%d bytes=%d/%d rtx=%d drops(cksum=%d wnd=%d) rst=%d tls=%d/%d errs=%d",
		name,
		m.ConnectionsCreated, m.ConnectionsClosed,
		m.SegmentsSent, m.SegmentsReceived,
		m.BytesSent, m.BytesReceived,
		m.Retransmits,
		m.ChecksumDrops, m.WindowDrops,
		m.Resets,
		m.HandshakesCompleted, m.HandshakesFailed,
		m.Errors)
}
