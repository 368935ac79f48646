package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide frame/peer counter used by the sender and
// receiver nodes.
var Stats = &stats{}

type stats struct {
	PeersOpened   atomic.Int64 // cumulative count of peer channels opened
	PeersClosed   atomic.Int64 // cumulative count of peer channels closed
	FramesSent    atomic.Int64 // Frame Units pushed onto a data channel
	FramesDecoded atomic.Int64 // Frame Units assembled and decoded
	FramesDropped atomic.Int64 // Frame Units dropped (backpressure or desync)
	BytesSent     atomic.Int64 // cumulative bytes written to data channels
	BytesRecv     atomic.Int64 // cumulative bytes read from data channels
}

func (s *stats) AddPeer()      { s.PeersOpened.Add(1) }
func (s *stats) RemovePeer()   { s.PeersClosed.Add(1) }
func (s *stats) AddFrameSent() { s.FramesSent.Add(1) }
func (s *stats) AddDecoded()   { s.FramesDecoded.Add(1) }
func (s *stats) AddDropped()   { s.FramesDropped.Add(1) }
func (s *stats) AddSent(n int) { s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int) { s.BytesRecv.Add(int64(n)) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

const reportInterval = 10 * time.Second

// StartStatsReporter launches a goroutine that logs streaming statistics
// every 10 seconds. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(reportInterval)
		defer ticker.Stop()

		var prev snapshot
		for {
			select {
			case <-ticker.C:
				cur := takeSnapshot()
				if line, ok := formatStats(prev, cur, reportInterval.Seconds()); ok {
					pterm.DefaultLogger.Info(line)
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

type snapshot struct {
	opened, closed         int64
	sent, decoded, dropped int64
	bytesSent, bytesRecv   int64
}

func takeSnapshot() snapshot {
	return snapshot{
		opened:    Stats.PeersOpened.Load(),
		closed:    Stats.PeersClosed.Load(),
		sent:      Stats.FramesSent.Load(),
		decoded:   Stats.FramesDecoded.Load(),
		dropped:   Stats.FramesDropped.Load(),
		bytesSent: Stats.BytesSent.Load(),
		bytesRecv: Stats.BytesRecv.Load(),
	}
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats renders the delta between two snapshots. It reports false when
// nothing happened during the window so idle nodes stay quiet.
func formatStats(prev, cur snapshot, seconds float64) (string, bool) {
	fpsOut := float64(cur.sent-prev.sent) / seconds
	fpsIn := float64(cur.decoded-prev.decoded) / seconds
	dropped := cur.dropped - prev.dropped
	peersIn := cur.opened - prev.opened
	peersOut := cur.closed - prev.closed

	if fpsOut == 0 && fpsIn == 0 && dropped == 0 && peersIn == 0 && peersOut == 0 {
		return "", false
	}

	return fmt.Sprintf("Out: %5.1f fps %s/s | In: %5.1f fps %s/s | Drop: %3d | Peers: %2d↑ %2d↓",
		fpsOut,
		formatBytes(float64(cur.bytesSent-prev.bytesSent)/seconds),
		fpsIn,
		formatBytes(float64(cur.bytesRecv-prev.bytesRecv)/seconds),
		dropped,
		peersIn,
		peersOut,
	), true
}
