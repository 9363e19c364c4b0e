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

// Stats is the process-wide datapath counter.
var Stats = &stats{}

type stats struct {
	TunRxBytes atomic.Int64 // bytes read from the tunnel device
	TunTxBytes atomic.Int64 // bytes written to the tunnel device
	UDPRxBytes atomic.Int64 // bytes received from peers
	UDPTxBytes atomic.Int64 // bytes sent to peers
	Dropped    atomic.Int64 // packets dropped (no route, bad decode, filtered)
}

func (s *stats) AddTunRx(n int) { s.TunRxBytes.Add(int64(n)) }
func (s *stats) AddTunTx(n int) { s.TunTxBytes.Add(int64(n)) }
func (s *stats) AddUDPRx(n int) { s.UDPRxBytes.Add(int64(n)) }
func (s *stats) AddUDPTx(n int) { s.UDPTxBytes.Add(int64(n)) }
func (s *stats) AddDrop()       { s.Dropped.Add(1) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs datapath statistics
// every 10 seconds. Quiet intervals are skipped. It stops when ctx is
// cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prevRx, prevTx, prevDrop int64
		for {
			select {
			case <-ticker.C:
				rx := Stats.UDPRxBytes.Load()
				tx := Stats.UDPTxBytes.Load()
				drop := Stats.Dropped.Load()

				inS := float64(rx-prevRx) / 10.0
				outS := float64(tx-prevTx) / 10.0
				drops := drop - prevDrop

				if inS > 10 || outS > 10 || drops > 0 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, drops))
				}

				prevRx = rx
				prevTx = tx
				prevDrop = drop

			case <-ctx.Done():
				return
			}
		}
	}()
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

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(inS, outS float64, drops int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Dropped: %d",
		formatBytes(inS),
		formatBytes(outS),
		drops,
	)
}
