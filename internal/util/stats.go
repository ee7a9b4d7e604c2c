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

// Stats is the process-wide traffic/session counter.
var Stats = &stats{}

type stats struct {
	TotalSessions  atomic.Int64 // cumulative count of sessions since process start
	ClosedSessions atomic.Int64 // cumulative count of closed sessions
	RelayStreams   atomic.Int64 // streams handed to the relay engine
	CommandStreams atomic.Int64 // streams carrying a DOH command
	EchoStreams    atomic.Int64 // streams echoed back verbatim
	FramesUp       atomic.Int64 // frames written to the TUN device
	FramesDown     atomic.Int64 // frames written to relay streams
	BytesUp        atomic.Int64 // cumulative payload bytes stream → device
	BytesDown      atomic.Int64 // cumulative payload bytes device → stream
}

func (s *stats) AddSession()    { s.TotalSessions.Add(1) }
func (s *stats) RemoveSession() { s.ClosedSessions.Add(1) }
func (s *stats) AddRelay()      { s.RelayStreams.Add(1) }
func (s *stats) AddCommand()    { s.CommandStreams.Add(1) }
func (s *stats) AddEcho()       { s.EchoStreams.Add(1) }

func (s *stats) AddUp(n int) {
	s.FramesUp.Add(1)
	s.BytesUp.Add(int64(n))
}

func (s *stats) AddDown(n int) {
	s.FramesDown.Add(1)
	s.BytesDown.Add(int64(n))
}

// Snapshot is a point-in-time copy of the counters, serialized by the monitor.
type Snapshot struct {
	Time           time.Time `json:"time"`
	ActiveSessions int64     `json:"activeSessions"`
	TotalSessions  int64     `json:"totalSessions"`
	RelayStreams   int64     `json:"relayStreams"`
	CommandStreams int64     `json:"commandStreams"`
	EchoStreams    int64     `json:"echoStreams"`
	FramesUp       int64     `json:"framesUp"`
	FramesDown     int64     `json:"framesDown"`
	BytesUp        int64     `json:"bytesUp"`
	BytesDown      int64     `json:"bytesDown"`
}

// Snapshot loads every counter. Counters are read one by one, so the result
// is not an atomic view across fields.
func (s *stats) Snapshot() Snapshot {
	total := s.TotalSessions.Load()
	return Snapshot{
		Time:           time.Now(),
		ActiveSessions: total - s.ClosedSessions.Load(),
		TotalSessions:  total,
		RelayStreams:   s.RelayStreams.Load(),
		CommandStreams: s.CommandStreams.Load(),
		EchoStreams:    s.EchoStreams.Load(),
		FramesUp:       s.FramesUp.Load(),
		FramesDown:     s.FramesDown.Load(),
		BytesUp:        s.BytesUp.Load(),
		BytesDown:      s.BytesDown.Load(),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs relay statistics
// every 10 seconds. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		prev := Stats.Snapshot()
		for {
			select {
			case <-ticker.C:
				cur := Stats.Snapshot()

				upS := float64(cur.BytesUp-prev.BytesUp) / 10.0
				downS := float64(cur.BytesDown-prev.BytesDown) / 10.0
				opened := cur.TotalSessions - prev.TotalSessions
				closed := (cur.TotalSessions - cur.ActiveSessions) - (prev.TotalSessions - prev.ActiveSessions)

				if opened > 0 || closed > 0 || upS > 10 || downS > 10 {
					pterm.DefaultLogger.Info(formatStats(upS, downS, opened, closed, cur.ActiveSessions))
				}

				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// FormatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func FormatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(upS, downS float64, opened, closed, active int64) string {
	return fmt.Sprintf("Up: %s/s | Down: %s/s | Sessions: %2d↑ %2d↓ (%d active)",
		FormatBytes(upS),
		FormatBytes(downS),
		opened,
		closed,
		active,
	)
}
