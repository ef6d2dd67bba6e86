package util

import (
	"fmt"
	"sync/atomic"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide transfer counter, fed by the send and receive
// pipelines.
var Stats = &stats{}

type stats struct {
	FragmentsSent atomic.Int64 // data fragments transmitted (retransmissions included)
	FragmentsRecv atomic.Int64 // data fragments accepted
	BytesSent     atomic.Int64 // payload bytes transmitted
	BytesRecv     atomic.Int64 // payload bytes of accepted data fragments
	Retransmits   atomic.Int64 // NACK retransmissions plus window retransmissions after an ACK timeout (one per window)
}

func (s *stats) AddSent(n int)  { s.FragmentsSent.Add(1); s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int)  { s.FragmentsRecv.Add(1); s.BytesRecv.Add(int64(n)) }
func (s *stats) AddRetransmit() { s.Retransmits.Add(1) }

// Summary returns a one-line snapshot for the CLI.
func (s *stats) Summary() string {
	return fmt.Sprintf("sent %d frag / %s, recv %d frag / %s, retransmit %d",
		s.FragmentsSent.Load(),
		formatBytes(float64(s.BytesSent.Load())),
		s.FragmentsRecv.Load(),
		formatBytes(float64(s.BytesRecv.Load())),
		s.Retransmits.Load(),
	)
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string,
// for example: "99.0 B", "1.5 KiB", "98.9 GiB".
func formatBytes(b float64) string {
	unitIdx := 0
	for b > 999 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}
	return fmt.Sprintf("%.1f %s", b, byteUnits[unitIdx])
}
