package aisexec

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// Stats tracks executive counters. Counters are atomic so the
// snapshot taken by the signal path is coherent, though all writers
// run on the reactor goroutine.
type Stats struct {
	Accepts     atomic.Uint64
	Disconnects atomic.Uint64
	Binds       atomic.Uint64

	FramesRx atomic.Uint64
	FramesTx atomic.Uint64
	BytesRx  atomic.Uint64
	BytesTx  atomic.Uint64

	QueuedSends atomic.Uint64 // replies deferred to the outq
	Multicasts  atomic.Uint64
	Deliveries  atomic.Uint64
	ViewChanges atomic.Uint64

	AuthFailures   atomic.Uint64
	ProtocolErrors atomic.Uint64
	HandlerErrors  atomic.Uint64

	StartTime atomic.Int64
}

// NewStats creates a stats block stamped with the current time.
func NewStats() *Stats {
	s := &Stats{}
	s.StartTime.Store(time.Now().UnixNano())
	return s
}

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	Accepts     uint64
	Disconnects uint64
	Binds       uint64

	FramesRx uint64
	FramesTx uint64
	BytesRx  uint64
	BytesTx  uint64

	QueuedSends uint64
	Multicasts  uint64
	Deliveries  uint64
	ViewChanges uint64

	AuthFailures   uint64
	ProtocolErrors uint64
	HandlerErrors  uint64

	Uptime time.Duration
}

// Snapshot copies every counter.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Accepts:        s.Accepts.Load(),
		Disconnects:    s.Disconnects.Load(),
		Binds:          s.Binds.Load(),
		FramesRx:       s.FramesRx.Load(),
		FramesTx:       s.FramesTx.Load(),
		BytesRx:        s.BytesRx.Load(),
		BytesTx:        s.BytesTx.Load(),
		QueuedSends:    s.QueuedSends.Load(),
		Multicasts:     s.Multicasts.Load(),
		Deliveries:     s.Deliveries.Load(),
		ViewChanges:    s.ViewChanges.Load(),
		AuthFailures:   s.AuthFailures.Load(),
		ProtocolErrors: s.ProtocolErrors.Load(),
		HandlerErrors:  s.HandlerErrors.Load(),
		Uptime:         time.Duration(time.Now().UnixNano() - s.StartTime.Load()),
	}
}

// String renders the shutdown statistics dump.
func (s *Stats) String() string {
	snap := s.Snapshot()
	var b strings.Builder
	b.WriteString("executive statistics:\n")
	fmt.Fprintf(&b, "  uptime        %s\n", snap.Uptime.Round(time.Millisecond))
	fmt.Fprintf(&b, "  accepts       %d\n", snap.Accepts)
	fmt.Fprintf(&b, "  disconnects   %d\n", snap.Disconnects)
	fmt.Fprintf(&b, "  binds         %d\n", snap.Binds)
	fmt.Fprintf(&b, "  frames rx/tx  %d/%d\n", snap.FramesRx, snap.FramesTx)
	fmt.Fprintf(&b, "  bytes rx/tx   %d/%d\n", snap.BytesRx, snap.BytesTx)
	fmt.Fprintf(&b, "  queued sends  %d\n", snap.QueuedSends)
	fmt.Fprintf(&b, "  multicasts    %d\n", snap.Multicasts)
	fmt.Fprintf(&b, "  deliveries    %d\n", snap.Deliveries)
	fmt.Fprintf(&b, "  view changes  %d\n", snap.ViewChanges)
	fmt.Fprintf(&b, "  auth failures %d\n", snap.AuthFailures)
	fmt.Fprintf(&b, "  proto errors  %d\n", snap.ProtocolErrors)
	fmt.Fprintf(&b, "  handler errs  %d\n", snap.HandlerErrors)
	return b.String()
}
