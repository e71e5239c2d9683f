package network

import (
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/position.report/internal/monitoring"
)

// PacketStats counts datagrams seen by a listener or replay between log
// intervals.
type PacketStats struct {
	mu        sync.Mutex
	packets   int64
	bytes     int64
	rejected  int64
	dropped   int64
	lastReset time.Time
}

func NewPacketStats() *PacketStats {
	return &PacketStats{lastReset: time.Now()}
}

func (ps *PacketStats) AddPacket(bytes int) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.packets++
	ps.bytes += int64(bytes)
}

// AddRejected counts a datagram the sink refused.
func (ps *PacketStats) AddRejected() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.rejected++
}

// AddDropped counts a datagram the forwarder had no room for.
func (ps *PacketStats) AddDropped() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.dropped++
}

// Snapshot is one interval's counts.
type Snapshot struct {
	Packets, Bytes, Rejected, Dropped int64
	Duration                          time.Duration
}

// GetAndReset returns the counts since the last reset and zeroes them.
func (ps *PacketStats) GetAndReset() Snapshot {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	now := time.Now()
	s := Snapshot{
		Packets:  ps.packets,
		Bytes:    ps.bytes,
		Rejected: ps.rejected,
		Dropped:  ps.dropped,
		Duration: now.Sub(ps.lastReset),
	}
	ps.packets, ps.bytes, ps.rejected, ps.dropped = 0, 0, 0, 0
	ps.lastReset = now
	return s
}

// LogStats logs per-second rates for the interval, if anything arrived.
func (ps *PacketStats) LogStats() {
	s := ps.GetAndReset()
	if s.Packets == 0 && s.Dropped == 0 {
		return
	}
	secs := s.Duration.Seconds()
	msg := fmt.Sprintf("report stats (/sec): %.1f frames, %.1f KB", float64(s.Packets)/secs, float64(s.Bytes)/secs/1024)
	if s.Rejected > 0 {
		msg += fmt.Sprintf(", %d rejected", s.Rejected)
	}
	if s.Dropped > 0 {
		msg += fmt.Sprintf(", %d dropped on forward", s.Dropped)
	}
	monitoring.Logf("%s", msg)
}
