package ranging

import (
	"math"
	"time"
)

// DW3000-family radios timestamp frames with a 40-bit counter clocked at
// 128 × 499.2 MHz.
const (
	TimestampBits = 40
	TimestampMask = 1<<TimestampBits - 1
	TickSeconds   = 1.0 / (128 * 499.2e6)

	// halfRange is the largest interval that is not treated as a wrapped
	// negative one.
	halfRange = 1 << (TimestampBits - 1)
)

// SpeedOfLightAir is the propagation speed used to turn time of flight into metres.
const SpeedOfLightAir = 299702547.0

// Timestamp is a raw device time counter value.
type Timestamp uint64

// Sub returns t − earlier modulo the counter range.
func (t Timestamp) Sub(earlier Timestamp) uint64 {
	return (uint64(t) - uint64(earlier)) & TimestampMask
}

// Add returns t advanced by ticks, wrapping at the counter range.
func (t Timestamp) Add(ticks uint64) Timestamp {
	return Timestamp((uint64(t) + ticks) & TimestampMask)
}

// TicksFromDuration converts a wall duration to device ticks.
func TicksFromDuration(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	return uint64(math.Round(d.Seconds() / TickSeconds))
}

// TicksToMetres converts a one-way time of flight in ticks to metres.
func TicksToMetres(ticks float64) float64 {
	return ticks * TickSeconds * SpeedOfLightAir
}
