package ranging

import (
	"errors"
	"fmt"
	"math"
)

// ErrTimestampAnomaly marks an exchange whose timestamps cannot describe a
// physical round trip. Such exchanges are discarded like a timeout.
var ErrTimestampAnomaly = errors.New("timestamp anomaly")

// Intervals are the four SDS-TWR intervals in device ticks. Round1 and Reply2
// are measured on the initiator clock, Reply1 and Round2 on the responder clock.
type Intervals struct {
	Round1 uint64
	Reply1 uint64
	Round2 uint64
	Reply2 uint64
}

// Timestamps holds the six raw timestamps of one exchange.
type Timestamps struct {
	PollTx, PollRx   Timestamp
	RespTx, RespRx   Timestamp
	FinalTx, FinalRx Timestamp
}

// Intervals forms the SDS-TWR intervals, rejecting wrapped-negative spans and
// round trips that are not longer than the matching reply.
func (ts Timestamps) Intervals() (Intervals, error) {
	iv := Intervals{
		Round1: ts.RespRx.Sub(ts.PollTx),
		Reply1: ts.RespTx.Sub(ts.PollRx),
		Round2: ts.FinalRx.Sub(ts.RespTx),
		Reply2: ts.FinalTx.Sub(ts.RespRx),
	}
	for _, v := range [...]uint64{iv.Round1, iv.Reply1, iv.Round2, iv.Reply2} {
		if v == 0 || v >= halfRange {
			return iv, fmt.Errorf("%w: interval %d ticks out of range", ErrTimestampAnomaly, v)
		}
	}
	if iv.Round1 <= iv.Reply1 || iv.Round2 <= iv.Reply2 {
		return iv, fmt.Errorf("%w: round trip shorter than reply (%+v)", ErrTimestampAnomaly, iv)
	}
	return iv, nil
}

// ToF returns the symmetric double-sided time of flight in ticks:
//
//	(Round1·Round2 − Reply1·Reply2) / (Round1 + Round2 + Reply1 + Reply2)
//
// First-order clock drift between the two devices cancels.
func (iv Intervals) ToF() float64 {
	r1, r2 := float64(iv.Round1), float64(iv.Round2)
	p1, p2 := float64(iv.Reply1), float64(iv.Reply2)
	return (r1*r2 - p1*p2) / (r1 + r2 + p1 + p2)
}

// SingleSided returns the two one-way estimates taken from each side's round
// trip alone. They drift apart in proportion to the relative clock error.
func (iv Intervals) SingleSided() (first, second float64) {
	return (float64(iv.Round1) - float64(iv.Reply1)) / 2,
		(float64(iv.Round2) - float64(iv.Reply2)) / 2
}

// Discrepancy is the absolute difference between the two single-sided
// estimates in ticks.
func (iv Intervals) Discrepancy() float64 {
	first, second := iv.SingleSided()
	return math.Abs(first - second)
}

// DiscrepancyPPM expresses the discrepancy relative to the mean reply time.
// Crystal offset alone produces roughly the relative rate error between the
// two devices; corrupted or late timestamps push it beyond that.
func (iv Intervals) DiscrepancyPPM() float64 {
	reply := (float64(iv.Reply1) + float64(iv.Reply2)) / 2
	if reply <= 0 {
		return math.Inf(1)
	}
	return iv.Discrepancy() / reply * 1e6
}

// Estimate is the outcome of evaluating one set of intervals.
type Estimate struct {
	ToF        float64 // seconds, after antenna delay
	Distance   float64 // metres
	Quality    float64 // (0,1]
	LowQuality bool
}

// Evaluate turns intervals into a distance. antennaDelay is subtracted from
// the raw time of flight; tolerancePPM is the single-sided discrepancy at
// which quality halves, above which the estimate is flagged low-quality.
func Evaluate(iv Intervals, antennaDelay uint64, tolerancePPM float64) (Estimate, error) {
	raw := iv.ToF()
	if math.IsNaN(raw) || raw < 0 {
		return Estimate{}, fmt.Errorf("%w: negative time of flight %.1f ticks", ErrTimestampAnomaly, raw)
	}
	tof := raw - float64(antennaDelay)
	if tof < 0 {
		tof = 0
	}
	est := Estimate{
		ToF:      tof * TickSeconds,
		Distance: TicksToMetres(tof),
		Quality:  1,
	}
	if tolerancePPM > 0 {
		disc := iv.DiscrepancyPPM()
		est.Quality = 1 / (1 + disc/tolerancePPM)
		est.LowQuality = disc > tolerancePPM
	}
	return est, nil
}
