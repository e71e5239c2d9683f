// Package ranging implements the symmetric double-sided two-way ranging
// exchange run by tags (initiators) and anchors (responders).
//
// A Ranger never blocks: it is advanced by discrete inputs (Initiate, OnFrame,
// OnTimer) that the radio interrupt handler and a timeout timer deliver, and
// each call runs to completion. Exchange storage is a fixed arena.
package ranging

import (
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/position.report/internal/protocol"
)

var (
	ErrPairBusy  = errors.New("exchange already active for peer")
	ErrBackoff   = errors.New("peer is in retry backoff")
	ErrArenaFull = errors.New("no free exchange slot")
	ErrWrongRole = errors.New("operation not valid for this role")
)

// Radio is the transmit side of the transceiver driver.
type Radio interface {
	// Transmit sends frame immediately and returns its transmit timestamp.
	Transmit(frame []byte) (Timestamp, error)
	// TransmitAt schedules frame for delayed transmission at device time at.
	TransmitAt(frame []byte, at Timestamp) error
}

// Config parameterises a Ranger for one device.
type Config struct {
	LocalID uint16
	Role    protocol.Role

	// ReplyDelay is the turnaround between receiving a frame and the
	// delayed transmission of the answer.
	ReplyDelay time.Duration
	// Timeout bounds the wait for the next frame of an exchange.
	Timeout time.Duration
	// Backoff is how long an initiator waits before re-polling a peer whose
	// exchange timed out.
	Backoff time.Duration
	// AntennaDelay is the combined antenna delay in ticks removed from the
	// raw time of flight.
	AntennaDelay uint64
	// QualityTolerancePPM is the single-sided discrepancy, relative to the
	// reply time, above which a measurement is flagged low-quality.
	QualityTolerancePPM float64
}

// Measurement is a finalised exchange as seen by the responder.
type Measurement struct {
	TagID      uint16
	AnchorID   uint16
	Seq        uint8
	Intervals  Intervals
	ToF        float64 // seconds
	Distance   float64 // metres
	Quality    float64
	LowQuality bool
}

// DropReason classifies frames that were discarded without changing state.
type DropReason uint8

const (
	DropMalformed DropReason = iota
	DropWrongRole
	DropWrongDestination
	DropOutOfSequence
	DropBusy
	DropArenaFull
	DropTransmit
	numDropReasons
)

func (d DropReason) String() string {
	switch d {
	case DropMalformed:
		return "malformed"
	case DropWrongRole:
		return "wrong_role"
	case DropWrongDestination:
		return "wrong_destination"
	case DropOutOfSequence:
		return "out_of_sequence"
	case DropBusy:
		return "busy"
	case DropArenaFull:
		return "arena_full"
	case DropTransmit:
		return "transmit_failed"
	default:
		return "unknown"
	}
}

// Stats are diagnostic counters. They wrap like firmware counters would.
type Stats struct {
	Started   uint32
	Completed uint32
	TimedOut  uint32
	Anomalies uint32
	Blinks    uint32
	Dropped   [numDropReasons]uint32
}

// Ranger drives every exchange of one device.
type Ranger struct {
	cfg     Config
	radio   Radio
	slots   arena
	backoff backoffTable
	nextSeq uint8
	stats   Stats
	observe func(Exchange)
}

// NewRanger returns a Ranger for cfg transmitting through radio.
func NewRanger(cfg Config, radio Radio) (*Ranger, error) {
	if cfg.Role != protocol.RoleInitiator && cfg.Role != protocol.RoleResponder {
		return nil, fmt.Errorf("%w: %s", ErrWrongRole, cfg.Role)
	}
	if cfg.Timeout <= 0 {
		return nil, errors.New("ranging timeout must be positive")
	}
	if radio == nil {
		return nil, errors.New("radio is required")
	}
	return &Ranger{cfg: cfg, radio: radio}, nil
}

func (r *Ranger) Config() Config { return r.cfg }

// Observe registers fn to receive a copy of every exchange as it reaches
// PhaseComplete or PhaseTimedOut, just before its slot is wiped.
func (r *Ranger) Observe(fn func(Exchange)) { r.observe = fn }

func (r *Ranger) Stats() Stats { return r.stats }

// Phase reports the state of the exchange with peer, or PhaseIdle.
func (r *Ranger) Phase(peer uint16) Phase {
	if e := r.slots.find(peer); e != nil {
		return e.Phase
	}
	return PhaseIdle
}

// Active returns the number of occupied arena slots.
func (r *Ranger) Active() int { return r.slots.inUse() }

// Initiate opens an exchange with peer by transmitting a poll.
func (r *Ranger) Initiate(peer uint16, now time.Time) (uint8, error) {
	if r.cfg.Role != protocol.RoleInitiator {
		return 0, ErrWrongRole
	}
	if r.slots.find(peer) != nil {
		return 0, ErrPairBusy
	}
	if r.backoff.blocked(peer, now) {
		return 0, ErrBackoff
	}
	e := r.slots.alloc(peer)
	if e == nil {
		return 0, ErrArenaFull
	}

	seq := r.nextSeq
	r.nextSeq++
	frame := protocol.Poll{RadioHeader: r.header(seq, peer)}.Encode()
	tx, err := r.radio.Transmit(frame)
	if err != nil {
		r.slots.release(e)
		return 0, fmt.Errorf("transmit poll: %w", err)
	}
	e.Seq = seq
	e.PollTx = tx
	e.Phase = PhasePollSent
	e.Deadline = now.Add(r.cfg.Timeout)
	r.stats.Started++
	return seq, nil
}

// OnFrame feeds a received frame stamped with its device receive time. It
// returns a measurement when the frame completes an exchange on a responder.
func (r *Ranger) OnFrame(buf []byte, rx Timestamp, now time.Time) (Measurement, bool) {
	typ, err := protocol.PeekType(buf)
	if err != nil {
		r.drop(DropMalformed)
		return Measurement{}, false
	}

	switch {
	case typ == protocol.TypeBlink:
		r.stats.Blinks++
	case r.cfg.Role == protocol.RoleInitiator && typ == protocol.TypeResponse:
		r.onResponse(buf, rx, now)
	case r.cfg.Role == protocol.RoleResponder && typ == protocol.TypePoll:
		r.onPoll(buf, rx, now)
	case r.cfg.Role == protocol.RoleResponder && typ == protocol.TypeFinal:
		return r.onFinal(buf, rx, now)
	default:
		r.drop(DropWrongRole)
	}
	return Measurement{}, false
}

// OnTimer expires every exchange whose deadline has passed and returns how
// many were abandoned. Expired slots are wiped immediately.
func (r *Ranger) OnTimer(now time.Time) int {
	n := 0
	for i := range r.slots.slots {
		e := &r.slots.slots[i]
		if e.active() && r.expire(e, now) {
			n++
		}
	}
	return n
}

// NextDeadline returns the earliest pending deadline, if any, so the caller
// can arm a single timer.
func (r *Ranger) NextDeadline() (time.Time, bool) {
	var next time.Time
	for i := range r.slots.slots {
		e := &r.slots.slots[i]
		if e.active() && (next.IsZero() || e.Deadline.Before(next)) {
			next = e.Deadline
		}
	}
	return next, !next.IsZero()
}

func (r *Ranger) onResponse(buf []byte, rx Timestamp, now time.Time) {
	f, err := protocol.DecodeResponse(buf)
	if err != nil {
		r.drop(DropMalformed)
		return
	}
	if !r.check(f.RadioHeader, protocol.RoleResponder) {
		return
	}
	e := r.slots.find(f.Src)
	if e == nil || e.Phase != PhasePollSent || e.Seq != f.Seq {
		r.drop(DropOutOfSequence)
		return
	}
	if r.expire(e, now) {
		return
	}
	e.PollRx = Timestamp(f.PollRx & TimestampMask)
	e.RespTx = Timestamp(f.RespTx & TimestampMask)
	e.RespRx = rx
	e.Phase = PhaseResponseReceived

	finalTx := rx.Add(TicksFromDuration(r.cfg.ReplyDelay))
	frame := protocol.Final{
		RadioHeader: r.header(e.Seq, e.Peer),
		PollTx:      uint64(e.PollTx),
		RespRx:      uint64(e.RespRx),
		FinalTx:     uint64(finalTx),
	}.Encode()
	if err := r.radio.TransmitAt(frame, finalTx); err != nil {
		r.drop(DropTransmit)
		r.abandon(e, now)
		return
	}
	e.FinalTx = finalTx
	e.Phase = PhaseFinalSent

	// The responder owns the measurement; the initiator is done once the
	// final is on air.
	r.stats.Completed++
	r.finish(e, PhaseComplete)
}

func (r *Ranger) onPoll(buf []byte, rx Timestamp, now time.Time) {
	f, err := protocol.DecodePoll(buf)
	if err != nil {
		r.drop(DropMalformed)
		return
	}
	if !r.check(f.RadioHeader, protocol.RoleInitiator) {
		return
	}
	if r.slots.find(f.Src) != nil {
		r.drop(DropBusy)
		return
	}
	e := r.slots.alloc(f.Src)
	if e == nil {
		r.drop(DropArenaFull)
		return
	}
	e.Seq = f.Seq
	e.PollRx = rx
	e.Phase = PhasePollSent
	e.Deadline = now.Add(r.cfg.Timeout)

	respTx := rx.Add(TicksFromDuration(r.cfg.ReplyDelay))
	frame := protocol.Response{
		RadioHeader: r.header(f.Seq, f.Src),
		PollRx:      uint64(rx),
		RespTx:      uint64(respTx),
	}.Encode()
	if err := r.radio.TransmitAt(frame, respTx); err != nil {
		r.drop(DropTransmit)
		r.slots.release(e)
		return
	}
	e.RespTx = respTx
	e.Phase = PhaseResponseReceived
	r.stats.Started++
}

func (r *Ranger) onFinal(buf []byte, rx Timestamp, now time.Time) (Measurement, bool) {
	f, err := protocol.DecodeFinal(buf)
	if err != nil {
		r.drop(DropMalformed)
		return Measurement{}, false
	}
	if !r.check(f.RadioHeader, protocol.RoleInitiator) {
		return Measurement{}, false
	}
	e := r.slots.find(f.Src)
	if e == nil || e.Phase != PhaseResponseReceived || e.Seq != f.Seq {
		r.drop(DropOutOfSequence)
		return Measurement{}, false
	}
	if r.expire(e, now) {
		return Measurement{}, false
	}
	e.PollTx = Timestamp(f.PollTx & TimestampMask)
	e.RespRx = Timestamp(f.RespRx & TimestampMask)
	e.FinalTx = Timestamp(f.FinalTx & TimestampMask)
	e.FinalRx = rx
	e.Phase = PhaseFinalSent

	m, err := r.finalise(e)
	if err != nil {
		r.stats.Anomalies++
		r.finish(e, PhaseTimedOut)
		return Measurement{}, false
	}
	r.stats.Completed++
	r.finish(e, PhaseComplete)
	return m, true
}

func (r *Ranger) finalise(e *Exchange) (Measurement, error) {
	iv, err := e.Timestamps.Intervals()
	if err != nil {
		return Measurement{}, err
	}
	est, err := Evaluate(iv, r.cfg.AntennaDelay, r.cfg.QualityTolerancePPM)
	if err != nil {
		return Measurement{}, err
	}
	return Measurement{
		TagID:      e.Peer,
		AnchorID:   r.cfg.LocalID,
		Seq:        e.Seq,
		Intervals:  iv,
		ToF:        est.ToF,
		Distance:   est.Distance,
		Quality:    est.Quality,
		LowQuality: est.LowQuality,
	}, nil
}

// check validates addressing and the sender role of a decoded frame.
func (r *Ranger) check(h protocol.RadioHeader, wantRole protocol.Role) bool {
	if h.Role != wantRole {
		r.drop(DropWrongRole)
		return false
	}
	if h.Dst != r.cfg.LocalID {
		r.drop(DropWrongDestination)
		return false
	}
	return true
}

// expire times e out when its deadline has passed at now, whether the timer
// or a late frame notices first.
func (r *Ranger) expire(e *Exchange, now time.Time) bool {
	if now.Before(e.Deadline) {
		return false
	}
	r.abandon(e, now)
	r.stats.TimedOut++
	return true
}

// abandon wipes an exchange and, on an initiator, holds the peer for the
// retry backoff.
func (r *Ranger) abandon(e *Exchange, now time.Time) {
	peer := e.Peer
	r.finish(e, PhaseTimedOut)
	if r.cfg.Role == protocol.RoleInitiator && r.cfg.Backoff > 0 {
		r.backoff.hold(peer, now.Add(r.cfg.Backoff), now)
	}
}

func (r *Ranger) finish(e *Exchange, phase Phase) {
	e.Phase = phase
	if r.observe != nil {
		r.observe(*e)
	}
	r.slots.release(e)
}

func (r *Ranger) drop(reason DropReason) {
	r.stats.Dropped[reason]++
}

func (r *Ranger) header(seq uint8, peer uint16) protocol.RadioHeader {
	return protocol.RadioHeader{Role: r.cfg.Role, Seq: seq, Src: r.cfg.LocalID, Dst: peer}
}
