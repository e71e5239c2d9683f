package ranging

import (
	"time"
)

// MaxExchanges is the number of concurrently outstanding exchanges one device
// can track. Storage is a fixed array; nothing grows at runtime.
const MaxExchanges = 16

// Phase is the progress of one exchange. Both roles walk the same phases: the
// initiator advances as it transmits, the responder as it receives.
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhasePollSent
	PhaseResponseReceived
	PhaseFinalSent
	PhaseComplete
	PhaseTimedOut
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhasePollSent:
		return "poll_sent"
	case PhaseResponseReceived:
		return "response_received"
	case PhaseFinalSent:
		return "final_sent"
	case PhaseComplete:
		return "complete"
	case PhaseTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Exchange is one in-flight SDS-TWR handshake with a single peer.
type Exchange struct {
	Phase    Phase
	Peer     uint16
	Seq      uint8
	Deadline time.Time
	Timestamps
}

func (e *Exchange) active() bool {
	return e.Phase != PhaseIdle
}

// arena is the fixed pool of exchange slots, at most one per peer.
type arena struct {
	slots [MaxExchanges]Exchange
}

func (a *arena) find(peer uint16) *Exchange {
	for i := range a.slots {
		if a.slots[i].active() && a.slots[i].Peer == peer {
			return &a.slots[i]
		}
	}
	return nil
}

func (a *arena) alloc(peer uint16) *Exchange {
	for i := range a.slots {
		if !a.slots[i].active() {
			a.slots[i] = Exchange{Peer: peer}
			return &a.slots[i]
		}
	}
	return nil
}

// release wipes the slot so no timestamps leak into a later exchange.
func (a *arena) release(e *Exchange) {
	*e = Exchange{}
}

func (a *arena) inUse() int {
	n := 0
	for i := range a.slots {
		if a.slots[i].active() {
			n++
		}
	}
	return n
}

// backoffTable holds per-peer retry holds after a timeout.
type backoffTable struct {
	entries [MaxExchanges]struct {
		peer  uint16
		until time.Time
	}
}

func (b *backoffTable) blocked(peer uint16, now time.Time) bool {
	for i := range b.entries {
		e := &b.entries[i]
		if !e.until.IsZero() && e.peer == peer && now.Before(e.until) {
			return true
		}
	}
	return false
}

// hold arms a backoff for peer, reusing its entry, an expired one, or the
// entry that expires soonest.
func (b *backoffTable) hold(peer uint16, until time.Time, now time.Time) {
	victim := -1
	for i := range b.entries {
		e := &b.entries[i]
		if e.peer == peer && !e.until.IsZero() {
			victim = i
			break
		}
		if victim < 0 && (e.until.IsZero() || !now.Before(e.until)) {
			victim = i
		}
	}
	if victim < 0 {
		victim = 0
		for i := range b.entries {
			if b.entries[i].until.Before(b.entries[victim].until) {
				victim = i
			}
		}
	}
	b.entries[victim].peer = peer
	b.entries[victim].until = until
}
