package ranging

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/banshee-data/position.report/internal/protocol"
)

var (
	ErrLateTransmit  = errors.New("delayed transmit scheduled in the past")
	ErrNoMeasurement = errors.New("exchange produced no measurement")
	ErrUnknownNode   = errors.New("unknown simulated node")
)

// SimClock models a free-running device crystal: a rate error in parts per
// million and a counter offset.
type SimClock struct {
	PPM    float64
	Offset uint64
}

// At returns the device timestamp at true time t seconds.
func (c SimClock) At(t float64) Timestamp {
	ticks := math.Round(t * (1 + c.PPM*1e-6) / TickSeconds)
	return Timestamp((uint64(ticks) + c.Offset) & TimestampMask)
}

func (c SimClock) rate() float64 { return 1 + c.PPM*1e-6 }

// SimNode is one device attached to a SimAir.
type SimNode struct {
	ID       uint16
	Clock    SimClock
	Position [3]float64
	Ranger   *Ranger

	air *SimAir
}

type airFrame struct {
	arrival float64
	src     uint16
	dst     uint16
	frame   []byte
}

// SimAir is an in-memory radio channel between simulated devices. It keeps
// true time in seconds and delivers frames after their propagation delay,
// timestamped by each receiver's own clock.
type SimAir struct {
	Epoch time.Time
	// JitterTicks is the standard deviation of receive timestamp noise.
	JitterTicks float64
	// Drop, when set, discards frames for which it returns true.
	Drop func(src, dst uint16, t protocol.FrameType) bool

	now      float64
	rng      *rand.Rand
	nodes    map[uint16]*SimNode
	inflight []airFrame
}

// NewSimAir returns an empty channel whose noise is seeded deterministically.
func NewSimAir(epoch time.Time, seed uint64) *SimAir {
	return &SimAir{
		Epoch: epoch,
		rng:   rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		nodes: make(map[uint16]*SimNode),
	}
}

// AddNode attaches a device running cfg.
func (a *SimAir) AddNode(cfg Config, clock SimClock, pos [3]float64) (*SimNode, error) {
	n := &SimNode{ID: cfg.LocalID, Clock: clock, Position: pos, air: a}
	r, err := NewRanger(cfg, simRadio{node: n})
	if err != nil {
		return nil, err
	}
	n.Ranger = r
	a.nodes[cfg.LocalID] = n
	return n, nil
}

func (a *SimAir) Node(id uint16) *SimNode { return a.nodes[id] }

// Now is the wall time corresponding to the channel's true time.
func (a *SimAir) Now() time.Time {
	return a.Epoch.Add(time.Duration(a.now * float64(time.Second)))
}

// Advance moves true time forward, e.g. between ranging slots.
func (a *SimAir) Advance(d time.Duration) {
	a.now += d.Seconds()
}

// Distance is the true separation of two nodes in metres.
func (a *SimAir) Distance(x, y uint16) float64 {
	p, q := a.nodes[x].Position, a.nodes[y].Position
	dx, dy, dz := p[0]-q[0], p[1]-q[1], p[2]-q[2]
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// Range runs one full exchange between an initiator and a responder and
// returns the responder's measurement.
func (a *SimAir) Range(initiator, responder uint16) (Measurement, error) {
	tag, ok := a.nodes[initiator]
	if !ok {
		return Measurement{}, fmt.Errorf("%w: %d", ErrUnknownNode, initiator)
	}
	if _, ok := a.nodes[responder]; !ok {
		return Measurement{}, fmt.Errorf("%w: %d", ErrUnknownNode, responder)
	}
	if _, err := tag.Ranger.Initiate(responder, a.Now()); err != nil {
		return Measurement{}, err
	}

	var (
		result Measurement
		got    bool
	)
	for len(a.inflight) > 0 {
		f := a.inflight[0]
		a.inflight = a.inflight[1:]
		a.now = math.Max(a.now, f.arrival)
		dst, ok := a.nodes[f.dst]
		if !ok {
			continue
		}
		rx := dst.Clock.At(f.arrival)
		if a.JitterTicks > 0 {
			rx = Timestamp((int64(rx) + int64(math.Round(a.rng.NormFloat64()*a.JitterTicks))) & TimestampMask)
		}
		if m, ok := dst.Ranger.OnFrame(f.frame, rx, a.Now()); ok {
			result, got = m, true
		}
	}
	if !got {
		return Measurement{}, ErrNoMeasurement
	}
	return result, nil
}

// Expire fires every node's timeout timer at the current true time.
func (a *SimAir) Expire() int {
	n := 0
	for _, node := range a.nodes {
		n += node.Ranger.OnTimer(a.Now())
	}
	return n
}

func (a *SimAir) send(src *SimNode, frame []byte, at float64) {
	typ, body, err := protocol.Open(frame)
	if err != nil || len(body) < 6 {
		return
	}
	dst := uint16(body[4]) | uint16(body[5])<<8
	if a.Drop != nil && a.Drop(src.ID, dst, typ) {
		return
	}
	peer, ok := a.nodes[dst]
	if !ok {
		return
	}
	d := a.Distance(src.ID, peer.ID)
	a.inflight = append(a.inflight, airFrame{
		arrival: at + d/SpeedOfLightAir,
		src:     src.ID,
		dst:     dst,
		frame:   frame,
	})
	sort.SliceStable(a.inflight, func(i, j int) bool { return a.inflight[i].arrival < a.inflight[j].arrival })
}

type simRadio struct {
	node *SimNode
}

func (r simRadio) Transmit(frame []byte) (Timestamp, error) {
	air := r.node.air
	air.send(r.node, frame, air.now)
	return r.node.Clock.At(air.now), nil
}

func (r simRadio) TransmitAt(frame []byte, at Timestamp) error {
	air := r.node.air
	local := r.node.Clock.At(air.now)
	ahead := at.Sub(local)
	if ahead >= halfRange {
		return ErrLateTransmit
	}
	// Invert the clock relative to now so counter wrap does not matter.
	t := air.now + float64(ahead)*TickSeconds/r.node.Clock.rate()
	air.send(r.node, frame, t)
	return nil
}
