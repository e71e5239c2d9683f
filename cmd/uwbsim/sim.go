package main

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/banshee-data/position.report/internal/config"
	"github.com/banshee-data/position.report/internal/protocol"
	"github.com/banshee-data/position.report/internal/ranging"
	"github.com/banshee-data/position.report/internal/solver"
)

// firstTagID is the id of the first simulated tag; further tags count up.
const firstTagID = 0x1001

type simConfig struct {
	Tags        int
	Radius      float64 // metres; 0 uses 40% of the smaller site extent
	Period      time.Duration
	PPMSpread   float64
	JitterTicks float64
	DropRate    float64
	Seed        uint64
}

// simulator drives tags around a circle inside the anchor survey and ranges
// each tag against every anchor once per round.
type simulator struct {
	cfg     simConfig
	air     *ranging.SimAir
	rng     *rand.Rand
	anchors []uint16
	tags    []uint16
	centre  solver.Point
	radius  float64
	height  float64
	timeout time.Duration
	seq     map[[2]uint16]uint32
	elapsed time.Duration

	failures int
}

func newSimulator(tuning *config.TuningConfig, survey *config.Survey, cfg simConfig, epoch time.Time) (*simulator, error) {
	if cfg.Tags <= 0 {
		return nil, errors.New("at least one tag is required")
	}
	if cfg.Period <= 0 {
		return nil, errors.New("orbit period must be positive")
	}
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed+1))
	s := &simulator{
		cfg:     cfg,
		air:     ranging.NewSimAir(epoch, cfg.Seed),
		rng:     rng,
		height:  tuning.GetTagHeight(),
		timeout: tuning.GetRangingTimeout(),
		seq:     make(map[[2]uint16]uint32),
	}
	s.air.JitterTicks = cfg.JitterTicks
	if cfg.DropRate > 0 {
		s.air.Drop = func(src, dst uint16, t protocol.FrameType) bool { return rng.Float64() < cfg.DropRate }
	}

	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, a := range survey.Sorted() {
		if _, err := s.air.AddNode(tuning.RangingConfig(a.ID, protocol.RoleResponder), s.clock(), point3(a.Position)); err != nil {
			return nil, fmt.Errorf("anchor %d: %w", a.ID, err)
		}
		s.anchors = append(s.anchors, a.ID)
		minX, maxX = math.Min(minX, a.Position.X), math.Max(maxX, a.Position.X)
		minY, maxY = math.Min(minY, a.Position.Y), math.Max(maxY, a.Position.Y)
	}
	s.centre = solver.Point{X: (minX + maxX) / 2, Y: (minY + maxY) / 2, Z: s.height}
	s.radius = cfg.Radius
	if s.radius <= 0 {
		s.radius = 0.4 * math.Min(maxX-minX, maxY-minY)
	}

	for i := 0; i < cfg.Tags; i++ {
		id := uint16(firstTagID + i)
		if _, err := s.air.AddNode(tuning.RangingConfig(id, protocol.RoleInitiator), s.clock(), point3(s.TruePosition(id))); err != nil {
			return nil, fmt.Errorf("tag %d: %w", id, err)
		}
		s.tags = append(s.tags, id)
	}
	return s, nil
}

func point3(p solver.Point) [3]float64 { return [3]float64{p.X, p.Y, p.Z} }

// clock draws a crystal with a random rate error and counter offset.
func (s *simulator) clock() ranging.SimClock {
	return ranging.SimClock{
		PPM:    (s.rng.Float64()*2 - 1) * s.cfg.PPMSpread,
		Offset: s.rng.Uint64() & ranging.TimestampMask,
	}
}

// TruePosition is where tag is at the current simulated time. Tags share
// the orbit, evenly spaced in phase.
func (s *simulator) TruePosition(tag uint16) solver.Point {
	i := float64(int(tag) - firstTagID)
	phase := 2*math.Pi*s.elapsed.Seconds()/s.cfg.Period.Seconds() + 2*math.Pi*i/float64(s.cfg.Tags)
	return solver.Point{
		X: s.centre.X + s.radius*math.Cos(phase),
		Y: s.centre.Y + s.radius*math.Sin(phase),
		Z: s.height,
	}
}

// Round moves every tag, ranges it against every anchor and returns the
// resulting reports. Failed exchanges are abandoned after the ranging
// timeout and counted.
func (s *simulator) Round() []protocol.DistanceReport {
	out := make([]protocol.DistanceReport, 0, len(s.tags)*len(s.anchors))
	for _, tag := range s.tags {
		s.air.Node(tag).Position = point3(s.TruePosition(tag))
		for _, anchor := range s.anchors {
			m, err := s.air.Range(tag, anchor)
			if err != nil {
				s.failures++
				s.air.Advance(s.timeout)
				s.air.Expire()
				continue
			}
			key := [2]uint16{tag, anchor}
			s.seq[key]++
			out = append(out, protocol.DistanceReport{
				TagID:     m.TagID,
				AnchorID:  m.AnchorID,
				Seq:       s.seq[key],
				Distance:  m.Distance,
				Quality:   m.Quality,
				Timestamp: s.air.Now(),
			})
		}
	}
	return out
}

// Advance moves simulated time to the next round.
func (s *simulator) Advance(d time.Duration) {
	s.elapsed += d
	s.air.Advance(d)
}

func (s *simulator) Failures() int { return s.failures }
