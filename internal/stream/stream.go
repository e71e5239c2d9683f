// Package stream publishes position fixes to subscribers and keeps the
// per-tag records consumers query: last fix, velocity and last-seen time.
package stream

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/position.report/internal/monitoring"
	"github.com/banshee-data/position.report/internal/protocol"
	"github.com/banshee-data/position.report/internal/solver"
)

var ErrClosed = errors.New("stream closed")

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 64

// Kind distinguishes stream events.
type Kind uint8

const (
	KindFix Kind = iota + 1
	KindLost
)

func (k Kind) String() string {
	switch k {
	case KindFix:
		return "fix"
	case KindLost:
		return "lost"
	default:
		return "unknown"
	}
}

// Event is one item delivered to subscribers. Fix is the published
// (possibly smoothed) fix for KindFix and the last known fix for KindLost.
type Event struct {
	Kind  Kind
	TagID uint16
	Fix   protocol.PositionFix
	At    time.Time
}

// Tag is the host's record of one tag.
type Tag struct {
	ID       uint16
	LastFix  protocol.PositionFix
	Velocity solver.Point // metres per second
	LastSeen time.Time
	Lost     bool
	Fixes    uint64
}

// Config tunes smoothing and the loss policy.
type Config struct {
	// Smoothing is the weight of the new fix in the exponential filter on
	// coordinates. Values outside (0, 1) publish fixes unfiltered.
	Smoothing float64
	// StaleHorizon is how long a tag may go without a fix before it is lost.
	StaleHorizon time.Duration
}

type subscriber struct {
	ch      chan Event
	tags    map[uint16]bool
	dropped uint64
}

// Stream is safe for concurrent use. Publish and Sweep hold one lock across
// fan-out so each subscriber sees a tag's events in publication order.
type Stream struct {
	cfg Config

	mu     sync.Mutex
	tags   map[uint16]*Tag
	subs   map[string]*subscriber
	closed bool
}

func New(cfg Config) *Stream {
	return &Stream{
		cfg:  cfg,
		tags: make(map[uint16]*Tag),
		subs: make(map[string]*subscriber),
	}
}

// Subscribe registers a subscriber with a buffered channel. When tags are
// given only their events are delivered. A subscriber that falls behind
// loses events rather than stalling the stream.
func (s *Stream) Subscribe(buffer int, tags ...uint16) (string, <-chan Event, error) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	sub := &subscriber{ch: make(chan Event, buffer)}
	if len(tags) > 0 {
		sub.tags = make(map[uint16]bool, len(tags))
		for _, t := range tags {
			sub.tags[t] = true
		}
	}
	id := uuid.NewString()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", nil, ErrClosed
	}
	s.subs[id] = sub
	return id, sub.ch, nil
}

// Unsubscribe removes a subscriber and closes its channel.
func (s *Stream) Unsubscribe(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subs[id]; ok {
		close(sub.ch)
		delete(s.subs, id)
	}
}

// Subscribers returns the number of open subscriptions.
func (s *Stream) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Dropped reports how many events a subscriber has missed.
func (s *Stream) Dropped(id string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subs[id]; ok {
		return sub.dropped
	}
	return 0
}

// Publish records fix and delivers it. Low-confidence fallback fixes are
// delivered while the tag is live but do not count as the tag being seen.
// Fixes older than the tag's last fix are discarded. The published fix is
// returned.
func (s *Stream) Publish(fix protocol.PositionFix) (protocol.PositionFix, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fix, false
	}

	tag, known := s.tags[fix.TagID]
	if !known {
		tag = &Tag{ID: fix.TagID}
		s.tags[fix.TagID] = tag
	}

	if fix.Confidence == protocol.ConfidenceLow {
		if !known || tag.Lost {
			return fix, false
		}
		s.fanout(Event{Kind: KindFix, TagID: fix.TagID, Fix: fix, At: fix.Timestamp})
		return fix, true
	}

	if known && tag.Fixes > 0 && fix.Timestamp.Before(tag.LastFix.Timestamp) {
		return fix, false
	}

	out := fix
	if tag.Fixes > 0 && !tag.Lost {
		prev := tag.LastFix
		if a := s.cfg.Smoothing; a > 0 && a < 1 {
			out.X = a*fix.X + (1-a)*prev.X
			out.Y = a*fix.Y + (1-a)*prev.Y
			out.Z = a*fix.Z + (1-a)*prev.Z
		}
		if dt := out.Timestamp.Sub(prev.Timestamp).Seconds(); dt > 0 {
			tag.Velocity = solver.Point{
				X: (out.X - prev.X) / dt,
				Y: (out.Y - prev.Y) / dt,
				Z: (out.Z - prev.Z) / dt,
			}
		}
	} else {
		tag.Velocity = solver.Point{}
	}

	if tag.Lost {
		monitoring.Logf("stream: tag %d reacquired", fix.TagID)
	}
	tag.LastFix = out
	tag.LastSeen = out.Timestamp
	tag.Lost = false
	tag.Fixes++
	s.fanout(Event{Kind: KindFix, TagID: out.TagID, Fix: out, At: out.Timestamp})
	return out, true
}

// Sweep marks every live tag without a fix inside the stale horizon as lost
// and emits one KindLost event per transition. It returns those events.
func (s *Stream) Sweep(now time.Time) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.cfg.StaleHorizon <= 0 {
		return nil
	}

	var lost []Event
	for _, tag := range s.tags {
		if tag.Lost || tag.Fixes == 0 || now.Sub(tag.LastSeen) <= s.cfg.StaleHorizon {
			continue
		}
		tag.Lost = true
		tag.Velocity = solver.Point{}
		stale := tag.LastFix
		stale.Stale = true
		stale.Confidence = protocol.ConfidenceLow
		lost = append(lost, Event{Kind: KindLost, TagID: tag.ID, Fix: stale, At: now})
	}
	sort.Slice(lost, func(i, j int) bool { return lost[i].TagID < lost[j].TagID })
	for _, ev := range lost {
		monitoring.Logf("stream: tag %d lost, last seen %s", ev.TagID, ev.Fix.Timestamp.Format(time.RFC3339Nano))
		s.fanout(ev)
	}
	return lost
}

// Predict extrapolates a live tag's last fix to at using its velocity.
// Extrapolation is capped at the stale horizon.
func (s *Stream) Predict(id uint16, at time.Time) (solver.Point, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tag, ok := s.tags[id]
	if !ok || tag.Lost || tag.Fixes == 0 {
		return solver.Point{}, false
	}
	dt := at.Sub(tag.LastFix.Timestamp)
	if dt < 0 {
		dt = 0
	}
	if h := s.cfg.StaleHorizon; h > 0 && dt > h {
		dt = h
	}
	last := solver.Point{X: tag.LastFix.X, Y: tag.LastFix.Y, Z: tag.LastFix.Z}
	return last.Add(tag.Velocity.Scale(dt.Seconds())), true
}

// Tag returns a copy of one tag record.
func (s *Stream) Tag(id uint16) (Tag, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tag, ok := s.tags[id]
	if !ok {
		return Tag{}, false
	}
	return copyTag(tag), true
}

// Tags returns copies of every tag record sorted by id.
func (s *Stream) Tags() []Tag {
	s.mu.Lock()
	out := make([]Tag, 0, len(s.tags))
	for _, tag := range s.tags {
		out = append(out, copyTag(tag))
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close closes every subscriber channel. Later calls are no-ops.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, sub := range s.subs {
		close(sub.ch)
		delete(s.subs, id)
	}
}

func (s *Stream) fanout(ev Event) {
	for _, sub := range s.subs {
		if sub.tags != nil && !sub.tags[ev.TagID] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped++
		}
	}
}

func copyTag(t *Tag) Tag {
	c := *t
	c.LastFix.Anchors = append([]uint16(nil), t.LastFix.Anchors...)
	return c
}
