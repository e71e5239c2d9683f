// Package collector keeps the latest distance report for every (tag, anchor)
// pair seen by the host.
//
// Storage is a fixed arena allocated up front: one row per tag, one slot per
// configured anchor, indexed as row*anchors + column. Rows are handed out to
// tags on first sight until MaxTags is reached.
package collector

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/position.report/internal/protocol"
)

var (
	ErrNoAnchors   = errors.New("collector needs at least one anchor")
	ErrDuplicateID = errors.New("duplicate anchor id")
)

// Result classifies the outcome of Ingest.
type Result uint8

const (
	Accepted Result = iota
	Duplicate
	OutOfOrder
	UnknownAnchor
	TagLimit
	Invalid
	numResults
)

func (r Result) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case Duplicate:
		return "duplicate"
	case OutOfOrder:
		return "out_of_order"
	case UnknownAnchor:
		return "unknown_anchor"
	case TagLimit:
		return "tag_limit"
	case Invalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Results lists every Result value, for metrics label initialisation.
func Results() []Result {
	out := make([]Result, 0, numResults)
	for r := Result(0); r < numResults; r++ {
		out = append(out, r)
	}
	return out
}

type slot struct {
	report protocol.DistanceReport
	valid  bool
}

// Collector is safe for concurrent use. Updates to one tag's row are
// serialised by that row's lock; different tags never contend beyond the
// brief row lookup.
type Collector struct {
	anchors []uint16
	column  map[uint16]int
	maxTags int

	mu   sync.RWMutex // guards rows
	rows map[uint16]int

	rowMu []sync.Mutex
	slots []slot // len = maxTags * len(anchors)

	counts [numResults]atomic.Uint64
}

// New allocates a collector for the given anchor ids and tag capacity.
func New(anchors []uint16, maxTags int) (*Collector, error) {
	if len(anchors) == 0 {
		return nil, ErrNoAnchors
	}
	if maxTags <= 0 {
		return nil, fmt.Errorf("max tags must be positive, got %d", maxTags)
	}
	column := make(map[uint16]int, len(anchors))
	for i, id := range anchors {
		if _, dup := column[id]; dup {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateID, id)
		}
		column[id] = i
	}
	return &Collector{
		anchors: append([]uint16(nil), anchors...),
		column:  column,
		maxTags: maxTags,
		rows:    make(map[uint16]int),
		rowMu:   make([]sync.Mutex, maxTags),
		slots:   make([]slot, maxTags*len(anchors)),
	}, nil
}

// Idx returns the arena index of (row, column).
func (c *Collector) Idx(row, col int) int { return row*len(c.anchors) + col }

// Anchors returns the configured anchor ids in column order.
func (c *Collector) Anchors() []uint16 { return append([]uint16(nil), c.anchors...) }

// MaxTags is the row capacity.
func (c *Collector) MaxTags() int { return c.maxTags }

// Ingest stores r if its sequence number is strictly newer than the one held
// for its (tag, anchor) pair. Anything else leaves the stored report unchanged.
func (c *Collector) Ingest(r protocol.DistanceReport) Result {
	res := c.ingest(r)
	c.counts[res].Add(1)
	return res
}

func (c *Collector) ingest(r protocol.DistanceReport) Result {
	if math.IsNaN(r.Distance) || math.IsInf(r.Distance, 0) || r.Distance < 0 {
		return Invalid
	}
	col, ok := c.column[r.AnchorID]
	if !ok {
		return UnknownAnchor
	}
	row, ok := c.row(r.TagID, true)
	if !ok {
		return TagLimit
	}

	c.rowMu[row].Lock()
	defer c.rowMu[row].Unlock()
	s := &c.slots[c.Idx(row, col)]
	if s.valid {
		switch {
		case r.Seq == s.report.Seq:
			return Duplicate
		case r.Seq < s.report.Seq:
			return OutOfOrder
		}
	}
	s.report = r
	s.valid = true
	return Accepted
}

// row finds the tag's row, assigning a free one when create is set.
func (c *Collector) row(tag uint16, create bool) (int, bool) {
	c.mu.RLock()
	row, ok := c.rows[tag]
	c.mu.RUnlock()
	if ok || !create {
		return row, ok
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if row, ok := c.rows[tag]; ok {
		return row, true
	}
	if len(c.rows) >= c.maxTags {
		return 0, false
	}
	row = len(c.rows)
	c.rows[tag] = row
	return row, true
}

// Snapshot returns at most one report per anchor for tag, each no older than
// maxAge at now, in anchor column order. A non-positive maxAge disables the
// age filter.
func (c *Collector) Snapshot(tag uint16, now time.Time, maxAge time.Duration) []protocol.DistanceReport {
	row, ok := c.row(tag, false)
	if !ok {
		return nil
	}
	c.rowMu[row].Lock()
	defer c.rowMu[row].Unlock()

	var out []protocol.DistanceReport
	for col := range c.anchors {
		s := c.slots[c.Idx(row, col)]
		if !s.valid {
			continue
		}
		if maxAge > 0 && now.Sub(s.report.Timestamp) > maxAge {
			continue
		}
		out = append(out, s.report)
	}
	return out
}

// Tags returns every tag holding a row, sorted by id.
func (c *Collector) Tags() []uint16 {
	c.mu.RLock()
	out := make([]uint16, 0, len(c.rows))
	for id := range c.rows {
		out = append(out, id)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Counts returns how many reports ended in each Result.
func (c *Collector) Counts() map[Result]uint64 {
	out := make(map[Result]uint64, numResults)
	for r := Result(0); r < numResults; r++ {
		out[r] = c.counts[r].Load()
	}
	return out
}
