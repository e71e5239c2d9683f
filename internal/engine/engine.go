// Package engine wires the collector, solver and stream into the host's
// concurrent pipeline.
//
// Any number of ingestion goroutines call Ingest; each report lands in a
// bounded per-tag queue. One worker goroutine per tag drains its queue into
// the collector and solves, so a tag's collector updates, solves and
// published fixes are serialised while different tags proceed in parallel.
// Nothing blocks on a slow consumer: full queues drop their oldest report and
// the stream drops events for subscribers that fall behind.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/position.report/internal/collector"
	"github.com/banshee-data/position.report/internal/monitoring"
	"github.com/banshee-data/position.report/internal/protocol"
	"github.com/banshee-data/position.report/internal/solver"
	"github.com/banshee-data/position.report/internal/stream"
	"github.com/banshee-data/position.report/internal/timeutil"
)

var ErrTagLimit = errors.New("tag limit reached")

// Recorder persists accepted reports and published fixes. Errors are logged
// and never stop the pipeline.
type Recorder interface {
	RecordReport(ctx context.Context, r protocol.DistanceReport) error
	RecordFix(ctx context.Context, f protocol.PositionFix) error
}

// Config assembles the pipeline's tuning.
type Config struct {
	Anchors map[uint16]solver.Point
	Solver  solver.Params

	// RangeMaxAge is the oldest range a solve may use.
	RangeMaxAge time.Duration
	// StaleHorizon ages the last fix into stale and, in the stream, marks
	// the tag lost.
	StaleHorizon time.Duration
	// SolveInterval is the cadence at which every tag is re-solved.
	SolveInterval time.Duration
	QueueSize     int
	MaxTags       int
}

func (c Config) validate() error {
	if len(c.Anchors) == 0 {
		return errors.New("no anchors configured")
	}
	if err := c.Solver.Validate(); err != nil {
		return err
	}
	if c.RangeMaxAge <= 0 || c.StaleHorizon <= 0 || c.SolveInterval <= 0 {
		return errors.New("range max age, stale horizon and solve interval must be positive")
	}
	if c.QueueSize <= 0 || c.MaxTags <= 0 {
		return errors.New("queue size and max tags must be positive")
	}
	return nil
}

// Engine is the host pipeline. Create it with New and drive it with Run.
type Engine struct {
	cfg      Config
	clock    timeutil.Clock
	coll     *collector.Collector
	stream   *stream.Stream
	metrics  *monitoring.Metrics
	recorder Recorder

	mu      sync.Mutex
	ctx     context.Context
	stopped bool // set before Run waits on wg; no worker starts after it
	workers map[uint16]*worker
	wg      sync.WaitGroup
}

// Option customises an Engine.
type Option func(*Engine)

func WithClock(c timeutil.Clock) Option        { return func(e *Engine) { e.clock = c } }
func WithMetrics(m *monitoring.Metrics) Option { return func(e *Engine) { e.metrics = m } }
func WithRecorder(r Recorder) Option           { return func(e *Engine) { e.recorder = r } }
func WithStream(s *stream.Stream) Option       { return func(e *Engine) { e.stream = s } }

func New(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}
	ids := make([]uint16, 0, len(cfg.Anchors))
	for id := range cfg.Anchors {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	coll, err := collector.New(ids, cfg.MaxTags)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:     cfg,
		clock:   timeutil.RealClock{},
		coll:    coll,
		workers: make(map[uint16]*worker),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.stream == nil {
		e.stream = stream.New(stream.Config{StaleHorizon: cfg.StaleHorizon})
	}
	return e, nil
}

func (e *Engine) Collector() *collector.Collector { return e.coll }
func (e *Engine) Stream() *stream.Stream          { return e.stream }

// Anchors returns the surveyed anchor positions.
func (e *Engine) Anchors() map[uint16]solver.Point {
	out := make(map[uint16]solver.Point, len(e.cfg.Anchors))
	for id, p := range e.cfg.Anchors {
		out[id] = p
	}
	return out
}

// Ingest queues r for its tag's worker without blocking.
func (e *Engine) Ingest(r protocol.DistanceReport) error {
	w, err := e.worker(r.TagID)
	if err != nil {
		e.metrics.Report(collector.TagLimit.String())
		return err
	}
	if w.queue.push(r) {
		e.metrics.QueueDrop()
	}
	select {
	case w.wake <- struct{}{}:
	default:
	}
	return nil
}

// IngestFrame decodes a DistanceReport frame received from source and
// queues it. Undecodable frames are counted and returned as errors.
func (e *Engine) IngestFrame(source string, frame []byte) error {
	r, err := protocol.DecodeDistanceReport(frame)
	if err != nil {
		e.metrics.FrameDropped(source, dropReason(err))
		return err
	}
	return e.Ingest(r)
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, protocol.ErrChecksum):
		return "checksum"
	case errors.Is(err, protocol.ErrVersion):
		return "version"
	case errors.Is(err, protocol.ErrUnknownType), errors.Is(err, protocol.ErrWrongType):
		return "type"
	default:
		return "malformed"
	}
}

func (e *Engine) worker(tag uint16) (*worker, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if w, ok := e.workers[tag]; ok {
		return w, nil
	}
	if len(e.workers) >= e.cfg.MaxTags {
		return nil, fmt.Errorf("%w: %d", ErrTagLimit, e.cfg.MaxTags)
	}
	w := &worker{
		e:     e,
		tag:   tag,
		queue: newQueue(e.cfg.QueueSize),
		wake:  make(chan struct{}, 1),
	}
	e.workers[tag] = w
	e.metrics.SetTags(len(e.workers))
	if e.ctx != nil && !e.stopped && e.ctx.Err() == nil {
		e.start(w)
	}
	return w, nil
}

// start must be called with e.mu held.
func (e *Engine) start(w *worker) {
	ticker := e.clock.NewTicker(e.cfg.SolveInterval)
	w.started = true
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer ticker.Stop()
		w.run(e.ctx, ticker)
	}()
}

// Run starts a worker for every known tag and sweeps the stream for lost
// tags on the solve cadence until ctx is done. It returns after every worker
// has exited.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.ctx != nil {
		e.mu.Unlock()
		return errors.New("engine already running")
	}
	e.ctx = ctx
	for _, w := range e.workers {
		e.start(w)
	}
	sweep := e.clock.NewTicker(e.cfg.SolveInterval)
	e.mu.Unlock()
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			e.mu.Lock()
			e.stopped = true
			e.mu.Unlock()
			e.wg.Wait()
			e.stream.Close()
			return ctx.Err()
		case now := <-sweep.C():
			if lost := e.stream.Sweep(now); len(lost) > 0 {
				e.metrics.Lost(len(lost))
			}
		}
	}
}

// SolveNow runs one solve for tag on the caller's goroutine. It is meant for
// tools and tests; running tags are solved by their workers.
func (e *Engine) SolveNow(tag uint16) (protocol.PositionFix, error) {
	w, err := e.worker(tag)
	if err != nil {
		return protocol.PositionFix{}, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.absorb(context.Background())
	return w.solve(context.Background(), e.clock.Now())
}

type worker struct {
	e     *Engine
	tag   uint16
	queue *queue
	wake  chan struct{}

	started bool // guarded by e.mu

	mu      sync.Mutex // serialises absorb and solve
	scratch []protocol.DistanceReport
	last    *protocol.PositionFix
}

func (w *worker) run(ctx context.Context, ticker timeutil.Ticker) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.wake:
			w.mu.Lock()
			if w.absorb(ctx) {
				w.solve(ctx, w.e.clock.Now())
			}
			w.mu.Unlock()
		case now := <-ticker.C():
			w.mu.Lock()
			w.absorb(ctx)
			w.solve(ctx, now)
			w.mu.Unlock()
		}
	}
}

// absorb drains the queue into the collector and reports whether any report
// was accepted.
func (w *worker) absorb(ctx context.Context) bool {
	w.scratch = w.queue.drain(w.scratch[:0])
	fresh := false
	for _, r := range w.scratch {
		res := w.e.coll.Ingest(r)
		w.e.metrics.Report(res.String())
		if res != collector.Accepted {
			continue
		}
		fresh = true
		if w.e.recorder != nil {
			if err := w.e.recorder.RecordReport(ctx, r); err != nil {
				monitoring.Logf("engine: record report tag=%d anchor=%d: %v", r.TagID, r.AnchorID, err)
			}
		}
	}
	return fresh
}

func (w *worker) solve(ctx context.Context, now time.Time) (protocol.PositionFix, error) {
	e := w.e
	snap := e.coll.Snapshot(w.tag, now, e.cfg.RangeMaxAge)
	req := solver.Request{TagID: w.tag, Timestamp: now, Observations: make([]solver.Observation, 0, len(snap))}
	for _, r := range snap {
		req.Observations = append(req.Observations, solver.Observation{
			AnchorID: r.AnchorID,
			Anchor:   e.cfg.Anchors[r.AnchorID],
			Distance: r.Distance,
			Quality:  r.Quality,
		})
	}
	if prior, ok := e.stream.Predict(w.tag, now); ok {
		req.Prior = &prior
	}

	start := time.Now()
	res, err := solver.Solve(req, e.cfg.Solver)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		e.metrics.Solve(outcome(err), elapsed, 0, 0)
		if w.last == nil {
			return protocol.PositionFix{}, err
		}
		fb := solver.Fallback(*w.last, now, e.cfg.StaleHorizon)
		e.stream.Publish(fb)
		return fb, err
	}
	e.metrics.Solve("ok", elapsed, res.Fix.Residual, len(res.Excluded))
	if len(res.Excluded) > 0 {
		monitoring.Logf("engine: tag %d excluded anchors %v as outliers", w.tag, res.Excluded)
	}

	published, ok := e.stream.Publish(res.Fix)
	if !ok {
		return res.Fix, nil
	}
	w.last = &published
	if e.recorder != nil {
		if err := e.recorder.RecordFix(ctx, published); err != nil {
			monitoring.Logf("engine: record fix tag=%d: %v", w.tag, err)
		}
	}
	return published, nil
}

func outcome(err error) string {
	switch {
	case errors.Is(err, solver.ErrInsufficientAnchors):
		return "insufficient_anchors"
	case errors.Is(err, solver.ErrDegenerateGeometry):
		return "degenerate_geometry"
	case errors.Is(err, solver.ErrNoConvergence):
		return "no_convergence"
	default:
		return "error"
	}
}
