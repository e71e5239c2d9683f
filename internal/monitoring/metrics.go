package monitoring

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "uwb"

// Metrics bundles the host's Prometheus collectors. A nil *Metrics is valid
// and records nothing, so components can run without instrumentation.
type Metrics struct {
	gatherer prometheus.Gatherer

	FramesDropped   *prometheus.CounterVec
	Reports         *prometheus.CounterVec
	QueueDropped    prometheus.Counter
	Solves          *prometheus.CounterVec
	SolveDuration   prometheus.Histogram
	OutliersDropped prometheus.Counter
	FixResidual     prometheus.Histogram
	LostTransitions prometheus.Counter
	TagsTracked     prometheus.Gauge
}

// NewMetrics registers the collectors against reg, defaulting to the global
// registry when nil. Registering twice against one registry returns the
// existing collectors.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	m := &Metrics{gatherer: gatherer}
	var err error
	if m.FramesDropped, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_dropped_total",
		Help:      "Inbound frames rejected before reaching the collector, by source and reason.",
	}, []string{"source", "reason"})); err != nil {
		return nil, err
	}
	if m.Reports, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reports_total",
		Help:      "Distance reports offered to the collector, by result.",
	}, []string{"result"})); err != nil {
		return nil, err
	}
	if m.QueueDropped, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queue_dropped_total",
		Help:      "Reports discarded from full per-tag queues.",
	})); err != nil {
		return nil, err
	}
	if m.Solves, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "solves_total",
		Help:      "Position solves, by outcome.",
	}, []string{"outcome"})); err != nil {
		return nil, err
	}
	if m.SolveDuration, err = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "solve_duration_seconds",
		Help:      "Wall time of one position solve.",
		Buckets:   []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
	})); err != nil {
		return nil, err
	}
	if m.OutliersDropped, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "outliers_excluded_total",
		Help:      "Anchors excluded from a fix by outlier rejection.",
	})); err != nil {
		return nil, err
	}
	if m.FixResidual, err = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "fix_residual_metres",
		Help:      "RMS range residual of published fixes.",
		Buckets:   []float64{0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1, 2},
	})); err != nil {
		return nil, err
	}
	if m.LostTransitions, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lost_transitions_total",
		Help:      "Tags that went quiet past the stale horizon.",
	})); err != nil {
		return nil, err
	}
	if m.TagsTracked, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tags_tracked",
		Help:      "Tags with a worker on the host.",
	})); err != nil {
		return nil, err
	}
	return m, nil
}

// Handler serves the registry m was built against.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) FrameDropped(source, reason string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(source, reason).Inc()
}

func (m *Metrics) Report(result string) {
	if m == nil {
		return
	}
	m.Reports.WithLabelValues(result).Inc()
}

func (m *Metrics) QueueDrop() {
	if m == nil {
		return
	}
	m.QueueDropped.Inc()
}

// Solve records one solve. residual is only observed for successful solves.
func (m *Metrics) Solve(outcome string, seconds, residual float64, excluded int) {
	if m == nil {
		return
	}
	m.Solves.WithLabelValues(outcome).Inc()
	m.SolveDuration.Observe(seconds)
	if outcome == "ok" {
		m.FixResidual.Observe(residual)
	}
	m.OutliersDropped.Add(float64(excluded))
}

func (m *Metrics) Lost(n int) {
	if m == nil {
		return
	}
	m.LostTransitions.Add(float64(n))
}

func (m *Metrics) SetTags(n int) {
	if m == nil {
		return
	}
	m.TagsTracked.Set(float64(n))
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		are, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			return c, err
		}
		existing, ok := are.ExistingCollector.(C)
		if !ok {
			return c, fmt.Errorf("collector already registered with incompatible type: %w", err)
		}
		return existing, nil
	}
	return c, nil
}
