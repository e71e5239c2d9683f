// Package solver computes tag positions from ranges to surveyed anchors.
//
// Solve is a pure function of its Request and Params: it holds no state, so
// any number of tags may be solved concurrently.
//
// Outlier rejection is leave-one-out with a single retry: a solve excludes at
// most one anchor, the one whose removal leaves the best fit, and only when
// its range misses that fit by more than OutlierMultiplier times the median
// residual. A second bad range stays in the fix and shows up in the residual.
package solver

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/position.report/internal/protocol"
)

var (
	ErrInsufficientAnchors = errors.New("insufficient anchors")
	ErrDegenerateGeometry  = errors.New("degenerate anchor geometry")
	ErrNoConvergence       = errors.New("solver did not converge")
)

// Observation is one range from the tag to a surveyed anchor.
type Observation struct {
	AnchorID uint16
	Anchor   Point
	Distance float64
	Quality  float64
}

// Request is everything needed for one solve. Prior, when set, is the
// predicted position of the tag at Timestamp.
type Request struct {
	TagID        uint16
	Timestamp    time.Time
	Observations []Observation
	Prior        *Point
}

// Params tune the solver. MinAnchors and OutlierMultiplier have no defaults
// and must be set by configuration.
type Params struct {
	// Dimensions is 2 (x, y at fixed Height) or 3.
	Dimensions int
	Height     float64

	MinAnchors        int
	OutlierMultiplier float64
	// OutlierFloor bounds the aggregate residual from below so exact data
	// does not turn metre-level noise into outliers.
	OutlierFloor float64

	MaxIterations int
	// Tolerance is the step length in metres below which the solve has
	// converged.
	Tolerance float64
	// ConditionThreshold is the smallest acceptable ratio of the smallest to
	// the largest singular value of the centred anchor matrix.
	ConditionThreshold float64
	// HighConfidenceResidual is the RMS residual bound for a High fix.
	HighConfidenceResidual float64
	// MinWeight floors the quality weight of any single range.
	MinWeight float64
}

// Validate checks the parameters are usable.
func (p Params) Validate() error {
	if p.Dimensions != 2 && p.Dimensions != 3 {
		return fmt.Errorf("dimensions must be 2 or 3, got %d", p.Dimensions)
	}
	if p.MinAnchors < p.Dimensions+1 {
		return fmt.Errorf("min anchors must be at least %d for %dD, got %d", p.Dimensions+1, p.Dimensions, p.MinAnchors)
	}
	if p.MinAnchors > protocol.MaxAnchorsPerFix {
		return fmt.Errorf("min anchors must not exceed %d, got %d", protocol.MaxAnchorsPerFix, p.MinAnchors)
	}
	if p.OutlierMultiplier <= 1 {
		return fmt.Errorf("outlier multiplier must be greater than 1, got %v", p.OutlierMultiplier)
	}
	if p.MaxIterations <= 0 {
		return fmt.Errorf("max iterations must be positive, got %d", p.MaxIterations)
	}
	if p.Tolerance <= 0 || p.ConditionThreshold <= 0 || p.ConditionThreshold >= 1 {
		return errors.New("tolerance must be positive and condition threshold within (0, 1)")
	}
	if p.OutlierFloor < 0 || p.HighConfidenceResidual < 0 || p.MinWeight < 0 {
		return errors.New("outlier floor, high confidence residual and min weight must not be negative")
	}
	return nil
}

// Result is a fix plus solve diagnostics.
type Result struct {
	Fix        protocol.PositionFix
	Position   Point
	Residuals  []float64 // per used anchor, measured minus predicted
	Iterations int
	Excluded   []uint16
}

// Solve computes a fix for req. The observations slice is not modified.
func Solve(req Request, p Params) (Result, error) {
	obs := req.Observations
	if len(obs) < p.MinAnchors {
		return Result{}, fmt.Errorf("%w: have %d, need %d", ErrInsufficientAnchors, len(obs), p.MinAnchors)
	}
	if len(obs) > protocol.MaxAnchorsPerFix {
		obs = strongest(obs, protocol.MaxAnchorsPerFix)
	}
	if c := conditioning(obs, p.Dimensions); c < p.ConditionThreshold {
		return Result{}, fmt.Errorf("%w: conditioning %.2g below %.2g", ErrDegenerateGeometry, c, p.ConditionThreshold)
	}

	first, err := fit(obs, req.Prior, p)
	if err != nil {
		return Result{}, err
	}

	best := first
	var excluded []uint16
	if reduced, dropped, ok := rejectOutlier(obs, first, p); ok {
		best = reduced
		excluded = []uint16{dropped}
	}
	return best.result(req, p, excluded), nil
}

// solution is one converged fit over a set of observations.
type solution struct {
	obs        []Observation
	pos        Point
	residuals  []float64
	iterations int
}

func (s solution) rms() float64 {
	return math.Sqrt(floats.Dot(s.residuals, s.residuals) / float64(len(s.residuals)))
}

func (s solution) result(req Request, p Params, excluded []uint16) Result {
	rms := s.rms()
	conf := protocol.ConfidenceMedium
	if len(s.obs) >= 4 && rms <= p.HighConfidenceResidual {
		conf = protocol.ConfidenceHigh
	}
	ids := make([]uint16, len(s.obs))
	for i, o := range s.obs {
		ids[i] = o.AnchorID
	}
	return Result{
		Fix: protocol.PositionFix{
			TagID:      req.TagID,
			Timestamp:  req.Timestamp,
			X:          s.pos.X,
			Y:          s.pos.Y,
			Z:          s.pos.Z,
			Residual:   rms,
			Confidence: conf,
			Anchors:    ids,
		},
		Position:   s.pos,
		Residuals:  s.residuals,
		Iterations: s.iterations,
		Excluded:   excluded,
	}
}

// fit runs the damped solve from a linearised trilateration start and, when
// given, from the prior, keeping whichever converges to the lower RMS
// residual. A prior on the wrong side of the anchor plane converges to the
// mirror solution.
func fit(obs []Observation, prior *Point, p Params) (solution, error) {
	var (
		best  solution
		found bool
	)
	if prior != nil {
		start := *prior
		if p.Dimensions == 2 {
			start.Z = p.Height
		}
		if s, err := levenbergMarquardt(obs, start, p); err == nil {
			best, found = s, true
		}
	}
	start, err := trilaterate(obs, p.Dimensions, p.Height)
	if err != nil {
		if found {
			return best, nil
		}
		return solution{}, fmt.Errorf("%w: linearised start: %v", ErrDegenerateGeometry, err)
	}
	s, err := levenbergMarquardt(obs, start, p)
	if err != nil {
		if found {
			return best, nil
		}
		return solution{}, err
	}
	if found && best.rms() <= s.rms() {
		return best, nil
	}
	return s, nil
}

// levenbergMarquardt minimises the quality-weighted squared range residuals.
func levenbergMarquardt(obs []Observation, start Point, p Params) (solution, error) {
	n, d := len(obs), p.Dimensions
	w := make([]float64, n)
	for i, o := range obs {
		w[i] = math.Max(o.Quality, p.MinWeight)
		if w[i] <= 0 {
			w[i] = 1
		}
	}

	pos := start
	r := residuals(obs, pos)
	cost := weightedCost(r, w)
	lambda := 1e-3

	jac := mat.NewDense(n, d, nil)
	jtw := mat.NewDense(d, n, nil)
	var h mat.Dense
	var g, step mat.VecDense

	for iter := 1; iter <= p.MaxIterations; iter++ {
		for i, o := range obs {
			diff := pos.Sub(o.Anchor)
			rng := diff.Norm()
			for j := 0; j < d; j++ {
				v := 0.0
				if rng > 1e-9 {
					v = diff.coord(j) / rng
				}
				jac.Set(i, j, v)
				jtw.Set(j, i, v*w[i])
			}
		}
		h.Mul(jtw, jac)
		g.MulVec(jtw, mat.NewVecDense(n, r))
		for j := 0; j < d; j++ {
			h.Set(j, j, h.At(j, j)*(1+lambda)+1e-12)
		}

		if err := step.SolveVec(&h, &g); err != nil {
			lambda *= 10
			continue
		}
		stepLen := mat.Norm(&step, 2)
		cand := pos
		cand.X += step.AtVec(0)
		cand.Y += step.AtVec(1)
		if d == 3 {
			cand.Z += step.AtVec(2)
		}
		candR := residuals(obs, cand)
		candCost := weightedCost(candR, w)

		if candCost <= cost {
			pos, r, cost = cand, candR, candCost
			lambda = math.Max(lambda/10, 1e-9)
		} else {
			lambda *= 10
		}
		if stepLen < p.Tolerance {
			return solution{obs: obs, pos: pos, residuals: r, iterations: iter}, nil
		}
	}
	return solution{}, fmt.Errorf("%w after %d iterations", ErrNoConvergence, p.MaxIterations)
}

func residuals(obs []Observation, pos Point) []float64 {
	r := make([]float64, len(obs))
	for i, o := range obs {
		r[i] = o.Distance - pos.Dist(o.Anchor)
	}
	return r
}

func weightedCost(r, w []float64) float64 {
	c := 0.0
	for i := range r {
		c += w[i] * r[i] * r[i]
	}
	return c
}

// aggregate is the median absolute residual, floored.
func aggregate(r []float64, floor float64) float64 {
	abs := absAll(r)
	sort.Float64s(abs)
	return math.Max(stat.Quantile(0.5, stat.Empirical, abs, nil), floor)
}

// rejectOutlier looks for the single anchor whose removal best explains the
// residuals of the first fit. Each reduced set is solved from both the first
// fit's position and a fresh linearised start. The anchor is excluded only
// when its range misses the reduced fit by more than OutlierMultiplier times
// the reduced fit's aggregate residual and the reduced set still meets
// MinAnchors with usable geometry.
func rejectOutlier(obs []Observation, first solution, p Params) (solution, uint16, bool) {
	if len(obs)-1 < p.MinAnchors {
		return solution{}, 0, false
	}
	if floats.Max(absAll(first.residuals)) <= p.OutlierMultiplier*p.OutlierFloor {
		return solution{}, 0, false
	}

	var (
		best    solution
		dropped int
		found   bool
	)
	for k := range obs {
		subset := make([]Observation, 0, len(obs)-1)
		subset = append(subset, obs[:k]...)
		subset = append(subset, obs[k+1:]...)
		if conditioning(subset, p.Dimensions) < p.ConditionThreshold {
			continue
		}
		prior := first.pos
		s, err := fit(subset, &prior, p)
		if err != nil {
			continue
		}
		if !found || s.rms() < best.rms() {
			best, dropped, found = s, k, true
		}
	}
	if !found {
		return solution{}, 0, false
	}

	miss := math.Abs(obs[dropped].Distance - best.pos.Dist(obs[dropped].Anchor))
	if miss <= p.OutlierMultiplier*aggregate(best.residuals, p.OutlierFloor) {
		return solution{}, 0, false
	}
	best.iterations += first.iterations
	return best, obs[dropped].AnchorID, true
}

func absAll(r []float64) []float64 {
	out := make([]float64, len(r))
	for i, v := range r {
		out[i] = math.Abs(v)
	}
	return out
}

// strongest keeps the k observations with the highest quality.
func strongest(obs []Observation, k int) []Observation {
	out := append([]Observation(nil), obs...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Quality > out[j].Quality })
	return out[:k]
}

// Fallback returns last as a low-confidence fix, flagged stale once it is
// older than horizon at now.
func Fallback(last protocol.PositionFix, now time.Time, horizon time.Duration) protocol.PositionFix {
	f := last
	f.Anchors = append([]uint16(nil), last.Anchors...)
	f.Confidence = protocol.ConfidenceLow
	f.Stale = now.Sub(last.Timestamp) > horizon
	return f
}
