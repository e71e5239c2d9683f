package solver

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Point is a position in metres in the site frame.
type Point struct {
	X float64 `json:"x" toml:"x" yaml:"x"`
	Y float64 `json:"y" toml:"y" yaml:"y"`
	Z float64 `json:"z" toml:"z" yaml:"z"`
}

func (p Point) Sub(q Point) Point { return Point{p.X - q.X, p.Y - q.Y, p.Z - q.Z} }

func (p Point) Add(q Point) Point { return Point{p.X + q.X, p.Y + q.Y, p.Z + q.Z} }

func (p Point) Scale(k float64) Point { return Point{p.X * k, p.Y * k, p.Z * k} }

func (p Point) Norm() float64 { return math.Sqrt(p.X*p.X + p.Y*p.Y + p.Z*p.Z) }

func (p Point) Dist(q Point) float64 { return p.Sub(q).Norm() }

func (p Point) coord(i int) float64 {
	switch i {
	case 0:
		return p.X
	case 1:
		return p.Y
	default:
		return p.Z
	}
}

// conditioning returns smin/smax of the centred anchor matrix restricted to
// the solved dimensions. Zero means the anchors span fewer dimensions than
// are being solved for.
func conditioning(obs []Observation, dims int) float64 {
	n := len(obs)
	if n < dims {
		return 0
	}
	var centroid [3]float64
	for _, o := range obs {
		for j := 0; j < dims; j++ {
			centroid[j] += o.Anchor.coord(j) / float64(n)
		}
	}
	a := mat.NewDense(n, dims, nil)
	for i, o := range obs {
		for j := 0; j < dims; j++ {
			a.Set(i, j, o.Anchor.coord(j)-centroid[j])
		}
	}
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDNone) {
		return 0
	}
	s := svd.Values(nil)
	if len(s) < dims || s[0] == 0 {
		return 0
	}
	return s[len(s)-1] / s[0]
}

// trilaterate linearises the range equations against the first anchor and
// solves them in the least-squares sense. In 2D the tag is held at height,
// so each range is first projected onto the horizontal plane.
func trilaterate(obs []Observation, dims int, height float64) (Point, error) {
	ref := obs[0]
	rows := len(obs) - 1
	a := mat.NewDense(rows, dims, nil)
	b := mat.NewVecDense(rows, nil)

	sq := func(o Observation) float64 {
		d2 := o.Distance * o.Distance
		if dims == 2 {
			dz := height - o.Anchor.Z
			d2 -= dz * dz
		}
		return d2
	}
	norm2 := func(p Point) float64 {
		s := 0.0
		for j := 0; j < dims; j++ {
			s += p.coord(j) * p.coord(j)
		}
		return s
	}

	for i, o := range obs[1:] {
		for j := 0; j < dims; j++ {
			a.Set(i, j, 2*(o.Anchor.coord(j)-ref.Anchor.coord(j)))
		}
		b.SetVec(i, sq(ref)-sq(o)+norm2(o.Anchor)-norm2(ref.Anchor))
	}

	var x mat.VecDense
	if err := x.SolveVec(a, b); err != nil {
		return Point{}, err
	}
	p := Point{X: x.AtVec(0), Y: x.AtVec(1), Z: height}
	if dims == 3 {
		p.Z = x.AtVec(2)
	}
	return p, nil
}
