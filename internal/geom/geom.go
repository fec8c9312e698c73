// Package geom owns the fixed anchor geometry: ground-truth positions, the
// per-anchor local-to-global rotation matrices, and the precomputed rigid
// anchor-to-anchor edge set. A Geometry value is built once at startup and is
// immutable afterwards, so it is shared across goroutines without locking.
package geom

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// AnchorID identifies a fixed UWB anchor, conventionally 0-3.
type AnchorID uint8

// Vec is a 3D vector in centimeters.
type Vec = r3.Vec

// IsFinite reports whether all three components are finite.
func IsFinite(v Vec) bool {
	return !math.IsNaN(v.X) && !math.IsInf(v.X, 0) &&
		!math.IsNaN(v.Y) && !math.IsInf(v.Y, 0) &&
		!math.IsNaN(v.Z) && !math.IsInf(v.Z, 0)
}

// Rz returns the rotation matrix about the Z axis (yaw) for an angle in degrees.
func Rz(deg float64) *mat.Dense {
	rad := deg * math.Pi / 180
	c, s := math.Cos(rad), math.Sin(rad)
	return mat.NewDense(3, 3, []float64{
		c, -s, 0,
		s, c, 0,
		0, 0, 1,
	})
}

// Ry returns the rotation matrix about the Y axis (tilt) for an angle in degrees.
func Ry(deg float64) *mat.Dense {
	rad := deg * math.Pi / 180
	c, s := math.Cos(rad), math.Sin(rad)
	return mat.NewDense(3, 3, []float64{
		c, 0, s,
		0, 1, 0,
		-s, 0, c,
	})
}

// Rotate applies a 3x3 rotation matrix to a vector.
func Rotate(r mat.Matrix, v Vec) Vec {
	out := new(mat.VecDense)
	out.MulVec(r, mat.NewVecDense(3, []float64{v.X, v.Y, v.Z}))
	return Vec{X: out.AtVec(0), Y: out.AtVec(1), Z: out.AtVec(2)}
}

// AnchorEdge is a rigid constraint between two anchors: the global-frame
// vector from anchor From to anchor To.
type AnchorEdge struct {
	From AnchorID
	To   AnchorID
	Vec  Vec
}

// AnchorConfig describes the physical installation of one anchor: its
// ground-truth position in the global frame and its mounted yaw and tilt.
// The sign of the tilt is a calibration decision and travels with the
// configuration; nothing downstream assumes a direction.
type AnchorConfig struct {
	Position Vec
	YawDeg   float64
	TiltDeg  float64
}

// Geometry holds the ground-truth anchor layout. Construct with New; do not
// mutate after construction.
type Geometry struct {
	Positions map[AnchorID]Vec
	Rotations map[AnchorID]*mat.Dense

	// AnchorEdges contains the vector Positions[j]-Positions[i] for every
	// ordered pair i != j, so both directions are present with opposite signs.
	AnchorEdges []AnchorEdge
}

const orthonormalTol = 1e-9

// New builds a Geometry from per-anchor installation configs. It fails if any
// rotation is not orthonormal or the anchor layout is degenerate (fewer than
// three anchors, or all anchors collinear), since the solver's gauge fix needs
// a non-degenerate reference frame.
func New(anchors map[AnchorID]AnchorConfig) (*Geometry, error) {
	if len(anchors) < 3 {
		return nil, fmt.Errorf("need at least 3 anchors for a usable geometry, got %d", len(anchors))
	}

	g := &Geometry{
		Positions: make(map[AnchorID]Vec, len(anchors)),
		Rotations: make(map[AnchorID]*mat.Dense, len(anchors)),
	}

	ids := make([]AnchorID, 0, len(anchors))
	for id, a := range anchors {
		if !IsFinite(a.Position) {
			return nil, fmt.Errorf("anchor %d: non-finite position", id)
		}
		r := new(mat.Dense)
		r.Mul(Rz(a.YawDeg), Ry(a.TiltDeg))
		if err := checkOrthonormal(r); err != nil {
			return nil, fmt.Errorf("anchor %d: %w", id, err)
		}
		g.Positions[id] = a.Position
		g.Rotations[id] = r
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	if collinear(g.Positions, ids) {
		return nil, fmt.Errorf("anchor layout is collinear; positions must span a plane")
	}

	// Ordered pairs in ascending id order so the edge set is deterministic.
	for _, i := range ids {
		for _, j := range ids {
			if i == j {
				continue
			}
			g.AnchorEdges = append(g.AnchorEdges, AnchorEdge{
				From: i,
				To:   j,
				Vec:  g.Positions[j].Sub(g.Positions[i]),
			})
		}
	}

	return g, nil
}

// Has reports whether the geometry contains the given anchor.
func (g *Geometry) Has(id AnchorID) bool {
	_, ok := g.Positions[id]
	return ok
}

// IDs returns the anchor ids in ascending order.
func (g *Geometry) IDs() []AnchorID {
	ids := make([]AnchorID, 0, len(g.Positions))
	for id := range g.Positions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Centroid returns the mean of all anchor positions. Used as the cold-start
// seed for the tag node.
func (g *Geometry) Centroid() Vec {
	var sum Vec
	for _, p := range g.Positions {
		sum = sum.Add(p)
	}
	return sum.Scale(1 / float64(len(g.Positions)))
}

// Diagonal returns the largest anchor-to-anchor distance. The ingest layer
// uses a multiple of this as its sanity bound on measurement magnitudes.
func (g *Geometry) Diagonal() float64 {
	var max float64
	for _, e := range g.AnchorEdges {
		if d := r3.Norm(e.Vec); d > max {
			max = d
		}
	}
	return max
}

func checkOrthonormal(r *mat.Dense) error {
	var rtr mat.Dense
	rtr.Mul(r.T(), r)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			want := 0.0
			if i == j {
				want = 1.0
			}
			if math.Abs(rtr.At(i, j)-want) > orthonormalTol {
				return fmt.Errorf("rotation matrix is not orthonormal")
			}
		}
	}
	return nil
}

func collinear(positions map[AnchorID]Vec, ids []AnchorID) bool {
	if len(ids) < 3 {
		return true
	}
	p0 := positions[ids[0]]
	var base Vec
	for _, id := range ids[1:] {
		base = positions[id].Sub(p0)
		if r3.Norm(base) > 0 {
			break
		}
	}
	if r3.Norm(base) == 0 {
		return true
	}
	for _, id := range ids[1:] {
		d := positions[id].Sub(p0)
		if r3.Norm(base.Cross(d)) > 1e-9*r3.Norm(base)*math.Max(r3.Norm(d), 1) {
			return false
		}
	}
	return true
}
