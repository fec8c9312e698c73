package pgo

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/position.report/internal/geom"
)

// Reference anchors for the gauge fix: the origin anchor pins translation,
// the scale anchor pins unit and primary direction.
const (
	GaugeOriginAnchor geom.AnchorID = 3
	GaugeScaleAnchor  geom.AnchorID = 0
)

// GaugeFix removes the similarity freedom left in a solver output. The
// anchor-anchor edges form a rigid sub-graph that the optimizer cannot deform
// without large residuals, but it can translate, rotate, and scale the whole
// graph; this transform picks the one representative that puts the reference
// anchors back on their ground truth:
//
//  1. translate so the origin anchor lands on its ground-truth position,
//  2. scale so the origin-to-scale-anchor distance matches ground truth,
//  3. rotate so that direction matches ground truth.
//
// The tag inherits the same transform, so it ends up in the anchors' global
// frame. Finally every anchor slot is overwritten with its exact ground-truth
// position, discarding any residual optimization drift at the anchors.
func GaugeFix(positions map[Node]geom.Vec, g *geom.Geometry) (map[Node]geom.Vec, error) {
	optOrigin, ok := positions[AnchorNode(GaugeOriginAnchor)]
	if !ok {
		return nil, fmt.Errorf("pgo: gauge fix: anchor %d missing from solve output", GaugeOriginAnchor)
	}
	optScale, ok := positions[AnchorNode(GaugeScaleAnchor)]
	if !ok {
		return nil, fmt.Errorf("pgo: gauge fix: anchor %d missing from solve output", GaugeScaleAnchor)
	}
	trueOrigin, ok := g.Positions[GaugeOriginAnchor]
	if !ok {
		return nil, fmt.Errorf("pgo: gauge fix: anchor %d missing from geometry", GaugeOriginAnchor)
	}
	trueScale, ok := g.Positions[GaugeScaleAnchor]
	if !ok {
		return nil, fmt.Errorf("pgo: gauge fix: anchor %d missing from geometry", GaugeScaleAnchor)
	}

	optDir := optScale.Sub(optOrigin)
	trueDir := trueScale.Sub(trueOrigin)
	optDist := r3.Norm(optDir)
	trueDist := r3.Norm(trueDir)

	scale := 1.0
	if optDist > 1e-6 {
		scale = trueDist / optDist
	}

	rot := rotationBetween(optDir, trueDir)

	out := make(map[Node]geom.Vec, len(positions))
	for n, p := range positions {
		rel := p.Sub(optOrigin).Scale(scale)
		out[n] = geom.Rotate(rot, rel).Add(trueOrigin)
	}

	// Anchors land exactly on ground truth; the transform already put them
	// within solver tolerance, the overwrite discards the remaining drift.
	for id, p := range g.Positions {
		out[AnchorNode(id)] = p
	}

	return out, nil
}

// rotationBetween returns the rotation matrix taking the direction of a onto
// the direction of b. Horizontal pairs use a plain yaw rotation; the general
// case is Rodrigues' formula from the cross product.
func rotationBetween(a, b geom.Vec) *mat.Dense {
	eye := mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})

	na, nb := r3.Norm(a), r3.Norm(b)
	if na <= 1e-6 || nb <= 1e-6 {
		return eye
	}
	ua, ub := a.Scale(1/na), b.Scale(1/nb)

	// Both directions horizontal: rotate about vertical only.
	if math.Abs(ua.Z) < 1e-6 && math.Abs(ub.Z) < 1e-6 {
		delta := math.Atan2(ub.Y, ub.X) - math.Atan2(ua.Y, ua.X)
		return geom.Rz(delta * 180 / math.Pi)
	}

	v := ua.Cross(ub)
	s := r3.Norm(v)
	c := ua.Dot(ub)

	if s < 1e-6 {
		if c > 0 {
			return eye
		}
		// Antiparallel: rotate half a turn about any axis orthogonal to ua.
		axis := ua.Cross(geom.Vec{X: 1})
		if r3.Norm(axis) < 1e-6 {
			axis = ua.Cross(geom.Vec{Y: 1})
		}
		axis = axis.Scale(1 / r3.Norm(axis))
		return rodrigues(axis, math.Pi)
	}

	vx := mat.NewDense(3, 3, []float64{
		0, -v.Z, v.Y,
		v.Z, 0, -v.X,
		-v.Y, v.X, 0,
	})
	var vx2 mat.Dense
	vx2.Mul(vx, vx)
	vx2.Scale((1-c)/(s*s), &vx2)

	var out mat.Dense
	out.Add(eye, vx)
	out.Add(&out, &vx2)
	return mat.DenseCopyOf(&out)
}

// rodrigues returns the rotation of angle radians about the given unit axis.
func rodrigues(axis geom.Vec, angle float64) *mat.Dense {
	c, s := math.Cos(angle), math.Sin(angle)
	x, y, z := axis.X, axis.Y, axis.Z
	return mat.NewDense(3, 3, []float64{
		c + x*x*(1-c), x*y*(1-c) - z*s, x*z*(1-c) + y*s,
		y*x*(1-c) + z*s, c + y*y*(1-c), y*z*(1-c) - x*s,
		z*x*(1-c) - y*s, z*y*(1-c) + x*s, c + z*z*(1-c),
	})
}
