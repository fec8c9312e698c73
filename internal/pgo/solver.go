package pgo

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/position.report/internal/geom"
)

// ErrNumericFailure marks a solve that produced a non-finite residual. The
// caller must discard the tick and keep its previous position.
var ErrNumericFailure = errors.New("pgo: non-finite residual")

// SolverConfig bounds one Levenberg-Marquardt run. The iteration cap doubles
// as the per-tick time budget: each iteration is a constant-size linear solve.
type SolverConfig struct {
	IterationCap int
	GradientTol  float64
	StepTol      float64
}

// DefaultSolverConfig returns the standard solver bounds.
func DefaultSolverConfig() SolverConfig {
	return SolverConfig{
		IterationCap: 200,
		GradientTol:  1e-10,
		StepTol:      1e-12,
	}
}

// Result is the output of one solve: optimized positions for every seeded
// node plus convergence diagnostics. ResidualNorm is the Euclidean norm of
// the stacked edge residuals at the solution.
type Result struct {
	Positions    map[Node]geom.Vec
	Iterations   int
	ResidualNorm float64
	Converged    bool
}

// Solve minimizes sum over edges of ||(p[to]-p[from]) - d||^2 with
// Levenberg-Marquardt. Every seeded node is free, anchors included; the
// damping term keeps the normal equations positive definite despite the
// translational gauge freedom of the graph, and the residual gauge freedom is
// removed afterwards by GaugeFix.
//
// All edge endpoints must be seeded. The solver is pure: it never mutates its
// inputs and holds no state between calls.
func Solve(seeds map[Node]geom.Vec, edges []Edge, cfg SolverConfig) (Result, error) {
	if len(edges) == 0 {
		return Result{}, fmt.Errorf("pgo: empty edge set")
	}

	// Deterministic node ordering: anchors by id, then tags by id.
	nodes := make([]Node, 0, len(seeds))
	for n := range seeds {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Kind != nodes[j].Kind {
			return nodes[i].Kind < nodes[j].Kind
		}
		return nodes[i].ID < nodes[j].ID
	})
	idx := make(map[Node]int, len(nodes))
	for i, n := range nodes {
		idx[n] = i
	}
	for _, e := range edges {
		if _, ok := idx[e.From]; !ok {
			return Result{}, fmt.Errorf("pgo: edge endpoint %v has no seed", e.From)
		}
		if _, ok := idx[e.To]; !ok {
			return Result{}, fmt.Errorf("pgo: edge endpoint %v has no seed", e.To)
		}
	}

	dim := 3 * len(nodes)
	x := mat.NewVecDense(dim, nil)
	for i, n := range nodes {
		p := seeds[n]
		x.SetVec(3*i, p.X)
		x.SetVec(3*i+1, p.Y)
		x.SetVec(3*i+2, p.Z)
	}

	// The residual is linear in the positions, so the Jacobian structure is
	// constant: J^T J is the graph Laplacian expanded over the three
	// coordinates. Build it once.
	jtj := mat.NewSymDense(dim, nil)
	for _, e := range edges {
		u, v := idx[e.From], idx[e.To]
		for c := 0; c < 3; c++ {
			jtj.SetSym(3*u+c, 3*u+c, jtj.At(3*u+c, 3*u+c)+1)
			jtj.SetSym(3*v+c, 3*v+c, jtj.At(3*v+c, 3*v+c)+1)
			jtj.SetSym(3*u+c, 3*v+c, jtj.At(3*u+c, 3*v+c)-1)
		}
	}

	cost, ok := edgeCost(x, edges, idx)
	if !ok {
		return Result{}, ErrNumericFailure
	}

	lambda := 1e-3
	iters := 0
	converged := false

	for iters < cfg.IterationCap {
		iters++

		grad := gradient(x, edges, idx)
		if normInf(grad) < cfg.GradientTol {
			converged = true
			break
		}

		// Damped normal equations: (J^T J + lambda I) delta = -grad.
		var step *mat.VecDense
		for {
			damped := mat.NewSymDense(dim, nil)
			damped.CopySym(jtj)
			for i := 0; i < dim; i++ {
				damped.SetSym(i, i, damped.At(i, i)+lambda)
			}
			var chol mat.Cholesky
			if chol.Factorize(damped) {
				step = mat.NewVecDense(dim, nil)
				neg := mat.NewVecDense(dim, nil)
				neg.ScaleVec(-1, grad)
				if err := chol.SolveVecTo(step, neg); err == nil {
					break
				}
			}
			lambda *= 10
			if lambda > 1e12 {
				return Result{}, ErrNumericFailure
			}
		}

		trial := mat.NewVecDense(dim, nil)
		trial.AddVec(x, step)
		trialCost, ok := edgeCost(trial, edges, idx)
		if !ok {
			return Result{}, ErrNumericFailure
		}

		if trialCost < cost {
			stepNorm := mat.Norm(step, 2)
			x, cost = trial, trialCost
			lambda = math.Max(lambda/3, 1e-12)
			if stepNorm < cfg.StepTol*(mat.Norm(x, 2)+cfg.StepTol) {
				converged = true
				break
			}
		} else {
			lambda *= 10
			if lambda > 1e12 {
				// Cannot improve: accept the current point as converged to
				// within the damping limit.
				converged = true
				break
			}
		}
	}

	if !isFiniteVec(x) {
		return Result{}, ErrNumericFailure
	}

	out := Result{
		Positions:    make(map[Node]geom.Vec, len(nodes)),
		Iterations:   iters,
		ResidualNorm: math.Sqrt(cost),
		Converged:    converged,
	}
	for i, n := range nodes {
		out.Positions[n] = geom.Vec{
			X: x.AtVec(3 * i),
			Y: x.AtVec(3*i + 1),
			Z: x.AtVec(3*i + 2),
		}
	}
	return out, nil
}

// edgeCost returns the squared residual norm at x, and false on any
// non-finite contribution.
func edgeCost(x *mat.VecDense, edges []Edge, idx map[Node]int) (float64, bool) {
	total := 0.0
	for _, e := range edges {
		u, v := idx[e.From], idx[e.To]
		for c := 0; c < 3; c++ {
			r := (x.AtVec(3*v+c) - x.AtVec(3*u+c)) - component(e.Vec, c)
			total += r * r
		}
	}
	if math.IsNaN(total) || math.IsInf(total, 0) {
		return 0, false
	}
	return total, true
}

// gradient returns J^T r at x.
func gradient(x *mat.VecDense, edges []Edge, idx map[Node]int) *mat.VecDense {
	g := mat.NewVecDense(x.Len(), nil)
	for _, e := range edges {
		u, v := idx[e.From], idx[e.To]
		for c := 0; c < 3; c++ {
			r := (x.AtVec(3*v+c) - x.AtVec(3*u+c)) - component(e.Vec, c)
			g.SetVec(3*v+c, g.AtVec(3*v+c)+r)
			g.SetVec(3*u+c, g.AtVec(3*u+c)-r)
		}
	}
	return g
}

func component(v geom.Vec, c int) float64 {
	switch c {
	case 0:
		return v.X
	case 1:
		return v.Y
	}
	return v.Z
}

func normInf(v *mat.VecDense) float64 {
	max := 0.0
	for i := 0; i < v.Len(); i++ {
		if a := math.Abs(v.AtVec(i)); a > max {
			max = a
		}
	}
	return max
}

func isFiniteVec(v *mat.VecDense) bool {
	for i := 0; i < v.Len(); i++ {
		if math.IsNaN(v.AtVec(i)) || math.IsInf(v.AtVec(i), 0) {
			return false
		}
	}
	return true
}

// Seeds builds the initial guess for a solve: anchors at ground truth, the
// tag at warm (the previous successful solve) when available, otherwise at
// the anchor centroid.
func Seeds(g *geom.Geometry, tag Node, warm *geom.Vec) map[Node]geom.Vec {
	seeds := make(map[Node]geom.Vec, len(g.Positions)+1)
	for id, p := range g.Positions {
		seeds[AnchorNode(id)] = p
	}
	if warm != nil {
		seeds[tag] = *warm
	} else {
		seeds[tag] = g.Centroid()
	}
	return seeds
}
