package pgo

import (
	"math"
	"testing"

	"github.com/banshee-data/position.report/internal/binner"
	"github.com/banshee-data/position.report/internal/geom"
)

// exactBin returns a bin where every anchor reports the exact global vector
// from itself to target (identity rotations).
func exactBin(g *geom.Geometry, target geom.Vec) binner.Bin {
	bin := binner.Bin{TagID: 0, PerAnchor: make(map[geom.AnchorID][]geom.Vec)}
	for id, p := range g.Positions {
		bin.PerAnchor[id] = []geom.Vec{target.Sub(p)}
	}
	return bin
}

func solveBin(t *testing.T, g *geom.Geometry, bin binner.Bin) Result {
	t.Helper()
	edges := BuildEdges(bin, g)
	res, err := Solve(Seeds(g, TagNode(0), nil), edges, DefaultSolverConfig())
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	return res
}

func TestSolveNoiselessCentroidScenario(t *testing.T) {
	g := testGeometry(t, 0, 0)
	target := geom.Vec{X: 240, Y: 300, Z: 100}

	res := solveBin(t, g, exactBin(g, target))
	if !res.Converged {
		t.Fatal("solver did not converge")
	}
	if res.ResidualNorm > 1e-6 {
		t.Errorf("residual = %g, want ~0", res.ResidualNorm)
	}

	fixed, err := GaugeFix(res.Positions, g)
	if err != nil {
		t.Fatalf("GaugeFix: %v", err)
	}

	tag := fixed[TagNode(0)]
	if math.Abs(tag.X-target.X) > 1e-6 || math.Abs(tag.Y-target.Y) > 1e-6 || math.Abs(tag.Z-target.Z) > 1e-6 {
		t.Errorf("tag = (%g, %g, %g), want (240, 300, 100)", tag.X, tag.Y, tag.Z)
	}
}

func TestAnchorPinningAfterGaugeFix(t *testing.T) {
	g := testGeometry(t, 0, 0)
	res := solveBin(t, g, exactBin(g, geom.Vec{X: 100, Y: 100, Z: 50}))

	fixed, err := GaugeFix(res.Positions, g)
	if err != nil {
		t.Fatalf("GaugeFix: %v", err)
	}
	for id, want := range g.Positions {
		got := fixed[AnchorNode(id)]
		if got != want {
			t.Errorf("anchor %d = %v, want exactly %v", id, got, want)
		}
	}
}

func TestFrameConsistency(t *testing.T) {
	// Anchor-to-anchor distances of the raw solve output match ground truth
	// within eps: the rigid sub-graph cannot be deformed.
	g := testGeometry(t, 0, 0)
	res := solveBin(t, g, exactBin(g, geom.Vec{X: 240, Y: 300, Z: 100}))

	for _, e := range g.AnchorEdges {
		from := res.Positions[AnchorNode(e.From)]
		to := res.Positions[AnchorNode(e.To)]
		d := to.Sub(from)
		want := math.Sqrt(e.Vec.X*e.Vec.X + e.Vec.Y*e.Vec.Y + e.Vec.Z*e.Vec.Z)
		got := math.Sqrt(d.X*d.X + d.Y*d.Y + d.Z*d.Z)
		if math.Abs(got-want) > 1e-6 {
			t.Errorf("anchor %d->%d distance = %g, want %g", e.From, e.To, got, want)
		}
	}
}

func TestSolveUnderconstrainedStillReturns(t *testing.T) {
	g := testGeometry(t, 0, 0)
	bin := binner.Bin{
		TagID:     0,
		PerAnchor: map[geom.AnchorID][]geom.Vec{0: {{X: -240, Y: -300, Z: -139}}},
	}
	edges := BuildEdges(bin, g)
	if got := CountTagEdges(edges); got != 1 {
		t.Fatalf("tag edges = %d, want 1", got)
	}

	res, err := Solve(Seeds(g, TagNode(0), nil), edges, DefaultSolverConfig())
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if !res.Converged {
		t.Error("underconstrained solve must still converge")
	}
	// With a single constraint the tag position is exactly determined by it.
	fixed, err := GaugeFix(res.Positions, g)
	if err != nil {
		t.Fatalf("GaugeFix: %v", err)
	}
	tag := fixed[TagNode(0)]
	if math.Abs(tag.X-240) > 1e-5 || math.Abs(tag.Y-300) > 1e-5 || math.Abs(tag.Z-100) > 1e-5 {
		t.Errorf("tag = (%g, %g, %g), want (240, 300, 100)", tag.X, tag.Y, tag.Z)
	}
}

func TestSolveDeterministic(t *testing.T) {
	g := testGeometry(t, 0, 0)
	bin := exactBin(g, geom.Vec{X: 123, Y: 456, Z: 78})

	first := solveBin(t, g, bin)
	for i := 0; i < 5; i++ {
		again := solveBin(t, g, bin)
		for n, p := range first.Positions {
			q := again.Positions[n]
			if p != q {
				t.Fatalf("run %d: node %v = %v, previously %v (must be byte-identical)", i, n, q, p)
			}
		}
		if again.Iterations != first.Iterations || again.ResidualNorm != first.ResidualNorm {
			t.Fatalf("run %d: diagnostics differ", i)
		}
	}
}

func TestWarmStartDoesNotChangeOptimum(t *testing.T) {
	g := testGeometry(t, 0, 0)
	target := geom.Vec{X: 200, Y: 250, Z: 90}
	bin := exactBin(g, target)
	edges := BuildEdges(bin, g)

	cold, err := Solve(Seeds(g, TagNode(0), nil), edges, DefaultSolverConfig())
	if err != nil {
		t.Fatalf("cold solve: %v", err)
	}
	warm := geom.Vec{X: 190, Y: 260, Z: 95}
	warmRes, err := Solve(Seeds(g, TagNode(0), &warm), edges, DefaultSolverConfig())
	if err != nil {
		t.Fatalf("warm solve: %v", err)
	}

	coldFixed, err := GaugeFix(cold.Positions, g)
	if err != nil {
		t.Fatalf("GaugeFix: %v", err)
	}
	warmFixed, err := GaugeFix(warmRes.Positions, g)
	if err != nil {
		t.Fatalf("GaugeFix: %v", err)
	}
	c, w := coldFixed[TagNode(0)], warmFixed[TagNode(0)]
	if math.Abs(c.X-w.X) > 1e-6 || math.Abs(c.Y-w.Y) > 1e-6 || math.Abs(c.Z-w.Z) > 1e-6 {
		t.Errorf("warm start moved the optimum: %v vs %v", c, w)
	}
}

func TestSolveRejectsEmptyEdgeSet(t *testing.T) {
	g := testGeometry(t, 0, 0)
	if _, err := Solve(Seeds(g, TagNode(0), nil), nil, DefaultSolverConfig()); err == nil {
		t.Fatal("expected error for empty edge set")
	}
}

func TestSolveRejectsUnseededEndpoint(t *testing.T) {
	g := testGeometry(t, 0, 0)
	edges := []Edge{{From: AnchorNode(0), To: TagNode(9), Vec: geom.Vec{X: 1}}}
	if _, err := Solve(Seeds(g, TagNode(0), nil), edges, DefaultSolverConfig()); err == nil {
		t.Fatal("expected error for unseeded endpoint")
	}
}

func TestSolveNumericFailureOnNaNEdge(t *testing.T) {
	g := testGeometry(t, 0, 0)
	bin := exactBin(g, geom.Vec{X: 100, Y: 100, Z: 50})
	edges := BuildEdges(bin, g)
	edges[0].Vec.X = math.NaN()

	if _, err := Solve(Seeds(g, TagNode(0), nil), edges, DefaultSolverConfig()); err == nil {
		t.Fatal("expected numeric failure for NaN edge")
	}
}

func TestNoisyMeasurementsAverageOut(t *testing.T) {
	// Symmetric per-anchor offsets cancel in the per-anchor average, so the
	// solve still lands on the true position.
	g := testGeometry(t, 0, 0)
	target := geom.Vec{X: 240, Y: 300, Z: 100}
	bin := binner.Bin{TagID: 0, PerAnchor: make(map[geom.AnchorID][]geom.Vec)}
	for id, p := range g.Positions {
		exact := target.Sub(p)
		bin.PerAnchor[id] = []geom.Vec{
			exact.Add(geom.Vec{X: 5}),
			exact.Sub(geom.Vec{X: 5}),
		}
	}

	res := solveBin(t, g, bin)
	fixed, err := GaugeFix(res.Positions, g)
	if err != nil {
		t.Fatalf("GaugeFix: %v", err)
	}
	tag := fixed[TagNode(0)]
	if math.Abs(tag.X-target.X) > 1e-6 || math.Abs(tag.Y-target.Y) > 1e-6 || math.Abs(tag.Z-target.Z) > 1e-6 {
		t.Errorf("tag = (%g, %g, %g), want (240, 300, 100)", tag.X, tag.Y, tag.Z)
	}
}
