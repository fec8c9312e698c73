package pgo

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/banshee-data/position.report/internal/binner"
	"github.com/banshee-data/position.report/internal/geom"
)

func testGeometry(t *testing.T, yaw, tilt float64) *geom.Geometry {
	t.Helper()
	anchors := map[geom.AnchorID]geom.AnchorConfig{
		0: {Position: geom.Vec{X: 480, Y: 600, Z: 239}, YawDeg: yaw, TiltDeg: tilt},
		1: {Position: geom.Vec{X: 0, Y: 600, Z: 239}, YawDeg: yaw, TiltDeg: tilt},
		2: {Position: geom.Vec{X: 480, Y: 0, Z: 239}, YawDeg: yaw, TiltDeg: tilt},
		3: {Position: geom.Vec{X: 0, Y: 0, Z: 239}, YawDeg: yaw, TiltDeg: tilt},
	}
	g, err := geom.New(anchors)
	if err != nil {
		t.Fatalf("geom.New: %v", err)
	}
	return g
}

func TestBuildEdgesReusesAnchorEdgesVerbatim(t *testing.T) {
	g := testGeometry(t, 0, 0)
	bin := binner.Bin{
		TagID:     0,
		PerAnchor: map[geom.AnchorID][]geom.Vec{0: {{X: 1}}},
	}

	edges := BuildEdges(bin, g)
	if len(edges) != len(g.AnchorEdges)+1 {
		t.Fatalf("edge count = %d, want %d", len(edges), len(g.AnchorEdges)+1)
	}
	for i, ae := range g.AnchorEdges {
		e := edges[i]
		if e.From != AnchorNode(ae.From) || e.To != AnchorNode(ae.To) || e.Vec != ae.Vec {
			t.Errorf("edge %d = %+v, want anchor edge %+v", i, e, ae)
		}
	}
}

func TestBuildEdgesRotatesAveragedLocalVector(t *testing.T) {
	// Anchors yawed 90 degrees: a local x-hat measurement becomes global
	// y-hat.
	g := testGeometry(t, 90, 0)
	bin := binner.Bin{
		TagID: 0,
		PerAnchor: map[geom.AnchorID][]geom.Vec{
			2: {{X: 100}, {X: 300}}, // average 200 along local x
		},
	}

	edges := BuildEdges(bin, g)
	tagEdge := edges[len(edges)-1]
	if tagEdge.From != AnchorNode(2) || tagEdge.To != TagNode(0) {
		t.Fatalf("tag edge endpoints = %v -> %v", tagEdge.From, tagEdge.To)
	}
	if tagEdge.Count != 2 {
		t.Errorf("tag edge count = %d, want 2", tagEdge.Count)
	}
	if math.Abs(tagEdge.Vec.X) > 1e-9 || math.Abs(tagEdge.Vec.Y-200) > 1e-9 || math.Abs(tagEdge.Vec.Z) > 1e-9 {
		t.Errorf("tag edge vec = %v, want (0, 200, 0)", tagEdge.Vec)
	}
}

func TestBuildEdgesSkipsEmptyAnchors(t *testing.T) {
	g := testGeometry(t, 0, 0)
	bin := binner.Bin{
		TagID: 0,
		PerAnchor: map[geom.AnchorID][]geom.Vec{
			0: {{X: 1}},
			1: {},
		},
	}
	edges := BuildEdges(bin, g)
	if got := CountTagEdges(edges); got != 1 {
		t.Errorf("tag edges = %d, want 1 (empty anchor must emit nothing)", got)
	}
}

func TestBuildEdgesDeterministicOrder(t *testing.T) {
	g := testGeometry(t, 0, 0)
	bin := binner.Bin{
		TagID: 0,
		PerAnchor: map[geom.AnchorID][]geom.Vec{
			3: {{X: 3}},
			0: {{X: 0}},
			2: {{X: 2}},
			1: {{X: 1}},
		},
	}
	first := BuildEdges(bin, g)
	for i := 0; i < 50; i++ {
		again := BuildEdges(bin, g)
		if diff := cmp.Diff(first, again); diff != "" {
			t.Fatalf("edge set differs between runs (-first +again):\n%s", diff)
		}
	}
}

func TestCountTagEdgesUnderconstrained(t *testing.T) {
	g := testGeometry(t, 0, 0)
	bin := binner.Bin{
		TagID:     0,
		PerAnchor: map[geom.AnchorID][]geom.Vec{0: {{X: -240, Y: -300, Z: -139}}},
	}
	edges := BuildEdges(bin, g)
	if got := CountTagEdges(edges); got != 1 {
		t.Errorf("tag edges = %d, want 1", got)
	}
}

func TestNodeString(t *testing.T) {
	if got := AnchorNode(3).String(); got != "anchor_3" {
		t.Errorf("anchor node string = %q", got)
	}
	if got := TagNode(0).String(); got != "tag_0" {
		t.Errorf("tag node string = %q", got)
	}
}
