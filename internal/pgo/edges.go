package pgo

import (
	"sort"

	"github.com/banshee-data/position.report/internal/binner"
	"github.com/banshee-data/position.report/internal/geom"
)

// BuildEdges converts one bin plus the anchor geometry into the edge set for
// a solve: the full rigid anchor-anchor set reused verbatim (anchor positions
// are already global), then one averaged, rotated anchor-tag edge per anchor
// that contributed measurements.
//
// Anchors with no measurements in the bin emit nothing. If fewer than two
// anchors contributed, the tag is underconstrained; the edge set is still
// returned and the caller surfaces the anchor-edge count as a quality metric.
func BuildEdges(bin binner.Bin, g *geom.Geometry) []Edge {
	edges := make([]Edge, 0, len(g.AnchorEdges)+len(bin.PerAnchor))

	for _, ae := range g.AnchorEdges {
		edges = append(edges, Edge{
			From:  AnchorNode(ae.From),
			To:    AnchorNode(ae.To),
			Vec:   ae.Vec,
			Count: 1,
		})
	}

	tag := TagNode(bin.TagID)

	// Deterministic anchor order so identical bins produce identical edge
	// sets (and therefore byte-identical solves).
	ids := make([]geom.AnchorID, 0, len(bin.PerAnchor))
	for id := range bin.PerAnchor {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		locals := bin.PerAnchor[id]
		if len(locals) == 0 {
			continue
		}
		var sum geom.Vec
		for _, v := range locals {
			sum = sum.Add(v)
		}
		avg := sum.Scale(1 / float64(len(locals)))
		edges = append(edges, Edge{
			From:  AnchorNode(id),
			To:    tag,
			Vec:   geom.Rotate(g.Rotations[id], avg),
			Count: len(locals),
		})
	}

	return edges
}

// CountTagEdges returns how many anchor-tag edges the set contains. Fewer
// than two means the tag solve is underconstrained.
func CountTagEdges(edges []Edge) int {
	n := 0
	for _, e := range edges {
		if e.To.Kind == KindTag || e.From.Kind == KindTag {
			n++
		}
	}
	return n
}
