// Package pgo builds and solves the pose graph: rigid anchor-to-anchor edges
// plus averaged anchor-to-tag edges, nonlinear least squares over all node
// positions, and a gauge-fixing similarity transform that locks the anchors
// back onto their ground-truth positions.
package pgo

import (
	"fmt"

	"github.com/banshee-data/position.report/internal/binner"
	"github.com/banshee-data/position.report/internal/geom"
)

// NodeKind discriminates the two node flavours in the graph.
type NodeKind uint8

const (
	KindAnchor NodeKind = iota
	KindTag
)

// Node identifies a graph node: a fixed anchor slot or a mobile tag slot.
// Comparable, so it can key maps directly; no string parsing anywhere on the
// solve path.
type Node struct {
	Kind NodeKind
	ID   uint32
}

// AnchorNode returns the node for an anchor slot.
func AnchorNode(id geom.AnchorID) Node {
	return Node{Kind: KindAnchor, ID: uint32(id)}
}

// TagNode returns the node for a tag slot.
func TagNode(id binner.TagID) Node {
	return Node{Kind: KindTag, ID: uint32(id)}
}

// String renders a stable label ("anchor_3", "tag_0") for logs and storage.
func (n Node) String() string {
	switch n.Kind {
	case KindAnchor:
		return fmt.Sprintf("anchor_%d", n.ID)
	case KindTag:
		return fmt.Sprintf("tag_%d", n.ID)
	}
	return fmt.Sprintf("node_%d", n.ID)
}

// Edge asserts the displacement To-From in the global frame. Count records
// how many raw measurements were averaged into the edge (1 for the rigid
// anchor edges); the solver weighs all edges uniformly, Count is a quality
// signal for consumers.
type Edge struct {
	From  Node
	To    Node
	Vec   geom.Vec
	Count int
}
