package graph

import "github.com/dshills/spice-go/message"

// Predicate guards an edge. It evaluates the message produced by the
// edge's source node. Predicates should be pure.
type Predicate func(msg message.Message) bool

// Edge is a directed connection between two nodes.
//
// Edges are evaluated in insertion order: the first guarded edge whose
// predicate is truthy wins; an unguarded, non-default edge always
// matches. When nothing matches, the source node's default edge (if
// any) is followed.
type Edge struct {
	// From is the source node id.
	From string

	// To is the destination node id.
	To string

	// When is the optional guard. Nil means the edge is unconditional.
	When Predicate

	// Default marks the fallback edge taken when no other edge from
	// the same source matches.
	Default bool
}
