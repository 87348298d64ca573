package graph

import "github.com/dshills/spice-go/message"

// Graph is the static topology a runner executes: nodes, edges and an
// entry point. Graphs are built once and shared read-only between runs;
// all mutable execution state lives in the message and the checkpoint
// store.
type Graph struct {
	id         string
	nodes      map[string]Node
	edges      []Edge
	entryPoint string
}

// NewGraph creates an empty graph with the given id.
func NewGraph(id string) *Graph {
	return &Graph{id: id, nodes: make(map[string]Node)}
}

// ID returns the graph id.
func (g *Graph) ID() string { return g.id }

// EntryPoint returns the id of the node execution starts at.
func (g *Graph) EntryPoint() string { return g.entryPoint }

// Node returns the node with the given id.
func (g *Graph) Node(id string) (Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Add registers a node. The first node added becomes the entry point
// unless SetEntryPoint overrides it. Duplicate ids are rejected.
func (g *Graph) Add(node Node) error {
	if node == nil {
		return NewValidationError("node cannot be nil")
	}
	id := node.ID()
	if id == "" {
		return NewValidationError("node id cannot be empty")
	}
	if _, exists := g.nodes[id]; exists {
		return NewValidationError("duplicate node id: " + id)
	}
	g.nodes[id] = node
	if g.entryPoint == "" {
		g.entryPoint = id
	}
	return nil
}

// MustAdd is Add for graph-construction code that treats topology
// errors as programming bugs.
func (g *Graph) MustAdd(node Node) *Graph {
	if err := g.Add(node); err != nil {
		panic(err)
	}
	return g
}

// SetEntryPoint selects the node execution starts at.
func (g *Graph) SetEntryPoint(nodeID string) error {
	if _, ok := g.nodes[nodeID]; !ok {
		return NewValidationError("entry point does not exist: " + nodeID)
	}
	g.entryPoint = nodeID
	return nil
}

// Connect adds a guarded edge. A nil predicate makes the edge
// unconditional.
func (g *Graph) Connect(from, to string, when Predicate) error {
	if from == "" || to == "" {
		return NewValidationError("edge endpoints cannot be empty")
	}
	g.edges = append(g.edges, Edge{From: from, To: to, When: when})
	return nil
}

// ConnectDefault adds the fallback edge taken when no other edge from
// the source matches.
func (g *Graph) ConnectDefault(from, to string) error {
	if from == "" || to == "" {
		return NewValidationError("edge endpoints cannot be empty")
	}
	g.edges = append(g.edges, Edge{From: from, To: to, Default: true})
	return nil
}

// NextNode resolves the node to execute after from, given the message
// the source node produced. Guarded and unconditional edges are checked
// in insertion order, then the default edge. An empty result means no
// route exists.
func (g *Graph) NextNode(from string, msg message.Message) string {
	var fallback string
	for _, e := range g.edges {
		if e.From != from {
			continue
		}
		if e.Default {
			if fallback == "" {
				fallback = e.To
			}
			continue
		}
		if e.When == nil || e.When(msg) {
			return e.To
		}
	}
	return fallback
}

// Validate checks that the graph is runnable: it has an entry point and
// every edge endpoint refers to a registered node.
func (g *Graph) Validate() error {
	if g.entryPoint == "" {
		return NewValidationError("graph has no entry point")
	}
	if _, ok := g.nodes[g.entryPoint]; !ok {
		return NewValidationError("entry point does not exist: " + g.entryPoint)
	}
	for _, e := range g.edges {
		if _, ok := g.nodes[e.From]; !ok {
			return NewValidationError("edge source does not exist: " + e.From)
		}
		if _, ok := g.nodes[e.To]; !ok {
			return NewValidationError("edge target does not exist: " + e.To)
		}
	}
	return nil
}
