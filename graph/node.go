package graph

import (
	"context"

	"github.com/dshills/spice-go/message"
)

// Node is a processing unit in the workflow graph.
//
// A node receives the current message, performs its work, and returns
// the resulting message. Nodes never mutate the input: they derive new
// messages through the message package's With* operations. The runner
// inspects the returned state to decide whether to continue, pause for
// human input, complete, or fail.
type Node interface {
	// ID returns the node's unique identifier within its graph.
	ID() string

	// Run executes the node's logic. The input message is RUNNING
	// (the state-transition middleware guarantees it); the returned
	// message stays RUNNING to continue, or transitions to WAITING,
	// COMPLETED or FAILED.
	Run(ctx context.Context, msg message.Message) (message.Message, error)
}

// NodeFunc adapts a plain function into a Node.
type NodeFunc struct {
	NodeID string
	Fn     func(ctx context.Context, msg message.Message) (message.Message, error)
}

// ID implements Node.
func (n NodeFunc) ID() string { return n.NodeID }

// Run implements Node.
func (n NodeFunc) Run(ctx context.Context, msg message.Message) (message.Message, error) {
	return n.Fn(ctx, msg)
}

// NewNodeFunc creates a function-backed node.
func NewNodeFunc(id string, fn func(ctx context.Context, msg message.Message) (message.Message, error)) NodeFunc {
	return NodeFunc{NodeID: id, Fn: fn}
}
