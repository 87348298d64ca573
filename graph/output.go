package graph

import (
	"context"

	"github.com/dshills/spice-go/message"
)

// OutputSelector derives the final output value from the message data.
type OutputSelector func(data map[string]any) (any, error)

// DataKeyOutput is the data key the output node stores its selected
// value under.
const DataKeyOutput = "_output"

// OutputNode produces the run's final value and completes the message.
type OutputNode struct {
	nodeID string
	sel    OutputSelector
}

// NewOutputNode creates an output node. A nil selector passes the whole
// data map through.
func NewOutputNode(nodeID string, sel OutputSelector) *OutputNode {
	if sel == nil {
		sel = func(data map[string]any) (any, error) { return data, nil }
	}
	return &OutputNode{nodeID: nodeID, sel: sel}
}

// ID implements Node.
func (n *OutputNode) ID() string { return n.nodeID }

// Run implements Node. The selected value is stored under
// DataKeyOutput and the message transitions to COMPLETED.
func (n *OutputNode) Run(_ context.Context, msg message.Message) (message.Message, error) {
	value, err := n.sel(msg.Data)
	if err != nil {
		return msg, NewExecutionError("output selector failed in node "+n.nodeID, err)
	}
	next := msg.WithData(map[string]any{DataKeyOutput: value})
	return next.TransitionTo(message.StateCompleted, "output produced", n.nodeID)
}
