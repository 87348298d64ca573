package graph

import (
	"context"
	"fmt"

	"github.com/dshills/spice-go/message"
)

// Data keys written by the decision node so downstream nodes and audits
// can see how routing was decided.
const (
	DataKeyDecisionResult = "_decisionResult"
	DataKeyDecisionTarget = "_decisionTarget"
	DataKeyDecisionEngine = "_decisionEngine"
	DataKeyDecisionNodeID = "_decisionNodeId"
)

// DecisionEngine classifies a message into a typed result used for
// routing. Implementations range from simple predicates to LLM-backed
// classifiers.
type DecisionEngine interface {
	// Name identifies the engine in audit data.
	Name() string

	// Decide maps the message to a routing result.
	Decide(ctx context.Context, msg message.Message) (string, error)
}

// DecisionFunc adapts a function into a DecisionEngine.
type DecisionFunc struct {
	EngineName string
	Fn         func(ctx context.Context, msg message.Message) (string, error)
}

// Name implements DecisionEngine.
func (d DecisionFunc) Name() string { return d.EngineName }

// Decide implements DecisionEngine.
func (d DecisionFunc) Decide(ctx context.Context, msg message.Message) (string, error) {
	return d.Fn(ctx, msg)
}

// DecisionNode routes execution by mapping a decision engine's result
// to a target node id.
//
// The mapping table is consulted first; when the result has no mapping
// the Otherwise target applies. With neither, the node fails with a
// ROUTING_ERROR naming the unmapped result.
type DecisionNode struct {
	nodeID    string
	engine    DecisionEngine
	routes    map[string]string
	otherwise string
}

// NewDecisionNode creates a decision node with the given result→target
// table. Otherwise may be empty, in which case unmapped results fail.
func NewDecisionNode(nodeID string, engine DecisionEngine, routes map[string]string, otherwise string) *DecisionNode {
	copied := make(map[string]string, len(routes))
	for k, v := range routes {
		copied[k] = v
	}
	return &DecisionNode{nodeID: nodeID, engine: engine, routes: copied, otherwise: otherwise}
}

// ID implements Node.
func (n *DecisionNode) ID() string { return n.nodeID }

// Run implements Node. On success the resolved target is recorded in
// the message data; the runner routes to it in preference to edges.
func (n *DecisionNode) Run(ctx context.Context, msg message.Message) (message.Message, error) {
	if n.engine == nil {
		return msg, NewRoutingError("decision node " + n.nodeID + " has no engine")
	}
	result, err := n.engine.Decide(ctx, msg)
	if err != nil {
		return msg, NewExecutionError("decision engine "+n.engine.Name()+" failed", err)
	}
	target, ok := n.routes[result]
	if !ok {
		if n.otherwise == "" {
			return msg, NewRoutingError(fmt.Sprintf(
				"decision node %s: no route for result %q and no fallback", n.nodeID, result))
		}
		target = n.otherwise
	}
	return msg.WithData(map[string]any{
		DataKeyDecisionResult: result,
		DataKeyDecisionTarget: target,
		DataKeyDecisionEngine: n.engine.Name(),
		DataKeyDecisionNodeID: n.nodeID,
	}), nil
}
