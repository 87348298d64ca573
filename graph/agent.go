package graph

import (
	"context"

	"github.com/dshills/spice-go/message"
)

// Agent is the external collaborator contract for LLM-backed (or any
// other) conversational processors. Concrete providers live outside
// this module; the engine only drives the interface.
type Agent interface {
	// ID returns the agent's unique identifier.
	ID() string

	// Name returns a human-readable agent name.
	Name() string

	// Capabilities describes what the agent can do, for routing and
	// discovery purposes.
	Capabilities() []string

	// ProcessMessage handles one message and returns the agent's reply.
	ProcessMessage(ctx context.Context, msg message.Message) (message.Message, error)
}

// AgentNode invokes an Agent with the incoming message and forwards the
// agent's reply. The reply inherits the input's execution state so the
// runner keeps driving it.
type AgentNode struct {
	nodeID string
	agent  Agent
}

// NewAgentNode creates an agent-backed node.
func NewAgentNode(nodeID string, agent Agent) *AgentNode {
	return &AgentNode{nodeID: nodeID, agent: agent}
}

// ID implements Node.
func (n *AgentNode) ID() string { return n.nodeID }

// Agent returns the wrapped agent.
func (n *AgentNode) Agent() Agent { return n.agent }

// Run implements Node.
func (n *AgentNode) Run(ctx context.Context, msg message.Message) (message.Message, error) {
	if n.agent == nil {
		return msg, NewAgentError("agent node "+n.nodeID+" has no agent", nil)
	}
	reply, err := n.agent.ProcessMessage(ctx, msg)
	if err != nil {
		return msg, NewAgentError("agent "+n.agent.ID()+" failed", err)
	}
	// The agent produces a conversational reply; execution state and
	// graph context are owned by the runner, so carry them over.
	reply.State = msg.State
	reply.StateHistory = append([]message.StateTransition(nil), msg.StateHistory...)
	reply = reply.WithGraphContext(msg.GraphID, msg.NodeID, msg.RunID)
	return reply, nil
}
