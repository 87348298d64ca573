package graph

import (
	"context"

	"github.com/dshills/spice-go/message"
)

// ToolContext carries execution metadata into tool invocations.
type ToolContext struct {
	// RunID and NodeID identify the invoking execution step.
	RunID  string
	NodeID string

	// InvocationIndex distinguishes repeated invocations of the same
	// tool within one node across loop iterations. Stable across
	// retries of the same iteration.
	InvocationIndex int

	// Message is the message being processed when the tool was invoked.
	Message message.Message
}

// ToolResult is the outcome of a tool invocation.
//
// Exactly one of the three variants applies: success (Data), error
// (Err), or waiting-for-human (Waiting).
type ToolResult struct {
	// Data holds the successful result values, merged into the
	// message's data by the tool node.
	Data map[string]any

	// Err holds the failure for the error variant.
	Err error

	// Waiting, when non-nil, signals that the tool requires human
	// input before the run can continue.
	Waiting *HitlWaiting
}

// HitlWaiting is the waiting variant payload: the stable tool-call id,
// the prompt shown to the human, the HITL interaction type, and the
// request metadata published to external listeners.
type HitlWaiting struct {
	ToolCallID string         `json:"tool_call_id"`
	Prompt     string         `json:"prompt"`
	Type       string         `json:"type"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// ToolSuccess builds the success variant.
func ToolSuccess(data map[string]any) ToolResult { return ToolResult{Data: data} }

// ToolFailure builds the error variant.
func ToolFailure(err error) ToolResult { return ToolResult{Err: err} }

// IsWaiting reports whether the result is the waiting variant.
func (r ToolResult) IsWaiting() bool { return r.Waiting != nil }

// Tool is the external collaborator contract for callable tools.
type Tool interface {
	// Name returns the tool's function name.
	Name() string

	// Description returns a human-readable description.
	Description() string

	// Execute runs the tool with the given parameters.
	Execute(ctx context.Context, params map[string]any, tc ToolContext) ToolResult
}

// ParamsProjector builds tool parameters from the incoming message.
type ParamsProjector func(msg message.Message) map[string]any

// ToolNode invokes a Tool and merges its result into the message data.
type ToolNode struct {
	nodeID  string
	tool    Tool
	project ParamsProjector
}

// NewToolNode creates a tool-backed node. The projector derives the
// tool parameters from the message; a nil projector passes the
// message's data map unchanged.
func NewToolNode(nodeID string, tool Tool, project ParamsProjector) *ToolNode {
	if project == nil {
		project = func(msg message.Message) map[string]any { return msg.Data }
	}
	return &ToolNode{nodeID: nodeID, tool: tool, project: project}
}

// ID implements Node.
func (n *ToolNode) ID() string { return n.nodeID }

// Tool returns the wrapped tool.
func (n *ToolNode) Tool() Tool { return n.tool }

// Run implements Node.
func (n *ToolNode) Run(ctx context.Context, msg message.Message) (message.Message, error) {
	if n.tool == nil {
		return msg, NewToolError("tool node "+n.nodeID+" has no tool", nil)
	}
	result := n.tool.Execute(ctx, n.project(msg), ToolContext{
		RunID:   msg.RunID,
		NodeID:  n.nodeID,
		Message: msg,
	})
	switch {
	case result.Err != nil:
		return msg, NewToolError("tool "+n.tool.Name()+" failed", result.Err)
	case result.IsWaiting():
		return liftWaiting(msg, result.Waiting)
	default:
		return msg.WithData(result.Data), nil
	}
}

// liftWaiting attaches the HITL request tool call and transitions the
// message to WAITING so the runner checkpoints and pauses.
func liftWaiting(msg message.Message, w *HitlWaiting) (message.Message, error) {
	hitlMeta := map[string]any{}
	for k, v := range w.Metadata {
		hitlMeta[k] = v
	}
	hitlMeta["prompt"] = w.Prompt
	hitlMeta["type"] = w.Type
	next := msg.WithToolCall(message.ToolCall{
		ID:        w.ToolCallID,
		Name:      message.HitlRequestFunction,
		Arguments: encodeJSON(hitlMeta),
	})
	next = next.WithData(map[string]any{dataKeyHitlRequest: hitlMeta})
	return next.TransitionTo(message.StateWaiting, "awaiting human input", msg.NodeID)
}
