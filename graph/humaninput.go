package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/dshills/spice-go/message"
)

// ResponseValidator checks a human response before resume re-enters the
// graph. Unlike ValidationRules it does not serialize: it lives on the
// node and is looked up from the graph at resume time.
type ResponseValidator func(text string) error

// HumanInputNode pauses the run and requests input from a human.
//
// The node is template-driven: prompt, options, validation rules,
// timeout and extra metadata are fixed at construction and stamped onto
// every request. Executing the node injects a hitl_request_input tool
// call with a stable id and returns the message transitioned to
// WAITING; the runner checkpoints it and stops.
type HumanInputNode struct {
	nodeID    string
	prompt    string
	options   []string
	rules     *ValidationRules
	timeout   time.Duration
	extra     map[string]any
	validator ResponseValidator
	tool      *HitlTool
}

// HumanInputOption customizes a HumanInputNode.
type HumanInputOption func(*HumanInputNode)

// WithOptions restricts the response to a fixed set of choices. The
// options are also enforced at resume time.
func WithOptions(options ...string) HumanInputOption {
	return func(n *HumanInputNode) {
		n.options = options
		if n.rules == nil {
			n.rules = &ValidationRules{}
		}
		n.rules.Options = options
	}
}

// WithValidationRules attaches declarative response constraints.
func WithValidationRules(rules ValidationRules) HumanInputOption {
	return func(n *HumanInputNode) { n.rules = &rules }
}

// WithResponseValidator attaches a predicate checked at resume time.
func WithResponseValidator(v ResponseValidator) HumanInputOption {
	return func(n *HumanInputNode) { n.validator = v }
}

// WithTimeout bounds how long the pause may last. Resuming past the
// deadline fails with a timeout error.
func WithTimeout(d time.Duration) HumanInputOption {
	return func(n *HumanInputNode) { n.timeout = d }
}

// WithRequestMetadata attaches extra keys forwarded to HITL listeners.
func WithRequestMetadata(extra map[string]any) HumanInputOption {
	return func(n *HumanInputNode) { n.extra = extra }
}

// WithHitlEmitter routes the node's requests through the given emitter.
func WithHitlEmitter(e HitlEventEmitter) HumanInputOption {
	return func(n *HumanInputNode) { n.tool = NewHitlTool(e) }
}

// NewHumanInputNode creates a human-input node with the given prompt.
func NewHumanInputNode(nodeID, prompt string, opts ...HumanInputOption) *HumanInputNode {
	n := &HumanInputNode{nodeID: nodeID, prompt: prompt}
	for _, opt := range opts {
		opt(n)
	}
	if n.tool == nil {
		n.tool = NewHitlTool(nil)
	}
	return n
}

// ID implements Node.
func (n *HumanInputNode) ID() string { return n.nodeID }

// Validator returns the resume-time predicate, if any.
func (n *HumanInputNode) Validator() ResponseValidator { return n.validator }

// Rules returns the declarative constraints, if any.
func (n *HumanInputNode) Rules() *ValidationRules { return n.rules }

// invocationKey is the per-node loop counter key in message data.
func (n *HumanInputNode) invocationKey() string {
	return fmt.Sprintf("_hitlInvocations.%s", n.nodeID)
}

// Run implements Node.
func (n *HumanInputNode) Run(ctx context.Context, msg message.Message) (message.Message, error) {
	index := 0
	if v, ok := asInt(msg.Data[n.invocationKey()]); ok {
		index = v
	}

	params := map[string]any{
		"prompt":             n.prompt,
		dataKeyHitlInvocation: index,
	}
	if n.rules != nil {
		params["validation_rules"] = n.rules
	}
	if len(n.options) > 0 {
		params["options"] = n.options
	}
	if n.timeout > 0 {
		params["timeout"] = n.timeout
	}
	for k, v := range n.extra {
		params[k] = v
	}

	result := n.tool.Execute(ctx, params, ToolContext{
		RunID:           msg.RunID,
		NodeID:          n.nodeID,
		InvocationIndex: index,
	})
	if result.Err != nil {
		return msg, result.Err
	}
	if !result.IsWaiting() {
		return msg, NewToolError("hitl_request_input did not return a waiting result", nil)
	}

	// Advance the loop counter before pausing so the next iteration of
	// this node gets a fresh tool-call id. Retries of this invocation
	// re-run from the pre-pause message and keep the same id.
	msg = msg.WithData(map[string]any{n.invocationKey(): index + 1})
	return liftWaiting(msg, result.Waiting)
}
