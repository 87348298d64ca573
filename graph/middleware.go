package graph

import (
	"context"
	"fmt"

	"github.com/dshills/spice-go/message"
)

// ErrorActionKind enumerates what a middleware may do with a node
// failure.
type ErrorActionKind int

const (
	// ActionPropagate passes the failure on unchanged.
	ActionPropagate ErrorActionKind = iota

	// ActionSkip swallows the failure and continues with the message
	// the node received.
	ActionSkip

	// ActionRetry asks the runner to retry the node immediately,
	// outside the retry-policy budget.
	ActionRetry

	// ActionFallback substitutes a replacement message and treats the
	// node as having succeeded with it.
	ActionFallback
)

// ErrorAction is a middleware's verdict on a node failure. The chain
// takes the first non-propagate verdict.
type ErrorAction struct {
	Kind     ErrorActionKind
	Fallback message.Message
}

// Propagate passes the failure on.
func Propagate() ErrorAction { return ErrorAction{Kind: ActionPropagate} }

// Skip swallows the failure.
func Skip() ErrorAction { return ErrorAction{Kind: ActionSkip} }

// RetryNode requests an immediate retry.
func RetryNode() ErrorAction { return ErrorAction{Kind: ActionRetry} }

// Fallback substitutes msg for the failed node's output.
func Fallback(msg message.Message) ErrorAction {
	return ErrorAction{Kind: ActionFallback, Fallback: msg}
}

// Middleware hooks around each node execution.
type Middleware interface {
	// BeforeNode runs before the node; returning an error is treated
	// as a node failure.
	BeforeNode(ctx context.Context, msg message.Message) (message.Message, error)

	// AfterNode runs on the node's successful result.
	AfterNode(ctx context.Context, msg message.Message) (message.Message, error)

	// OnError inspects a node failure and may skip, retry or replace it.
	OnError(ctx context.Context, nodeID string, msg message.Message, err error) ErrorAction
}

// NopMiddleware implements Middleware with pass-through behavior.
// Embed it to implement only the hooks you need.
type NopMiddleware struct{}

// BeforeNode implements Middleware.
func (NopMiddleware) BeforeNode(_ context.Context, msg message.Message) (message.Message, error) {
	return msg, nil
}

// AfterNode implements Middleware.
func (NopMiddleware) AfterNode(_ context.Context, msg message.Message) (message.Message, error) {
	return msg, nil
}

// OnError implements Middleware.
func (NopMiddleware) OnError(context.Context, string, message.Message, error) ErrorAction {
	return Propagate()
}

// Chain composes middlewares in insertion order.
type Chain struct {
	middlewares []Middleware
}

// NewChain creates a chain.
func NewChain(middlewares ...Middleware) *Chain {
	return &Chain{middlewares: middlewares}
}

// Use appends a middleware.
func (c *Chain) Use(m Middleware) { c.middlewares = append(c.middlewares, m) }

// BeforeNode runs every BeforeNode hook in order, threading the message
// through. The first error aborts the chain.
func (c *Chain) BeforeNode(ctx context.Context, msg message.Message) (message.Message, error) {
	var err error
	for _, m := range c.middlewares {
		if msg, err = m.BeforeNode(ctx, msg); err != nil {
			return msg, err
		}
	}
	return msg, nil
}

// AfterNode runs every AfterNode hook in order.
func (c *Chain) AfterNode(ctx context.Context, msg message.Message) (message.Message, error) {
	var err error
	for _, m := range c.middlewares {
		if msg, err = m.AfterNode(ctx, msg); err != nil {
			return msg, err
		}
	}
	return msg, nil
}

// OnError consults the middlewares in order; the first non-propagate
// verdict wins.
func (c *Chain) OnError(ctx context.Context, nodeID string, msg message.Message, err error) ErrorAction {
	for _, m := range c.middlewares {
		if action := m.OnError(ctx, nodeID, msg, err); action.Kind != ActionPropagate {
			return action
		}
	}
	return Propagate()
}

// StateTransitionMiddleware enforces the message state machine around
// every node. It is mandatory: the runner installs it first in every
// chain.
type StateTransitionMiddleware struct {
	NopMiddleware
	validator *message.Validator
}

// NewStateTransitionMiddleware creates the middleware.
func NewStateTransitionMiddleware() *StateTransitionMiddleware {
	return &StateTransitionMiddleware{validator: message.NewValidator()}
}

// BeforeNode transitions READY messages to RUNNING and re-validates the
// transition history.
func (m *StateTransitionMiddleware) BeforeNode(_ context.Context, msg message.Message) (message.Message, error) {
	if msg.State == message.StateReady {
		next, err := msg.TransitionTo(message.StateRunning, "Node execution started", msg.NodeID)
		if err != nil {
			return msg, NewValidationError(err.Error())
		}
		msg = next
	}
	return msg, m.checkHistory(msg)
}

// AfterNode re-validates the transition history on the node's result.
func (m *StateTransitionMiddleware) AfterNode(_ context.Context, msg message.Message) (message.Message, error) {
	return msg, m.checkHistory(msg)
}

func (m *StateTransitionMiddleware) checkHistory(msg message.Message) error {
	for _, ve := range m.validator.Validate(msg) {
		if ve.Field == "state_history" {
			return NewValidationError(ve.Message)
		}
	}
	return nil
}

// DeadLetterHandler receives messages that violated a policy.
type DeadLetterHandler interface {
	HandleDeadLetter(ctx context.Context, msg message.Message, reason string)
}

// DeadLetterHandlerFunc adapts a function into a DeadLetterHandler.
type DeadLetterHandlerFunc func(ctx context.Context, msg message.Message, reason string)

// HandleDeadLetter implements DeadLetterHandler.
func (f DeadLetterHandlerFunc) HandleDeadLetter(ctx context.Context, msg message.Message, reason string) {
	f(ctx, msg, reason)
}

// ToolPolicy names the tags a caller must hold to invoke a tool.
type ToolPolicy struct {
	ToolName     string
	RequiredTags []string
}

// MetadataKeyToolTags is the message metadata key listing the tags the
// caller holds.
const MetadataKeyToolTags = "toolTags"

// ToolPolicyMiddleware rejects tool calls whose required tags the
// message does not hold. Violations append an error-report tool call,
// go to the dead-letter handler, and fail the node with a tool error.
type ToolPolicyMiddleware struct {
	NopMiddleware
	policies map[string]ToolPolicy
	dead     DeadLetterHandler
}

// NewToolPolicyMiddleware creates the middleware. A nil handler
// disables dead-letter routing.
func NewToolPolicyMiddleware(policies []ToolPolicy, dead DeadLetterHandler) *ToolPolicyMiddleware {
	byName := make(map[string]ToolPolicy, len(policies))
	for _, p := range policies {
		byName[p.ToolName] = p
	}
	return &ToolPolicyMiddleware{policies: byName, dead: dead}
}

// BeforeNode implements Middleware.
func (m *ToolPolicyMiddleware) BeforeNode(ctx context.Context, msg message.Message) (message.Message, error) {
	granted := grantedTags(msg)
	for _, tc := range msg.ToolCalls {
		policy, ok := m.policies[tc.Name]
		if !ok {
			continue
		}
		if missing := missingTags(policy.RequiredTags, granted); len(missing) != 0 {
			reason := fmt.Sprintf("tool %s requires tags %v", tc.Name, missing)
			reported := msg.WithToolCall(message.ToolCall{
				ID:        message.NewToolCallID(),
				Name:      "error_report",
				Arguments: encodeJSON(map[string]any{"tool": tc.Name, "reason": reason}),
			})
			if m.dead != nil {
				m.dead.HandleDeadLetter(ctx, reported, reason)
			}
			return reported, NewToolError(reason, nil)
		}
	}
	return msg, nil
}

func grantedTags(msg message.Message) map[string]bool {
	tags := map[string]bool{}
	switch v := msg.Metadata[MetadataKeyToolTags].(type) {
	case []string:
		for _, t := range v {
			tags[t] = true
		}
	case []any:
		for _, t := range v {
			if s, ok := t.(string); ok {
				tags[s] = true
			}
		}
	}
	return tags
}

func missingTags(required []string, granted map[string]bool) []string {
	var missing []string
	for _, t := range required {
		if !granted[t] {
			missing = append(missing, t)
		}
	}
	return missing
}

// MessageTransformer is the host-supplied hook pair for context
// injection (authentication, tracing, subgraph context).
type MessageTransformer interface {
	// Name identifies the transformer in failure reports.
	Name() string

	// BeforeExecution runs before each node.
	BeforeExecution(ctx context.Context, msg message.Message) (message.Message, error)

	// AfterExecution runs after each node.
	AfterExecution(ctx context.Context, msg message.Message) (message.Message, error)

	// ContinueOnFailure marks the transformer non-critical: its
	// failures are recorded on the message instead of halting the run.
	ContinueOnFailure() bool
}

// TransformerMiddleware adapts MessageTransformers into the chain.
type TransformerMiddleware struct {
	NopMiddleware
	transformers []MessageTransformer
}

// NewTransformerMiddleware creates the adapter.
func NewTransformerMiddleware(transformers ...MessageTransformer) *TransformerMiddleware {
	return &TransformerMiddleware{transformers: transformers}
}

// BeforeNode implements Middleware.
func (m *TransformerMiddleware) BeforeNode(ctx context.Context, msg message.Message) (message.Message, error) {
	return m.apply(ctx, msg, func(t MessageTransformer, msg message.Message) (message.Message, error) {
		return t.BeforeExecution(ctx, msg)
	})
}

// AfterNode implements Middleware.
func (m *TransformerMiddleware) AfterNode(ctx context.Context, msg message.Message) (message.Message, error) {
	return m.apply(ctx, msg, func(t MessageTransformer, msg message.Message) (message.Message, error) {
		return t.AfterExecution(ctx, msg)
	})
}

func (m *TransformerMiddleware) apply(
	_ context.Context,
	msg message.Message,
	run func(t MessageTransformer, msg message.Message) (message.Message, error),
) (message.Message, error) {
	for _, t := range m.transformers {
		next, err := run(t, msg)
		if err != nil {
			if t.ContinueOnFailure() {
				msg = msg.WithMetadata(map[string]any{
					"transformerFailure." + t.Name(): err.Error(),
				})
				continue
			}
			return msg, NewExecutionError("transformer "+t.Name()+" failed", err)
		}
		msg = next
	}
	return msg, nil
}
