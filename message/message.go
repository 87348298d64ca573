package message

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Well-known tool function names carried by messages.
const (
	// UserInputFunction is the function name of the tool call attached
	// by FromUserInput.
	UserInputFunction = "user_input"

	// HitlRequestFunction is the function name of the tool call a
	// human-input node injects before pausing. A WAITING message must
	// carry at least one call with this name.
	HitlRequestFunction = "hitl_request_input"

	// ToolCallIDPrefix is the required prefix of every tool-call id.
	ToolCallIDPrefix = "call_"
)

// ToolCall is a single tool invocation request attached to a message.
// Arguments is the JSON-encoded argument object.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is the canonical envelope that flows from node to node.
//
// Messages are values: every mutator returns a new Message with copied
// maps and slices, and callers must treat a received Message as
// read-only. Only the runner mutates execution fields (state, graph
// context), and it does so through the returned copies.
type Message struct {
	// ID is a unique, opaque identifier generated per construction.
	ID string `json:"id"`

	// CorrelationID groups all messages of one logical conversation.
	// It is required, non-empty, and stable across Reply.
	CorrelationID string `json:"correlation_id"`

	// CausationID is the id of the message that produced this one.
	// Empty for root messages.
	CausationID string `json:"causation_id,omitempty"`

	// Content is the human-readable payload. It may be empty only when
	// ToolCalls is non-empty.
	Content string `json:"content"`

	// Data carries structured values produced by nodes. Merged on update.
	Data map[string]any `json:"data,omitempty"`

	// ToolCalls are pending tool invocation requests.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// State is the current lifecycle state.
	State State `json:"state"`

	// StateHistory is the append-only record of every transition.
	StateHistory []StateTransition `json:"state_history,omitempty"`

	// Metadata carries cross-cutting context such as tenantId, userId,
	// sessionId and traceId.
	Metadata map[string]any `json:"metadata,omitempty"`

	// GraphID, NodeID and RunID identify the execution context.
	// Empty outside a run.
	GraphID string `json:"graph_id,omitempty"`
	NodeID  string `json:"node_id,omitempty"`
	RunID   string `json:"run_id,omitempty"`

	// From and To name the sender and recipient actors.
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`

	// Timestamp is the creation time; ExpiresAt is an optional TTL.
	Timestamp time.Time `json:"timestamp"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Option customizes message construction.
type Option func(*Message)

// WithCorrelationID sets an explicit correlation id. Without it, New
// generates one.
func WithCorrelationID(id string) Option {
	return func(m *Message) { m.CorrelationID = id }
}

// WithRecipient sets the To actor.
func WithRecipient(to string) Option {
	return func(m *Message) { m.To = to }
}

// WithExpiry sets the message TTL.
func WithExpiry(expiresAt time.Time) Option {
	return func(m *Message) { m.ExpiresAt = expiresAt }
}

// New creates a READY message with the given content and sender.
func New(content, from string, opts ...Option) Message {
	m := Message{
		ID:            uuid.NewString(),
		Content:       content,
		From:          from,
		State:         StateReady,
		Timestamp:     time.Now().UTC(),
		Data:          map[string]any{},
		Metadata:      map[string]any{},
		CorrelationID: uuid.NewString(),
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

// FromUserInput creates a READY message representing raw user input.
//
// The message carries exactly one tool call with function name
// UserInputFunction whose arguments encode the text, input type and
// metadata. The metadata map is also attached to the message itself.
func FromUserInput(text, userID string, metadata map[string]any, inputType string, opts ...Option) Message {
	m := New(text, userID, opts...)
	if metadata != nil {
		m = m.WithMetadata(metadata)
	}
	if inputType == "" {
		inputType = "text"
	}
	args, _ := json.Marshal(map[string]any{
		"text":       text,
		"input_type": inputType,
		"metadata":   metadata,
	})
	return m.WithToolCall(ToolCall{
		ID:        NewToolCallID(),
		Name:      UserInputFunction,
		Arguments: string(args),
	})
}

// NewToolCallID generates a tool-call id with the required prefix.
func NewToolCallID() string {
	return ToolCallIDPrefix + uuid.NewString()
}

// Reply creates a new READY message in the same conversation. The
// correlation id is carried over and the causation id points at m.
func (m Message) Reply(content, from string) Message {
	return Message{
		ID:            uuid.NewString(),
		CorrelationID: m.CorrelationID,
		CausationID:   m.ID,
		Content:       content,
		From:          from,
		To:            m.From,
		State:         StateReady,
		Timestamp:     time.Now().UTC(),
		Data:          map[string]any{},
		Metadata:      copyMap(m.Metadata),
	}
}

// TransitionTo validates the transition against the legal-transition
// table and returns a copy of m in the new state with the transition
// appended to the history. The receiver is left unchanged. A
// *TransitionError is returned for illegal transitions.
func (m Message) TransitionTo(to State, reason, nodeID string) (Message, error) {
	if !m.State.CanTransitionTo(to) {
		return m, &TransitionError{From: m.State, To: to}
	}
	next := m.clone()
	next.StateHistory = append(next.StateHistory, StateTransition{
		From:      m.State,
		To:        to,
		Timestamp: time.Now().UTC(),
		Reason:    reason,
		NodeID:    nodeID,
	})
	next.State = to
	return next, nil
}

// WithData merges the given values into Data and returns the updated
// copy. Existing keys not present in values are preserved.
func (m Message) WithData(values map[string]any) Message {
	next := m.clone()
	if next.Data == nil {
		next.Data = make(map[string]any, len(values))
	}
	for k, v := range values {
		next.Data[k] = v
	}
	return next
}

// WithMetadata merges the given values into Metadata and returns the
// updated copy.
func (m Message) WithMetadata(values map[string]any) Message {
	next := m.clone()
	if next.Metadata == nil {
		next.Metadata = make(map[string]any, len(values))
	}
	for k, v := range values {
		next.Metadata[k] = v
	}
	return next
}

// WithToolCall appends a single tool call.
func (m Message) WithToolCall(call ToolCall) Message {
	return m.WithToolCalls([]ToolCall{call})
}

// WithToolCalls appends tool calls in order.
func (m Message) WithToolCalls(calls []ToolCall) Message {
	next := m.clone()
	next.ToolCalls = append(next.ToolCalls, calls...)
	return next
}

// WithGraphContext sets the execution context fields.
func (m Message) WithGraphContext(graphID, nodeID, runID string) Message {
	next := m.clone()
	next.GraphID = graphID
	next.NodeID = nodeID
	next.RunID = runID
	return next
}

// WithContent replaces the content.
func (m Message) WithContent(content string) Message {
	next := m.clone()
	next.Content = content
	return next
}

// IsTerminal reports whether the message is COMPLETED or FAILED.
func (m Message) IsTerminal() bool { return m.State.IsTerminal() }

// IsWaiting reports whether the message is paused for human input.
func (m Message) IsWaiting() bool { return m.State == StateWaiting }

// IsRunning reports whether the message is being executed.
func (m Message) IsRunning() bool { return m.State == StateRunning }

// IsExpired reports whether the message TTL has passed.
func (m Message) IsExpired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && now.After(m.ExpiresAt)
}

// HasToolCall reports whether any tool call has the given function name.
func (m Message) HasToolCall(name string) bool {
	for _, tc := range m.ToolCalls {
		if tc.Name == name {
			return true
		}
	}
	return false
}

// FindToolCall returns the first tool call with the given function name.
func (m Message) FindToolCall(name string) (ToolCall, bool) {
	for _, tc := range m.ToolCalls {
		if tc.Name == name {
			return tc, true
		}
	}
	return ToolCall{}, false
}

// TenantID returns metadata["tenantId"] if it is a string.
func (m Message) TenantID() string {
	if v, ok := m.Metadata["tenantId"].(string); ok {
		return v
	}
	return ""
}

// clone returns a deep-enough copy of m: maps and slices are copied,
// values inside them are shared (they are treated as immutable).
func (m Message) clone() Message {
	next := m
	next.Data = copyMap(m.Data)
	next.Metadata = copyMap(m.Metadata)
	if m.ToolCalls != nil {
		next.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		copy(next.ToolCalls, m.ToolCalls)
	}
	if m.StateHistory != nil {
		next.StateHistory = make([]StateTransition, len(m.StateHistory))
		copy(next.StateHistory, m.StateHistory)
	}
	return next
}

func copyMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
