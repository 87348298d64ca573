package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dshills/spice-go/message"
)

// dataKeyHitlRequest stores the active HITL request metadata on the
// paused message so resume-time introspection works without the graph.
const dataKeyHitlRequest = "_hitlRequest"

// dataKeyHitlInvocation tracks per-node HITL invocation counters so a
// node that pauses repeatedly inside a loop gets distinct tool-call ids
// per iteration while retries of one iteration stay idempotent.
const dataKeyHitlInvocation = "_hitl_invocation_index"

// HitlTypeInput is the interaction type for free-form or option-based
// input requests.
const HitlTypeInput = "input"

// HitlToolCallID computes the stable tool-call id for a HITL request.
//
// The format hitl_{runId}_{nodeId}_{invocationIndex} is part of the
// wire surface for external listeners; the _{index} suffix is omitted
// when the index is 0. The id is identical across retries of the same
// invocation and distinct across loop iterations.
func HitlToolCallID(runID, nodeID string, invocationIndex int) string {
	if invocationIndex == 0 {
		return fmt.Sprintf("hitl_%s_%s", runID, nodeID)
	}
	return fmt.Sprintf("hitl_%s_%s_%d", runID, nodeID, invocationIndex)
}

// HitlMetadata describes a pending human-input request. It is embedded
// in the paused message, the checkpoint, and the event published to
// external listeners.
type HitlMetadata struct {
	Type            string           `json:"type"`
	Prompt          string           `json:"prompt"`
	RunID           string           `json:"run_id"`
	NodeID          string           `json:"node_id"`
	InvocationIndex int              `json:"invocation_index"`
	Options         []string         `json:"options,omitempty"`
	ValidationRules *ValidationRules `json:"validation_rules,omitempty"`
	Deadline        string           `json:"deadline,omitempty"`
	Extra           map[string]any   `json:"extra,omitempty"`
}

// ValidationRules are the declarative constraints applied to a human
// response at resume time. They serialize into the checkpoint, unlike
// the optional predicate a HumanInputNode may also carry.
type ValidationRules struct {
	MinLength int      `json:"min_length,omitempty"`
	MaxLength int      `json:"max_length,omitempty"`
	Options   []string `json:"options,omitempty"`
}

// Check validates a response text against the rules.
func (r *ValidationRules) Check(text string) error {
	if r == nil {
		return nil
	}
	if r.MinLength > 0 && len(text) < r.MinLength {
		return NewValidationError(fmt.Sprintf(
			"response failed validation: length %d below minimum %d", len(text), r.MinLength))
	}
	if r.MaxLength > 0 && len(text) > r.MaxLength {
		return NewValidationError(fmt.Sprintf(
			"response failed validation: length %d above maximum %d", len(text), r.MaxLength))
	}
	if len(r.Options) > 0 {
		for _, opt := range r.Options {
			if text == opt {
				return nil
			}
		}
		return NewValidationError(fmt.Sprintf("response failed validation: %q is not an allowed option", text))
	}
	return nil
}

// HitlEventEmitter publishes pending human-input requests to external
// listeners (webhooks, queues, UIs). The default is a no-op: the
// request is still observable on the paused message and its checkpoint.
type HitlEventEmitter interface {
	EmitHitlRequest(ctx context.Context, meta HitlMetadata) error
}

// NoopHitlEmitter discards HITL requests.
type NoopHitlEmitter struct{}

// EmitHitlRequest implements HitlEventEmitter.
func (NoopHitlEmitter) EmitHitlRequest(context.Context, HitlMetadata) error { return nil }

// HitlTool is the built-in hitl_request_input tool. Invoking it pauses
// the run: it computes the stable tool-call id, publishes the request
// through the emitter, and returns the waiting variant the runner lifts
// into a WAITING transition.
type HitlTool struct {
	emitter HitlEventEmitter
}

// NewHitlTool creates the tool. A nil emitter defaults to no-op.
func NewHitlTool(emitter HitlEventEmitter) *HitlTool {
	if emitter == nil {
		emitter = NoopHitlEmitter{}
	}
	return &HitlTool{emitter: emitter}
}

// Name implements Tool.
func (t *HitlTool) Name() string { return message.HitlRequestFunction }

// Description implements Tool.
func (t *HitlTool) Description() string {
	return "Pause execution and request input from a human operator"
}

// Execute implements Tool.
//
// Required parameter: prompt. Optional: validation_rules, options,
// timeout (duration string or seconds), _hitl_invocation_index, and
// any extra metadata keys, which are forwarded to listeners verbatim.
func (t *HitlTool) Execute(ctx context.Context, params map[string]any, tc ToolContext) ToolResult {
	if tc.RunID == "" {
		return ToolFailure(NewMissingContextError("runId"))
	}
	if tc.NodeID == "" {
		return ToolFailure(NewMissingContextError("nodeId"))
	}
	prompt, _ := params["prompt"].(string)
	if prompt == "" {
		return ToolFailure(NewValidationError("hitl_request_input requires a prompt"))
	}

	index := tc.InvocationIndex
	if v, ok := asInt(params[dataKeyHitlInvocation]); ok {
		index = v
	}

	meta := HitlMetadata{
		Type:            HitlTypeInput,
		Prompt:          prompt,
		RunID:           tc.RunID,
		NodeID:          tc.NodeID,
		InvocationIndex: index,
	}
	if rules, ok := params["validation_rules"].(*ValidationRules); ok {
		meta.ValidationRules = rules
	}
	if opts, ok := params["options"].([]string); ok {
		meta.Options = opts
	}
	if deadline, ok := hitlDeadline(params["timeout"]); ok {
		meta.Deadline = deadline.Format(time.RFC3339Nano)
	}
	for k, v := range params {
		switch k {
		case "prompt", "validation_rules", "options", "timeout", dataKeyHitlInvocation:
		default:
			if meta.Extra == nil {
				meta.Extra = map[string]any{}
			}
			meta.Extra[k] = v
		}
	}

	if err := t.emitter.EmitHitlRequest(ctx, meta); err != nil {
		return ToolFailure(NewToolError("hitl emitter failed", err))
	}

	return ToolResult{Waiting: &HitlWaiting{
		ToolCallID: HitlToolCallID(tc.RunID, tc.NodeID, index),
		Prompt:     prompt,
		Type:       HitlTypeInput,
		Metadata:   hitlMetadataMap(meta),
	}}
}

// hitlDeadline converts a timeout parameter (duration string or number
// of seconds) to an absolute deadline.
func hitlDeadline(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Duration:
		return time.Now().UTC().Add(t), true
	case string:
		if d, err := time.ParseDuration(t); err == nil {
			return time.Now().UTC().Add(d), true
		}
	case int, int64, float64:
		if secs, ok := asInt(v); ok && secs > 0 {
			return time.Now().UTC().Add(time.Duration(secs) * time.Second), true
		}
		_ = t
	}
	return time.Time{}, false
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// hitlMetadataMap round-trips the metadata through JSON so the message
// data holds plain map values that survive checkpoint serialization.
func hitlMetadataMap(meta HitlMetadata) map[string]any {
	raw, err := json.Marshal(meta)
	if err != nil {
		return map[string]any{"prompt": meta.Prompt, "type": meta.Type}
	}
	out := map[string]any{}
	_ = json.Unmarshal(raw, &out)
	return out
}

func encodeJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
