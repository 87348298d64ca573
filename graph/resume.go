package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dshills/spice-go/bus"
	"github.com/dshills/spice-go/graph/store"
	"github.com/dshills/spice-go/message"
)

// RunStatus is the outcome classification of a checkpointed run.
type RunStatus string

const (
	// StatusSuccess means the run reached COMPLETED.
	StatusSuccess RunStatus = "SUCCESS"

	// StatusPaused means the run is WAITING with a persisted
	// checkpoint.
	StatusPaused RunStatus = "PAUSED"

	// StatusFailed means the run reached FAILED or could not proceed.
	StatusFailed RunStatus = "FAILED"
)

// RunReport is the result of a checkpointed execute or resume.
type RunReport struct {
	Status       RunStatus
	Message      message.Message
	CheckpointID string
	Interactions []HumanInteraction
	Err          error
}

// HumanInteraction describes a pending human-input request attached to
// a checkpoint.
type HumanInteraction struct {
	CheckpointID string           `json:"checkpoint_id"`
	RunID        string           `json:"run_id"`
	NodeID       string           `json:"node_id"`
	ToolCallID   string           `json:"tool_call_id"`
	Prompt       string           `json:"prompt"`
	Type         string           `json:"type"`
	Options      []string         `json:"options,omitempty"`
	Rules        *ValidationRules `json:"rules,omitempty"`
	Deadline     string           `json:"deadline,omitempty"`
	Metadata     map[string]any   `json:"metadata,omitempty"`
}

// ResumeOptions controls resume behavior.
type ResumeOptions struct {
	// ValidateExpiration enforces checkpoint TTLs, MaxCheckpointAge
	// and HITL deadlines. Default true.
	ValidateExpiration bool

	// AutoCleanup deletes the checkpoint after a terminal resume.
	// Default true.
	AutoCleanup bool

	// ThrowOnError makes misuse surface as a returned error in
	// addition to the FAILED report. Default false.
	ThrowOnError bool

	// MaxCheckpointAge, when set, rejects checkpoints older than the
	// given age even without an explicit ExpiresAt.
	MaxCheckpointAge time.Duration

	// SuppressEvents silences lifecycle publication for this resume.
	SuppressEvents bool
}

// DefaultResumeOptions is the stock preset.
func DefaultResumeOptions() ResumeOptions {
	return ResumeOptions{ValidateExpiration: true, AutoCleanup: true}
}

// SilentResumeOptions resumes without publishing lifecycle events.
func SilentResumeOptions() ResumeOptions {
	opts := DefaultResumeOptions()
	opts.SuppressEvents = true
	return opts
}

// LenientResumeOptions skips expiration checks.
func LenientResumeOptions() ResumeOptions {
	opts := DefaultResumeOptions()
	opts.ValidateExpiration = false
	return opts
}

// checkpointID derives a new checkpoint id for a run.
func checkpointID(runID string) string {
	return fmt.Sprintf("cp:%s:%d", runID, time.Now().UnixNano())
}

// rootRunID resolves the outermost run id of a (possibly nested)
// paused message.
func rootRunID(msg message.Message) string {
	if frames := readSubgraphStack(msg); len(frames) > 0 {
		return frames[len(frames)-1].ParentRunID
	}
	return msg.RunID
}

// RunWithCheckpoint executes the graph and persists a checkpoint when
// the run pauses for human input.
//
// The returned error reports infrastructure problems (checkpoint
// persistence); run failures land in the report.
func (r *Runner) RunWithCheckpoint(ctx context.Context, g *Graph, input message.Message, st store.CheckpointStore) (RunReport, error) {
	result, err := r.Execute(ctx, g, input)
	if err != nil {
		return RunReport{Status: StatusFailed, Message: result, Err: err}, nil
	}
	if result.State != message.StateWaiting {
		return RunReport{Status: StatusSuccess, Message: result}, nil
	}
	return r.saveCheckpoint(ctx, result, st)
}

// saveCheckpoint persists a WAITING message and builds the PAUSED
// report.
func (r *Runner) saveCheckpoint(ctx context.Context, waiting message.Message, st store.CheckpointStore) (RunReport, error) {
	cp := store.Checkpoint{
		ID:            checkpointID(rootRunID(waiting)),
		RunID:         rootRunID(waiting),
		GraphID:       waiting.GraphID,
		CurrentNodeID: waiting.NodeID,
		Message:       waiting,
		Timestamp:     time.Now().UTC(),
		ExpiresAt:     waiting.ExpiresAt,
	}
	if err := st.Save(ctx, cp); err != nil {
		return RunReport{Status: StatusFailed, Message: waiting, Err: err},
			NewExecutionError("persist checkpoint "+cp.ID, err)
	}
	r.publishGraphEvent(ctx, bus.GraphPaused, waiting, cp.ID, nil)
	return RunReport{
		Status:       StatusPaused,
		Message:      waiting,
		CheckpointID: cp.ID,
		Interactions: pendingInteractions(cp),
	}, nil
}

// ResumeWithHumanResponse validates the response against the paused
// node's rules and deadline, merges it into the paused message, and
// resumes the run.
//
// The response map is merged into the message data; its response text
// (selectedOption, text, user_response or response, first present) is
// what the validation rules and the node's validator predicate check.
func (r *Runner) ResumeWithHumanResponse(
	ctx context.Context,
	g *Graph,
	checkpointID string,
	response map[string]any,
	st store.CheckpointStore,
	opts ResumeOptions,
) (RunReport, error) {
	fail := func(msg message.Message, err error) (RunReport, error) {
		report := RunReport{Status: StatusFailed, Message: msg, CheckpointID: checkpointID, Err: err}
		if opts.ThrowOnError {
			return report, err
		}
		return report, nil
	}

	cp, err := st.Load(ctx, checkpointID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fail(message.Message{}, &SpiceError{
				Kind: KindValidation, Code: CodeNotFound,
				Message: "checkpoint not found: " + checkpointID,
			})
		}
		return fail(message.Message{}, NewExecutionError("load checkpoint "+checkpointID, err))
	}

	if opts.SuppressEvents {
		ctx = withSuppressedEvents(ctx)
	}

	if opts.ValidateExpiration {
		if err := validateCheckpointAge(cp, opts.MaxCheckpointAge); err != nil {
			return fail(cp.Message, err)
		}
	}

	meta := hitlRequestMeta(cp.Message)
	text, _ := responseText(response)

	if opts.ValidateExpiration {
		if err := validateHitlDeadline(meta); err != nil {
			return fail(cp.Message, err)
		}
	}
	if err := validateResponse(g, meta, text); err != nil {
		return fail(cp.Message, err)
	}

	resumed := cp.Message.WithData(response)
	result, err := r.Resume(ctx, g, resumed)

	if opts.AutoCleanup && (err != nil || result.IsTerminal()) {
		if derr := st.Delete(ctx, cp.ID); derr != nil && !errors.Is(derr, store.ErrNotFound) {
			return RunReport{Status: StatusFailed, Message: result, Err: derr},
				NewExecutionError("delete checkpoint "+cp.ID, derr)
		}
	}

	if err != nil {
		return fail(result, err)
	}
	if result.State == message.StateWaiting {
		// The run paused again; the old checkpoint was consumed, a new
		// one takes its place.
		if opts.AutoCleanup {
			if derr := st.Delete(ctx, cp.ID); derr != nil && !errors.Is(derr, store.ErrNotFound) {
				return RunReport{Status: StatusFailed, Message: result, Err: derr},
					NewExecutionError("delete checkpoint "+cp.ID, derr)
			}
		}
		return r.saveCheckpoint(ctx, result, st)
	}
	return RunReport{Status: StatusSuccess, Message: result, CheckpointID: cp.ID}, nil
}

// GetPendingInteractions lists the human-input requests a checkpoint is
// waiting on.
func (r *Runner) GetPendingInteractions(ctx context.Context, checkpointID string, st store.CheckpointStore) ([]HumanInteraction, error) {
	cp, err := st.Load(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	return pendingInteractions(cp), nil
}

// validateCheckpointAge enforces ExpiresAt and MaxCheckpointAge.
func validateCheckpointAge(cp store.Checkpoint, maxAge time.Duration) error {
	now := time.Now()
	if cp.IsExpired(now) {
		return &SpiceError{
			Kind: KindTimeout, Code: CodeExpired,
			Message: "checkpoint " + cp.ID + " has expired",
		}
	}
	if maxAge > 0 && now.Sub(cp.Timestamp) > maxAge {
		return &SpiceError{
			Kind: KindTimeout, Code: CodeExpired,
			Message: fmt.Sprintf("checkpoint %s is older than %s", cp.ID, maxAge),
		}
	}
	return nil
}

// validateHitlDeadline rejects responses arriving past the node's
// timeout.
func validateHitlDeadline(meta map[string]any) error {
	raw, _ := meta["deadline"].(string)
	if raw == "" {
		return nil
	}
	deadline, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil
	}
	if time.Now().After(deadline) {
		return NewTimeoutError("resume timeout: human response arrived after the deadline")
	}
	return nil
}

// validateResponse applies the declarative rules captured at pause time
// and the node's validator predicate when the node is reachable.
func validateResponse(g *Graph, meta map[string]any, text string) error {
	if rules := rulesFromMeta(meta); rules != nil {
		if err := rules.Check(text); err != nil {
			return err
		}
	}
	nodeID, _ := meta["node_id"].(string)
	if node := findHumanInputNode(g, nodeID); node != nil && node.Validator() != nil {
		if err := node.Validator()(text); err != nil {
			return NewValidationError("response failed validation: " + err.Error())
		}
	}
	return nil
}

// responseText extracts the value validated against rules and
// predicates.
func responseText(response map[string]any) (string, bool) {
	for _, key := range []string{"selectedOption", "text", "user_response", "response"} {
		if s, ok := response[key].(string); ok {
			return s, true
		}
	}
	return "", false
}

// hitlRequestMeta reads the pause request metadata from the message.
func hitlRequestMeta(msg message.Message) map[string]any {
	if meta, ok := msg.Data[dataKeyHitlRequest].(map[string]any); ok {
		return meta
	}
	return nil
}

// rulesFromMeta rebuilds ValidationRules from the (JSON round-tripped)
// metadata map.
func rulesFromMeta(meta map[string]any) *ValidationRules {
	raw, ok := meta["validation_rules"]
	if !ok {
		return nil
	}
	if rules, ok := raw.(*ValidationRules); ok {
		return rules
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var rules ValidationRules
	if err := json.Unmarshal(encoded, &rules); err != nil {
		return nil
	}
	return &rules
}

// findHumanInputNode locates the paused node in the graph, descending
// into subgraphs.
func findHumanInputNode(g *Graph, nodeID string) *HumanInputNode {
	if nodeID == "" {
		return nil
	}
	if node, ok := g.Node(nodeID); ok {
		if hitl, ok := node.(*HumanInputNode); ok {
			return hitl
		}
	}
	for _, node := range g.nodes {
		if sub, ok := node.(*SubgraphNode); ok {
			if found := findHumanInputNode(sub.ChildGraph(), nodeID); found != nil {
				return found
			}
		}
	}
	return nil
}

// pendingInteractions extracts the human-input requests from a
// checkpointed message.
func pendingInteractions(cp store.Checkpoint) []HumanInteraction {
	meta := hitlRequestMeta(cp.Message)
	if meta == nil {
		return nil
	}
	interaction := HumanInteraction{
		CheckpointID: cp.ID,
		RunID:        stringFrom(meta, "run_id"),
		NodeID:       stringFrom(meta, "node_id"),
		Prompt:       stringFrom(meta, "prompt"),
		Type:         stringFrom(meta, "type"),
		Deadline:     stringFrom(meta, "deadline"),
		Rules:        rulesFromMeta(meta),
	}
	if tc, ok := cp.Message.FindToolCall(message.HitlRequestFunction); ok {
		interaction.ToolCallID = tc.ID
	}
	switch opts := meta["options"].(type) {
	case []string:
		interaction.Options = opts
	case []any:
		for _, o := range opts {
			if s, ok := o.(string); ok {
				interaction.Options = append(interaction.Options, s)
			}
		}
	}
	if extra, ok := meta["extra"].(map[string]any); ok {
		interaction.Metadata = extra
	}
	return []HumanInteraction{interaction}
}

func stringFrom(meta map[string]any, key string) string {
	s, _ := meta[key].(string)
	return s
}
