package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dshills/spice-go/message"
)

// Metadata and data keys used by subgraph execution.
const (
	// MetadataKeySubgraphStack holds the pause frames of nested
	// subgraphs so resume can unwind through all levels.
	MetadataKeySubgraphStack = "subgraphStack"

	// MetadataKeyPreserveKeys names the metadata keys propagated into
	// child subgraphs. All other parent metadata stays isolated.
	MetadataKeyPreserveKeys = "preserveKeys"

	// metadataKeySubgraphDepth tracks nesting depth for MaxDepth
	// enforcement.
	metadataKeySubgraphDepth = "_subgraphDepth"

	// DataKeyLastSubgraphDuration and DataKeyLastSubgraphID record the
	// most recent child execution on the parent message.
	DataKeyLastSubgraphDuration = "lastSubgraphDuration"
	DataKeyLastSubgraphID       = "lastSubgraphId"
)

// DefaultMaxSubgraphDepth bounds subgraph nesting.
const DefaultMaxSubgraphDepth = 10

// SubgraphCheckpointContext is one pause frame: it records where a
// child execution paused and which parent node owns it, so a resume
// can reattach level by level.
type SubgraphCheckpointContext struct {
	ParentRunID   string `json:"parent_run_id"`
	ParentGraphID string `json:"parent_graph_id"`
	ParentNodeID  string `json:"parent_node_id"`
	ChildRunID    string `json:"child_run_id"`
	ChildGraphID  string `json:"child_graph_id"`
	ChildNodeID   string `json:"child_node_id"`
	PausedAt      string `json:"paused_at"`
}

// SubgraphNode executes a nested graph as a single node of the parent.
//
// The child runs under a derived run id
// {parentRunId}:subgraph:{childGraphId}:{nanos} with metadata isolated
// except for the keys named by the parent's preserveKeys metadata. A
// child pause pushes a SubgraphCheckpointContext frame onto the
// parent's subgraph stack; child completion merges the child's data
// back into the parent, applying the optional output mapping.
type SubgraphNode struct {
	nodeID   string
	child    *Graph
	runner   *Runner
	maxDepth int
	mapping  map[string]string
}

// SubgraphOption customizes a SubgraphNode.
type SubgraphOption func(*SubgraphNode)

// WithMaxDepth overrides the nesting bound.
func WithMaxDepth(depth int) SubgraphOption {
	return func(n *SubgraphNode) {
		if depth > 0 {
			n.maxDepth = depth
		}
	}
}

// WithOutputMapping renames child data keys into parent keys on merge.
func WithOutputMapping(mapping map[string]string) SubgraphOption {
	return func(n *SubgraphNode) { n.mapping = mapping }
}

// NewSubgraphNode creates a subgraph node. The runner drives the child
// graph; passing the parent's runner is the common case.
func NewSubgraphNode(nodeID string, child *Graph, runner *Runner, opts ...SubgraphOption) *SubgraphNode {
	n := &SubgraphNode{
		nodeID:   nodeID,
		child:    child,
		runner:   runner,
		maxDepth: DefaultMaxSubgraphDepth,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// ID implements Node.
func (n *SubgraphNode) ID() string { return n.nodeID }

// ChildGraph returns the nested graph.
func (n *SubgraphNode) ChildGraph() *Graph { return n.child }

// Run implements Node.
func (n *SubgraphNode) Run(ctx context.Context, msg message.Message) (message.Message, error) {
	depth := 0
	if v, ok := asInt(msg.Metadata[metadataKeySubgraphDepth]); ok {
		depth = v
	}
	if depth+1 > n.maxDepth {
		return msg, &SpiceError{
			Kind:    KindExecution,
			Code:    CodeMaxDepth,
			Message: fmt.Sprintf("subgraph nesting exceeds maximum depth %d", n.maxDepth),
		}
	}

	childRunID := fmt.Sprintf("%s:subgraph:%s:%d", msg.RunID, n.child.ID(), time.Now().UnixNano())
	childMsg := n.childInput(msg, childRunID, depth+1)

	started := time.Now()
	result, err := n.runner.Execute(ctx, n.child, childMsg)
	if err != nil {
		return msg, AsSpiceError(err).WithContext("subgraphId", n.child.ID())
	}

	switch result.State {
	case message.StateWaiting:
		return n.pushFrame(result, msg), nil
	case message.StateCompleted:
		return n.mergeChild(msg, result, time.Since(started)), nil
	default:
		return msg, NewExecutionError(
			"subgraph "+n.child.ID()+" ended in unexpected state "+string(result.State), nil)
	}
}

// resumeChild continues a paused child execution. frame is the pause
// frame recorded for this node; deeper levels unwind recursively
// through the child runner's Resume.
func (n *SubgraphNode) resumeChild(ctx context.Context, msg message.Message, frame SubgraphCheckpointContext) (message.Message, error) {
	frames := readSubgraphStack(msg)
	if len(frames) == 0 {
		return msg, NewExecutionError("subgraph stack is empty during resume", nil)
	}
	remaining := frames[:len(frames)-1]

	childMsg := writeSubgraphStack(msg, remaining).
		WithGraphContext(frame.ChildGraphID, frame.ChildNodeID, frame.ChildRunID)

	started := time.Now()
	result, err := n.runner.Resume(ctx, n.child, childMsg)
	if err != nil {
		return msg, AsSpiceError(err).WithContext("subgraphId", n.child.ID())
	}

	switch result.State {
	case message.StateWaiting:
		return n.pushFrame(result, msg.WithGraphContext(frame.ParentGraphID, frame.ParentNodeID, frame.ParentRunID)), nil
	case message.StateCompleted:
		// Deeper levels pop their own frames as they complete, so the
		// child's result carries the authoritative remaining stack.
		parentMsg := writeSubgraphStack(msg, readSubgraphStack(result)).
			WithGraphContext(frame.ParentGraphID, frame.ParentNodeID, frame.ParentRunID)
		parentMsg, terr := parentMsg.TransitionTo(message.StateRunning, "resume", frame.ParentNodeID)
		if terr != nil {
			return msg, NewValidationError(terr.Error())
		}
		return n.mergeChild(parentMsg, result, time.Since(started)), nil
	default:
		return msg, NewExecutionError(
			"subgraph "+n.child.ID()+" resumed into unexpected state "+string(result.State), nil)
	}
}

// childInput derives the child's input message: full data, metadata
// isolated to the preserved keys, child graph context.
func (n *SubgraphNode) childInput(msg message.Message, childRunID string, depth int) message.Message {
	preserved := map[string]any{
		metadataKeySubgraphDepth: depth,
	}
	for _, key := range preserveKeys(msg) {
		if v, ok := msg.Metadata[key]; ok {
			preserved[key] = v
		}
	}
	if keys, ok := msg.Metadata[MetadataKeyPreserveKeys]; ok {
		preserved[MetadataKeyPreserveKeys] = keys
	}

	child := msg
	child.Metadata = nil
	child = child.WithMetadata(preserved)
	return child.WithGraphContext(n.child.ID(), n.child.EntryPoint(), childRunID)
}

// pushFrame records this node's pause frame on the waiting message.
func (n *SubgraphNode) pushFrame(waiting message.Message, parent message.Message) message.Message {
	frames := readSubgraphStack(waiting)
	frames = append(frames, SubgraphCheckpointContext{
		ParentRunID:   parent.RunID,
		ParentGraphID: parent.GraphID,
		ParentNodeID:  n.nodeID,
		ChildRunID:    waiting.RunID,
		ChildGraphID:  waiting.GraphID,
		ChildNodeID:   waiting.NodeID,
		PausedAt:      time.Now().UTC().Format(time.RFC3339Nano),
	})
	return writeSubgraphStack(waiting, frames)
}

// mergeChild merges the terminal child's data into the parent message,
// applying the output mapping, and records the bookkeeping keys.
func (n *SubgraphNode) mergeChild(parent message.Message, child message.Message, took time.Duration) message.Message {
	merged := make(map[string]any, len(child.Data)+2)
	for k, v := range child.Data {
		if renamed, ok := n.mapping[k]; ok {
			merged[renamed] = v
			continue
		}
		merged[k] = v
	}
	merged[DataKeyLastSubgraphDuration] = took.Milliseconds()
	merged[DataKeyLastSubgraphID] = n.child.ID()
	return parent.WithData(merged)
}

// preserveKeys reads the parent's preserveKeys metadata.
func preserveKeys(msg message.Message) []string {
	switch v := msg.Metadata[MetadataKeyPreserveKeys].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// readSubgraphStack parses the pause frames from message metadata. The
// frames survive JSON round-trips through checkpoints, so both typed
// and decoded-map representations are accepted.
func readSubgraphStack(msg message.Message) []SubgraphCheckpointContext {
	raw, ok := msg.Metadata[MetadataKeySubgraphStack]
	if !ok {
		return nil
	}
	if frames, ok := raw.([]SubgraphCheckpointContext); ok {
		out := make([]SubgraphCheckpointContext, len(frames))
		copy(out, frames)
		return out
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var frames []SubgraphCheckpointContext
	if err := json.Unmarshal(encoded, &frames); err != nil {
		return nil
	}
	return frames
}

// writeSubgraphStack replaces the pause frames on the message. An
// empty stack removes the key entirely.
func writeSubgraphStack(msg message.Message, frames []SubgraphCheckpointContext) message.Message {
	if len(frames) == 0 {
		next := msg.WithMetadata(nil)
		delete(next.Metadata, MetadataKeySubgraphStack)
		return next
	}
	return msg.WithMetadata(map[string]any{MetadataKeySubgraphStack: frames})
}

// topSubgraphFrame returns the newest pause frame when it belongs to
// the given graph.
func topSubgraphFrame(msg message.Message, graphID string) (SubgraphCheckpointContext, bool) {
	frames := readSubgraphStack(msg)
	if len(frames) == 0 {
		return SubgraphCheckpointContext{}, false
	}
	top := frames[len(frames)-1]
	if top.ParentGraphID != graphID {
		return SubgraphCheckpointContext{}, false
	}
	return top, true
}
