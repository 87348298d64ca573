package bus

import (
	"context"
	"fmt"
	"time"
)

// Standard channel names.
const (
	ChannelGraphLifecycle = "spice.graph.lifecycle"
	ChannelNodeLifecycle  = "spice.node.lifecycle"
	ChannelToolCalls      = "spice.toolcalls"
	ChannelSystem         = "spice.system"
)

// Standard event types and their current schema versions.
const (
	EventTypeGraphLifecycle = "GraphLifecycleEvent"
	EventTypeNodeLifecycle  = "NodeLifecycleEvent"
	EventTypeToolCall       = "ToolCallEvent"
	EventTypeSystem         = "SystemEvent"

	StandardSchemaVersion = "1.0.0"
)

// Lifecycle kinds, the discriminant of the closed event sums.
const (
	GraphStarted   = "started"
	GraphCompleted = "completed"
	GraphFailed    = "failed"
	GraphPaused    = "paused"

	NodeStarted   = "started"
	NodeCompleted = "completed"
	NodeFailed    = "failed"
)

// GraphLifecycleEvent reports run-level transitions.
type GraphLifecycleEvent struct {
	Kind         string    `json:"kind"`
	RunID        string    `json:"run_id"`
	GraphID      string    `json:"graph_id"`
	FinalState   string    `json:"final_state,omitempty"`
	CheckpointID string    `json:"checkpoint_id,omitempty"`
	Error        string    `json:"error,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// NodeLifecycleEvent reports node-level transitions.
type NodeLifecycleEvent struct {
	Kind       string    `json:"kind"`
	RunID      string    `json:"run_id"`
	GraphID    string    `json:"graph_id"`
	NodeID     string    `json:"node_id"`
	Attempt    int       `json:"attempt,omitempty"`
	DurationMs int64     `json:"duration_ms,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ToolCallEvent records a tool invocation observed during a run.
type ToolCallEvent struct {
	RunID      string    `json:"run_id"`
	NodeID     string    `json:"node_id"`
	ToolCallID string    `json:"tool_call_id"`
	Function   string    `json:"function"`
	Arguments  string    `json:"arguments,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// SystemEvent carries operational notices (backend warnings, shutdown,
// recovery activity).
type SystemEvent struct {
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// RegisterStandardSchemas registers the serializers for the standard
// event types.
func RegisterStandardSchemas(reg *SchemaRegistry) {
	reg.Register(NewJSONSerializer[GraphLifecycleEvent](EventTypeGraphLifecycle, StandardSchemaVersion))
	reg.Register(NewJSONSerializer[NodeLifecycleEvent](EventTypeNodeLifecycle, StandardSchemaVersion))
	reg.Register(NewJSONSerializer[ToolCallEvent](EventTypeToolCall, StandardSchemaVersion))
	reg.Register(NewJSONSerializer[SystemEvent](EventTypeSystem, StandardSchemaVersion))
}

// StandardChannels holds the predefined channels every deployment gets.
type StandardChannels struct {
	GraphLifecycle Channel
	NodeLifecycle  Channel
	ToolCalls      Channel
	System         Channel
}

// CreateStandardChannels registers the standard schemas and creates the
// four predefined channels.
func CreateStandardChannels(ctx context.Context, b *Bus) (StandardChannels, error) {
	RegisterStandardSchemas(b.Registry())

	var (
		sc  StandardChannels
		err error
	)
	sc.GraphLifecycle, err = b.Channel(ctx, ChannelGraphLifecycle, EventTypeGraphLifecycle, StandardSchemaVersion,
		ChannelConfig{EnableHistory: true, HistorySize: 1000, EnableDeadLetter: true})
	if err != nil {
		return sc, fmt.Errorf("create %s: %w", ChannelGraphLifecycle, err)
	}
	sc.NodeLifecycle, err = b.Channel(ctx, ChannelNodeLifecycle, EventTypeNodeLifecycle, StandardSchemaVersion,
		ChannelConfig{EnableDeadLetter: true})
	if err != nil {
		return sc, fmt.Errorf("create %s: %w", ChannelNodeLifecycle, err)
	}
	sc.ToolCalls, err = b.Channel(ctx, ChannelToolCalls, EventTypeToolCall, StandardSchemaVersion,
		ChannelConfig{EnableHistory: true, HistorySize: 10000, EnableDeadLetter: true})
	if err != nil {
		return sc, fmt.Errorf("create %s: %w", ChannelToolCalls, err)
	}
	sc.System, err = b.Channel(ctx, ChannelSystem, EventTypeSystem, StandardSchemaVersion,
		ChannelConfig{EnableHistory: true, HistorySize: 5000})
	if err != nil {
		return sc, fmt.Errorf("create %s: %w", ChannelSystem, err)
	}
	return sc, nil
}
