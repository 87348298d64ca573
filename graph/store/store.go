// Package store provides durable persistence for paused graph
// executions. A checkpoint is the paused message plus the node it
// paused at, keyed by checkpoint id and indexed by run id.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/dshills/spice-go/message"
)

// ErrNotFound is returned when a requested checkpoint id does not exist.
var ErrNotFound = errors.New("checkpoint not found")

// Checkpoint is a durable snapshot of a paused run.
type Checkpoint struct {
	// ID uniquely identifies the checkpoint (format cp:{runId}:{nanos}).
	ID string `json:"id"`

	// RunID identifies the paused execution.
	RunID string `json:"run_id"`

	// GraphID identifies the graph being executed.
	GraphID string `json:"graph_id"`

	// CurrentNodeID is the node the run paused at; resume re-enters
	// the loop there.
	CurrentNodeID string `json:"current_node_id"`

	// Message is the paused WAITING message.
	Message message.Message `json:"message"`

	// Timestamp records when the checkpoint was created.
	Timestamp time.Time `json:"timestamp"`

	// ExpiresAt is an optional TTL. Stores may evict expired
	// checkpoints; the runner additionally enforces it at resume time.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// IsExpired reports whether the checkpoint TTL has passed.
func (c Checkpoint) IsExpired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// CheckpointStore is a concurrent key/value store for checkpoints with
// a secondary index by run id.
//
// Implementations must provide atomic save/delete per key and
// read-your-write visibility within a single caller.
type CheckpointStore interface {
	// Save persists the checkpoint, overwriting any existing entry
	// with the same id.
	Save(ctx context.Context, cp Checkpoint) error

	// Load retrieves a checkpoint by id. Returns ErrNotFound when the
	// id does not exist.
	Load(ctx context.Context, id string) (Checkpoint, error)

	// ListByRun returns all checkpoints of a run ordered by timestamp
	// ascending. An unknown run yields an empty list, not an error.
	ListByRun(ctx context.Context, runID string) ([]Checkpoint, error)

	// Delete removes a checkpoint. Returns ErrNotFound when the id
	// does not exist.
	Delete(ctx context.Context, id string) error
}
