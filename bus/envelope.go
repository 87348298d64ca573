// Package bus provides the typed event bus graph executions publish to
// and consumers read from: versioned channels gated by a schema
// registry, composable filters, dead-letter handling, delivery
// statistics, and pluggable backends (in-memory and Redis streams).
//
// Delivery is at-least-once; consumers must be idempotent. Ordering is
// guaranteed per channel partition only.
package bus

import (
	"time"

	"github.com/google/uuid"
)

// EventEnvelope is the wire form of a published event. The payload is
// the serialized event per the registered serializer for
// (EventType, SchemaVersion).
type EventEnvelope struct {
	ID            string            `json:"id"`
	ChannelName   string            `json:"channel_name"`
	EventType     string            `json:"event_type"`
	SchemaVersion string            `json:"schema_version"`
	Payload       []byte            `json:"payload"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}

// newEnvelopeID generates an envelope id.
func newEnvelopeID() string { return uuid.NewString() }

// TypedEvent is a delivered event: the deserialized value, the envelope
// it arrived in, and the local receive time.
type TypedEvent struct {
	Event      any
	Envelope   EventEnvelope
	ReceivedAt time.Time
}

// ChannelConfig tunes per-channel behavior.
type ChannelConfig struct {
	// EnableHistory buffers the last HistorySize envelopes so late
	// subscribers can catch up.
	EnableHistory bool

	// HistorySize bounds the history buffer. Ignored when
	// EnableHistory is false.
	HistorySize int

	// EnableDeadLetter routes undeliverable envelopes to the DLQ
	// instead of dropping them.
	EnableDeadLetter bool
}

// DefaultChannelConfig enables dead-lettering without history.
func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{EnableDeadLetter: true}
}

// Channel is a typed, versioned topic. Channels are created through
// Bus.Channel, which enforces that (EventType, SchemaVersion) is
// registered.
type Channel struct {
	Name          string
	EventType     string
	SchemaVersion string
	Config        ChannelConfig
}
