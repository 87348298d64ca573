package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Stats are the bus delivery counters.
type Stats struct {
	Published          int64
	Consumed           int64
	Pending            int64
	Errors             int64
	ActiveChannels     int64
	ActiveSubscribers  int64
	DeadLetterMessages int64
}

// Bus is the event bus core: it gates channel creation on the schema
// registry, serializes events on publish, deserializes and filters on
// delivery, and routes undeliverable envelopes to the DLQ.
type Bus struct {
	backend  Backend
	registry *SchemaRegistry
	dlq      DeadLetterQueue

	mu       sync.RWMutex
	channels map[string]Channel

	published   atomic.Int64
	consumed    atomic.Int64
	pending     atomic.Int64
	errors      atomic.Int64
	subscribers atomic.Int64
	closed      atomic.Bool
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithDeadLetterQueue overrides the default in-memory DLQ.
func WithDeadLetterQueue(dlq DeadLetterQueue) BusOption {
	return func(b *Bus) { b.dlq = dlq }
}

// New creates a bus over the given backend and registry.
func New(backend Backend, registry *SchemaRegistry, opts ...BusOption) *Bus {
	b := &Bus{
		backend:  backend,
		registry: registry,
		dlq:      NewMemoryDLQ(0),
		channels: make(map[string]Channel),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Registry returns the schema registry.
func (b *Bus) Registry() *SchemaRegistry { return b.registry }

// DeadLetters returns the dead-letter queue.
func (b *Bus) DeadLetters() DeadLetterQueue { return b.dlq }

// Channel creates (or returns) a typed channel. The (eventType,
// version) pair must be registered in the schema registry.
func (b *Bus) Channel(ctx context.Context, name, eventType, version string, cfg ChannelConfig) (Channel, error) {
	if !b.registry.IsRegistered(eventType, version) {
		return Channel{}, fmt.Errorf("no schema registered for %s@%s", eventType, version)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.channels[name]; ok {
		if existing.EventType != eventType || existing.SchemaVersion != version {
			return Channel{}, fmt.Errorf("channel %q already exists with type %s@%s",
				name, existing.EventType, existing.SchemaVersion)
		}
		return existing, nil
	}

	ch := Channel{Name: name, EventType: eventType, SchemaVersion: version, Config: cfg}
	if err := b.backend.CreateChannel(ctx, ch); err != nil {
		return Channel{}, fmt.Errorf("create channel %q: %w", name, err)
	}
	b.channels[name] = ch
	return ch, nil
}

// GetChannel returns a previously created channel by name.
func (b *Bus) GetChannel(name string) (Channel, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ch, ok := b.channels[name]
	return ch, ok
}

// Publish serializes the event and hands the envelope to the backend.
// It returns the backend message id.
func (b *Bus) Publish(ctx context.Context, ch Channel, event any, metadata map[string]string) (string, error) {
	if b.closed.Load() {
		return "", fmt.Errorf("bus is closed")
	}
	ser, ok := b.registry.GetSerializer(ch.EventType, ch.SchemaVersion)
	if !ok {
		b.errors.Add(1)
		return "", fmt.Errorf("no schema registered for %s@%s", ch.EventType, ch.SchemaVersion)
	}
	payload, err := ser.Serialize(event)
	if err != nil {
		b.errors.Add(1)
		return "", fmt.Errorf("serialize event for %q: %w", ch.Name, err)
	}

	env := EventEnvelope{
		ID:            newEnvelopeID(),
		ChannelName:   ch.Name,
		EventType:     ch.EventType,
		SchemaVersion: ch.SchemaVersion,
		Payload:       payload,
		Metadata:      metadata,
		Timestamp:     time.Now().UTC(),
	}

	b.pending.Add(1)
	id, err := b.backend.Publish(ctx, env)
	if err != nil {
		b.pending.Add(-1)
		b.errors.Add(1)
		return "", fmt.Errorf("publish to %q: %w", ch.Name, err)
	}
	b.pending.Add(-1)
	b.published.Add(1)
	return id, nil
}

// Subscribe delivers deserialized events matching the filter. A nil
// filter delivers everything. The returned cancel function releases
// the subscription; the event channel closes afterwards.
//
// Envelopes that fail deserialization go to the DLQ (when the channel
// enables it) and are not delivered; the underlying stream entry is
// still acknowledged.
func (b *Bus) Subscribe(ctx context.Context, ch Channel, filter Filter) (<-chan TypedEvent, func(), error) {
	if b.closed.Load() {
		return nil, nil, fmt.Errorf("bus is closed")
	}
	raw, cancelRaw, err := b.backend.Subscribe(ctx, ch.Name)
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe to %q: %w", ch.Name, err)
	}

	out := make(chan TypedEvent, 64)
	b.subscribers.Add(1)

	go func() {
		defer close(out)
		defer b.subscribers.Add(-1)
		for env := range raw {
			ev, ok := b.decode(ctx, ch, env)
			if !ok {
				continue
			}
			if filter != nil && !filter(ev) {
				continue
			}
			select {
			case out <- ev:
				b.consumed.Add(1)
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, cancelRaw, nil
}

// decode deserializes an envelope, dead-lettering failures.
func (b *Bus) decode(ctx context.Context, ch Channel, env EventEnvelope) (TypedEvent, bool) {
	ser, ok := b.registry.GetSerializer(env.EventType, env.SchemaVersion)
	if !ok {
		b.deadLetter(ctx, ch, env, "unregistered schema", nil)
		return TypedEvent{}, false
	}
	event, err := ser.Deserialize(env.Payload)
	if err != nil {
		b.deadLetter(ctx, ch, env, "deserialization failure", err)
		return TypedEvent{}, false
	}
	return TypedEvent{Event: event, Envelope: env, ReceivedAt: time.Now().UTC()}, true
}

func (b *Bus) deadLetter(ctx context.Context, ch Channel, env EventEnvelope, reason string, cause error) {
	b.errors.Add(1)
	if ch.Config.EnableDeadLetter && b.dlq != nil {
		b.dlq.Send(ctx, env, reason, cause)
	}
}

// Stats returns a snapshot of the delivery counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	channels := int64(len(b.channels))
	b.mu.RUnlock()

	var dead int64
	if b.dlq != nil {
		dead = b.dlq.Stats().Total
	}
	return Stats{
		Published:          b.published.Load(),
		Consumed:           b.consumed.Load(),
		Pending:            b.pending.Load(),
		Errors:             b.errors.Load(),
		ActiveChannels:     channels,
		ActiveSubscribers:  b.subscribers.Load(),
		DeadLetterMessages: dead,
	}
}

// Close shuts down the backend. Subscriber channels close as the
// backend drains.
func (b *Bus) Close(ctx context.Context) error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	return b.backend.Close(ctx)
}
