package bus_test

import (
	"context"
	"testing"
	"time"

	"github.com/dshills/spice-go/bus"
)

// MyEvent is the fixture event type used across the bus tests.
type MyEvent struct {
	Source string `json:"source"`
	Value  int    `json:"value"`
}

func newTestBus(t *testing.T) *bus.Bus {
	t.Helper()
	registry := bus.NewSchemaRegistry()
	registry.Register(bus.NewJSONSerializer[MyEvent]("MyEvent", "1.0.0"))
	b := bus.New(bus.NewMemoryBackend(), registry)
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return b
}

func collect(t *testing.T, events <-chan bus.TypedEvent, want int, timeout time.Duration) []bus.TypedEvent {
	t.Helper()
	var out []bus.TypedEvent
	deadline := time.After(timeout)
	for len(out) < want {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			return out
		}
	}
	return out
}

func TestChannelRequiresRegisteredSchema(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	if _, err := b.Channel(ctx, "my.events", "MyEvent", "1.0.0", bus.DefaultChannelConfig()); err != nil {
		t.Fatalf("registered schema must create: %v", err)
	}
	if _, err := b.Channel(ctx, "other.events", "Unknown", "1.0.0", bus.DefaultChannelConfig()); err == nil {
		t.Error("unregistered schema must be rejected")
	}
	if _, err := b.Channel(ctx, "my.events", "MyEvent", "2.0.0", bus.DefaultChannelConfig()); err == nil {
		t.Error("re-creating a channel with a different type must be rejected")
	}
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	ch, err := b.Channel(ctx, "my.events", "MyEvent", "1.0.0", bus.DefaultChannelConfig())
	if err != nil {
		t.Fatal(err)
	}

	events, cancel, err := b.Subscribe(ctx, ch, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	id, err := b.Publish(ctx, ch, MyEvent{Source: "test", Value: 1}, map[string]string{"source": "test"})
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Error("publish must return a backend message id")
	}

	got := collect(t, events, 1, time.Second)
	if len(got) != 1 {
		t.Fatalf("expected one event, got %d", len(got))
	}
	ev, ok := got[0].Event.(MyEvent)
	if !ok {
		t.Fatalf("expected MyEvent, got %T", got[0].Event)
	}
	if ev.Value != 1 || ev.Source != "test" {
		t.Errorf("unexpected event %+v", ev)
	}
	if got[0].Envelope.EventType != "MyEvent" || got[0].Envelope.SchemaVersion != "1.0.0" {
		t.Errorf("unexpected envelope %+v", got[0].Envelope)
	}
	if got[0].ReceivedAt.IsZero() {
		t.Error("expected a receive time")
	}
}

// TestMetadataFilter publishes three events and checks that a
// subscriber filtered on metadata.source receives exactly the matching
// ones.
func TestMetadataFilter(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	ch, err := b.Channel(ctx, "my.events", "MyEvent", "1.0.0", bus.DefaultChannelConfig())
	if err != nil {
		t.Fatal(err)
	}

	events, cancel, err := b.Subscribe(ctx, ch, bus.MetadataFilter("source", "test"))
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	for i, source := range []string{"test", "prod", "test"} {
		if _, err := b.Publish(ctx, ch, MyEvent{Source: source, Value: i}, map[string]string{"source": source}); err != nil {
			t.Fatal(err)
		}
	}

	got := collect(t, events, 2, time.Second)
	if len(got) != 2 {
		t.Fatalf("expected exactly the 2 matching events, got %d", len(got))
	}
	for _, ev := range got {
		if ev.Envelope.Metadata["source"] != "test" {
			t.Errorf("filter leaked %+v", ev.Envelope)
		}
	}

	// No third delivery arrives.
	select {
	case ev := <-events:
		t.Errorf("unexpected extra event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestComposedFilters(t *testing.T) {
	typed := bus.EventTypeFilter("MyEvent")
	meta := bus.MetadataFilter("source", "test")

	ev := bus.TypedEvent{Envelope: bus.EventEnvelope{
		EventType: "MyEvent",
		Metadata:  map[string]string{"source": "test"},
	}}
	other := bus.TypedEvent{Envelope: bus.EventEnvelope{
		EventType: "Other",
		Metadata:  map[string]string{"source": "test"},
	}}

	if !bus.And(typed, meta)(ev) {
		t.Error("And must match when both match")
	}
	if bus.And(typed, meta)(other) {
		t.Error("And must reject when one rejects")
	}
	if !bus.Or(typed, bus.EventTypeFilter("Other"))(other) {
		t.Error("Or must match when any matches")
	}
	if bus.Or()(ev) {
		t.Error("empty Or matches nothing")
	}
	if !bus.And()(ev) {
		t.Error("empty And matches everything")
	}
}

func TestDeserializationFailureGoesToDLQ(t *testing.T) {
	registry := bus.NewSchemaRegistry()
	registry.Register(bus.NewJSONSerializer[MyEvent]("MyEvent", "1.0.0"))
	dlq := bus.NewMemoryDLQ(10)
	backend := bus.NewMemoryBackend()
	b := bus.New(backend, registry, bus.WithDeadLetterQueue(dlq))
	ctx := context.Background()

	ch, err := b.Channel(ctx, "my.events", "MyEvent", "1.0.0", bus.DefaultChannelConfig())
	if err != nil {
		t.Fatal(err)
	}

	events, cancel, err := b.Subscribe(ctx, ch, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	// Inject a poisoned envelope directly through the backend,
	// bypassing the serializing publish path.
	if _, err := backend.Publish(ctx, bus.EventEnvelope{
		ID:            "poison",
		ChannelName:   "my.events",
		EventType:     "MyEvent",
		SchemaVersion: "1.0.0",
		Payload:       []byte("{not json"),
		Timestamp:     time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Publish(ctx, ch, MyEvent{Source: "ok", Value: 1}, nil); err != nil {
		t.Fatal(err)
	}

	got := collect(t, events, 1, time.Second)
	if len(got) != 1 {
		t.Fatalf("only the healthy event must deliver, got %d", len(got))
	}

	deadline := time.Now().Add(time.Second)
	for dlq.Stats().Total == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	stats := dlq.Stats()
	if stats.Total != 1 {
		t.Fatalf("expected one dead letter, got %d", stats.Total)
	}
	if stats.ByReason["deserialization failure"] != 1 {
		t.Errorf("unexpected reasons %v", stats.ByReason)
	}
	entries := dlq.Entries()
	if len(entries) != 1 || entries[0].Envelope.ID != "poison" {
		t.Errorf("unexpected entries %+v", entries)
	}
}

func TestBusStats(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	ch, err := b.Channel(ctx, "my.events", "MyEvent", "1.0.0", bus.DefaultChannelConfig())
	if err != nil {
		t.Fatal(err)
	}
	events, cancel, err := b.Subscribe(ctx, ch, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	for i := 0; i < 3; i++ {
		if _, err := b.Publish(ctx, ch, MyEvent{Value: i}, nil); err != nil {
			t.Fatal(err)
		}
	}
	collect(t, events, 3, time.Second)

	stats := b.Stats()
	if stats.Published != 3 {
		t.Errorf("expected 3 published, got %d", stats.Published)
	}
	if stats.Consumed != 3 {
		t.Errorf("expected 3 consumed, got %d", stats.Consumed)
	}
	if stats.ActiveChannels != 1 {
		t.Errorf("expected 1 channel, got %d", stats.ActiveChannels)
	}
	if stats.ActiveSubscribers != 1 {
		t.Errorf("expected 1 subscriber, got %d", stats.ActiveSubscribers)
	}
}

func TestStandardChannels(t *testing.T) {
	registry := bus.NewSchemaRegistry()
	b := bus.New(bus.NewMemoryBackend(), registry)
	ctx := context.Background()

	sc, err := bus.CreateStandardChannels(ctx, b)
	if err != nil {
		t.Fatal(err)
	}

	if sc.GraphLifecycle.Name != bus.ChannelGraphLifecycle {
		t.Errorf("unexpected channel %q", sc.GraphLifecycle.Name)
	}
	if !sc.GraphLifecycle.Config.EnableHistory || sc.GraphLifecycle.Config.HistorySize != 1000 {
		t.Errorf("graph lifecycle history misconfigured: %+v", sc.GraphLifecycle.Config)
	}
	if sc.NodeLifecycle.Config.EnableHistory {
		t.Error("node lifecycle must not buffer history")
	}
	if sc.ToolCalls.Config.HistorySize != 10000 {
		t.Errorf("tool calls history misconfigured: %+v", sc.ToolCalls.Config)
	}
	if sc.System.Config.EnableDeadLetter {
		t.Error("system channel must not dead-letter")
	}
	if sc.System.Config.HistorySize != 5000 {
		t.Errorf("system history misconfigured: %+v", sc.System.Config)
	}

	// The registry now knows the standard schemas.
	for _, pair := range []string{
		bus.EventTypeGraphLifecycle,
		bus.EventTypeNodeLifecycle,
		bus.EventTypeToolCall,
		bus.EventTypeSystem,
	} {
		if !registry.IsRegistered(pair, bus.StandardSchemaVersion) {
			t.Errorf("schema %s must be registered", pair)
		}
	}

	// Publishing a lifecycle event round-trips.
	events, cancel, err := b.Subscribe(ctx, sc.GraphLifecycle, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()
	if _, err := b.Publish(ctx, sc.GraphLifecycle, bus.GraphLifecycleEvent{
		Kind: bus.GraphStarted, RunID: "r1", GraphID: "g1", Timestamp: time.Now().UTC(),
	}, nil); err != nil {
		t.Fatal(err)
	}
	got := collect(t, events, 1, time.Second)
	if len(got) != 1 {
		t.Fatalf("expected the lifecycle event, got %d", len(got))
	}
	if ev := got[0].Event.(bus.GraphLifecycleEvent); ev.Kind != bus.GraphStarted || ev.RunID != "r1" {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestPublishUnregisteredChannelTypeFails(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()
	ch := bus.Channel{Name: "bogus", EventType: "Nope", SchemaVersion: "0"}
	if _, err := b.Publish(ctx, ch, MyEvent{}, nil); err == nil {
		t.Error("publishing with an unregistered serializer must fail")
	}
	if b.Stats().Errors == 0 {
		t.Error("failures must be counted")
	}
}
