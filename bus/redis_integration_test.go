package bus_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dshills/spice-go/bus"
)

// Integration tests for the Redis stream backend. They require a
// running Redis instance and are skipped unless SPICE_REDIS_ADDR is
// set, e.g.
//
//	SPICE_REDIS_ADDR=localhost:6379 go test ./bus/ -run Redis
func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("SPICE_REDIS_ADDR")
	if addr == "" {
		t.Skip("SPICE_REDIS_ADDR not set; skipping Redis integration test")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not reachable at %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func newRedisTestBackend(t *testing.T, namespace string) *bus.RedisBackend {
	t.Helper()
	backend := bus.NewRedisBackend(redisClient(t), bus.RedisBackendOptions{
		Namespace:   namespace,
		StartID:     "0-0",
		PollTimeout: 200 * time.Millisecond,
		BatchSize:   16,
	})
	t.Cleanup(func() { _ = backend.Close(context.Background()) })
	return backend
}

func TestRedisBackendRoundTrip(t *testing.T) {
	namespace := fmt.Sprintf("spicetest:%d", time.Now().UnixNano())
	backend := newRedisTestBackend(t, namespace)
	ctx := context.Background()

	registry := bus.NewSchemaRegistry()
	registry.Register(bus.NewJSONSerializer[MyEvent]("MyEvent", "1.0.0"))
	b := bus.New(backend, registry)

	ch, err := b.Channel(ctx, "it.events", "MyEvent", "1.0.0", bus.DefaultChannelConfig())
	if err != nil {
		t.Fatal(err)
	}
	events, cancel, err := b.Subscribe(ctx, ch, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	for i := 0; i < 3; i++ {
		if _, err := b.Publish(ctx, ch, MyEvent{Source: "it", Value: i}, map[string]string{"source": "it"}); err != nil {
			t.Fatal(err)
		}
	}

	got := collect(t, events, 3, 5*time.Second)
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	for i, ev := range got {
		typed := ev.Event.(MyEvent)
		if typed.Value != i {
			t.Errorf("expected in-order delivery, got %d at position %d", typed.Value, i)
		}
		if ev.Envelope.Metadata["source"] != "it" {
			t.Errorf("metadata must survive the stream: %+v", ev.Envelope)
		}
	}
}

func TestRedisBackendLateSubscriberSeesBufferedEntry(t *testing.T) {
	namespace := fmt.Sprintf("spicetest:%d", time.Now().UnixNano())
	backend := newRedisTestBackend(t, namespace)
	ctx := context.Background()

	ch := bus.Channel{Name: "late.events", EventType: "MyEvent", SchemaVersion: "1.0.0"}
	if err := backend.CreateChannel(ctx, ch); err != nil {
		t.Fatal(err)
	}

	env := bus.EventEnvelope{
		ID: "only", ChannelName: "late.events",
		EventType: "MyEvent", SchemaVersion: "1.0.0",
		Payload: []byte(`{"source":"it","value":0}`), Timestamp: time.Now().UTC(),
	}
	if _, err := backend.Publish(ctx, env); err != nil {
		t.Fatal(err)
	}

	// Give the reader loop time to consume and buffer the entry, then
	// subscribe late.
	time.Sleep(time.Second)
	sub, cancel, err := backend.Subscribe(ctx, "late.events")
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	select {
	case got := <-sub:
		if got.ID != "only" {
			t.Errorf("unexpected entry %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("late subscriber must see the last buffered entry")
	}
}

func TestRedisBackendWireFormat(t *testing.T) {
	namespace := fmt.Sprintf("spicetest:%d", time.Now().UnixNano())
	client := redisClient(t)
	backend := bus.NewRedisBackend(client, bus.RedisBackendOptions{
		Namespace: namespace,
		StartID:   "0-0",
	})
	t.Cleanup(func() { _ = backend.Close(context.Background()) })
	ctx := context.Background()

	ch := bus.Channel{Name: "wire.events", EventType: "MyEvent", SchemaVersion: "1.0.0"}
	if err := backend.CreateChannel(ctx, ch); err != nil {
		t.Fatal(err)
	}

	env := bus.EventEnvelope{
		ID: "w1", ChannelName: "wire.events",
		EventType: "MyEvent", SchemaVersion: "1.0.0",
		Payload:   []byte(`{"source":"wire","value":9}`),
		Metadata:  map[string]string{"k": "v"},
		Timestamp: time.Now().UTC(),
	}
	if _, err := backend.Publish(ctx, env); err != nil {
		t.Fatal(err)
	}

	streamKey := backend.StreamKey("wire.events")
	if want := namespace + ":stream:wire.events"; streamKey != want {
		t.Fatalf("stream key %q, want %q", streamKey, want)
	}
	entries, err := client.XRange(ctx, streamKey, "-", "+").Result()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one stream entry, got %d", len(entries))
	}
	fields := entries[0].Values
	for _, key := range []string{"id", "channelName", "eventType", "schemaVersion", "payload", "metadata", "timestamp"} {
		if _, ok := fields[key]; !ok {
			t.Errorf("wire field %q missing: %v", key, fields)
		}
	}
	if fields["id"] != "w1" || fields["eventType"] != "MyEvent" {
		t.Errorf("unexpected field values: %v", fields)
	}
	if _, err := time.Parse(time.RFC3339Nano, fields["timestamp"].(string)); err != nil {
		t.Errorf("timestamp must be RFC 3339: %v", err)
	}
}
