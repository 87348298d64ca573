package bus_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/dshills/spice-go/bus"
)

func TestNewBackendInMemory(t *testing.T) {
	backend, err := bus.NewBackend(bus.BackendConfig{"type": "inmemory"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := backend.(*bus.MemoryBackend); !ok {
		t.Errorf("expected MemoryBackend, got %T", backend)
	}
	_ = backend.Close(context.Background())
}

func TestNewBackendDefaultsToInMemory(t *testing.T) {
	backend, err := bus.NewBackend(bus.BackendConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := backend.(*bus.MemoryBackend); !ok {
		t.Errorf("expected MemoryBackend, got %T", backend)
	}
	_ = backend.Close(context.Background())
}

func TestNewBackendKafkaNotBuiltIn(t *testing.T) {
	_, err := bus.NewBackend(bus.BackendConfig{
		"type":             "kafka",
		"bootstrapServers": "localhost:9092",
		"topic":            "spice-events",
	})
	if err == nil {
		t.Fatal("kafka must be rejected")
	}
	if !strings.Contains(err.Error(), "kafka") {
		t.Errorf("error must name kafka: %v", err)
	}
}

func TestNewBackendUnknownType(t *testing.T) {
	if _, err := bus.NewBackend(bus.BackendConfig{"type": "carrier-pigeon"}); err == nil {
		t.Error("unknown types must be rejected")
	}
}

func TestBackendConfigCoercions(t *testing.T) {
	// Numeric and duration keys accept both native and string forms,
	// matching how config maps arrive from YAML or env parsing.
	backend, err := bus.NewRedisBackendFromConfig(bus.BackendConfig{
		"host":        "localhost",
		"port":        "6380",
		"batchSize":   "16",
		"pollTimeout": "250ms",
		"ssl":         "false",
	})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = backend.Close(context.Background()) }()

	if got := backend.StreamKey("my.events"); got != "spice:stream:my.events" {
		t.Errorf("unexpected stream key %q", got)
	}
	if got := backend.GroupName("my.events"); got != "spice:cg:my.events:default" {
		t.Errorf("unexpected group name %q", got)
	}
}

func TestMemoryBackendHistoryReplay(t *testing.T) {
	backend := bus.NewMemoryBackend()
	defer func() { _ = backend.Close(context.Background()) }()
	ctx := context.Background()

	ch := bus.Channel{
		Name:      "hist",
		EventType: "MyEvent", SchemaVersion: "1.0.0",
		Config: bus.ChannelConfig{EnableHistory: true, HistorySize: 2},
	}
	if err := backend.CreateChannel(ctx, ch); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		env := bus.EventEnvelope{
			ID: string(rune('a' + i)), ChannelName: "hist",
			EventType: "MyEvent", SchemaVersion: "1.0.0",
			Payload: []byte("{}"), Timestamp: time.Now().UTC(),
		}
		if _, err := backend.Publish(ctx, env); err != nil {
			t.Fatal(err)
		}
	}

	// A late subscriber sees the bounded history: the oldest entry was
	// evicted by HistorySize 2.
	sub, cancel, err := backend.Subscribe(ctx, "hist")
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	var ids []string
	timeout := time.After(time.Second)
	for len(ids) < 2 {
		select {
		case env := <-sub:
			ids = append(ids, env.ID)
		case <-timeout:
			t.Fatalf("expected 2 replayed entries, got %v", ids)
		}
	}
	if ids[0] != "b" || ids[1] != "c" {
		t.Errorf("expected the latest 2 entries in order, got %v", ids)
	}
}

func TestMemoryBackendUnknownChannel(t *testing.T) {
	backend := bus.NewMemoryBackend()
	defer func() { _ = backend.Close(context.Background()) }()
	ctx := context.Background()

	if _, err := backend.Publish(ctx, bus.EventEnvelope{ChannelName: "nope"}); err == nil {
		t.Error("publishing to an unknown channel must fail")
	}
	if _, _, err := backend.Subscribe(ctx, "nope"); err == nil {
		t.Error("subscribing to an unknown channel must fail")
	}
}

func TestMemoryBackendClose(t *testing.T) {
	backend := bus.NewMemoryBackend()
	ctx := context.Background()

	ch := bus.Channel{Name: "c", EventType: "MyEvent", SchemaVersion: "1.0.0"}
	if err := backend.CreateChannel(ctx, ch); err != nil {
		t.Fatal(err)
	}
	sub, _, err := backend.Subscribe(ctx, "c")
	if err != nil {
		t.Fatal(err)
	}

	if err := backend.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok := <-sub; ok {
		t.Error("subscriber channels must close on shutdown")
	}
	if _, err := backend.Publish(ctx, bus.EventEnvelope{ChannelName: "c"}); err == nil {
		t.Error("publishing after close must fail")
	}
}
