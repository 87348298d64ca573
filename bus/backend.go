package bus

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// Backend is the transport beneath the bus: it moves envelopes from
// publishers to subscribers with at-least-once delivery.
type Backend interface {
	// CreateChannel prepares transport state for a channel (streams,
	// consumer groups, history buffers). Idempotent.
	CreateChannel(ctx context.Context, ch Channel) error

	// Publish appends the envelope to the channel and returns the
	// backend's message id.
	Publish(ctx context.Context, env EventEnvelope) (string, error)

	// Subscribe returns a receive channel of envelopes for the named
	// channel plus a cancel function that releases the subscription.
	// The receive channel closes when the subscription is cancelled or
	// the backend shuts down.
	Subscribe(ctx context.Context, channelName string) (<-chan EventEnvelope, func(), error)

	// Close shuts the backend down: background workers are cancelled,
	// in-process fan-out drained, connections released.
	Close(ctx context.Context) error
}

// BackendConfig is the config-map surface for constructing a backend.
//
// Recognized keys:
//
//	type            inmemory | redis | kafka
//	namespace       key/topic namespace (default "spice")
//
// redis:
//
//	host, port, password, ssl, database
//	consumerPrefix  stable consumer-id prefix
//	group           consumer-group role name (default "default")
//	batchSize       entries per read (default 64)
//	pollTimeout     block duration per read (default 2s)
//	streamMaxLen    approximate per-stream cap (0 = unbounded)
//	startID         group start position ("$" default, "0-0" for tests)
//
// kafka (recognized, not built in):
//
//	bootstrapServers, topic, clientId, acks, securityProtocol,
//	saslMechanism, saslJaasConfig
type BackendConfig map[string]any

func (c BackendConfig) str(key, def string) string {
	if v, ok := c[key].(string); ok && v != "" {
		return v
	}
	return def
}

func (c BackendConfig) num(key string, def int) int {
	switch v := c[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func (c BackendConfig) boolean(key string, def bool) bool {
	switch v := c[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func (c BackendConfig) duration(key string, def time.Duration) time.Duration {
	switch v := c[key].(type) {
	case time.Duration:
		return v
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	case int, int64, float64:
		return time.Duration(c.num(key, 0)) * time.Millisecond
	}
	return def
}

// NewBackend constructs a backend from a config map.
//
// The kafka type is recognized for config compatibility but not built
// into this module; selecting it returns a configuration error.
func NewBackend(cfg BackendConfig) (Backend, error) {
	switch kind := cfg.str("type", "inmemory"); kind {
	case "inmemory":
		return NewMemoryBackend(), nil
	case "redis":
		return NewRedisBackendFromConfig(cfg)
	case "kafka":
		return nil, fmt.Errorf("kafka backend is not built into this module (configured topic %q)", cfg.str("topic", ""))
	default:
		return nil, fmt.Errorf("unknown backend type %q", kind)
	}
}
