package bus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis stream field names, part of the wire surface.
const (
	fieldID            = "id"
	fieldChannelName   = "channelName"
	fieldEventType     = "eventType"
	fieldSchemaVersion = "schemaVersion"
	fieldPayload       = "payload"
	fieldMetadata      = "metadata"
	fieldTimestamp     = "timestamp"
)

// RedisBackendOptions tunes the stream backend.
type RedisBackendOptions struct {
	// Namespace prefixes every stream key and consumer group.
	// Default "spice".
	Namespace string

	// Group is the consumer-group role shared by this subscriber set.
	// Default "default".
	Group string

	// ConsumerID identifies this process in the group. It must be
	// unique per process and stable across restarts for pending
	// recovery to work. Default: the host name.
	ConsumerID string

	// StartID is the group start position. Default "$" (latest);
	// "0-0" reads the full stream, useful in tests.
	StartID string

	// BatchSize bounds entries per read. Default 64.
	BatchSize int64

	// PollTimeout is the block duration of each group read.
	// Default 2s.
	PollTimeout time.Duration

	// StreamMaxLen caps each stream approximately; trimming runs
	// asynchronously on TrimInterval. Zero disables trimming.
	StreamMaxLen int64

	// TrimInterval is the async trim cadence. Default 30s.
	TrimInterval time.Duration

	// PendingIdleTime is the age after which an unacknowledged entry
	// is reclaimed from a dead consumer. Default 60s. A negative value
	// disables recovery, which risks silent loss on consumer crashes.
	PendingIdleTime time.Duration

	// MaxPendingRetries bounds redeliveries before an entry is routed
	// to the dead-letter queue. Default 3.
	MaxPendingRetries int64

	// DeadLetters receives entries that exhausted their redeliveries.
	DeadLetters DeadLetterQueue
}

func (o *RedisBackendOptions) applyDefaults() {
	if o.Namespace == "" {
		o.Namespace = "spice"
	}
	if o.Group == "" {
		o.Group = "default"
	}
	if o.ConsumerID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "spice-consumer"
		}
		o.ConsumerID = host
	}
	if o.StartID == "" {
		o.StartID = "$"
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 64
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = 2 * time.Second
	}
	if o.TrimInterval <= 0 {
		o.TrimInterval = 30 * time.Second
	}
	if o.PendingIdleTime == 0 {
		o.PendingIdleTime = 60 * time.Second
	}
	if o.MaxPendingRetries <= 0 {
		o.MaxPendingRetries = 3
	}
	if o.DeadLetters == nil {
		o.DeadLetters = NewMemoryDLQ(0)
	}
}

// redisTopic is the bounded in-process fan-out for one channel. The
// reader loop pushes entries in; subscribers drain them. The last
// entry is buffered so late subscribers see at least one.
type redisTopic struct {
	mu          sync.Mutex
	last        *EventEnvelope
	hasLast     bool
	subscribers map[int64]chan EventEnvelope
}

func newRedisTopic() *redisTopic {
	return &redisTopic{subscribers: make(map[int64]chan EventEnvelope)}
}

func (t *redisTopic) publish(env EventEnvelope) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.last = &env
	t.hasLast = true
	for _, sub := range t.subscribers {
		select {
		case sub <- env:
		default:
			// Bounded fan-out: a stalled subscriber loses its oldest
			// pending entry rather than blocking the reader loop.
			select {
			case <-sub:
			default:
			}
			select {
			case sub <- env:
			default:
			}
		}
	}
}

func (t *redisTopic) subscribe(id int64) chan EventEnvelope {
	t.mu.Lock()
	defer t.mu.Unlock()

	sub := make(chan EventEnvelope, 256)
	if t.hasLast {
		sub <- *t.last
	}
	t.subscribers[id] = sub
	return sub
}

func (t *redisTopic) unsubscribe(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if sub, ok := t.subscribers[id]; ok {
		delete(t.subscribers, id)
		close(sub)
	}
}

func (t *redisTopic) closeAll() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, sub := range t.subscribers {
		delete(t.subscribers, id)
		close(sub)
	}
}

// RedisBackend implements Backend over Redis streams with consumer
// groups.
//
// Per channel it runs three background workers: a reader loop
// (XReadGroup batch read, in-process fan-out, ack after handoff), an
// async trimmer (XTrimMaxLenApprox on an interval when a cap is set),
// and a pending-entry sweeper (XPendingExt scan and XClaim of entries
// idle longer than PendingIdleTime, dead-lettering after
// MaxPendingRetries).
type RedisBackend struct {
	client redis.UniversalClient
	opts   RedisBackendOptions

	mu     sync.Mutex
	topics map[string]*redisTopic

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	nextSub atomic.Int64
	closed  atomic.Bool

	// ownsClient records whether Close should also close the client.
	ownsClient bool
}

// NewRedisBackend creates a stream backend on an existing client.
func NewRedisBackend(client redis.UniversalClient, opts RedisBackendOptions) *RedisBackend {
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	b := &RedisBackend{
		client: client,
		opts:   opts,
		topics: make(map[string]*redisTopic),
		ctx:    ctx,
		cancel: cancel,
	}
	if opts.PendingIdleTime <= 0 {
		log.Printf("WARNING: spice bus: pending-entry recovery is disabled; " +
			"unacknowledged entries from crashed consumers will be lost")
	}
	return b
}

// NewRedisBackendFromConfig builds the client and backend from a
// config map (see BackendConfig).
func NewRedisBackendFromConfig(cfg BackendConfig) (*RedisBackend, error) {
	host := cfg.str("host", "localhost")
	port := cfg.num("port", 6379)
	ropts := &redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: cfg.str("password", ""),
		DB:       cfg.num("database", 0),
	}
	if cfg.boolean("ssl", false) {
		ropts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	opts := RedisBackendOptions{
		Namespace:       cfg.str("namespace", cfg.str("streamKey", "spice")),
		Group:           cfg.str("group", "default"),
		ConsumerID:      cfg.str("consumerPrefix", ""),
		StartID:         cfg.str("startID", "$"),
		BatchSize:       int64(cfg.num("batchSize", 64)),
		PollTimeout:     cfg.duration("pollTimeout", 2*time.Second),
		StreamMaxLen:    int64(cfg.num("streamMaxLen", 0)),
		TrimInterval:    cfg.duration("trimInterval", 30*time.Second),
		PendingIdleTime: cfg.duration("pendingIdleTime", 60*time.Second),
	}
	b := NewRedisBackend(redis.NewClient(ropts), opts)
	b.ownsClient = true
	return b, nil
}

// StreamKey returns the stream key for a channel.
func (b *RedisBackend) StreamKey(channelName string) string {
	return fmt.Sprintf("%s:stream:%s", b.opts.Namespace, channelName)
}

// GroupName returns the consumer-group name for a channel.
func (b *RedisBackend) GroupName(channelName string) string {
	return fmt.Sprintf("%s:cg:%s:%s", b.opts.Namespace, channelName, b.opts.Group)
}

// CreateChannel implements Backend. The consumer group is created
// idempotently and the channel's background workers start.
func (b *RedisBackend) CreateChannel(ctx context.Context, ch Channel) error {
	if b.closed.Load() {
		return fmt.Errorf("backend is closed")
	}

	b.mu.Lock()
	if _, exists := b.topics[ch.Name]; exists {
		b.mu.Unlock()
		return nil
	}
	topic := newRedisTopic()
	b.topics[ch.Name] = topic
	b.mu.Unlock()

	stream := b.StreamKey(ch.Name)
	group := b.GroupName(ch.Name)
	err := b.client.XGroupCreateMkStream(ctx, stream, group, b.opts.StartID).Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s: %w", group, err)
	}

	b.wg.Add(1)
	go b.readLoop(ch.Name, topic)
	if b.opts.StreamMaxLen > 0 {
		b.wg.Add(1)
		go b.trimLoop(ch.Name)
	}
	if b.opts.PendingIdleTime > 0 {
		b.wg.Add(1)
		go b.recoveryLoop(ch.Name, topic)
	}
	return nil
}

// Publish implements Backend. The append never trims synchronously;
// trimming belongs to the async worker.
func (b *RedisBackend) Publish(ctx context.Context, env EventEnvelope) (string, error) {
	if b.closed.Load() {
		return "", fmt.Errorf("backend is closed")
	}
	meta, err := json.Marshal(env.Metadata)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.StreamKey(env.ChannelName),
		Values: map[string]any{
			fieldID:            env.ID,
			fieldChannelName:   env.ChannelName,
			fieldEventType:     env.EventType,
			fieldSchemaVersion: env.SchemaVersion,
			fieldPayload:       string(env.Payload),
			fieldMetadata:      string(meta),
			fieldTimestamp:     env.Timestamp.Format(time.RFC3339Nano),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd to %s: %w", env.ChannelName, err)
	}
	return id, nil
}

// Subscribe implements Backend.
func (b *RedisBackend) Subscribe(_ context.Context, channelName string) (<-chan EventEnvelope, func(), error) {
	if b.closed.Load() {
		return nil, nil, fmt.Errorf("backend is closed")
	}
	b.mu.Lock()
	topic, ok := b.topics[channelName]
	b.mu.Unlock()
	if !ok {
		return nil, nil, fmt.Errorf("channel %q does not exist", channelName)
	}

	id := b.nextSub.Add(1)
	sub := topic.subscribe(id)
	var once sync.Once
	cancel := func() {
		once.Do(func() { topic.unsubscribe(id) })
	}
	return sub, cancel, nil
}

// readLoop is the per-channel reader: long-polling group reads, fan-out
// into the in-process topic, then ack.
func (b *RedisBackend) readLoop(channelName string, topic *redisTopic) {
	defer b.wg.Done()

	stream := b.StreamKey(channelName)
	group := b.GroupName(channelName)

	for {
		if b.ctx.Err() != nil {
			return
		}
		res, err := b.client.XReadGroup(b.ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: b.opts.ConsumerID,
			Streams:  []string{stream, ">"},
			Count:    b.opts.BatchSize,
			Block:    b.opts.PollTimeout,
		}).Result()
		if err != nil {
			if b.ctx.Err() != nil {
				return
			}
			if err == redis.Nil {
				continue
			}
			log.Printf("spice bus: read %s: %v", channelName, err)
			select {
			case <-b.ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		for _, streamRes := range res {
			for _, entry := range streamRes.Messages {
				env, perr := envelopeFromEntry(entry)
				if perr != nil {
					if b.opts.DeadLetters != nil {
						b.opts.DeadLetters.Send(b.ctx, EventEnvelope{ChannelName: channelName},
							"malformed stream entry", perr)
					}
				} else {
					topic.publish(env)
				}
				if err := b.client.XAck(b.ctx, stream, group, entry.ID).Err(); err != nil && b.ctx.Err() == nil {
					log.Printf("spice bus: ack %s/%s: %v", channelName, entry.ID, err)
				}
			}
		}
	}
}

// trimLoop approximately caps the stream length on an interval.
func (b *RedisBackend) trimLoop(channelName string) {
	defer b.wg.Done()

	stream := b.StreamKey(channelName)
	ticker := time.NewTicker(b.opts.TrimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			err := b.client.XTrimMaxLenApprox(b.ctx, stream, b.opts.StreamMaxLen, 0).Err()
			if err != nil && b.ctx.Err() == nil {
				log.Printf("spice bus: trim %s: %v", channelName, err)
			}
		}
	}
}

// recoveryLoop periodically claims entries left pending by dead
// consumers. Entries that exceeded MaxPendingRetries deliveries are
// dead-lettered and acknowledged; the rest are re-delivered locally
// and acknowledged.
func (b *RedisBackend) recoveryLoop(channelName string, topic *redisTopic) {
	defer b.wg.Done()

	stream := b.StreamKey(channelName)
	group := b.GroupName(channelName)
	ticker := time.NewTicker(b.opts.PendingIdleTime)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
		}

		pending, err := b.client.XPendingExt(b.ctx, &redis.XPendingExtArgs{
			Stream: stream,
			Group:  group,
			Idle:   b.opts.PendingIdleTime,
			Start:  "-",
			End:    "+",
			Count:  b.opts.BatchSize,
		}).Result()
		if err != nil {
			if b.ctx.Err() == nil && err != redis.Nil {
				log.Printf("spice bus: pending scan %s: %v", channelName, err)
			}
			continue
		}
		for _, p := range pending {
			claimed, err := b.client.XClaim(b.ctx, &redis.XClaimArgs{
				Stream:   stream,
				Group:    group,
				Consumer: b.opts.ConsumerID,
				MinIdle:  b.opts.PendingIdleTime,
				Messages: []string{p.ID},
			}).Result()
			if err != nil || len(claimed) == 0 {
				continue
			}
			entry := claimed[0]
			env, perr := envelopeFromEntry(entry)
			switch {
			case perr != nil:
				b.opts.DeadLetters.Send(b.ctx, EventEnvelope{ChannelName: channelName},
					"malformed pending entry", perr)
			case p.RetryCount > b.opts.MaxPendingRetries:
				b.opts.DeadLetters.Send(b.ctx, env, "pending retries exhausted", nil)
			default:
				topic.publish(env)
			}
			if err := b.client.XAck(b.ctx, stream, group, entry.ID).Err(); err != nil && b.ctx.Err() == nil {
				log.Printf("spice bus: ack reclaimed %s/%s: %v", channelName, entry.ID, err)
			}
		}
	}
}

// envelopeFromEntry parses the wire fields of one stream entry.
func envelopeFromEntry(entry redis.XMessage) (EventEnvelope, error) {
	get := func(key string) string {
		if v, ok := entry.Values[key].(string); ok {
			return v
		}
		return ""
	}
	env := EventEnvelope{
		ID:            get(fieldID),
		ChannelName:   get(fieldChannelName),
		EventType:     get(fieldEventType),
		SchemaVersion: get(fieldSchemaVersion),
		Payload:       []byte(get(fieldPayload)),
	}
	if env.ID == "" || env.EventType == "" {
		return EventEnvelope{}, fmt.Errorf("stream entry %s is missing envelope fields", entry.ID)
	}
	if raw := get(fieldMetadata); raw != "" {
		if err := json.Unmarshal([]byte(raw), &env.Metadata); err != nil {
			return EventEnvelope{}, fmt.Errorf("stream entry %s metadata: %w", entry.ID, err)
		}
	}
	if raw := get(fieldTimestamp); raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return EventEnvelope{}, fmt.Errorf("stream entry %s timestamp: %w", entry.ID, err)
		}
		env.Timestamp = ts
	}
	return env, nil
}

// Close implements Backend: cancels the background workers, drains the
// fan-out topics and closes the connection when this backend owns it.
func (b *RedisBackend) Close(_ context.Context) error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.cancel()
	b.wg.Wait()

	b.mu.Lock()
	for _, topic := range b.topics {
		topic.closeAll()
	}
	b.mu.Unlock()

	if b.ownsClient {
		return b.client.Close()
	}
	return nil
}
