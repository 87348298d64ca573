package bus

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
)

// memoryChannel is the in-process transport state for one channel.
type memoryChannel struct {
	cfg         ChannelConfig
	mu          sync.Mutex
	history     []EventEnvelope
	subscribers map[int64]chan EventEnvelope
}

// MemoryBackend is the in-memory Backend: envelopes fan out to every
// live subscriber through bounded channels, and channels with history
// enabled replay their buffer to late subscribers.
//
// Designed for tests and single-process deployments; there is no
// durability and no consumer-group coordination.
type MemoryBackend struct {
	mu       sync.RWMutex
	channels map[string]*memoryChannel
	nextSub  atomic.Int64
	seq      atomic.Int64
	closed   atomic.Bool
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{channels: make(map[string]*memoryChannel)}
}

// CreateChannel implements Backend.
func (b *MemoryBackend) CreateChannel(_ context.Context, ch Channel) error {
	if b.closed.Load() {
		return fmt.Errorf("backend is closed")
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.channels[ch.Name]; exists {
		return nil
	}
	b.channels[ch.Name] = &memoryChannel{
		cfg:         ch.Config,
		subscribers: make(map[int64]chan EventEnvelope),
	}
	return nil
}

func (b *MemoryBackend) channel(name string) (*memoryChannel, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	mc, ok := b.channels[name]
	if !ok {
		return nil, fmt.Errorf("channel %q does not exist", name)
	}
	return mc, nil
}

// Publish implements Backend. A subscriber whose buffer is full drops
// its oldest pending entry rather than wedging publishers.
func (b *MemoryBackend) Publish(_ context.Context, env EventEnvelope) (string, error) {
	if b.closed.Load() {
		return "", fmt.Errorf("backend is closed")
	}
	mc, err := b.channel(env.ChannelName)
	if err != nil {
		return "", err
	}

	id := strconv.FormatInt(b.seq.Add(1), 10)

	mc.mu.Lock()
	defer mc.mu.Unlock()

	if mc.cfg.EnableHistory && mc.cfg.HistorySize > 0 {
		mc.history = append(mc.history, env)
		if len(mc.history) > mc.cfg.HistorySize {
			mc.history = mc.history[len(mc.history)-mc.cfg.HistorySize:]
		}
	}
	for _, sub := range mc.subscribers {
		select {
		case sub <- env:
		default:
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
	return id, nil
}

// Subscribe implements Backend. History, when enabled, is replayed
// before live delivery begins.
func (b *MemoryBackend) Subscribe(_ context.Context, channelName string) (<-chan EventEnvelope, func(), error) {
	if b.closed.Load() {
		return nil, nil, fmt.Errorf("backend is closed")
	}
	mc, err := b.channel(channelName)
	if err != nil {
		return nil, nil, err
	}

	id := b.nextSub.Add(1)
	sub := make(chan EventEnvelope, 256)

	mc.mu.Lock()
	for _, env := range mc.history {
		select {
		case sub <- env:
		default:
		}
	}
	mc.subscribers[id] = sub
	mc.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			mc.mu.Lock()
			delete(mc.subscribers, id)
			mc.mu.Unlock()
			close(sub)
		})
	}
	return sub, cancel, nil
}

// Close implements Backend.
func (b *MemoryBackend) Close(context.Context) error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, mc := range b.channels {
		mc.mu.Lock()
		for id, sub := range mc.subscribers {
			delete(mc.subscribers, id)
			close(sub)
		}
		mc.mu.Unlock()
	}
	return nil
}
