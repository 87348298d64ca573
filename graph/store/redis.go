package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Redis-backed CheckpointStore.
//
// Key format:
//   - Checkpoint: {prefix}:checkpoint:{id} (JSON value)
//   - Run index:  {prefix}:run:{runId} (sorted set scored by the
//     checkpoint timestamp, unix nanoseconds)
//
// Checkpoints with an ExpiresAt carry a matching Redis TTL, so eviction
// happens server-side; the run index is pruned lazily on read.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

// RedisStoreOption configures a RedisStore.
type RedisStoreOption func(*RedisStore)

// WithKeyPrefix overrides the default "spice" key prefix.
func WithKeyPrefix(prefix string) RedisStoreOption {
	return func(s *RedisStore) { s.keyPrefix = prefix }
}

// WithDefaultTTL applies a TTL to checkpoints that carry no ExpiresAt.
// Zero disables the default TTL.
func WithDefaultTTL(ttl time.Duration) RedisStoreOption {
	return func(s *RedisStore) { s.ttl = ttl }
}

// NewRedisStore creates a Redis-backed store on the given client.
func NewRedisStore(client redis.UniversalClient, opts ...RedisStoreOption) *RedisStore {
	s := &RedisStore{client: client, keyPrefix: "spice"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) checkpointKey(id string) string {
	return fmt.Sprintf("%s:checkpoint:%s", s.keyPrefix, id)
}

func (s *RedisStore) runKey(runID string) string {
	return fmt.Sprintf("%s:run:%s", s.keyPrefix, runID)
}

// Save implements CheckpointStore.
func (s *RedisStore) Save(ctx context.Context, cp Checkpoint) error {
	raw, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint %s: %w", cp.ID, err)
	}

	ttl := s.ttl
	if !cp.ExpiresAt.IsZero() {
		ttl = time.Until(cp.ExpiresAt)
		if ttl <= 0 {
			ttl = time.Millisecond
		}
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.checkpointKey(cp.ID), raw, ttl)
	pipe.ZAdd(ctx, s.runKey(cp.RunID), redis.Z{
		Score:  float64(cp.Timestamp.UnixNano()),
		Member: cp.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.ID, err)
	}
	return nil
}

// Load implements CheckpointStore.
func (s *RedisStore) Load(ctx context.Context, id string) (Checkpoint, error) {
	raw, err := s.client.Get(ctx, s.checkpointKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("load checkpoint %s: %w", id, err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("unmarshal checkpoint %s: %w", id, err)
	}
	return cp, nil
}

// ListByRun implements CheckpointStore. Index entries whose checkpoint
// key has expired are pruned as a side effect.
func (s *RedisStore) ListByRun(ctx context.Context, runID string) ([]Checkpoint, error) {
	ids, err := s.client.ZRange(ctx, s.runKey(runID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list checkpoints for run %s: %w", runID, err)
	}

	out := make([]Checkpoint, 0, len(ids))
	var stale []any
	for _, id := range ids {
		cp, err := s.Load(ctx, id)
		if errors.Is(err, ErrNotFound) {
			stale = append(stale, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	if len(stale) > 0 {
		_ = s.client.ZRem(ctx, s.runKey(runID), stale...).Err()
	}
	return out, nil
}

// Delete implements CheckpointStore.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	cp, err := s.Load(ctx, id)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.checkpointKey(id))
	pipe.ZRem(ctx, s.runKey(cp.RunID), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", id, err)
	}
	return nil
}
