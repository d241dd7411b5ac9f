package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

// redisEntry is how a QueuedEvent is serialized inside the Redis list, so
// the sequence number survives alongside the raw event payload.
type redisEntry struct {
	Seq     int64  `json:"seq"`
	Payload []byte `json:"payload"`
}

// RedisQueueStore is the optional QueueStore backend for host environments
// that already run a shared Redis instance for development tooling (e.g. a
// simulator harness exercising several agent instances against one shared
// broker). It mirrors the SQLite store's "drop oldest" capacity policy
// using a capped Redis list plus a dedicated sequence counter key.
type RedisQueueStore struct {
	client   *redis.Client
	listKey  string
	seqKey   string
	droppedKey string
	capacity int
	dropped  int64
}

// NewRedisQueueStore constructs a store scoped by keyPrefix (so multiple
// agent instances can share one Redis without colliding).
func NewRedisQueueStore(client *redis.Client, keyPrefix string, capacity int) *RedisQueueStore {
	if capacity <= 0 {
		capacity = 5000
	}
	return &RedisQueueStore{
		client:     client,
		listKey:    keyPrefix + ":queue",
		seqKey:     keyPrefix + ":seq",
		droppedKey: keyPrefix + ":dropped",
		capacity:   capacity,
	}
}

func (r *RedisQueueStore) Enqueue(ctx context.Context, payload []byte) (bool, error) {
	seq, err := r.client.Incr(ctx, r.seqKey).Result()
	if err != nil {
		return false, fmt.Errorf("bridge: redis seq incr: %w", err)
	}
	entry, err := json.Marshal(redisEntry{Seq: seq, Payload: payload})
	if err != nil {
		return false, fmt.Errorf("bridge: redis entry marshal: %w", err)
	}

	dropped := false
	length, err := r.client.RPush(ctx, r.listKey, entry).Result()
	if err != nil {
		return false, fmt.Errorf("bridge: redis rpush: %w", err)
	}
	if length > int64(r.capacity) {
		if err := r.client.LPop(ctx, r.listKey).Err(); err != nil && err != redis.Nil {
			return false, fmt.Errorf("bridge: redis drop-oldest lpop: %w", err)
		}
		atomic.AddInt64(&r.dropped, 1)
		r.client.Incr(ctx, r.droppedKey)
		dropped = true
	}
	return dropped, nil
}

func (r *RedisQueueStore) Oldest(ctx context.Context, n int) ([]QueuedEvent, error) {
	if n <= 0 {
		return nil, nil
	}
	raw, err := r.client.LRange(ctx, r.listKey, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("bridge: redis lrange: %w", err)
	}
	out := make([]QueuedEvent, 0, len(raw))
	for _, s := range raw {
		var e redisEntry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			return nil, fmt.Errorf("bridge: redis entry unmarshal: %w", err)
		}
		out = append(out, QueuedEvent{Seq: e.Seq, Payload: e.Payload})
	}
	return out, nil
}

func (r *RedisQueueStore) Ack(ctx context.Context, through int64) error {
	for {
		raw, err := r.client.LIndex(ctx, r.listKey, 0).Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return fmt.Errorf("bridge: redis lindex: %w", err)
		}
		var e redisEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return fmt.Errorf("bridge: redis entry unmarshal: %w", err)
		}
		if e.Seq > through {
			return nil
		}
		if err := r.client.LPop(ctx, r.listKey).Err(); err != nil && err != redis.Nil {
			return fmt.Errorf("bridge: redis ack lpop: %w", err)
		}
	}
}

func (r *RedisQueueStore) Depth(ctx context.Context) (int, error) {
	n, err := r.client.LLen(ctx, r.listKey).Result()
	if err != nil {
		return 0, fmt.Errorf("bridge: redis llen: %w", err)
	}
	return int(n), nil
}

func (r *RedisQueueStore) DroppedTotal() int64 { return atomic.LoadInt64(&r.dropped) }

func (r *RedisQueueStore) Close() error { return r.client.Close() }
