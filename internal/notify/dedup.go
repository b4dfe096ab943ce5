package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper remembers which messages a consumer group already notified for.
// Stream ids are only unique within their stream, so claims are scoped by it.
type Deduper interface {
	// Claim reports true the first time group sees messageID on stream.
	Claim(ctx context.Context, group, stream, messageID string) (bool, error)
	// Release forgets a claim whose notification could not be delivered.
	Release(ctx context.Context, group, stream, messageID string) error
}

// RedisKV is the go-redis surface used by RedisDeduper.
type RedisKV interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisDeduper keeps claims as expiring Redis keys.
type RedisDeduper struct {
	client RedisKV
	ttl    time.Duration
}

func NewRedisDeduper(client RedisKV, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (d *RedisDeduper) Claim(ctx context.Context, group, stream, messageID string) (bool, error) {
	ok, err := d.client.SetNX(ctx, Key(group, stream, messageID), time.Now().UTC().Format(time.RFC3339Nano), d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim %s/%s: %w", stream, messageID, err)
	}
	return ok, nil
}

func (d *RedisDeduper) Release(ctx context.Context, group, stream, messageID string) error {
	return d.client.Del(ctx, Key(group, stream, messageID)).Err()
}

// Key is the Redis key holding a claim.
func Key(group, stream, messageID string) string {
	return "notify:" + group + ":" + stream + ":" + messageID
}

// MemoryDeduper keeps claims for the life of the process.
type MemoryDeduper struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{seen: make(map[string]struct{})}
}

func (d *MemoryDeduper) Claim(_ context.Context, group, stream, messageID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := Key(group, stream, messageID)
	if _, ok := d.seen[key]; ok {
		return false, nil
	}
	d.seen[key] = struct{}{}
	return true, nil
}

func (d *MemoryDeduper) Release(_ context.Context, group, stream, messageID string) error {
	d.mu.Lock()
	delete(d.seen, Key(group, stream, messageID))
	d.mu.Unlock()
	return nil
}
