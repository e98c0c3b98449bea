package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

const (
	defaultDedupeTTL   = 24 * time.Hour
	defaultDedupeLease = 5 * time.Minute
	defaultDedupeSize  = 100000
)

// Deduper suppresses repeat deliveries of the same message id.
//
// Claim takes a short processing lease on an id and reports false while
// another delivery holds the lease or the id has been committed. Commit
// records a handled id for the full retention window; Release drops the
// claim so a redelivery is processed again. A claim that is never committed
// lapses with its lease, so a crash mid-dispatch cannot swallow redeliveries
// for the whole retention window.
type Deduper interface {
	Claim(ctx context.Context, messageID string) (bool, error)
	Commit(ctx context.Context, messageID string) error
	Release(ctx context.Context, messageID string) error
}

type claimState struct {
	committed  bool
	leaseUntil time.Time
}

// MemoryDeduper remembers message ids in process for a fixed window.
type MemoryDeduper struct {
	mu    sync.Mutex
	seen  *expirable.LRU[string, claimState]
	lease time.Duration
	now   func() time.Time
}

func NewMemoryDeduper(size int, ttl time.Duration) *MemoryDeduper {
	if size <= 0 {
		size = defaultDedupeSize
	}
	if ttl <= 0 {
		ttl = defaultDedupeTTL
	}
	return &MemoryDeduper{
		seen:  expirable.NewLRU[string, claimState](size, nil, ttl),
		lease: defaultDedupeLease,
		now:   time.Now,
	}
}

func (d *MemoryDeduper) Claim(_ context.Context, messageID string) (bool, error) {
	if messageID == "" {
		return true, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if state, ok := d.seen.Get(messageID); ok && (state.committed || now.Before(state.leaseUntil)) {
		return false, nil
	}
	d.seen.Add(messageID, claimState{leaseUntil: now.Add(d.lease)})
	return true, nil
}

func (d *MemoryDeduper) Commit(_ context.Context, messageID string) error {
	if messageID == "" {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen.Add(messageID, claimState{committed: true})
	return nil
}

func (d *MemoryDeduper) Release(_ context.Context, messageID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen.Remove(messageID)
	return nil
}

// RedisDeduper shares seen message ids between API replicas.
type RedisDeduper struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	lease  time.Duration
}

func NewRedisDeduper(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisDeduper {
	if prefix == "" {
		prefix = "openvideo:notify:seen:"
	}
	if ttl <= 0 {
		ttl = defaultDedupeTTL
	}
	return &RedisDeduper{client: client, prefix: prefix, ttl: ttl, lease: defaultDedupeLease}
}

func (d *RedisDeduper) Claim(ctx context.Context, messageID string) (bool, error) {
	if messageID == "" {
		return true, nil
	}
	ok, err := d.client.SetNX(ctx, d.prefix+messageID, "processing", d.lease).Result()
	if err != nil {
		return false, fmt.Errorf("claim message %s: %w", messageID, err)
	}
	return ok, nil
}

func (d *RedisDeduper) Commit(ctx context.Context, messageID string) error {
	if messageID == "" {
		return nil
	}
	if err := d.client.Set(ctx, d.prefix+messageID, "done", d.ttl).Err(); err != nil {
		return fmt.Errorf("commit message %s: %w", messageID, err)
	}
	return nil
}

func (d *RedisDeduper) Release(ctx context.Context, messageID string) error {
	if messageID == "" {
		return nil
	}
	if err := d.client.Del(ctx, d.prefix+messageID).Err(); err != nil {
		return fmt.Errorf("release message %s: %w", messageID, err)
	}
	return nil
}

// Ping reports whether the shared store is reachable.
func (d *RedisDeduper) Ping(ctx context.Context) error {
	return d.client.Ping(ctx).Err()
}
