// Package leader implements a best-effort poll-leader lease on Redis. Only
// the poll step needs it; claims are already safe across processes via
// SKIP LOCKED. Losing the lease mid-tick costs at most one duplicate poll,
// which the inbox insert absorbs idempotently.
package leader

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lease is a SET NX lease with a TTL, refreshed on every acquire by the
// holder.
type Lease struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	id     string
}

// New connects to Redis at addr. An empty addr returns nil, which callers
// treat as "no gating".
func New(addr, key string, ttl time.Duration) *Lease {
	if addr == "" {
		return nil
	}
	return &Lease{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		key:    key,
		ttl:    ttl,
		id:     uuid.NewString(),
	}
}

// TryAcquire takes the lease if free, or refreshes it if already held by
// this process. Returns false when another holder owns it.
func (l *Lease) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.id, l.ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	holder, err := l.client.Get(ctx, l.key).Result()
	if err == redis.Nil {
		// Expired between SETNX and GET; next tick wins it.
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if holder != l.id {
		return false, nil
	}
	if err := l.client.Expire(ctx, l.key, l.ttl).Err(); err != nil {
		return false, err
	}
	return true, nil
}

// Release drops the lease if this process holds it.
func (l *Lease) Release(ctx context.Context) error {
	holder, err := l.client.Get(ctx, l.key).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}
	if holder != l.id {
		return nil
	}
	return l.client.Del(ctx, l.key).Err()
}

// Close releases the underlying connection pool.
func (l *Lease) Close() error {
	return l.client.Close()
}
