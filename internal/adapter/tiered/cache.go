// Package tiered layers a fast in-process cache over a shared remote one.
// The dispatcher's session-context cache uses this when running against the
// NATS bus backend, so enriched context survives process restarts.
package tiered

import (
	"context"
	"time"

	"github.com/mafa-ai/mafa-core/internal/port/cache"
)

// Cache reads through L1 to L2 and writes through to both. An L2 hit
// backfills L1 with the configured expiry.
type Cache struct {
	l1       cache.Cache
	l2       cache.Cache
	l1Expire time.Duration
}

func New(l1, l2 cache.Cache, l1Expire time.Duration) *Cache {
	return &Cache{l1: l1, l2: l2, l1Expire: l1Expire}
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, found, err := c.l1.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if found {
		return val, true, nil
	}

	val, found, err = c.l2.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if found {
		_ = c.l1.Set(ctx, key, val, c.l1Expire)
		return val, true, nil
	}
	return nil, false, nil
}

func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.l1.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	return c.l2.Set(ctx, key, value, ttl)
}

// Delete removes the key from both tiers. Context invalidation after a
// memory write must reach L2 or other processes keep serving stale docs.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.l1.Delete(ctx, key); err != nil {
		return err
	}
	return c.l2.Delete(ctx, key)
}

var _ cache.Cache = (*Cache)(nil)
