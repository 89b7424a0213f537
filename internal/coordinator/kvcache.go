package coordinator

import (
	"context"
	"errors"
	"fmt"

	"floortrader/internal/kvstore"
)

// KVControlCache is the fast control tier on a TTL'd key-value bucket.
// Entries age out on their own, so a crashed writer leaves no stale
// stop signal behind; the durable store remains the source of truth.
type KVControlCache struct {
	kv kvstore.Store
}

func NewKVControlCache(kv kvstore.Store) *KVControlCache {
	return &KVControlCache{kv: kv}
}

func (c *KVControlCache) SetStatus(ctx context.Context, key string, status Status) error {
	if _, err := c.kv.Put(ctx, key, []byte(status)); err != nil {
		return fmt.Errorf("cache status %s: %w", key, err)
	}
	return nil
}

func (c *KVControlCache) GetStatus(ctx context.Context, key string) (Status, bool, error) {
	value, _, err := c.kv.Get(ctx, key)
	if errors.Is(err, kvstore.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read cached status %s: %w", key, err)
	}
	return Status(value), true, nil
}

func (c *KVControlCache) Delete(ctx context.Context, key string) error {
	return c.kv.Delete(ctx, key, 0)
}
