package availability

import (
	"context"
	"crypto/sha1"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/clinicflow/dental-scheduling/internal/db"
)

const (
	cachePrefix   = "windows"
	generationKey = cachePrefix + ":gen"
)

// CachedStore serves window listings from Redis for ttl. Every write bumps a
// generation counter that is part of the key, so stale listings are never
// read again and simply expire. Redis errors fall through to the store.
type CachedStore struct {
	Store
	client *redis.Client
	ttl    time.Duration
	log    zerolog.Logger
}

func NewCachedStore(store Store, client *redis.Client, ttl time.Duration, log zerolog.Logger) *CachedStore {
	return &CachedStore{Store: store, client: client, ttl: ttl, log: log}
}

func cacheKey(gen int64, f WindowFilter) string {
	raw, _ := json.Marshal(f)
	sum := sha1.Sum(raw)
	return fmt.Sprintf("%s:%d:%x", cachePrefix, gen, sum[:])
}

func (c *CachedStore) ListWindows(ctx context.Context, f WindowFilter) ([]Window, error) {
	// Inside a transaction the caller may have just written windows.
	if db.InTransaction(ctx) {
		return c.Store.ListWindows(ctx, f)
	}

	gen, err := c.client.Get(ctx, generationKey).Int64()
	if err != nil && err != redis.Nil {
		c.log.Warn().Err(err).Msg("window cache unavailable")
		return c.Store.ListWindows(ctx, f)
	}
	key := cacheKey(gen, f)

	if raw, err := c.client.Get(ctx, key).Bytes(); err == nil {
		var cached []Window
		if err := json.Unmarshal(raw, &cached); err == nil {
			return cached, nil
		}
	}

	windows, err := c.Store.ListWindows(ctx, f)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(windows); err == nil {
		if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
			c.log.Warn().Err(err).Str("key", key).Msg("failed to cache windows")
		}
	}
	return windows, nil
}

func (c *CachedStore) InsertWindow(ctx context.Context, w Window) (*Window, error) {
	created, err := c.Store.InsertWindow(ctx, w)
	if err == nil {
		db.AfterCommit(ctx, c.invalidate)
	}
	return created, err
}

func (c *CachedStore) DeleteWindow(ctx context.Context, id uuid.UUID) error {
	err := c.Store.DeleteWindow(ctx, id)
	if err == nil {
		db.AfterCommit(ctx, c.invalidate)
	}
	return err
}

func (c *CachedStore) invalidate(ctx context.Context) {
	if err := c.client.Incr(ctx, generationKey).Err(); err != nil {
		c.log.Error().Err(err).Msg("failed to invalidate window cache")
	}
}
