package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rakunlabs/logi"

	"github.com/rakunlabs/vcon-mcp/internal/store"
	"github.com/rakunlabs/vcon-mcp/internal/vcon"
)

// CachedStore wraps a store.Storer with a read-through cache over Get:
// hits avoid the round trip to Postgres entirely; every write
// (Create/Update/Delete) invalidates the entry for its uuid so the cache
// never serves stale data (spec.md §4.6).
type CachedStore struct {
	store.StorerClose
	backend Backend
	ttl     time.Duration
}

// Wrap returns a StorerClose backed by next, caching Get results in
// backend for ttl. ttl <= 0 falls back to one hour.
func Wrap(next store.StorerClose, backend Backend, ttl time.Duration) *CachedStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &CachedStore{StorerClose: next, backend: backend, ttl: ttl}
}

func cacheKey(uuid string) string { return "vcon:" + uuid }

func (c *CachedStore) Get(ctx context.Context, uuid string) (*vcon.VCon, error) {
	if raw, ok, err := c.backend.Get(ctx, cacheKey(uuid)); err == nil && ok {
		var vc vcon.VCon
		if jsonErr := json.Unmarshal([]byte(raw), &vc); jsonErr == nil {
			return &vc, nil
		}
	}

	vc, err := c.StorerClose.Get(ctx, uuid)
	if err != nil {
		return nil, err
	}

	if raw, err := json.Marshal(vc); err == nil {
		_ = c.backend.SetEx(ctx, cacheKey(uuid), string(raw), c.ttl)
	}
	return vc, nil
}

func (c *CachedStore) Create(ctx context.Context, vc *vcon.VCon, tenantID string) (*vcon.VCon, error) {
	created, err := c.StorerClose.Create(ctx, vc, tenantID)
	if err != nil {
		return nil, err
	}
	if err := c.backend.Del(ctx, cacheKey(created.UUID)); err != nil {
		logi.Ctx(ctx).Warn("cache invalidation failed", "uuid", created.UUID, "error", err)
	}
	return created, nil
}

func (c *CachedStore) Update(ctx context.Context, vc *vcon.VCon) (*vcon.VCon, error) {
	updated, err := c.StorerClose.Update(ctx, vc)
	if err != nil {
		return nil, err
	}
	if err := c.backend.Del(ctx, cacheKey(updated.UUID)); err != nil {
		logi.Ctx(ctx).Warn("cache invalidation failed", "uuid", updated.UUID, "error", err)
	}
	return updated, nil
}

func (c *CachedStore) Delete(ctx context.Context, uuid string) error {
	if err := c.StorerClose.Delete(ctx, uuid); err != nil {
		return err
	}
	if err := c.backend.Del(ctx, cacheKey(uuid)); err != nil {
		logi.Ctx(ctx).Warn("cache invalidation failed", "uuid", uuid, "error", err)
	}
	return nil
}
