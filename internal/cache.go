package internal

import (
	"context"
	"time"
)

// _readCacheTTL bounds staleness for read-path responses. Generation jobs
// invalidate eagerly; the TTL is the backstop for anything they miss.
var _readCacheTTL = time.Hour

// readCache holds serialized read-path responses, keyed by (kind, slug) for
// entities and by ID for variants. It shares the Store with the ledger and
// locks, under its own key prefixes.
type readCache struct {
	store Store
}

func newReadCache(store Store) *readCache {
	return &readCache{store: store}
}

func (c *readCache) GetEntity(ctx context.Context, kind Kind, slug string) ([]byte, bool) {
	return c.store.Get(ctx, entityKey(kind, slug))
}

func (c *readCache) SetEntity(ctx context.Context, kind Kind, slug string, payload []byte) {
	c.store.Set(ctx, entityKey(kind, slug), payload, _readCacheTTL)
}

func (c *readCache) GetVariant(ctx context.Context, variantID int64) ([]byte, bool) {
	return c.store.Get(ctx, variantKey(variantID))
}

func (c *readCache) SetVariant(ctx context.Context, variantID int64, payload []byte) {
	c.store.Set(ctx, variantKey(variantID), payload, _readCacheTTL)
}

// Invalidate drops the entries for the given slugs and variant IDs. Failures
// are tolerated; the TTL eventually expires whatever lingers.
func (c *readCache) Invalidate(ctx context.Context, kind Kind, slugs []string, variantIDs []int64) {
	for _, slug := range slugs {
		if slug == "" {
			continue
		}
		if err := c.store.Delete(ctx, entityKey(kind, slug)); err != nil {
			Log(ctx).Warn("problem invalidating entity cache", "kind", kind, "slug", slug, "err", err)
		}
	}
	for _, id := range variantIDs {
		if err := c.store.Delete(ctx, variantKey(id)); err != nil {
			Log(ctx).Warn("problem invalidating variant cache", "variantID", id, "err", err)
		}
	}
}
