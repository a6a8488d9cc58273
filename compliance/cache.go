package compliance

import (
	"context"
	"net/url"
	"strings"

	"github.com/anchorledger/custody-core/core"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

const tierCacheKeyPrefix = "custody::tier::v1"

// CachedTierRegistry fronts a registry with the shared cache service. The
// monitor invalidates entries when it sees kyc_status_change events, so
// tier changes propagate without waiting for TTL expiry.
type CachedTierRegistry struct {
	base  core.TierRegistry
	cache repositorycache.CacheService
}

func NewCachedTierRegistry(base core.TierRegistry, cacheService repositorycache.CacheService) (*CachedTierRegistry, error) {
	if base == nil {
		return nil, core.NewError(core.ErrorKindMisconfigured, "compliance: base tier registry is required")
	}
	if cacheService == nil {
		return nil, core.NewError(core.ErrorKindMisconfigured, "compliance: cache service is required")
	}
	return &CachedTierRegistry{base: base, cache: cacheService}, nil
}

// TierCacheKey returns the deterministic cache key for a principal's tier:
// custody::tier::v1::<principal> with the principal URL-path escaped.
func TierCacheKey(principal string) string {
	return tierCacheKeyPrefix + "::" + url.PathEscape(strings.TrimSpace(principal))
}

func (r *CachedTierRegistry) TierFor(ctx context.Context, principal string) (core.Tier, error) {
	if r == nil || r.base == nil || r.cache == nil {
		return core.Tier{}, core.NewError(core.ErrorKindMisconfigured, "compliance: cached tier registry is not configured")
	}
	return repositorycache.GetOrFetch(ctx, r.cache, TierCacheKey(principal), func(ctx context.Context) (core.Tier, error) {
		return r.base.TierFor(ctx, principal)
	})
}

// Invalidate drops the cached tier for a principal.
func (r *CachedTierRegistry) Invalidate(ctx context.Context, principal string) error {
	if r == nil || r.cache == nil {
		return nil
	}
	return r.cache.Delete(ctx, TierCacheKey(principal))
}

var _ core.TierRegistry = (*CachedTierRegistry)(nil)
