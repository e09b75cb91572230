package sqlstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/goliatone/go-entitlements/core"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

const entitlementCacheKeyPrefix = "go-entitlements::entitlement::v1"

type cachedEntitlement struct {
	Entitlement core.Entitlement
	Found       bool
}

// CachedEntitlementReader caches single-row owner and id lookups. Batch
// selections used by workers always hit the base reader; stale batches are
// harmless because every destructive write re-reads inside the transaction.
type CachedEntitlementReader struct {
	base  core.EntitlementReader
	cache repositorycache.CacheService
}

func NewCachedEntitlementReader(
	base core.EntitlementReader,
	cacheService repositorycache.CacheService,
) (*CachedEntitlementReader, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base entitlement reader is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: entitlement cache service is required")
	}
	return &CachedEntitlementReader{base: base, cache: cacheService}, nil
}

// EntitlementCacheKey returns the deterministic cache key contract for
// single-row reads: go-entitlements::entitlement::v1::<dimension>::<value>
// with the value segment URL-path escaped.
func EntitlementCacheKey(dimension, value string) (string, error) {
	dimension = strings.TrimSpace(dimension)
	value = strings.TrimSpace(value)
	if dimension == "" || value == "" {
		return "", fmt.Errorf("sqlstore: cache key dimension and value are required")
	}
	return strings.Join([]string{entitlementCacheKeyPrefix, dimension, url.PathEscape(value)}, "::"), nil
}

func (r *CachedEntitlementReader) Get(ctx context.Context, id string) (core.Entitlement, bool, error) {
	if r == nil || r.base == nil || r.cache == nil {
		return core.Entitlement{}, false, fmt.Errorf("sqlstore: cached entitlement reader is not configured")
	}
	cacheKey, err := EntitlementCacheKey("id", id)
	if err != nil {
		return core.Entitlement{}, false, err
	}
	cached, err := repositorycache.GetOrFetch(ctx, r.cache, cacheKey, func(ctx context.Context) (cachedEntitlement, error) {
		entitlement, found, fetchErr := r.base.Get(ctx, id)
		if fetchErr != nil {
			return cachedEntitlement{}, fetchErr
		}
		return cachedEntitlement{Entitlement: entitlement, Found: found}, nil
	})
	if err != nil {
		return core.Entitlement{}, false, err
	}
	return cached.Entitlement, cached.Found, nil
}

func (r *CachedEntitlementReader) GetByOwner(ctx context.Context, ownerID string) (core.Entitlement, bool, error) {
	if r == nil || r.base == nil || r.cache == nil {
		return core.Entitlement{}, false, fmt.Errorf("sqlstore: cached entitlement reader is not configured")
	}
	cacheKey, err := EntitlementCacheKey("owner", ownerID)
	if err != nil {
		return core.Entitlement{}, false, err
	}
	cached, err := repositorycache.GetOrFetch(ctx, r.cache, cacheKey, func(ctx context.Context) (cachedEntitlement, error) {
		entitlement, found, fetchErr := r.base.GetByOwner(ctx, ownerID)
		if fetchErr != nil {
			return cachedEntitlement{}, fetchErr
		}
		return cachedEntitlement{Entitlement: entitlement, Found: found}, nil
	})
	if err != nil {
		return core.Entitlement{}, false, err
	}
	return cached.Entitlement, cached.Found, nil
}

// Invalidate drops the cached id and owner entries for a row after a write.
func (r *CachedEntitlementReader) Invalidate(ctx context.Context, id string, ownerID string) error {
	if r == nil || r.cache == nil {
		return fmt.Errorf("sqlstore: cached entitlement reader is not configured")
	}
	if trimmed := strings.TrimSpace(id); trimmed != "" {
		cacheKey, err := EntitlementCacheKey("id", trimmed)
		if err != nil {
			return err
		}
		if err := r.cache.Delete(ctx, cacheKey); err != nil {
			return err
		}
	}
	if trimmed := strings.TrimSpace(ownerID); trimmed != "" {
		cacheKey, err := EntitlementCacheKey("owner", trimmed)
		if err != nil {
			return err
		}
		if err := r.cache.Delete(ctx, cacheKey); err != nil {
			return err
		}
	}
	return nil
}

func (r *CachedEntitlementReader) ListExpiringWithin(ctx context.Context, window time.Duration, claimedAfter time.Time, limit int) ([]core.Entitlement, error) {
	if r == nil || r.base == nil {
		return nil, fmt.Errorf("sqlstore: cached entitlement reader is not configured")
	}
	return r.base.ListExpiringWithin(ctx, window, claimedAfter, limit)
}

func (r *CachedEntitlementReader) ListExpired(ctx context.Context, now time.Time, afterID string, limit int) ([]core.Entitlement, error) {
	if r == nil || r.base == nil {
		return nil, fmt.Errorf("sqlstore: cached entitlement reader is not configured")
	}
	return r.base.ListExpired(ctx, now, afterID, limit)
}

func (r *CachedEntitlementReader) ListPendingActivation(ctx context.Context, maxAttempts int, limit int) ([]core.Entitlement, error) {
	if r == nil || r.base == nil {
		return nil, fmt.Errorf("sqlstore: cached entitlement reader is not configured")
	}
	return r.base.ListPendingActivation(ctx, maxAttempts, limit)
}

func (r *CachedEntitlementReader) ListCredentialIDs(ctx context.Context) ([]string, error) {
	if r == nil || r.base == nil {
		return nil, fmt.Errorf("sqlstore: cached entitlement reader is not configured")
	}
	return r.base.ListCredentialIDs(ctx)
}

func (r *CachedEntitlementReader) FindByCredentialID(ctx context.Context, credentialID string) (core.Entitlement, bool, error) {
	if r == nil || r.base == nil {
		return core.Entitlement{}, false, fmt.Errorf("sqlstore: cached entitlement reader is not configured")
	}
	return r.base.FindByCredentialID(ctx, credentialID)
}

func (r *CachedEntitlementReader) HasActivePaid(ctx context.Context, ownerID string, now time.Time) (bool, error) {
	if r == nil || r.base == nil {
		return false, fmt.Errorf("sqlstore: cached entitlement reader is not configured")
	}
	return r.base.HasActivePaid(ctx, ownerID, now)
}

var _ core.EntitlementReader = (*CachedEntitlementReader)(nil)
