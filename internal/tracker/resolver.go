package tracker

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"modelswarm/internal/domain"
	"modelswarm/internal/domain/ports"
	"modelswarm/internal/metrics"
)

// CachingResolver puts a cache in front of another resolver and collapses
// concurrent lookups of the same key into one upstream call. Only positive
// results are cached; a miss is re-asked next time.
type CachingResolver struct {
	next    ports.DescriptorResolver
	backend CacheBackend
	ttl     time.Duration
	logger  *slog.Logger
	group   singleflight.Group
}

var _ ports.DescriptorResolver = (*CachingResolver)(nil)

func NewCachingResolver(next ports.DescriptorResolver, backend CacheBackend, ttl time.Duration, logger *slog.Logger) *CachingResolver {
	if backend == nil {
		backend = NewMemoryCacheBackend()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachingResolver{next: next, backend: backend, ttl: ttl, logger: logger}
}

func (r *CachingResolver) Resolve(ctx context.Context, key domain.RepoKey) (domain.Descriptor, error) {
	cacheKey := key.String()
	if d, ok, err := r.backend.Get(ctx, cacheKey); err != nil {
		r.logger.Warn("descriptor cache read failed",
			slog.String("repo", cacheKey),
			slog.String("error", err.Error()),
		)
	} else if ok {
		metrics.DescriptorCacheTotal.WithLabelValues("hit").Inc()
		return d, nil
	}
	metrics.DescriptorCacheTotal.WithLabelValues("miss").Inc()

	v, err, _ := r.group.Do(cacheKey, func() (any, error) {
		d, err := r.next.Resolve(ctx, key)
		if err != nil {
			return domain.Descriptor{}, err
		}
		if err := r.backend.Set(ctx, cacheKey, d, r.ttl); err != nil {
			r.logger.Warn("descriptor cache write failed",
				slog.String("repo", cacheKey),
				slog.String("error", err.Error()),
			)
		}
		return d, nil
	})
	if err != nil {
		return domain.Descriptor{}, err
	}
	return v.(domain.Descriptor), nil
}

// Invalidate drops the cached descriptor for key.
func (r *CachingResolver) Invalidate(ctx context.Context, key domain.RepoKey) error {
	return r.backend.Delete(ctx, key.String())
}
