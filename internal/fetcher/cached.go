package fetcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"go.uber.org/zap"

	"github.com/IshaanNene/pricewatch/internal/cache"
	"github.com/IshaanNene/pricewatch/internal/observability"
	"github.com/IshaanNene/pricewatch/internal/types"
)

// CachingFetcher serves bodies from the page cache when a request allows
// it and stores every successful live fetch for Request.CacheTTL.
type CachingFetcher struct {
	next    Fetcher
	store   cache.Store
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewCachingFetcher wraps next with the page cache.
func NewCachingFetcher(next Fetcher, store cache.Store, metrics *observability.Metrics, logger *zap.Logger) *CachingFetcher {
	return &CachingFetcher{
		next:    next,
		store:   store,
		metrics: metrics,
		logger:  logger.With(zap.String("component", "page_cache")),
	}
}

// PageCacheKey is the cache key for a URL's body.
func PageCacheKey(url string) string {
	sum := sha256.Sum256([]byte(url))
	return "scrape:" + hex.EncodeToString(sum[:])
}

func (c *CachingFetcher) Fetch(ctx context.Context, req *types.Request) (*types.Response, error) {
	key := PageCacheKey(req.URLString())

	if req.UseCache && c.store != nil {
		body, ok, err := c.store.Get(ctx, key)
		switch {
		case err != nil:
			c.logger.Warn("page cache read failed", zap.String("url", req.URLString()), zap.Error(err))
		case ok:
			resp := types.NewCachedResponse(req, body)
			c.metrics.ObserveResponse(resp)
			return resp, nil
		}
	}

	resp, err := c.next.Fetch(ctx, req)
	if err != nil {
		c.metrics.ObserveFetchFailure()
		return nil, err
	}
	c.metrics.ObserveResponse(resp)

	if c.store != nil && req.CacheTTL > 0 && resp.IsSuccess() {
		if err := c.store.Put(ctx, key, resp.Body, req.CacheTTL); err != nil {
			c.logger.Warn("page cache write failed", zap.String("url", req.URLString()), zap.Error(err))
		}
	}
	return resp, nil
}

func (c *CachingFetcher) Close() error { return c.next.Close() }

func (c *CachingFetcher) Type() string { return c.next.Type() }
