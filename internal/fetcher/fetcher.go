package fetcher

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/IshaanNene/pricewatch/internal/cache"
	"github.com/IshaanNene/pricewatch/internal/config"
	"github.com/IshaanNene/pricewatch/internal/observability"
	"github.com/IshaanNene/pricewatch/internal/types"
)

// Fetcher is the interface for all request fetcher implementations.
type Fetcher interface {
	// Fetch retrieves the content at the given request's URL. Transport
	// faults are returned as *types.FetchError; HTTP error statuses are
	// reported in Response.Errors.
	Fetch(ctx context.Context, req *types.Request) (*types.Response, error)

	// Close releases any resources held by the fetcher.
	Close() error

	// Type returns the fetcher type identifier.
	Type() string
}

// Router dispatches requests to a fetcher by Request.FetcherType, falling
// back to the HTTP fetcher for unknown types.
type Router struct {
	mu       sync.RWMutex
	fetchers map[string]Fetcher
	fallback string
	logger   *zap.Logger
}

// NewRouter creates a router whose fallback is the first fetcher given.
func NewRouter(logger *zap.Logger, fetchers ...Fetcher) *Router {
	r := &Router{
		fetchers: make(map[string]Fetcher, len(fetchers)),
		logger:   logger.With(zap.String("component", "fetch_router")),
	}
	for _, f := range fetchers {
		r.Register(f)
	}
	return r
}

// Register adds or replaces the fetcher for f.Type().
func (r *Router) Register(f Fetcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fallback == "" {
		r.fallback = f.Type()
	}
	r.fetchers[f.Type()] = f
}

func (r *Router) Fetch(ctx context.Context, req *types.Request) (*types.Response, error) {
	r.mu.RLock()
	f, ok := r.fetchers[req.FetcherType]
	if !ok {
		f, ok = r.fetchers[r.fallback]
		if ok && req.FetcherType != "" {
			r.logger.Debug("fetcher unavailable, falling back",
				zap.String("requested", req.FetcherType),
				zap.String("using", r.fallback),
			)
		}
	}
	r.mu.RUnlock()
	if !ok {
		return nil, eris.Wrapf(types.ErrNoFetcher, "type %q", req.FetcherType)
	}
	return f.Fetch(ctx, req)
}

func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var first error
	for _, f := range r.fetchers {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (r *Router) Type() string { return "router" }

// New builds the fetch stack used by the scraper and the classifier:
// page cache, then per-host politeness, then the HTTP or browser fetcher.
func New(cfg *config.Config, store cache.Store, metrics *observability.Metrics, logger *zap.Logger) (Fetcher, error) {
	httpFetcher, err := NewHTTPFetcher(&cfg.Fetcher, logger)
	if err != nil {
		return nil, err
	}
	router := NewRouter(logger, httpFetcher, NewBrowserFetcher(&cfg.Fetcher, logger))

	var f Fetcher = router
	if cfg.Scrape.SecondsBetween > 0 {
		f = NewHostLimiter(f, secondsToDuration(cfg.Scrape.SecondsBetween), logger)
	}
	return NewCachingFetcher(f, store, metrics, logger), nil
}
