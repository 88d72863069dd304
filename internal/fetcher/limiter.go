package fetcher

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/IshaanNene/pricewatch/internal/types"
)

// HostLimiter spaces live fetches to the same host by a fixed interval. A
// 429 response pushes the host's next slot back by its Retry-After.
type HostLimiter struct {
	next     Fetcher
	interval time.Duration
	logger   *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	blocked  map[string]time.Time
	now      func() time.Time
}

// NewHostLimiter wraps next with per-host politeness.
func NewHostLimiter(next Fetcher, interval time.Duration, logger *zap.Logger) *HostLimiter {
	return &HostLimiter{
		next:     next,
		interval: interval,
		logger:   logger.With(zap.String("component", "host_limiter")),
		limiters: make(map[string]*rate.Limiter),
		blocked:  make(map[string]time.Time),
		now:      time.Now,
	}
}

func (h *HostLimiter) limiter(host string) (*rate.Limiter, time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Every(h.interval), 1)
		h.limiters[host] = l
	}
	return l, h.blocked[host]
}

func (h *HostLimiter) Fetch(ctx context.Context, req *types.Request) (*types.Response, error) {
	host := types.NormalizeHost(req.Domain())
	l, until := h.limiter(host)

	if wait := until.Sub(h.now()); wait > 0 {
		h.logger.Debug("host backing off", zap.String("host", host), zap.Duration("wait", wait))
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, &types.FetchError{URL: req.URLString(), Err: ctx.Err()}
		}
	}
	if err := l.Wait(ctx); err != nil {
		return nil, &types.FetchError{URL: req.URLString(), Err: err}
	}

	resp, err := h.next.Fetch(ctx, req)
	if err == nil && resp.StatusCode == http.StatusTooManyRequests {
		h.mu.Lock()
		h.blocked[host] = h.now().Add(parseRetryAfter(resp.Headers.Get("Retry-After")))
		h.mu.Unlock()
	}
	return resp, err
}

func (h *HostLimiter) Close() error { return h.next.Close() }

func (h *HostLimiter) Type() string { return h.next.Type() }
