package fetcher

import (
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/IshaanNene/pricewatch/internal/cache"
	"github.com/IshaanNene/pricewatch/internal/config"
	"github.com/IshaanNene/pricewatch/internal/observability"
	"github.com/IshaanNene/pricewatch/internal/types"
)

func newTestHTTPFetcher(t *testing.T) *HTTPFetcher {
	t.Helper()
	cfg := config.DefaultConfig().Fetcher
	f, err := NewHTTPFetcher(&cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func mustRequest(t *testing.T, url string) *types.Request {
	t.Helper()
	req, err := types.NewRequest(url)
	require.NoError(t, err)
	return req
}

func TestHTTPFetcherDecodesBodies(t *testing.T) {
	const page = "<html><h1>Widget</h1></html>"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/gzip":
			w.Header().Set("Content-Encoding", "gzip")
			zw := gzip.NewWriter(w)
			_, _ = zw.Write([]byte(page))
			_ = zw.Close()
		case "/br":
			w.Header().Set("Content-Encoding", "br")
			bw := brotli.NewWriter(w)
			_, _ = bw.Write([]byte(page))
			_ = bw.Close()
		default:
			_, _ = w.Write([]byte(page))
		}
	}))
	defer srv.Close()

	f := newTestHTTPFetcher(t)
	for _, path := range []string{"/plain", "/gzip", "/br"} {
		resp, err := f.Fetch(context.Background(), mustRequest(t, srv.URL+path))
		require.NoError(t, err, path)
		assert.Equal(t, page, string(resp.Body), path)
		assert.True(t, resp.IsSuccess(), path)
	}
}

func TestHTTPFetcherSendsHeaders(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	req := mustRequest(t, srv.URL)
	req.Headers.Set("X-Store", "acme")
	req.Headers.Set("Accept-Language", "de-DE")
	_, err := newTestHTTPFetcher(t).Fetch(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "acme", got.Get("X-Store"))
	assert.Equal(t, "de-DE", got.Get("Accept-Language"))
	assert.Equal(t, "document", got.Get("Sec-Fetch-Dest"))
	assert.NotEmpty(t, got.Get("User-Agent"))
}

func TestHTTPFetcherErrorStatusIsSoft(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("gone"))
	}))
	defer srv.Close()

	resp, err := newTestHTTPFetcher(t).Fetch(context.Background(), mustRequest(t, srv.URL))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.False(t, resp.IsSuccess())
	require.Len(t, resp.Errors, 1)
	assert.Contains(t, resp.Errors[0], "HTTP 404")
}

func TestHTTPFetcherTimeoutIsFetchError(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	req := mustRequest(t, srv.URL)
	req.Timeout = 50 * time.Millisecond
	_, err := newTestHTTPFetcher(t).Fetch(context.Background(), req)
	require.Error(t, err)

	var fe *types.FetchError
	require.True(t, errors.As(err, &fe))
	assert.True(t, errors.Is(err, types.ErrTimeout))
	assert.True(t, fe.Retryable)
}

func TestHTTPFetcherConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	req := mustRequest(t, url)
	req.ConnectTimeout = time.Second
	_, err := newTestHTTPFetcher(t).Fetch(context.Background(), req)

	var fe *types.FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, url, fe.URL)
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 5*time.Second, parseRetryAfter(""))
	assert.Equal(t, 7*time.Second, parseRetryAfter("7"))
	assert.Equal(t, 2*time.Minute, parseRetryAfter("600"))
	assert.Equal(t, 5*time.Second, parseRetryAfter("soon"))
}

// stubFetcher serves canned responses and counts calls.
type stubFetcher struct {
	mu     sync.Mutex
	calls  int
	cached []bool
	kind   string
	resp   func(req *types.Request) (*types.Response, error)
}

func (s *stubFetcher) Fetch(_ context.Context, req *types.Request) (*types.Response, error) {
	s.mu.Lock()
	s.calls++
	s.cached = append(s.cached, req.UseCache)
	s.mu.Unlock()
	if s.resp != nil {
		return s.resp(req)
	}
	return &types.Response{StatusCode: 200, Body: []byte("live:" + req.URLString()), Request: req, Headers: http.Header{}}, nil
}

func (s *stubFetcher) Close() error { return nil }

func (s *stubFetcher) Type() string {
	if s.kind == "" {
		return types.FetcherHTTP
	}
	return s.kind
}

func TestCachingFetcher(t *testing.T) {
	store := cache.NewMemory()
	next := &stubFetcher{}
	metrics := observability.NewMetrics(zap.NewNop())
	f := NewCachingFetcher(next, store, metrics, zap.NewNop())
	ctx := context.Background()

	req := mustRequest(t, "https://shop.example/p/1")
	req.UseCache = true
	req.CacheTTL = time.Hour

	first, err := f.Fetch(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.FromCache)

	second, err := f.Fetch(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.Body, second.Body)
	assert.Equal(t, 1, next.calls)

	live := req.Clone()
	live.UseCache = false
	third, err := f.Fetch(ctx, live)
	require.NoError(t, err)
	assert.False(t, third.FromCache)
	assert.Equal(t, 2, next.calls)

	assert.Equal(t, int64(1), metrics.ResponsesCached.Load())
}

func TestCachingFetcherSkipsFailures(t *testing.T) {
	store := cache.NewMemory()
	next := &stubFetcher{resp: func(req *types.Request) (*types.Response, error) {
		return &types.Response{StatusCode: 503, Body: []byte("busy"), Request: req, Errors: []string{"HTTP 503"}}, nil
	}}
	f := NewCachingFetcher(next, store, nil, zap.NewNop())

	req := mustRequest(t, "https://shop.example/p/2")
	req.UseCache = true
	req.CacheTTL = time.Hour
	_, err := f.Fetch(context.Background(), req)
	require.NoError(t, err)

	_, ok, err := store.Get(context.Background(), PageCacheKey(req.URLString()))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRouterFallsBack(t *testing.T) {
	httpStub := &stubFetcher{}
	browserStub := &stubFetcher{kind: types.FetcherBrowser}
	r := NewRouter(zap.NewNop(), httpStub, browserStub)

	req := mustRequest(t, "https://shop.example/")
	req.FetcherType = types.FetcherBrowser
	_, err := r.Fetch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, browserStub.calls)

	req.FetcherType = "carrier-pigeon"
	_, err = r.Fetch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, httpStub.calls)

	_, err = NewRouter(zap.NewNop()).Fetch(context.Background(), req)
	assert.True(t, errors.Is(err, types.ErrNoFetcher))
}

func TestHostLimiterSpacesSameHost(t *testing.T) {
	next := &stubFetcher{}
	h := NewHostLimiter(next, 80*time.Millisecond, zap.NewNop())
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := h.Fetch(ctx, mustRequest(t, "https://www.shop.example/p"))
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)

	// a different host is not delayed by the first one
	start = time.Now()
	_, err := h.Fetch(ctx, mustRequest(t, "https://other.example/p"))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestHostLimiterBacksOffOn429(t *testing.T) {
	var calls atomic.Int32
	next := &stubFetcher{resp: func(req *types.Request) (*types.Response, error) {
		if calls.Add(1) == 1 {
			h := http.Header{}
			h.Set("Retry-After", "1")
			return &types.Response{StatusCode: http.StatusTooManyRequests, Headers: h, Request: req}, nil
		}
		return &types.Response{StatusCode: 200, Body: []byte("ok"), Request: req, Headers: http.Header{}}, nil
	}}
	h := NewHostLimiter(next, time.Millisecond, zap.NewNop())

	_, err := h.Fetch(context.Background(), mustRequest(t, "https://shop.example/p"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = h.Fetch(ctx, mustRequest(t, "https://shop.example/p"))
	var fe *types.FetchError
	require.True(t, errors.As(err, &fe), "second fetch should wait out Retry-After")
	assert.Equal(t, int32(1), calls.Load())
}
