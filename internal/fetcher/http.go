package fetcher

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/IshaanNene/pricewatch/internal/config"
	"github.com/IshaanNene/pricewatch/internal/types"
)

type connectTimeoutKey struct{}

// withConnectTimeout bounds dialing for requests made with the returned
// context.
func withConnectTimeout(ctx context.Context, d time.Duration) context.Context {
	if d <= 0 {
		return ctx
	}
	return context.WithValue(ctx, connectTimeoutKey{}, d)
}

// HTTPFetcher implements Fetcher using net/http.
type HTTPFetcher struct {
	client     *http.Client
	cfg        *config.FetcherConfig
	dialer     net.Dialer
	logger     *zap.Logger
	userAgents []string
	uaIndex    atomic.Int64
}

// NewHTTPFetcher creates a new HTTP fetcher.
func NewHTTPFetcher(cfg *config.FetcherConfig, logger *zap.Logger) (*HTTPFetcher, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, eris.Wrap(err, "create cookie jar")
	}

	f := &HTTPFetcher{
		cfg: cfg,
		dialer: net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		},
		logger:     logger.With(zap.String("component", "http_fetcher")),
		userAgents: cfg.UserAgents,
	}

	tlsCfg := browserTLSConfig()
	tlsCfg.InsecureSkipVerify = cfg.TLSInsecure

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         f.dialContext,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: max(cfg.MaxIdleConns/2, 1),
		IdleConnTimeout:     cfg.IdleConnTimeout,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig:     tlsCfg,
		DisableCompression:  true, // decoded below, including brotli
	}

	f.client = &http.Client{
		Transport: transport,
		Jar:       jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if !cfg.FollowRedirects {
				return http.ErrUseLastResponse
			}
			if len(via) >= cfg.MaxRedirects {
				return eris.Errorf("max redirects (%d) reached", cfg.MaxRedirects)
			}
			return nil
		},
	}
	return f, nil
}

// dialContext applies the per-request connect timeout carried by ctx.
func (f *HTTPFetcher) dialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	d := f.dialer
	if t, ok := ctx.Value(connectTimeoutKey{}).(time.Duration); ok {
		d.Timeout = t
	}
	return d.DialContext(ctx, network, addr)
}

// Fetch executes an HTTP request and returns the response.
func (f *HTTPFetcher) Fetch(ctx context.Context, req *types.Request) (*types.Response, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	ctx = withConnectTimeout(ctx, req.ConnectTimeout)

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URLString(), nil)
	if err != nil {
		return nil, &types.FetchError{URL: req.URLString(), Err: err}
	}

	httpReq.Header.Set("User-Agent", f.nextUserAgent())
	httpReq.Header.Set("Accept-Encoding", "gzip, deflate, br")
	applyBrowserHeaders(httpReq.Header)
	for key, values := range req.Headers {
		for _, v := range values {
			httpReq.Header.Set(key, v)
		}
	}

	start := time.Now()
	httpResp, err := f.client.Do(httpReq)
	duration := time.Since(start)
	if err != nil {
		return nil, f.fetchError(req, err)
	}
	defer httpResp.Body.Close()

	var reader io.Reader = httpResp.Body
	if f.cfg.MaxBodySize > 0 {
		reader = io.LimitReader(reader, f.cfg.MaxBodySize)
	}
	reader, err = decompressReader(httpResp, reader)
	if err != nil {
		return nil, &types.FetchError{URL: req.URLString(), StatusCode: httpResp.StatusCode, Err: err}
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, f.fetchError(req, err)
	}

	resp := types.NewResponse(req, httpResp, body, duration)
	if httpResp.StatusCode == http.StatusTooManyRequests {
		resp.Errors = append(resp.Errors, fmt.Sprintf("rate limited, retry after %s",
			parseRetryAfter(httpResp.Header.Get("Retry-After"))))
	}
	if len(body) == 0 {
		resp.Errors = append(resp.Errors, types.ErrEmptyResponse.Error())
	}

	f.logger.Debug("fetch complete",
		zap.String("url", req.URLString()),
		zap.Int("status", resp.StatusCode),
		zap.Int("size", len(body)),
		zap.Duration("duration", duration),
	)
	return resp, nil
}

func (f *HTTPFetcher) fetchError(req *types.Request, err error) *types.FetchError {
	if errors.Is(err, context.DeadlineExceeded) {
		err = eris.Wrapf(types.ErrTimeout, "%s: %v", req.URLString(), err)
	}
	return &types.FetchError{
		URL:       req.URLString(),
		Err:       err,
		Retryable: isRetryableError(err),
	}
}

// Close releases resources.
func (f *HTTPFetcher) Close() error {
	f.client.CloseIdleConnections()
	return nil
}

// Type returns the fetcher type identifier.
func (f *HTTPFetcher) Type() string {
	return types.FetcherHTTP
}

// nextUserAgent returns the next User-Agent in rotation.
func (f *HTTPFetcher) nextUserAgent() string {
	if len(f.userAgents) == 0 {
		return "pricewatch/" + config.Version
	}
	idx := f.uaIndex.Add(1) % int64(len(f.userAgents))
	return f.userAgents[idx]
}

// decompressReader wraps a reader with the decoder for the response's
// Content-Encoding.
func decompressReader(resp *http.Response, reader io.Reader) (io.Reader, error) {
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "gzip":
		return gzip.NewReader(reader)
	case "deflate":
		return flate.NewReader(reader), nil
	case "br":
		return brotli.NewReader(reader), nil
	default:
		return reader, nil
	}
}

// isRetryableError checks if a network error warrants a retry.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, types.ErrTimeout) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errors.Is(opErr.Err, syscall.ECONNRESET) || errors.Is(opErr.Err, syscall.ECONNREFUSED)
	}
	return false
}

// parseRetryAfter parses a Retry-After header given in seconds or as an
// HTTP date. The result is capped at two minutes.
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 5 * time.Second
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(header)); err == nil {
		return min(time.Duration(secs)*time.Second, 2*time.Minute)
	}
	if t, err := http.ParseTime(header); err == nil {
		d := time.Until(t)
		if d < 0 {
			return time.Second
		}
		return min(d, 2*time.Minute)
	}
	return 5 * time.Second
}

func secondsToDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}
