// Package search runs product research: it queries the search provider,
// attributes and classifies each hit, and records progress as it goes.
package search

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/IshaanNene/pricewatch/internal/config"
	"github.com/IshaanNene/pricewatch/internal/types"
)

// Provider returns one page of raw search results in relevance order.
type Provider interface {
	Search(ctx context.Context, query string, page int) ([]types.RawResult, error)
}

// SearXNG queries a SearXNG instance's JSON API.
type SearXNG struct {
	endpoint string
	client   *http.Client
	logger   *zap.Logger
}

// NewSearXNG creates a provider for the instance at cfg.URL.
func NewSearXNG(cfg *config.SearchConfig, logger *zap.Logger) *SearXNG {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SearXNG{
		endpoint: cfg.URL,
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With(zap.String("component", "searxng")),
	}
}

func (s *SearXNG) Search(ctx context.Context, query string, page int) ([]types.RawResult, error) {
	u, err := url.Parse(s.endpoint)
	if err != nil {
		return nil, eris.Wrapf(err, "parse search url %q", s.endpoint)
	}
	q := u.Query()
	q.Set("format", "json")
	q.Set("q", query)
	q.Set("pageno", strconv.Itoa(page))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "build search request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &types.FetchError{URL: u.String(), Err: err, Retryable: true}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &types.FetchError{URL: u.String(), StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode >= 400 {
		return nil, &types.FetchError{
			URL:        u.String(),
			StatusCode: resp.StatusCode,
			Err:        eris.Errorf("search provider returned %s", resp.Status),
			Retryable:  resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
		}
	}
	if !gjson.ValidBytes(body) {
		return nil, eris.Errorf("search provider returned invalid JSON for %q page %d", query, page)
	}

	var results []types.RawResult
	gjson.GetBytes(body, "results").ForEach(func(_, r gjson.Result) bool {
		results = append(results, types.RawResult{
			Title:     r.Get("title").String(),
			URL:       r.Get("url").String(),
			Snippet:   r.Get("content").String(),
			Thumbnail: r.Get("thumbnail").String(),
		})
		return true
	})
	s.logger.Debug("search page fetched", zap.String("query", query), zap.Int("page", page), zap.Int("results", len(results)))
	return results, nil
}
