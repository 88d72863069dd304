// Package scrape extracts product fields from pages of registered stores,
// retrying a bounded number of times.
package scrape

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/IshaanNene/pricewatch/internal/config"
	"github.com/IshaanNene/pricewatch/internal/fetcher"
	"github.com/IshaanNene/pricewatch/internal/observability"
	"github.com/IshaanNene/pricewatch/internal/parser"
	"github.com/IshaanNene/pricewatch/internal/types"
)

// StoreLookup resolves the store responsible for a URL.
type StoreLookup interface {
	Match(rawURL string) (*types.Store, bool)
}

// Options tune a single Scrape call. Zero values fall back to the scrape
// configuration.
type Options struct {
	// UseCache lets the first attempt read the page cache. Later attempts
	// always fetch live.
	UseCache       bool
	MaxAttempts    int
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	Mode           types.Mode

	// Store skips the domain lookup.
	Store *types.Store
}

// Scraper fetches store pages and applies the store's extraction rules.
type Scraper struct {
	fetcher   fetcher.Fetcher
	stores    StoreLookup
	extractor *parser.Extractor
	notifier  Notifier
	cfg       *config.ScrapeConfig
	metrics   *observability.Metrics
	logger    *zap.Logger
}

// NewScraper creates a scraper. A nil notifier discards notifications.
func NewScraper(f fetcher.Fetcher, stores StoreLookup, notifier Notifier, cfg *config.ScrapeConfig, metrics *observability.Metrics, logger *zap.Logger) *Scraper {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Scraper{
		fetcher:   f,
		stores:    stores,
		extractor: parser.NewExtractor(logger),
		notifier:  notifier,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger.With(zap.String("component", "scraper")),
	}
}

// Lookup returns the store registered for rawURL.
func (s *Scraper) Lookup(rawURL string) (*types.Store, bool) {
	if s.stores == nil {
		return nil, false
	}
	return s.stores.Match(rawURL)
}

// Scrape fetches rawURL up to MaxAttempts times, stopping as soon as a
// title is extracted. A missing title or price is not an error: it is
// reported in ScrapeResult.Missing. Transport faults abort the loop and
// are returned as *types.FetchError. ErrNoStore is returned when no store
// matches and opts.Store is nil.
func (s *Scraper) Scrape(ctx context.Context, rawURL string, opts Options) (*types.ScrapeResult, error) {
	store := opts.Store
	if store == nil {
		var ok bool
		if store, ok = s.Lookup(rawURL); !ok {
			s.errorLog(opts.Mode, "No store found for URL", zap.String("url", rawURL))
			s.notify(ctx, opts.Mode, rawURL, "No store found for URL")
			return nil, eris.Wrapf(types.ErrNoStore, "%s", rawURL)
		}
	}
	opts = s.withDefaults(opts)

	result := &types.ScrapeResult{URL: rawURL, StoreID: store.ID}
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		result.Attempts = attempt
		s.metrics.ObserveScrapeAttempt()

		useCache := opts.UseCache && attempt == 1
		if err := s.attempt(ctx, rawURL, store, opts, useCache, result); err != nil {
			s.errorLog(opts.Mode, "Error scraping URL",
				zap.String("url", rawURL),
				zap.Int("attempts", attempt),
				zap.Error(err),
			)
			return nil, err
		}
		if result.Title != "" {
			break
		}
	}

	for _, required := range []string{types.FieldPrice, types.FieldTitle} {
		if result.Field(required) == "" {
			result.Missing = append(result.Missing, required)
		}
	}
	if len(result.Missing) > 0 {
		s.metrics.ObserveIncompleteScrape()
		s.errorLog(opts.Mode, fmt.Sprintf("Error scraping URL %d times", result.Attempts),
			zap.String("url", rawURL),
			zap.Int("attempts", result.Attempts),
			zap.String("error", fmt.Sprintf("Missing %s when scraping", result.Missing[0])),
			zap.Strings("scrape_errors", result.Errors),
		)
		s.notify(ctx, opts.Mode, rawURL, "Missing required field: "+result.Missing[0])
	}
	return result, nil
}

// attempt performs one fetch and overwrites result's fields with what it
// yields. Soft fetch errors leave every field empty.
func (s *Scraper) attempt(ctx context.Context, rawURL string, store *types.Store, opts Options, useCache bool, result *types.ScrapeResult) error {
	for _, field := range types.ScrapeFields {
		result.SetField(field, "")
	}

	req, err := s.newRequest(rawURL, store, opts, useCache)
	if err != nil {
		return err
	}
	resp, err := s.fetcher.Fetch(ctx, req)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return err
	}
	if len(resp.Errors) > 0 {
		result.Errors = append(result.Errors, resp.Errors...)
		s.errorLog(opts.Mode, "Error scraping URL",
			zap.String("url", rawURL),
			zap.Int64("store_id", store.ID),
			zap.Strings("errors", resp.Errors),
		)
		s.notify(ctx, opts.Mode, rawURL, "Error scraping URL check logs")
		return nil
	}

	page := parser.PageFromResponse(resp)
	for _, field := range types.ScrapeFields {
		rule, ok := store.ScrapeStrategy.Rule(field)
		if !ok {
			continue
		}
		value, found, err := s.extractor.Extract(page, rule)
		if err != nil {
			s.metrics.ObserveExtractionFault()
			s.errorLog(opts.Mode, "Error scraping URL", zap.String("url", rawURL), zap.String("field", field), zap.Error(err))
			s.notify(ctx, opts.Mode, rawURL, err.Error())
			continue
		}
		if found {
			result.SetField(field, cleanField(field, value))
		}
	}
	result.Body = string(resp.Body)
	return nil
}

// cleanField normalises an extracted value for storage.
func cleanField(field, value string) string {
	switch field {
	case types.FieldTitle:
		return parser.Truncate(parser.CleanText(value), parser.MaxStringLength)
	case types.FieldDescription:
		return parser.CleanText(value)
	case types.FieldImage:
		return parser.Truncate(strings.TrimSpace(value), parser.MaxStringLength)
	default:
		return strings.TrimSpace(value)
	}
}

// newRequest builds the fetch request from the store's scraper settings.
func (s *Scraper) newRequest(rawURL string, store *types.Store, opts Options, useCache bool) (*types.Request, error) {
	req, err := types.NewRequest(rawURL)
	if err != nil {
		return nil, err
	}
	req.UseCache = useCache
	req.CacheTTL = s.cfg.CacheTTLDuration()
	req.ConnectTimeout = opts.ConnectTimeout
	req.Timeout = opts.RequestTimeout
	if svc := store.Settings.ScraperService; svc != "" {
		req.FetcherType = svc
	}
	for k, v := range store.Settings.ScraperOptions {
		req.Options[k] = v
	}
	if headers, ok := store.Settings.ScraperOptions["headers"].(map[string]any); ok {
		for k, v := range headers {
			if sv, ok := v.(string); ok {
				req.Headers.Set(http.CanonicalHeaderKey(k), sv)
			}
		}
	}
	return req, nil
}

func (s *Scraper) withDefaults(opts Options) Options {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = max(s.cfg.MaxAttempts, 1)
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = s.cfg.ConnectTimeout
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = s.cfg.RequestTimeout
	}
	return opts
}

// errorLog logs at error level in Live mode and at debug level in Probe
// mode.
func (s *Scraper) errorLog(mode types.Mode, msg string, fields ...zap.Field) {
	if mode == types.Probe {
		s.logger.Debug(msg, fields...)
		return
	}
	s.logger.Error(msg, fields...)
}

func (s *Scraper) notify(ctx context.Context, mode types.Mode, url, body string) {
	if mode == types.Probe {
		return
	}
	if err := s.notifier.Notify(ctx, Notification{Level: "danger", Title: "Scrape error", Body: body, URL: url}); err != nil {
		s.logger.Warn("notification failed", zap.Error(err))
	}
}
