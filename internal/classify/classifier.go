package classify

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/IshaanNene/pricewatch/internal/cache"
	"github.com/IshaanNene/pricewatch/internal/config"
	"github.com/IshaanNene/pricewatch/internal/observability"
	"github.com/IshaanNene/pricewatch/internal/parser"
	"github.com/IshaanNene/pricewatch/internal/scrape"
	"github.com/IshaanNene/pricewatch/internal/types"
)

// MemoKey is the cache key a URL's classification is memoised under.
func MemoKey(rawURL string) string {
	return "search_result_dto_" + rawURL
}

// Classification is the memoised outcome for one URL, together with the
// extraction results its accessors read from.
type Classification struct {
	URL           string              `json:"url"`
	Status        types.IsProductPage `json:"status"`
	StoreID       *int64              `json:"store_id,omitempty"`
	Locale        string              `json:"locale"`
	Values        map[string]string   `json:"values,omitempty"`
	Strategies    types.RuleSet       `json:"strategies,omitempty"`
	Body          string              `json:"html,omitempty"`
	Attributes    *StoreAttributes    `json:"attributes,omitempty"`
	ExecutionTime float64             `json:"execution_time"`
}

func (c *Classification) productPage() bool {
	return c.Status == types.YesViaStore || c.Status == types.YesViaAutoCreate
}

// PriceRaw returns the extracted price text.
func (c *Classification) PriceRaw() string {
	if !c.productPage() {
		return ""
	}
	return c.Values[types.FieldPrice]
}

// Price returns the extracted price, or nil when there is none.
func (c *Classification) Price() *float64 {
	v, ok := parser.ParsePrice(c.PriceRaw(), c.Locale)
	if !ok {
		return nil
	}
	return &v
}

// Image returns the extracted image URL.
func (c *Classification) Image() string {
	if !c.productPage() {
		return ""
	}
	return c.Values[types.FieldImage]
}

// Rules returns the rules that produced the values.
func (c *Classification) Rules() types.RuleSet {
	if !c.productPage() {
		return nil
	}
	return c.Strategies
}

// HTML returns the page body the values were extracted from.
func (c *Classification) HTML() string {
	if !c.productPage() {
		return ""
	}
	return c.Body
}

// PageClassifier decides per URL between the store path and the heuristic
// path, memoising the decision.
type PageClassifier struct {
	scraper *scrape.Scraper
	auto    *AutoClassifier
	memo    cache.Store
	group   singleflight.Group
	ttl     time.Duration
	timeout time.Duration
	metrics *observability.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewPageClassifier creates a classifier memoising into store.
func NewPageClassifier(s *scrape.Scraper, auto *AutoClassifier, store cache.Store, cfg *config.Config, metrics *observability.Metrics, logger *zap.Logger) *PageClassifier {
	return &PageClassifier{
		scraper: s,
		auto:    auto,
		memo:    store,
		ttl:     cfg.Classify.TTL,
		timeout: cfg.Scrape.ProbeTimeout,
		metrics: metrics,
		logger:  logger.With(zap.String("component", "classifier")),
		now:     time.Now,
	}
}

// Classify returns the memoised classification for rawURL, computing it on
// a miss. Concurrent calls for the same URL share one computation. Fetch
// faults downgrade the result rather than failing it; only context errors
// are returned.
func (c *PageClassifier) Classify(ctx context.Context, rawURL string) (*Classification, error) {
	key := MemoKey(rawURL)

	var memo Classification
	ok, err := cache.GetJSON(ctx, c.memo, key, &memo)
	if err != nil {
		c.logger.Warn("classification memo unreadable", zap.String("url", rawURL), zap.Error(err))
	}
	if ok && memo.Status.IsTerminal() {
		c.metrics.ObserveMemoHit()
		return &memo, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		result, err := c.classify(ctx, rawURL)
		if err != nil {
			return nil, err
		}
		if err := cache.PutJSON(ctx, c.memo, key, result, c.ttl); err != nil {
			c.logger.Warn("classification memo not stored", zap.String("url", rawURL), zap.Error(err))
		}
		return result, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Classification), nil
}

// Forget drops the memoised classification for rawURL.
func (c *PageClassifier) Forget(ctx context.Context, rawURL string) error {
	return c.memo.Forget(ctx, MemoKey(rawURL))
}

func (c *PageClassifier) classify(ctx context.Context, rawURL string) (*Classification, error) {
	start := c.now()
	result := &Classification{URL: rawURL, Status: types.Maybe, Locale: c.auto.locale}
	defer func() {
		result.ExecutionTime = c.now().Sub(start).Seconds()
		c.metrics.ObserveClassification(result.Status)
	}()

	var body string
	if store, ok := c.scraper.Lookup(rawURL); ok {
		id := store.ID
		result.StoreID = &id
		result.Locale = store.Locale()

		res, err := c.scraper.Scrape(ctx, rawURL, scrape.Options{
			UseCache:       true,
			MaxAttempts:    1,
			ConnectTimeout: c.timeout,
			RequestTimeout: c.timeout,
			Mode:           types.Probe,
			Store:          store,
		})
		switch {
		case err != nil:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			c.logger.Debug("store probe failed", zap.String("url", rawURL), zap.Error(err))
		case res.Complete():
			result.Status = types.YesViaStore
			result.Values = map[string]string{}
			for _, field := range types.ScrapeFields {
				if v := res.Field(field); v != "" {
					result.Values[field] = v
				}
			}
			result.Strategies = store.ScrapeStrategy
			result.Body = res.Body
			return result, nil
		case res.Body == "" && len(res.Errors) > 0:
			c.logger.Debug("store probe got no page", zap.String("url", rawURL), zap.Strings("errors", res.Errors))
			return result, nil
		default:
			body = res.Body
		}
	}

	auto, err := c.inferAuto(ctx, rawURL, body)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		c.logger.Debug("auto inference failed", zap.String("url", rawURL), zap.Error(err))
		return result, nil
	}
	if auto.Attributes != nil {
		result.Status = types.YesViaAutoCreate
		result.Values = auto.Values
		result.Strategies = auto.Strategies
		result.Body = auto.HTML
		result.Attributes = auto.Attributes
		result.Locale = c.auto.locale
	}
	return result, nil
}

// inferAuto reuses the store probe's body when there is one.
func (c *PageClassifier) inferAuto(ctx context.Context, rawURL, body string) (*AutoResult, error) {
	if body != "" {
		return c.auto.Infer(parser.NewPage(rawURL, []byte(body))), nil
	}
	return c.auto.Fetch(ctx, rawURL, c.timeout)
}
