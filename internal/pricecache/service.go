package pricecache

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/IshaanNene/pricewatch/internal/observability"
	"github.com/IshaanNene/pricewatch/internal/parser"
	"github.com/IshaanNene/pricewatch/internal/scrape"
	"github.com/IshaanNene/pricewatch/internal/storage"
	"github.com/IshaanNene/pricewatch/internal/types"
)

// Service scrapes tracked product URLs and keeps product price caches
// current.
type Service struct {
	prices   storage.PriceStore
	scraper  *scrape.Scraper
	stores   StoreLookup
	notifier scrape.Notifier
	metrics  *observability.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// NewService creates a price cache service. A nil notifier discards price
// alerts.
func NewService(prices storage.PriceStore, scraper *scrape.Scraper, stores StoreLookup, notifier scrape.Notifier, metrics *observability.Metrics, logger *zap.Logger) *Service {
	if notifier == nil {
		notifier = scrape.NopNotifier{}
	}
	return &Service{
		prices:   prices,
		scraper:  scraper,
		stores:   stores,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger.With(zap.String("component", "price_cache")),
		now:      time.Now,
	}
}

// UpdatePrices live-scrapes every URL of a product, records each price
// found and rebuilds the product's cache. It reports whether every URL
// yielded a price.
func (s *Service) UpdatePrices(ctx context.Context, productID int64) (bool, error) {
	p, err := s.prices.GetProduct(ctx, productID)
	if err != nil {
		return false, err
	}

	firstPrice, err := s.firstPrice(ctx, p)
	if err != nil {
		return false, err
	}

	successful := 0
	for _, u := range p.URLs {
		price, ok, err := s.updateURL(ctx, u)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			s.logger.Warn("price update failed", zap.String("url", u.URL), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		successful++
		if ShouldNotify(p, price, firstPrice) {
			s.alert(ctx, p, u, price)
		}
	}

	if _, err := s.Regenerate(ctx, productID); err != nil {
		return false, err
	}
	return successful == len(p.URLs), nil
}

// updateURL scrapes one URL and stores its price. ok is false when the
// page yielded no usable price.
func (s *Service) updateURL(ctx context.Context, u types.ProductURL) (float64, bool, error) {
	store, found := s.stores.Get(u.StoreID)
	if !found {
		return 0, false, eris.Wrapf(types.ErrNoStore, "store %d", u.StoreID)
	}
	res, err := s.scraper.Scrape(ctx, u.URL, scrape.Options{Mode: types.Live, Store: store})
	if err != nil {
		return 0, false, err
	}
	price, ok := parser.ParsePrice(res.Price, store.Locale())
	if !ok || price <= 0 {
		return 0, false, nil
	}
	price = parser.RoundToCurrency(price, store.Currency())

	obs := &types.PriceObservation{
		ProductID: u.ProductID,
		URLID:     u.ID,
		StoreID:   u.StoreID,
		Price:     price,
		CreatedAt: s.now().UTC(),
	}
	if err := s.prices.AddPrice(ctx, obs); err != nil {
		return 0, false, err
	}
	s.metrics.ObservePrice()
	s.logger.Debug("price recorded", zap.String("url", u.URL), zap.Float64("price", price))
	return price, true, nil
}

func (s *Service) alert(ctx context.Context, p *types.Product, u types.ProductURL, price float64) {
	note := scrape.Notification{
		Level: "success",
		Title: "Price alert: " + p.Title,
		Body:  fmt.Sprintf("Price dropped to %.2f", price),
		URL:   u.URL,
	}
	if err := s.notifier.Notify(ctx, note); err != nil {
		s.logger.Warn("price alert failed", zap.Int64("product_id", p.ID), zap.Error(err))
	}
}

// Regenerate rebuilds and stores a product's price cache from its last
// year of observations.
func (s *Service) Regenerate(ctx context.Context, productID int64) (*types.Product, error) {
	p, err := s.prices.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	obs, err := s.prices.PriceHistory(ctx, productID, Since(now))
	if err != nil {
		return nil, err
	}

	entries := Build(p.URLs, obs, s.stores, now)
	current := CurrentPrice(entries)
	if err := s.prices.SavePriceCache(ctx, productID, entries, current); err != nil {
		return nil, err
	}
	s.metrics.ObservePriceCache()

	p.PriceCache = entries
	p.CurrentPrice = current
	s.logger.Debug("price cache rebuilt",
		zap.Int64("product_id", productID),
		zap.Int("entries", len(entries)),
		zap.Float64("current_price", current),
	)
	return p, nil
}

// RegenerateAll rebuilds every product's cache. Failures are logged and
// skipped; the count of rebuilt caches is returned.
func (s *Service) RegenerateAll(ctx context.Context) (int, error) {
	ids, err := s.prices.ListProductIDs(ctx)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		if _, err := s.Regenerate(ctx, id); err != nil {
			s.logger.Error("price cache rebuild failed", zap.Int64("product_id", id), zap.Error(err))
			continue
		}
		done++
	}
	s.logger.Info("price caches rebuilt", zap.Int("rebuilt", done), zap.Int("products", len(ids)))
	return done, nil
}

// SetInitialPrice back-fills value as the leading point of one URL's
// cached history. The rest of the cache is left as is.
func (s *Service) SetInitialPrice(ctx context.Context, productID, urlID int64, value float64) (*types.Product, error) {
	if value <= 0 {
		return nil, eris.Errorf("initial price must be positive, got %v", value)
	}
	p, err := s.prices.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	for i := range p.PriceCache {
		if p.PriceCache[i].URLID != urlID {
			continue
		}
		p.PriceCache[i].History = PrependValueToHistory(p.PriceCache[i].History, value)
		if err := s.prices.SavePriceCache(ctx, productID, p.PriceCache, p.CurrentPrice); err != nil {
			return nil, err
		}
		return p, nil
	}
	return nil, eris.Wrapf(types.ErrNotFound, "url %d has no cached history on product %d", urlID, productID)
}

// Summary is a product's price cache with the figures derived from it.
type Summary struct {
	Product                *types.Product `json:"product"`
	Trend                  types.Trend    `json:"trend"`
	Aggregates             Stats          `json:"aggregates"`
	Range                  []RangePoint   `json:"range"`
	InitialPrice           float64        `json:"initial_price"`
	CurrentDiscount        float64        `json:"current_discount"`
	IsLastScrapeSuccessful bool           `json:"is_last_scrape_successful"`
	IsNotifiedPrice        bool           `json:"is_notified_price"`
}

// Summarize loads a product and derives its summary.
func (s *Service) Summarize(ctx context.Context, productID int64) (*Summary, error) {
	p, err := s.prices.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	firstPrice, err := s.firstPrice(ctx, p)
	if err != nil {
		return nil, err
	}
	return Summarize(p, firstPrice, s.now()), nil
}

// firstPrice loads the oldest recorded price when the product alerts on a
// percentage drop.
func (s *Service) firstPrice(ctx context.Context, p *types.Product) (*float64, error) {
	if p.NotifyPercent == nil {
		return nil, nil
	}
	all, err := s.prices.PriceHistory(ctx, p.ID, time.Time{})
	if err != nil || len(all) == 0 {
		return nil, err
	}
	return &all[0].Price, nil
}

// Summarize derives a product's summary from its stored cache.
func Summarize(p *types.Product, firstPrice *float64, now time.Time) *Summary {
	allOK := true
	for _, e := range p.PriceCache {
		if !e.IsLastScrapeSuccessful(now) {
			allOK = false
			break
		}
	}
	return &Summary{
		Product:                p,
		Trend:                  ProductTrend(p),
		Aggregates:             Aggregates(p.PriceCache),
		Range:                  AggregateRange(p.PriceCache),
		InitialPrice:           InitialPrice(p),
		CurrentDiscount:        CurrentDiscount(p),
		IsLastScrapeSuccessful: allOK,
		IsNotifiedPrice:        ShouldNotify(p, p.CurrentPrice, firstPrice),
	}
}
