package pricecache

import (
	"sort"
	"time"

	"github.com/IshaanNene/pricewatch/internal/types"
)

// StoreLookup resolves stores by ID.
type StoreLookup interface {
	Get(id int64) (*types.Store, bool)
}

// Build derives one cache entry per product URL that has history, cheapest
// first. Observations should be the product's prices since Since(now);
// older ones are ignored anyway. The entry's LastScrape is the newest
// observation for its URL, priced or not.
func Build(urls []types.ProductURL, obs []types.PriceObservation, stores StoreLookup, now time.Time) []types.PriceCacheEntry {
	histories := BuildHistories(obs, now)

	lastScrape := make(map[int64]time.Time)
	for _, o := range obs {
		if t, ok := lastScrape[o.URLID]; !ok || o.CreatedAt.After(t) {
			lastScrape[o.URLID] = o.CreatedAt
		}
	}

	entries := make([]types.PriceCacheEntry, 0, len(urls))
	for _, u := range urls {
		h, ok := histories[u.ID]
		if !ok {
			continue
		}
		current, _ := h.Last()
		e := types.PriceCacheEntry{
			StoreID: u.StoreID,
			URLID:   u.ID,
			URL:     u.URL,
			Trend:   HistoryTrend(h),
			Price:   current,
			History: h,
		}
		if t, ok := lastScrape[u.ID]; ok {
			ts := t.UTC()
			e.LastScrape = &ts
		}
		if store, ok := stores.Get(u.StoreID); ok {
			e.StoreName = store.Name
			e.Locale = store.Locale()
			e.Currency = store.Currency()
		} else {
			e.StoreName = "Unknown"
		}
		entries = append(entries, e)
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Price < entries[j].Price })
	return entries
}

// CurrentPrice is the cheapest entry's price, or 0 without entries.
func CurrentPrice(entries []types.PriceCacheEntry) float64 {
	if len(entries) == 0 {
		return 0
	}
	return entries[0].Price
}
