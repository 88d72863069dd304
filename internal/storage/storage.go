// Package storage persists research records, tracked products and their
// price observations.
package storage

import (
	"context"
	"time"

	"github.com/IshaanNene/pricewatch/internal/types"
)

// ResearchFilter narrows SearchResearch. Zero fields do not filter.
type ResearchFilter struct {
	URLs     []string
	MinPrice *float64
	MaxPrice *float64
	StoreID  *int64
	Limit    int
}

// Matches reports whether r passes the filter.
func (f ResearchFilter) Matches(r *types.ResearchRecord) bool {
	if len(f.URLs) > 0 {
		found := false
		for _, u := range f.URLs {
			if u == r.URL {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.MinPrice != nil && (r.Price == nil || *r.Price < *f.MinPrice) {
		return false
	}
	if f.MaxPrice != nil && (r.Price == nil || *r.Price > *f.MaxPrice) {
		return false
	}
	if f.StoreID != nil && (r.StoreID == nil || *r.StoreID != *f.StoreID) {
		return false
	}
	return true
}

// ResearchStore persists research records, unique by URL.
type ResearchStore interface {
	// UpsertResearch inserts records or updates those whose URL exists.
	UpsertResearch(ctx context.Context, records []*types.ResearchRecord) error

	// FindResearchByURLs returns the stored records for urls keyed by URL.
	FindResearchByURLs(ctx context.Context, urls []string) (map[string]*types.ResearchRecord, error)

	// SearchResearch lists records matching f, newest first.
	SearchResearch(ctx context.Context, f ResearchFilter) ([]*types.ResearchRecord, error)

	// PruneResearch deletes records last updated before olderThan.
	PruneResearch(ctx context.Context, olderThan time.Time) (int64, error)

	Close() error

	// Name returns the storage backend identifier.
	Name() string
}

// PriceStore persists tracked products, their URLs and price observations.
type PriceStore interface {
	CreateProduct(ctx context.Context, p *types.Product) error
	GetProduct(ctx context.Context, id int64) (*types.Product, error)
	ListProductIDs(ctx context.Context) ([]int64, error)

	AddProductURL(ctx context.Context, u *types.ProductURL) error
	ProductURLs(ctx context.Context, productID int64) ([]types.ProductURL, error)

	AddPrice(ctx context.Context, obs *types.PriceObservation) error

	// PriceHistory returns a product's observations created at or after
	// since, oldest first.
	PriceHistory(ctx context.Context, productID int64, since time.Time) ([]types.PriceObservation, error)

	// SavePriceCache replaces a product's derived price cache.
	SavePriceCache(ctx context.Context, productID int64, entries []types.PriceCacheEntry, currentPrice float64) error

	Close() error
	Name() string
}

// Backend is a store serving both research records and prices.
type Backend interface {
	ResearchStore
	PriceStore
}
