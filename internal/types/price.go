package types

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
)

// DateLayout is the calendar-day key used in price histories.
const DateLayout = "2006-01-02"

// Trend labels a current price against its own history.
type Trend string

const (
	TrendNone   Trend = "none"
	TrendUp     Trend = "up"
	TrendDown   Trend = "down"
	TrendLowest Trend = "lowest"
	TrendStable Trend = "stable"
)

// PriceObservation is one scraped price for a product URL.
type PriceObservation struct {
	ID        int64     `json:"id"`
	ProductID int64     `json:"product_id"`
	URLID     int64     `json:"url_id"`
	StoreID   int64     `json:"store_id"`
	Price     float64   `json:"price"`
	CreatedAt time.Time `json:"created_at"`
}

// ProductURL is one store page a product is tracked on.
type ProductURL struct {
	ID        int64     `json:"id"`
	ProductID int64     `json:"product_id"`
	StoreID   int64     `json:"store_id"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
}

// Product is a tracked item with its derived price cache.
type Product struct {
	ID            int64             `json:"id"`
	Title         string            `json:"title"`
	NotifyPrice   *float64          `json:"notify_price,omitempty"`
	NotifyPercent *float64          `json:"notify_percent,omitempty"`
	CurrentPrice  float64           `json:"current_price"`
	PriceCache    []PriceCacheEntry `json:"price_cache"`
	URLs          []ProductURL      `json:"urls,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// PricePoint is one day of a price history.
type PricePoint struct {
	Date  string
	Price float64
}

// Time parses the point's date.
func (p PricePoint) Time() time.Time {
	t, _ := time.Parse(DateLayout, p.Date)
	return t
}

// History is a chronological, one-per-day price series. It encodes as a
// JSON object keyed by date, preserving order.
type History []PricePoint

// Values returns the prices in order.
func (h History) Values() []float64 {
	out := make([]float64, len(h))
	for i, p := range h {
		out[i] = p.Price
	}
	return out
}

// Last returns the most recent price.
func (h History) Last() (float64, bool) {
	if len(h) == 0 {
		return 0, false
	}
	return h[len(h)-1].Price, true
}

// Get returns the price recorded for date.
func (h History) Get(date string) (float64, bool) {
	for _, p := range h {
		if p.Date == date {
			return p.Price, true
		}
	}
	return 0, false
}

// MarshalJSON encodes the history as an ordered object.
func (h History) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, p := range h {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(p.Date)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(p.Price)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes an ordered object, keeping key order.
func (h *History) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	tok, err := dec.Token()
	if err != nil {
		return eris.Wrap(err, "decode history")
	}
	if tok == nil {
		*h = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return eris.New("decode history: expected object")
	}
	out := History{}
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return eris.Wrap(err, "decode history key")
		}
		key, _ := kt.(string)
		var price float64
		if err := dec.Decode(&price); err != nil {
			return eris.Wrapf(err, "decode history value for %s", key)
		}
		out = append(out, PricePoint{Date: key, Price: price})
	}
	if _, err := dec.Token(); err != nil {
		return eris.Wrap(err, "decode history")
	}
	*h = out
	return nil
}

// PriceCacheEntry is a per-URL price snapshot derived from observations.
type PriceCacheEntry struct {
	StoreID    int64      `json:"store_id"`
	StoreName  string     `json:"store_name"`
	URLID      int64      `json:"url_id"`
	URL        string     `json:"url"`
	Trend      Trend      `json:"trend"`
	Price      float64    `json:"price"`
	History    History    `json:"history"`
	LastScrape *time.Time `json:"last_scrape"`
	Locale     string     `json:"locale"`
	Currency   string     `json:"currency"`
}

// IsLastScrapeSuccessful reports whether the URL was scraped within 24h.
func (e PriceCacheEntry) IsLastScrapeSuccessful(now time.Time) bool {
	if e.LastScrape == nil {
		return false
	}
	return now.Sub(*e.LastScrape) < 24*time.Hour
}

// HoursSinceLastScrape returns whole hours since the last scrape, or -1 when
// the URL has never been scraped.
func (e PriceCacheEntry) HoursSinceLastScrape(now time.Time) int {
	if e.LastScrape == nil {
		return -1
	}
	return int(now.Sub(*e.LastScrape).Hours())
}
