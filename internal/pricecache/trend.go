package pricecache

import (
	"sort"

	"github.com/IshaanNene/pricewatch/internal/types"
)

// Trend thresholds around the average price.
const (
	upThreshold   = 1.01
	downThreshold = 0.99
)

// CalculateTrend labels current against the average and minimum of its
// history. A non-positive average means there is no history.
func CalculateTrend(current, avg, lowest float64) types.Trend {
	switch {
	case avg <= 0:
		return types.TrendNone
	case current <= lowest:
		return types.TrendLowest
	case current > avg*upThreshold:
		return types.TrendUp
	case current < avg*downThreshold:
		return types.TrendDown
	default:
		return types.TrendStable
	}
}

// HistoryTrend labels the last price of h against h itself.
func HistoryTrend(h types.History) types.Trend {
	s, ok := stats(h.Values())
	if !ok {
		return types.TrendNone
	}
	current, _ := h.Last()
	return CalculateTrend(current, s.Avg, s.Min)
}

// Aggregates returns the rounded average, minimum and maximum over every
// history value of every entry.
func Aggregates(entries []types.PriceCacheEntry) Stats {
	var all []float64
	for _, e := range entries {
		all = append(all, e.History.Values()...)
	}
	s, _ := stats(all)
	return Stats{Avg: round2(s.Avg), Min: round2(s.Min), Max: round2(s.Max)}
}

// ProductTrend labels a product's current price against the aggregates of
// its whole cache.
func ProductTrend(p *types.Product) types.Trend {
	agg := Aggregates(p.PriceCache)
	return CalculateTrend(p.CurrentPrice, agg.Avg, agg.Min)
}

// RangePoint is one day of a stacked range chart: the day's minimum, the
// gap from minimum to average and the gap from average to maximum.
type RangePoint struct {
	Date       string  `json:"date"`
	Min        float64 `json:"min"`
	AvgOverMin float64 `json:"avg"`
	MaxOverAvg float64 `json:"max"`
}

// AggregateRange combines all entries' histories per day, oldest first.
func AggregateRange(entries []types.PriceCacheEntry) []RangePoint {
	daily := make(map[string][]float64)
	for _, e := range entries {
		for _, p := range e.History {
			daily[p.Date] = append(daily[p.Date], p.Price)
		}
	}

	out := make([]RangePoint, 0, len(daily))
	for date, prices := range daily {
		s, _ := stats(prices)
		avg := round2(s.Avg)
		out = append(out, RangePoint{
			Date:       date,
			Min:        s.Min,
			AvgOverMin: avg - s.Min,
			MaxOverAvg: s.Max - avg,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

// InitialPrice is the first history value of the cheapest entry, or 0.
func InitialPrice(p *types.Product) float64 {
	if len(p.PriceCache) == 0 || len(p.PriceCache[0].History) == 0 {
		return 0
	}
	return p.PriceCache[0].History[0].Price
}

// CurrentDiscount is the percentage drop from InitialPrice to the
// product's current price, rounded to two decimals.
func CurrentDiscount(p *types.Product) float64 {
	first := InitialPrice(p)
	if first <= 0 {
		return 0
	}
	return round2((first - p.CurrentPrice) / first * 100)
}

// ShouldNotify reports whether price crosses the product's alert
// threshold: at or below NotifyPrice, or NotifyPercent below firstPrice.
// firstPrice is the oldest recorded price; nil disables the percentage
// check.
func ShouldNotify(p *types.Product, price float64, firstPrice *float64) bool {
	if p.NotifyPrice != nil && *p.NotifyPrice > 0 && price <= *p.NotifyPrice {
		return true
	}
	if p.NotifyPercent != nil && *p.NotifyPercent > 0 {
		if firstPrice == nil {
			return false
		}
		return price <= *firstPrice-*firstPrice*(*p.NotifyPercent/100)
	}
	return false
}
