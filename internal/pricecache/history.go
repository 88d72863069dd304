// Package pricecache rolls a product's raw price observations into a
// per-URL cache of day-bucketed histories with trend labels.
package pricecache

import (
	"math"
	"sort"
	"time"

	"github.com/IshaanNene/pricewatch/internal/types"
)

// BuildHistories groups observations by URL and buckets each group by
// calendar day, keeping the lowest price of the day. Observations that are
// not positive or are older than a year before now are ignored. A history
// with a single day is extended one day back with the same price.
func BuildHistories(obs []types.PriceObservation, now time.Time) map[int64]types.History {
	cutoff := Since(now)
	days := make(map[int64]map[string]float64)
	for _, o := range obs {
		if o.Price <= 0 || o.CreatedAt.Before(cutoff) {
			continue
		}
		byDay, ok := days[o.URLID]
		if !ok {
			byDay = make(map[string]float64)
			days[o.URLID] = byDay
		}
		date := o.CreatedAt.UTC().Format(types.DateLayout)
		if cur, seen := byDay[date]; !seen || o.Price < cur {
			byDay[date] = o.Price
		}
	}

	out := make(map[int64]types.History, len(days))
	for urlID, byDay := range days {
		h := make(types.History, 0, len(byDay)+1)
		for date, price := range byDay {
			h = append(h, types.PricePoint{Date: date, Price: price})
		}
		sort.Slice(h, func(i, j int) bool { return h[i].Date < h[j].Date })
		if len(h) == 1 {
			h = ExtendSingle(h)
		}
		out[urlID] = h
	}
	return out
}

// Since returns the oldest observation time that counts towards a history
// built at now.
func Since(now time.Time) time.Time { return now.AddDate(-1, 0, 0) }

// ExtendSingle prepends a copy of a one-day history's price dated the day
// before. Other histories are returned unchanged.
func ExtendSingle(h types.History) types.History {
	if len(h) != 1 {
		return h
	}
	return types.History{{Date: dayBefore(h[0].Date), Price: h[0].Price}, h[0]}
}

// PrependValueToHistory returns a copy of h with value inserted first,
// dated one day before the second entry when there are at least two and
// one day before the only entry otherwise. An empty history is returned
// unchanged.
func PrependValueToHistory(h types.History, value float64) types.History {
	if len(h) == 0 {
		return h
	}
	anchor := h[0].Date
	if len(h) >= 2 {
		anchor = h[1].Date
	}
	date := dayBefore(anchor)

	out := make(types.History, 0, len(h)+1)
	out = append(out, types.PricePoint{Date: date, Price: value})
	for _, p := range h {
		if p.Date != date {
			out = append(out, p)
		}
	}
	return out
}

func dayBefore(date string) string {
	t, err := time.Parse(types.DateLayout, date)
	if err != nil {
		return date
	}
	return t.AddDate(0, 0, -1).Format(types.DateLayout)
}

// Stats are the average, minimum and maximum of a set of prices.
type Stats struct {
	Avg float64 `json:"avg"`
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

func stats(values []float64) (Stats, bool) {
	if len(values) == 0 {
		return Stats{}, false
	}
	s := Stats{Min: values[0], Max: values[0]}
	var sum float64
	for _, v := range values {
		sum += v
		s.Min = math.Min(s.Min, v)
		s.Max = math.Max(s.Max, v)
	}
	s.Avg = sum / float64(len(values))
	return s, true
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
