package observability

import (
	"fmt"
	"net/http"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/IshaanNene/pricewatch/internal/types"
)

// Metrics tracks operational counters for fetching, classification and
// research runs. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Fetch metrics
	RequestsTotal   atomic.Int64
	RequestsFailed  atomic.Int64
	ResponsesCached atomic.Int64
	Responses4xx    atomic.Int64
	Responses5xx    atomic.Int64
	BytesDownloaded atomic.Int64

	// Scrape metrics
	ScrapeAttempts    atomic.Int64
	ScrapeIncomplete  atomic.Int64
	ExtractionFaults  atomic.Int64
	PricesObserved    atomic.Int64
	PriceCacheRebuilt atomic.Int64

	// Classification metrics
	ClassifiedStore atomic.Int64
	ClassifiedAuto  atomic.Int64
	ClassifiedMaybe atomic.Int64
	ClassifyMemoHit atomic.Int64

	// Research metrics
	ResearchStarted   atomic.Int64
	ResearchCompleted atomic.Int64
	ResearchFailed    atomic.Int64
	URLsAnalyzed      atomic.Int64
	URLsFromCache     atomic.Int64
	ActiveJobs        atomic.Int32

	logger *zap.Logger
}

// NewMetrics creates a new Metrics instance.
func NewMetrics(logger *zap.Logger) *Metrics {
	return &Metrics{
		logger: logger.With(zap.String("component", "metrics")),
	}
}

// ObserveResponse records a completed fetch.
func (m *Metrics) ObserveResponse(resp *types.Response) {
	if m == nil || resp == nil {
		return
	}
	m.RequestsTotal.Add(1)
	if resp.FromCache {
		m.ResponsesCached.Add(1)
		return
	}
	m.BytesDownloaded.Add(int64(len(resp.Body)))
	switch {
	case resp.StatusCode >= 500:
		m.Responses5xx.Add(1)
	case resp.StatusCode >= 400:
		m.Responses4xx.Add(1)
	}
}

// ObserveFetchFailure records a transport fault.
func (m *Metrics) ObserveFetchFailure() {
	if m == nil {
		return
	}
	m.RequestsTotal.Add(1)
	m.RequestsFailed.Add(1)
}

// ObserveScrapeAttempt records one scrape attempt.
func (m *Metrics) ObserveScrapeAttempt() {
	if m == nil {
		return
	}
	m.ScrapeAttempts.Add(1)
}

// ObserveIncompleteScrape records a scrape missing a required field.
func (m *Metrics) ObserveIncompleteScrape() {
	if m == nil {
		return
	}
	m.ScrapeIncomplete.Add(1)
}

// ObserveExtractionFault records a malformed rule evaluation.
func (m *Metrics) ObserveExtractionFault() {
	if m == nil {
		return
	}
	m.ExtractionFaults.Add(1)
}

// ObservePrice records a stored price observation.
func (m *Metrics) ObservePrice() {
	if m == nil {
		return
	}
	m.PricesObserved.Add(1)
}

// ObservePriceCache records a rebuilt product price cache.
func (m *Metrics) ObservePriceCache() {
	if m == nil {
		return
	}
	m.PriceCacheRebuilt.Add(1)
}

// ObserveClassification records a fresh classification outcome.
func (m *Metrics) ObserveClassification(status types.IsProductPage) {
	if m == nil {
		return
	}
	switch status {
	case types.YesViaStore:
		m.ClassifiedStore.Add(1)
	case types.YesViaAutoCreate:
		m.ClassifiedAuto.Add(1)
	default:
		m.ClassifiedMaybe.Add(1)
	}
}

// ObserveMemoHit records a classification served from the memo cache.
func (m *Metrics) ObserveMemoHit() {
	if m == nil {
		return
	}
	m.ClassifyMemoHit.Add(1)
}

// ObserveResearch records a research run transition: "started",
// "completed" or "failed".
func (m *Metrics) ObserveResearch(outcome string) {
	if m == nil {
		return
	}
	switch outcome {
	case "started":
		m.ResearchStarted.Add(1)
	case "completed":
		m.ResearchCompleted.Add(1)
	case "failed":
		m.ResearchFailed.Add(1)
	}
}

// ObserveCandidate records one hydrated research URL.
func (m *Metrics) ObserveCandidate(cached bool) {
	if m == nil {
		return
	}
	if cached {
		m.URLsFromCache.Add(1)
		return
	}
	m.URLsAnalyzed.Add(1)
}

// JobStarted and JobFinished track in-flight background jobs.
func (m *Metrics) JobStarted() {
	if m != nil {
		m.ActiveJobs.Add(1)
	}
}

func (m *Metrics) JobFinished() {
	if m != nil {
		m.ActiveJobs.Add(-1)
	}
}

type metricLine struct {
	name  string
	help  string
	kind  string
	value int64
}

func (m *Metrics) lines() []metricLine {
	return []metricLine{
		{"pricewatch_requests_total", "Total page fetches", "counter", m.RequestsTotal.Load()},
		{"pricewatch_requests_failed_total", "Total fetch transport faults", "counter", m.RequestsFailed.Load()},
		{"pricewatch_responses_cached_total", "Total fetches served from cache", "counter", m.ResponsesCached.Load()},
		{"pricewatch_responses_4xx_total", "Total 4xx responses", "counter", m.Responses4xx.Load()},
		{"pricewatch_responses_5xx_total", "Total 5xx responses", "counter", m.Responses5xx.Load()},
		{"pricewatch_bytes_downloaded_total", "Total bytes downloaded", "counter", m.BytesDownloaded.Load()},
		{"pricewatch_scrape_attempts_total", "Total scrape attempts", "counter", m.ScrapeAttempts.Load()},
		{"pricewatch_scrape_incomplete_total", "Scrapes missing a required field", "counter", m.ScrapeIncomplete.Load()},
		{"pricewatch_extraction_faults_total", "Malformed extraction rules", "counter", m.ExtractionFaults.Load()},
		{"pricewatch_prices_observed_total", "Price observations stored", "counter", m.PricesObserved.Load()},
		{"pricewatch_price_cache_rebuilt_total", "Product price caches rebuilt", "counter", m.PriceCacheRebuilt.Load()},
		{"pricewatch_classified_store_total", "URLs classified via a store", "counter", m.ClassifiedStore.Load()},
		{"pricewatch_classified_auto_total", "URLs classified via heuristics", "counter", m.ClassifiedAuto.Load()},
		{"pricewatch_classified_maybe_total", "URLs left undetermined", "counter", m.ClassifiedMaybe.Load()},
		{"pricewatch_classify_memo_hits_total", "Classifications served from memo", "counter", m.ClassifyMemoHit.Load()},
		{"pricewatch_research_started_total", "Research runs started", "counter", m.ResearchStarted.Load()},
		{"pricewatch_research_completed_total", "Research runs completed", "counter", m.ResearchCompleted.Load()},
		{"pricewatch_research_failed_total", "Research runs failed", "counter", m.ResearchFailed.Load()},
		{"pricewatch_urls_analyzed_total", "Research URLs analyzed", "counter", m.URLsAnalyzed.Load()},
		{"pricewatch_urls_cached_total", "Research URLs served from records", "counter", m.URLsFromCache.Load()},
		{"pricewatch_active_jobs", "Currently running jobs", "gauge", int64(m.ActiveJobs.Load())},
	}
}

// ServeHTTP serves metrics in Prometheus text exposition format.
func (m *Metrics) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	for _, metric := range m.lines() {
		fmt.Fprintf(w, "# HELP %s %s\n", metric.name, metric.help)
		fmt.Fprintf(w, "# TYPE %s %s\n", metric.name, metric.kind)
		fmt.Fprintf(w, "%s %d\n", metric.name, metric.value)
	}
}

// Snapshot returns all metrics as a map keyed by metric name.
func (m *Metrics) Snapshot() map[string]int64 {
	out := make(map[string]int64)
	for _, metric := range m.lines() {
		out[metric.name] = metric.value
	}
	return out
}
