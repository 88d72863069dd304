package search

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/IshaanNene/pricewatch/internal/cache"
	"github.com/IshaanNene/pricewatch/internal/classify"
	"github.com/IshaanNene/pricewatch/internal/config"
	"github.com/IshaanNene/pricewatch/internal/observability"
	"github.com/IshaanNene/pricewatch/internal/storage"
	"github.com/IshaanNene/pricewatch/internal/types"
)

// MarkerLayout formats the in-progress and complete marker values.
const MarkerLayout = "2006-01-02 15:04:05"

// Key kinds under the "search:" namespace.
const (
	KeyResults    = "results"
	KeyInProgress = "in_progress"
	KeyComplete   = "complete"
	KeyLog        = "log"
)

// ignoredExtensions are document types that are never product pages.
var ignoredExtensions = map[string]bool{"pdf": true, "doc": true, "xls": true, "ppt": true}

// Key returns the shared cache key of the given kind for query.
func Key(kind, query string) string {
	return "search:" + kind + ":" + types.Slugify(query)
}

// Classifier classifies a candidate URL.
type Classifier interface {
	Classify(ctx context.Context, rawURL string) (*classify.Classification, error)
}

// StoreMatcher finds the store registered for a URL or host.
type StoreMatcher interface {
	Match(rawURL string) (*types.Store, bool)
}

// BuildOption adjusts a single Build call.
type BuildOption func(*buildOptions)

type buildOptions struct {
	dispatched bool
	mirror     bool
}

// Dispatched records that the run was started by a background job.
func Dispatched() BuildOption {
	return func(o *buildOptions) { o.dispatched = true }
}

// MirrorLog copies every progress log line to the logger.
func MirrorLog() BuildOption {
	return func(o *buildOptions) { o.mirror = true }
}

// Orchestrator drives the research pipeline for a query.
type Orchestrator struct {
	provider   Provider
	classifier Classifier
	stores     StoreMatcher
	records    storage.ResearchStore
	cache      cache.Store
	progress   *ProgressLog

	maxPages      int
	resultsTTL    time.Duration
	inProgressTTL time.Duration
	completeTTL   time.Duration
	parallelism   int

	metrics *observability.Metrics
	logger  *zap.Logger
	now     func() time.Time

	mu      sync.Mutex
	results []*types.CandidateURL
}

// NewOrchestrator creates an orchestrator. store holds result pages,
// markers and progress logs.
func NewOrchestrator(
	provider Provider,
	classifier Classifier,
	stores StoreMatcher,
	records storage.ResearchStore,
	store cache.Store,
	cfg *config.Config,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		provider:      provider,
		classifier:    classifier,
		stores:        stores,
		records:       records,
		cache:         store,
		progress:      NewProgressLog(store, cfg.Research.LogTTL),
		maxPages:      max(cfg.Search.MaxPages, 1),
		resultsTTL:    cfg.Search.CacheTTL,
		inProgressTTL: cfg.Research.InProgressTTL,
		completeTTL:   cfg.Research.CompleteTTL,
		parallelism:   max(cfg.Research.Parallelism, 1),
		metrics:       metrics,
		logger:        logger.With(zap.String("component", "research")),
		now:           time.Now,
	}
}

// run is the state of one Build call.
type run struct {
	query  string
	logKey string
	mirror bool
	raw    []types.RawResult
	cands  []*types.CandidateURL
}

// Build runs the whole pipeline for query and returns the candidates. A
// failing stage stops the run without marking it complete and is returned
// as a *types.PipelineError; records saved before the failure remain.
func (o *Orchestrator) Build(ctx context.Context, query string, opts ...BuildOption) ([]*types.CandidateURL, error) {
	var bo buildOptions
	for _, opt := range opts {
		opt(&bo)
	}
	r := &run{query: query, logKey: Key(KeyLog, query), mirror: bo.mirror}

	if err := o.progress.Reset(ctx, r.logKey); err != nil {
		o.logger.Warn("progress log reset failed", zap.String("query", query), zap.Error(err))
	}
	if bo.dispatched {
		o.log(ctx, r, "Job dispatched", nil)
	}
	o.log(ctx, r, "Starting research for: "+query, nil)
	o.metrics.ObserveResearch("started")

	err := o.pipeline(ctx, r)
	o.finish(ctx, query)
	if err != nil {
		o.metrics.ObserveResearch("failed")
		o.logger.Error("research failed", zap.String("query", query), zap.Error(err))
		return nil, err
	}
	o.metrics.ObserveResearch("completed")

	o.mu.Lock()
	o.results = r.cands
	o.mu.Unlock()
	return r.cands, nil
}

func (o *Orchestrator) pipeline(ctx context.Context, r *run) (err error) {
	stage := "start"
	defer func() {
		if p := recover(); p != nil {
			err = &types.PipelineError{Stage: stage, Query: r.query, Err: eris.Errorf("panic: %v", p)}
		}
	}()

	if err := o.setMarker(ctx, KeyComplete, r.query, false); err != nil {
		return &types.PipelineError{Stage: "start", Query: r.query, Err: err}
	}
	if err := o.setMarker(ctx, KeyInProgress, r.query, true); err != nil {
		return &types.PipelineError{Stage: "start", Query: r.query, Err: err}
	}

	stages := []struct {
		name string
		fn   func(context.Context, *run) error
	}{
		{"fetch", o.fetchRawResults},
		{"filter", o.filterResults},
		{"normalize", o.normalize},
		{"stores", o.addStores},
		{"hydrate", o.hydrate},
		{"save", o.save},
	}
	for _, st := range stages {
		stage = st.name
		if err := ctx.Err(); err != nil {
			return &types.PipelineError{Stage: st.name, Query: r.query, Err: err}
		}
		if err := st.fn(ctx, r); err != nil {
			return &types.PipelineError{Stage: st.name, Query: r.query, Err: err}
		}
	}

	o.log(ctx, r, "Completed research for: "+r.query, nil)
	if err := o.setMarker(ctx, KeyComplete, r.query, true); err != nil {
		return &types.PipelineError{Stage: "complete", Query: r.query, Err: err}
	}
	return nil
}

// finish clears the in-progress marker. A cancelled run leaves it to
// expire.
func (o *Orchestrator) finish(ctx context.Context, query string) {
	if ctx.Err() != nil {
		o.logger.Warn("research interrupted, in-progress marker left to expire", zap.String("query", query))
		return
	}
	if err := o.setMarker(ctx, KeyInProgress, query, false); err != nil {
		o.logger.Warn("in-progress marker not cleared", zap.String("query", query), zap.Error(err))
	}
}

func (o *Orchestrator) fetchRawResults(ctx context.Context, r *run) error {
	o.log(ctx, r, "Fetching raw search results", nil)
	raw, err := o.rawResults(ctx, r.query)
	if err != nil {
		return err
	}
	r.raw = raw
	o.log(ctx, r, fmt.Sprintf("Found %d results", len(r.raw)), nil)
	return nil
}

// rawResults returns every configured page of provider results for query,
// each page cached under its own key.
func (o *Orchestrator) rawResults(ctx context.Context, query string) ([]types.RawResult, error) {
	var all []types.RawResult
	for page := 1; page <= o.maxPages; page++ {
		key := Key(KeyResults, query) + ":page-" + strconv.Itoa(page)
		results, err := cache.Remember(ctx, o.cache, key, o.resultsTTL, func(ctx context.Context) ([]types.RawResult, error) {
			return o.provider.Search(ctx, query, page)
		})
		if err != nil {
			return nil, err
		}
		all = append(all, results...)
	}
	return all, nil
}

// SearchResults returns the stored research records for query's search
// results, narrowed by the price bounds of f. f.URLs is replaced.
func (o *Orchestrator) SearchResults(ctx context.Context, query string, f storage.ResearchFilter) ([]*types.ResearchRecord, error) {
	raw, err := o.rawResults(ctx, query)
	if err != nil {
		return nil, err
	}
	f.URLs = make([]string, 0, len(raw))
	for _, r := range raw {
		f.URLs = append(f.URLs, r.URL)
	}
	if len(f.URLs) == 0 {
		return []*types.ResearchRecord{}, nil
	}
	return o.records.SearchResearch(ctx, f)
}

func (o *Orchestrator) filterResults(ctx context.Context, r *run) error {
	o.log(ctx, r, "Filtering incompatible results", nil)
	seen := make(map[string]bool, len(r.raw))
	for i, raw := range r.raw {
		if ignoredExtensions[extension(raw.URL)] {
			continue
		}
		key := canonicalURL(raw.URL)
		if seen[key] {
			continue
		}
		seen[key] = true
		r.cands = append(r.cands, &types.CandidateURL{RawResult: raw, Relevance: i})
	}
	return nil
}

// extension returns the lowercased file extension of a URL's path.
func extension(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	return strings.ToLower(strings.TrimPrefix(path.Ext(p), "."))
}

func (o *Orchestrator) normalize(_ context.Context, r *run) error {
	for _, c := range r.cands {
		if u, err := url.Parse(c.URL); err == nil {
			c.Domain = u.Hostname()
		}
	}
	return nil
}

func (o *Orchestrator) addStores(ctx context.Context, r *run) error {
	o.log(ctx, r, "Adding stores to search results", nil)
	for _, c := range r.cands {
		if c.Domain == "" {
			continue
		}
		if s, ok := o.stores.Match(c.Domain); ok {
			id := s.ID
			c.StoreID = &id
		}
	}
	return nil
}

func (o *Orchestrator) hydrate(ctx context.Context, r *run) error {
	o.log(ctx, r, "Hydrating results", nil)

	urls := make([]string, len(r.cands))
	for i, c := range r.cands {
		urls[i] = c.URL
	}
	existing, err := o.records.FindResearchByURLs(ctx, urls)
	if err != nil {
		return err
	}

	if o.parallelism <= 1 {
		for _, c := range r.cands {
			o.hydrateOne(ctx, r, c, existing[c.URL], false)
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.parallelism)
	for _, c := range r.cands {
		c := c
		rec := existing[c.URL]
		g.Go(func() (err error) {
			defer func() {
				if p := recover(); p != nil {
					err = eris.Errorf("panic hydrating %s: %v", c.URL, p)
				}
			}()
			o.hydrateOne(gctx, r, c, rec, true)
			return nil
		})
	}
	return g.Wait()
}

// hydrateOne fills one candidate from its stored record or by classifying
// it. Classification failures are logged and leave the candidate as is.
func (o *Orchestrator) hydrateOne(ctx context.Context, r *run, c *types.CandidateURL, rec *types.ResearchRecord, parallel bool) {
	label := `"` + c.Title + `" (` + c.Domain + `)`

	if rec != nil {
		c.ApplyRecord(rec)
		c.Cached = true
		o.metrics.ObserveCandidate(true)
		o.log(ctx, r, "Using cache "+label, map[string]string{"subtitle": c.URL, "icon": IconCached})
		return
	}

	start := o.now()
	idx := o.log(ctx, r, "Analyzing "+label, map[string]string{"subtitle": c.URL})
	o.metrics.ObserveCandidate(false)
	defer func() { c.ExecutionTime = o.now().Sub(start).Seconds() }()

	cls, err := o.classifier.Classify(ctx, c.URL)
	if err != nil {
		o.log(ctx, r, fmt.Sprintf("Failed for \"%s\": %v", c.Title, err), map[string]string{"subtitle": c.URL})
		return
	}
	c.IsProductPage = cls.Status
	c.Price = cls.Price()
	c.Image = cls.Image()
	c.Strategies = cls.Rules()
	c.HTML = cls.HTML()
	if len(cls.Values) > 0 {
		c.ExtractedFields = make(map[string]string, len(cls.Values))
		for k, v := range cls.Values {
			c.ExtractedFields[k] = v
		}
	}
	if c.StoreID == nil {
		c.StoreID = cls.StoreID
	}

	msg, data := "Price found "+label, map[string]string(nil)
	if c.Price == nil {
		msg, data = "No Price found "+label, map[string]string{"icon": IconWarning}
	}
	if parallel {
		o.replaceLog(ctx, r, idx, msg, data)
		return
	}
	o.replaceLastLog(ctx, r, msg, data)
}

func (o *Orchestrator) save(ctx context.Context, r *run) error {
	o.log(ctx, r, "Saving URL research", nil)
	records := make([]*types.ResearchRecord, len(r.cands))
	for i, c := range r.cands {
		records[i] = c.ToRecord()
	}
	return o.records.UpsertResearch(ctx, records)
}

// Results returns the candidates of the last successful run.
func (o *Orchestrator) Results() []*types.CandidateURL {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.results
}

// GetLog returns the progress log of query's latest run.
func (o *Orchestrator) GetLog(ctx context.Context, query string) ([]types.ProgressLogEntry, error) {
	return o.progress.Entries(ctx, Key(KeyLog, query))
}

// GetInProgress returns when query's running research started.
func (o *Orchestrator) GetInProgress(ctx context.Context, query string) (string, bool, error) {
	return o.marker(ctx, KeyInProgress, query)
}

// GetIsComplete returns when query's research last completed.
func (o *Orchestrator) GetIsComplete(ctx context.Context, query string) (string, bool, error) {
	return o.marker(ctx, KeyComplete, query)
}

// Log appends a line to query's progress log.
func (o *Orchestrator) Log(ctx context.Context, query, message string, data map[string]string) {
	o.log(ctx, &run{query: query, logKey: Key(KeyLog, query)}, message, data)
}

func (o *Orchestrator) marker(ctx context.Context, kind, query string) (string, bool, error) {
	b, ok, err := o.cache.Get(ctx, Key(kind, query))
	if err != nil || !ok {
		return "", false, err
	}
	return string(b), true, nil
}

func (o *Orchestrator) setMarker(ctx context.Context, kind, query string, on bool) error {
	key := Key(kind, query)
	if !on {
		return o.cache.Forget(ctx, key)
	}
	ttl := o.inProgressTTL
	if kind == KeyComplete {
		ttl = o.completeTTL
	}
	return o.cache.Put(ctx, key, []byte(o.now().Format(MarkerLayout)), ttl)
}

// log appends to the progress log. Failures to write the log never stop a
// run.
func (o *Orchestrator) log(ctx context.Context, r *run, message string, data map[string]string) int {
	o.mirror(r, message, data)
	idx, err := o.progress.Append(ctx, r.logKey, message, data)
	if err != nil {
		o.logger.Warn("progress log append failed", zap.String("query", r.query), zap.Error(err))
	}
	return idx
}

func (o *Orchestrator) replaceLog(ctx context.Context, r *run, idx int, message string, data map[string]string) {
	o.mirror(r, message, data)
	if err := o.progress.Replace(ctx, r.logKey, idx, message, data); err != nil {
		o.logger.Warn("progress log replace failed", zap.String("query", r.query), zap.Error(err))
	}
}

func (o *Orchestrator) replaceLastLog(ctx context.Context, r *run, message string, data map[string]string) {
	o.mirror(r, message, data)
	if err := o.progress.ReplaceLast(ctx, r.logKey, message, data); err != nil {
		o.logger.Warn("progress log replace failed", zap.String("query", r.query), zap.Error(err))
	}
}

func (o *Orchestrator) mirror(r *run, message string, data map[string]string) {
	if !r.mirror {
		return
	}
	fields := []zap.Field{zap.String("query", r.query)}
	if sub := data["subtitle"]; sub != "" {
		fields = append(fields, zap.String("url", sub))
	}
	o.logger.Info(message, fields...)
}
