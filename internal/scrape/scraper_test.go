package scrape

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/IshaanNene/pricewatch/internal/config"
	"github.com/IshaanNene/pricewatch/internal/types"
)

// fakeFetcher returns bodies in sequence and records every request.
type fakeFetcher struct {
	mu     sync.Mutex
	bodies []string
	errs   []error
	soft   [][]string
	reqs   []*types.Request
}

func (f *fakeFetcher) Fetch(_ context.Context, req *types.Request) (*types.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := len(f.reqs)
	f.reqs = append(f.reqs, req)
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, &types.FetchError{URL: req.URLString(), Err: f.errs[i]}
	}
	body := f.bodies[min(i, len(f.bodies)-1)]
	resp := &types.Response{StatusCode: 200, Body: []byte(body), Request: req, Headers: http.Header{}, FinalURL: req.URLString()}
	if i < len(f.soft) {
		resp.Errors = f.soft[i]
	}
	return resp, nil
}

func (f *fakeFetcher) Close() error { return nil }
func (f *fakeFetcher) Type() string { return types.FetcherHTTP }

func (f *fakeFetcher) useCacheFlags() []bool {
	out := make([]bool, len(f.reqs))
	for i, r := range f.reqs {
		out[i] = r.UseCache
	}
	return out
}

type staticStores []*types.Store

func (s staticStores) Match(rawURL string) (*types.Store, bool) {
	host := types.NormalizeHost(rawURL)
	for _, st := range s {
		if st.MatchesHost(host) {
			return st, true
		}
	}
	return nil, false
}

type countingNotifier struct {
	notes []Notification
}

func (n *countingNotifier) Notify(_ context.Context, note Notification) error {
	n.notes = append(n.notes, note)
	return nil
}

var acme = &types.Store{
	ID:      1,
	Name:    "Acme",
	Domains: []types.Domain{{Domain: "acme.example"}},
	ScrapeStrategy: types.RuleSet{
		types.FieldTitle: {Type: types.RuleSelector, Value: "h1"},
		types.FieldPrice: {Type: types.RuleSelector, Value: ".price"},
		types.FieldImage: {Type: types.RuleSelector, Value: "img.main|src", Prepend: "https://acme.example"},
	},
	Settings: types.StoreSettings{
		ScraperService: types.FetcherHTTP,
		ScraperOptions: map[string]any{"headers": map[string]any{"x-api-key": "k"}},
	},
}

const (
	fullPage    = `<html><h1> Widget <i>Pro</i> </h1><span class="price">$19.99</span><img class="main" src="/w.png"></html>`
	noTitlePage = `<html><span class="price">$19.99</span></html>`
)

func newTestScraper(f *fakeFetcher, n Notifier, logger *zap.Logger) *Scraper {
	cfg := config.DefaultConfig().Scrape
	return NewScraper(f, staticStores{acme}, n, &cfg, nil, logger)
}

func TestScrapeExtractsFields(t *testing.T) {
	f := &fakeFetcher{bodies: []string{fullPage}}
	res, err := newTestScraper(f, nil, zap.NewNop()).Scrape(context.Background(), "https://www.acme.example/p/1", Options{UseCache: true})
	require.NoError(t, err)

	assert.Equal(t, "Widget Pro", res.Title)
	assert.Equal(t, "$19.99", res.Price)
	assert.Equal(t, "https://acme.example/w.png", res.Image)
	assert.Empty(t, res.Description)
	assert.Empty(t, res.Missing)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, int64(1), res.StoreID)
	assert.Equal(t, fullPage, res.Body)

	require.Len(t, f.reqs, 1)
	assert.Equal(t, "k", f.reqs[0].Headers.Get("X-Api-Key"))
	assert.Equal(t, types.FetcherHTTP, f.reqs[0].FetcherType)
}

func TestScrapeRetriesWithoutCache(t *testing.T) {
	f := &fakeFetcher{bodies: []string{noTitlePage}}
	res, err := newTestScraper(f, nil, zap.NewNop()).Scrape(context.Background(), "https://acme.example/p/1", Options{UseCache: true, MaxAttempts: 3})
	require.NoError(t, err)

	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, []bool{true, false, false}, f.useCacheFlags())
	assert.Equal(t, []string{types.FieldTitle}, res.Missing)
	assert.Equal(t, "$19.99", res.Price)
}

func TestScrapeStopsOnceTitleFound(t *testing.T) {
	f := &fakeFetcher{bodies: []string{noTitlePage, fullPage, fullPage}}
	res, err := newTestScraper(f, nil, zap.NewNop()).Scrape(context.Background(), "https://acme.example/p/1", Options{MaxAttempts: 3})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Attempts)
	assert.Len(t, f.reqs, 2)
	assert.True(t, res.Complete())
}

func TestScrapeNoStore(t *testing.T) {
	f := &fakeFetcher{bodies: []string{fullPage}}
	_, err := newTestScraper(f, nil, zap.NewNop()).Scrape(context.Background(), "https://unknown.example/p", Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrNoStore))
	assert.Empty(t, f.reqs)
}

func TestScrapeExplicitStoreSkipsLookup(t *testing.T) {
	f := &fakeFetcher{bodies: []string{fullPage}}
	res, err := newTestScraper(f, nil, zap.NewNop()).Scrape(context.Background(), "https://unknown.example/p", Options{Store: acme})
	require.NoError(t, err)
	assert.Equal(t, "Widget Pro", res.Title)
}

func TestScrapeHardFaultAborts(t *testing.T) {
	f := &fakeFetcher{bodies: []string{fullPage}, errs: []error{errors.New("connection reset")}}
	res, err := newTestScraper(f, nil, zap.NewNop()).Scrape(context.Background(), "https://acme.example/p/1", Options{MaxAttempts: 3})
	require.Error(t, err)
	assert.Nil(t, res)

	var fe *types.FetchError
	assert.True(t, errors.As(err, &fe))
	assert.Len(t, f.reqs, 1)
}

func TestScrapeSoftErrorsLeaveFieldsEmpty(t *testing.T) {
	f := &fakeFetcher{
		bodies: []string{fullPage},
		soft:   [][]string{{"HTTP 503: Service Unavailable"}, {"HTTP 503: Service Unavailable"}},
	}
	res, err := newTestScraper(f, nil, zap.NewNop()).Scrape(context.Background(), "https://acme.example/p/1", Options{MaxAttempts: 3})
	require.NoError(t, err)

	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, "Widget Pro", res.Title)
	assert.Len(t, res.Errors, 2)
}

func TestScrapeMalformedRuleIsFieldLocal(t *testing.T) {
	broken := *acme
	broken.ScrapeStrategy = types.RuleSet{
		types.FieldTitle: {Type: types.RuleSelector, Value: "h1"},
		types.FieldPrice: {Type: types.RuleXPath, Value: "//span["},
	}
	f := &fakeFetcher{bodies: []string{fullPage}}
	res, err := newTestScraper(f, nil, zap.NewNop()).Scrape(context.Background(), "https://acme.example/p/1", Options{Store: &broken})
	require.NoError(t, err)

	assert.Equal(t, "Widget Pro", res.Title)
	assert.Empty(t, res.Price)
	assert.Equal(t, []string{types.FieldPrice}, res.Missing)
}

func TestScrapeProbeModeIsQuiet(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	n := &countingNotifier{}
	f := &fakeFetcher{bodies: []string{noTitlePage}}
	_, err := newTestScraper(f, n, logger).Scrape(context.Background(), "https://acme.example/p/1", Options{MaxAttempts: 1, Mode: types.Probe})
	require.NoError(t, err)
	assert.Empty(t, n.notes)
	assert.Zero(t, logs.FilterLevelExact(zapcore.ErrorLevel).Len())

	f = &fakeFetcher{bodies: []string{noTitlePage}}
	_, err = newTestScraper(f, n, logger).Scrape(context.Background(), "https://acme.example/p/1", Options{MaxAttempts: 1, Mode: types.Live})
	require.NoError(t, err)
	require.Len(t, n.notes, 1)
	assert.Equal(t, "Missing required field: title", n.notes[0].Body)

	errs := logs.FilterLevelExact(zapcore.ErrorLevel).All()
	require.Len(t, errs, 1)
	assert.True(t, strings.HasPrefix(errs[0].Message, "Error scraping URL"))
	assert.Equal(t, int64(1), errs[0].ContextMap()["attempts"])
}

func TestCleanFieldTruncates(t *testing.T) {
	long := strings.Repeat("a", 1500)
	assert.Len(t, cleanField(types.FieldTitle, long), 1000)
	assert.Len(t, cleanField(types.FieldImage, long), 1000)
	assert.Len(t, cleanField(types.FieldDescription, long), 1500)
}
