package classify

import (
	"context"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/IshaanNene/pricewatch/internal/cache"
	"github.com/IshaanNene/pricewatch/internal/config"
	"github.com/IshaanNene/pricewatch/internal/observability"
	"github.com/IshaanNene/pricewatch/internal/parser"
	"github.com/IshaanNene/pricewatch/internal/scrape"
	"github.com/IshaanNene/pricewatch/internal/types"
)

type pageFetcher struct {
	mu    sync.Mutex
	pages map[string]string
	calls map[string]int
}

func newPageFetcher(pages map[string]string) *pageFetcher {
	return &pageFetcher{pages: pages, calls: map[string]int{}}
}

func (f *pageFetcher) Fetch(_ context.Context, req *types.Request) (*types.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := req.URLString()
	f.calls[u]++
	body, ok := f.pages[u]
	if !ok {
		return &types.Response{StatusCode: 404, Request: req, Headers: http.Header{}, Errors: []string{"HTTP 404: Not Found"}}, nil
	}
	return &types.Response{StatusCode: 200, Body: []byte(body), Request: req, Headers: http.Header{}, FinalURL: u}, nil
}

func (f *pageFetcher) Close() error { return nil }
func (f *pageFetcher) Type() string { return types.FetcherHTTP }

func (f *pageFetcher) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

type lookup []*types.Store

func (l lookup) Match(rawURL string) (*types.Store, bool) {
	for _, s := range l {
		if s.MatchesHost(types.NormalizeHost(rawURL)) {
			return s, true
		}
	}
	return nil, false
}

var acme = &types.Store{
	ID:      7,
	Name:    "Acme",
	Domains: []types.Domain{{Domain: "acme.example"}},
	ScrapeStrategy: types.RuleSet{
		types.FieldTitle: {Type: types.RuleSelector, Value: "h1"},
		types.FieldPrice: {Type: types.RuleSelector, Value: ".price"},
		types.FieldImage: {Type: types.RuleSelector, Value: "img.main|src"},
	},
	Settings: types.StoreSettings{
		ScraperService: types.FetcherHTTP,
		LocaleSettings: types.LocaleSettings{Locale: "en", Currency: "USD"},
	},
}

const (
	storePage   = `<html><h1>Widget</h1><span class="price">$19.99</span><img class="main" src="https://acme.example/w.png"></html>`
	storeNoRule = `<html><title>Lamp | Acme</title><script type="application/ld+json">{"@type":"Product","name":"Lamp","offers":{"price":"33.00","priceCurrency":"EUR"}}</script></html>`
	metaPage    = `<html><head><title>Gadget</title>
<meta property="og:title" content="Gadget X">
<meta property="product:price:amount" content="42.50">
<meta property="og:image" content="https://img.example/x.png">
</head><body><h1>Gadget X</h1></body></html>`
	classPage = `<html><body><h1>Thing</h1><div class="box"><span class="sale-price">$12.99</span></div></body></html>`
	plainPage = `<html><body><h1>About us</h1><p>We sell things.</p></body></html>`
)

func newTestClassifier(f *pageFetcher, metrics *observability.Metrics) *PageClassifier {
	cfg := config.DefaultConfig()
	logger := zap.NewNop()
	s := scrape.NewScraper(f, lookup{acme}, nil, &cfg.Scrape, metrics, logger)
	auto := NewAutoClassifier(f, cfg.Defaults.Locale, logger)
	return NewPageClassifier(s, auto, cache.NewMemory(), cfg, metrics, logger)
}

func TestClassifyViaStore(t *testing.T) {
	f := newPageFetcher(map[string]string{"https://acme.example/w": storePage})
	c, err := newTestClassifier(f, nil).Classify(context.Background(), "https://acme.example/w")
	require.NoError(t, err)

	assert.Equal(t, types.YesViaStore, c.Status)
	require.NotNil(t, c.Price())
	assert.InDelta(t, 19.99, *c.Price(), 0.001)
	assert.Equal(t, "https://acme.example/w.png", c.Image())
	assert.Equal(t, acme.ScrapeStrategy, c.Rules())
	assert.Equal(t, storePage, c.HTML())
	require.NotNil(t, c.StoreID)
	assert.Equal(t, int64(7), *c.StoreID)
}

func TestClassifyStoreFallsBackToMarkup(t *testing.T) {
	f := newPageFetcher(map[string]string{"https://acme.example/lamp": storeNoRule})
	c, err := newTestClassifier(f, nil).Classify(context.Background(), "https://acme.example/lamp")
	require.NoError(t, err)

	assert.Equal(t, types.YesViaAutoCreate, c.Status)
	require.NotNil(t, c.Price())
	assert.InDelta(t, 33.0, *c.Price(), 0.001)
	assert.Equal(t, types.ExtractionRule{Type: types.RuleJSON, Value: "offers.price"}, c.Rules()[types.FieldPrice])
	require.NotNil(t, c.Attributes)
	assert.Equal(t, "EUR", c.Attributes.Currency)
	assert.Equal(t, 1, f.total(), "probe body is reused for inference")
}

func TestClassifyViaMetaTags(t *testing.T) {
	f := newPageFetcher(map[string]string{"https://gadgets.example/x": metaPage})
	c, err := newTestClassifier(f, nil).Classify(context.Background(), "https://gadgets.example/x")
	require.NoError(t, err)

	assert.Equal(t, types.YesViaAutoCreate, c.Status)
	assert.Nil(t, c.StoreID)
	assert.Equal(t, "42.50", c.PriceRaw())
	assert.Equal(t, "https://img.example/x.png", c.Image())
	assert.Equal(t, "Gadget X", c.Values[types.FieldTitle])
	assert.Equal(t, "gadgets.example", c.Attributes.Domain)
}

func TestClassifyViaPriceElement(t *testing.T) {
	f := newPageFetcher(map[string]string{"https://things.example/t": classPage})
	c, err := newTestClassifier(f, nil).Classify(context.Background(), "https://things.example/t")
	require.NoError(t, err)

	assert.Equal(t, types.YesViaAutoCreate, c.Status)
	require.NotNil(t, c.Price())
	assert.InDelta(t, 12.99, *c.Price(), 0.001)

	got, ok, err := parser.NewExtractor(zap.NewNop()).Extract(parser.NewPage("", []byte(classPage)), c.Rules()[types.FieldPrice])
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "$12.99", got)
}

func TestClassifyMaybe(t *testing.T) {
	f := newPageFetcher(map[string]string{"https://blog.example/about": plainPage})
	c, err := newTestClassifier(f, nil).Classify(context.Background(), "https://blog.example/about")
	require.NoError(t, err)

	assert.Equal(t, types.Maybe, c.Status)
	assert.Nil(t, c.Price())
	assert.Empty(t, c.Image())
	assert.Nil(t, c.Rules())
	assert.Empty(t, c.HTML())
	assert.Nil(t, c.Attributes)
}

func TestClassifyFetchFailureIsMaybe(t *testing.T) {
	f := newPageFetcher(nil)
	c, err := newTestClassifier(f, nil).Classify(context.Background(), "https://gone.example/")
	require.NoError(t, err)
	assert.Equal(t, types.Maybe, c.Status)
}

func TestClassifyMissingStorePageFetchesOnce(t *testing.T) {
	f := newPageFetcher(nil)
	pc := newTestClassifier(f, nil)

	c, err := pc.Classify(context.Background(), "https://acme.example/gone")
	require.NoError(t, err)
	assert.Equal(t, types.Maybe, c.Status)
	require.NotNil(t, c.StoreID)
	assert.Equal(t, 1, f.total())

	_, err = pc.Classify(context.Background(), "https://acme.example/gone")
	require.NoError(t, err)
	assert.Equal(t, 1, f.total())
}

func TestClassifyIsMemoised(t *testing.T) {
	metrics := observability.NewMetrics(zap.NewNop())
	f := newPageFetcher(map[string]string{"https://acme.example/w": storePage})
	pc := newTestClassifier(f, metrics)

	first, err := pc.Classify(context.Background(), "https://acme.example/w")
	require.NoError(t, err)
	second, err := pc.Classify(context.Background(), "https://acme.example/w")
	require.NoError(t, err)

	assert.Equal(t, 1, f.total())
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.Price(), second.Price())
	assert.Equal(t, first.HTML(), second.HTML())
	assert.Equal(t, int64(1), metrics.Snapshot()["pricewatch_classify_memo_hits_total"])

	require.NoError(t, pc.Forget(context.Background(), "https://acme.example/w"))
	_, err = pc.Classify(context.Background(), "https://acme.example/w")
	require.NoError(t, err)
	assert.Equal(t, 2, f.total())
}

func TestInferRequiresTitleAndPrice(t *testing.T) {
	a := NewAutoClassifier(newPageFetcher(nil), "en", zap.NewNop())

	res := a.Infer(parser.NewPage("https://x.example/", []byte(`<html><span class="price">$5.00</span></html>`)))
	assert.Nil(t, res.Attributes)
	assert.Equal(t, "$5.00", res.Values[types.FieldPrice])

	res = a.Infer(parser.NewPage("https://x.example/", []byte(`<html><h1>Box</h1><span class="price">call us</span></html>`)))
	assert.Nil(t, res.Attributes)
	assert.NotContains(t, res.Values, types.FieldPrice)
}
