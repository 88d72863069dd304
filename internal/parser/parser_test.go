package parser

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/IshaanNene/pricewatch/internal/types"
)

const productHTML = `<!DOCTYPE html>
<html>
<head>
    <title>Widget Pro | Example Shop</title>
    <meta name="description" content="The best widget">
    <meta property="og:type" content="product">
    <meta property="og:title" content="Widget Pro">
    <meta property="og:image" content="https://shop.example/widget.png">
    <meta property="product:price:amount" content="19.99">
    <meta property="product:price:currency" content="USD">
    <script type="application/ld+json">
    {"@context":"https://schema.org","@type":"Product","name":"Widget Pro",
     "image":["https://shop.example/widget-1.png"],
     "offers":{"@type":"Offer","price":"19.99","priceCurrency":"USD"}}
    </script>
    <script>window.__STATE__ = {"sku":"W-100","price":"19.99"};</script>
</head>
<body>
    <h1 class="product-title">Widget <b>Pro</b></h1>
    <div class="pricing">
        <span class="price" itemprop="price">$19.99</span>
        <span class="price old">$24.99</span>
    </div>
    <img id="main-image" src="/img/widget.png" alt="Widget">
    <p class="empty"></p>
</body>
</html>`

func newTestExtractor() *Extractor {
	return NewExtractor(zap.NewNop())
}

func TestExtractNoMatchReturnsNull(t *testing.T) {
	e := newTestExtractor()
	page := NewPage("https://shop.example/widget", []byte(productHTML))

	rules := []types.ExtractionRule{
		{Type: types.RuleSelector, Value: ".does-not-exist"},
		{Type: types.RuleSelector, Value: "p.empty"},
		{Type: types.RuleXPath, Value: "//section[@id='nope']"},
		{Type: types.RuleRegex, Value: `gtin13":"(\d+)"`},
		{Type: types.RuleJSON, Value: "offers.gtin"},
	}
	for _, rule := range rules {
		t.Run(string(rule.Type)+" "+rule.Value, func(t *testing.T) {
			v, ok, err := e.Extract(page, rule)
			require.NoError(t, err)
			assert.False(t, ok)
			assert.Empty(t, v)
		})
	}
}

func TestExtractEmptyRuleIsSkipped(t *testing.T) {
	e := newTestExtractor()
	page := NewPage("https://shop.example/widget", []byte(productHTML))
	v, ok, err := e.Extract(page, types.ExtractionRule{Type: types.RuleSelector})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, v)
}

func TestSelectorTextAndAttributeModes(t *testing.T) {
	e := newTestExtractor()
	page := NewPage("https://shop.example/widget", []byte(productHTML))

	// no delimiter: text of the first match
	v, ok, err := e.Extract(page, types.ExtractionRule{Type: types.RuleSelector, Value: ".price"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "$19.99", v)

	v, ok, err = e.Extract(page, types.ExtractionRule{Type: types.RuleSelector, Value: "meta[property=og:image]|content"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "https://shop.example/widget.png", v)

	v, ok, err = e.Extract(page, types.ExtractionRule{Type: types.RuleSelector, Value: "#main-image|src"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "/img/widget.png", v)
}

func TestSplitSelector(t *testing.T) {
	tests := []struct {
		in, sel, attr string
	}{
		{"h1", "h1", ""},
		{"meta[name=x]|content", "meta[name=x]", "content"},
		{"a|b|href", "a|b", "href"},
		{`div[lang|="en"]`, `div[lang|="en"]`, ""},
		{" img.main | data-src ", "img.main", "data-src"},
	}
	for _, tt := range tests {
		sel, attr := SplitSelector(tt.in)
		assert.Equal(t, tt.sel, sel, tt.in)
		assert.Equal(t, tt.attr, attr, tt.in)
	}
}

func TestQuoteAttrValues(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"meta[property=og:image]", `meta[property="og:image"]`},
		{`meta[name="description"]`, `meta[name="description"]`},
		{"a[href^=https://shop.example/]", `a[href^="https://shop.example/"]`},
		{"div[ lang|=en ] span", `div[lang|="en"] span`},
		{"[data-price]", "[data-price]"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, quoteAttrValues(tt.in), tt.in)
	}
}

func TestExtractAffixes(t *testing.T) {
	e := newTestExtractor()
	page := NewPage("https://shop.example/widget", []byte(productHTML))

	v, ok, err := e.Extract(page, types.ExtractionRule{
		Type:    types.RuleSelector,
		Value:   "#main-image|src",
		Prepend: "https://shop.example",
		Append:  "?w=600",
	})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "https://shop.example/img/widget.png?w=600", v)
}

func TestExtractMalformedRules(t *testing.T) {
	e := newTestExtractor()
	page := NewPage("https://shop.example/widget", []byte(productHTML))

	for _, rule := range []types.ExtractionRule{
		{Type: types.RuleSelector, Value: "div["},
		{Type: types.RuleXPath, Value: "//div["},
		{Type: types.RuleRegex, Value: "price(["},
		{Type: "soap", Value: "x"},
	} {
		_, ok, err := e.Extract(page, rule)
		require.Error(t, err, rule.Value)
		assert.False(t, ok)
		var pe *types.ParseError
		assert.True(t, errors.As(err, &pe), "want ParseError for %q", rule.Value)
	}
}

func TestXPathAttribute(t *testing.T) {
	e := newTestExtractor()
	page := NewPage("https://shop.example/widget", []byte(productHTML))

	v, ok, err := e.Extract(page, types.ExtractionRule{Type: types.RuleXPath, Value: `//meta[@property="og:title"]/@content`})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Widget Pro", v)

	v, ok, err = e.Extract(page, types.ExtractionRule{Type: types.RuleXPath, Value: `//h1`})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Widget Pro", v)
}

func TestRegexGroupsAndDelimiters(t *testing.T) {
	e := newTestExtractor()
	page := NewPage("https://shop.example/widget", []byte(productHTML))

	v, ok, err := e.Extract(page, types.ExtractionRule{Type: types.RuleRegex, Value: `~"sku":"(.+?)"~`})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "W-100", v)

	v, ok, err = e.Extract(page, types.ExtractionRule{Type: types.RuleRegex, Value: `"PRICE":"(?P<amount>[\d.]+)"`})
	require.NoError(t, err)
	assert.False(t, ok, "case sensitive without flag")

	v, ok, err = e.Extract(page, types.ExtractionRule{Type: types.RuleRegex, Value: `/"PRICE":"(?P<amount>[\d.]+)"/i`})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "19.99", v)
}

func TestJSONStrategy(t *testing.T) {
	e := newTestExtractor()

	page := NewPage("https://shop.example/widget", []byte(productHTML))
	v, ok, err := e.Extract(page, types.ExtractionRule{Type: types.RuleJSON, Value: "offers.price"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "19.99", v)

	v, ok, err = e.Extract(page, types.ExtractionRule{Type: types.RuleJSON, Value: "image"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "https://shop.example/widget-1.png", v)

	api := NewPage("https://api.shop.example/p/1", []byte(`{"data":{"product":{"price":{"value":42.5}}}}`))
	v, ok, err = e.Extract(api, types.ExtractionRule{Type: types.RuleJSON, Value: "data.product.price.value", Prepend: "$"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "$42.5", v)
}

func TestExtractAll(t *testing.T) {
	e := newTestExtractor()
	page := NewPage("https://shop.example/widget", []byte(productHTML))

	got := e.ExtractAll(page, types.RuleSet{
		types.FieldTitle: {Type: types.RuleSelector, Value: "h1"},
		types.FieldPrice: {Type: types.RuleSelector, Value: "div["},
		types.FieldImage: {Type: types.RuleSelector, Value: "#main-image|src"},
	}, types.ScrapeFields)

	assert.Equal(t, map[string]string{
		types.FieldTitle: "Widget Pro",
		types.FieldImage: "/img/widget.png",
	}, got)
}

func TestParsePrice(t *testing.T) {
	tests := []struct {
		text   string
		locale string
		want   float64
		ok     bool
	}{
		{"$19.99", "en", 19.99, true},
		{"$1,299.00", "en", 1299, true},
		{"1.299,00 €", "de", 1299, true},
		{"EUR 12,50", "fr_FR", 12.5, true},
		{"1.234", "de_DE", 1234, true},
		{"1.234", "en_US", 1.234, true},
		{"1,234", "en", 1234, true},
		{"1,234,567", "", 1234567, true},
		{"Price: 24", "", 24, true},
		{"free", "en", 0, false},
		{"0.00", "en", 0, false},
		{"", "en", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParsePrice(tt.text, tt.locale)
		assert.Equal(t, tt.ok, ok, tt.text)
		assert.InDelta(t, tt.want, got, 0.0001, tt.text)
	}
}

func TestRoundToCurrency(t *testing.T) {
	assert.Equal(t, 19.99, RoundToCurrency(19.989, "USD"))
	assert.Equal(t, 1235.0, RoundToCurrency(1234.5, "JPY"))
	assert.Equal(t, 3.14, RoundToCurrency(3.14159, "???"))
}

func TestCleanTextAndTruncate(t *testing.T) {
	assert.Equal(t, "Widget Pro & Co", CleanText("  <b>Widget</b>\n Pro &amp; Co "))
	assert.Equal(t, "", CleanText(""))
	assert.Equal(t, "héll", Truncate("héllo", 4))
	assert.Equal(t, "ok", Truncate("ok", 10))
}

func TestStructuredProduct(t *testing.T) {
	sde := NewStructuredDataExtractor(zap.NewNop())
	pm := sde.Product(NewPage("https://shop.example/widget", []byte(productHTML)))

	assert.True(t, pm.IsProduct)
	assert.Equal(t, "Widget Pro", pm.Title)
	assert.Equal(t, "19.99", pm.Price)
	assert.Equal(t, "USD", pm.Currency)
	assert.Equal(t, "https://shop.example/widget-1.png", pm.Image)
	assert.Equal(t, "The best widget", pm.Description)
}

func TestStructuredNonProduct(t *testing.T) {
	sde := NewStructuredDataExtractor(zap.NewNop())
	pm := sde.Product(NewPage("https://blog.example/post", []byte(`<html><head><title>Blog</title>
<script type="application/ld+json">{"@type":"Article","name":"Post"}</script></head><body></body></html>`)))

	assert.False(t, pm.IsProduct)
	assert.Equal(t, "Blog", pm.Title)
	assert.Empty(t, pm.Price)
}

func TestAutoSelectorBestRule(t *testing.T) {
	asg := NewAutoSelectorGenerator(zap.NewNop())
	page := NewPage("https://shop.example/widget", []byte(productHTML))

	rule, value, ok := asg.BestRule(page, `[class*="price"]`, func(s string) bool {
		_, ok := ParsePrice(s, "en")
		return ok
	})
	require.True(t, ok)
	assert.Equal(t, "$19.99", value)
	assert.Equal(t, types.RuleSelector, rule.Type)

	// the generated rule must round-trip through the extractor
	got, found, err := newTestExtractor().Extract(page, rule)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, value, got)
}

func TestPageSharesResponseDocument(t *testing.T) {
	req, err := types.NewRequest("https://shop.example/widget")
	require.NoError(t, err)
	resp := &types.Response{StatusCode: 200, Body: []byte(productHTML), Request: req}

	fromResp, err := resp.Document()
	require.NoError(t, err)
	page := PageFromResponse(resp)
	doc, err := page.Document()
	require.NoError(t, err)
	assert.Same(t, fromResp, doc)
	assert.Equal(t, "https://shop.example/widget", page.URL)
}

func TestAutoSelectorGenerateForText(t *testing.T) {
	asg := NewAutoSelectorGenerator(zap.NewNop())
	page := NewPage("https://shop.example/widget", []byte(productHTML))

	candidates, err := asg.GenerateForText(page, "$24.99")
	require.NoError(t, err)
	require.NotEmpty(t, candidates)
	assert.Equal(t, 1, candidates[0].MatchCount)
}
