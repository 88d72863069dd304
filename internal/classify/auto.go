// Package classify decides whether a URL is a product page and which
// extraction path yields its data.
package classify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/IshaanNene/pricewatch/internal/fetcher"
	"github.com/IshaanNene/pricewatch/internal/parser"
	"github.com/IshaanNene/pricewatch/internal/types"
)

// fieldCandidates are tried in order for each field; the first rule that
// yields an acceptable value becomes the field's strategy.
var fieldCandidates = map[string][]types.ExtractionRule{
	types.FieldTitle: {
		{Type: types.RuleSelector, Value: `meta[property="og:title"]|content`},
		{Type: types.RuleSelector, Value: `[itemprop="name"]`},
		{Type: types.RuleSelector, Value: "h1"},
		{Type: types.RuleSelector, Value: "title"},
	},
	types.FieldDescription: {
		{Type: types.RuleSelector, Value: `meta[property="og:description"]|content`},
		{Type: types.RuleSelector, Value: `meta[name="description"]|content`},
	},
	types.FieldPrice: {
		{Type: types.RuleSelector, Value: `meta[property="product:price:amount"]|content`},
		{Type: types.RuleSelector, Value: `meta[property="og:price:amount"]|content`},
		{Type: types.RuleSelector, Value: `[itemprop="price"]|content`},
		{Type: types.RuleSelector, Value: `[itemprop="price"]`},
		{Type: types.RuleJSON, Value: "offers.price"},
		{Type: types.RuleJSON, Value: "offers.0.price"},
		{Type: types.RuleJSON, Value: "offers.lowPrice"},
	},
	types.FieldImage: {
		{Type: types.RuleSelector, Value: `meta[property="og:image"]|content`},
		{Type: types.RuleSelector, Value: `[itemprop="image"]|content`},
		{Type: types.RuleSelector, Value: `[itemprop="image"]|src`},
	},
}

// priceElements is scanned for a parseable price when no markup rule
// matches.
const priceElements = `[class*="price"], [id*="price"]`

// StoreAttributes is what would be needed to register a store for a page.
type StoreAttributes struct {
	Name       string        `json:"name"`
	Domain     string        `json:"domain"`
	Strategies types.RuleSet `json:"strategies"`
	Locale     string        `json:"locale"`
	Currency   string        `json:"currency,omitempty"`
}

// AutoResult is the outcome of inferring rules from a page.
type AutoResult struct {
	Strategies types.RuleSet     `json:"strategies"`
	Values     map[string]string `json:"values"`
	HTML       string            `json:"-"`
	Attributes *StoreAttributes  `json:"attributes,omitempty"`
}

// AutoClassifier infers extraction rules for pages of unregistered stores
// from their markup.
type AutoClassifier struct {
	fetcher    fetcher.Fetcher
	extractor  *parser.Extractor
	structured *parser.StructuredDataExtractor
	selectors  *parser.AutoSelectorGenerator
	locale     string
	logger     *zap.Logger
}

// NewAutoClassifier creates an auto classifier. locale is used to parse
// prices found on unregistered stores.
func NewAutoClassifier(f fetcher.Fetcher, locale string, logger *zap.Logger) *AutoClassifier {
	return &AutoClassifier{
		fetcher:    f,
		extractor:  parser.NewExtractor(logger),
		structured: parser.NewStructuredDataExtractor(logger),
		selectors:  parser.NewAutoSelectorGenerator(logger),
		locale:     locale,
		logger:     logger.With(zap.String("component", "auto_classifier")),
	}
}

// Fetch retrieves rawURL and infers rules from it.
func (a *AutoClassifier) Fetch(ctx context.Context, rawURL string, timeout time.Duration) (*AutoResult, error) {
	req, err := types.NewRequest(rawURL)
	if err != nil {
		return nil, err
	}
	req.UseCache = true
	req.Timeout = timeout
	req.ConnectTimeout = timeout

	resp, err := a.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(resp.Errors) > 0 {
		a.logger.Debug("page unusable for inference", zap.String("url", rawURL), zap.Strings("errors", resp.Errors))
		return &AutoResult{Strategies: types.RuleSet{}, Values: map[string]string{}}, nil
	}
	return a.Infer(parser.PageFromResponse(resp)), nil
}

// Infer builds a rule set from page markup. Attributes is set only when
// both a title and a parseable price were found.
func (a *AutoClassifier) Infer(page *parser.Page) *AutoResult {
	res := &AutoResult{
		Strategies: types.RuleSet{},
		Values:     map[string]string{},
		HTML:       string(page.Body),
	}
	for _, field := range types.ScrapeFields {
		accept := nonEmpty
		if field == types.FieldPrice {
			accept = a.isPrice
		}
		for _, rule := range fieldCandidates[field] {
			value, ok, err := a.extractor.Extract(page, rule)
			if err != nil || !ok {
				continue
			}
			value = parser.CleanText(value)
			if !accept(value) {
				continue
			}
			res.Strategies[field] = rule
			res.Values[field] = value
			break
		}
	}

	if _, ok := res.Values[types.FieldPrice]; !ok {
		if rule, value, ok := a.selectors.BestRule(page, priceElements, a.isPrice); ok {
			res.Strategies[types.FieldPrice] = rule
			res.Values[types.FieldPrice] = value
		}
	}

	title, price := res.Values[types.FieldTitle], res.Values[types.FieldPrice]
	if title == "" || price == "" {
		return res
	}

	markup := a.structured.Product(page)
	res.Attributes = &StoreAttributes{
		Name:       types.NormalizeHost(page.URL),
		Domain:     types.NormalizeHost(page.URL),
		Strategies: res.Strategies,
		Locale:     a.locale,
		Currency:   markup.Currency,
	}
	a.logger.Debug("inferred store rules",
		zap.String("url", page.URL),
		zap.Bool("product_markup", markup.IsProduct),
		zap.Int("rules", len(res.Strategies)),
	)
	return res
}

func (a *AutoClassifier) isPrice(s string) bool {
	v, ok := parser.ParsePrice(s, a.locale)
	return ok && v > 0
}

func nonEmpty(s string) bool { return s != "" }
