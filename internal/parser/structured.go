package parser

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
)

// StructuredDataType identifies the type of structured data.
type StructuredDataType string

const (
	JSONLD      StructuredDataType = "json-ld"
	Microdata   StructuredDataType = "microdata"
	OpenGraph   StructuredDataType = "opengraph"
	TwitterCard StructuredDataType = "twitter_card"
	MetaTags    StructuredDataType = "meta"
)

// StructuredData represents extracted structured data from a page.
type StructuredData struct {
	Type StructuredDataType `json:"type"`
	Data map[string]any     `json:"data"`
}

// ProductMarkup summarises what a page's structured data says about the
// product it shows.
type ProductMarkup struct {
	IsProduct   bool   `json:"is_product"`
	Title       string `json:"title,omitempty"`
	Price       string `json:"price,omitempty"`
	Currency    string `json:"currency,omitempty"`
	Image       string `json:"image,omitempty"`
	Description string `json:"description,omitempty"`
}

// StructuredDataExtractor reads JSON-LD, Microdata, OpenGraph, Twitter
// cards and meta tags.
type StructuredDataExtractor struct {
	logger *zap.Logger
}

// NewStructuredDataExtractor creates a new structured data extractor.
func NewStructuredDataExtractor(logger *zap.Logger) *StructuredDataExtractor {
	return &StructuredDataExtractor{
		logger: logger.With(zap.String("component", "structured_data")),
	}
}

// Extract finds and parses all structured data on a page.
func (sde *StructuredDataExtractor) Extract(page *Page) ([]StructuredData, error) {
	doc, err := page.Document()
	if err != nil {
		return nil, err
	}

	var results []StructuredData
	results = append(results, sde.extractJSONLD(page)...)

	if og := extractPrefixed(doc, `meta[property^="og:"], meta[property^="product:"]`, "property"); len(og) > 0 {
		results = append(results, StructuredData{Type: OpenGraph, Data: og})
	}
	if tc := extractPrefixed(doc, `meta[name^="twitter:"], meta[property^="twitter:"]`, "name", "property"); len(tc) > 0 {
		results = append(results, StructuredData{Type: TwitterCard, Data: tc})
	}
	results = append(results, extractMicrodata(doc)...)
	if meta := extractMetaTags(doc); len(meta) > 0 {
		results = append(results, StructuredData{Type: MetaTags, Data: meta})
	}

	return results, nil
}

// Product folds every structured source into one product summary. Earlier
// sources (JSON-LD, then OpenGraph, then microdata) win.
func (sde *StructuredDataExtractor) Product(page *Page) ProductMarkup {
	var pm ProductMarkup
	results, err := sde.Extract(page)
	if err != nil {
		sde.logger.Debug("structured data unavailable", zap.String("url", page.URL), zap.Error(err))
		return pm
	}

	set := func(dst *string, v any) {
		if *dst != "" {
			return
		}
		if s := scalarString(v); s != "" {
			*dst = s
		}
	}

	for _, sd := range results {
		switch sd.Type {
		case JSONLD:
			if !isProductType(sd.Data["@type"]) {
				continue
			}
			pm.IsProduct = true
			set(&pm.Title, sd.Data["name"])
			set(&pm.Description, sd.Data["description"])
			set(&pm.Image, sd.Data["image"])
			offer := firstMap(sd.Data["offers"])
			set(&pm.Price, offer["price"])
			set(&pm.Price, offer["lowPrice"])
			set(&pm.Currency, offer["priceCurrency"])
		case OpenGraph:
			if t, _ := sd.Data["og:type"].(string); strings.EqualFold(t, "product") || strings.EqualFold(t, "og:product") {
				pm.IsProduct = true
			}
			set(&pm.Title, sd.Data["og:title"])
			set(&pm.Image, sd.Data["og:image"])
			set(&pm.Description, sd.Data["og:description"])
			set(&pm.Price, sd.Data["product:price:amount"])
			set(&pm.Price, sd.Data["og:price:amount"])
			set(&pm.Currency, sd.Data["product:price:currency"])
		case Microdata:
			if isProductType(sd.Data["@type"]) {
				pm.IsProduct = true
				set(&pm.Title, sd.Data["name"])
				set(&pm.Image, sd.Data["image"])
				set(&pm.Price, sd.Data["price"])
				set(&pm.Currency, sd.Data["priceCurrency"])
			}
		case MetaTags:
			set(&pm.Title, sd.Data["title"])
			set(&pm.Description, sd.Data["description"])
		}
	}
	return pm
}

// extractJSONLD parses ld+json blocks, flattening arrays and @graph.
func (sde *StructuredDataExtractor) extractJSONLD(page *Page) []StructuredData {
	var results []StructuredData
	for _, raw := range page.JSONBlocks() {
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			sde.logger.Debug("bad ld+json", zap.String("url", page.URL), zap.Error(err))
			continue
		}
		for _, obj := range flattenLD(v) {
			results = append(results, StructuredData{Type: JSONLD, Data: obj})
		}
	}
	return results
}

func flattenLD(v any) []map[string]any {
	switch t := v.(type) {
	case []any:
		var out []map[string]any
		for _, item := range t {
			out = append(out, flattenLD(item)...)
		}
		return out
	case map[string]any:
		if graph, ok := t["@graph"]; ok {
			return flattenLD(graph)
		}
		return []map[string]any{t}
	}
	return nil
}

// extractPrefixed reads meta tags matched by selector, keyed by the first
// non-empty of attrs.
func extractPrefixed(doc *goquery.Document, selector string, attrs ...string) map[string]any {
	data := make(map[string]any)
	doc.Find(selector).Each(func(_ int, sel *goquery.Selection) {
		var key string
		for _, a := range attrs {
			if key, _ = sel.Attr(a); key != "" {
				break
			}
		}
		content, _ := sel.Attr("content")
		if key != "" && content != "" {
			if _, dup := data[key]; !dup {
				data[key] = content
			}
		}
	})
	return data
}

// extractMicrodata parses top-level itemscope elements.
func extractMicrodata(doc *goquery.Document) []StructuredData {
	var results []StructuredData

	doc.Find("[itemscope]").Each(func(_ int, sel *goquery.Selection) {
		if sel.ParentsFiltered("[itemscope]").Length() > 0 && !isProductType(attr(sel, "itemtype")) {
			return
		}
		data := make(map[string]any)
		if itemType := attr(sel, "itemtype"); itemType != "" {
			data["@type"] = itemType
		}

		sel.Find("[itemprop]").Each(func(_ int, prop *goquery.Selection) {
			name := attr(prop, "itemprop")
			if name == "" {
				return
			}
			if _, dup := data[name]; dup {
				return
			}
			var value string
			for _, a := range []string{"content", "href", "src", "datetime"} {
				if v, ok := prop.Attr(a); ok {
					value = v
					break
				}
			}
			if value == "" {
				value = strings.TrimSpace(prop.Text())
			}
			if value != "" {
				data[name] = value
			}
		})

		if len(data) > 0 {
			results = append(results, StructuredData{Type: Microdata, Data: data})
		}
	})

	return results
}

// extractMetaTags parses the title and standard meta tags.
func extractMetaTags(doc *goquery.Document) map[string]any {
	data := make(map[string]any)

	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		data["title"] = title
	}
	for _, name := range []string{"description", "keywords", "author"} {
		if content, ok := doc.Find(`meta[name="` + name + `"]`).Attr("content"); ok && content != "" {
			data[name] = content
		}
	}
	if canonical, ok := doc.Find(`link[rel="canonical"]`).Attr("href"); ok && canonical != "" {
		data["canonical"] = canonical
	}
	return data
}

func attr(sel *goquery.Selection, name string) string {
	v, _ := sel.Attr(name)
	return v
}

func isProductType(v any) bool {
	switch t := v.(type) {
	case string:
		return strings.HasSuffix(strings.ToLower(t), "product")
	case []any:
		for _, item := range t {
			if isProductType(item) {
				return true
			}
		}
	}
	return false
}

func firstMap(v any) map[string]any {
	switch t := v.(type) {
	case map[string]any:
		return t
	case []any:
		for _, item := range t {
			if m, ok := item.(map[string]any); ok {
				return m
			}
		}
	}
	return nil
}

// scalarString renders a JSON scalar, taking the first element of arrays
// and the url of image objects.
func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case []any:
		for _, item := range t {
			if s := scalarString(item); s != "" {
				return s
			}
		}
	case map[string]any:
		return scalarString(t["url"])
	}
	return ""
}
