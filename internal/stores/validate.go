package stores

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"

	"github.com/IshaanNene/pricewatch/internal/types"
)

// scraperServices are the accepted settings.scraper_service values.
var scraperServices = []string{types.FetcherHTTP, types.FetcherBrowser}

// Validate checks a shared store definition and returns every problem
// found, in a fixed order. An empty result means the JSON can be imported.
func Validate(raw []byte) []string {
	var msgs []string
	if !gjson.ValidBytes(raw) || !gjson.ParseBytes(raw).IsObject() {
		msgs = append(msgs, "The JSON is invalid")
	}
	doc := gjson.ParseBytes(raw)

	if empty(doc.Get("name")) {
		msgs = append(msgs, "The JSON is missing a store name")
	}
	if domains := doc.Get("domains"); !domains.IsArray() || len(domains.Array()) == 0 {
		msgs = append(msgs, "The JSON is missing domains")
	}
	if empty(doc.Get("scrape_strategy.title.value")) || empty(doc.Get("scrape_strategy.title.type")) {
		msgs = append(msgs, "The JSON is missing a title strategy")
	}
	if empty(doc.Get("scrape_strategy.price.value")) || empty(doc.Get("scrape_strategy.price.type")) {
		msgs = append(msgs, "The JSON is missing a price strategy")
	}
	doc.Get("scrape_strategy").ForEach(func(field, rule gjson.Result) bool {
		if !validRuleType(types.RuleType(rule.Get("type").String())) {
			msgs = append(msgs, "The "+field.String()+" strategy type is invalid")
		}
		return true
	})
	if !validService(doc.Get("settings.scraper_service").String()) {
		msgs = append(msgs, "The scraper service is invalid")
	}
	if loc := doc.Get("settings.locale_settings.locale").String(); loc != "" {
		if _, err := language.Parse(strings.ReplaceAll(loc, "_", "-")); err != nil {
			msgs = append(msgs, "The locale is invalid")
		}
	}
	if cur := doc.Get("settings.locale_settings.currency").String(); cur != "" {
		if _, err := currency.ParseISO(cur); err != nil {
			msgs = append(msgs, "The currency is invalid")
		}
	}
	return msgs
}

func empty(r gjson.Result) bool {
	return !r.Exists() || strings.TrimSpace(r.String()) == ""
}

func validService(s string) bool {
	for _, v := range scraperServices {
		if s == v {
			return true
		}
	}
	return false
}

// Import validates a shared store definition and registers it. Nothing is
// registered when validation fails; the error is a *types.ValidationError.
func (r *Registry) Import(raw []byte) (*types.Store, error) {
	if msgs := Validate(raw); len(msgs) > 0 {
		return nil, &types.ValidationError{Messages: msgs}
	}
	var s types.Store
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, &types.ValidationError{Messages: []string{"The JSON is invalid"}}
	}
	s.ID = 0
	return r.Add(&s), nil
}

func validRuleType(t types.RuleType) bool {
	switch t {
	case "", types.RuleSelector, types.RuleRegex, types.RuleXPath, types.RuleJSON:
		return true
	}
	return false
}

// Export renders a store as shareable JSON, without its ID.
func Export(s *types.Store) ([]byte, error) {
	cp := *s
	cp.ID = 0
	b, err := json.MarshalIndent(&cp, "", "  ")
	if err != nil {
		return nil, eris.Wrap(err, "encode store")
	}
	return b, nil
}
