package types

import (
	"net/url"
	"strings"
	"unicode"
)

// RuleType selects how an ExtractionRule is evaluated.
type RuleType string

// Supported rule types.
const (
	RuleSelector RuleType = "selector"
	RuleRegex    RuleType = "regex"
	RuleXPath    RuleType = "xpath"
	RuleJSON     RuleType = "json"
)

// Field names a store extracts, in extraction order.
const (
	FieldTitle       = "title"
	FieldDescription = "description"
	FieldPrice       = "price"
	FieldImage       = "image"
)

// ScrapeFields is the order in which fields are extracted from a page.
var ScrapeFields = []string{FieldTitle, FieldDescription, FieldPrice, FieldImage}

// ExtractionRule is a declarative instruction for pulling one field out of
// a page. Prepend and Append are literal affixes around the match.
type ExtractionRule struct {
	Type    RuleType `json:"type" yaml:"type" bson:"type"`
	Value   string   `json:"value" yaml:"value" bson:"value"`
	Prepend string   `json:"prepend,omitempty" yaml:"prepend,omitempty" bson:"prepend,omitempty"`
	Append  string   `json:"append,omitempty" yaml:"append,omitempty" bson:"append,omitempty"`
}

// IsZero reports whether the rule is unset.
func (r ExtractionRule) IsZero() bool {
	return strings.TrimSpace(r.Value) == ""
}

// RuleSet maps field names to their extraction rule. A field without a rule
// is never attempted.
type RuleSet map[string]ExtractionRule

// Rule returns the rule configured for field, if any.
func (rs RuleSet) Rule(field string) (ExtractionRule, bool) {
	r, ok := rs[field]
	if !ok || r.IsZero() {
		return ExtractionRule{}, false
	}
	return r, true
}

// Domain is one hostname a store is registered under.
type Domain struct {
	Domain string `json:"domain" yaml:"domain"`
}

// LocaleSettings carries a store's display locale and currency.
type LocaleSettings struct {
	Locale   string `json:"locale" yaml:"locale"`
	Currency string `json:"currency" yaml:"currency"`
}

// StoreSettings holds per-store fetch settings.
type StoreSettings struct {
	ScraperService string         `json:"scraper_service" yaml:"scraper_service"`
	ScraperOptions map[string]any `json:"scraper_options,omitempty" yaml:"scraper_options,omitempty"`
	LocaleSettings LocaleSettings `json:"locale_settings" yaml:"locale_settings"`
}

// Store is a registered retailer. Stores are read-only to the pipeline.
type Store struct {
	ID             int64         `json:"id" yaml:"id"`
	Name           string        `json:"name" yaml:"name"`
	Slug           string        `json:"slug,omitempty" yaml:"slug,omitempty"`
	Domains        []Domain      `json:"domains" yaml:"domains"`
	ScrapeStrategy RuleSet       `json:"scrape_strategy" yaml:"scrape_strategy"`
	Settings       StoreSettings `json:"settings" yaml:"settings"`
}

// Locale returns the store locale.
func (s *Store) Locale() string { return s.Settings.LocaleSettings.Locale }

// Currency returns the store currency code.
func (s *Store) Currency() string { return s.Settings.LocaleSettings.Currency }

// MatchesHost reports whether host belongs to one of the store's domains.
func (s *Store) MatchesHost(host string) bool {
	host = NormalizeHost(host)
	for _, d := range s.Domains {
		if NormalizeHost(d.Domain) == host {
			return true
		}
	}
	return false
}

// NormalizeHost lowercases a host and strips any port and leading "www.".
// Full URLs are reduced to their host first.
func NormalizeHost(host string) string {
	host = strings.TrimSpace(strings.ToLower(host))
	if strings.Contains(host, "://") {
		if u, err := url.Parse(host); err == nil {
			host = u.Host
		}
	}
	if i := strings.LastIndex(host, ":"); i > 0 && !strings.Contains(host[i:], "]") {
		host = host[:i]
	}
	return strings.TrimPrefix(host, "www.")
}

// Slugify lowercases s and joins its alphanumeric runs with dashes.
func Slugify(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
