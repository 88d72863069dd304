package stores

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/IshaanNene/pricewatch/internal/config"
	"github.com/IshaanNene/pricewatch/internal/types"
)

var testDefaults = config.DefaultsConfig{Locale: "en", Currency: "USD"}

const validStore = `{
  "name": "Acme Outlet",
  "domains": [{"domain": "acme.example"}, {"domain": "www.acme.co.example"}],
  "scrape_strategy": {
    "title": {"type": "selector", "value": "h1"},
    "price": {"type": "json", "value": "offers.price", "prepend": ""}
  },
  "settings": {"scraper_service": "http", "locale_settings": {"locale": "de_DE", "currency": "EUR"}}
}`

func TestValidateAcceptsValidStore(t *testing.T) {
	assert.Empty(t, Validate([]byte(validStore)))
}

func TestValidateMessages(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{
			name: "not json",
			raw:  `{nope`,
			want: []string{
				"The JSON is invalid",
				"The JSON is missing a store name",
				"The JSON is missing domains",
				"The JSON is missing a title strategy",
				"The JSON is missing a price strategy",
				"The scraper service is invalid",
			},
		},
		{
			name: "missing price strategy",
			raw: `{"name":"A","domains":[{"domain":"a.example"}],
				"scrape_strategy":{"title":{"type":"selector","value":"h1"},"price":{"type":"selector"}},
				"settings":{"scraper_service":"http"}}`,
			want: []string{"The JSON is missing a price strategy"},
		},
		{
			name: "domains not a list",
			raw: `{"name":"A","domains":"a.example",
				"scrape_strategy":{"title":{"type":"selector","value":"h1"},"price":{"type":"regex","value":"\\d+"}},
				"settings":{"scraper_service":"browser"}}`,
			want: []string{"The JSON is missing domains"},
		},
		{
			name: "bad service locale and currency",
			raw: `{"name":"A","domains":[{"domain":"a.example"}],
				"scrape_strategy":{"title":{"type":"selector","value":"h1"},"price":{"type":"selector","value":".p"}},
				"settings":{"scraper_service":"api","locale_settings":{"locale":"xx-invalid-!!","currency":"DOLLARS"}}}`,
			want: []string{"The scraper service is invalid", "The locale is invalid", "The currency is invalid"},
		},
		{
			name: "unknown rule type",
			raw: `{"name":"A","domains":[{"domain":"a.example"}],
				"scrape_strategy":{"title":{"type":"css4","value":"h1"},"price":{"type":"selector","value":".p"}},
				"settings":{"scraper_service":"http"}}`,
			want: []string{"The title strategy type is invalid"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Validate([]byte(tt.raw)))
		})
	}
}

func TestImportAppliesNothingOnFailure(t *testing.T) {
	r := NewRegistry(testDefaults, zap.NewNop())

	_, err := r.Import([]byte(`{"name":"Broken"}`))
	var ve *types.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Contains(t, ve.Messages, "The JSON is missing domains")
	assert.Empty(t, r.All())
}

func TestImportRegistersStore(t *testing.T) {
	r := NewRegistry(testDefaults, zap.NewNop(), &types.Store{ID: 5, Name: "Other", Domains: []types.Domain{{Domain: "other.example"}}})

	s, err := r.Import([]byte(validStore))
	require.NoError(t, err)
	assert.Equal(t, int64(6), s.ID)
	assert.Equal(t, "acme-outlet", s.Slug)
	assert.Equal(t, "de_DE", s.Locale())
	assert.Equal(t, "EUR", s.Currency())

	got, ok := r.Match("https://acme.co.example/p/1")
	require.True(t, ok)
	assert.Equal(t, s.ID, got.ID)
}

func TestApplyDefaults(t *testing.T) {
	s := &types.Store{Name: "Shop"}
	ApplyDefaults(s, testDefaults)
	assert.Equal(t, "en", s.Locale())
	assert.Equal(t, "USD", s.Currency())
	assert.Equal(t, types.FetcherHTTP, s.Settings.ScraperService)
}

func TestMatchPrefersOldestStore(t *testing.T) {
	r := NewRegistry(testDefaults, zap.NewNop(),
		&types.Store{ID: 9, Name: "Newer", Domains: []types.Domain{{Domain: "shop.example"}}},
		&types.Store{ID: 2, Name: "Older", Domains: []types.Domain{{Domain: "www.shop.example"}}},
	)

	s, ok := r.Match("https://shop.example/item")
	require.True(t, ok)
	assert.Equal(t, "Older", s.Name)

	_, ok = r.Match("https://nowhere.example/")
	assert.False(t, ok)
	_, ok = r.Match("")
	assert.False(t, ok)
}

func TestLoadFileYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stores.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
stores:
  - id: 1
    name: Acme
    domains:
      - domain: acme.example
    scrape_strategy:
      title: {type: selector, value: h1}
      price: {type: selector, value: ".price", prepend: "$"}
    settings:
      scraper_service: browser
      scraper_options:
        wait_selector: ".price"
`), 0o644))

	r := NewRegistry(testDefaults, zap.NewNop())
	n, err := r.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	s, ok := r.Get(1)
	require.True(t, ok)
	assert.Equal(t, types.FetcherBrowser, s.Settings.ScraperService)
	assert.Equal(t, ".price", s.Settings.ScraperOptions["wait_selector"])
	rule, ok := s.ScrapeStrategy.Rule(types.FieldPrice)
	require.True(t, ok)
	assert.Equal(t, "$", rule.Prepend)
	assert.Equal(t, "en", s.Locale())
}

func TestLoadFileJSONList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stores.json")
	require.NoError(t, os.WriteFile(path, []byte(`[`+validStore+`]`), 0o644))

	r := NewRegistry(testDefaults, zap.NewNop())
	n, err := r.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, ok := r.Match("acme.example")
	assert.True(t, ok)
}

func TestExportOmitsID(t *testing.T) {
	b, err := Export(&types.Store{ID: 3, Name: "Acme"})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"id": 0`)
	assert.Contains(t, string(b), `"name": "Acme"`)
}
