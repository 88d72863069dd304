// Package stores holds the registered retailers and their extraction rules.
package stores

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/IshaanNene/pricewatch/internal/config"
	"github.com/IshaanNene/pricewatch/internal/types"
)

// Registry is an in-memory store catalogue. It is safe for concurrent use;
// the pipeline only reads from it.
type Registry struct {
	mu       sync.RWMutex
	stores   []*types.Store // ordered by ID
	defaults config.DefaultsConfig
	logger   *zap.Logger
}

// NewRegistry creates a registry holding the given stores.
func NewRegistry(defaults config.DefaultsConfig, logger *zap.Logger, stores ...*types.Store) *Registry {
	r := &Registry{
		defaults: defaults,
		logger:   logger.With(zap.String("component", "stores")),
	}
	for _, s := range stores {
		r.Add(s)
	}
	return r
}

type storesFile struct {
	Stores []*types.Store `json:"stores" yaml:"stores"`
}

// LoadFile reads store definitions from a YAML or JSON file. The file may
// hold a list of stores or an object with a "stores" list.
func (r *Registry) LoadFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, eris.Wrapf(err, "read stores file %s", path)
	}
	list, err := decodeStores(data, strings.EqualFold(filepath.Ext(path), ".json"))
	if err != nil {
		return 0, eris.Wrapf(err, "decode stores file %s", path)
	}
	for _, s := range list {
		r.Add(s)
	}
	r.logger.Info("stores loaded", zap.String("path", path), zap.Int("count", len(list)))
	return len(list), nil
}

func decodeStores(data []byte, isJSON bool) ([]*types.Store, error) {
	unmarshal := yaml.Unmarshal
	if isJSON {
		unmarshal = json.Unmarshal
	}
	var wrapped storesFile
	if err := unmarshal(data, &wrapped); err == nil && len(wrapped.Stores) > 0 {
		return wrapped.Stores, nil
	}
	var list []*types.Store
	if err := unmarshal(data, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// Add registers a store, filling in defaults. A zero ID is replaced by the
// next free one; an existing ID is replaced.
func (r *Registry) Add(s *types.Store) *types.Store {
	ApplyDefaults(s, r.defaults)

	r.mu.Lock()
	defer r.mu.Unlock()
	if s.ID == 0 {
		var maxID int64
		for _, existing := range r.stores {
			maxID = max(maxID, existing.ID)
		}
		s.ID = maxID + 1
	}
	for i, existing := range r.stores {
		if existing.ID == s.ID {
			r.stores[i] = s
			return s
		}
	}
	r.stores = append(r.stores, s)
	sort.Slice(r.stores, func(i, j int) bool { return r.stores[i].ID < r.stores[j].ID })
	return s
}

// Match returns the oldest store registered for rawURL's host, which may be
// a full URL or a bare host.
func (r *Registry) Match(rawURL string) (*types.Store, bool) {
	host := types.NormalizeHost(rawURL)
	if host == "" {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.stores {
		if s.MatchesHost(host) {
			return s, true
		}
	}
	return nil, false
}

// Get returns the store with the given ID.
func (r *Registry) Get(id int64) (*types.Store, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.stores {
		if s.ID == id {
			return s, true
		}
	}
	return nil, false
}

// All returns the registered stores ordered by ID.
func (r *Registry) All() []*types.Store {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.Store, len(r.stores))
	copy(out, r.stores)
	return out
}

// ApplyDefaults fills in an empty locale, currency and scraper service.
func ApplyDefaults(s *types.Store, d config.DefaultsConfig) {
	ls := &s.Settings.LocaleSettings
	if ls.Locale == "" {
		ls.Locale = d.Locale
	}
	if ls.Currency == "" {
		ls.Currency = d.Currency
	}
	if s.Settings.ScraperService == "" {
		s.Settings.ScraperService = types.FetcherHTTP
	}
	if s.Slug == "" {
		s.Slug = types.Slugify(s.Name)
	}
}
