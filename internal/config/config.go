package config

import (
	"time"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Config is the root configuration for pricewatch.
type Config struct {
	Search     SearchConfig    `mapstructure:"search"      yaml:"search"`
	Scrape     ScrapeConfig    `mapstructure:"scrape"      yaml:"scrape"`
	Classify   ClassifyConfig  `mapstructure:"classify"    yaml:"classify"`
	Research   ResearchConfig  `mapstructure:"research"    yaml:"research"`
	Fetcher    FetcherConfig   `mapstructure:"fetcher"     yaml:"fetcher"`
	Storage    StorageConfig   `mapstructure:"storage"     yaml:"storage"`
	Cache      CacheConfig     `mapstructure:"cache"       yaml:"cache"`
	Jobs       JobsConfig      `mapstructure:"jobs"        yaml:"jobs"`
	Scheduler  SchedulerConfig `mapstructure:"scheduler"   yaml:"scheduler"`
	API        APIConfig       `mapstructure:"api"         yaml:"api"`
	Logging    LoggingConfig   `mapstructure:"logging"     yaml:"logging"`
	Defaults   DefaultsConfig  `mapstructure:"defaults"    yaml:"defaults"`
	StoresFile string          `mapstructure:"stores_file" yaml:"stores_file"`
}

// SearchConfig controls the search provider integration.
type SearchConfig struct {
	URL       string        `mapstructure:"url"        yaml:"url"`
	MaxPages  int           `mapstructure:"max_pages"  yaml:"max_pages"`
	PruneDays int           `mapstructure:"prune_days" yaml:"prune_days"`
	Timeout   time.Duration `mapstructure:"timeout"    yaml:"timeout"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"  yaml:"cache_ttl"`
}

// ScrapeConfig controls store-driven scraping.
type ScrapeConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"    yaml:"max_attempts"`
	CacheTTL       int           `mapstructure:"cache_ttl"       yaml:"cache_ttl"` // minutes
	SecondsBetween int           `mapstructure:"seconds_between" yaml:"seconds_between"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout"   yaml:"probe_timeout"`
}

// CacheTTLDuration returns the page cache TTL.
func (s ScrapeConfig) CacheTTLDuration() time.Duration {
	return time.Duration(s.CacheTTL) * time.Minute
}

// ClassifyConfig controls classification memoisation.
type ClassifyConfig struct {
	TTL time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

// ResearchConfig controls the research pipeline's shared markers.
type ResearchConfig struct {
	InProgressTTL time.Duration `mapstructure:"in_progress_ttl" yaml:"in_progress_ttl"`
	CompleteTTL   time.Duration `mapstructure:"complete_ttl"    yaml:"complete_ttl"`
	LogTTL        time.Duration `mapstructure:"log_ttl"         yaml:"log_ttl"`
	Parallelism   int           `mapstructure:"parallelism"     yaml:"parallelism"`
}

// FetcherConfig controls the page fetchers.
type FetcherConfig struct {
	Type            string        `mapstructure:"type"              yaml:"type"`
	FollowRedirects bool          `mapstructure:"follow_redirects"  yaml:"follow_redirects"`
	MaxRedirects    int           `mapstructure:"max_redirects"     yaml:"max_redirects"`
	MaxBodySize     int64         `mapstructure:"max_body_size"     yaml:"max_body_size"`
	TLSInsecure     bool          `mapstructure:"tls_insecure"      yaml:"tls_insecure"`
	IdleConnTimeout time.Duration `mapstructure:"idle_conn_timeout" yaml:"idle_conn_timeout"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"    yaml:"max_idle_conns"`
	UserAgents      []string      `mapstructure:"user_agents"       yaml:"user_agents"`
	BrowserPool     int           `mapstructure:"browser_pool"      yaml:"browser_pool"`
	Headless        bool          `mapstructure:"headless"          yaml:"headless"`
}

// StorageConfig controls persistence.
type StorageConfig struct {
	Driver         string `mapstructure:"driver"          yaml:"driver"` // sqlite, postgres
	DSN            string `mapstructure:"dsn"             yaml:"dsn"`
	ResearchDriver string `mapstructure:"research_driver" yaml:"research_driver"` // optional: mongo
	MongoURI       string `mapstructure:"mongo_uri"       yaml:"mongo_uri"`
	Database       string `mapstructure:"database"        yaml:"database"`
}

// CacheConfig controls the shared keyed TTL store.
type CacheConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver"` // memory, sqlite
	DSN    string `mapstructure:"dsn"    yaml:"dsn"`
}

// JobsConfig controls the background job queue.
type JobsConfig struct {
	Workers   int             `mapstructure:"workers"    yaml:"workers"`
	Tries     int             `mapstructure:"tries"      yaml:"tries"`
	Backoff   []time.Duration `mapstructure:"backoff"    yaml:"backoff"`
	Timeout   time.Duration   `mapstructure:"timeout"    yaml:"timeout"`
	UniqueFor time.Duration   `mapstructure:"unique_for" yaml:"unique_for"`
}

// SchedulerConfig holds cron expressions for periodic work.
type SchedulerConfig struct {
	Enabled        bool   `mapstructure:"enabled"          yaml:"enabled"`
	PruneCron      string `mapstructure:"prune_cron"       yaml:"prune_cron"`
	PriceCacheCron string `mapstructure:"price_cache_cron" yaml:"price_cache_cron"`
}

// APIConfig controls the HTTP API.
type APIConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level  string `mapstructure:"level"  yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// DefaultsConfig holds locale defaults for new stores.
type DefaultsConfig struct {
	Locale   string `mapstructure:"locale"   yaml:"locale"`
	Currency string `mapstructure:"currency" yaml:"currency"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Search: SearchConfig{
			URL:       "http://localhost:8888/search",
			MaxPages:  1,
			PruneDays: 30,
			Timeout:   30 * time.Second,
			CacheTTL:  30 * time.Minute,
		},
		Scrape: ScrapeConfig{
			MaxAttempts:    3,
			CacheTTL:       720,
			SecondsBetween: 5,
			ConnectTimeout: 30 * time.Second,
			RequestTimeout: 30 * time.Second,
			ProbeTimeout:   10 * time.Second,
		},
		Classify: ClassifyConfig{
			TTL: 30 * time.Minute,
		},
		Research: ResearchConfig{
			InProgressTTL: 30 * time.Minute,
			CompleteTTL:   30 * time.Minute,
			LogTTL:        60 * time.Minute,
			Parallelism:   1,
		},
		Fetcher: FetcherConfig{
			Type:            "http",
			FollowRedirects: true,
			MaxRedirects:    10,
			MaxBodySize:     10 * 1024 * 1024, // 10MB
			IdleConnTimeout: 90 * time.Second,
			MaxIdleConns:    100,
			UserAgents: []string{
				"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
				"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			},
			BrowserPool: 2,
			Headless:    true,
		},
		Storage: StorageConfig{
			Driver:   "sqlite",
			DSN:      "pricewatch.db",
			Database: "pricewatch",
		},
		Cache: CacheConfig{
			Driver: "memory",
		},
		Jobs: JobsConfig{
			Workers:   2,
			Tries:     3,
			Backoff:   []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second},
			Timeout:   time.Hour,
			UniqueFor: 10 * time.Minute,
		},
		Scheduler: SchedulerConfig{
			Enabled:        true,
			PruneCron:      "0 3 * * *",
			PriceCacheCron: "0 */6 * * *",
		},
		API: APIConfig{
			Addr: ":8080",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Defaults: DefaultsConfig{
			Locale:   "en",
			Currency: "USD",
		},
		StoresFile: "stores.yaml",
	}
}
