package config

import (
	"net/url"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
)

// Validate checks the configuration for invalid values.
func Validate(cfg *Config) error {
	if cfg.Search.URL != "" {
		if err := ValidateURL(cfg.Search.URL); err != nil {
			return eris.Wrap(err, "search.url")
		}
	}
	if cfg.Search.MaxPages < 1 {
		return eris.Errorf("search.max_pages must be >= 1, got %d", cfg.Search.MaxPages)
	}
	if cfg.Search.PruneDays < 1 {
		return eris.Errorf("search.prune_days must be >= 1, got %d", cfg.Search.PruneDays)
	}

	if cfg.Scrape.MaxAttempts < 1 {
		return eris.Errorf("scrape.max_attempts must be >= 1, got %d", cfg.Scrape.MaxAttempts)
	}
	if cfg.Scrape.CacheTTL < 0 {
		return eris.Errorf("scrape.cache_ttl must be >= 0, got %d", cfg.Scrape.CacheTTL)
	}
	if cfg.Scrape.SecondsBetween < 0 {
		return eris.Errorf("scrape.seconds_between must be >= 0, got %d", cfg.Scrape.SecondsBetween)
	}
	if cfg.Scrape.ConnectTimeout <= 0 || cfg.Scrape.RequestTimeout <= 0 || cfg.Scrape.ProbeTimeout <= 0 {
		return eris.New("scrape timeouts must be > 0")
	}

	if cfg.Classify.TTL <= 0 {
		return eris.New("classify.ttl must be > 0")
	}
	if cfg.Research.InProgressTTL <= 0 || cfg.Research.LogTTL <= 0 || cfg.Research.CompleteTTL <= 0 {
		return eris.New("research marker TTLs must be > 0")
	}
	if cfg.Research.Parallelism < 1 || cfg.Research.Parallelism > 64 {
		return eris.Errorf("research.parallelism must be 1-64, got %d", cfg.Research.Parallelism)
	}

	if cfg.Fetcher.MaxBodySize <= 0 {
		return eris.New("fetcher.max_body_size must be > 0")
	}
	if cfg.Fetcher.MaxRedirects < 0 {
		return eris.New("fetcher.max_redirects must be >= 0")
	}
	if cfg.Fetcher.Type != "http" && cfg.Fetcher.Type != "browser" {
		return eris.Errorf("fetcher.type must be 'http' or 'browser', got %q", cfg.Fetcher.Type)
	}

	validDrivers := map[string]bool{"sqlite": true, "postgres": true}
	if !validDrivers[cfg.Storage.Driver] {
		return eris.Errorf("storage.driver %q is not supported (valid: sqlite, postgres)", cfg.Storage.Driver)
	}
	if cfg.Storage.ResearchDriver != "" && cfg.Storage.ResearchDriver != "mongo" {
		return eris.Errorf("storage.research_driver must be empty or 'mongo', got %q", cfg.Storage.ResearchDriver)
	}
	if cfg.Storage.ResearchDriver == "mongo" && cfg.Storage.MongoURI == "" {
		return eris.New("storage.mongo_uri is required when storage.research_driver is 'mongo'")
	}
	if cfg.Cache.Driver != "memory" && cfg.Cache.Driver != "sqlite" {
		return eris.Errorf("cache.driver must be 'memory' or 'sqlite', got %q", cfg.Cache.Driver)
	}

	if cfg.Jobs.Workers < 1 {
		return eris.Errorf("jobs.workers must be >= 1, got %d", cfg.Jobs.Workers)
	}
	if cfg.Jobs.Tries < 1 {
		return eris.Errorf("jobs.tries must be >= 1, got %d", cfg.Jobs.Tries)
	}
	if cfg.Jobs.Timeout <= 0 {
		return eris.New("jobs.timeout must be > 0")
	}

	if cfg.Scheduler.Enabled {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		for name, spec := range map[string]string{
			"scheduler.prune_cron":       cfg.Scheduler.PruneCron,
			"scheduler.price_cache_cron": cfg.Scheduler.PriceCacheCron,
		} {
			if spec == "" {
				continue
			}
			if _, err := parser.Parse(spec); err != nil {
				return eris.Wrapf(err, "%s is not a valid cron expression", name)
			}
		}
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[cfg.Logging.Level] {
		return eris.Errorf("logging.level must be debug/info/warn/error, got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" && cfg.Logging.Format != "json" {
		return eris.Errorf("logging.format must be 'text' or 'json', got %q", cfg.Logging.Format)
	}

	return nil
}

// ValidateURL checks if a URL string is an absolute http(s) URL.
func ValidateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return eris.Wrap(err, "invalid URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return eris.Errorf("URL scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return eris.New("URL must have a host")
	}
	return nil
}
