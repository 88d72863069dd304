package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to environment variable overrides.
const EnvPrefix = "PRICEWATCH"

// Load reads configuration from file, environment, and CLI flags.
// Priority (highest to lowest): CLI flags > env vars > .env > config file > defaults.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// A missing .env is fine; a malformed one is not.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, eris.Wrap(err, "failed to load .env")
	}

	v := viper.New()
	v.SetConfigType("yaml")

	setDefaults(v, cfg)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("pricewatch")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".pricewatch"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		// Config file not found is okay if not explicitly specified
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, eris.Wrap(err, "failed to read config file")
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, eris.Wrap(err, "failed to unmarshal config")
	}

	return cfg, nil
}

// setDefaults registers default values in viper so env overrides resolve.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("search.url", cfg.Search.URL)
	v.SetDefault("search.max_pages", cfg.Search.MaxPages)
	v.SetDefault("search.prune_days", cfg.Search.PruneDays)
	v.SetDefault("search.timeout", cfg.Search.Timeout)
	v.SetDefault("search.cache_ttl", cfg.Search.CacheTTL)

	v.SetDefault("scrape.max_attempts", cfg.Scrape.MaxAttempts)
	v.SetDefault("scrape.cache_ttl", cfg.Scrape.CacheTTL)
	v.SetDefault("scrape.seconds_between", cfg.Scrape.SecondsBetween)
	v.SetDefault("scrape.connect_timeout", cfg.Scrape.ConnectTimeout)
	v.SetDefault("scrape.request_timeout", cfg.Scrape.RequestTimeout)
	v.SetDefault("scrape.probe_timeout", cfg.Scrape.ProbeTimeout)

	v.SetDefault("classify.ttl", cfg.Classify.TTL)

	v.SetDefault("research.in_progress_ttl", cfg.Research.InProgressTTL)
	v.SetDefault("research.complete_ttl", cfg.Research.CompleteTTL)
	v.SetDefault("research.log_ttl", cfg.Research.LogTTL)
	v.SetDefault("research.parallelism", cfg.Research.Parallelism)

	v.SetDefault("fetcher.type", cfg.Fetcher.Type)
	v.SetDefault("fetcher.follow_redirects", cfg.Fetcher.FollowRedirects)
	v.SetDefault("fetcher.max_redirects", cfg.Fetcher.MaxRedirects)
	v.SetDefault("fetcher.max_body_size", cfg.Fetcher.MaxBodySize)
	v.SetDefault("fetcher.idle_conn_timeout", cfg.Fetcher.IdleConnTimeout)
	v.SetDefault("fetcher.max_idle_conns", cfg.Fetcher.MaxIdleConns)
	v.SetDefault("fetcher.user_agents", cfg.Fetcher.UserAgents)
	v.SetDefault("fetcher.browser_pool", cfg.Fetcher.BrowserPool)
	v.SetDefault("fetcher.headless", cfg.Fetcher.Headless)

	v.SetDefault("storage.driver", cfg.Storage.Driver)
	v.SetDefault("storage.dsn", cfg.Storage.DSN)
	v.SetDefault("storage.research_driver", cfg.Storage.ResearchDriver)
	v.SetDefault("storage.mongo_uri", cfg.Storage.MongoURI)
	v.SetDefault("storage.database", cfg.Storage.Database)

	v.SetDefault("cache.driver", cfg.Cache.Driver)
	v.SetDefault("cache.dsn", cfg.Cache.DSN)

	v.SetDefault("jobs.workers", cfg.Jobs.Workers)
	v.SetDefault("jobs.tries", cfg.Jobs.Tries)
	v.SetDefault("jobs.backoff", cfg.Jobs.Backoff)
	v.SetDefault("jobs.timeout", cfg.Jobs.Timeout)
	v.SetDefault("jobs.unique_for", cfg.Jobs.UniqueFor)

	v.SetDefault("scheduler.enabled", cfg.Scheduler.Enabled)
	v.SetDefault("scheduler.prune_cron", cfg.Scheduler.PruneCron)
	v.SetDefault("scheduler.price_cache_cron", cfg.Scheduler.PriceCacheCron)

	v.SetDefault("api.addr", cfg.API.Addr)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)

	v.SetDefault("defaults.locale", cfg.Defaults.Locale)
	v.SetDefault("defaults.currency", cfg.Defaults.Currency)

	v.SetDefault("stores_file", cfg.StoresFile)
}
