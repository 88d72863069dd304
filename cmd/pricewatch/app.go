package main

import (
	"context"
	"errors"
	"io/fs"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/IshaanNene/pricewatch/internal/cache"
	"github.com/IshaanNene/pricewatch/internal/classify"
	"github.com/IshaanNene/pricewatch/internal/config"
	"github.com/IshaanNene/pricewatch/internal/fetcher"
	"github.com/IshaanNene/pricewatch/internal/observability"
	"github.com/IshaanNene/pricewatch/internal/pricecache"
	"github.com/IshaanNene/pricewatch/internal/scrape"
	"github.com/IshaanNene/pricewatch/internal/search"
	"github.com/IshaanNene/pricewatch/internal/storage"
	"github.com/IshaanNene/pricewatch/internal/stores"
)

// app holds the wired components shared by the subcommands.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	metrics  *observability.Metrics
	cache    cache.Store
	storage  *storage.Stores
	registry *stores.Registry
	fetcher  fetcher.Fetcher
	orch     *search.Orchestrator
	prices   *pricecache.Service

	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: observability.NewMetrics(logger),
	}
	ready := false
	defer func() {
		if !ready {
			a.close()
		}
	}()

	switch cfg.Cache.Driver {
	case "sqlite":
		sc, err := cache.NewSQLite(ctx, cfg.Cache.DSN)
		if err != nil {
			return nil, err
		}
		a.cache = sc
		a.closers = append(a.closers, sc.Close)
	default:
		a.cache = cache.NewMemory()
	}

	st, err := storage.Open(ctx, &cfg.Storage, logger)
	if err != nil {
		return nil, err
	}
	a.storage = st
	a.closers = append(a.closers, a.storage.Close)

	a.registry = stores.NewRegistry(cfg.Defaults, logger)
	if cfg.StoresFile != "" {
		_, err := a.registry.LoadFile(cfg.StoresFile)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			logger.Warn("stores file not found, no stores registered", zap.String("path", cfg.StoresFile))
		case err != nil:
			return nil, eris.Wrapf(err, "load stores from %s", cfg.StoresFile)
		}
	}

	f, err := fetcher.New(cfg, a.cache, a.metrics, logger)
	if err != nil {
		return nil, err
	}
	a.fetcher = f
	a.closers = append(a.closers, a.fetcher.Close)

	notifier := scrape.NewLogNotifier(logger)
	scraper := scrape.NewScraper(a.fetcher, a.registry, notifier, &cfg.Scrape, a.metrics, logger)
	auto := classify.NewAutoClassifier(a.fetcher, cfg.Defaults.Locale, logger)
	classifier := classify.NewPageClassifier(scraper, auto, a.cache, cfg, a.metrics, logger)

	provider := search.NewSearXNG(&cfg.Search, logger)
	a.orch = search.NewOrchestrator(provider, classifier, a.registry, a.storage.Research, a.cache, cfg, a.metrics, logger)
	a.prices = pricecache.NewService(a.storage.Prices, scraper, a.registry, notifier, a.metrics, logger)
	ready = true
	return a, nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
	a.closers = nil
}
