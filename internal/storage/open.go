package storage

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/IshaanNene/pricewatch/internal/config"
)

// Stores is the pair of stores a process works with. Research may be a
// separate backend from Prices.
type Stores struct {
	Research ResearchStore
	Prices   PriceStore

	closers []interface{ Close() error }
	logger  *zap.Logger
}

// Open connects the configured backends. The relational driver serves
// prices and, unless research_driver is mongo, research records too.
func Open(ctx context.Context, cfg *config.StorageConfig, logger *zap.Logger) (*Stores, error) {
	var backend Backend
	var err error
	switch cfg.Driver {
	case "sqlite":
		backend, err = NewSQLite(ctx, cfg.DSN, logger)
	case "postgres":
		backend, err = NewPostgres(ctx, cfg.DSN, logger)
	default:
		return nil, eris.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	s := &Stores{
		Research: backend,
		Prices:   backend,
		closers:  []interface{ Close() error }{backend},
		logger:   logger.With(zap.String("component", "stores")),
	}

	if cfg.ResearchDriver == "mongo" {
		m, err := NewMongoStore(ctx, cfg.MongoURI, cfg.Database, "url_research", logger)
		if err != nil {
			backend.Close()
			return nil, err
		}
		s.Research = m
		s.closers = append(s.closers, m)
	}

	s.logger.Info("storage opened",
		zap.String("prices", s.Prices.Name()),
		zap.String("research", s.Research.Name()),
	)
	return s, nil
}

// Close closes every backend, returning the first error.
func (s *Stores) Close() error {
	var firstErr error
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			s.logger.Error("backend close failed", zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
