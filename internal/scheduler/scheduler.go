// Package scheduler runs periodic maintenance on cron schedules: pruning
// stale research records and rebuilding product price caches.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/IshaanNene/pricewatch/internal/config"
)

// Pruner deletes research records last updated before a cutoff.
type Pruner interface {
	PruneResearch(ctx context.Context, olderThan time.Time) (int64, error)
}

// Regenerator rebuilds every product's price cache.
type Regenerator interface {
	RegenerateAll(ctx context.Context) (int, error)
}

// Scheduler owns the cron runner.
type Scheduler struct {
	cfg       config.SchedulerConfig
	retention time.Duration
	research  Pruner
	prices    Regenerator
	cron      *cron.Cron
	logger    *zap.Logger
	now       func() time.Time
}

// New creates a scheduler. Records older than search.prune_days are
// pruned.
func New(cfg *config.Config, research Pruner, prices Regenerator, logger *zap.Logger) *Scheduler {
	logger = logger.With(zap.String("component", "scheduler"))
	cl := cronLogger{logger.Sugar()}
	return &Scheduler{
		cfg:       cfg.Scheduler,
		retention: time.Duration(max(cfg.Search.PruneDays, 1)) * 24 * time.Hour,
		research:  research,
		prices:    prices,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger: logger,
		now:    time.Now,
	}
}

// Start registers the configured schedules and starts the runner. Empty
// expressions are skipped; a disabled scheduler registers nothing.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.logger.Info("scheduler disabled")
		return nil
	}

	if s.cfg.PruneCron != "" && s.research != nil {
		if _, err := s.cron.AddFunc(s.cfg.PruneCron, func() {
			if _, err := s.Prune(ctx); err != nil {
				s.logger.Error("scheduled prune failed", zap.Error(err))
			}
		}); err != nil {
			return eris.Wrapf(err, "invalid prune cron %q", s.cfg.PruneCron)
		}
	}

	if s.cfg.PriceCacheCron != "" && s.prices != nil {
		if _, err := s.cron.AddFunc(s.cfg.PriceCacheCron, func() {
			if _, err := s.prices.RegenerateAll(ctx); err != nil {
				s.logger.Error("scheduled price cache rebuild failed", zap.Error(err))
			}
		}); err != nil {
			return eris.Wrapf(err, "invalid price cache cron %q", s.cfg.PriceCacheCron)
		}
	}

	s.cron.Start()
	s.logger.Info("scheduler started",
		zap.String("prune_cron", s.cfg.PruneCron),
		zap.String("price_cache_cron", s.cfg.PriceCacheCron),
		zap.Int("entries", len(s.cron.Entries())),
	)
	return nil
}

// Stop halts the runner and waits for running jobs to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Entries reports how many schedules are registered.
func (s *Scheduler) Entries() int { return len(s.cron.Entries()) }

// Prune deletes research records older than the retention window.
func (s *Scheduler) Prune(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.retention)
	n, err := s.research.PruneResearch(ctx, cutoff)
	if err != nil {
		return 0, eris.Wrap(err, "prune research")
	}
	s.logger.Info("research records pruned", zap.Int64("deleted", n), zap.Time("cutoff", cutoff))
	return n, nil
}

// cronLogger routes cron's own logging through zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
