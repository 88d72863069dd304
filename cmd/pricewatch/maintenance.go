package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/IshaanNene/pricewatch/internal/scheduler"
)

// pruneCmd creates the "prune" subcommand.
func pruneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete research records older than search.prune_days",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			n, err := scheduler.New(cfg, a.storage.Research, a.prices, logger).Prune(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Pruned %d research records older than %d days\n", n, cfg.Search.PruneDays)
			return nil
		},
	}
}

var (
	priceCacheUpdate bool
	priceCacheAll    bool
)

// priceCacheCmd creates the "price-cache" subcommand.
func priceCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "price-cache [product-id]",
		Short: "Rebuild and print a product's price cache",
		Long: `Rebuild a product's price cache from its last year of prices and print
the summary as JSON. With --update the product's URLs are scraped first.
With --all every product's cache is rebuilt.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runPriceCache,
	}
	cmd.Flags().BoolVar(&priceCacheUpdate, "update", false, "scrape current prices before rebuilding")
	cmd.Flags().BoolVar(&priceCacheAll, "all", false, "rebuild every product's cache")
	return cmd
}

func runPriceCache(cmd *cobra.Command, args []string) error {
	if !priceCacheAll && len(args) == 0 {
		return eris.New("a product id or --all is required")
	}

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if priceCacheAll {
		n, err := a.prices.RegenerateAll(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Rebuilt %d price caches\n", n)
		return nil
	}

	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return eris.Wrapf(err, "invalid product id %q", args[0])
	}
	if priceCacheUpdate {
		if _, err := a.prices.UpdatePrices(ctx, id); err != nil {
			return err
		}
	} else if _, err := a.prices.Regenerate(ctx, id); err != nil {
		return err
	}

	summary, err := a.prices.Summarize(ctx, id)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}
