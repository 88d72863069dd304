package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/IshaanNene/pricewatch/internal/search"
	"github.com/IshaanNene/pricewatch/internal/storage"
	"github.com/IshaanNene/pricewatch/internal/types"
)

var (
	researchExport string
	researchFormat string
	researchPages  int
)

// researchCmd creates the "research" subcommand.
func researchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "research [query]",
		Short: "Search for a product and classify every result inline",
		Long: `Run the research pipeline for a query without the job queue.

Fetches search results, filters out documents, matches results to known
stores, classifies and prices every page, and saves the research records.
Progress log lines are mirrored to the console.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runResearch,
	}

	cmd.Flags().StringVarP(&researchExport, "export", "o", "", "write candidates to this file")
	cmd.Flags().StringVarP(&researchFormat, "format", "f", "json", "export format: json, jsonl, csv")
	cmd.Flags().IntVar(&researchPages, "max-pages", 0, "search result pages to fetch (0 uses config)")
	return cmd
}

func runResearch(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	if researchPages > 0 {
		cfg.Search.MaxPages = researchPages
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	var exporter storage.Exporter
	if researchExport != "" {
		exporter, err = storage.NewExporter(researchFormat, researchExport, logger)
		if err != nil {
			return err
		}
	}

	query := strings.Join(args, " ")
	start := time.Now()
	cands, err := a.orch.Build(ctx, query, search.MirrorLog())
	if err != nil {
		if exporter != nil {
			_ = exporter.Close()
		}
		return err
	}

	if exporter != nil {
		if err := exporter.Write(cands); err != nil {
			_ = exporter.Close()
			return err
		}
		if err := exporter.Close(); err != nil {
			return err
		}
		logger.Info("candidates exported", zap.String("path", researchExport), zap.String("format", researchFormat))
	}

	printCandidates(cands)
	fmt.Printf("\n%d results for %q in %s\n", len(cands), query, time.Since(start).Round(time.Millisecond))
	return nil
}

func printCandidates(cands []*types.CandidateURL) {
	for _, c := range cands {
		price := "-"
		if c.Price != nil {
			price = fmt.Sprintf("%.2f", *c.Price)
		}
		cached := ""
		if c.Cached {
			cached = " (cached)"
		}
		fmt.Printf("%3d  %-18s %10s  %s%s\n", c.Relevance, c.IsProductPage, price, c.URL, cached)
	}
}
