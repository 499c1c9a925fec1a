package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"quote-backfill-service/internal/config"
	"quote-backfill-service/internal/database"
	"quote-backfill-service/internal/logger"
	"quote-backfill-service/internal/services"
	"quote-backfill-service/internal/store"
	"quote-backfill-service/internal/upstream"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	backfillTicker   string
	backfillAll      bool
	backfillLookback string
	backfillRepair   bool
	backfillWorkers  int
	backfillJSON     bool
)

// errRunFailed marks a run that completed with failed tasks
var errRunFailed = errors.New("backfill completed with failures")

var rootCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Backfill missing historical quotes",
	Long: `Backfill missing historical quotes into the quote store.

Examples:
  # Repair the last 5 trading days for AAPL
  backfill --ticker AAPL --lookback 5d

  # Fill a calendar-day range for every configured ticker
  backfill --all --lookback "(30:10)"

  # Report what is missing without fetching
  backfill --all --lookback 10d --repair=false`,
	SilenceUsage: true,
	RunE:         runBackfill,
}

func init() {
	rootCmd.Flags().StringVar(&backfillTicker, "ticker", "", "Ticker to backfill (e.g., AAPL)")
	rootCmd.Flags().BoolVar(&backfillAll, "all", false, "Backfill every ticker from the configured source")
	rootCmd.Flags().StringVar(&backfillLookback, "lookback", "", "Lookback window (1d, 12h, 30m, 5, (500:200)); defaults to LOOKBACK")
	rootCmd.Flags().BoolVar(&backfillRepair, "repair", true, "Fetch and insert missing days; false only reports them")
	rootCmd.Flags().IntVar(&backfillWorkers, "workers", 0, "Parallel workers; defaults to PARALLEL_WORKERS")
	rootCmd.Flags().BoolVar(&backfillJSON, "json", false, "Print run statistics as JSON")
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runBackfill(cmd *cobra.Command, args []string) error {
	if !backfillAll && backfillTicker == "" {
		return fmt.Errorf("either --ticker or --all must be specified")
	}
	if backfillAll && backfillTicker != "" {
		return fmt.Errorf("cannot specify both --ticker and --all")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	appLogger, _, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	opts := services.RunOptions{
		Lookback: cfg.Backfill.Lookback,
		Repair:   backfillRepair,
		Workers:  cfg.Backfill.ParallelWorkers,
		Trigger:  services.TriggerCLI,
	}
	if backfillLookback != "" {
		opts.Lookback = backfillLookback
	}
	if backfillWorkers > 0 {
		opts.Workers = backfillWorkers
	}

	db, err := database.Initialize(ctx, cfg.Database, appLogger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	quoteStore := store.NewQuoteStore(db, cfg.Backfill.InsertBatchSize)
	coordinator, closeMeta := buildCoordinator(ctx, cfg, quoteStore, appLogger)
	defer closeMeta()

	var stats *services.RunStats
	if backfillAll {
		source, err := services.NewTickerSource(cfg.Backfill, quoteStore, appLogger)
		if err != nil {
			return fmt.Errorf("failed to configure ticker source: %w", err)
		}
		tickers, err := source.List(ctx)
		if err != nil {
			return fmt.Errorf("failed to list tickers from %s: %w", source.Name(), err)
		}
		stats, err = coordinator.Run(ctx, tickers, opts)
		if err != nil {
			return fmt.Errorf("backfill failed: %w", err)
		}
	} else {
		_, stats, err = coordinator.ProcessTicker(ctx, backfillTicker, opts)
		if err != nil {
			return fmt.Errorf("backfill failed: %w", err)
		}
	}

	if err := report(cmd, stats); err != nil {
		return err
	}
	if stats.HasFailures() {
		return errRunFailed
	}
	return nil
}

func buildCoordinator(ctx context.Context, cfg *config.Config, quoteStore *store.QuoteStore, appLogger *logrus.Logger) (*services.Coordinator, func()) {
	resolver := services.NewTickerResolver(quoteStore, appLogger)
	checker := services.NewAvailabilityChecker(resolver, quoteStore, cfg.Backfill.AvailabilityChunkSize, appLogger)
	client := upstream.NewClient(cfg.Upstream, appLogger)
	policy := services.RetryPolicy{MaxAttempts: cfg.Upstream.RetryAttempts, Delay: cfg.Upstream.RetryDelay}
	worker := services.NewFetchWorker(client, quoteStore, resolver, policy, appLogger)

	closeMeta := func() {}
	if cfg.MetaDB.Enabled() {
		metadata, err := store.NewMetadataStore(ctx, cfg.MetaDB.ConnectionString())
		if err != nil {
			appLogger.WithError(err).Warn("Metadata database unavailable, continuing with quote store only")
		} else {
			checker.WithMetadata(metadata)
			worker.WithMetadata(metadata)
			closeMeta = metadata.Close
		}
	}

	return services.NewCoordinator(checker, worker, resolver, cfg.Calendar(), appLogger), closeMeta
}

func report(cmd *cobra.Command, stats *services.RunStats) error {
	out := cmd.OutOrStdout()
	if backfillJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}

	fmt.Fprintf(out, "Run %s (%s, repair=%t): %d tasks, %d completed, %d failed in %dms\n",
		stats.RunID, stats.Lookback, stats.Repair, stats.TotalTasks, stats.CompletedTasks, stats.FailedTasks, stats.DurationMS)
	for _, ticker := range stats.SortedTickers() {
		ts := stats.Tickers[ticker]
		fmt.Fprintf(out, "  %-8s days=%d present=%d fetched=%d failed=%d\n",
			ts.Ticker, ts.TotalDays, ts.DaysWithData, ts.DaysFetched, ts.DaysFailed)
		for _, e := range ts.Errors {
			fmt.Fprintf(out, "    %s\n", e)
		}
	}
	for _, dropped := range stats.DroppedTickers {
		fmt.Fprintf(out, "  %-8s dropped: ticker id could not be resolved\n", dropped)
	}
	return nil
}
