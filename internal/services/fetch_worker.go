package services

import (
	"context"
	"fmt"
	"time"

	"quote-backfill-service/internal/store"
	"quote-backfill-service/internal/timewindow"
	"quote-backfill-service/internal/upstream"

	"github.com/sirupsen/logrus"
)

// QuoteFetcher retrieves one ticker/day slice of quotes from the provider
type QuoteFetcher interface {
	FetchQuotes(ctx context.Context, req upstream.Request) ([]upstream.QuoteRow, error)
}

// QuoteWriter persists quotes, ignoring rows that already exist
type QuoteWriter interface {
	BatchInsertQuotes(ctx context.Context, quotes []store.Quote) (int64, error)
}

// MetadataWriter records per-day quote counts in the summary store
type MetadataWriter interface {
	UpsertCount(ctx context.Context, tickerID int64, day time.Time, count int64) error
}

// Task is one missing (ticker, day) pair. A zero TickerID is resolved by the
// worker. Empty StartTime/EndTime fetch the full session.
type Task struct {
	Ticker    string
	Day       time.Time
	TickerID  int64
	Repair    bool
	StartTime string
	EndTime   string
}

// Partial reports whether the task covers only part of the session
func (t Task) Partial() bool {
	return t.StartTime != "" || t.EndTime != ""
}

func (t Task) String() string {
	return fmt.Sprintf("%s %s", t.Ticker, timewindow.FormatDay(t.Day))
}

// Outcome is the classification of a completed task
type Outcome int

const (
	OutcomeFetched Outcome = iota
	OutcomeSkippedWeekend
	OutcomeNoData
	OutcomeRepairDisabled
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFetched:
		return "fetched"
	case OutcomeSkippedWeekend:
		return "skipped_weekend"
	case OutcomeNoData:
		return "no_data"
	case OutcomeRepairDisabled:
		return "repair_disabled"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// TaskResult reports what happened to a single task
type TaskResult struct {
	Task     Task
	Outcome  Outcome
	Rows     int
	Inserted int64
	Attempts int
	Err      error
}

// OK reports whether the task counts as completed
func (r TaskResult) OK() bool {
	return r.Outcome == OutcomeFetched || r.Outcome == OutcomeSkippedWeekend
}

// FetchWorker downloads one missing ticker/day from the provider and writes it
type FetchWorker struct {
	fetcher  QuoteFetcher
	quotes   QuoteWriter
	metadata MetadataWriter
	resolver *TickerResolver
	policy   RetryPolicy
	logger   *logrus.Entry
}

func NewFetchWorker(fetcher QuoteFetcher, quotes QuoteWriter, resolver *TickerResolver, policy RetryPolicy, logger logrus.FieldLogger) *FetchWorker {
	return &FetchWorker{
		fetcher:  fetcher,
		quotes:   quotes,
		resolver: resolver,
		policy:   policy,
		logger:   logger.WithField("component", "fetch_worker"),
	}
}

// WithMetadata enables best-effort summary updates after each insert
func (w *FetchWorker) WithMetadata(metadata MetadataWriter) *FetchWorker {
	w.metadata = metadata
	return w
}

// FetchAndInsert fills a single missing day. Weekends are skipped without a
// provider call, and nothing is fetched when repair is disabled.
func (w *FetchWorker) FetchAndInsert(ctx context.Context, task Task) TaskResult {
	result := TaskResult{Task: task}
	log := w.logger.WithFields(logrus.Fields{
		"ticker": task.Ticker,
		"date":   timewindow.FormatDay(task.Day),
	})

	if timewindow.IsWeekend(task.Day) {
		log.Debug("Skipping weekend")
		result.Outcome = OutcomeSkippedWeekend
		return result
	}

	if !task.Repair {
		log.Info("Data missing and repair disabled")
		result.Outcome = OutcomeRepairDisabled
		return result
	}

	tickerID := task.TickerID
	if tickerID == 0 {
		id, err := w.resolver.Resolve(ctx, task.Ticker)
		if err != nil {
			result.Outcome = OutcomeFailed
			result.Err = err
			return result
		}
		tickerID = id
		result.Task.TickerID = id
	}

	req := upstream.Request{
		Ticker:    task.Ticker,
		Date:      task.Day,
		StartTime: task.StartTime,
		EndTime:   task.EndTime,
	}
	fetched := w.policy.Do(ctx, func(ctx context.Context) ([]upstream.QuoteRow, error) {
		return w.fetcher.FetchQuotes(ctx, req)
	}, func(err error, wait time.Duration) {
		log.WithError(err).WithField("retry_in", wait.String()).Warn("Fetch failed, retrying")
	})
	result.Attempts = fetched.Attempts

	switch fetched.Status {
	case FetchEmpty:
		log.Info("No data available from upstream")
		result.Outcome = OutcomeNoData
		return result
	case FetchTransientFailure, FetchTerminalFailure:
		log.WithError(fetched.Err).WithField("attempts", fetched.Attempts).Error("Fetch failed")
		result.Outcome = OutcomeFailed
		result.Err = fmt.Errorf("fetch failed after %d attempts: %w", fetched.Attempts, fetched.Err)
		return result
	}

	quotes := toQuotes(tickerID, fetched.Rows)
	inserted, err := w.quotes.BatchInsertQuotes(ctx, quotes)
	if err != nil {
		log.WithError(err).Error("Failed to insert quotes")
		result.Outcome = OutcomeFailed
		result.Err = fmt.Errorf("insert failed: %w", err)
		return result
	}

	result.Outcome = OutcomeFetched
	result.Rows = len(quotes)
	result.Inserted = inserted

	// A partial window must not mark the whole day as present in the summary.
	if w.metadata != nil && !task.Partial() {
		if err := w.metadata.UpsertCount(ctx, tickerID, task.Day, int64(len(quotes))); err != nil {
			log.WithError(err).Warn("Failed to update quote summary")
		}
	}

	log.WithFields(logrus.Fields{"rows": len(quotes), "inserted": inserted}).Info("Backfilled day")
	return result
}

func toQuotes(tickerID int64, rows []upstream.QuoteRow) []store.Quote {
	quotes := make([]store.Quote, 0, len(rows))
	for _, r := range rows {
		quotes = append(quotes, store.Quote{
			Timestamp:    r.Timestamp,
			TickerID:     tickerID,
			Bid:          r.Bid,
			BidSize:      r.BidSize,
			BidExchange:  r.BidExchange,
			BidCondition: r.BidCondition,
			Ask:          r.Ask,
			AskSize:      r.AskSize,
			AskExchange:  r.AskExchange,
			AskCondition: r.AskCondition,
		})
	}
	return quotes
}
