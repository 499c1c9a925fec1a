package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"quote-backfill-service/internal/timewindow"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Trigger labels for RunStats
const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
	TriggerCLI       = "cli"
)

// RunOptions controls a single backfill run
type RunOptions struct {
	Lookback string
	Repair   bool
	Workers  int
	Trigger  string
}

// Coordinator finds missing ticker/days and fans the fetches out to a bounded pool
type Coordinator struct {
	checker  *AvailabilityChecker
	worker   *FetchWorker
	resolver *TickerResolver
	calendar timewindow.Calendar
	notifier Notifier
	now      func() time.Time
	logger   *logrus.Entry
}

func NewCoordinator(checker *AvailabilityChecker, worker *FetchWorker, resolver *TickerResolver, calendar timewindow.Calendar, logger logrus.FieldLogger) *Coordinator {
	return &Coordinator{
		checker:  checker,
		worker:   worker,
		resolver: resolver,
		calendar: calendar,
		now:      time.Now,
		logger:   logger.WithField("component", "backfill"),
	}
}

// WithNotifier publishes run summaries to n when a run finishes
func (c *Coordinator) WithNotifier(n Notifier) *Coordinator {
	c.notifier = n
	return c
}

// WithClock replaces the time source used to anchor lookback windows
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

// ProcessTicker backfills a single ticker and returns its stats
func (c *Coordinator) ProcessTicker(ctx context.Context, ticker string, opts RunOptions) (*TickerStats, *RunStats, error) {
	symbols := normalizeTickers([]string{ticker})
	if len(symbols) == 0 {
		return nil, nil, fmt.Errorf("ticker is required")
	}
	stats, err := c.Run(ctx, symbols, opts)
	if err != nil {
		return nil, nil, err
	}
	ts := stats.Ticker(symbols[0])
	if ts == nil {
		ts = newTickerStats(symbols[0])
		if len(stats.Errors) == 0 {
			ts.Errors = append(ts.Errors, fmt.Sprintf("Processing error: ticker %s could not be resolved", symbols[0]))
		} else {
			ts.Errors = append(ts.Errors, stats.Errors...)
		}
	}
	return ts, stats, nil
}

// Run backfills every ticker over the lookback window. A bad lookback is the
// only error; per-task failures are reported in the returned stats.
func (c *Coordinator) Run(ctx context.Context, tickers []string, opts RunOptions) (*RunStats, error) {
	lookback, err := timewindow.ParseLookback(opts.Lookback)
	if err != nil {
		return nil, err
	}

	now := c.now()
	tickers = normalizeTickers(tickers)
	stats := &RunStats{
		RunID:        uuid.NewString(),
		Trigger:      opts.Trigger,
		Lookback:     lookback.String(),
		Repair:       opts.Repair,
		StartedAt:    now,
		TotalTickers: len(tickers),
		Tickers:      make(map[string]*TickerStats, len(tickers)),
		Errors:       []string{},
	}
	log := c.logger.WithFields(logrus.Fields{
		"run_id":   stats.RunID,
		"lookback": stats.Lookback,
		"repair":   opts.Repair,
		"tickers":  len(tickers),
	})
	log.Info("Starting backfill run")

	var tasks []Task
	if lookback.Kind == timewindow.IntradayMinutes {
		tasks = c.planIntraday(ctx, tickers, lookback, now, opts.Repair, stats)
	} else {
		tasks = c.planDays(ctx, tickers, lookback, now, opts.Repair, stats)
	}
	stats.TotalTasks = len(tasks)

	for _, r := range c.execute(ctx, tasks, opts.Workers) {
		stats.record(r)
	}
	stats.finish(c.now())

	log.WithFields(logrus.Fields{
		"total_tasks":     stats.TotalTasks,
		"completed_tasks": stats.CompletedTasks,
		"failed_tasks":    stats.FailedTasks,
		"duration_ms":     stats.DurationMS,
	}).Info("Backfill run finished")

	if c.notifier != nil {
		c.notifier.NotifyRun(ctx, stats)
	}
	return stats, nil
}

func (c *Coordinator) planDays(ctx context.Context, tickers []string, lookback timewindow.Lookback, now time.Time, repair bool, stats *RunStats) []Task {
	start, end := lookback.DateRange(now)
	days := timewindow.TradingDays(start, end, c.calendar)
	availability := c.checker.BatchCheck(ctx, tickers, days)
	stats.DroppedTickers = append(stats.DroppedTickers, availability.Dropped...)

	var tasks []Task
	var missingSummary []string
	for _, ticker := range tickers {
		id, ok := availability.IDs[ticker]
		if !ok {
			continue
		}
		ts := newTickerStats(ticker)
		ts.TotalDays = len(days)
		stats.Tickers[ticker] = ts

		available := availability.Days[ticker]
		missing := 0
		for _, day := range days {
			if available.Has(day) {
				ts.DaysWithData++
				ts.GoodData = append(ts.GoodData, timewindow.FormatDay(day))
				continue
			}
			missing++
			tasks = append(tasks, Task{Ticker: ticker, Day: day, TickerID: id, Repair: repair})
		}
		if missing > 0 {
			missingSummary = append(missingSummary, fmt.Sprintf("%s: %d missing", ticker, missing))
		}
	}

	if len(missingSummary) > 0 {
		c.logger.WithField("missing", strings.Join(missingSummary, " | ")).Info("Found missing days")
	}
	return tasks
}

func (c *Coordinator) planIntraday(ctx context.Context, tickers []string, lookback timewindow.Lookback, now time.Time, repair bool, stats *RunStats) []Task {
	day, startTime, endTime := lookback.IntradayWindow(now)

	tasks := make([]Task, 0, len(tickers))
	for _, ticker := range tickers {
		id, err := c.resolver.Resolve(ctx, ticker)
		if err != nil {
			c.logger.WithError(err).WithField("ticker", ticker).Warn("Dropping ticker that could not be resolved")
			stats.DroppedTickers = append(stats.DroppedTickers, ticker)
			continue
		}
		ts := newTickerStats(ticker)
		ts.TotalDays = 1
		stats.Tickers[ticker] = ts
		tasks = append(tasks, Task{
			Ticker:    ticker,
			Day:       day,
			TickerID:  id,
			Repair:    repair,
			StartTime: startTime,
			EndTime:   endTime,
		})
	}
	return tasks
}

// execute runs tasks on at most workers goroutines. Results are stored by
// task index and aggregated by the caller after every task has finished.
func (c *Coordinator) execute(ctx context.Context, tasks []Task, workers int) []TaskResult {
	results := make([]TaskResult, len(tasks))
	if len(tasks) == 0 {
		return results
	}
	if workers < 1 {
		workers = 1
	}
	if workers > len(tasks) {
		workers = len(tasks)
	}

	var g errgroup.Group
	g.SetLimit(workers)
	for i, task := range tasks {
		i, task := i, task
		g.Go(func() error {
			results[i] = c.runTask(ctx, task)
			return nil
		})
	}
	g.Wait()
	return results
}

func (c *Coordinator) runTask(ctx context.Context, task Task) (result TaskResult) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.WithFields(logrus.Fields{
				"ticker": task.Ticker,
				"date":   timewindow.FormatDay(task.Day),
				"panic":  r,
			}).Error("Task panicked")
			result = TaskResult{Task: task, Outcome: OutcomeFailed, Err: fmt.Errorf("unexpected error: %v", r)}
		}
	}()

	if err := ctx.Err(); err != nil {
		return TaskResult{Task: task, Outcome: OutcomeFailed, Err: err}
	}
	return c.worker.FetchAndInsert(ctx, task)
}

// normalizeTickers upper-cases, trims and de-duplicates symbols, keeping order
func normalizeTickers(tickers []string) []string {
	seen := make(map[string]struct{}, len(tickers))
	out := make([]string, 0, len(tickers))
	for _, t := range tickers {
		t = strings.ToUpper(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
