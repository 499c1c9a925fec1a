package services

import (
	"fmt"
	"sort"
	"time"

	"quote-backfill-service/internal/timewindow"
)

// TickerStats summarises one ticker's part of a run
type TickerStats struct {
	Ticker       string   `json:"ticker"`
	TotalDays    int      `json:"total_days"`
	DaysWithData int      `json:"days_with_data"`
	DaysFetched  int      `json:"days_fetched"`
	DaysFailed   int      `json:"days_failed"`
	GoodData     []string `json:"good_data"`
	NoDataDates  []string `json:"no_data_dates"`
	Errors       []string `json:"errors"`
}

func newTickerStats(ticker string) *TickerStats {
	return &TickerStats{
		Ticker:      ticker,
		GoodData:    []string{},
		NoDataDates: []string{},
		Errors:      []string{},
	}
}

// record folds a task result into the ticker's counters
func (s *TickerStats) record(r TaskResult) {
	day := timewindow.FormatDay(r.Task.Day)
	switch r.Outcome {
	case OutcomeFetched:
		s.DaysFetched++
		s.GoodData = append(s.GoodData, day)
	case OutcomeSkippedWeekend:
	case OutcomeNoData, OutcomeRepairDisabled:
		s.DaysFailed++
		s.NoDataDates = append(s.NoDataDates, day)
	default:
		s.DaysFailed++
		s.NoDataDates = append(s.NoDataDates, day)
		if r.Err != nil {
			s.Errors = append(s.Errors, fmt.Sprintf("%s: %v", day, r.Err))
		}
	}
}

func (s *TickerStats) finish() {
	sort.Strings(s.GoodData)
	sort.Strings(s.NoDataDates)
}

// RunStats summarises a whole backfill run
type RunStats struct {
	RunID          string                  `json:"run_id"`
	Trigger        string                  `json:"trigger"`
	Lookback       string                  `json:"lookback"`
	Repair         bool                    `json:"repair"`
	StartedAt      time.Time               `json:"started_at"`
	FinishedAt     time.Time               `json:"finished_at"`
	DurationMS     int64                   `json:"duration_ms"`
	TotalTickers   int                     `json:"total_tickers"`
	TotalTasks     int                     `json:"total_tasks"`
	CompletedTasks int                     `json:"completed_tasks"`
	FailedTasks    int                     `json:"failed_tasks"`
	DaysFetched    int                     `json:"days_fetched"`
	DaysFailed     int                     `json:"days_failed"`
	Tickers        map[string]*TickerStats `json:"ticker_stats"`
	DroppedTickers []string                `json:"dropped_tickers,omitempty"`
	Errors         []string                `json:"errors"`
}

// Ticker returns the stats for symbol, or nil if it was not part of the run
func (s *RunStats) Ticker(symbol string) *TickerStats {
	return s.Tickers[symbol]
}

// SortedTickers returns the tickers of the run in alphabetical order
func (s *RunStats) SortedTickers() []string {
	tickers := make([]string, 0, len(s.Tickers))
	for ticker := range s.Tickers {
		tickers = append(tickers, ticker)
	}
	sort.Strings(tickers)
	return tickers
}

// HasFailures reports whether any task failed or any ticker was dropped
func (s *RunStats) HasFailures() bool {
	return s.FailedTasks > 0 || len(s.DroppedTickers) > 0
}

func (s *RunStats) record(r TaskResult) {
	ts, ok := s.Tickers[r.Task.Ticker]
	if !ok {
		ts = newTickerStats(r.Task.Ticker)
		s.Tickers[r.Task.Ticker] = ts
	}
	ts.record(r)

	if r.OK() {
		s.CompletedTasks++
	} else {
		s.FailedTasks++
	}
	if r.Outcome == OutcomeFailed && r.Err != nil {
		s.Errors = append(s.Errors, fmt.Sprintf("%s: %v", r.Task, r.Err))
	}
}

func (s *RunStats) finish(finishedAt time.Time) {
	s.FinishedAt = finishedAt
	s.DurationMS = finishedAt.Sub(s.StartedAt).Milliseconds()
	s.DaysFetched = 0
	s.DaysFailed = 0
	for _, ts := range s.Tickers {
		ts.finish()
		s.DaysFetched += ts.DaysFetched
		s.DaysFailed += ts.DaysFailed
	}
	sort.Strings(s.DroppedTickers)
}
