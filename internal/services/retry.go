package services

import (
	"context"
	"errors"
	"time"

	"quote-backfill-service/internal/upstream"

	"github.com/cenkalti/backoff/v4"
)

// FetchStatus classifies the outcome of a retried upstream fetch
type FetchStatus int

const (
	FetchSuccess FetchStatus = iota
	FetchEmpty
	FetchTransientFailure
	FetchTerminalFailure
)

func (s FetchStatus) String() string {
	switch s {
	case FetchSuccess:
		return "success"
	case FetchEmpty:
		return "empty"
	case FetchTransientFailure:
		return "transient_failure"
	case FetchTerminalFailure:
		return "terminal_failure"
	default:
		return "unknown"
	}
}

// FetchResult is the tagged result of RetryPolicy.Do
type FetchResult struct {
	Status   FetchStatus
	Rows     []upstream.QuoteRow
	Attempts int
	Err      error
}

// RetryPolicy retries failed fetches with a fixed delay between attempts.
// A no-data answer is final and never retried.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

// Do calls fetch until it succeeds, reports no data, exhausts the attempt
// budget or ctx is cancelled. onRetry, if set, is called before each wait.
func (p RetryPolicy) Do(ctx context.Context, fetch func(context.Context) ([]upstream.QuoteRow, error), onRetry func(err error, wait time.Duration)) FetchResult {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var b backoff.BackOff = backoff.NewConstantBackOff(p.Delay)
	b = backoff.WithMaxRetries(b, uint64(maxAttempts-1))
	b = backoff.WithContext(b, ctx)

	var (
		rows     []upstream.QuoteRow
		attempts int
		lastErr  error
	)
	operation := func() error {
		attempts++
		r, err := fetch(ctx)
		if errors.Is(err, upstream.ErrNoData) {
			return backoff.Permanent(err)
		}
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		rows = r
		return nil
	}

	err := backoff.RetryNotify(operation, b, onRetry)
	switch {
	case err == nil:
		return FetchResult{Status: FetchSuccess, Rows: rows, Attempts: attempts}
	case errors.Is(err, upstream.ErrNoData):
		return FetchResult{Status: FetchEmpty, Attempts: attempts, Err: err}
	case ctx.Err() != nil && attempts < maxAttempts:
		if lastErr == nil {
			lastErr = ctx.Err()
		}
		return FetchResult{Status: FetchTransientFailure, Attempts: attempts, Err: lastErr}
	default:
		if lastErr == nil {
			lastErr = err
		}
		return FetchResult{Status: FetchTerminalFailure, Attempts: attempts, Err: lastErr}
	}
}
