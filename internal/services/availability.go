package services

import (
	"context"
	"time"

	"quote-backfill-service/internal/store"
	"quote-backfill-service/internal/timewindow"

	"github.com/sirupsen/logrus"
)

// DefaultAvailabilityChunkSize is the number of dates per availability query
const DefaultAvailabilityChunkSize = 50

// AvailabilityStore answers which (ticker, day) pairs already hold data
type AvailabilityStore interface {
	QueryAvailableDates(ctx context.Context, tickerIDs []int64, days []time.Time) ([]store.AvailableDay, error)
}

// DaySet is a set of days keyed by YYYYMMDD
type DaySet map[string]struct{}

func (s DaySet) Has(day time.Time) bool {
	_, ok := s[timewindow.FormatDay(day)]
	return ok
}

func (s DaySet) add(day time.Time) {
	s[timewindow.FormatDay(day)] = struct{}{}
}

// Availability is the outcome of a batch check. Tickers that could not be
// resolved appear in Dropped and nowhere else.
type Availability struct {
	IDs     map[string]int64
	Days    map[string]DaySet
	Dropped []string
}

// AvailabilityChecker determines which trading days already hold data
type AvailabilityChecker struct {
	resolver  *TickerResolver
	metadata  AvailabilityStore
	raw       AvailabilityStore
	chunkSize int
	logger    *logrus.Entry
}

// NewAvailabilityChecker creates a checker over the raw quote store. Use
// WithMetadata to prefer the pre-aggregated summary table.
func NewAvailabilityChecker(resolver *TickerResolver, raw AvailabilityStore, chunkSize int, logger logrus.FieldLogger) *AvailabilityChecker {
	if chunkSize <= 0 {
		chunkSize = DefaultAvailabilityChunkSize
	}
	return &AvailabilityChecker{
		resolver:  resolver,
		raw:       raw,
		chunkSize: chunkSize,
		logger:    logger.WithField("component", "availability"),
	}
}

// WithMetadata sets the metadata summary store consulted before the raw store
func (c *AvailabilityChecker) WithMetadata(metadata AvailabilityStore) *AvailabilityChecker {
	c.metadata = metadata
	return c
}

// BatchCheck resolves every ticker and returns, per resolvable ticker, the
// subset of days that already hold data. It never fails: an unreachable
// metadata store degrades to the raw store, and a failing raw query leaves
// that chunk of days reported as missing.
func (c *AvailabilityChecker) BatchCheck(ctx context.Context, tickers []string, days []time.Time) Availability {
	result := Availability{
		IDs:  make(map[string]int64, len(tickers)),
		Days: make(map[string]DaySet, len(tickers)),
	}

	byID := make(map[int64]string, len(tickers))
	ids := make([]int64, 0, len(tickers))
	for _, ticker := range tickers {
		id, err := c.resolver.Resolve(ctx, ticker)
		if err != nil {
			c.logger.WithError(err).WithField("ticker", ticker).Warn("Dropping ticker that could not be resolved")
			result.Dropped = append(result.Dropped, ticker)
			continue
		}
		result.IDs[ticker] = id
		result.Days[ticker] = make(DaySet)
		if _, seen := byID[id]; !seen {
			ids = append(ids, id)
		}
		byID[id] = ticker
	}

	if len(ids) == 0 || len(days) == 0 {
		return result
	}

	useMetadata := c.metadata != nil
	for start := 0; start < len(days); start += c.chunkSize {
		end := start + c.chunkSize
		if end > len(days) {
			end = len(days)
		}
		chunk := days[start:end]

		var available []store.AvailableDay
		var err error
		if useMetadata {
			available, err = c.metadata.QueryAvailableDates(ctx, ids, chunk)
			if err != nil {
				c.logger.WithError(err).Warn("Metadata store unavailable, falling back to quote table existence checks")
				useMetadata = false
			}
		}
		if !useMetadata {
			available, err = c.raw.QueryAvailableDates(ctx, ids, chunk)
			if err != nil {
				c.logger.WithError(err).WithFields(logrus.Fields{
					"from": timewindow.FormatDay(chunk[0]),
					"to":   timewindow.FormatDay(chunk[len(chunk)-1]),
				}).Error("Availability query failed, treating days as missing")
				continue
			}
		}

		for _, a := range available {
			if ticker, ok := byID[a.TickerID]; ok {
				result.Days[ticker].add(a.Day)
			}
		}
	}

	return result
}
