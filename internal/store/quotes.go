package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// DefaultInsertBatchSize keeps a multi-row insert well under the 65535 parameter limit
const DefaultInsertBatchSize = 1000

const quoteColumns = 10

// Quote is a row of stocks.quote
type Quote struct {
	Timestamp    time.Time
	TickerID     int64
	Bid          decimal.Decimal
	BidSize      int64
	BidExchange  int
	BidCondition int
	Ask          decimal.Decimal
	AskSize      int64
	AskExchange  int
	AskCondition int
}

// AvailableDay is a (ticker, day) pair known to hold data
type AvailableDay struct {
	TickerID int64
	Day      time.Time
}

// QuoteStore reads and writes tickers and quotes in the primary database
type QuoteStore struct {
	db        *sql.DB
	batchSize int
}

// NewQuoteStore creates a quote store. A non-positive batchSize uses DefaultInsertBatchSize.
func NewQuoteStore(db *sql.DB, batchSize int) *QuoteStore {
	if batchSize <= 0 || batchSize*quoteColumns > 65535 {
		batchSize = DefaultInsertBatchSize
	}
	return &QuoteStore{db: db, batchSize: batchSize}
}

// GetOrCreateTickerID returns the id for symbol, inserting it if absent
func (s *QuoteStore) GetOrCreateTickerID(ctx context.Context, symbol string) (int64, error) {
	query := `
		INSERT INTO public.tickers (ticker)
		VALUES ($1)
		ON CONFLICT (ticker) DO UPDATE SET ticker = EXCLUDED.ticker
		RETURNING id
	`

	var id int64
	if err := s.db.QueryRowContext(ctx, query, symbol).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to get or create ticker %s: %w", symbol, err)
	}
	return id, nil
}

// ListTickers returns every known ticker symbol in alphabetical order
func (s *QuoteStore) ListTickers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT ticker FROM public.tickers ORDER BY ticker")
	if err != nil {
		return nil, fmt.Errorf("failed to list tickers: %w", err)
	}
	defer rows.Close()

	var tickers []string
	for rows.Next() {
		var ticker string
		if err := rows.Scan(&ticker); err != nil {
			return nil, err
		}
		tickers = append(tickers, ticker)
	}
	return tickers, rows.Err()
}

// BatchInsertQuotes inserts quotes in a single transaction. Rows that
// already exist for the same (timestamp, ticker_id) are ignored. It returns
// the number of rows actually inserted.
func (s *QuoteStore) BatchInsertQuotes(ctx context.Context, quotes []Quote) (int64, error) {
	if len(quotes) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var inserted int64
	for start := 0; start < len(quotes); start += s.batchSize {
		end := start + s.batchSize
		if end > len(quotes) {
			end = len(quotes)
		}

		query, args := buildQuoteInsert(quotes[start:end])
		result, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return 0, fmt.Errorf("failed to insert quotes %d-%d: %w", start, end, err)
		}
		if n, err := result.RowsAffected(); err == nil {
			inserted += n
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit quotes: %w", err)
	}
	return inserted, nil
}

func buildQuoteInsert(quotes []Quote) (string, []interface{}) {
	var b strings.Builder
	b.WriteString(`INSERT INTO stocks.quote (timestamp, ticker_id, bid, bid_size, bid_exchange, bid_condition, ask, ask_size, ask_exchange, ask_condition) VALUES `)

	args := make([]interface{}, 0, len(quotes)*quoteColumns)
	for i, q := range quotes {
		if i > 0 {
			b.WriteString(", ")
		}
		base := i * quoteColumns
		b.WriteString("(")
		for c := 1; c <= quoteColumns; c++ {
			if c > 1 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", base+c)
		}
		b.WriteString(")")

		args = append(args,
			q.Timestamp, q.TickerID,
			q.Bid, q.BidSize, q.BidExchange, q.BidCondition,
			q.Ask, q.AskSize, q.AskExchange, q.AskCondition,
		)
	}
	b.WriteString(" ON CONFLICT (timestamp, ticker_id) DO NOTHING")
	return b.String(), args
}

// QueryAvailableDates returns the (ticker, day) pairs among tickerIDs x days
// that hold at least one quote
func (s *QuoteStore) QueryAvailableDates(ctx context.Context, tickerIDs []int64, days []time.Time) ([]AvailableDay, error) {
	if len(tickerIDs) == 0 || len(days) == 0 {
		return nil, nil
	}

	dayStrings, from, to := daySpan(days)
	query := `
		SELECT DISTINCT ticker_id, DATE(timestamp) AS day
		FROM stocks.quote
		WHERE ticker_id = ANY($1)
		  AND timestamp >= $2 AND timestamp < $3
		  AND DATE(timestamp) = ANY($4::date[])
	`

	rows, err := s.db.QueryContext(ctx, query, pq.Array(tickerIDs), from, to, pq.Array(dayStrings))
	if err != nil {
		return nil, fmt.Errorf("failed to query quote availability: %w", err)
	}
	defer rows.Close()

	var available []AvailableDay
	for rows.Next() {
		var a AvailableDay
		if err := rows.Scan(&a.TickerID, &a.Day); err != nil {
			return nil, err
		}
		available = append(available, a)
	}
	return available, rows.Err()
}

// daySpan returns the days as YYYY-MM-DD strings plus a timestamp range
// containing every instant of those days in any zone
func daySpan(days []time.Time) ([]string, time.Time, time.Time) {
	strs := make([]string, len(days))
	first, last := days[0], days[0]
	for i, d := range days {
		strs[i] = d.Format("2006-01-02")
		if d.Before(first) {
			first = d
		}
		if d.After(last) {
			last = d
		}
	}
	from := time.Date(first.Year(), first.Month(), first.Day(), 0, 0, 0, 0, time.UTC)
	to := time.Date(last.Year(), last.Month(), last.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 2)
	return strs, from.AddDate(0, 0, -1), to
}
