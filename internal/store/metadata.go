package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgxQuerier is the subset of *pgxpool.Pool used by MetadataStore
type pgxQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// MetadataStore reads and writes the per-day record counts kept in
// metadata.quote_dates_summary
type MetadataStore struct {
	db    pgxQuerier
	close func()
}

// NewMetadataStore connects a pgx pool to the metadata database
func NewMetadataStore(ctx context.Context, connString string) (*MetadataStore, error) {
	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse metadata db config: %w", err)
	}
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create metadata pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping metadata db: %w", err)
	}

	return &MetadataStore{db: pool, close: pool.Close}, nil
}

// QueryAvailableDates returns the (ticker, day) pairs with a positive record count
func (s *MetadataStore) QueryAvailableDates(ctx context.Context, tickerIDs []int64, days []time.Time) ([]AvailableDay, error) {
	if len(tickerIDs) == 0 || len(days) == 0 {
		return nil, nil
	}

	dates := make([]time.Time, len(days))
	for i, d := range days {
		dates[i] = time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
	}

	query := `
		SELECT ticker_id, date
		FROM metadata.quote_dates_summary
		WHERE ticker_id = ANY($1)
		  AND date = ANY($2::date[])
		  AND record_count > 0
	`

	rows, err := s.db.Query(ctx, query, tickerIDs, dates)
	if err != nil {
		return nil, fmt.Errorf("failed to query metadata availability: %w", err)
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

// UpsertCount records the number of quotes stored for a ticker on a day
func (s *MetadataStore) UpsertCount(ctx context.Context, tickerID int64, day time.Time, count int64) error {
	query := `
		INSERT INTO metadata.quote_dates_summary (ticker_id, date, record_count)
		VALUES ($1, $2, $3)
		ON CONFLICT (ticker_id, date) DO UPDATE SET record_count = EXCLUDED.record_count
	`

	date := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	if _, err := s.db.Exec(ctx, query, tickerID, date, count); err != nil {
		return fmt.Errorf("failed to upsert metadata count: %w", err)
	}
	return nil
}

// Close releases the pool
func (s *MetadataStore) Close() {
	if s.close != nil {
		s.close()
	}
}
