package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleQuotes(n int) []Quote {
	quotes := make([]Quote, n)
	base := time.Date(2024, 1, 10, 14, 30, 0, 0, time.UTC)
	for i := range quotes {
		quotes[i] = Quote{
			Timestamp: base.Add(time.Duration(i) * time.Second),
			TickerID:  7,
			Bid:       decimal.RequireFromString("185.12"),
			BidSize:   100,
			Ask:       decimal.RequireFromString("185.15"),
			AskSize:   200,
		}
	}
	return quotes
}

func TestQuoteStore_GetOrCreateTickerID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("INSERT INTO public.tickers").
		WithArgs("AAPL").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))

	s := NewQuoteStore(db, 0)
	id, err := s.GetOrCreateTickerID(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQuoteStore_GetOrCreateTickerID_Error(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("INSERT INTO public.tickers").
		WithArgs("AAPL").
		WillReturnError(errors.New("connection reset"))

	_, err = NewQuoteStore(db, 0).GetOrCreateTickerID(context.Background(), "AAPL")
	assert.ErrorContains(t, err, "connection reset")
}

func TestQuoteStore_ListTickers(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT ticker FROM public.tickers").
		WillReturnRows(sqlmock.NewRows([]string{"ticker"}).AddRow("AAPL").AddRow("MSFT"))

	tickers, err := NewQuoteStore(db, 0).ListTickers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL", "MSFT"}, tickers)
}

func TestQuoteStore_BatchInsertQuotes_Chunks(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO stocks.quote .* ON CONFLICT \\(timestamp, ticker_id\\) DO NOTHING").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("INSERT INTO stocks.quote").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	inserted, err := NewQuoteStore(db, 2).BatchInsertQuotes(context.Background(), sampleQuotes(3))
	require.NoError(t, err)
	assert.Equal(t, int64(3), inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQuoteStore_BatchInsertQuotes_DuplicatesAreNoop(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO stocks.quote").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	inserted, err := NewQuoteStore(db, 0).BatchInsertQuotes(context.Background(), sampleQuotes(2))
	require.NoError(t, err)
	assert.Equal(t, int64(0), inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQuoteStore_BatchInsertQuotes_RollsBackOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO stocks.quote").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err = NewQuoteStore(db, 0).BatchInsertQuotes(context.Background(), sampleQuotes(2))
	assert.ErrorContains(t, err, "disk full")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQuoteStore_BatchInsertQuotes_Empty(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	inserted, err := NewQuoteStore(db, 0).BatchInsertQuotes(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBuildQuoteInsert_Placeholders(t *testing.T) {
	query, args := buildQuoteInsert(sampleQuotes(2))
	assert.Contains(t, query, "($1, $2, $3, $4, $5, $6, $7, $8, $9, $10), ($11,")
	assert.Contains(t, query, "$20)")
	assert.Len(t, args, 20)
}

func TestQuoteStore_QueryAvailableDates(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	day1 := time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC)
	day2 := time.Date(2024, 1, 9, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT DISTINCT ticker_id, DATE\\(timestamp\\)").
		WithArgs(sqlmock.AnyArg(), day1.AddDate(0, 0, -1), day2.AddDate(0, 0, 2), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"ticker_id", "day"}).AddRow(7, day1).AddRow(8, day2))

	got, err := NewQuoteStore(db, 0).QueryAvailableDates(context.Background(), []int64{7, 8}, []time.Time{day1, day2})
	require.NoError(t, err)
	assert.Equal(t, []AvailableDay{{TickerID: 7, Day: day1}, {TickerID: 8, Day: day2}}, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQuoteStore_QueryAvailableDates_EmptyInput(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	got, err := NewQuoteStore(db, 0).QueryAvailableDates(context.Background(), nil, []time.Time{time.Now()})
	require.NoError(t, err)
	assert.Nil(t, got)
}

// fakeRows is a minimal pgx.Rows over in-memory values
type fakeRows struct {
	data [][]any
	pos  int
	err  error
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	if r.pos >= len(r.data) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Values() ([]any, error) {
	return r.data[r.pos-1], nil
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.data[r.pos-1]
	if len(dest) != len(row) {
		return fmt.Errorf("scan: want %d dest, got %d", len(row), len(dest))
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *int64:
			*p = row[i].(int64)
		case *time.Time:
			*p = row[i].(time.Time)
		default:
			return fmt.Errorf("unsupported dest %T", d)
		}
	}
	return nil
}

type fakePgx struct {
	rows     *fakeRows
	queryErr error
	execErr  error
	lastSQL  string
	lastArgs []any
}

func (f *fakePgx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.lastSQL, f.lastArgs = sql, args
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.rows, nil
}

func (f *fakePgx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.lastSQL, f.lastArgs = sql, args
	return pgconn.NewCommandTag("INSERT 0 1"), f.execErr
}

func TestMetadataStore_QueryAvailableDates(t *testing.T) {
	day := time.Date(2024, 1, 9, 0, 0, 0, 0, time.UTC)
	fake := &fakePgx{rows: &fakeRows{data: [][]any{{int64(7), day}}}}
	s := &MetadataStore{db: fake}

	got, err := s.QueryAvailableDates(context.Background(), []int64{7}, []time.Time{day})
	require.NoError(t, err)
	assert.Equal(t, []AvailableDay{{TickerID: 7, Day: day}}, got)
	assert.Contains(t, fake.lastSQL, "record_count > 0")
	assert.Equal(t, []int64{7}, fake.lastArgs[0])
}

func TestMetadataStore_QueryAvailableDates_Error(t *testing.T) {
	s := &MetadataStore{db: &fakePgx{queryErr: errors.New("metadata db down")}}

	_, err := s.QueryAvailableDates(context.Background(), []int64{7}, []time.Time{time.Now()})
	assert.ErrorContains(t, err, "metadata db down")
}

func TestMetadataStore_UpsertCount(t *testing.T) {
	fake := &fakePgx{}
	s := &MetadataStore{db: fake}

	day := time.Date(2024, 1, 10, 15, 4, 0, 0, time.FixedZone("ET", -5*3600))
	require.NoError(t, s.UpsertCount(context.Background(), 7, day, 23400))

	assert.Contains(t, fake.lastSQL, "ON CONFLICT (ticker_id, date) DO UPDATE")
	assert.Equal(t, int64(7), fake.lastArgs[0])
	assert.Equal(t, time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC), fake.lastArgs[1])
	assert.Equal(t, int64(23400), fake.lastArgs[2])

	fake.execErr = errors.New("read only")
	assert.Error(t, s.UpsertCount(context.Background(), 7, day, 1))
	s.Close()
}
