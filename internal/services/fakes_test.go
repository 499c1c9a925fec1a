package services

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"quote-backfill-service/internal/store"
	"quote-backfill-service/internal/timewindow"
	"quote-backfill-service/internal/upstream"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func day(s string) time.Time {
	d, err := time.ParseInLocation("20060102", s, time.UTC)
	if err != nil {
		panic(err)
	}
	return d
}

// memStore is an in-memory quote store keyed by ticker id and YYYYMMDD
type memStore struct {
	mu        sync.Mutex
	ids       map[string]int64
	nextID    int64
	days      map[int64]map[string]int
	failIDs   map[string]error
	queryErr  error
	queries   int
	insertErr error
	inserts   int
}

func newMemStore() *memStore {
	return &memStore{
		ids:     make(map[string]int64),
		days:    make(map[int64]map[string]int),
		failIDs: make(map[string]error),
	}
}

func (s *memStore) GetOrCreateTickerID(ctx context.Context, symbol string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.failIDs[symbol]; ok {
		return 0, err
	}
	if id, ok := s.ids[symbol]; ok {
		return id, nil
	}
	s.nextID++
	s.ids[symbol] = s.nextID
	return s.nextID, nil
}

func (s *memStore) ListTickers(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for t := range s.ids {
		out = append(out, t)
	}
	return out, nil
}

func (s *memStore) QueryAvailableDates(ctx context.Context, tickerIDs []int64, days []time.Time) ([]store.AvailableDay, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries++
	if s.queryErr != nil {
		return nil, s.queryErr
	}
	var out []store.AvailableDay
	for _, id := range tickerIDs {
		for _, d := range days {
			if s.days[id][timewindow.FormatDay(d)] > 0 {
				out = append(out, store.AvailableDay{TickerID: id, Day: d})
			}
		}
	}
	return out, nil
}

func (s *memStore) BatchInsertQuotes(ctx context.Context, quotes []store.Quote) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserts++
	if s.insertErr != nil {
		return 0, s.insertErr
	}
	for _, q := range quotes {
		s.markLocked(q.TickerID, timewindow.FormatDay(q.Timestamp), 1)
	}
	return int64(len(quotes)), nil
}

func (s *memStore) markLocked(id int64, d string, n int) {
	if s.days[id] == nil {
		s.days[id] = make(map[string]int)
	}
	s.days[id][d] += n
}

// markAvailable records existing data for symbol on each YYYYMMDD day
func (s *memStore) markAvailable(symbol string, days ...string) {
	id, _ := s.GetOrCreateTickerID(context.Background(), symbol)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range days {
		s.markLocked(id, d, 1)
	}
}

func (s *memStore) queryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries
}

// fakeFetcher serves quote rows for any request unless respond overrides it
type fakeFetcher struct {
	mu        sync.Mutex
	calls     []upstream.Request
	active    int
	maxActive int
	delay     time.Duration
	respond   func(req upstream.Request) ([]upstream.QuoteRow, error)
}

func (f *fakeFetcher) FetchQuotes(ctx context.Context, req upstream.Request) ([]upstream.QuoteRow, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.respond != nil {
		return f.respond(req)
	}
	return sampleRows(req.Date), nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeFetcher) calledDays() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		out = append(out, c.Ticker+" "+timewindow.FormatDay(c.Date))
	}
	return out
}

func sampleRows(d time.Time) []upstream.QuoteRow {
	open := d.Add(9*time.Hour + 30*time.Minute)
	return []upstream.QuoteRow{
		{Timestamp: open, BidSize: 100, Bid: decimal.RequireFromString("185.10"), AskSize: 200, Ask: decimal.RequireFromString("185.12")},
		{Timestamp: open.Add(time.Second), BidSize: 300, Bid: decimal.RequireFromString("185.11"), AskSize: 100, Ask: decimal.RequireFromString("185.13")},
	}
}

// fakeMetadata records summary upserts and answers availability from them
type fakeMetadata struct {
	mu       sync.Mutex
	counts   map[string]int64
	byTicker map[int64]map[string]int64
	err      error
}

func (m *fakeMetadata) UpsertCount(ctx context.Context, tickerID int64, d time.Time, count int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.counts == nil {
		m.counts = make(map[string]int64)
		m.byTicker = make(map[int64]map[string]int64)
	}
	m.counts[timewindow.FormatDay(d)] = count
	if m.byTicker[tickerID] == nil {
		m.byTicker[tickerID] = make(map[string]int64)
	}
	m.byTicker[tickerID][timewindow.FormatDay(d)] = count
	return nil
}

func (m *fakeMetadata) QueryAvailableDates(ctx context.Context, tickerIDs []int64, days []time.Time) ([]store.AvailableDay, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.AvailableDay
	for _, id := range tickerIDs {
		for _, d := range days {
			if m.byTicker[id][timewindow.FormatDay(d)] > 0 {
				out = append(out, store.AvailableDay{TickerID: id, Day: d})
			}
		}
	}
	return out, nil
}

// recordingNotifier captures every run it is told about
type recordingNotifier struct {
	mu   sync.Mutex
	runs []*RunStats
}

func (n *recordingNotifier) NotifyRun(ctx context.Context, stats *RunStats) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.runs = append(n.runs, stats)
}

type fakePublisher struct {
	events []interface{}
	err    error
}

func (p *fakePublisher) Publish(ctx context.Context, event interface{}) error {
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

type fakeLastRun struct {
	stored interface{}
	err    error
}

func (c *fakeLastRun) SetLastRun(ctx context.Context, stats interface{}) error {
	c.stored = stats
	return c.err
}

// fakeIDCache is an in-memory TickerIDCache
type fakeIDCache struct {
	mu   sync.Mutex
	ids  map[string]int64
	sets int
}

func (c *fakeIDCache) GetTickerID(ctx context.Context, symbol string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.ids[strings.ToUpper(symbol)]; ok {
		return id, nil
	}
	return 0, errors.New("miss")
}

func (c *fakeIDCache) SetTickerID(ctx context.Context, symbol string, id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ids == nil {
		c.ids = make(map[string]int64)
	}
	c.ids[strings.ToUpper(symbol)] = id
	c.sets++
	return nil
}

type harness struct {
	store    *memStore
	fetcher  *fakeFetcher
	resolver *TickerResolver
	checker  *AvailabilityChecker
	worker   *FetchWorker
	coord    *Coordinator
}

func newHarness(now time.Time) *harness {
	log := quietLogger()
	h := &harness{store: newMemStore(), fetcher: &fakeFetcher{}}
	h.resolver = NewTickerResolver(h.store, log)
	h.checker = NewAvailabilityChecker(h.resolver, h.store, 0, log)
	h.worker = NewFetchWorker(h.fetcher, h.store, h.resolver, RetryPolicy{MaxAttempts: 3, Delay: time.Millisecond}, log)
	h.coord = NewCoordinator(h.checker, h.worker, h.resolver, timewindow.FixedHolidays{}, log).
		WithClock(func() time.Time { return now })
	return h
}
