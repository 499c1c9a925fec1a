package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"quote-backfill-service/internal/config"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// StatusNoData is the status the provider answers with when it holds no quotes for a date
const StatusNoData = 472

// ErrNoData signals that the provider has no quotes for the requested day
var ErrNoData = errors.New("upstream reported no data")

// StatusError is a non-2xx response other than StatusNoData
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("upstream returned status %d: %s", e.StatusCode, e.Body)
}

// Request identifies one ticker/day slice of quote history
type Request struct {
	Ticker    string
	Date      time.Time
	Interval  string
	StartTime string
	EndTime   string
}

// Client fetches quote history from the provider's HTTP API
type Client struct {
	mu          sync.RWMutex
	baseURL     string
	venue       string
	interval    string
	marketOpen  string
	marketClose string
	timeout     time.Duration
	location    *time.Location
	httpClient  *http.Client
	limiter     *rate.Limiter
	logger      *logrus.Entry
}

// NewClient creates a provider client from the upstream configuration
func NewClient(cfg config.UpstreamConfig, logger logrus.FieldLogger) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		venue:       cfg.Venue,
		interval:    cfg.Interval,
		marketOpen:  cfg.MarketOpen,
		marketClose: cfg.MarketClose,
		timeout:     cfg.Timeout,
		location:    marketLocation(),
		httpClient:  &http.Client{},
		logger:      logger.WithField("component", "upstream"),
	}
	if c.interval == "" {
		c.interval = "1s"
	}
	if c.timeout <= 0 {
		c.timeout = 60 * time.Second
	}
	if cfg.RatePerMinute > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(float64(cfg.RatePerMinute)/60), 1)
	}
	return c
}

func marketLocation() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.UTC
	}
	return loc
}

// SetBaseURL switches the provider endpoint for subsequent requests
func (c *Client) SetBaseURL(baseURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.baseURL = strings.TrimRight(baseURL, "/")
}

// BaseURL returns the provider endpoint currently in use
func (c *Client) BaseURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.baseURL
}

// FetchQuotes fetches one day of quotes. It returns ErrNoData when the
// provider has nothing for the day and a *StatusError for other non-2xx
// responses. Each call is bounded by the configured timeout.
func (c *Client) FetchQuotes(ctx context.Context, req Request) ([]QuoteRow, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	reqURL, err := c.buildURL(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Accept", "text/csv")
	httpReq.Header.Set("User-Agent", "Quote-Backfill-Service/1.0")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == StatusNoData {
		io.Copy(io.Discard, resp.Body)
		return nil, ErrNoData
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	rows, err := ParseQuotesCSV(resp.Body, c.location)
	if err != nil {
		return nil, err
	}

	c.logger.WithFields(logrus.Fields{
		"ticker":   req.Ticker,
		"date":     req.Date.Format("20060102"),
		"rows":     len(rows),
		"duration": time.Since(start).Milliseconds(),
	}).Debug("Fetched quote history")

	if len(rows) == 0 {
		return nil, ErrNoData
	}
	return rows, nil
}

func (c *Client) buildURL(req Request) (string, error) {
	reqURL, err := url.Parse(c.BaseURL() + "/stock/history/quote")
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}

	interval := req.Interval
	if interval == "" {
		interval = c.interval
	}
	startTime := req.StartTime
	if startTime == "" {
		startTime = c.marketOpen
	}
	endTime := req.EndTime
	if endTime == "" {
		endTime = c.marketClose
	}

	query := reqURL.Query()
	query.Set("symbol", req.Ticker)
	query.Set("date", req.Date.Format("20060102"))
	query.Set("interval", interval)
	query.Set("start_time", startTime)
	query.Set("end_time", endTime)
	query.Set("venue", c.venue)
	query.Set("format", "csv")
	reqURL.RawQuery = query.Encode()

	return reqURL.String(), nil
}
