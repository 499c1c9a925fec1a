package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"quote-backfill-service/internal/config"
	"quote-backfill-service/internal/services"
	"quote-backfill-service/internal/timewindow"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// BackfillRunner runs backfills on demand
type BackfillRunner interface {
	Run(ctx context.Context, tickers []string, opts services.RunOptions) (*services.RunStats, error)
	ProcessTicker(ctx context.Context, ticker string, opts services.RunOptions) (*services.TickerStats, *services.RunStats, error)
}

// StatusProvider reports scheduler state
type StatusProvider interface {
	Status() services.SchedulerStatus
}

// BackfillHandler serves the backfill control endpoints
type BackfillHandler struct {
	runner    BackfillRunner
	source    services.TickerSource
	settings  *config.Settings
	scheduler StatusProvider
	logger    *logrus.Entry
}

func NewBackfillHandler(runner BackfillRunner, source services.TickerSource, settings *config.Settings, scheduler StatusProvider, logger logrus.FieldLogger) *BackfillHandler {
	return &BackfillHandler{
		runner:    runner,
		source:    source,
		settings:  settings,
		scheduler: scheduler,
		logger:    logger.WithField("component", "backfill_handler"),
	}
}

type processRequest struct {
	Ticker   string          `json:"ticker"`
	Lookback json.RawMessage `json:"lookback"`
	DaysBack *int            `json:"days_back"`
	Repair   json.RawMessage `json:"repair"`
}

type configRequest struct {
	Lookback        json.RawMessage `json:"lookback"`
	DaysBack        *int            `json:"days_back"`
	Schedule        json.RawMessage `json:"schedule"`
	ScheduleTime    *string         `json:"schedule_time"`
	ScheduleEnabled json.RawMessage `json:"schedule_enabled"`
	Repair          json.RawMessage `json:"repair"`
	ParallelWorkers *int            `json:"parallel_workers"`
	BaseURL         *string         `json:"base_url"`
}

// ProcessTicker backfills a single ticker
func (h *BackfillHandler) ProcessTicker(c *gin.Context) {
	var req processRequest
	if !bindOptionalJSON(c, &req) {
		return
	}

	ticker := strings.ToUpper(strings.TrimSpace(req.Ticker))
	if ticker == "" {
		fieldErrorResponse(c, &config.FieldError{Field: "ticker", Err: errors.New("ticker is required")})
		return
	}

	opts, err := h.runOptions(req)
	if err != nil {
		fieldErrorResponse(c, err)
		return
	}

	h.logger.WithFields(logrus.Fields{"ticker": ticker, "lookback": opts.Lookback, "repair": opts.Repair}).Info("Processing ticker on request")
	stats, _, err := h.runner.ProcessTicker(c.Request.Context(), ticker, opts)
	if err != nil {
		fieldErrorResponse(c, &config.FieldError{Field: "lookback", Err: err})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "completed",
		"ticker": ticker,
		"stats":  stats,
	})
}

// ProcessAll backfills every ticker from the configured source
func (h *BackfillHandler) ProcessAll(c *gin.Context) {
	var req processRequest
	if !bindOptionalJSON(c, &req) {
		return
	}

	opts, err := h.runOptions(req)
	if err != nil {
		fieldErrorResponse(c, err)
		return
	}

	tickers, err := h.source.List(c.Request.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to list tickers")
		c.JSON(http.StatusOK, gin.H{
			"status": "failed",
			"error":  fmt.Sprintf("no tickers found: %v", err),
		})
		return
	}

	stats, err := h.runner.Run(c.Request.Context(), tickers, opts)
	if err != nil {
		fieldErrorResponse(c, &config.FieldError{Field: "lookback", Err: err})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "completed",
		"stats":  stats,
	})
}

// GetStatus returns the scheduler state and current settings
func (h *BackfillHandler) GetStatus(c *gin.Context) {
	current := h.settings.Snapshot()
	response := gin.H{
		"status":    "running",
		"config":    current,
		"timestamp": time.Now(),
	}

	if h.scheduler != nil {
		status := h.scheduler.Status()
		response["scheduler"] = status
		response["last_run"] = nullableTime(status.LastRun)
		response["next_run"] = nullableTime(status.NextRun)
		response["last_stats"] = status.LastStats
	}

	c.JSON(http.StatusOK, response)
}

// GetConfig returns the mutable settings
func (h *BackfillHandler) GetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"config": h.settings.Snapshot()})
}

// UpdateConfig validates and applies a settings change. Nothing is applied
// unless every supplied field is valid.
func (h *BackfillHandler) UpdateConfig(c *gin.Context) {
	var req configRequest
	if !bindOptionalJSON(c, &req) {
		return
	}

	update, err := req.toUpdate()
	if err != nil {
		fieldErrorResponse(c, err)
		return
	}

	updated, err := h.settings.Apply(update)
	if err != nil {
		fieldErrorResponse(c, err)
		return
	}

	h.logger.WithField("config", updated).Info("Configuration updated")
	c.JSON(http.StatusOK, gin.H{
		"status": "updated",
		"config": updated,
	})
}

func (h *BackfillHandler) runOptions(req processRequest) (services.RunOptions, error) {
	current := h.settings.Snapshot()

	lookback, err := durationValue(req.Lookback, "lookback")
	if err != nil {
		return services.RunOptions{}, err
	}
	if lookback == "" && req.DaysBack != nil {
		if *req.DaysBack < 0 {
			return services.RunOptions{}, &config.FieldError{Field: "days_back", Err: errors.New("must not be negative")}
		}
		lookback = fmt.Sprintf("%dd", *req.DaysBack)
	}
	if lookback == "" {
		lookback = current.Lookback
	}
	if _, err := timewindow.ParseLookback(lookback); err != nil {
		return services.RunOptions{}, &config.FieldError{Field: "lookback", Err: err}
	}

	repair, set, err := boolValue(req.Repair, "repair")
	if err != nil {
		return services.RunOptions{}, err
	}
	if !set {
		repair = current.Repair
	}

	return services.RunOptions{
		Lookback: lookback,
		Repair:   repair,
		Workers:  current.ParallelWorkers,
		Trigger:  services.TriggerManual,
	}, nil
}

func (r configRequest) toUpdate() (config.SettingsUpdate, error) {
	var update config.SettingsUpdate

	lookback, err := durationValue(r.Lookback, "lookback")
	if err != nil {
		return update, err
	}
	if lookback == "" && r.DaysBack != nil {
		lookback = fmt.Sprintf("%dd", *r.DaysBack)
	}
	if lookback != "" {
		update.Lookback = &lookback
	}

	schedule, err := durationValue(r.Schedule, "schedule")
	if err != nil {
		return update, err
	}
	if schedule != "" {
		update.Schedule = &schedule
	}

	if enabled, set, err := boolValue(r.ScheduleEnabled, "schedule_enabled"); err != nil {
		return update, err
	} else if set {
		update.ScheduleEnabled = &enabled
	}

	if repair, set, err := boolValue(r.Repair, "repair"); err != nil {
		return update, err
	} else if set {
		update.Repair = &repair
	}

	update.ScheduleTime = r.ScheduleTime
	update.ParallelWorkers = r.ParallelWorkers
	update.BaseURL = r.BaseURL
	return update, nil
}

// durationValue accepts a duration string or a whole number of days
func durationValue(raw json.RawMessage, field string) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(s)
		if s == "" {
			return "", &config.FieldError{Field: field, Err: timewindow.ErrInvalidLookbackFormat}
		}
		return s, nil
	}

	var n int
	if err := json.Unmarshal(raw, &n); err != nil || n < 0 {
		return "", &config.FieldError{Field: field, Err: fmt.Errorf("%w: %s", timewindow.ErrInvalidLookbackFormat, raw)}
	}
	return fmt.Sprintf("%dd", n), nil
}

// boolValue accepts a JSON boolean or a boolean string such as "true" or "0"
func boolValue(raw json.RawMessage, field string) (value bool, set bool, err error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return false, false, nil
	}

	if err := json.Unmarshal(raw, &value); err == nil {
		return value, true, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if value, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
			return value, true, nil
		}
	}
	return false, false, &config.FieldError{Field: field, Err: fmt.Errorf("invalid boolean %s", raw)}
}

// bindOptionalJSON decodes the request body into dest. An empty body is
// allowed; a malformed one writes a 400 response and returns false.
func bindOptionalJSON(c *gin.Context, dest interface{}) bool {
	err := c.ShouldBindJSON(dest)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}

	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		fieldErrorResponse(c, &config.FieldError{Field: typeErr.Field, Err: fmt.Errorf("expected %s", typeErr.Type)})
		return false
	}

	c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
	return false
}

func fieldErrorResponse(c *gin.Context, err error) {
	var fieldErr *config.FieldError
	if errors.As(err, &fieldErr) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fieldErr.Error(),
			"field": fieldErr.Field,
		})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
