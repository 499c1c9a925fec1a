package handlers

import (
	"errors"
	"net/http"
	"testing"

	"quote-backfill-service/internal/logger"
	"quote-backfill-service/internal/services"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConnection struct {
	connected bool
}

func (f fakeConnection) IsConnected() bool { return f.connected }

func newSystemRouter(handler *SystemHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/health", handler.Health)
	router.GET("/help", handler.Help)
	router.GET("/logs", handler.Logs)
	return router
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		pingErr    error
		messaging  ConnectionChecker
		wantCode   int
		wantStatus string
	}{
		{name: "healthy", wantCode: http.StatusOK, wantStatus: "healthy"},
		{name: "database down", pingErr: errors.New("connection refused"), wantCode: http.StatusServiceUnavailable, wantStatus: "unhealthy"},
		{name: "messaging down", messaging: fakeConnection{connected: false}, wantCode: http.StatusOK, wantStatus: "degraded"},
		{name: "messaging up", messaging: fakeConnection{connected: true}, wantCode: http.StatusOK, wantStatus: "healthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
			require.NoError(t, err)
			defer db.Close()
			mock.ExpectPing().WillReturnError(tt.pingErr)

			scheduler := &MockStatusProvider{}
			scheduler.On("Status").Return(services.SchedulerStatus{IsRunning: true, Enabled: true, Cadence: "every 1h0m0s"})

			handler := NewSystemHandler(db, scheduler, nil)
			if tt.messaging != nil {
				handler.WithMessaging(tt.messaging)
			}

			w := doJSON(newSystemRouter(handler), "GET", "/health", "")

			assert.Equal(t, tt.wantCode, w.Code)
			body := decode(t, w)
			assert.Equal(t, tt.wantStatus, body["status"])
			components := body["components"].(map[string]interface{})
			assert.Contains(t, components, "database")
			assert.Equal(t, "every 1h0m0s", components["scheduler"].(map[string]interface{})["cadence"])
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestHealth_StoppedScheduler(t *testing.T) {
	scheduler := &MockStatusProvider{}
	scheduler.On("Status").Return(services.SchedulerStatus{IsRunning: false, Errors: []string{"boom"}})

	w := doJSON(newSystemRouter(NewSystemHandler(nil, scheduler, nil)), "GET", "/health", "")

	assert.Equal(t, http.StatusOK, w.Code)
	sched := decode(t, w)["components"].(map[string]interface{})["scheduler"].(map[string]interface{})
	assert.Equal(t, "stopped", sched["status"])
	assert.Equal(t, float64(1), sched["recent_errors"])
}

func TestHelp(t *testing.T) {
	w := doJSON(newSystemRouter(NewSystemHandler(nil, nil, nil)), "GET", "/help", "")

	assert.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "quote-backfill-service", body["service"])
	assert.NotEmpty(t, body["endpoints"])
}

func TestLogs(t *testing.T) {
	hook := logger.NewMemoryHook(10)
	log := quietLogger()
	log.AddHook(hook)
	log.Info("scheduler started")
	log.WithField("ticker", "AAPL").Warn("no data")
	log.WithError(errors.New("timeout")).Error("fetch failed")
	log.Info("run complete")

	router := newSystemRouter(NewSystemHandler(nil, nil, hook))

	tests := []struct {
		name      string
		query     string
		wantCount int
		wantFirst string
	}{
		{name: "all", query: "", wantCount: 4, wantFirst: "scheduler started"},
		{name: "limit", query: "?limit=2", wantCount: 2, wantFirst: "fetch failed"},
		{name: "warn alias", query: "?level=WARN", wantCount: 1, wantFirst: "no data"},
		{name: "error alias", query: "?level=err", wantCount: 1, wantFirst: "fetch failed"},
		{name: "bad limit", query: "?limit=abc", wantCount: 4, wantFirst: "scheduler started"},
		{name: "unknown level", query: "?level=trace", wantCount: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(router, "GET", "/logs"+tt.query, "")

			require.Equal(t, http.StatusOK, w.Code)
			body := decode(t, w)
			assert.Equal(t, float64(tt.wantCount), body["count"])
			entries := body["logs"].([]interface{})
			require.Len(t, entries, tt.wantCount)
			if tt.wantFirst != "" {
				assert.Equal(t, tt.wantFirst, entries[0].(map[string]interface{})["message"])
			}
		})
	}
}

func TestLogs_ErrorFieldsAreStrings(t *testing.T) {
	hook := logger.NewMemoryHook(5)
	log := quietLogger()
	log.AddHook(hook)
	log.WithFields(logrus.Fields{"ticker": "MSFT"}).WithError(errors.New("timeout")).Error("fetch failed")

	w := doJSON(newSystemRouter(NewSystemHandler(nil, nil, hook)), "GET", "/logs?level=error", "")

	entries := decode(t, w)["logs"].([]interface{})
	require.Len(t, entries, 1)
	fields := entries[0].(map[string]interface{})["fields"].(map[string]interface{})
	assert.Equal(t, "timeout", fields["error"])
	assert.Equal(t, "MSFT", fields["ticker"])
}

func TestNormalizeLevel(t *testing.T) {
	assert.Equal(t, "warning", normalizeLevel(" Warn "))
	assert.Equal(t, "error", normalizeLevel("ERR"))
	assert.Equal(t, "info", normalizeLevel("info"))
	assert.Equal(t, "", normalizeLevel(""))
}
