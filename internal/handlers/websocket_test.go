package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"quote-backfill-service/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockStatusProvider is a testify mock of the scheduler status
type MockStatusProvider struct {
	mock.Mock
}

func (m *MockStatusProvider) Status() services.SchedulerStatus {
	args := m.Called()
	return args.Get(0).(services.SchedulerStatus)
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestNewEventsHandler(t *testing.T) {
	handler := NewEventsHandler(&MockStatusProvider{}, quietLogger())

	assert.NotNil(t, handler)
	assert.NotNil(t, handler.clients)
	assert.Equal(t, 0, handler.GetConnectedClients())
}

func TestEventsHandler_ConnectionLimit(t *testing.T) {
	handler := NewEventsHandler(&MockStatusProvider{}, quietLogger())

	for i := 0; i < maxConnections; i++ {
		conn := &websocket.Conn{}
		handler.clientsMutex.Lock()
		handler.clients[conn] = true
		handler.clientsMutex.Unlock()
	}

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/ws", handler.HandleWebSocket)

	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	req.Header.Set("Sec-WebSocket-Version", "13")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "Too many connections", response["error"])
	assert.Equal(t, float64(maxConnections), response["limit"])
	assert.Equal(t, float64(maxConnections), response["current"])
}

func TestEventsHandler_RegisterEnforcesLimitUnderConcurrency(t *testing.T) {
	handler := NewEventsHandler(&MockStatusProvider{}, quietLogger())

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < maxConnections*4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := handler.register(&websocket.Conn{}); ok {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, maxConnections, accepted)
	assert.Equal(t, maxConnections, handler.GetConnectedClients())

	count, ok := handler.register(&websocket.Conn{})
	assert.False(t, ok)
	assert.Equal(t, maxConnections, count)
}

func TestEventsHandler_BroadcastWithoutClients(t *testing.T) {
	handler := NewEventsHandler(nil, quietLogger())

	assert.NotPanics(t, func() {
		handler.NotifyRun(context.Background(), &services.RunStats{RunID: "abc"})
	})
	assert.Equal(t, 0, handler.GetConnectedClients())
}

func TestUpgrader_CheckOrigin(t *testing.T) {
	for _, origin := range []string{"http://localhost:3000", "http://example.com", ""} {
		req := &http.Request{Header: make(http.Header)}
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		assert.True(t, upgrader.CheckOrigin(req), origin)
	}
}

func dialEvents(t *testing.T, handler *EventsHandler) (*websocket.Conn, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/ws", handler.HandleWebSocket)
	server := httptest.NewServer(router)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	return conn, server
}

func TestEventsHandler_StreamsRunEvents(t *testing.T) {
	status := &MockStatusProvider{}
	status.On("Status").Return(services.SchedulerStatus{IsRunning: true, Enabled: true, Cadence: "daily at 16:15"})
	handler := NewEventsHandler(status, quietLogger())

	conn, server := dialEvents(t, handler)
	defer server.Close()
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var initial map[string]interface{}
	require.NoError(t, conn.ReadJSON(&initial))
	assert.Equal(t, "status", initial["type"])
	data, ok := initial["data"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "daily at 16:15", data["cadence"])

	require.Eventually(t, func() bool { return handler.GetConnectedClients() == 1 }, time.Second, 10*time.Millisecond)

	handler.NotifyRun(context.Background(), &services.RunStats{RunID: "run-42", CompletedTasks: 4, FailedTasks: 1})

	var event map[string]interface{}
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, services.EventRunCompleted, event["type"])
	stats, ok := event["stats"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "run-42", stats["run_id"])
	assert.Equal(t, float64(1), stats["failed_tasks"])

	conn.Close()
	assert.Eventually(t, func() bool { return handler.GetConnectedClients() == 0 }, time.Second, 10*time.Millisecond)
	status.AssertExpectations(t)
}
