package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"quote-backfill-service/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	HandshakeTimeout: 10 * time.Second,
	ReadBufferSize:   1024,
	WriteBufferSize:  1024,
}

const (
	maxConnections = 5
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
)

// EventsHandler streams run completion events to WebSocket clients
type EventsHandler struct {
	status       StatusProvider
	clients      map[*websocket.Conn]bool
	clientsMutex sync.RWMutex
	logger       *logrus.Entry
}

func NewEventsHandler(status StatusProvider, logger logrus.FieldLogger) *EventsHandler {
	return &EventsHandler{
		status:  status,
		clients: make(map[*websocket.Conn]bool),
		logger:  logger.WithField("component", "websocket"),
	}
}

// HandleWebSocket upgrades the connection and keeps it registered until the
// client goes away
func (h *EventsHandler) HandleWebSocket(c *gin.Context) {
	h.clientsMutex.RLock()
	currentConnections := len(h.clients)
	h.clientsMutex.RUnlock()

	if currentConnections >= maxConnections {
		h.logger.WithField("client", c.ClientIP()).Warnf("Connection limit reached (%d/%d)", currentConnections, maxConnections)
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":   "Too many connections",
			"limit":   maxConnections,
			"current": currentConnections,
		})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// The greeting is written before registration so broadcasts never race it.
	h.sendInitialData(conn)

	clientCount, ok := h.register(conn)
	if !ok {
		h.logger.WithField("client", c.ClientIP()).Warnf("Connection limit reached after upgrade (%d/%d)", clientCount, maxConnections)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "Too many connections"),
			time.Now().Add(writeWait))
		return
	}
	h.logger.Infof("Client connected (%d/%d)", clientCount, maxConnections)

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				h.logger.WithError(err).Warn("Unexpected close")
			}
			break
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
	}

	h.clientsMutex.Lock()
	delete(h.clients, conn)
	clientCount = len(h.clients)
	h.clientsMutex.Unlock()
	h.logger.Infof("Client disconnected (%d/%d)", clientCount, maxConnections)
}

// register adds conn unless the limit is already reached. The check and the
// insert happen under one lock so concurrent upgrades cannot exceed it.
func (h *EventsHandler) register(conn *websocket.Conn) (int, bool) {
	h.clientsMutex.Lock()
	defer h.clientsMutex.Unlock()

	if len(h.clients) >= maxConnections {
		return len(h.clients), false
	}
	h.clients[conn] = true
	return len(h.clients), true
}

func (h *EventsHandler) sendInitialData(conn *websocket.Conn) {
	initial := gin.H{
		"type":      "status",
		"timestamp": time.Now().Unix(),
	}
	if h.status != nil {
		initial["data"] = h.status.Status()
	}

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(initial); err != nil {
		h.logger.WithError(err).Warn("Failed to send initial status")
	}
}

// NotifyRun broadcasts a completed run to every connected client
func (h *EventsHandler) NotifyRun(ctx context.Context, stats *services.RunStats) {
	h.broadcastToClients(services.NewRunEvent(stats))
}

// broadcastToClients writes message to every client, dropping those that fail
func (h *EventsHandler) broadcastToClients(message interface{}) {
	h.clientsMutex.Lock()
	defer h.clientsMutex.Unlock()

	if len(h.clients) == 0 {
		return
	}

	var clientsToRemove []*websocket.Conn
	for client := range h.clients {
		client.SetWriteDeadline(time.Now().Add(writeWait))
		if err := client.WriteJSON(message); err != nil {
			h.logger.WithError(err).Warn("Broadcast failed, dropping client")
			client.Close()
			clientsToRemove = append(clientsToRemove, client)
		}
	}

	for _, client := range clientsToRemove {
		delete(h.clients, client)
	}
}

// GetConnectedClients returns the number of connected clients
func (h *EventsHandler) GetConnectedClients() int {
	h.clientsMutex.RLock()
	defer h.clientsMutex.RUnlock()
	return len(h.clients)
}
