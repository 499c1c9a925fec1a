package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"quote-backfill-service/internal/logger"

	"github.com/gin-gonic/gin"
)

const (
	defaultLogLimit = 100
	maxLogLimit     = 1000
)

// Pinger is implemented by *sql.DB
type Pinger interface {
	PingContext(ctx context.Context) error
}

// ConnectionChecker reports whether an optional backend is reachable
type ConnectionChecker interface {
	IsConnected() bool
}

// LogSource returns recently captured log entries
type LogSource interface {
	Recent(level string, limit int) []logger.Entry
}

type SystemHandler struct {
	db        Pinger
	messaging ConnectionChecker
	scheduler StatusProvider
	logs      LogSource
	started   time.Time
}

func NewSystemHandler(db Pinger, scheduler StatusProvider, logs LogSource) *SystemHandler {
	return &SystemHandler{
		db:        db,
		scheduler: scheduler,
		logs:      logs,
		started:   time.Now(),
	}
}

// WithMessaging includes the message bus connection in health reports
func (h *SystemHandler) WithMessaging(checker ConnectionChecker) *SystemHandler {
	h.messaging = checker
	return h
}

// Health reports overall service health. The database is required; the
// scheduler and message bus only degrade the status.
func (h *SystemHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	health := "healthy"
	code := http.StatusOK
	components := gin.H{}

	if h.db != nil {
		if err := h.db.PingContext(ctx); err != nil {
			health = "unhealthy"
			code = http.StatusServiceUnavailable
			components["database"] = gin.H{"status": "unhealthy", "error": err.Error()}
		} else {
			components["database"] = gin.H{"status": "healthy"}
		}
	}

	if h.scheduler != nil {
		status := h.scheduler.Status()
		schedulerHealth := "healthy"
		if !status.IsRunning {
			schedulerHealth = "stopped"
		}
		components["scheduler"] = gin.H{
			"status":        schedulerHealth,
			"enabled":       status.Enabled,
			"cadence":       status.Cadence,
			"recent_errors": len(status.Errors),
		}
	}

	if h.messaging != nil {
		if h.messaging.IsConnected() {
			components["messaging"] = gin.H{"status": "healthy"}
		} else {
			components["messaging"] = gin.H{"status": "disconnected"}
			if health == "healthy" {
				health = "degraded"
			}
		}
	}

	c.JSON(code, gin.H{
		"status":     health,
		"components": components,
		"uptime":     time.Since(h.started).Round(time.Second).String(),
		"timestamp":  time.Now(),
	})
}

// Help describes the available endpoints
func (h *SystemHandler) Help(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "quote-backfill-service",
		"endpoints": []gin.H{
			{"method": "GET", "path": "/health", "description": "Service health"},
			{"method": "GET", "path": "/help", "description": "This help"},
			{"method": "GET", "path": "/logs", "description": "Recent log entries", "params": "level, limit"},
			{"method": "GET", "path": "/ws", "description": "Run completion events over WebSocket"},
			{"method": "GET", "path": "/api/v1/status", "description": "Scheduler state, last and next run"},
			{"method": "POST", "path": "/api/v1/process-ticker", "description": "Backfill one ticker", "body": "ticker, lookback?, repair?"},
			{"method": "POST", "path": "/api/v1/process-all", "description": "Backfill every configured ticker", "body": "lookback?, repair?"},
			{"method": "GET", "path": "/api/v1/config", "description": "Current runtime settings"},
			{"method": "POST", "path": "/api/v1/config", "description": "Update runtime settings", "body": "lookback, schedule, schedule_time, schedule_enabled, repair, parallel_workers, base_url"},
		},
		"lookback_formats": []string{"1d", "12h", "30m", "5", "(500:200)"},
	})
}

// Logs returns recent log entries, optionally filtered by level
func (h *SystemHandler) Logs(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultLogLimit)))
	if err != nil || limit < 1 {
		limit = defaultLogLimit
	}
	if limit > maxLogLimit {
		limit = maxLogLimit
	}
	level := normalizeLevel(c.Query("level"))

	entries := []logger.Entry{}
	if h.logs != nil {
		entries = append(entries, h.logs.Recent(level, limit)...)
	}

	c.JSON(http.StatusOK, gin.H{
		"logs":  entries,
		"count": len(entries),
		"level": level,
	})
}

func normalizeLevel(level string) string {
	level = strings.ToLower(strings.TrimSpace(level))
	switch level {
	case "warn":
		return "warning"
	case "err":
		return "error"
	}
	return level
}
