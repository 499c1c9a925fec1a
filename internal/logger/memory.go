package logger

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultBufferSize is the number of entries retained when no size is configured
const DefaultBufferSize = 1000

// Entry is a captured log line as served by GET /logs
type Entry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// MemoryHook is a logrus hook keeping the most recent entries in a ring buffer
type MemoryHook struct {
	mu      sync.RWMutex
	entries []Entry
	next    int
	full    bool
}

func NewMemoryHook(size int) *MemoryHook {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &MemoryHook{entries: make([]Entry, size)}
}

func (h *MemoryHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *MemoryHook) Fire(e *logrus.Entry) error {
	var fields map[string]interface{}
	if len(e.Data) > 0 {
		fields = make(map[string]interface{}, len(e.Data))
		for k, v := range e.Data {
			if err, ok := v.(error); ok {
				v = err.Error()
			}
			fields[k] = v
		}
	}

	h.mu.Lock()
	h.entries[h.next] = Entry{
		Timestamp: e.Time,
		Level:     e.Level.String(),
		Message:   e.Message,
		Fields:    fields,
	}
	h.next = (h.next + 1) % len(h.entries)
	if h.next == 0 {
		h.full = true
	}
	h.mu.Unlock()
	return nil
}

// Recent returns up to limit entries, oldest first. An empty level returns
// every level, otherwise only entries whose level matches exactly.
func (h *MemoryHook) Recent(level string, limit int) []Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ordered := make([]Entry, 0, len(h.entries))
	if h.full {
		ordered = append(ordered, h.entries[h.next:]...)
	}
	ordered = append(ordered, h.entries[:h.next]...)

	if level != "" {
		filtered := ordered[:0]
		for _, e := range ordered {
			if e.Level == level {
				filtered = append(filtered, e)
			}
		}
		ordered = filtered
	}

	if limit > 0 && len(ordered) > limit {
		ordered = ordered[len(ordered)-limit:]
	}
	return ordered
}
