package config

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	"quote-backfill-service/internal/timewindow"
)

// MaxParallelWorkers bounds parallel_workers accepted at runtime
const MaxParallelWorkers = 64

// FieldError reports an invalid value for a named configuration field
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

// RuntimeSettings is the mutable subset of configuration exposed through the control surface
type RuntimeSettings struct {
	Lookback        string `json:"lookback"`
	Schedule        string `json:"schedule"`
	ScheduleTime    string `json:"schedule_time"`
	ScheduleEnabled bool   `json:"schedule_enabled"`
	Repair          bool   `json:"repair"`
	ParallelWorkers int    `json:"parallel_workers"`
	TickerSource    string `json:"ticker_source"`
	BaseURL         string `json:"base_url"`
}

// SettingsUpdate carries the fields of a configuration change. Nil fields are left untouched.
type SettingsUpdate struct {
	Lookback        *string `json:"lookback,omitempty"`
	Schedule        *string `json:"schedule,omitempty"`
	ScheduleTime    *string `json:"schedule_time,omitempty"`
	ScheduleEnabled *bool   `json:"schedule_enabled,omitempty"`
	Repair          *bool   `json:"repair,omitempty"`
	ParallelWorkers *int    `json:"parallel_workers,omitempty"`
	BaseURL         *string `json:"base_url,omitempty"`
}

// Settings holds RuntimeSettings behind a lock and notifies subscribers on change
type Settings struct {
	mu          sync.RWMutex
	current     RuntimeSettings
	subscribers []func(old, updated RuntimeSettings)
}

func NewSettings(initial RuntimeSettings) *Settings {
	return &Settings{current: initial}
}

// Snapshot returns a copy of the current settings
func (s *Settings) Snapshot() RuntimeSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Subscribe registers fn to be called after every successful Apply
func (s *Settings) Subscribe(fn func(old, updated RuntimeSettings)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

// Apply validates every field of u and, only if all are valid, applies them.
// The returned error is a *FieldError naming the first offending field.
func (s *Settings) Apply(u SettingsUpdate) (RuntimeSettings, error) {
	if err := u.Validate(); err != nil {
		return s.Snapshot(), err
	}

	s.mu.Lock()
	old := s.current
	next := old
	if u.Lookback != nil {
		next.Lookback = strings.TrimSpace(*u.Lookback)
	}
	if u.Schedule != nil {
		next.Schedule = strings.TrimSpace(*u.Schedule)
	}
	if u.ScheduleTime != nil {
		next.ScheduleTime = strings.TrimSpace(*u.ScheduleTime)
	}
	if u.ScheduleEnabled != nil {
		next.ScheduleEnabled = *u.ScheduleEnabled
	}
	if u.Repair != nil {
		next.Repair = *u.Repair
	}
	if u.ParallelWorkers != nil {
		next.ParallelWorkers = *u.ParallelWorkers
	}
	if u.BaseURL != nil {
		next.BaseURL = strings.TrimRight(strings.TrimSpace(*u.BaseURL), "/")
	}
	s.current = next
	subscribers := make([]func(old, updated RuntimeSettings), len(s.subscribers))
	copy(subscribers, s.subscribers)
	s.mu.Unlock()

	for _, fn := range subscribers {
		fn(old, next)
	}
	return next, nil
}

// Validate checks every non-nil field of the update
func (u SettingsUpdate) Validate() error {
	if u.Lookback != nil {
		if _, err := timewindow.ParseLookback(*u.Lookback); err != nil {
			return &FieldError{Field: "lookback", Err: err}
		}
	}
	if u.Schedule != nil {
		if _, err := timewindow.ParseDuration(*u.Schedule); err != nil {
			return &FieldError{Field: "schedule", Err: err}
		}
	}
	if u.ScheduleTime != nil {
		if _, _, err := timewindow.ParseClock(*u.ScheduleTime); err != nil {
			return &FieldError{Field: "schedule_time", Err: err}
		}
	}
	if u.ParallelWorkers != nil {
		if n := *u.ParallelWorkers; n < 1 || n > MaxParallelWorkers {
			return &FieldError{Field: "parallel_workers", Err: fmt.Errorf("must be between 1 and %d", MaxParallelWorkers)}
		}
	}
	if u.BaseURL != nil {
		parsed, err := url.Parse(strings.TrimSpace(*u.BaseURL))
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			return &FieldError{Field: "base_url", Err: fmt.Errorf("must be an absolute http(s) URL")}
		}
	}
	return nil
}
