package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"quote-backfill-service/internal/config"
	"quote-backfill-service/internal/timewindow"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const (
	minScheduleInterval = time.Minute
	maxScheduleInterval = 7 * 24 * time.Hour
	maxSchedulerErrors  = 20
)

// Runner executes a backfill run
type Runner interface {
	Run(ctx context.Context, tickers []string, opts RunOptions) (*RunStats, error)
}

// SchedulerStatus is a snapshot of the scheduler state
type SchedulerStatus struct {
	IsRunning bool      `json:"is_running"`
	Enabled   bool      `json:"enabled"`
	Cadence   string    `json:"cadence"`
	JobActive bool      `json:"job_active"`
	LastRun   time.Time `json:"last_run"`
	NextRun   time.Time `json:"next_run"`
	LastStats *RunStats `json:"last_stats,omitempty"`
	Errors    []string  `json:"errors,omitempty"`
}

// Scheduler fires backfill runs on the configured cadence. Firings never
// overlap: a tick arriving while a run is active is skipped.
type Scheduler struct {
	cron      *cron.Cron
	runner    Runner
	source    TickerSource
	settings  *config.Settings
	mu        sync.RWMutex
	isRunning bool
	jobActive bool
	entryID   cron.EntryID
	schedule  cron.Schedule
	cadence   string
	enabled   bool
	lastRun   time.Time
	lastStats *RunStats
	runErrors []string
	ctx       context.Context
	cancel    context.CancelFunc
	logger    *logrus.Entry
}

func NewScheduler(runner Runner, source TickerSource, settings *config.Settings, logger logrus.FieldLogger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	entry := logger.WithField("component", "scheduler")
	cronLog := cronLogger{entry: entry}

	s := &Scheduler{
		cron: cron.New(
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
		),
		runner:    runner,
		source:    source,
		settings:  settings,
		runErrors: make([]string, 0),
		ctx:       ctx,
		cancel:    cancel,
		logger:    entry,
	}

	settings.Subscribe(func(old, updated config.RuntimeSettings) {
		if old.Schedule != updated.Schedule || old.ScheduleTime != updated.ScheduleTime || old.ScheduleEnabled != updated.ScheduleEnabled {
			if err := s.Reschedule(); err != nil {
				s.logger.WithError(err).Error("Failed to reschedule")
			}
		}
	})
	return s
}

// Start schedules the job from the current settings and starts the cron loop
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = true
	s.mu.Unlock()

	if err := s.Reschedule(); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("Scheduler started")
	return nil
}

// Stop cancels the active run and waits for it to return, up to timeout
func (s *Scheduler) Stop(timeout time.Duration) {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-time.After(timeout):
		s.logger.Warn("Timed out waiting for scheduled run to finish")
	}
	s.logger.Info("Scheduler stopped")
}

// Reschedule replaces the cron entry using the current settings
func (s *Scheduler) Reschedule() error {
	current := s.settings.Snapshot()
	schedule, cadence, err := Cadence(current.Schedule, current.ScheduleTime)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entryID != 0 {
		s.cron.Remove(s.entryID)
		s.entryID = 0
	}
	s.schedule = schedule
	s.cadence = cadence
	s.enabled = current.ScheduleEnabled

	if !s.enabled {
		s.logger.Info("Scheduled runs disabled")
		return nil
	}
	s.entryID = s.cron.Schedule(schedule, cron.FuncJob(s.runJob))
	s.logger.WithField("cadence", cadence).Info("Scheduled backfill runs")
	return nil
}

// Status returns a snapshot of the scheduler state
func (s *Scheduler) Status() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	errors := make([]string, len(s.runErrors))
	copy(errors, s.runErrors)

	status := SchedulerStatus{
		IsRunning: s.isRunning,
		Enabled:   s.enabled,
		Cadence:   s.cadence,
		JobActive: s.jobActive,
		LastRun:   s.lastRun,
		LastStats: s.lastStats,
		Errors:    errors,
	}
	if s.enabled && s.schedule != nil {
		status.NextRun = s.schedule.Next(time.Now())
	}
	return status
}

func (s *Scheduler) runJob() {
	select {
	case <-s.ctx.Done():
		return
	default:
	}

	s.mu.Lock()
	s.jobActive = true
	s.lastRun = time.Now()
	s.mu.Unlock()
	defer s.setJobActive(false)

	current := s.settings.Snapshot()
	tickers, err := s.source.List(s.ctx)
	if err != nil {
		s.addError(fmt.Sprintf("failed to list tickers from %s: %v", s.source.Name(), err))
		return
	}
	if len(tickers) == 0 {
		s.addError(fmt.Sprintf("no tickers from %s", s.source.Name()))
		return
	}

	stats, err := s.runner.Run(s.ctx, tickers, RunOptions{
		Lookback: current.Lookback,
		Repair:   current.Repair,
		Workers:  current.ParallelWorkers,
		Trigger:  TriggerScheduled,
	})
	if err != nil {
		s.addError("scheduled run failed: " + err.Error())
		return
	}

	s.mu.Lock()
	s.lastStats = stats
	s.mu.Unlock()
}

func (s *Scheduler) setJobActive(active bool) {
	s.mu.Lock()
	s.jobActive = active
	s.mu.Unlock()
}

// addError records a timestamped error, keeping only the most recent ones
func (s *Scheduler) addError(msg string) {
	s.mu.Lock()
	s.runErrors = append(s.runErrors, time.Now().Format("2006-01-02 15:04:05")+": "+msg)
	if len(s.runErrors) > maxSchedulerErrors {
		s.runErrors = s.runErrors[len(s.runErrors)-maxSchedulerErrors:]
	}
	s.mu.Unlock()

	s.logger.Error(msg)
}

// Cadence converts a schedule and time of day into a cron schedule. A one-day
// schedule with a valid HH:MM fires daily at that local time; anything else
// fires at a fixed interval clamped to [1m, 7d].
func Cadence(schedule, scheduleTime string) (cron.Schedule, string, error) {
	d, err := timewindow.ParseDuration(schedule)
	if err != nil {
		return nil, "", fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}
	interval := d.Std()

	if interval == 24*time.Hour {
		if hour, minute, err := timewindow.ParseClock(scheduleTime); err == nil {
			sched, err := cron.ParseStandard(fmt.Sprintf("%d %d * * *", minute, hour))
			if err != nil {
				return nil, "", err
			}
			return sched, fmt.Sprintf("daily at %02d:%02d", hour, minute), nil
		}
	}

	if interval < minScheduleInterval {
		interval = minScheduleInterval
	}
	if interval > maxScheduleInterval {
		interval = maxScheduleInterval
	}
	return cron.Every(interval), "every " + interval.String(), nil
}

// cronLogger routes cron's internal logging through logrus
type cronLogger struct {
	entry *logrus.Entry
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(kvFields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.entry.WithError(err).WithFields(kvFields(keysAndValues)).Error(msg)
}

func kvFields(keysAndValues []interface{}) logrus.Fields {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return fields
}
