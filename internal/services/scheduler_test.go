package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"quote-backfill-service/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	mu      sync.Mutex
	tickers [][]string
	opts    []RunOptions
	err     error
}

func (r *fakeRunner) Run(ctx context.Context, tickers []string, opts RunOptions) (*RunStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tickers = append(r.tickers, tickers)
	r.opts = append(r.opts, opts)
	if r.err != nil {
		return nil, r.err
	}
	return &RunStats{RunID: "run-1", StartedAt: time.Now(), Trigger: opts.Trigger}, nil
}

type failingSource struct{}

func (failingSource) Name() string { return "broken" }

func (failingSource) List(ctx context.Context) ([]string, error) {
	return nil, errors.New("table missing")
}

func testSettings() *config.Settings {
	return config.NewSettings(config.RuntimeSettings{
		Lookback:        "3d",
		Schedule:        "1d",
		ScheduleTime:    "16:15",
		ScheduleEnabled: true,
		Repair:          true,
		ParallelWorkers: 4,
		TickerSource:    config.TickerSourceStatic,
	})
}

func TestCadence(t *testing.T) {
	tests := []struct {
		schedule     string
		scheduleTime string
		want         string
		wantErr      bool
	}{
		{schedule: "1d", scheduleTime: "16:15", want: "daily at 16:15"},
		{schedule: "1", scheduleTime: "9:05", want: "daily at 09:05"},
		{schedule: "24h", scheduleTime: "00:00", want: "daily at 00:00"},
		{schedule: "1d", scheduleTime: "25:00", want: "every 24h0m0s"},
		{schedule: "6h", scheduleTime: "16:15", want: "every 6h0m0s"},
		{schedule: "0m", want: "every 1m0s"},
		{schedule: "30d", want: "every 168h0m0s"},
		{schedule: "100000d", want: "every 168h0m0s"},
		{schedule: "200000d", scheduleTime: "16:15", wantErr: true},
		{schedule: "9999999999h", wantErr: true},
		{schedule: "soon", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s@%s", tt.schedule, tt.scheduleTime), func(t *testing.T) {
			sched, cadence, err := Cadence(tt.schedule, tt.scheduleTime)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, sched)
			assert.Equal(t, tt.want, cadence)
		})
	}
}

func TestCadence_DailyNextRun(t *testing.T) {
	sched, _, err := Cadence("1d", "16:15")
	require.NoError(t, err)

	from := time.Date(2024, 1, 10, 17, 0, 0, 0, time.Local)
	next := sched.Next(from)
	assert.True(t, next.Equal(time.Date(2024, 1, 11, 16, 15, 0, 0, time.Local)), "next run %s", next)
}

func TestScheduler_StartAndStatus(t *testing.T) {
	s := NewScheduler(&fakeRunner{}, NewStaticTickerSource([]string{"AAPL"}), testSettings(), quietLogger())
	require.NoError(t, s.Start())
	defer s.Stop(time.Second)

	status := s.Status()
	assert.True(t, status.IsRunning)
	assert.True(t, status.Enabled)
	assert.Equal(t, "daily at 16:15", status.Cadence)
	assert.Equal(t, 16, status.NextRun.Hour())
	assert.Equal(t, 15, status.NextRun.Minute())
	assert.True(t, status.LastRun.IsZero())
}

func TestScheduler_ReschedulesOnSettingsChange(t *testing.T) {
	settings := testSettings()
	s := NewScheduler(&fakeRunner{}, NewStaticTickerSource([]string{"AAPL"}), settings, quietLogger())
	require.NoError(t, s.Start())
	defer s.Stop(time.Second)

	schedule := "2h"
	_, err := settings.Apply(config.SettingsUpdate{Schedule: &schedule})
	require.NoError(t, err)
	assert.Equal(t, "every 2h0m0s", s.Status().Cadence)

	disabled := false
	_, err = settings.Apply(config.SettingsUpdate{ScheduleEnabled: &disabled})
	require.NoError(t, err)
	status := s.Status()
	assert.False(t, status.Enabled)
	assert.True(t, status.NextRun.IsZero())
	assert.Empty(t, s.cron.Entries())
}

func TestScheduler_RunJobUsesCurrentSettings(t *testing.T) {
	runner := &fakeRunner{}
	settings := testSettings()
	s := NewScheduler(runner, NewStaticTickerSource([]string{"aapl", "msft"}), settings, quietLogger())

	repair := false
	_, err := settings.Apply(config.SettingsUpdate{Repair: &repair})
	require.NoError(t, err)

	s.runJob()

	require.Len(t, runner.opts, 1)
	assert.Equal(t, []string{"AAPL", "MSFT"}, runner.tickers[0])
	assert.Equal(t, RunOptions{Lookback: "3d", Repair: false, Workers: 4, Trigger: TriggerScheduled}, runner.opts[0])

	status := s.Status()
	require.NotNil(t, status.LastStats)
	assert.Equal(t, "run-1", status.LastStats.RunID)
	assert.False(t, status.LastRun.IsZero())
	assert.False(t, status.JobActive)
}

func TestScheduler_RunJobRecordsErrors(t *testing.T) {
	runner := &fakeRunner{}
	s := NewScheduler(runner, failingSource{}, testSettings(), quietLogger())

	before := time.Now()
	s.runJob()

	assert.Empty(t, runner.opts)
	status := s.Status()
	require.Len(t, status.Errors, 1)
	assert.Contains(t, status.Errors[0], "table missing")
	assert.False(t, status.LastRun.Before(before), "failed firing still updates last run")
	assert.Nil(t, status.LastStats)

	runner.err = errors.New("bad lookback")
	s.source = NewStaticTickerSource([]string{"AAPL"})
	s.runJob()
	status = s.Status()
	assert.Len(t, status.Errors, 2)
	assert.Nil(t, status.LastStats)
}

func TestScheduler_EmptySourceUpdatesLastRun(t *testing.T) {
	runner := &fakeRunner{}
	s := NewScheduler(runner, NewStaticTickerSource(nil), testSettings(), quietLogger())

	s.runJob()

	status := s.Status()
	assert.Empty(t, runner.opts)
	assert.False(t, status.LastRun.IsZero())
	require.Len(t, status.Errors, 1)
}

func TestScheduler_KeepsRecentErrors(t *testing.T) {
	s := NewScheduler(&fakeRunner{}, failingSource{}, testSettings(), quietLogger())
	for i := 0; i < 25; i++ {
		s.addError(fmt.Sprintf("error %d", i))
	}

	errs := s.Status().Errors
	require.Len(t, errs, maxSchedulerErrors)
	assert.Contains(t, errs[0], "error 5")
	assert.Contains(t, errs[len(errs)-1], "error 24")
}

func TestScheduler_StopIsIdempotent(t *testing.T) {
	s := NewScheduler(&fakeRunner{}, failingSource{}, testSettings(), quietLogger())
	require.NoError(t, s.Start())
	s.Stop(time.Second)
	s.Stop(time.Second)
	assert.False(t, s.Status().IsRunning)
}
