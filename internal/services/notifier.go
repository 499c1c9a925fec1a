package services

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// EventRunCompleted is the type of the event emitted after every run
const EventRunCompleted = "backfill.run.completed"

// RunEvent is the message published when a run finishes
type RunEvent struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Stats     *RunStats `json:"stats"`
}

// NewRunEvent wraps stats in a completion event
func NewRunEvent(stats *RunStats) RunEvent {
	return RunEvent{Type: EventRunCompleted, Timestamp: stats.FinishedAt, Stats: stats}
}

// Notifier is told about every finished run. Implementations must not block
// for long and must not fail the run.
type Notifier interface {
	NotifyRun(ctx context.Context, stats *RunStats)
}

// MultiNotifier fans a run out to several notifiers in order
type MultiNotifier []Notifier

func (m MultiNotifier) NotifyRun(ctx context.Context, stats *RunStats) {
	for _, n := range m {
		n.NotifyRun(ctx, stats)
	}
}

// EventPublisher publishes a JSON-encodable event to a message bus
type EventPublisher interface {
	Publish(ctx context.Context, event interface{}) error
}

// PublishNotifier publishes a RunEvent for every run
type PublishNotifier struct {
	publisher EventPublisher
	logger    *logrus.Entry
}

func NewPublishNotifier(publisher EventPublisher, logger logrus.FieldLogger) *PublishNotifier {
	return &PublishNotifier{publisher: publisher, logger: logger.WithField("component", "run_publisher")}
}

func (n *PublishNotifier) NotifyRun(ctx context.Context, stats *RunStats) {
	if err := n.publisher.Publish(ctx, NewRunEvent(stats)); err != nil {
		n.logger.WithError(err).WithField("run_id", stats.RunID).Warn("Failed to publish run event")
	}
}

// LastRunStore keeps the most recent run summary
type LastRunStore interface {
	SetLastRun(ctx context.Context, stats interface{}) error
}

// LastRunNotifier stores each run as the latest run summary
type LastRunNotifier struct {
	store  LastRunStore
	logger *logrus.Entry
}

func NewLastRunNotifier(store LastRunStore, logger logrus.FieldLogger) *LastRunNotifier {
	return &LastRunNotifier{store: store, logger: logger.WithField("component", "last_run")}
}

func (n *LastRunNotifier) NotifyRun(ctx context.Context, stats *RunStats) {
	if err := n.store.SetLastRun(ctx, stats); err != nil {
		n.logger.WithError(err).WithField("run_id", stats.RunID).Warn("Failed to cache last run")
	}
}
