// Package notify delivers scheduler and agent notifications to the owner.
// Delivery is best-effort: a failed send is logged and never fails the job
// execution that produced it.
package notify

import (
	"context"
	"log/slog"
)

// Kind labels what prompted a notification.
type Kind string

const (
	KindReminder   Kind = "reminder"
	KindNeedsInput Kind = "needs_input"
	KindCompleted  Kind = "completed"
	KindFailed     Kind = "failed"
)

// Notification is one owner-facing message.
type Notification struct {
	OwnerID string
	Kind    Kind
	Title   string
	Body    string
	TaskID  string
	JobID   string
}

// Sink delivers notifications over one channel.
type Sink interface {
	Notify(ctx context.Context, n Notification) error
}

// LogSink writes notifications to the structured log. It is the fallback when
// no outbound channel is configured, and keeps the delivery path exercised in
// development.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Notify(_ context.Context, n Notification) error {
	s.logger.Info("notification",
		"owner", n.OwnerID,
		"kind", string(n.Kind),
		"title", n.Title,
		"body", n.Body,
		"task_id", n.TaskID,
		"job_id", n.JobID)
	return nil
}

// FanOut delivers to every sink, returning the first error after trying all.
type FanOut struct {
	sinks []Sink
}

func NewFanOut(sinks ...Sink) *FanOut {
	return &FanOut{sinks: sinks}
}

func (f *FanOut) Notify(ctx context.Context, n Notification) error {
	var firstErr error
	for _, s := range f.sinks {
		if err := s.Notify(ctx, n); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
