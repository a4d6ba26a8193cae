package audit

import (
	"context"
	"log/slog"
	"time"
)

// Sink receives audit events. Implementations must not block the caller for long;
// a failed Record is logged by the caller and never fails the request.
type Sink interface {
	Record(ctx context.Context, event Event) error
}

// LogSink writes audit events as structured log lines
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink. A nil logger uses slog.Default().
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "audit")}
}

// Record logs the event at info level, or warn for failures
func (s *LogSink) Record(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	attrs := []any{
		"event", event.Type,
		"success", event.Success,
		"timestamp", event.Timestamp,
	}
	if event.UserID != "" {
		attrs = append(attrs, "user_id", event.UserID)
	}
	if event.Email != "" {
		attrs = append(attrs, "email", event.Email)
	}
	if event.SessionID != "" {
		attrs = append(attrs, "session_id", event.SessionID)
	}
	if event.IP != "" {
		attrs = append(attrs, "ip", event.IP)
	}
	if event.UserAgent != "" {
		attrs = append(attrs, "user_agent", event.UserAgent)
	}
	if event.FailureReason != "" {
		attrs = append(attrs, "failure_reason", event.FailureReason)
	}
	for k, v := range event.Metadata {
		attrs = append(attrs, k, v)
	}

	level := slog.LevelInfo
	if !event.Success {
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, "audit event", attrs...)
	return nil
}

// NopSink discards every event
type NopSink struct{}

// Record implements Sink
func (NopSink) Record(context.Context, Event) error { return nil }

// MultiSink fans an event out to several sinks. Every sink is called;
// the first error is returned.
type MultiSink []Sink

// Record implements Sink
func (m MultiSink) Record(ctx context.Context, event Event) error {
	var first error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Record(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Recorder wraps a Sink so that failures are logged instead of returned
type Recorder struct {
	sink   Sink
	logger *slog.Logger
	now    func() time.Time
}

// NewRecorder creates a Recorder. A nil sink discards events.
func NewRecorder(sink Sink, logger *slog.Logger, now func() time.Time) *Recorder {
	if sink == nil {
		sink = NopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Recorder{sink: sink, logger: logger, now: now}
}

// Record stamps and forwards an event
func (r *Recorder) Record(ctx context.Context, event Event) {
	if r == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = r.now().UTC()
	}
	if err := r.sink.Record(ctx, event); err != nil {
		r.logger.ErrorContext(ctx, "failed to record audit event",
			"event", event.Type,
			"error", err,
		)
	}
}
