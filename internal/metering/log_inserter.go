package metering

import (
	"context"
	"errors"
	"log/slog"
)

// LogInserter writes journaled tool calls to the structured log. It backs the
// journal for storage drivers without a tool call table.
type LogInserter struct {
	logger *slog.Logger
}

// NewLogInserter creates a LogInserter. A nil logger uses slog.Default().
func NewLogInserter(logger *slog.Logger) *LogInserter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogInserter{logger: logger}
}

// BatchInsert implements BatchInserter.
func (l *LogInserter) BatchInsert(ctx context.Context, calls []ToolCall) error {
	for _, c := range calls {
		l.logger.InfoContext(ctx, "tool call",
			"id", c.ID,
			"request_id", c.RequestID,
			"tool", c.Tool,
			"subscriber_no", c.SubscriberNo,
			"month", c.Month,
			"outcome", string(c.Outcome),
			"error", c.Error,
			"latency_ms", c.LatencyMs,
			"timestamp", c.Timestamp,
		)
	}
	return nil
}

// MultiInserter fans a batch out to several inserters. Every inserter is
// attempted; failures are joined.
type MultiInserter []BatchInserter

// BatchInsert implements BatchInserter.
func (m MultiInserter) BatchInsert(ctx context.Context, calls []ToolCall) error {
	var errs []error
	for _, in := range m {
		if err := in.BatchInsert(ctx, calls); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
