package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/alecgard/billgate/internal/metering"
)

var toolCallColumns = []string{
	"id", "request_id", "tool", "subscriber_no", "month",
	"args", "outcome", "error", "latency_ms", "created_at",
}

// BatchInsert implements metering.BatchInserter using the COPY protocol. It
// is a no-op when calls is empty.
func (s *Store) BatchInsert(ctx context.Context, calls []metering.ToolCall) error {
	if len(calls) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(calls))
	for _, c := range calls {
		id, err := uuid.Parse(c.ID)
		if err != nil {
			id = uuid.New()
		}
		rows = append(rows, []any{
			id, c.RequestID, c.Tool, c.SubscriberNo, c.Month,
			c.Args, string(c.Outcome), c.Error, c.LatencyMs, c.Timestamp,
		})
	}

	_, err := s.pool.CopyFrom(ctx, pgx.Identifier{"tool_calls"}, toolCallColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("copying %d tool calls: %w", len(calls), err)
	}
	return nil
}
