package dynamo

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/alecgard/billgate/internal/metering"
)

// batchWriteLimit is the DynamoDB limit on requests per BatchWriteItem.
const batchWriteLimit = 25

// BatchInsert implements metering.BatchInserter. Calls are written in chunks
// of 25; unprocessed items are resubmitted with backoff.
func (s *Store) BatchInsert(ctx context.Context, calls []metering.ToolCall) error {
	for start := 0; start < len(calls); start += batchWriteLimit {
		end := min(start+batchWriteLimit, len(calls))

		reqs := make([]types.WriteRequest, 0, end-start)
		for _, c := range calls[start:end] {
			if c.ID == "" {
				c.ID = uuid.NewString()
			}
			item, err := encodeToolCall(c)
			if err != nil {
				return fmt.Errorf("marshalling tool call: %w", err)
			}
			reqs = append(reqs, types.WriteRequest{PutRequest: &types.PutRequest{Item: item}})
		}
		if err := s.writeChunk(ctx, reqs); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) writeChunk(ctx context.Context, reqs []types.WriteRequest) error {
	pending := map[string][]types.WriteRequest{s.table: reqs}
	op := func() error {
		out, err := s.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
		if err != nil {
			return backoff.Permanent(fmt.Errorf("writing tool calls: %w", err))
		}
		if len(out.UnprocessedItems[s.table]) == 0 {
			return nil
		}
		pending = out.UnprocessedItems
		return fmt.Errorf("%d tool calls unprocessed", len(pending[s.table]))
	}
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(newBackOff(), s.maxRetries), ctx))
}
