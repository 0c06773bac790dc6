package dynamo

import (
	"context"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// maxCounterAttempts bounds the increment/reset race between two requests
// that both see a stale day.
const maxCounterAttempts = 4

// IncrementWithCeiling implements quota.Counter with two conditional updates:
// bump the count when the stored day matches and is below ceiling, otherwise
// reset to 1 when the stored day differs. If both conditions fail the
// subscriber has reached the ceiling today.
func (s *Store) IncrementWithCeiling(ctx context.Context, subscriberNo, day string, ceiling int) (int, bool, error) {
	names := map[string]string{
		"#sub":   "subscriber_no",
		"#day":   "last_query_date",
		"#count": "daily_query_count",
	}

	for attempt := 0; attempt < maxCounterAttempts; attempt++ {
		out, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:                aws.String(s.table),
			Key:                      profileKey(subscriberNo),
			UpdateExpression:         aws.String("SET #sub = :sub, #count = #count + :one"),
			ConditionExpression:      aws.String("#day = :day AND #count < :ceiling"),
			ExpressionAttributeNames: names,
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":sub":     str(subscriberNo),
				":day":     str(day),
				":one":     num(1),
				":ceiling": num(int64(ceiling)),
			},
			ReturnValues: types.ReturnValueUpdatedNew,
		})
		if err == nil {
			count, err := countAttr(out.Attributes)
			return count, true, err
		}
		if !isConditionFailed(err) {
			return 0, false, fmt.Errorf("incrementing query count for %s: %w", subscriberNo, err)
		}

		_, err = s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:                aws.String(s.table),
			Key:                      profileKey(subscriberNo),
			UpdateExpression:         aws.String("SET #sub = :sub, #day = :day, #count = :one"),
			ConditionExpression:      aws.String("attribute_not_exists(#day) OR #day <> :day"),
			ExpressionAttributeNames: names,
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":sub": str(subscriberNo),
				":day": str(day),
				":one": num(1),
			},
		})
		if err == nil {
			return 1, true, nil
		}
		if !isConditionFailed(err) {
			return 0, false, fmt.Errorf("resetting query count for %s: %w", subscriberNo, err)
		}

		got, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
			TableName:      aws.String(s.table),
			Key:            profileKey(subscriberNo),
			ConsistentRead: aws.Bool(true),
		})
		if err != nil {
			return 0, false, fmt.Errorf("reading query count for %s: %w", subscriberNo, err)
		}
		count, err := countAttr(got.Item)
		if err != nil {
			return 0, false, err
		}
		if count >= ceiling {
			return count, false, nil
		}
		// Another request reset the day between our two updates; try again.
	}
	return 0, false, fmt.Errorf("incrementing query count for %s: too much contention", subscriberNo)
}

func countAttr(item map[string]types.AttributeValue) (int, error) {
	v, ok := item["daily_query_count"].(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("daily_query_count missing from profile item")
	}
	n, err := strconv.Atoi(v.Value)
	if err != nil {
		return 0, fmt.Errorf("parsing daily_query_count %q: %w", v.Value, err)
	}
	return n, nil
}
