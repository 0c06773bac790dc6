package dynamo

import (
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/shopspring/decimal"

	"github.com/alecgard/billgate/internal/bill"
	"github.com/alecgard/billgate/internal/metering"
)

const (
	subscriberPrefix = "SUB#"
	billPrefix       = "BILL#"
	profileSK        = "PROFILE"
	toolCallPrefix   = "TOOLCALL#"
)

type billItem struct {
	PK           string         `dynamodbav:"pk"`
	SK           string         `dynamodbav:"sk"`
	SubscriberNo string         `dynamodbav:"subscriber_no"`
	Month        string         `dynamodbav:"month"`
	Amount       string         `dynamodbav:"amount"`
	PaidAmount   string         `dynamodbav:"paid_amount"`
	Status       string         `dynamodbav:"status"`
	Details      map[string]any `dynamodbav:"details"`
	Version      int64          `dynamodbav:"version"`
	UpdatedAt    time.Time      `dynamodbav:"updated_at"`
}

type profileItem struct {
	PK              string `dynamodbav:"pk"`
	SK              string `dynamodbav:"sk"`
	SubscriberNo    string `dynamodbav:"subscriber_no"`
	LastQueryDate   string `dynamodbav:"last_query_date"`
	DailyQueryCount int    `dynamodbav:"daily_query_count"`
}

type toolCallItem struct {
	PK           string         `dynamodbav:"pk"`
	SK           string         `dynamodbav:"sk"`
	ID           string         `dynamodbav:"id"`
	RequestID    string         `dynamodbav:"request_id"`
	Tool         string         `dynamodbav:"tool"`
	SubscriberNo string         `dynamodbav:"subscriber_no"`
	Month        string         `dynamodbav:"month"`
	Args         map[string]any `dynamodbav:"args"`
	Outcome      string         `dynamodbav:"outcome"`
	Error        string         `dynamodbav:"error,omitempty"`
	LatencyMs    int64          `dynamodbav:"latency_ms"`
	Timestamp    time.Time      `dynamodbav:"timestamp"`
}

func subscriberPK(subscriberNo string) string { return subscriberPrefix + subscriberNo }

func billSK(month string) string { return billPrefix + month }

func key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: pk},
		"sk": &types.AttributeValueMemberS{Value: sk},
	}
}

func billKey(subscriberNo, month string) map[string]types.AttributeValue {
	return key(subscriberPK(subscriberNo), billSK(month))
}

func profileKey(subscriberNo string) map[string]types.AttributeValue {
	return key(subscriberPK(subscriberNo), profileSK)
}

func str(s string) types.AttributeValue { return &types.AttributeValueMemberS{Value: s} }

func num(n int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", n)}
}

func detailsValue(d bill.Details) (types.AttributeValue, error) {
	if d == nil {
		d = bill.Details{}
	}
	av, err := attributevalue.Marshal(map[string]any(d))
	if err != nil {
		return nil, fmt.Errorf("marshalling details: %w", err)
	}
	return av, nil
}

func timeValue(t time.Time) (types.AttributeValue, error) {
	return attributevalue.Marshal(t)
}

func decodeBill(item map[string]types.AttributeValue) (*bill.Bill, int64, error) {
	var it billItem
	if err := attributevalue.UnmarshalMap(item, &it); err != nil {
		return nil, 0, fmt.Errorf("unmarshalling bill: %w", err)
	}
	amount, err := decimal.NewFromString(it.Amount)
	if err != nil {
		return nil, 0, fmt.Errorf("parsing amount %q: %w", it.Amount, err)
	}
	paid := decimal.Zero
	if it.PaidAmount != "" {
		if paid, err = decimal.NewFromString(it.PaidAmount); err != nil {
			return nil, 0, fmt.Errorf("parsing paid_amount %q: %w", it.PaidAmount, err)
		}
	}
	month := it.Month
	if month == "" {
		month = strings.TrimPrefix(it.SK, billPrefix)
	}
	var details bill.Details
	if it.Details != nil {
		details = bill.Details(it.Details)
	}
	return &bill.Bill{
		SubscriberNo: it.SubscriberNo,
		Month:        month,
		Amount:       amount,
		PaidAmount:   paid,
		Status:       bill.Status(it.Status),
		Details:      details,
		UpdatedAt:    it.UpdatedAt,
	}, it.Version, nil
}

func encodeToolCall(c metering.ToolCall) (map[string]types.AttributeValue, error) {
	ts := c.Timestamp.UTC()
	return attributevalue.MarshalMap(toolCallItem{
		PK:           toolCallPrefix + ts.Format("2006-01-02"),
		SK:           ts.Format(time.RFC3339Nano) + "#" + c.ID,
		ID:           c.ID,
		RequestID:    c.RequestID,
		Tool:         c.Tool,
		SubscriberNo: c.SubscriberNo,
		Month:        c.Month,
		Args:         c.Args,
		Outcome:      string(c.Outcome),
		Error:        c.Error,
		LatencyMs:    c.LatencyMs,
		Timestamp:    ts,
	})
}
