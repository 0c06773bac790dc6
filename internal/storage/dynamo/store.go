package dynamo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/cenkalti/backoff/v4"

	"github.com/alecgard/billgate/internal/bill"
)

// maxTransactItems is the DynamoDB limit on actions per TransactWriteItems.
const maxTransactItems = 100

// Store implements bill.Store, quota.Counter and metering.BatchInserter.
type Store struct {
	api        API
	table      string
	maxRetries uint64
	now        func() time.Time
	onConflict func()
}

// Option configures a Store.
type Option func(*Store)

// WithMaxRetries sets how many times a conditional write that lost a race is
// retried before bill.ErrConflict is returned.
func WithMaxRetries(n int) Option {
	return func(s *Store) {
		if n >= 0 {
			s.maxRetries = uint64(n)
		}
	}
}

// WithConflictHook registers fn to run on every retried conflict.
func WithConflictHook(fn func()) Option {
	return func(s *Store) { s.onConflict = fn }
}

// NewStore creates a Store over the given table.
func NewStore(api API, table string, opts ...Option) *Store {
	s := &Store{api: api, table: table, maxRetries: 5, now: time.Now, onConflict: func() {}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping checks that the table is reachable.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)})
	return err
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var tce *types.TransactionCanceledException
	if errors.As(err, &tce) {
		for _, r := range tce.CancellationReasons {
			if aws.ToString(r.Code) == "ConditionalCheckFailed" || aws.ToString(r.Code) == "TransactionConflict" {
				return true
			}
		}
	}
	return false
}

// Get implements bill.Store.
func (s *Store) Get(ctx context.Context, subscriberNo, month string) (*bill.Bill, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            billKey(subscriberNo, month),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("getting bill %s/%s: %w", subscriberNo, month, err)
	}
	if len(out.Item) == 0 {
		return nil, fmt.Errorf("getting bill %s/%s: %w", subscriberNo, month, bill.ErrNotFound)
	}
	b, _, err := decodeBill(out.Item)
	return b, err
}

// Set implements bill.Store.
func (s *Store) Set(ctx context.Context, b *bill.Bill) error {
	return s.BatchSet(ctx, []*bill.Bill{b})
}

// BatchSet implements bill.Store with one TransactWriteItems call. Later bills
// win over earlier ones with the same key. Batches that need more than the
// DynamoDB transaction limit are rejected.
func (s *Store) BatchSet(ctx context.Context, bills []*bill.Bill) error {
	if len(bills) == 0 {
		return nil
	}

	type bk struct{ sub, month string }
	latest := make(map[bk]*bill.Bill, len(bills))
	order := make([]bk, 0, len(bills))
	subs := make(map[string]bool)
	for _, b := range bills {
		k := bk{b.SubscriberNo, b.Month}
		if _, ok := latest[k]; !ok {
			order = append(order, k)
		}
		latest[k] = b
		subs[b.SubscriberNo] = true
	}
	if len(order)+len(subs) > maxTransactItems {
		return fmt.Errorf("%w: batch of %d bills exceeds the %d item transaction limit",
			bill.ErrInvalidArgument, len(order), maxTransactItems)
	}

	items := make([]types.TransactWriteItem, 0, len(order)+len(subs))
	for sub := range subs {
		items = append(items, types.TransactWriteItem{Update: &types.Update{
			TableName:                 aws.String(s.table),
			Key:                       profileKey(sub),
			UpdateExpression:          aws.String("SET #sub = :sub"),
			ExpressionAttributeNames:  map[string]string{"#sub": "subscriber_no"},
			ExpressionAttributeValues: map[string]types.AttributeValue{":sub": str(sub)},
		}})
	}
	now := s.now().UTC()
	for _, k := range order {
		upd, err := s.putBillUpdate(latest[k], now)
		if err != nil {
			return err
		}
		items = append(items, types.TransactWriteItem{Update: upd})
	}

	_, err := s.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		if isConditionFailed(err) {
			s.onConflict()
			return fmt.Errorf("writing %d bills: %w", len(order), bill.ErrConflict)
		}
		return fmt.Errorf("writing %d bills: %w", len(order), err)
	}
	return nil
}

// putBillUpdate overwrites every bill attribute and bumps the version so a
// concurrent RunAtomic that read the previous state fails its condition.
func (s *Store) putBillUpdate(b *bill.Bill, now time.Time) (*types.Update, error) {
	details, err := detailsValue(b.Details)
	if err != nil {
		return nil, err
	}
	ts, err := timeValue(now)
	if err != nil {
		return nil, err
	}
	return &types.Update{
		TableName: aws.String(s.table),
		Key:       billKey(b.SubscriberNo, b.Month),
		UpdateExpression: aws.String(
			"SET #sub = :sub, #month = :month, #amount = :amount, #paid = :paid, #status = :status, #details = :details, #updated = :updated ADD #version :one"),
		ExpressionAttributeNames: map[string]string{
			"#sub": "subscriber_no", "#month": "month", "#amount": "amount", "#paid": "paid_amount",
			"#status": "status", "#details": "details", "#updated": "updated_at", "#version": "version",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":sub":     str(b.SubscriberNo),
			":month":   str(b.Month),
			":amount":  str(b.Amount.String()),
			":paid":    str(b.PaidAmount.String()),
			":status":  str(string(b.Status)),
			":details": details,
			":updated": ts,
			":one":     num(1),
		},
	}, nil
}

// Update implements bill.Store. Nil patch fields keep their stored value.
func (s *Store) Update(ctx context.Context, subscriberNo, month string, patch bill.Patch) error {
	in, err := s.patchInput(subscriberNo, month, patch)
	if err != nil {
		return err
	}
	in.ConditionExpression = aws.String("attribute_exists(pk)")

	if _, err := s.api.UpdateItem(ctx, in); err != nil {
		if isConditionFailed(err) {
			return fmt.Errorf("updating bill %s/%s: %w", subscriberNo, month, bill.ErrNotFound)
		}
		return fmt.Errorf("updating bill %s/%s: %w", subscriberNo, month, err)
	}
	return nil
}

func (s *Store) patchInput(subscriberNo, month string, patch bill.Patch) (*dynamodb.UpdateItemInput, error) {
	ts, err := timeValue(s.now().UTC())
	if err != nil {
		return nil, err
	}
	expr := "SET #updated = :updated"
	names := map[string]string{"#updated": "updated_at", "#version": "version"}
	values := map[string]types.AttributeValue{":updated": ts, ":one": num(1)}

	if patch.PaidAmount != nil {
		expr += ", #paid = :paid"
		names["#paid"] = "paid_amount"
		values[":paid"] = str(patch.PaidAmount.String())
	}
	if patch.Status != nil {
		expr += ", #status = :status"
		names["#status"] = "status"
		values[":status"] = str(string(*patch.Status))
	}
	if patch.Details != nil {
		d, err := detailsValue(patch.Details)
		if err != nil {
			return nil, err
		}
		expr += ", #details = :details"
		names["#details"] = "details"
		values[":details"] = d
	}

	return &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       billKey(subscriberNo, month),
		UpdateExpression:          aws.String(expr + " ADD #version :one"),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
		ReturnValues:              types.ReturnValueAllNew,
	}, nil
}

var errVersionMoved = errors.New("bill version moved")

// RunAtomic implements bill.Store with optimistic concurrency: read the bill
// and its version, apply fn, and write back only if the version is unchanged.
// Lost races are retried with exponential backoff.
func (s *Store) RunAtomic(ctx context.Context, subscriberNo, month string, fn bill.MutateFunc) (*bill.Bill, error) {
	var out *bill.Bill

	op := func() error {
		got, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
			TableName:      aws.String(s.table),
			Key:            billKey(subscriberNo, month),
			ConsistentRead: aws.Bool(true),
		})
		if err != nil {
			return backoff.Permanent(fmt.Errorf("reading bill %s/%s: %w", subscriberNo, month, err))
		}
		if len(got.Item) == 0 {
			return backoff.Permanent(fmt.Errorf("reading bill %s/%s: %w", subscriberNo, month, bill.ErrNotFound))
		}
		cur, version, err := decodeBill(got.Item)
		if err != nil {
			return backoff.Permanent(err)
		}

		patch, err := fn(*cur.Clone())
		if err != nil {
			return backoff.Permanent(err)
		}

		in, err := s.patchInput(subscriberNo, month, patch)
		if err != nil {
			return backoff.Permanent(err)
		}
		in.ConditionExpression = aws.String("#version = :expected")
		in.ExpressionAttributeNames["#version"] = "version"
		in.ExpressionAttributeValues[":expected"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(version, 10)}

		res, err := s.api.UpdateItem(ctx, in)
		if err != nil {
			if isConditionFailed(err) {
				s.onConflict()
				return errVersionMoved
			}
			return backoff.Permanent(fmt.Errorf("committing bill %s/%s: %w", subscriberNo, month, err))
		}
		b, _, err := decodeBill(res.Attributes)
		if err != nil {
			return backoff.Permanent(err)
		}
		out = b
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(newBackOff(), s.maxRetries), ctx)
	if err := backoff.Retry(op, b); err != nil {
		if errors.Is(err, errVersionMoved) {
			return nil, fmt.Errorf("committing bill %s/%s: %w", subscriberNo, month, bill.ErrConflict)
		}
		return nil, err
	}
	return out, nil
}

// ListByStatus implements bill.Store. Bills sort by month through the sort key.
func (s *Store) ListByStatus(ctx context.Context, subscriberNo string, status bill.Status) ([]*bill.Bill, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("pk = :pk AND begins_with(sk, :prefix)"),
		FilterExpression:       aws.String("#status = :status"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     str(subscriberPK(subscriberNo)),
			":prefix": str(billPrefix),
			":status": str(string(status)),
		},
		ConsistentRead: aws.Bool(true),
	}

	var bills []*bill.Bill
	for {
		out, err := s.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("listing bills for %s: %w", subscriberNo, err)
		}
		for _, item := range out.Items {
			b, _, err := decodeBill(item)
			if err != nil {
				return nil, err
			}
			bills = append(bills, b)
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
	return bills, nil
}

func newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = 0
	return b
}
