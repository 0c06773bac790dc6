package bill

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/alecgard/billgate/internal/quota"
)

// Default detail payloads attached when a caller supplies none.
var (
	defaultAdminDetails = Details{"info": "Standard Bill"}
	batchDetails        = Details{"source": "Batch Upload"}
)

const (
	defaultPage  = 1
	defaultLimit = 10
)

// Money is stored with two decimal places and at most twelve integer digits.
const amountPlaces = 2

var maxAmount = decimal.New(1, 12)

// checkAmount rejects amounts the stores cannot hold exactly.
func checkAmount(field string, d decimal.Decimal) error {
	if !d.Equal(d.Round(amountPlaces)) {
		return fmt.Errorf("%w: %s must have at most %d decimal places", ErrInvalidArgument, field, amountPlaces)
	}
	if d.Abs().GreaterThanOrEqual(maxAmount) {
		return fmt.Errorf("%w: %s must be less than %s", ErrInvalidArgument, field, maxAmount)
	}
	return nil
}

// Service implements the billing operations over a Store.
type Service struct {
	store    Store
	limiter  QuotaChecker
	validate *validator.Validate
}

// NewService creates a Service. Plain bill queries are gated by quota.
func NewService(store Store, limiter QuotaChecker) *Service {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return &Service{store: store, limiter: limiter, validate: v}
}

// QueryInput identifies a single bill.
type QueryInput struct {
	SubscriberNo string `json:"subscriberNo" validate:"required"`
	Month        string `json:"month" validate:"required"`
}

// QueryResult is the summary view of a bill.
type QueryResult struct {
	SubscriberNo string
	Month        string
	Amount       decimal.Decimal
	Status       Status
	Quota        quota.Decision
}

// QueryBill consumes one unit of the subscriber's daily quota and returns the
// bill total and status. The quota is consumed even when the bill is missing.
func (s *Service) QueryBill(ctx context.Context, in QueryInput) (*QueryResult, error) {
	if err := s.check(in); err != nil {
		return nil, err
	}

	d, err := s.limiter.CheckAndConsume(ctx, in.SubscriberNo)
	if err != nil {
		return nil, err
	}
	if !d.Allowed {
		return nil, &QuotaError{Decision: d}
	}

	b, err := s.store.Get(ctx, in.SubscriberNo, in.Month)
	if err != nil {
		return nil, err
	}
	return &QueryResult{
		SubscriberNo: in.SubscriberNo,
		Month:        in.Month,
		Amount:       b.Amount,
		Status:       b.Status,
		Quota:        d,
	}, nil
}

// DetailInput identifies a bill plus paging hints for its details.
type DetailInput struct {
	SubscriberNo string `json:"subscriberNo" validate:"required"`
	Month        string `json:"month" validate:"required"`
	Page         int    `json:"page"`
	Limit        int    `json:"limit"`
}

// Detail is the full view of a bill.
type Detail struct {
	SubscriberNo string
	Month        string
	Amount       decimal.Decimal
	PaidAmount   decimal.Decimal
	Remaining    decimal.Decimal
	Status       Status
	Details      Details
	Page         int
	Limit        int
}

// QueryBillDetailed returns the bill with its details. Page and limit are
// echoed back but do not slice the details. This path is not quota-gated.
func (s *Service) QueryBillDetailed(ctx context.Context, in DetailInput) (*Detail, error) {
	if err := s.check(in); err != nil {
		return nil, err
	}
	if in.Page < 1 {
		in.Page = defaultPage
	}
	if in.Limit < 1 {
		in.Limit = defaultLimit
	}

	b, err := s.store.Get(ctx, in.SubscriberNo, in.Month)
	if err != nil {
		return nil, err
	}
	details := b.Details
	if details == nil {
		details = Details{}
	}
	return &Detail{
		SubscriberNo: in.SubscriberNo,
		Month:        b.Month,
		Amount:       b.Amount,
		PaidAmount:   b.PaidAmount,
		Remaining:    b.Remaining(),
		Status:       b.Status,
		Details:      details,
		Page:         in.Page,
		Limit:        in.Limit,
	}, nil
}

// PayInput is a payment against one bill.
type PayInput struct {
	SubscriberNo string           `json:"subscriberNo" validate:"required"`
	Month        string           `json:"month" validate:"required"`
	Amount       *decimal.Decimal `json:"paymentAmount" validate:"required"`
}

// Payment reports the bill state after a payment was committed.
type Payment struct {
	SubscriberNo string
	Month        string
	Amount       decimal.Decimal
	PaidAmount   decimal.Decimal
	Remaining    decimal.Decimal
	Status       Status
}

// PayBill adds the payment to the bill's paid amount and recomputes its
// status in a single atomic store step. Overpayment is accepted; the bill
// simply stays PAID.
func (s *Service) PayBill(ctx context.Context, in PayInput) (*Payment, error) {
	if err := s.check(in); err != nil {
		return nil, err
	}
	amount := *in.Amount
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: paymentAmount must be greater than zero", ErrInvalidArgument)
	}
	if err := checkAmount("paymentAmount", amount); err != nil {
		return nil, err
	}

	b, err := s.store.RunAtomic(ctx, in.SubscriberNo, in.Month, func(cur Bill) (Patch, error) {
		newPaid := cur.PaidAmount.Add(amount)
		if err := checkAmount("paidAmount", newPaid); err != nil {
			return Patch{}, err
		}
		status := StatusFor(cur.Amount, newPaid)
		return Patch{PaidAmount: &newPaid, Status: &status}, nil
	})
	if err != nil {
		return nil, err
	}
	return &Payment{
		SubscriberNo: in.SubscriberNo,
		Month:        in.Month,
		Amount:       amount,
		PaidAmount:   b.PaidAmount,
		Remaining:    b.Remaining(),
		Status:       b.Status,
	}, nil
}

// AddInput creates or overwrites a bill.
type AddInput struct {
	SubscriberNo string           `json:"subscriberNo" validate:"required"`
	Month        string           `json:"month" validate:"required"`
	Amount       *decimal.Decimal `json:"amount" validate:"required"`
	Details      Details          `json:"details"`
}

// AddBill writes a fresh bill, discarding any payment progress on an existing
// bill with the same key.
func (s *Service) AddBill(ctx context.Context, in AddInput) (*Bill, error) {
	if err := s.check(in); err != nil {
		return nil, err
	}
	if in.Amount.IsNegative() {
		return nil, fmt.Errorf("%w: amount must not be negative", ErrInvalidArgument)
	}
	if err := checkAmount("amount", *in.Amount); err != nil {
		return nil, err
	}
	details := in.Details
	if details == nil {
		details = CloneDetails(defaultAdminDetails)
	}

	b := New(in.SubscriberNo, in.Month, *in.Amount, details)
	if err := s.store.Set(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// ListUnpaidBills returns every UNPAID bill of the subscriber. A subscriber
// without unpaid bills yields an empty, non-nil slice.
func (s *Service) ListUnpaidBills(ctx context.Context, subscriberNo string) ([]*Bill, error) {
	if strings.TrimSpace(subscriberNo) == "" {
		return nil, fmt.Errorf("%w: subscriberNo is required", ErrInvalidArgument)
	}
	bills, err := s.store.ListByStatus(ctx, subscriberNo, StatusUnpaid)
	if err != nil {
		return nil, err
	}
	if bills == nil {
		bills = []*Bill{}
	}
	return bills, nil
}

// AmendDetails replaces the details of an existing bill without touching its
// amounts or status.
func (s *Service) AmendDetails(ctx context.Context, subscriberNo, month string, details Details) error {
	if err := s.check(QueryInput{SubscriberNo: subscriberNo, Month: month}); err != nil {
		return err
	}
	if details == nil {
		return fmt.Errorf("%w: details is required", ErrInvalidArgument)
	}
	return s.store.Update(ctx, subscriberNo, month, Patch{Details: details})
}

// BatchRow is one raw input row of a batch upload. Line is the 1-based source
// line used when reporting skipped rows.
type BatchRow struct {
	Line         int
	SubscriberNo string
	Month        string
	Amount       string
}

// SkippedRow explains why a batch row was not written.
type SkippedRow struct {
	Line   int    `json:"line"`
	Reason string `json:"reason"`
}

// BatchResult reports the outcome of a batch upload.
type BatchResult struct {
	Written int          `json:"written"`
	Skipped []SkippedRow `json:"skipped"`
}

// BatchAddBills validates rows, skips incomplete or malformed ones, and writes
// the rest as one all-or-nothing batch. When the batch fails nothing is
// written and the error is returned.
func (s *Service) BatchAddBills(ctx context.Context, rows []BatchRow) (*BatchResult, error) {
	res := &BatchResult{Skipped: []SkippedRow{}}
	bills := make([]*Bill, 0, len(rows))

	for _, row := range rows {
		sub := strings.TrimSpace(row.SubscriberNo)
		month := strings.TrimSpace(row.Month)
		raw := strings.TrimSpace(row.Amount)

		var missing []string
		if sub == "" {
			missing = append(missing, "SubscriberNo")
		}
		if month == "" {
			missing = append(missing, "Month")
		}
		if raw == "" {
			missing = append(missing, "Amount")
		}
		if len(missing) > 0 {
			res.Skipped = append(res.Skipped, SkippedRow{Line: row.Line, Reason: "missing " + strings.Join(missing, ", ")})
			continue
		}

		amount, err := decimal.NewFromString(raw)
		if err != nil {
			res.Skipped = append(res.Skipped, SkippedRow{Line: row.Line, Reason: fmt.Sprintf("amount %q is not a number", raw)})
			continue
		}
		if amount.IsNegative() {
			res.Skipped = append(res.Skipped, SkippedRow{Line: row.Line, Reason: "amount must not be negative"})
			continue
		}
		if err := checkAmount("amount", amount); err != nil {
			res.Skipped = append(res.Skipped, SkippedRow{Line: row.Line, Reason: strings.TrimPrefix(err.Error(), ErrInvalidArgument.Error()+": ")})
			continue
		}

		bills = append(bills, New(sub, month, amount, CloneDetails(batchDetails)))
	}

	if len(bills) == 0 {
		return res, nil
	}
	if err := s.store.BatchSet(ctx, bills); err != nil {
		return nil, err
	}
	res.Written = len(bills)
	return res, nil
}

// check runs struct validation and folds failures into ErrInvalidArgument.
func (s *Service) check(in any) error {
	err := s.validate.Struct(in)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fe.Field()+" is required")
		default:
			msgs = append(msgs, fe.Field()+" is invalid")
		}
	}
	return fmt.Errorf("%w: %s", ErrInvalidArgument, strings.Join(msgs, "; "))
}
