package bill

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the payment state of a bill.
type Status string

const (
	StatusUnpaid Status = "UNPAID"
	StatusPaid   Status = "PAID"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusUnpaid || s == StatusPaid
}

// Details is the schema-less description attached to a bill (line items,
// source markers, free text). It must round-trip unchanged through every store.
type Details map[string]any

// Bill is a subscriber's payable obligation for one month.
type Bill struct {
	SubscriberNo string          `json:"subscriberNo"`
	Month        string          `json:"month"`
	Amount       decimal.Decimal `json:"amount"`
	PaidAmount   decimal.Decimal `json:"paidAmount"`
	Status       Status          `json:"status"`
	Details      Details         `json:"details"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// Remaining returns the amount still owed. It is negative after an overpayment.
func (b *Bill) Remaining() decimal.Decimal {
	return b.Amount.Sub(b.PaidAmount)
}

// StatusFor derives the status a bill must carry for the given totals:
// PAID once nothing remains to be paid, UNPAID otherwise.
func StatusFor(amount, paid decimal.Decimal) Status {
	if amount.Sub(paid).LessThanOrEqual(decimal.Zero) {
		return StatusPaid
	}
	return StatusUnpaid
}

// New builds a fresh bill with nothing paid yet.
func New(subscriberNo, month string, amount decimal.Decimal, details Details) *Bill {
	return &Bill{
		SubscriberNo: subscriberNo,
		Month:        month,
		Amount:       amount,
		PaidAmount:   decimal.Zero,
		Status:       StatusFor(amount, decimal.Zero),
		Details:      details,
	}
}

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	PaidAmount *decimal.Decimal
	Status     *Status
	Details    Details
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.PaidAmount == nil && p.Status == nil && p.Details == nil
}

// Apply merges p into b.
func (b *Bill) Apply(p Patch) {
	if p.PaidAmount != nil {
		b.PaidAmount = *p.PaidAmount
	}
	if p.Status != nil {
		b.Status = *p.Status
	}
	if p.Details != nil {
		b.Details = p.Details
	}
}

// Clone returns a deep copy of b, including nested details.
func (b *Bill) Clone() *Bill {
	c := *b
	c.Details = CloneDetails(b.Details)
	return &c
}

// CloneDetails deep-copies nested maps and slices so callers cannot alias
// stored state.
func CloneDetails(d Details) Details {
	if d == nil {
		return nil
	}
	out := make(Details, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[k] = cloneValue(vv)
		}
		return m
	case Details:
		return map[string]any(CloneDetails(t))
	case []any:
		s := make([]any, len(t))
		for i, vv := range t {
			s[i] = cloneValue(vv)
		}
		return s
	default:
		return v
	}
}
