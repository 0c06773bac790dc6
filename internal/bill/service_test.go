package bill_test

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alecgard/billgate/internal/bill"
	"github.com/alecgard/billgate/internal/quota"
	"github.com/alecgard/billgate/internal/storage/memory"
)

func newService(t *testing.T) (*bill.Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	return bill.NewService(store, quota.New(store, 3, time.UTC)), store
}

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func addBill(t *testing.T, svc *bill.Service, sub, month, amount string) {
	t.Helper()
	_, err := svc.AddBill(context.Background(), bill.AddInput{SubscriberNo: sub, Month: month, Amount: dec(amount)})
	require.NoError(t, err)
}

func TestQueryBill(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	addBill(t, svc, "555", "2024-01", "120.75")

	res, err := svc.QueryBill(ctx, bill.QueryInput{SubscriberNo: "555", Month: "2024-01"})
	require.NoError(t, err)
	assert.True(t, res.Amount.Equal(decimal.RequireFromString("120.75")))
	assert.Equal(t, bill.StatusUnpaid, res.Status)
	assert.Equal(t, 1, res.Quota.Count)
	assert.Equal(t, 3, res.Quota.Limit)
}

func TestQueryBill_RateLimited(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	addBill(t, svc, "555", "2024-01", "10")

	for i := 0; i < 3; i++ {
		_, err := svc.QueryBill(ctx, bill.QueryInput{SubscriberNo: "555", Month: "2024-01"})
		require.NoError(t, err)
	}

	_, err := svc.QueryBill(ctx, bill.QueryInput{SubscriberNo: "555", Month: "2024-01"})
	require.ErrorIs(t, err, bill.ErrRateLimited)
	var qe *bill.QuotaError
	require.True(t, errors.As(err, &qe))
	assert.False(t, qe.Decision.Allowed)
	assert.Equal(t, 3, qe.Decision.Count)
}

func TestQueryBill_MissingBillStillConsumesQuota(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.QueryBill(ctx, bill.QueryInput{SubscriberNo: "777", Month: "2099-01"})
		require.ErrorIs(t, err, bill.ErrNotFound)
	}
	_, err := svc.QueryBill(ctx, bill.QueryInput{SubscriberNo: "777", Month: "2099-01"})
	assert.ErrorIs(t, err, bill.ErrRateLimited)
}

func TestQueryBill_MissingParams(t *testing.T) {
	svc, _ := newService(t)

	_, err := svc.QueryBill(context.Background(), bill.QueryInput{SubscriberNo: "555"})
	require.ErrorIs(t, err, bill.ErrInvalidArgument)
	assert.Contains(t, err.Error(), "month is required")
}

func TestQueryBillDetailed(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	_, err := svc.AddBill(ctx, bill.AddInput{
		SubscriberNo: "555", Month: "2024-01", Amount: dec("100"),
		Details: bill.Details{"lines": []any{map[string]any{"name": "voice", "amount": 60.0}}},
	})
	require.NoError(t, err)
	_, err = svc.PayBill(ctx, bill.PayInput{SubscriberNo: "555", Month: "2024-01", Amount: dec("40")})
	require.NoError(t, err)

	d, err := svc.QueryBillDetailed(ctx, bill.DetailInput{SubscriberNo: "555", Month: "2024-01"})
	require.NoError(t, err)
	assert.Equal(t, 1, d.Page)
	assert.Equal(t, 10, d.Limit)
	assert.True(t, d.PaidAmount.Equal(decimal.NewFromInt(40)))
	assert.True(t, d.Remaining.Equal(decimal.NewFromInt(60)))
	assert.Equal(t, []any{map[string]any{"name": "voice", "amount": 60.0}}, d.Details["lines"])

	// not quota-gated
	for i := 0; i < 5; i++ {
		_, err := svc.QueryBillDetailed(ctx, bill.DetailInput{SubscriberNo: "555", Month: "2024-01", Page: 2, Limit: 1})
		require.NoError(t, err)
	}
}

func TestPayBill_FullThenOverpay(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	_, err := svc.AddBill(ctx, bill.AddInput{SubscriberNo: "S1", Month: "2024-01", Amount: dec("100"), Details: bill.Details{}})
	require.NoError(t, err)

	p, err := svc.PayBill(ctx, bill.PayInput{SubscriberNo: "S1", Month: "2024-01", Amount: dec("100")})
	require.NoError(t, err)
	assert.Equal(t, bill.StatusPaid, p.Status)
	assert.True(t, p.PaidAmount.Equal(decimal.NewFromInt(100)))

	p, err = svc.PayBill(ctx, bill.PayInput{SubscriberNo: "S1", Month: "2024-01", Amount: dec("1")})
	require.NoError(t, err)
	assert.Equal(t, bill.StatusPaid, p.Status)
	assert.True(t, p.PaidAmount.Equal(decimal.NewFromInt(101)))
	assert.True(t, p.Remaining.Equal(decimal.NewFromInt(-1)))
}

func TestPayBill_NotFound(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.PayBill(context.Background(), bill.PayInput{SubscriberNo: "X", Month: "2099-01", Amount: dec("10")})
	assert.ErrorIs(t, err, bill.ErrNotFound)
}

func TestPayBill_InvalidAmount(t *testing.T) {
	svc, _ := newService(t)
	addBill(t, svc, "555", "2024-01", "10")

	tests := []struct {
		name   string
		amount *decimal.Decimal
	}{
		{"missing", nil},
		{"zero", dec("0")},
		{"negative", dec("-5")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.PayBill(context.Background(), bill.PayInput{SubscriberNo: "555", Month: "2024-01", Amount: tt.amount})
			assert.ErrorIs(t, err, bill.ErrInvalidArgument)
		})
	}
}

func TestPayBill_AmountMustFitStoredMoney(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	addBill(t, svc, "555", "2024-01", "10.00")

	tests := []struct {
		name    string
		amount  string
		message string
	}{
		{"sub-cent", "9.995", "paymentAmount must have at most 2 decimal places"},
		{"too large", "1000000000000", "paymentAmount must be less than 1000000000000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.PayBill(ctx, bill.PayInput{SubscriberNo: "555", Month: "2024-01", Amount: dec(tt.amount)})
			require.ErrorIs(t, err, bill.ErrInvalidArgument)
			assert.Contains(t, err.Error(), tt.message)
		})
	}

	// Trailing zeros are not extra precision.
	p, err := svc.PayBill(ctx, bill.PayInput{SubscriberNo: "555", Month: "2024-01", Amount: dec("9.9900")})
	require.NoError(t, err)
	assert.True(t, p.PaidAmount.Equal(decimal.RequireFromString("9.99")))
	assert.Equal(t, bill.StatusUnpaid, p.Status)

	b, err := svc.QueryBillDetailed(ctx, bill.DetailInput{SubscriberNo: "555", Month: "2024-01"})
	require.NoError(t, err)
	assert.True(t, b.PaidAmount.Equal(decimal.RequireFromString("9.99")), "rejected payments must not be applied")
}

func TestPayBill_PaidTotalMustFitStoredMoney(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	addBill(t, svc, "555", "2024-01", "999999999999.99")

	_, err := svc.PayBill(ctx, bill.PayInput{SubscriberNo: "555", Month: "2024-01", Amount: dec("999999999999.99")})
	require.NoError(t, err)

	_, err = svc.PayBill(ctx, bill.PayInput{SubscriberNo: "555", Month: "2024-01", Amount: dec("0.01")})
	require.ErrorIs(t, err, bill.ErrInvalidArgument)
	assert.Contains(t, err.Error(), "paidAmount must be less than")
}

// Any sequence of payments leaves status PAID exactly when the cumulative
// paid amount covers the total.
func TestPayBill_StatusInvariantOverRandomSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	ctx := context.Background()

	for round := 0; round < 200; round++ {
		svc, _ := newService(t)
		total := decimal.New(rng.Int63n(50000), -2)
		addBill(t, svc, "P", "2024-01", total.String())

		paid := decimal.Zero
		for n := rng.Intn(6); n >= 0; n-- {
			amt := decimal.New(rng.Int63n(20000)+1, -2)
			paid = paid.Add(amt)

			p, err := svc.PayBill(ctx, bill.PayInput{SubscriberNo: "P", Month: "2024-01", Amount: &amt})
			require.NoError(t, err)
			require.True(t, p.PaidAmount.Equal(paid))
			wantPaid := paid.GreaterThanOrEqual(total)
			require.Equal(t, wantPaid, p.Status == bill.StatusPaid,
				"round %d: total %s paid %s status %s", round, total, paid, p.Status)
		}
	}
}

func TestPayBill_ConcurrentPaymentsNoLostUpdate(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	addBill(t, svc, "C", "2024-01", "1000")

	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		amt := decimal.NewFromInt(int64(i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.PayBill(ctx, bill.PayInput{SubscriberNo: "C", Month: "2024-01", Amount: &amt})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	b, err := store.Get(ctx, "C", "2024-01")
	require.NoError(t, err)
	assert.True(t, b.PaidAmount.Equal(decimal.NewFromInt(210)), "paid %s", b.PaidAmount)
	assert.Equal(t, bill.StatusUnpaid, b.Status)
}

func TestAddBill_DefaultsAndReset(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	b, err := svc.AddBill(ctx, bill.AddInput{SubscriberNo: "555", Month: "2024-01", Amount: dec("50")})
	require.NoError(t, err)
	assert.Equal(t, bill.Details{"info": "Standard Bill"}, b.Details)

	_, err = svc.PayBill(ctx, bill.PayInput{SubscriberNo: "555", Month: "2024-01", Amount: dec("50")})
	require.NoError(t, err)

	// overwrite discards payment progress
	addBill(t, svc, "555", "2024-01", "70")
	got, err := store.Get(ctx, "555", "2024-01")
	require.NoError(t, err)
	assert.True(t, got.PaidAmount.IsZero())
	assert.Equal(t, bill.StatusUnpaid, got.Status)
}

func TestAddBill_Validation(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.AddBill(ctx, bill.AddInput{SubscriberNo: "555", Month: "2024-01"})
	assert.ErrorIs(t, err, bill.ErrInvalidArgument)

	_, err = svc.AddBill(ctx, bill.AddInput{SubscriberNo: "555", Month: "2024-01", Amount: dec("-1")})
	assert.ErrorIs(t, err, bill.ErrInvalidArgument)

	_, err = svc.AddBill(ctx, bill.AddInput{SubscriberNo: "555", Month: "2024-01", Amount: dec("33.333")})
	assert.ErrorIs(t, err, bill.ErrInvalidArgument)

	_, err = svc.AddBill(ctx, bill.AddInput{SubscriberNo: "555", Month: "2024-01", Amount: dec("1000000000000.00")})
	assert.ErrorIs(t, err, bill.ErrInvalidArgument)
}

func TestAddBill_ZeroAmountIsPaid(t *testing.T) {
	svc, _ := newService(t)
	b, err := svc.AddBill(context.Background(), bill.AddInput{SubscriberNo: "555", Month: "2024-01", Amount: dec("0")})
	require.NoError(t, err)
	assert.Equal(t, bill.StatusPaid, b.Status)
}

func TestListUnpaidBills(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	addBill(t, svc, "555", "2024-01", "10")
	addBill(t, svc, "555", "2024-02", "20")
	_, err := svc.PayBill(ctx, bill.PayInput{SubscriberNo: "555", Month: "2024-02", Amount: dec("20")})
	require.NoError(t, err)

	bills, err := svc.ListUnpaidBills(ctx, "555")
	require.NoError(t, err)
	require.Len(t, bills, 1)
	assert.Equal(t, "2024-01", bills[0].Month)

	none, err := svc.ListUnpaidBills(ctx, "nobody")
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)

	_, err = svc.ListUnpaidBills(ctx, " ")
	assert.ErrorIs(t, err, bill.ErrInvalidArgument)
}

func TestAmendDetails(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	addBill(t, svc, "555", "2024-01", "10")

	require.NoError(t, svc.AmendDetails(ctx, "555", "2024-01", bill.Details{"note": "corrected"}))
	b, err := store.Get(ctx, "555", "2024-01")
	require.NoError(t, err)
	assert.Equal(t, "corrected", b.Details["note"])
	assert.Equal(t, bill.StatusUnpaid, b.Status)

	assert.ErrorIs(t, svc.AmendDetails(ctx, "555", "1999-01", bill.Details{}), bill.ErrNotFound)
	assert.ErrorIs(t, svc.AmendDetails(ctx, "555", "2024-01", nil), bill.ErrInvalidArgument)
}

func TestBatchAddBills_SkipsMalformedRows(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	res, err := svc.BatchAddBills(ctx, []bill.BatchRow{
		{Line: 2, SubscriberNo: "1", Month: "2024-01", Amount: "10.5"},
		{Line: 3, SubscriberNo: "2", Month: "2024-01", Amount: ""},
		{Line: 4, SubscriberNo: "", Month: "", Amount: "5"},
		{Line: 5, SubscriberNo: "3", Month: "2024-01", Amount: "abc"},
		{Line: 6, SubscriberNo: "4", Month: "2024-01", Amount: "-2"},
		{Line: 7, SubscriberNo: " 5 ", Month: "2024-01", Amount: " 7 "},
		{Line: 8, SubscriberNo: "6", Month: "2024-01", Amount: "1.005"},
		{Line: 9, SubscriberNo: "7", Month: "2024-01", Amount: "1e12"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Written)
	assert.Equal(t, []bill.SkippedRow{
		{Line: 3, Reason: "missing Amount"},
		{Line: 4, Reason: "missing SubscriberNo, Month"},
		{Line: 5, Reason: `amount "abc" is not a number`},
		{Line: 6, Reason: "amount must not be negative"},
		{Line: 8, Reason: "amount must have at most 2 decimal places"},
		{Line: 9, Reason: "amount must be less than 1000000000000"},
	}, res.Skipped)

	b, err := store.Get(ctx, "5", "2024-01")
	require.NoError(t, err)
	assert.Equal(t, bill.Details{"source": "Batch Upload"}, b.Details)
}

func TestBatchAddBills_AllSkipped(t *testing.T) {
	svc, _ := newService(t)
	res, err := svc.BatchAddBills(context.Background(), []bill.BatchRow{{Line: 2}})
	require.NoError(t, err)
	assert.Zero(t, res.Written)
	assert.Len(t, res.Skipped, 1)
}

type failingStore struct {
	bill.Store
	err error
}

func (f failingStore) BatchSet(context.Context, []*bill.Bill) error { return f.err }

func TestBatchAddBills_StoreFailureWritesNothing(t *testing.T) {
	store := memory.New()
	boom := errors.New("batch failed")
	svc := bill.NewService(failingStore{Store: store, err: boom}, quota.New(store, 3, time.UTC))

	_, err := svc.BatchAddBills(context.Background(), []bill.BatchRow{{Line: 2, SubscriberNo: "1", Month: "2024-01", Amount: "1"}})
	assert.ErrorIs(t, err, boom)
}
