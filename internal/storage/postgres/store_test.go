package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alecgard/billgate/internal/bill"
	"github.com/alecgard/billgate/internal/metering"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"serialization", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "40P01"}), true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isRetryable(tt.err))
		})
	}
}

func TestWithRetry_ConflictExhausted(t *testing.T) {
	var hooks int
	s := NewStore(nil, WithMaxRetries(2), WithConflictHook(func() { hooks++ }))

	var calls int
	err := s.withRetry(context.Background(), func() error {
		calls++
		return &pgconn.PgError{Code: "40001"}
	})
	require.ErrorIs(t, err, bill.ErrConflict)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, hooks)
}

func TestWithRetry_PermanentErrorNotRetried(t *testing.T) {
	s := NewStore(nil)
	var calls int
	err := s.withRetry(context.Background(), func() error {
		calls++
		return bill.ErrNotFound
	})
	require.ErrorIs(t, err, bill.ErrNotFound)
	assert.Equal(t, 1, calls)
}

func TestWithRetry_RecoversAfterConflict(t *testing.T) {
	s := NewStore(nil)
	var calls int
	err := s.withRetry(context.Background(), func() error {
		calls++
		if calls < 2 {
			return &pgconn.PgError{Code: "40P01"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

// setupStore connects to DATABASE_URL, applies migrations and returns a Store.
func setupStore(t *testing.T) *Store {
	t.Helper()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("requires DATABASE_URL")
	}

	m, err := migrate.New("file://../../../migrations", dsn)
	require.NoError(t, err)
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		t.Fatalf("run migrations: %v", err)
	}
	m.Close()

	pool, err := pgxpool.New(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return NewStore(pool)
}

func testSubscriber() string {
	return "T" + uuid.New().String()[:8]
}

func TestStore_BillLifecycle(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	sub := testSubscriber()

	b := bill.New(sub, "2024-01", decimal.RequireFromString("100.50"), bill.Details{"info": "Standard Bill"})
	require.NoError(t, s.Set(ctx, b))

	got, err := s.Get(ctx, sub, "2024-01")
	require.NoError(t, err)
	assert.True(t, got.Amount.Equal(decimal.RequireFromString("100.50")))
	assert.True(t, got.PaidAmount.IsZero())
	assert.Equal(t, bill.StatusUnpaid, got.Status)
	assert.Equal(t, "Standard Bill", got.Details["info"])

	paid, err := s.RunAtomic(ctx, sub, "2024-01", func(cur bill.Bill) (bill.Patch, error) {
		p := cur.PaidAmount.Add(decimal.RequireFromString("100.50"))
		st := bill.StatusFor(cur.Amount, p)
		return bill.Patch{PaidAmount: &p, Status: &st}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, bill.StatusPaid, paid.Status)

	require.NoError(t, s.Update(ctx, sub, "2024-01", bill.Patch{Details: bill.Details{"note": "amended"}}))
	got, err = s.Get(ctx, sub, "2024-01")
	require.NoError(t, err)
	assert.Equal(t, "amended", got.Details["note"])
	assert.Equal(t, bill.StatusPaid, got.Status)

	_, err = s.Get(ctx, sub, "1999-01")
	assert.ErrorIs(t, err, bill.ErrNotFound)
	assert.ErrorIs(t, s.Update(ctx, sub, "1999-01", bill.Patch{Details: bill.Details{}}), bill.ErrNotFound)
}

func TestStore_BatchSetAndList(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	sub := testSubscriber()

	require.NoError(t, s.BatchSet(ctx, []*bill.Bill{
		bill.New(sub, "2024-02", decimal.NewFromInt(20), nil),
		bill.New(sub, "2024-01", decimal.NewFromInt(10), nil),
		bill.New(sub, "2024-03", decimal.Zero, nil),
	}))

	unpaid, err := s.ListByStatus(ctx, sub, bill.StatusUnpaid)
	require.NoError(t, err)
	require.Len(t, unpaid, 2)
	assert.Equal(t, "2024-01", unpaid[0].Month)
	assert.Equal(t, "2024-02", unpaid[1].Month)
}

func TestStore_ConcurrentPayments(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	sub := testSubscriber()
	require.NoError(t, s.Set(ctx, bill.New(sub, "2024-01", decimal.NewFromInt(100), nil)))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.RunAtomic(ctx, sub, "2024-01", func(cur bill.Bill) (bill.Patch, error) {
				p := cur.PaidAmount.Add(decimal.NewFromInt(7))
				st := bill.StatusFor(cur.Amount, p)
				return bill.Patch{PaidAmount: &p, Status: &st}, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.Get(ctx, sub, "2024-01")
	require.NoError(t, err)
	assert.True(t, got.PaidAmount.Equal(decimal.NewFromInt(70)), "paid %s", got.PaidAmount)
	assert.Equal(t, bill.StatusUnpaid, got.Status)
}

func TestStore_IncrementWithCeiling(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	sub := testSubscriber()

	for want := 1; want <= 3; want++ {
		count, ok, err := s.IncrementWithCeiling(ctx, sub, "2024-05-01", 3)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, want, count)
	}

	count, ok, err := s.IncrementWithCeiling(ctx, sub, "2024-05-01", 3)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 3, count)

	count, ok, err = s.IncrementWithCeiling(ctx, sub, "2024-05-02", 3)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, count)
}

func TestStore_BatchInsertToolCalls(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.BatchInsert(ctx, nil))
	require.NoError(t, s.BatchInsert(ctx, []metering.ToolCall{{
		ID:        uuid.New().String(),
		Tool:      "queryBill",
		Args:      map[string]any{"subscriberNo": "1"},
		Outcome:   metering.OutcomeOK,
		Timestamp: time.Now().UTC(),
	}}))
}
