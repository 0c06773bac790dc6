// Package postgres stores bills, subscriber query counters and the tool call
// journal in PostgreSQL through a pgx connection pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alecgard/billgate/internal/bill"
)

// Store implements bill.Store, quota.Counter and metering.BatchInserter.
type Store struct {
	pool       *pgxpool.Pool
	maxRetries uint64
	onConflict func()
}

// Option configures a Store.
type Option func(*Store)

// WithMaxRetries sets how many times a transaction aborted by a serialization
// failure or deadlock is retried before bill.ErrConflict is returned.
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

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool, maxRetries: 5, onConflict: func() {}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const billColumns = `subscriber_no, month, amount::text, paid_amount::text, status, details, updated_at`

type scannable interface {
	Scan(dest ...any) error
}

func scanBill(row scannable) (*bill.Bill, error) {
	var (
		b            bill.Bill
		amount, paid string
		status       string
		rawDetails   []byte
	)
	if err := row.Scan(&b.SubscriberNo, &b.Month, &amount, &paid, &status, &rawDetails, &b.UpdatedAt); err != nil {
		return nil, err
	}

	var err error
	if b.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parsing amount %q: %w", amount, err)
	}
	if b.PaidAmount, err = decimal.NewFromString(paid); err != nil {
		return nil, fmt.Errorf("parsing paid_amount %q: %w", paid, err)
	}
	b.Status = bill.Status(status)
	if len(rawDetails) > 0 {
		if err := json.Unmarshal(rawDetails, &b.Details); err != nil {
			return nil, fmt.Errorf("decoding details: %w", err)
		}
	}
	return &b, nil
}

// notFoundWrap maps pgx.ErrNoRows to bill.ErrNotFound.
func notFoundWrap(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", msg, bill.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func detailsJSON(d bill.Details) ([]byte, error) {
	if d == nil {
		d = bill.Details{}
	}
	return json.Marshal(d)
}
