package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/alecgard/billgate/internal/bill"
)

// SQLSTATE codes for transactions that may succeed when retried.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == codeSerializationFailure || pgErr.Code == codeDeadlockDetected
}

func newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = 0
	return b
}

// withRetry runs op, retrying serialization failures and deadlocks with
// exponential backoff. Every other error is returned as-is on first sight.
func (s *Store) withRetry(ctx context.Context, op func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(newBackOff(), s.maxRetries), ctx)
	err := backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if isRetryable(err) {
			s.onConflict()
			return err
		}
		return backoff.Permanent(err)
	}, b)
	if err != nil && isRetryable(err) {
		return fmt.Errorf("%w: %v", bill.ErrConflict, err)
	}
	return err
}
