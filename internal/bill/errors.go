package bill

import (
	"errors"

	"github.com/alecgard/billgate/internal/quota"
)

// Errors returned by the billing operations and the stores behind them.
var (
	ErrNotFound        = errors.New("bill not found")
	ErrRateLimited     = errors.New("daily query limit exceeded")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrConflict        = errors.New("bill was modified concurrently")
	ErrUpstream        = errors.New("upstream failure")
)

// QuotaError carries the quota decision that rejected a query so callers can
// report the limit back to the client. It matches ErrRateLimited.
type QuotaError struct {
	Decision quota.Decision
}

func (e *QuotaError) Error() string { return ErrRateLimited.Error() }

func (e *QuotaError) Unwrap() error { return ErrRateLimited }
