package bill

import (
	"context"

	"github.com/alecgard/billgate/internal/quota"
)

// MutateFunc computes a patch from a consistent snapshot of a bill. It must
// not retain or mutate the snapshot; it may be invoked more than once when a
// store retries after a conflicting write.
type MutateFunc func(current Bill) (Patch, error)

// Store is the document abstraction over subscriber bills. Implementations
// return ErrNotFound for missing bills and ErrConflict when an atomic update
// could not be committed after retrying.
type Store interface {
	// Get returns the bill for (subscriberNo, month).
	Get(ctx context.Context, subscriberNo, month string) (*Bill, error)

	// Set creates or replaces a bill, creating its subscriber if needed.
	Set(ctx context.Context, b *Bill) error

	// Update merges patch into an existing bill.
	Update(ctx context.Context, subscriberNo, month string, patch Patch) error

	// RunAtomic reads the bill, applies fn and commits the resulting patch as
	// one atomic step. At most one commit happens per call.
	RunAtomic(ctx context.Context, subscriberNo, month string, fn MutateFunc) (*Bill, error)

	// BatchSet writes all bills as a single all-or-nothing unit.
	BatchSet(ctx context.Context, bills []*Bill) error

	// ListByStatus returns the subscriber's bills with the given status,
	// ordered by month.
	ListByStatus(ctx context.Context, subscriberNo string, status Status) ([]*Bill, error)
}

// QuotaChecker gates bill queries.
type QuotaChecker interface {
	CheckAndConsume(ctx context.Context, subscriberNo string) (quota.Decision, error)
}
