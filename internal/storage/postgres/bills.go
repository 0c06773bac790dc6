package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/alecgard/billgate/internal/bill"
)

// Get implements bill.Store.
func (s *Store) Get(ctx context.Context, subscriberNo, month string) (*bill.Bill, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+billColumns+` FROM bills WHERE subscriber_no = $1 AND month = $2`,
		subscriberNo, month,
	)
	b, err := scanBill(row)
	if err != nil {
		return nil, notFoundWrap(err, "getting bill %s/%s", subscriberNo, month)
	}
	return b, nil
}

// Set implements bill.Store. The subscriber row is created on first use.
func (s *Store) Set(ctx context.Context, b *bill.Bill) error {
	return s.withRetry(ctx, func() error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("beginning transaction: %w", err)
		}
		defer tx.Rollback(ctx) //nolint:errcheck

		if err := upsertBill(ctx, tx, b); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
}

// BatchSet implements bill.Store. All bills are written in one transaction.
func (s *Store) BatchSet(ctx context.Context, bills []*bill.Bill) error {
	if len(bills) == 0 {
		return nil
	}
	return s.withRetry(ctx, func() error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("beginning transaction: %w", err)
		}
		defer tx.Rollback(ctx) //nolint:errcheck

		batch := &pgx.Batch{}
		for _, b := range bills {
			details, err := detailsJSON(b.Details)
			if err != nil {
				return err
			}
			batch.Queue(insertSubscriberSQL, b.SubscriberNo)
			batch.Queue(upsertBillSQL,
				b.SubscriberNo, b.Month, b.Amount.String(), b.PaidAmount.String(), string(b.Status), string(details))
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("batch writing %d bills: %w", len(bills), err)
		}
		return tx.Commit(ctx)
	})
}

const insertSubscriberSQL = `INSERT INTO subscribers (subscriber_no) VALUES ($1)
	ON CONFLICT (subscriber_no) DO NOTHING`

const upsertBillSQL = `INSERT INTO bills (subscriber_no, month, amount, paid_amount, status, details, updated_at)
	VALUES ($1, $2, $3::numeric, $4::numeric, $5, $6::jsonb, now())
	ON CONFLICT (subscriber_no, month) DO UPDATE SET
		amount = excluded.amount,
		paid_amount = excluded.paid_amount,
		status = excluded.status,
		details = excluded.details,
		updated_at = excluded.updated_at`

func upsertBill(ctx context.Context, tx pgx.Tx, b *bill.Bill) error {
	details, err := detailsJSON(b.Details)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, insertSubscriberSQL, b.SubscriberNo); err != nil {
		return fmt.Errorf("ensuring subscriber %s: %w", b.SubscriberNo, err)
	}
	if _, err := tx.Exec(ctx, upsertBillSQL,
		b.SubscriberNo, b.Month, b.Amount.String(), b.PaidAmount.String(), string(b.Status), string(details),
	); err != nil {
		return fmt.Errorf("writing bill %s/%s: %w", b.SubscriberNo, b.Month, err)
	}
	return nil
}

// Update implements bill.Store. Nil patch fields keep their stored value.
func (s *Store) Update(ctx context.Context, subscriberNo, month string, patch bill.Patch) error {
	var paid, status, details *string
	if patch.PaidAmount != nil {
		v := patch.PaidAmount.String()
		paid = &v
	}
	if patch.Status != nil {
		v := string(*patch.Status)
		status = &v
	}
	if patch.Details != nil {
		js, err := detailsJSON(patch.Details)
		if err != nil {
			return err
		}
		v := string(js)
		details = &v
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE bills SET
			paid_amount = COALESCE($3::numeric, paid_amount),
			status = COALESCE($4, status),
			details = COALESCE($5::jsonb, details),
			updated_at = now()
		 WHERE subscriber_no = $1 AND month = $2`,
		subscriberNo, month, paid, status, details,
	)
	if err != nil {
		return fmt.Errorf("updating bill %s/%s: %w", subscriberNo, month, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("updating bill %s/%s: %w", subscriberNo, month, bill.ErrNotFound)
	}
	return nil
}

// RunAtomic implements bill.Store. The bill row is locked with SELECT ... FOR
// UPDATE for the duration of fn, so concurrent payments serialize.
func (s *Store) RunAtomic(ctx context.Context, subscriberNo, month string, fn bill.MutateFunc) (*bill.Bill, error) {
	var out *bill.Bill
	err := s.withRetry(ctx, func() error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("beginning transaction: %w", err)
		}
		defer tx.Rollback(ctx) //nolint:errcheck

		cur, err := scanBill(tx.QueryRow(ctx,
			`SELECT `+billColumns+` FROM bills WHERE subscriber_no = $1 AND month = $2 FOR UPDATE`,
			subscriberNo, month,
		))
		if err != nil {
			return notFoundWrap(err, "locking bill %s/%s", subscriberNo, month)
		}

		patch, err := fn(*cur.Clone())
		if err != nil {
			return err
		}
		cur.Apply(patch)

		details, err := detailsJSON(cur.Details)
		if err != nil {
			return err
		}
		if err := tx.QueryRow(ctx,
			`UPDATE bills SET paid_amount = $3::numeric, status = $4, details = $5::jsonb, updated_at = now()
			 WHERE subscriber_no = $1 AND month = $2
			 RETURNING updated_at`,
			subscriberNo, month, cur.PaidAmount.String(), string(cur.Status), string(details),
		).Scan(&cur.UpdatedAt); err != nil {
			return fmt.Errorf("committing bill %s/%s: %w", subscriberNo, month, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("committing transaction: %w", err)
		}
		out = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListByStatus implements bill.Store.
func (s *Store) ListByStatus(ctx context.Context, subscriberNo string, status bill.Status) ([]*bill.Bill, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+billColumns+` FROM bills
		 WHERE subscriber_no = $1 AND status = $2
		 ORDER BY month`,
		subscriberNo, string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("listing bills: %w", err)
	}
	defer rows.Close()

	var bills []*bill.Bill
	for rows.Next() {
		b, err := scanBill(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning bill row: %w", err)
		}
		bills = append(bills, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating bill rows: %w", err)
	}
	return bills, nil
}
