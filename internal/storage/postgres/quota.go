package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// IncrementWithCeiling implements quota.Counter as a single upsert. The
// conflict branch only fires when the stored day differs (reset to 1) or the
// stored count is still below ceiling; otherwise no row is returned.
func (s *Store) IncrementWithCeiling(ctx context.Context, subscriberNo, day string, ceiling int) (int, bool, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`INSERT INTO subscribers (subscriber_no, last_query_date, daily_query_count)
		 VALUES ($1, $2::date, 1)
		 ON CONFLICT (subscriber_no) DO UPDATE SET
			daily_query_count = CASE
				WHEN subscribers.last_query_date IS DISTINCT FROM excluded.last_query_date THEN 1
				ELSE subscribers.daily_query_count + 1
			END,
			last_query_date = excluded.last_query_date
		 WHERE subscribers.last_query_date IS DISTINCT FROM excluded.last_query_date
			OR subscribers.daily_query_count < $3
		 RETURNING daily_query_count`,
		subscriberNo, day, ceiling,
	).Scan(&count)
	if err == nil {
		return count, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, fmt.Errorf("incrementing query count for %s: %w", subscriberNo, err)
	}

	if err := s.pool.QueryRow(ctx,
		`SELECT daily_query_count FROM subscribers WHERE subscriber_no = $1`,
		subscriberNo,
	).Scan(&count); err != nil {
		return 0, false, fmt.Errorf("reading query count for %s: %w", subscriberNo, err)
	}
	return count, false, nil
}
