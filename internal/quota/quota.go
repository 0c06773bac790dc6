// Package quota enforces the per-subscriber daily query allowance.
//
// Each subscriber has one counter scoped to a calendar day. The first query of
// a new day resets the counter to 1; later queries the same day are allowed
// while the stored count is below the limit. A rejected query does not
// increment the counter. The increment-with-ceiling step is delegated to a
// Counter so that backends can perform it atomically.
package quota

import (
	"context"
	"fmt"
	"time"
)

// DayLayout is the ISO 8601 calendar date format used for counter days.
const DayLayout = "2006-01-02"

// Counter atomically increments a subscriber's counter for day unless the
// stored count for that same day has already reached ceiling. When the stored
// day differs from day the counter restarts at 1. It returns the count after
// the call and whether the call was admitted.
type Counter interface {
	IncrementWithCeiling(ctx context.Context, subscriberNo, day string, ceiling int) (count int, allowed bool, err error)
}

// Decision is the outcome of a quota check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Count   int    `json:"count"`
	Limit   int    `json:"limit"`
	Day     string `json:"day"`
}

// Remaining returns how many queries are left for the day.
func (d Decision) Remaining() int {
	r := d.Limit - d.Count
	if r < 0 {
		return 0
	}
	return r
}

// Limiter applies a fixed daily limit through a Counter.
type Limiter struct {
	counter  Counter
	limit    int
	loc      *time.Location
	now      func() time.Time // injectable clock for testing
	onReject []func()
	observe  func(Decision)
}

// New creates a Limiter allowing limit queries per subscriber per day in loc.
// A nil loc means the server's local time zone.
func New(counter Counter, limit int, loc *time.Location, onReject ...func()) *Limiter {
	if loc == nil {
		loc = time.Local
	}
	return &Limiter{
		counter:  counter,
		limit:    limit,
		loc:      loc,
		now:      time.Now,
		onReject: onReject,
	}
}

// Observe registers fn to receive every decision. It must be called before
// the Limiter is shared.
func (l *Limiter) Observe(fn func(Decision)) {
	l.observe = fn
}

// Limit returns the configured daily limit.
func (l *Limiter) Limit() int {
	return l.limit
}

// Day returns the counter day for t.
func (l *Limiter) Day(t time.Time) string {
	return t.In(l.loc).Format(DayLayout)
}

// CheckAndConsume admits or rejects one query for subscriberNo.
func (l *Limiter) CheckAndConsume(ctx context.Context, subscriberNo string) (Decision, error) {
	day := l.Day(l.now())
	count, allowed, err := l.counter.IncrementWithCeiling(ctx, subscriberNo, day, l.limit)
	if err != nil {
		return Decision{}, fmt.Errorf("consuming query quota: %w", err)
	}

	d := Decision{Allowed: allowed, Count: count, Limit: l.limit, Day: day}
	if l.observe != nil {
		l.observe(d)
	}
	if !allowed {
		for _, fn := range l.onReject {
			fn()
		}
	}
	return d, nil
}
