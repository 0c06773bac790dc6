// Package memory is an in-process storage backend. It serves local
// development and tests; all state is lost on restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alecgard/billgate/internal/bill"
	"github.com/alecgard/billgate/internal/metering"
)

type key struct {
	subscriberNo string
	month        string
}

// DefaultJournalLimit is how many journaled tool calls a Store retains.
const DefaultJournalLimit = 10000

type subscriber struct {
	lastQueryDate   string
	dailyQueryCount int
}

// Store keeps bills, subscriber counters and journaled tool calls in maps
// guarded by a single mutex, which makes every operation trivially atomic.
type Store struct {
	mu          sync.Mutex
	bills       map[key]*bill.Bill
	subscribers map[string]*subscriber
	toolCalls   []metering.ToolCall
	maxCalls    int
	now         func() time.Time
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		bills:       make(map[key]*bill.Bill),
		subscribers: make(map[string]*subscriber),
		maxCalls:    DefaultJournalLimit,
		now:         time.Now,
	}
}

// Get implements bill.Store.
func (s *Store) Get(_ context.Context, subscriberNo, month string) (*bill.Bill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bills[key{subscriberNo, month}]
	if !ok {
		return nil, bill.ErrNotFound
	}
	return b.Clone(), nil
}

// Set implements bill.Store.
func (s *Store) Set(_ context.Context, b *bill.Bill) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.setLocked(b)
	return nil
}

func (s *Store) setLocked(b *bill.Bill) {
	c := b.Clone()
	c.UpdatedAt = s.now().UTC()
	s.bills[key{b.SubscriberNo, b.Month}] = c
	if _, ok := s.subscribers[b.SubscriberNo]; !ok {
		s.subscribers[b.SubscriberNo] = &subscriber{}
	}
}

// Update implements bill.Store.
func (s *Store) Update(_ context.Context, subscriberNo, month string, patch bill.Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bills[key{subscriberNo, month}]
	if !ok {
		return bill.ErrNotFound
	}
	patch.Details = bill.CloneDetails(patch.Details)
	b.Apply(patch)
	b.UpdatedAt = s.now().UTC()
	return nil
}

// RunAtomic implements bill.Store. The mutex is held across fn, so no other
// writer can interleave.
func (s *Store) RunAtomic(_ context.Context, subscriberNo, month string, fn bill.MutateFunc) (*bill.Bill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bills[key{subscriberNo, month}]
	if !ok {
		return nil, bill.ErrNotFound
	}
	patch, err := fn(*b.Clone())
	if err != nil {
		return nil, err
	}
	patch.Details = bill.CloneDetails(patch.Details)
	b.Apply(patch)
	b.UpdatedAt = s.now().UTC()
	return b.Clone(), nil
}

// BatchSet implements bill.Store.
func (s *Store) BatchSet(_ context.Context, bills []*bill.Bill) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range bills {
		s.setLocked(b)
	}
	return nil
}

// ListByStatus implements bill.Store.
func (s *Store) ListByStatus(_ context.Context, subscriberNo string, status bill.Status) ([]*bill.Bill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*bill.Bill
	for k, b := range s.bills {
		if k.subscriberNo == subscriberNo && b.Status == status {
			out = append(out, b.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Month < out[j].Month })
	return out, nil
}

// IncrementWithCeiling implements quota.Counter.
func (s *Store) IncrementWithCeiling(_ context.Context, subscriberNo, day string, ceiling int) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscribers[subscriberNo]
	if !ok {
		sub = &subscriber{}
		s.subscribers[subscriberNo] = sub
	}
	if sub.lastQueryDate != day {
		sub.lastQueryDate = day
		sub.dailyQueryCount = 1
		return 1, true, nil
	}
	if sub.dailyQueryCount >= ceiling {
		return sub.dailyQueryCount, false, nil
	}
	sub.dailyQueryCount++
	return sub.dailyQueryCount, true, nil
}

// BatchInsert implements metering.BatchInserter.
func (s *Store) BatchInsert(_ context.Context, calls []metering.ToolCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.toolCalls = append(s.toolCalls, calls...)
	if over := len(s.toolCalls) - s.maxCalls; over > 0 {
		// Copy so the dropped prefix can be collected.
		s.toolCalls = append([]metering.ToolCall(nil), s.toolCalls[over:]...)
	}
	return nil
}

// SetJournalLimit changes how many of the most recent tool calls are kept.
// Values below 1 are ignored.
func (s *Store) SetJournalLimit(n int) {
	if n < 1 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxCalls = n
}

// ToolCalls returns a copy of the retained journaled tool calls, oldest first.
func (s *Store) ToolCalls() []metering.ToolCall {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]metering.ToolCall, len(s.toolCalls))
	copy(out, s.toolCalls)
	return out
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }
