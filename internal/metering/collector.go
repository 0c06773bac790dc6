package metering

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alecgard/billgate/internal/metrics"
)

// BatchInserter is the interface used by Collector to persist tool calls.
// It exists to allow testing without a real database.
type BatchInserter interface {
	BatchInsert(ctx context.Context, calls []ToolCall) error
}

// Collector buffers tool calls in memory and periodically flushes them to the
// store in batches. It is safe for concurrent use.
type Collector struct {
	store         BatchInserter
	metrics       *metrics.Metrics
	buffer        []ToolCall
	mu            sync.Mutex
	batchSize     int
	flushInterval time.Duration
	done          chan struct{}
	stopOnce      sync.Once
}

// NewCollector creates a new Collector that flushes to the given store when the
// buffer reaches batchSize or every flushInterval, whichever comes first.
// m may be nil.
func NewCollector(store BatchInserter, batchSize int, flushInterval time.Duration, m *metrics.Metrics) *Collector {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &Collector{
		store:         store,
		metrics:       m,
		buffer:        make([]ToolCall, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		done:          make(chan struct{}),
	}
}

// Start begins flushing buffered calls on a timer. It blocks until Stop is
// called or the context is cancelled, flushing once more before returning.
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.flush()
		case <-ctx.Done():
			c.flush()
			return
		case <-c.done:
			c.flush()
			return
		}
	}
}

// Record adds a tool call to the buffer. If the buffer reaches batchSize,
// a flush is triggered immediately.
func (c *Collector) Record(call ToolCall) {
	c.mu.Lock()
	c.buffer = append(c.buffer, call)
	size := len(c.buffer)
	shouldFlush := size >= c.batchSize
	c.mu.Unlock()

	c.metrics.IncJournalRecords()
	c.metrics.SetJournalBuffer(size)

	if shouldFlush {
		c.flush()
	}
}

// flush drains all buffered calls and writes them to the store. It logs
// errors rather than returning them so callers are not blocked.
func (c *Collector) flush() {
	c.mu.Lock()
	if len(c.buffer) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.buffer
	c.buffer = make([]ToolCall, 0, c.batchSize)
	c.mu.Unlock()

	c.metrics.SetJournalBuffer(0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	err := c.store.BatchInsert(ctx, batch)
	c.metrics.ObserveJournalFlush(time.Since(start).Seconds(), err)
	if err != nil {
		slog.Error("failed to flush tool call journal", "count", len(batch), "error", err)
	}
}

// Stop signals the background goroutine to exit and performs a final flush.
// It is safe to call more than once.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
}
