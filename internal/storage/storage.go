// Package storage opens the configured backend for bills, query counters and
// the tool call journal.
package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alecgard/billgate/internal/bill"
	"github.com/alecgard/billgate/internal/config"
	"github.com/alecgard/billgate/internal/metering"
	"github.com/alecgard/billgate/internal/metrics"
	"github.com/alecgard/billgate/internal/quota"
	"github.com/alecgard/billgate/internal/storage/dynamo"
	"github.com/alecgard/billgate/internal/storage/memory"
	"github.com/alecgard/billgate/internal/storage/postgres"
)

// Backend bundles the three persistence roles served by one driver.
type Backend struct {
	Driver  string
	Bills   bill.Store
	Counter quota.Counter
	Journal metering.BatchInserter

	ping  func(context.Context) error
	close func()
}

// Ping checks backend connectivity.
func (b *Backend) Ping(ctx context.Context) error {
	return b.ping(ctx)
}

// Close releases backend resources.
func (b *Backend) Close() {
	if b.close != nil {
		b.close()
	}
}

// Open connects to the backend selected by cfg.Database.Driver. Store
// conflicts are counted on m, which may be nil.
func Open(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (*Backend, error) {
	switch cfg.Database.Driver {
	case config.DriverMemory:
		// The in-process journal is lost on exit, so tool calls are also logged.
		s := memory.New()
		journal := metering.MultiInserter{s, metering.NewLogInserter(nil)}
		return &Backend{Driver: cfg.Database.Driver, Bills: s, Counter: s, Journal: journal, ping: s.Ping}, nil

	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("connecting to database: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("pinging database: %w", err)
		}
		m.RegisterDBPoolCollector(func() metrics.DBPoolStats {
			stat := pool.Stat()
			return metrics.DBPoolStats{
				Total:         stat.TotalConns(),
				Idle:          stat.IdleConns(),
				Acquired:      stat.AcquiredConns(),
				Max:           stat.MaxConns(),
				EmptyAcquires: stat.EmptyAcquireCount(),
				AcquireWait:   stat.AcquireDuration(),
			}
		})
		s := postgres.NewStore(pool,
			postgres.WithMaxRetries(cfg.Database.MaxRetries),
			postgres.WithConflictHook(func() { m.IncStoreConflict(config.DriverPostgres) }),
		)
		return &Backend{Driver: cfg.Database.Driver, Bills: s, Counter: s, Journal: s, ping: s.Ping, close: pool.Close}, nil

	case config.DriverDynamoDB:
		client, err := dynamo.NewClient(ctx, dynamo.ClientConfig{
			Region:   cfg.DynamoDB.Region,
			Endpoint: cfg.DynamoDB.Endpoint,
		})
		if err != nil {
			return nil, err
		}
		s := dynamo.NewStore(client, cfg.DynamoDB.Table,
			dynamo.WithMaxRetries(cfg.Database.MaxRetries),
			dynamo.WithConflictHook(func() { m.IncStoreConflict(config.DriverDynamoDB) }),
		)
		return &Backend{Driver: cfg.Database.Driver, Bills: s, Counter: s, Journal: s, ping: s.Ping}, nil
	}
	return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
}
