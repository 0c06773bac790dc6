package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DBPoolStats is a snapshot of the connection pool, decoupled from pgxpool.
type DBPoolStats struct {
	Total    int32
	Idle     int32
	Acquired int32
	Max      int32

	// Acquires that found no idle connection and had to wait. Payments hold
	// a connection for the whole row-locked transaction, so this grows when
	// concurrent payments queue on the pool.
	EmptyAcquires int64
	AcquireWait   time.Duration
}

// DBPoolStatFunc returns the current pool statistics.
type DBPoolStatFunc func() DBPoolStats

type dbPoolCollector struct {
	stats DBPoolStatFunc

	total, idle, acquired, max *prometheus.Desc
	emptyAcquires, acquireWait *prometheus.Desc
}

// NewDBPoolCollector exposes pool gauges and the cumulative acquire wait.
func NewDBPoolCollector(stats DBPoolStatFunc) prometheus.Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("billgate_db_pool_"+name, help, nil, nil)
	}
	return &dbPoolCollector{
		stats:         stats,
		total:         desc("total_conns", "Connections currently open in the pool."),
		idle:          desc("idle_conns", "Idle connections in the pool."),
		acquired:      desc("acquired_conns", "Connections checked out of the pool."),
		max:           desc("max_conns", "Configured pool size."),
		emptyAcquires: desc("empty_acquires_total", "Acquires that waited because the pool had no idle connection."),
		acquireWait:   desc("acquire_wait_seconds_total", "Cumulative time spent waiting for a connection."),
	}
}

func (c *dbPoolCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{c.total, c.idle, c.acquired, c.max, c.emptyAcquires, c.acquireWait} {
		ch <- d
	}
}

func (c *dbPoolCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}
	gauge(c.total, float64(s.Total))
	gauge(c.idle, float64(s.Idle))
	gauge(c.acquired, float64(s.Acquired))
	gauge(c.max, float64(s.Max))
	ch <- prometheus.MustNewConstMetric(c.emptyAcquires, prometheus.CounterValue, float64(s.EmptyAcquires))
	ch <- prometheus.MustNewConstMetric(c.acquireWait, prometheus.CounterValue, s.AcquireWait.Seconds())
}
