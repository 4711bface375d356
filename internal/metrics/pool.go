package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// poolCollector reads pgxpool statistics at scrape time rather than
// mirroring them into long-lived gauges.
type poolCollector struct {
	pool *pgxpool.Pool

	connections     *prometheus.Desc
	maxConnections  *prometheus.Desc
	acquires        *prometheus.Desc
	emptyAcquires   *prometheus.Desc
	canceledAcquire *prometheus.Desc
	acquireSeconds  *prometheus.Desc
}

// RegisterPoolMetrics exposes connection pool state under formz_db_pool_*.
func RegisterPoolMetrics(reg prometheus.Registerer, pool *pgxpool.Pool) {
	reg.MustRegister(newPoolCollector(pool))
}

func newPoolCollector(pool *pgxpool.Pool) *poolCollector {
	return &poolCollector{
		pool: pool,
		connections: prometheus.NewDesc(
			"formz_db_pool_connections",
			"Database connections in the pool by state.",
			[]string{"state"}, nil,
		),
		maxConnections: prometheus.NewDesc(
			"formz_db_pool_max_connections",
			"Configured upper bound on pool connections.",
			nil, nil,
		),
		acquires: prometheus.NewDesc(
			"formz_db_pool_acquires_total",
			"Successful connection acquisitions.",
			nil, nil,
		),
		emptyAcquires: prometheus.NewDesc(
			"formz_db_pool_empty_acquires_total",
			"Acquisitions that had to wait for a connection.",
			nil, nil,
		),
		canceledAcquire: prometheus.NewDesc(
			"formz_db_pool_canceled_acquires_total",
			"Acquisitions abandoned because the caller's context ended.",
			nil, nil,
		),
		acquireSeconds: prometheus.NewDesc(
			"formz_db_pool_acquire_seconds_total",
			"Cumulative time spent acquiring connections.",
			nil, nil,
		),
	}
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.connections
	ch <- c.maxConnections
	ch <- c.acquires
	ch <- c.emptyAcquires
	ch <- c.canceledAcquire
	ch <- c.acquireSeconds
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	stat := c.pool.Stat()

	states := map[string]int32{
		"acquired":     stat.AcquiredConns(),
		"idle":         stat.IdleConns(),
		"constructing": stat.ConstructingConns(),
		"total":        stat.TotalConns(),
	}
	for state, n := range states {
		ch <- prometheus.MustNewConstMetric(c.connections, prometheus.GaugeValue, float64(n), state)
	}

	ch <- prometheus.MustNewConstMetric(c.maxConnections, prometheus.GaugeValue, float64(stat.MaxConns()))
	ch <- prometheus.MustNewConstMetric(c.acquires, prometheus.CounterValue, float64(stat.AcquireCount()))
	ch <- prometheus.MustNewConstMetric(c.emptyAcquires, prometheus.CounterValue, float64(stat.EmptyAcquireCount()))
	ch <- prometheus.MustNewConstMetric(c.canceledAcquire, prometheus.CounterValue, float64(stat.CanceledAcquireCount()))
	ch <- prometheus.MustNewConstMetric(c.acquireSeconds, prometheus.CounterValue, stat.AcquireDuration().Seconds())
}
