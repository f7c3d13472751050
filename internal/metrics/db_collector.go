package metrics

import "github.com/prometheus/client_golang/prometheus"

// PoolStatFunc returns connection pool statistics without importing the
// pool's driver.
type PoolStatFunc func() (total, idle, acquired int32)

// DBPoolStatFunc reports the pgx pool.
type DBPoolStatFunc = PoolStatFunc

// poolCollector implements prometheus.Collector for one connection pool.
type poolCollector struct {
	statFunc PoolStatFunc

	totalDesc    *prometheus.Desc
	idleDesc     *prometheus.Desc
	acquiredDesc *prometheus.Desc
}

// NewDBPoolCollector creates a collector that exposes the Postgres pool gauges.
func NewDBPoolCollector(statFunc DBPoolStatFunc) prometheus.Collector {
	return newPoolCollector("tollgate_db_pool", "DB", statFunc)
}

// NewCachePoolCollector exposes the Redis client pool. Acquired is
// total minus idle.
func NewCachePoolCollector(statFunc PoolStatFunc) prometheus.Collector {
	return newPoolCollector("tollgate_cache_pool", "cache", statFunc)
}

func newPoolCollector(prefix, what string, statFunc PoolStatFunc) *poolCollector {
	return &poolCollector{
		statFunc: statFunc,
		totalDesc: prometheus.NewDesc(
			prefix+"_total_conns",
			"Total number of connections in the "+what+" pool.",
			nil, nil,
		),
		idleDesc: prometheus.NewDesc(
			prefix+"_idle_conns",
			"Number of idle connections in the "+what+" pool.",
			nil, nil,
		),
		acquiredDesc: prometheus.NewDesc(
			prefix+"_acquired_conns",
			"Number of acquired connections in the "+what+" pool.",
			nil, nil,
		),
	}
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.totalDesc
	ch <- c.idleDesc
	ch <- c.acquiredDesc
}

// Collect fetches pool stats and sends them as metrics.
func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	total, idle, acquired := c.statFunc()
	ch <- prometheus.MustNewConstMetric(c.totalDesc, prometheus.GaugeValue, float64(total))
	ch <- prometheus.MustNewConstMetric(c.idleDesc, prometheus.GaugeValue, float64(idle))
	ch <- prometheus.MustNewConstMetric(c.acquiredDesc, prometheus.GaugeValue, float64(acquired))
}
