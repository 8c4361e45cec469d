package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PoolStats is a snapshot of the connection pool. It mirrors the parts of
// pgxpool.Stat the ledger cares about without importing pgxpool.
type PoolStats struct {
	Total, Idle, Acquired, Max int32

	// EmptyAcquires counts acquires that had to wait for a connection.
	EmptyAcquires   int64
	AcquireDuration time.Duration
}

// PoolStatFunc returns the current pool snapshot.
type PoolStatFunc func() PoolStats

type poolGauge struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func(PoolStats) float64
}

type dbPoolCollector struct {
	stat   PoolStatFunc
	gauges []poolGauge
}

func newDBPoolCollector(stat PoolStatFunc) *dbPoolCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("agentpay_db_pool_"+name, help, nil, nil)
	}
	return &dbPoolCollector{
		stat: stat,
		gauges: []poolGauge{
			{desc("total_conns", "Connections currently open."), prometheus.GaugeValue,
				func(s PoolStats) float64 { return float64(s.Total) }},
			{desc("idle_conns", "Open connections not in use."), prometheus.GaugeValue,
				func(s PoolStats) float64 { return float64(s.Idle) }},
			{desc("acquired_conns", "Connections checked out by ledger operations."), prometheus.GaugeValue,
				func(s PoolStats) float64 { return float64(s.Acquired) }},
			{desc("max_conns", "Configured pool size."), prometheus.GaugeValue,
				func(s PoolStats) float64 { return float64(s.Max) }},
			{desc("empty_acquires_total", "Acquires that waited for a free connection."), prometheus.CounterValue,
				func(s PoolStats) float64 { return float64(s.EmptyAcquires) }},
			{desc("acquire_seconds_total", "Cumulative time spent acquiring connections."), prometheus.CounterValue,
				func(s PoolStats) float64 { return s.AcquireDuration.Seconds() }},
		},
	}
}

func (c *dbPoolCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, g := range c.gauges {
		ch <- g.desc
	}
}

func (c *dbPoolCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stat()
	for _, g := range c.gauges {
		ch <- prometheus.MustNewConstMetric(g.desc, g.kind, g.value(s))
	}
}
