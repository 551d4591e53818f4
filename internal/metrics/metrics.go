// Package metrics exposes Prometheus collectors for the execution service
// and persists per-execution records for offline analysis.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	instance *Metrics
)

// Metrics holds every Prometheus collector. Registered once on first Get.
type Metrics struct {
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	StateSize         prometheus.Histogram

	PoolWarm         *prometheus.GaugeVec
	PoolInUse        *prometheus.GaugeVec
	PoolAcquisitions *prometheus.CounterVec
	PoolExhaustions  *prometheus.CounterVec

	EventsDropped prometheus.Gauge
}

// Get returns the process-wide Metrics instance.
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

func newMetrics() *Metrics {
	m := &Metrics{}

	m.ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "runbox",
			Subsystem: "exec",
			Name:      "executions_total",
			Help:      "Completed executions by language and outcome",
		},
		[]string{"language", "outcome"},
	)

	m.ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "runbox",
			Subsystem: "exec",
			Name:      "duration_seconds",
			Help:      "End-to-end execution duration in seconds",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"language"},
	)

	m.StateSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "runbox",
			Subsystem: "state",
			Name:      "blob_bytes",
			Help:      "Size of saved namespace state blobs",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
		},
	)

	m.PoolWarm = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "runbox",
			Subsystem: "pool",
			Name:      "warm_sandboxes",
			Help:      "Warm sandboxes ready per language",
		},
		[]string{"language"},
	)

	m.PoolInUse = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "runbox",
			Subsystem: "pool",
			Name:      "in_use_sandboxes",
			Help:      "Leased sandboxes per language",
		},
		[]string{"language"},
	)

	m.PoolAcquisitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "runbox",
			Subsystem: "pool",
			Name:      "acquisitions_total",
			Help:      "Sandbox acquisitions by language and source (pool or fresh)",
		},
		[]string{"language", "source"},
	)

	m.PoolExhaustions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "runbox",
			Subsystem: "pool",
			Name:      "exhaustions_total",
			Help:      "Times a warm queue was found empty",
		},
		[]string{"language"},
	)

	m.EventsDropped = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "runbox",
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Events lost to full bus buffers",
		},
	)

	return m
}
