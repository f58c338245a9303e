// Package metrics provides Prometheus metrics for a replica pool.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the Prometheus registry for all replicastore metrics.
var Registry = prometheus.NewRegistry()

// PoolMetrics holds all Prometheus metrics of one pool.
type PoolMetrics struct {
	// Space gauges, in bytes
	TotalBytes     prometheus.Gauge
	FreeBytes      prometheus.Gauge
	PreciousBytes  prometheus.Gauge
	RemovableBytes prometheus.Gauge
	GapBytes       prometheus.Gauge
	RequestedBytes prometheus.Gauge
	Waiters        prometheus.Gauge
	LRUSeconds     prometheus.Gauge

	Replicas    *prometheus.GaugeVec   // labels: state
	Transitions *prometheus.CounterVec // labels: from, to
	Faults      prometheus.Counter

	// Sweeper counters
	Evictions         prometheus.Counter
	ReclaimedBytes    prometheus.Counter
	EvictionFailures  prometheus.Counter
	RemovableReplicas prometheus.Gauge

	PoolInfo *prometheus.GaugeVec // labels: pool, version
}

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// InitMetrics initializes all metrics with the pool name as a constant label.
func InitMetrics(poolName, version string) *PoolMetrics {
	constLabels := prometheus.Labels{
		"pool": poolName,
	}
	factory := promauto.With(Registry)

	m := &PoolMetrics{
		TotalBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "replicastore_space_total_bytes",
			Help:        "Size of the pool",
			ConstLabels: constLabels,
		}),
		FreeBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "replicastore_space_free_bytes",
			Help:        "Space neither used nor reserved",
			ConstLabels: constLabels,
		}),
		PreciousBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "replicastore_space_precious_bytes",
			Help:        "Space used by PRECIOUS replicas",
			ConstLabels: constLabels,
		}),
		RemovableBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "replicastore_space_removable_bytes",
			Help:        "Space the sweeper may reclaim",
			ConstLabels: constLabels,
		}),
		GapBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "replicastore_space_gap_bytes",
			Help:        "Free space the pool tries to keep",
			ConstLabels: constLabels,
		}),
		RequestedBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "replicastore_space_requested_bytes",
			Help:        "Space blocked allocations are waiting for",
			ConstLabels: constLabels,
		}),
		Waiters: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "replicastore_allocation_waiters",
			Help:        "Number of blocked allocations",
			ConstLabels: constLabels,
		}),
		LRUSeconds: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "replicastore_lru_seconds",
			Help:        "Age of the least recently used removable replica",
			ConstLabels: constLabels,
		}),

		Replicas: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "replicastore_replicas",
			Help:        "Number of replicas per state",
			ConstLabels: constLabels,
		}, []string{"state"}),
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "replicastore_state_transitions_total",
			Help:        "Replica state transitions",
			ConstLabels: constLabels,
		}, []string{"from", "to"}),
		Faults: factory.NewCounter(prometheus.CounterOpts{
			Name:        "replicastore_faults_total",
			Help:        "Faults reported by the repository",
			ConstLabels: constLabels,
		}),

		Evictions: factory.NewCounter(prometheus.CounterOpts{
			Name:        "replicastore_sweeper_evictions_total",
			Help:        "Replicas evicted by the sweeper",
			ConstLabels: constLabels,
		}),
		ReclaimedBytes: factory.NewCounter(prometheus.CounterOpts{
			Name:        "replicastore_sweeper_reclaimed_bytes_total",
			Help:        "Bytes reclaimed by the sweeper",
			ConstLabels: constLabels,
		}),
		EvictionFailures: factory.NewCounter(prometheus.CounterOpts{
			Name:        "replicastore_sweeper_failures_total",
			Help:        "Evictions that failed with an error",
			ConstLabels: constLabels,
		}),
		RemovableReplicas: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "replicastore_sweeper_removable_replicas",
			Help:        "Replicas indexed by the sweeper",
			ConstLabels: constLabels,
		}),

		PoolInfo: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "replicastore_pool_info",
			Help: "Pool information (value is always 1)",
		}, []string{"pool", "version"}),
	}

	m.PoolInfo.WithLabelValues(poolName, version).Set(1)

	return m
}
