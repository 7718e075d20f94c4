// Package telemetry defines the Prometheus metrics exported by the core.
// Metrics are registered once, at package init, via promauto, following
// the ambient instrumentation style of the rest of this codebase.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HSWNodesTotal tracks live (non-tombstoned) node count per shard.
	HSWNodesTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hektor_hsw_nodes_total",
			Help: "Number of live nodes in the HSW index, by shard",
		},
		[]string{"shard"},
	)

	// SearchDuration measures search latency, split by index kind so
	// HSW and the flat oracle can be compared directly in tests and
	// in production dashboards.
	SearchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hektor_search_duration_seconds",
			Help:    "Duration of a search call",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2},
		},
		[]string{"index_kind"},
	)

	// ReplicationQueueDepth tracks the pending-operation count in the
	// replication manager's queue, by the primary node that submitted
	// the operations.
	ReplicationQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hektor_replication_queue_depth",
			Help: "Number of pending replication operations, by node",
		},
		[]string{"node"},
	)

	// ShardItemsTotal tracks item counts per shard, the input to the
	// router's imbalance metric.
	ShardItemsTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hektor_shard_items_total",
			Help: "Number of items stored in a shard",
		},
		[]string{"shard"},
	)

	// FailoverTotal counts failover events, by outcome reason.
	FailoverTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hektor_failover_total",
			Help: "Total number of failover events triggered",
		},
		[]string{"reason"},
	)
)
