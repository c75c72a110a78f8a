// Package metrics exposes Prometheus collectors for the fan-out server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connection metrics
	LiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gathering_live_connections",
			Help: "Cluster-wide concurrent connections as last observed by this node",
		},
	)

	NodeLocalConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gathering_node_local_connections",
			Help: "Connections served by this node",
		},
	)

	AdmitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gathering_admits_total",
			Help: "Total admitted connections",
		},
	)

	RejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gathering_rejections_total",
			Help: "Total rejected connections by reason",
		},
		[]string{"reason"},
	)

	// Fan-out metrics
	BroadcastsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gathering_broadcasts_total",
			Help: "State updates broadcast by this node's gateway on client join and leave; tick, milestone and drain broadcasts are not counted",
		},
	)

	CoalescedDropsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gathering_coalesced_drops_total",
			Help: "State updates dropped from full client buffers",
		},
	)

	SlowClientClosesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gathering_slow_client_closes_total",
			Help: "Sockets closed because a critical message found a full buffer",
		},
	)

	// Tick metrics
	TickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gathering_tick_duration_seconds",
			Help:    "Accumulator tick duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	TicksSkippedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gathering_ticks_skipped_total",
			Help: "Accumulator ticks skipped due to store failures",
		},
	)

	// Milestone metrics
	MilestonesUnlocked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gathering_milestones_unlocked",
			Help: "Number of unlocked milestones",
		},
	)

	// Store metrics
	StoreErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gathering_store_errors_total",
			Help: "Total store operation failures observed",
		},
	)
)

// Register installs every collector into the default registry. Call once at
// startup.
func Register() {
	prometheus.MustRegister(
		LiveConnections,
		NodeLocalConnections,
		AdmitsTotal,
		RejectionsTotal,
		BroadcastsTotal,
		CoalescedDropsTotal,
		SlowClientClosesTotal,
		TickDuration,
		TicksSkippedTotal,
		MilestonesUnlocked,
		StoreErrorsTotal,
	)
}

// Handler returns the scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
