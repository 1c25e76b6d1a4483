package stratum

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics for the stratum core. Collection is off until a server
// with Config.MetricsEnabled is constructed; every recorder checks the flag
// so disabled servers pay nothing beyond an atomic load.
var (
	metricsEnabled atomic.Bool

	stratumActiveConns      prometheus.Gauge
	stratumConnectionsTotal prometheus.Counter
	stratumSharesTotal      *prometheus.CounterVec
	stratumBansTotal        prometheus.Counter
	stratumBroadcastsTotal  prometheus.Counter
	stratumFloodsTotal      prometheus.Counter
	stratumMalformedTotal   prometheus.Counter
)

func init() {
	stratumActiveConns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stratum_active_connections",
			Help: "Number of active stratum connections",
		},
	)

	stratumConnectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stratum_connections_total",
			Help: "Total number of stratum connections accepted",
		},
	)

	stratumSharesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratum_shares_total",
			Help: "Total number of shares submitted",
		},
		[]string{"status"}, // status: valid, invalid, rejected
	)

	stratumBansTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stratum_bans_total",
			Help: "Total number of IP bans issued",
		},
	)

	stratumBroadcastsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stratum_job_broadcasts_total",
			Help: "Total number of mining job broadcasts",
		},
	)

	stratumFloodsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stratum_socket_floods_total",
			Help: "Total number of connections dropped by the flood guard",
		},
	)

	stratumMalformedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stratum_malformed_messages_total",
			Help: "Total number of connections dropped for malformed messages",
		},
	)

	prometheus.MustRegister(
		stratumActiveConns,
		stratumConnectionsTotal,
		stratumSharesTotal,
		stratumBansTotal,
		stratumBroadcastsTotal,
		stratumFloodsTotal,
		stratumMalformedTotal,
	)
}

// recordConnectionAccepted increments total and active connection counts.
func recordConnectionAccepted() {
	if !metricsEnabled.Load() {
		return
	}
	stratumConnectionsTotal.Inc()
	stratumActiveConns.Inc()
}

// recordConnectionClosed decrements the active connection count.
func recordConnectionClosed() {
	if !metricsEnabled.Load() {
		return
	}
	stratumActiveConns.Dec()
}

// recordShare records a share submission outcome.
// status should be "valid", "invalid", or "rejected".
func recordShare(status string) {
	if !metricsEnabled.Load() {
		return
	}
	stratumSharesTotal.WithLabelValues(status).Inc()
}

// recordBan increments the ban counter.
func recordBan() {
	if !metricsEnabled.Load() {
		return
	}
	stratumBansTotal.Inc()
}

// recordBroadcast increments the job broadcast counter.
func recordBroadcast() {
	if !metricsEnabled.Load() {
		return
	}
	stratumBroadcastsTotal.Inc()
}

// recordFlood increments the flood guard counter.
func recordFlood() {
	if !metricsEnabled.Load() {
		return
	}
	stratumFloodsTotal.Inc()
}

// recordMalformed increments the malformed message counter.
func recordMalformed() {
	if !metricsEnabled.Load() {
		return
	}
	stratumMalformedTotal.Inc()
}
