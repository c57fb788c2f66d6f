// Package metrics provides Prometheus metrics for the node.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "ssnode"

var (
	// Controller metrics.
	SyncCyclesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "cycles_total",
		Help:      "Total number of user sync cycles by result.",
	}, []string{"result"}) // "applied", "unchanged", "skipped", "failed"
	UserOpsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "user_ops_total",
		Help:      "Total number of engine user operations.",
	}, []string{"op", "result"})
	UsersApplied = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "users_applied",
		Help:      "Number of users currently registered with the engine.",
	})
	EngineRestarts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "engine_restarts_total",
		Help:      "Total number of engine restarts caused by config changes.",
	})

	// Report metrics.
	ReportsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "report",
		Name:      "total",
		Help:      "Total number of traffic reports by result.",
	}, []string{"result"}) // "ok", "transient", "rejected"
	ReportedBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "report",
		Name:      "bytes_total",
		Help:      "Total bytes delivered to the panel.",
	}, []string{"direction"}) // "upload" or "download"
	PendingBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "report",
		Name:      "pending_bytes",
		Help:      "Bytes recorded but not yet delivered to the panel.",
	}, []string{"direction"})

	// Engine metrics.
	ConnectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "connections_total",
		Help:      "Total number of client connections or UDP associations.",
	}, []string{"network"})
	ConnectionsActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "connections_active",
		Help:      "Number of active client connections or UDP associations.",
	}, []string{"network"})
	AuthFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "auth_failures_total",
		Help:      "Total number of connections or packets matching no user key.",
	}, []string{"network"})
	DialErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "dial_errors_total",
		Help:      "Total number of outbound dial errors.",
	}, []string{"network"})

	// Relay metrics.
	RelayHealthy = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "healthy",
		Help:      "Whether the relay upstream is healthy (1) or not (0).",
	})
)

func init() {
	prometheus.MustRegister(
		SyncCyclesTotal,
		UserOpsTotal,
		UsersApplied,
		EngineRestarts,

		ReportsTotal,
		ReportedBytesTotal,
		PendingBytes,

		ConnectionsTotal,
		ConnectionsActive,
		AuthFailures,
		DialErrors,

		RelayHealthy,
	)
}
