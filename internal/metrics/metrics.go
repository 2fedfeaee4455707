package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ============================================
	// Chain monitors
	// ============================================
	ActiveMonitors = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "backend_active_monitors",
			Help: "Number of running chain monitors",
		},
		[]string{"family"},
	)

	MonitorPollErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_monitor_poll_errors_total",
			Help: "Total number of failed monitor polls or subscriptions",
		},
		[]string{"chain", "family"},
	)

	MonitorStopped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_monitor_stopped_total",
			Help: "Total number of monitors stopped, by reason",
		},
		[]string{"family", "reason"},
	)

	// ============================================
	// Hand-off and pending store
	// ============================================
	DepositHandoffs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_deposit_handoffs_total",
			Help: "Total number of deposit hand-offs, by result",
		},
		[]string{"chain", "result"},
	)

	PendingTransfers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backend_pending_transfers",
		Help: "Pending transfers seen by the last reconciliation pass",
	})

	PendingEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_pending_evictions_total",
			Help: "Total number of pending transfers evicted, by reason",
		},
		[]string{"reason"},
	)

	ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "backend_reconcile_duration_seconds",
		Help:    "Reconciliation pass duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// ============================================
	// Custodial leases
	// ============================================
	CustodialLeasesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backend_custodial_leases_active",
		Help: "Number of live custodial address leases",
	})

	CustodialAddresses = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "backend_custodial_addresses",
			Help: "Number of active custodial addresses registered per chain",
		},
		[]string{"chain"},
	)

	CustodialPoolExhausted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_custodial_pool_exhausted_total",
			Help: "Total number of allocation requests with no free custodial address",
		},
		[]string{"chain"},
	)

	// ============================================
	// Database
	// ============================================
	DBConnectionPoolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backend_db_connection_pool_size",
		Help: "Database connection pool size",
	})

	DBConnectionActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backend_db_connection_active",
		Help: "Number of active database connections",
	})

	DBConnectionIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backend_db_connection_idle",
		Help: "Number of idle database connections",
	})

	DBConnectionStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backend_db_connection_status",
		Help: "Database connection status (1=healthy, 0=unhealthy)",
	})

	// ============================================
	// Connections
	// ============================================
	ConnectionPoolDials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_connection_pool_dials_total",
			Help: "Total number of chain connection dials, by kind and result",
		},
		[]string{"chain", "kind", "result"},
	)

	NATSConnectionStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backend_nats_connection_status",
		Help: "NATS connection status (1=connected, 0=disconnected)",
	})

	WebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backend_websocket_connections",
		Help: "Number of open watch-session websocket connections",
	})
)
