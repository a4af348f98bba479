package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for pgdog.
type Metrics struct {
	// Counters
	ClientConnectionsTotal  *prometheus.CounterVec
	QueriesTotal            *prometheus.CounterVec
	BackendAcquireTotal     *prometheus.CounterVec
	StatementsPreparedTotal *prometheus.CounterVec
	StatementsEvictedTotal  *prometheus.CounterVec
	ErrorsTotal             *prometheus.CounterVec

	// Gauges
	ClientConnectionsActive     *prometheus.GaugeVec
	BackendPoolConnectionsTotal *prometheus.GaugeVec
	BackendPoolConnectionsIdle  *prometheus.GaugeVec
	RegistryStatements          *prometheus.GaugeVec

	// Histograms
	BackendAcquireDuration *prometheus.HistogramVec
}

// DefaultMetrics creates a new Metrics instance with all metrics registered
// on the default registerer.
func DefaultMetrics() *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer)
}

// NewMetrics creates a new Metrics instance registered on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ClientConnectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgdog_client_connections_total",
				Help: "Total number of client connections",
			},
			[]string{"database"},
		),
		QueriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgdog_queries_total",
				Help: "Total number of queries relayed",
			},
			[]string{"database", "protocol"},
		),
		BackendAcquireTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgdog_backend_acquire_total",
				Help: "Total number of server connection acquisitions",
			},
			[]string{"database", "status"},
		),
		StatementsPreparedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgdog_statements_prepared_total",
				Help: "Prepared statement installs on server connections, by outcome",
			},
			[]string{"database", "outcome"},
		),
		StatementsEvictedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgdog_statements_evicted_total",
				Help: "Statements evicted from the shared registry",
			},
			[]string{"database"},
		),
		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgdog_errors_total",
				Help: "Total number of errors by type",
			},
			[]string{"type"},
		),

		ClientConnectionsActive: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgdog_client_connections_active",
				Help: "Number of active client connections",
			},
			[]string{"database"},
		),
		BackendPoolConnectionsTotal: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgdog_backend_pool_connections_total",
				Help: "Total connections in the server pool",
			},
			[]string{"database"},
		),
		BackendPoolConnectionsIdle: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgdog_backend_pool_connections_idle",
				Help: "Idle connections in the server pool",
			},
			[]string{"database"},
		),
		RegistryStatements: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgdog_registry_statements",
				Help: "Statements currently interned in the shared registry",
			},
			[]string{"database"},
		),

		BackendAcquireDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgdog_backend_acquire_duration_seconds",
				Help:    "Time to acquire a server connection in seconds",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15), // 0.1ms to ~3.2s
			},
			[]string{"database"},
		),
	}
}

// RecordClientConnection increments the connection counter and gauge.
func (m *Metrics) RecordClientConnection(database string) {
	if m == nil {
		return
	}
	m.ClientConnectionsTotal.WithLabelValues(database).Inc()
	m.ClientConnectionsActive.WithLabelValues(database).Inc()
}

// RecordClientDisconnect decrements the active connections gauge.
func (m *Metrics) RecordClientDisconnect(database string) {
	if m == nil {
		return
	}
	m.ClientConnectionsActive.WithLabelValues(database).Dec()
}

// RecordQuery records one relayed query. protocol is "simple" or "extended".
func (m *Metrics) RecordQuery(database, protocol string) {
	if m == nil {
		return
	}
	m.QueriesTotal.WithLabelValues(database, protocol).Inc()
}

// RecordBackendAcquire records a server connection acquisition.
func (m *Metrics) RecordBackendAcquire(database string, durationSeconds float64, success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.BackendAcquireTotal.WithLabelValues(database, status).Inc()
	m.BackendAcquireDuration.WithLabelValues(database).Observe(durationSeconds)
}

// RecordStatementPrepared records an EnsurePrepared outcome. outcome is one
// of "installed", "cached", or "error".
func (m *Metrics) RecordStatementPrepared(database, outcome string) {
	if m == nil {
		return
	}
	m.StatementsPreparedTotal.WithLabelValues(database, outcome).Inc()
}

// RecordStatementsEvicted records n registry evictions.
func (m *Metrics) RecordStatementsEvicted(database string, n uint64) {
	if m == nil || n == 0 {
		return
	}
	m.StatementsEvictedTotal.WithLabelValues(database).Add(float64(n))
}

// RecordError records an error.
func (m *Metrics) RecordError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}

// UpdatePoolStats updates the server pool and registry gauges.
func (m *Metrics) UpdatePoolStats(database string, total, idle, registrySize int) {
	if m == nil {
		return
	}
	m.BackendPoolConnectionsTotal.WithLabelValues(database).Set(float64(total))
	m.BackendPoolConnectionsIdle.WithLabelValues(database).Set(float64(idle))
	m.RegistryStatements.WithLabelValues(database).Set(float64(registrySize))
}
