package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordStatementPrepared(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordStatementPrepared("main", "installed")
	m.RecordStatementPrepared("main", "installed")
	m.RecordStatementPrepared("main", "cached")
	m.RecordStatementPrepared("main", "error")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.StatementsPreparedTotal.WithLabelValues("main", "installed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StatementsPreparedTotal.WithLabelValues("main", "cached")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StatementsPreparedTotal.WithLabelValues("main", "error")))
}

func TestRecordStatementsEvicted(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordStatementsEvicted("main", 0)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.StatementsEvictedTotal.WithLabelValues("main")))

	m.RecordStatementsEvicted("main", 3)
	m.RecordStatementsEvicted("main", 2)
	assert.Equal(t, 5.0, testutil.ToFloat64(m.StatementsEvictedTotal.WithLabelValues("main")))
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.RecordClientConnection("main")
	m.RecordClientDisconnect("main")
	m.RecordQuery("main", "simple")
	m.RecordBackendAcquire("main", 0.1, true)
	m.RecordStatementPrepared("main", "installed")
	m.RecordStatementsEvicted("main", 1)
	m.RecordError("io")
	m.UpdatePoolStats("main", 1, 1, 1)
}
