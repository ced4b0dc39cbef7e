package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RequestSettled("grpc", RequestSucceeded)
	m.RequestSettled("grpc", RequestSucceeded)
	m.RequestSettled("grpc", RequestFailed)
	m.InFlight(1)
	m.InFlight(1)
	m.InFlight(-1)
	m.StopSettled(RequestFailed)
	m.EventAppended(false)
	m.EventAppended(true)
	m.SessionDelta(1)
	m.Reconciled("applied")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("grpc", RequestSucceeded)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("grpc", RequestFailed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsInFlight))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StopsTotal.WithLabelValues(RequestFailed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StreamEventsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StaleEventsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReconcileTotal.WithLabelValues("applied")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RequestSettled("grpc", RequestSucceeded)
		m.InFlight(1)
		m.StopSettled(RequestSucceeded)
		m.EventAppended(false)
		m.SessionDelta(-1)
		m.Reconciled("failed")
	})
}
