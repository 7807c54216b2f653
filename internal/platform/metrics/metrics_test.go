package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersOnGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordDispatch("Patient", "read", "ok", 10*time.Millisecond)
	m.RecordDispatch("Patient", "read", "ok", 10*time.Millisecond)
	m.RecordSweep(3, 7)
	m.RecordOmitted(2)
	m.RecordOmitted(0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.DispatchOperationsTotal.WithLabelValues("Patient", "read", "ok")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.CursorsSweptTotal))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.CursorsActive))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PageResolveOmittedTotal))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)

	// A second set on a fresh registry does not collide.
	assert.NotPanics(t, func() { New(prometheus.NewRegistry()) })
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordRequest("GET", "/fhir/:type", "200", time.Millisecond)
		m.RecordDispatch("Patient", "read", "ok", time.Millisecond)
		m.RecordSweep(1, 1)
		m.RecordOmitted(1)
		m.InFlight()()
	})
}

func TestInFlight(t *testing.T) {
	m := New(prometheus.NewRegistry())
	done := m.InFlight()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsInFlight))
	done()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.HTTPRequestsInFlight))
}
