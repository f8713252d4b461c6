package observability

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.IncRequest("zerion", "GET")
	m.IncRequest("zerion", "GET")
	m.IncStatus("zerion", "GET", "200")
	m.IncSuccess("zerion")
	m.IncFailure("zerion")
	m.IncError("zerion", "timeout")

	assert.Equal(t, float64(2), testutil.ToFloat64(m.promRequests.WithLabelValues("zerion", "GET")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.promByStatus.WithLabelValues("zerion", "GET", "200")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.promErrors.WithLabelValues("zerion", "timeout")))
}

func TestProviderHealthGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.SetProviderHealth("zerion", HealthClosed)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.promProviderHealth.WithLabelValues("zerion")))

	m.SetProviderHealth("zerion", HealthHalfOpen)
	assert.Equal(t, 0.5, testutil.ToFloat64(m.promProviderHealth.WithLabelValues("zerion")))

	m.SetProviderHealth("zerion", HealthOpen)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.promProviderHealth.WithLabelValues("zerion")))
}

func TestActiveConnections(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.IncActive("zerion")
	m.IncActive("zerion")
	m.DecActive("zerion")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.promActiveConns.WithLabelValues("zerion")))
}

func TestLatencyPercentiles(t *testing.T) {
	t.Run("reports bucket upper bounds", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		m := NewMetrics(reg)

		// 90 fast observations, 10 slow ones.
		for i := 0; i < 90; i++ {
			m.ObserveLatency("p", 5)
		}
		for i := 0; i < 10; i++ {
			m.ObserveLatency("p", 400)
		}

		snaps := m.LatencySnapshots()
		snap, ok := snaps["p"]
		require.True(t, ok)
		assert.Equal(t, int64(100), snap.Count)
		assert.Equal(t, float64(10), snap.P50)
		assert.Equal(t, float64(500), snap.P95)
		assert.Equal(t, float64(500), snap.P99)
	})

	t.Run("saturates at the last finite bound", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		m := NewMetrics(reg)

		for i := 0; i < 10; i++ {
			m.ObserveLatency("slow", 5000)
		}

		snap := m.LatencySnapshots()["slow"]
		assert.Equal(t, float64(1000), snap.P50)
		assert.Equal(t, float64(1000), snap.P99)
	})

	t.Run("no observations yields no snapshots", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		m := NewMetrics(reg)
		assert.Empty(t, m.LatencySnapshots())
	})
}

func TestLatencyExposition(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.ObserveLatency("zerion", 42)

	families, err := reg.Gather()
	require.NoError(t, err)

	var found bool
	for _, f := range families {
		if strings.HasSuffix(f.GetName(), "request_latency_ms") {
			found = true
		}
	}
	assert.True(t, found, "latency histogram should be registered")
}
