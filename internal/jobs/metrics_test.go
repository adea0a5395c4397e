package jobmetrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerRecordsOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	require.NoError(t, m.Track("route_check").End(nil))
	boom := errors.New("boom")
	assert.ErrorIs(t, m.Track("route_check").End(boom), boom)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("route_check", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("route_check", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues("route_check")))
}

func TestEnqueuedCountsResults(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.Enqueued("fulfillment:route_check", nil)
	m.Enqueued("fulfillment:route_check", errors.New("redis down"))
	m.Enqueued("", nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.enqueued.WithLabelValues("fulfillment:route_check", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.enqueued.WithLabelValues("fulfillment:route_check", "error")))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	assert.NoError(t, m.Track("x").End(nil))
	m.Enqueued("x", nil)
}
