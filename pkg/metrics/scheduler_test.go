package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSchedulerMetricsState(t *testing.T) {
	m := NewSchedulerMetricsWith(prometheus.NewRegistry())

	m.SetState("paused")
	assert.InDelta(t, 1.0, testutil.ToFloat64(m.state.WithLabelValues("paused")), 0.001)

	// Moving to a new state zeroes the previous one.
	m.SetState("advancing")
	assert.InDelta(t, 0.0, testutil.ToFloat64(m.state.WithLabelValues("paused")), 0.001)
	assert.InDelta(t, 1.0, testutil.ToFloat64(m.state.WithLabelValues("advancing")), 0.001)

	m.SetState("advancing")
	assert.InDelta(t, 1.0, testutil.ToFloat64(m.state.WithLabelValues("advancing")), 0.001)
}

func TestSchedulerMetricsCounters(t *testing.T) {
	m := NewSchedulerMetricsWith(prometheus.NewRegistry())

	m.IncCycle()
	m.IncCycle()
	m.IncError()

	assert.InDelta(t, 2.0, testutil.ToFloat64(m.cycles), 0.001)
	assert.InDelta(t, 1.0, testutil.ToFloat64(m.errors), 0.001)
}
