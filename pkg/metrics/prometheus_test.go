package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPrometheusRecorderObserveRequest(t *testing.T) {
	rec := NewPrometheusRecorderWith(prometheus.NewRegistry())

	rec.ObserveRequest("gpt-5-mini", "market_analysis", 100, 40, 0.25, true, 120*time.Millisecond)
	rec.ObserveRequest("gpt-5-mini", "market_analysis", 80, 20, 0.10, true, 90*time.Millisecond)

	assert.InDelta(t, 2.0, testutil.ToFloat64(rec.requestsTotal.WithLabelValues("gpt-5-mini", "market_analysis", "success")), 0.001)
	assert.InDelta(t, 180.0, testutil.ToFloat64(rec.tokensTotal.WithLabelValues("gpt-5-mini", "market_analysis", "prompt")), 0.001)
	assert.InDelta(t, 60.0, testutil.ToFloat64(rec.tokensTotal.WithLabelValues("gpt-5-mini", "market_analysis", "completion")), 0.001)
	assert.InDelta(t, 0.35, testutil.ToFloat64(rec.costsTotal.WithLabelValues("gpt-5-mini", "market_analysis")), 0.001)
}

func TestPrometheusRecorderFailureSkipsTokens(t *testing.T) {
	rec := NewPrometheusRecorderWith(prometheus.NewRegistry())

	rec.ObserveRequest("gpt-5-mini", "pricing_strategy", 100, 40, 0.25, false, 50*time.Millisecond)

	assert.InDelta(t, 1.0, testutil.ToFloat64(rec.requestsTotal.WithLabelValues("gpt-5-mini", "pricing_strategy", "error")), 0.001)
	assert.InDelta(t, 0.0, testutil.ToFloat64(rec.tokensTotal.WithLabelValues("gpt-5-mini", "pricing_strategy", "prompt")), 0.001)
	assert.InDelta(t, 0.0, testutil.ToFloat64(rec.costsTotal.WithLabelValues("gpt-5-mini", "pricing_strategy")), 0.001)
}

func TestPrometheusRecorderThrottle(t *testing.T) {
	rec := NewPrometheusRecorderWith(prometheus.NewRegistry())

	rec.IncThrottle("gpt-5-mini", "rate_limit")
	rec.IncThrottle("gpt-5-mini", "rate_limit")

	assert.InDelta(t, 2.0, testutil.ToFloat64(rec.throttleTotal.WithLabelValues("gpt-5-mini", "rate_limit")), 0.001)
}

func TestNopRecorder(t *testing.T) {
	rec := Nop()
	rec.ObserveRequest("m", "s", 1, 1, 0.1, true, time.Millisecond)
	rec.IncThrottle("m", "r")
	rec.ObserveQueueWait("m", time.Millisecond)
}
