package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// StageMetrics instruments pipeline graph execution: per-node durations and
// completed runs per graph.
type StageMetrics struct {
	stageDuration *prometheus.HistogramVec
	runsTotal     *prometheus.CounterVec
}

// NewStageMetrics creates stage metrics registered on the default registry.
func NewStageMetrics() *StageMetrics {
	return NewStageMetricsWith(prometheus.DefaultRegisterer)
}

// NewStageMetricsWith creates stage metrics registered on reg. Tests use a
// fresh registry to avoid duplicate registration.
func NewStageMetricsWith(reg prometheus.Registerer) *StageMetrics {
	factory := promauto.With(reg)
	return &StageMetrics{
		stageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_stage_duration_seconds",
				Help:    "Duration of pipeline graph node executions",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"graph", "node", "status"},
		),
		runsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_runs_total",
				Help: "Completed pipeline runs by graph and outcome",
			},
			[]string{"graph", "outcome"},
		),
	}
}

// ObserveStage records one node execution.
func (s *StageMetrics) ObserveStage(graph, node string, err error, duration time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	s.stageDuration.WithLabelValues(graph, node, status).Observe(duration.Seconds())
}

// IncRun counts one completed run.
func (s *StageMetrics) IncRun(graph, outcome string) {
	s.runsTotal.WithLabelValues(graph, outcome).Inc()
}
