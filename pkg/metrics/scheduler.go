package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SchedulerMetrics instruments the cycle scheduler: the loop state, the
// number of completed cycles and recorded loop errors.
type SchedulerMetrics struct {
	mu      sync.Mutex
	current string

	state  *prometheus.GaugeVec
	cycles prometheus.Counter
	errors prometheus.Counter
}

// NewSchedulerMetrics creates scheduler metrics on the default registry.
func NewSchedulerMetrics() *SchedulerMetrics {
	return NewSchedulerMetricsWith(prometheus.DefaultRegisterer)
}

// NewSchedulerMetricsWith creates scheduler metrics registered on reg.
func NewSchedulerMetricsWith(reg prometheus.Registerer) *SchedulerMetrics {
	factory := promauto.With(reg)
	return &SchedulerMetrics{
		state: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "scheduler_state",
				Help: "Scheduler loop state; the active state reads 1",
			},
			[]string{"state"},
		),
		cycles: factory.NewCounter(prometheus.CounterOpts{
			Name: "scheduler_cycles_completed_total",
			Help: "Completed pricing cycles",
		}),
		errors: factory.NewCounter(prometheus.CounterOpts{
			Name: "scheduler_errors_total",
			Help: "Errors recorded in the scheduler error ring",
		}),
	}
}

// SetState marks state as active and clears the previously active one.
func (s *SchedulerMetrics) SetState(state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != "" && s.current != state {
		s.state.WithLabelValues(s.current).Set(0)
	}
	s.state.WithLabelValues(state).Set(1)
	s.current = state
}

// IncCycle counts one completed cycle.
func (s *SchedulerMetrics) IncCycle() {
	s.cycles.Inc()
}

// IncError counts one recorded scheduler error.
func (s *SchedulerMetrics) IncError() {
	s.errors.Inc()
}
